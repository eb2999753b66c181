package queuehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Global disposition sets. These are shared by every queue, so the
	// processing/completed/failed stats reported by the Redis provider are
	// process-wide rather than per queue.
	redisProcessingKey = "queue:processing"
	redisCompletedKey  = "queue:completed"
	redisFailedKey     = "queue:failed"

	eventNewMessage = "new_message"

	// DefaultPollInterval is the safety-net poll period of a Redis subscription.
	DefaultPollInterval = time.Second
)

// DefaultRedisBackoff is the retry strategy for poll errors and event
// subscription reconnects.
var DefaultRedisBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(10*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 5*time.Second),
)

// RedisProvider is a Redis-backed Provider.
//
// Priority is simulated with a per-queue sorted set (lower score first),
// message bodies live in a per-queue hash, and delivery is driven by a
// pub/sub wake-up plus a periodic poll that guarantees forward progress.
type RedisProvider struct {
	client        *redis.Client
	subscriptions map[string]*redis.PubSub // queue name -> event subscription
	claims        map[string]string        // messageID -> queue name, for claims made here
	mu            sync.RWMutex
	initialized   bool
	stopping      bool // Close has begun: no new claims, settlement still allowed
	closed        bool // client released
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	pollInterval time.Duration
	atomicClaim  bool
	backoff      backoff.Strategy
	logger       *zap.SugaredLogger

	// Redis connection options
	password string
	db       int

	// afterClaimCheck runs between the membership check and the insert of a
	// non-atomic claim.
	afterClaimCheck func(messageID string)
}

// RedisOption is a function that configures the Redis provider
type RedisOption func(*RedisProvider)

// WithPollInterval sets the period of the safety-net poll
func WithPollInterval(interval time.Duration) RedisOption {
	return func(p *RedisProvider) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithAtomicClaim replaces the check-then-insert claim with a single SADD,
// closing the double-delivery window between concurrent consumers.
func WithAtomicClaim() RedisOption {
	return func(p *RedisProvider) {
		p.atomicClaim = true
	}
}

// WithRedisPassword sets the password for Redis authentication
func WithRedisPassword(password string) RedisOption {
	return func(p *RedisProvider) {
		p.password = password
	}
}

// WithRedisDB sets the Redis database number (0-15)
func WithRedisDB(db int) RedisOption {
	return func(p *RedisProvider) {
		if db >= 0 {
			p.db = db
		}
	}
}

// WithRedisBackoff sets the strategy used to back off after poll errors and
// broken event subscriptions
func WithRedisBackoff(s backoff.Strategy) RedisOption {
	return func(p *RedisProvider) {
		if s != nil {
			p.backoff = s
		}
	}
}

// WithRedisLogger sets the logger for the Redis provider
func WithRedisLogger(logger *zap.SugaredLogger) RedisOption {
	return func(p *RedisProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func newRedisProvider(opts []RedisOption) *RedisProvider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RedisProvider{
		subscriptions: make(map[string]*redis.PubSub),
		claims:        make(map[string]string),
		ctx:           ctx,
		cancel:        cancel,
		pollInterval:  DefaultPollInterval,
		backoff:       DefaultRedisBackoff,
		logger:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewRedisProvider creates a new Redis provider.
// addr is the Redis server address (e.g., "localhost:6379"). No connection
// is made until Initialize.
func NewRedisProvider(addr string, opts ...RedisOption) *RedisProvider {
	p := newRedisProvider(opts)
	p.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: p.password,
		DB:       p.db,
	})
	return p
}

// NewRedisProviderWithClient creates a new Redis provider with an existing Redis client
func NewRedisProviderWithClient(client *redis.Client, opts ...RedisOption) *RedisProvider {
	p := newRedisProvider(opts)
	p.client = client
	return p
}

// messagesKey returns the hash holding message bodies for a queue
func messagesKey(queue string) string {
	return fmt.Sprintf("queue:%s:messages", queue)
}

// priorityKey returns the sorted set ordering pending message ids
func priorityKey(queue string) string {
	return fmt.Sprintf("queue:%s:priority", queue)
}

// delayedKey returns the sorted set of delayed ids scored by due time (unix ms)
func delayedKey(queue string) string {
	return fmt.Sprintf("queue:%s:delayed", queue)
}

// eventsChannel returns the pub/sub channel announcing new messages
func eventsChannel(queue string) string {
	return fmt.Sprintf("queue:%s:events", queue)
}

// redisEvent is broadcast on the events channel after a publish
type redisEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	QueueName string `json:"queueName"`
}

// redisBody is the JSON stored in the messages hash
type redisBody struct {
	Message
	Status      Status     `json:"status"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Initialize verifies the connection to Redis
func (p *RedisProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping || p.closed {
		return ErrProviderClosed
	}

	if err := p.client.Ping(ctx).Err(); err != nil {
		return connectivityError("ping redis", err)
	}

	p.initialized = true
	p.logger.Infow("redis queue provider initialized")
	return nil
}

// Publish stores the body, inserts the id into the priority (or delayed)
// set and broadcasts a wake-up event
func (p *RedisProvider) Publish(ctx context.Context, queue string, msg *Message, opts PublishOptions) error {
	if err := p.ready(); err != nil {
		return err
	}

	env := *msg
	if env.ID == "" {
		env.ID = NewMessage(queue, msg.Type, msg.Payload).ID
	}
	env.Queue = queue
	env.Error = ""
	env.applyOptions(opts)

	data, err := json.Marshal(redisBody{Message: env, Status: StatusPending})
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messagesKey(queue), env.ID, data)
		if opts.Delay > 0 {
			due := time.Now().Add(opts.Delay).UnixMilli()
			pipe.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(due), Member: env.ID})
		} else {
			pipe.ZAdd(ctx, priorityKey(queue), redis.Z{Score: env.Priority.Score(), Member: env.ID})
		}
		pipe.SRem(ctx, redisFailedKey, env.ID)
		return nil
	})
	if err != nil {
		return p.commandError("publish message", err)
	}

	if opts.Delay == 0 {
		p.notify(ctx, queue, env.ID)
	}

	p.logger.Debugw("message published", "queue", queue, "message_id", env.ID, "priority", env.Priority)
	return nil
}

// notify broadcasts a new-message event. A lost event only delays delivery
// until the next poll, so failures are logged rather than returned.
func (p *RedisProvider) notify(ctx context.Context, queue, messageID string) {
	event, err := json.Marshal(redisEvent{Type: eventNewMessage, MessageID: messageID, QueueName: queue})
	if err != nil {
		return
	}
	if err := p.client.Publish(ctx, eventsChannel(queue), event).Err(); err != nil {
		p.logger.Warnw("failed to broadcast new message event", "queue", queue, "message_id", messageID, "error", err)
	}
}

// Subscribe registers the handler and starts the event listener and the poller
func (p *RedisProvider) Subscribe(ctx context.Context, queue string, handler Handler) error {
	if err := p.ready(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[queue]; exists {
		return ErrHandlerAlreadyRegistered
	}

	pubsub := p.client.Subscribe(ctx, eventsChannel(queue))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return connectivityError("subscribe to "+eventsChannel(queue), err)
	}
	p.subscriptions[queue] = pubsub

	subCtx, cancel := context.WithCancel(ctx)
	context.AfterFunc(p.ctx, cancel)
	context.AfterFunc(subCtx, func() { p.unsubscribe(queue, pubsub) })

	p.wg.Add(2)
	go p.listen(subCtx, queue, pubsub, handler)
	go p.poll(subCtx, queue, handler)

	p.logger.Infow("subscribed to queue", "queue", queue, "provider", "redis")
	return nil
}

// unsubscribe drops the registration made for pubsub once its subscription
// context ends, so the queue can be subscribed again.
func (p *RedisProvider) unsubscribe(queue string, pubsub *redis.PubSub) {
	p.mu.Lock()
	current, ok := p.subscriptions[queue]
	if ok && current == pubsub {
		delete(p.subscriptions, queue)
	}
	p.mu.Unlock()

	if ok && current == pubsub {
		_ = pubsub.Close()
		p.logger.Infow("unsubscribed from queue", "queue", queue, "provider", "redis")
	}
}

// SubscribeToMultiple subscribes the handler to each queue in turn
func (p *RedisProvider) SubscribeToMultiple(ctx context.Context, queues []string, handler Handler) error {
	for _, queue := range queues {
		if err := p.Subscribe(ctx, queue, handler); err != nil {
			return err
		}
	}
	return nil
}

// listen reacts to new-message events by attempting to process the
// lowest-scored pending message. A broken subscription is re-established
// on the next receive, after a backoff.
func (p *RedisProvider) listen(ctx context.Context, queue string, pubsub *redis.PubSub, handler Handler) {
	defer p.wg.Done()

	counter := backoff.Counter{Strategy: p.backoff}
	for {
		m, err := pubsub.ReceiveMessage(ctx)
		if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
			return
		}
		if err != nil {
			p.logger.Warnw("queue event subscription interrupted, reconnecting", "queue", queue, "error", err)
			if err := counter.Sleep(ctx, err); err != nil {
				return
			}
			continue
		}
		counter.Reset()

		var event redisEvent
		if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
			p.logger.Warnw("ignoring malformed queue event", "queue", queue, "channel", m.Channel, "error", err)
			continue
		}
		if event.Type != eventNewMessage {
			continue
		}

		if _, err := p.processNext(ctx, queue, handler); err != nil && ctx.Err() == nil {
			p.logger.Errorw("error processing message from event", "queue", queue, "message_id", event.MessageID, "error", err)
		}
	}
}

// poll promotes due delayed messages and drains claimable messages on every tick
func (p *RedisProvider) poll(ctx context.Context, queue string, handler Handler) {
	defer p.wg.Done()

	counter := backoff.Counter{Strategy: p.backoff}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		err := p.pollOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			p.logger.Errorw("error in polling for queue", "queue", queue, "error", err)
			if err := counter.Sleep(ctx, err); err != nil {
				return
			}
			continue
		}
		counter.Reset()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *RedisProvider) pollOnce(ctx context.Context, queue string, handler Handler) error {
	if err := p.promoteDelayed(ctx, queue); err != nil {
		return err
	}
	for ctx.Err() == nil {
		processed, err := p.processNext(ctx, queue, handler)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
	return nil
}

// promoteDelayed moves due ids from the delayed set into the priority set
func (p *RedisProvider) promoteDelayed(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := p.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return p.commandError("read delayed messages", err)
	}

	for _, id := range ids {
		removed, err := p.client.ZRem(ctx, delayedKey(queue), id).Result()
		if err != nil {
			return p.commandError("promote delayed message", err)
		}
		if removed == 0 {
			continue // promoted by another poller
		}

		score := PriorityNormal.Score()
		if body, err := p.loadBody(ctx, queue, id); err == nil {
			score = body.Priority.Score()
		}
		if err := p.client.ZAdd(ctx, priorityKey(queue), redis.Z{Score: score, Member: id}).Err(); err != nil {
			return p.commandError("promote delayed message", err)
		}
	}
	return nil
}

// processNext claims the lowest-scored pending message and runs the handler.
// It reports whether a message was claimed.
func (p *RedisProvider) processNext(ctx context.Context, queue string, handler Handler) (bool, error) {
	ids, err := p.client.ZRange(ctx, priorityKey(queue), 0, 0).Result()
	if err != nil {
		return false, p.commandError("read priority queue", err)
	}
	if len(ids) == 0 {
		return false, nil
	}
	messageID := ids[0]

	claimed, err := p.claim(ctx, queue, messageID)
	if err != nil || !claimed {
		return false, err
	}

	// once claimed, the id is released or settled even if ctx is cancelled
	held := context.WithoutCancel(ctx)
	body, err := p.loadBody(held, queue, messageID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			// id without a body: drop it so it does not block the queue
			p.release(held, queue, messageID)
			return true, nil
		}
		p.unclaim(held, messageID)
		return false, err
	}

	msg := body.Message
	if herr := safeHandle(ctx, handler, &msg); herr != nil {
		p.logger.Errorw("error processing message", "queue", queue, "message_id", messageID, "error", herr)
		return true, p.Reject(ctx, messageID, herr.Error())
	}
	return true, p.Acknowledge(ctx, messageID)
}

// claim marks a message as processing. The default protocol checks
// membership and then inserts as two separate commands, so two consumers can
// both pass the check and claim the same id.
func (p *RedisProvider) claim(ctx context.Context, queue, messageID string) (bool, error) {
	if p.atomicClaim {
		added, err := p.client.SAdd(ctx, redisProcessingKey, messageID).Result()
		if err != nil {
			return false, p.commandError("claim message", err)
		}
		if added == 0 {
			return false, nil
		}
	} else {
		processing, err := p.client.SIsMember(ctx, redisProcessingKey, messageID).Result()
		if err != nil {
			return false, p.commandError("check claim", err)
		}
		if processing {
			return false, nil
		}
		if p.afterClaimCheck != nil {
			p.afterClaimCheck(messageID)
		}
		if err := p.client.SAdd(ctx, redisProcessingKey, messageID).Err(); err != nil {
			return false, p.commandError("claim message", err)
		}
	}

	p.mu.Lock()
	p.claims[messageID] = queue
	p.mu.Unlock()
	return true, nil
}

// release drops a claim and the id from the priority set
func (p *RedisProvider) release(ctx context.Context, queue, messageID string) {
	p.mu.Lock()
	delete(p.claims, messageID)
	p.mu.Unlock()

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, redisProcessingKey, messageID)
		pipe.ZRem(ctx, priorityKey(queue), messageID)
		return nil
	})
	if err != nil {
		p.logger.Warnw("failed to release claim", "queue", queue, "message_id", messageID, "error", err)
	}
}

// unclaim drops the claim but leaves the id queued for another attempt
func (p *RedisProvider) unclaim(ctx context.Context, messageID string) {
	p.mu.Lock()
	delete(p.claims, messageID)
	p.mu.Unlock()

	if err := p.client.SRem(ctx, redisProcessingKey, messageID).Err(); err != nil {
		p.logger.Warnw("failed to drop claim", "message_id", messageID, "error", err)
	}
}

func (p *RedisProvider) loadBody(ctx context.Context, queue, messageID string) (*redisBody, error) {
	data, err := p.client.HGet(ctx, messagesKey(queue), messageID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMessageNotFound
		}
		return nil, p.commandError("load message", err)
	}

	var body redisBody
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("failed to deserialize message %s: %w", messageID, err)
	}
	return &body, nil
}

// Acknowledge moves the id from processing to completed and removes it from
// the priority set. Settling an id that is not processing is a no-op.
// Settlement keeps working while Close drains in-flight handlers.
func (p *RedisProvider) Acknowledge(ctx context.Context, messageID string) error {
	if err := p.settleReady(); err != nil {
		return err
	}
	return p.settle(ctx, messageID, redisCompletedKey, StatusCompleted, "")
}

// Reject moves the id from processing to failed and records the reason
// alongside the stored body. Redelivery is left to the caller.
func (p *RedisProvider) Reject(ctx context.Context, messageID string, reason string) error {
	if err := p.settleReady(); err != nil {
		return err
	}
	return p.settle(ctx, messageID, redisFailedKey, StatusFailed, reason)
}

func (p *RedisProvider) settle(ctx context.Context, messageID, setKey string, status Status, reason string) error {
	// a cancelled delivery context must not leave the id claimed
	ctx = context.WithoutCancel(ctx)

	removed, err := p.client.SRem(ctx, redisProcessingKey, messageID).Result()
	if err != nil {
		return p.commandError("settle message", err)
	}
	if removed == 0 {
		return nil
	}

	queue, err := p.queueOf(ctx, messageID)
	if err != nil {
		return err
	}

	var data []byte
	if queue != "" {
		if body, err := p.loadBody(ctx, queue, messageID); err == nil {
			now := time.Now()
			body.Status = status
			body.Error = reason
			body.ProcessedAt = &now
			data, _ = json.Marshal(body)
		}
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, setKey, messageID)
		if queue != "" {
			pipe.ZRem(ctx, priorityKey(queue), messageID)
			if data != nil {
				pipe.HSet(ctx, messagesKey(queue), messageID, data)
			}
		}
		return nil
	})
	if err != nil {
		return p.commandError("settle message", err)
	}

	p.logger.Debugw("message settled", "queue", queue, "message_id", messageID, "status", status, "reason", reason)
	return nil
}

// queueOf finds the queue holding messageID, first from local claims and
// then by scanning the message hashes.
func (p *RedisProvider) queueOf(ctx context.Context, messageID string) (string, error) {
	p.mu.Lock()
	queue, ok := p.claims[messageID]
	delete(p.claims, messageID)
	p.mu.Unlock()
	if ok {
		return queue, nil
	}

	iter := p.client.Scan(ctx, 0, messagesKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		exists, err := p.client.HExists(ctx, key, messageID).Result()
		if err != nil {
			return "", p.commandError("find message", err)
		}
		if exists {
			return strings.TrimSuffix(strings.TrimPrefix(key, "queue:"), ":messages"), nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", p.commandError("find message", err)
	}
	return "", nil
}

// QueueStats reports the queue's pending depth and the global disposition sets
func (p *RedisProvider) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	if err := p.ready(); err != nil {
		return QueueStats{}, err
	}

	var pending, delayed, processing, completed, failed *redis.IntCmd
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.ZCard(ctx, priorityKey(queue))
		delayed = pipe.ZCard(ctx, delayedKey(queue))
		processing = pipe.SCard(ctx, redisProcessingKey)
		completed = pipe.SCard(ctx, redisCompletedKey)
		failed = pipe.SCard(ctx, redisFailedKey)
		return nil
	})
	if err != nil {
		return QueueStats{}, p.commandError("get queue stats", err)
	}

	return QueueStats{
		Pending:    pending.Val() + delayed.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}, nil
}

// PurgeQueue deletes the queue's hash and sorted sets and drops its ids from
// the global disposition sets
func (p *RedisProvider) PurgeQueue(ctx context.Context, queue string) error {
	if err := p.ready(); err != nil {
		return err
	}

	ids, err := p.client.HKeys(ctx, messagesKey(queue)).Result()
	if err != nil {
		return p.commandError("list queue messages", err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messagesKey(queue), priorityKey(queue), delayedKey(queue))
		if len(ids) > 0 {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SRem(ctx, redisProcessingKey, members...)
			pipe.SRem(ctx, redisCompletedKey, members...)
			pipe.SRem(ctx, redisFailedKey, members...)
		}
		return nil
	})
	if err != nil {
		return p.commandError("purge queue", err)
	}

	p.logger.Infow("queue purged", "queue", queue, "provider", "redis")
	return nil
}

// HealthCheck pings Redis
func (p *RedisProvider) HealthCheck(ctx context.Context) bool {
	if p.ready() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx).Err(); err != nil {
		p.logger.Warnw("redis health check failed", "error", err)
		return false
	}
	return true
}

// Close stops all subscriptions and releases the Redis client
func (p *RedisProvider) Close() error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.cancel()

	var err error
	for queue, pubsub := range p.subscriptions {
		err = multierr.Append(err, pubsub.Close())
		delete(p.subscriptions, queue)
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err = multierr.Append(err, p.client.Close())
	p.logger.Infow("redis queue provider closed")
	return err
}

func (p *RedisProvider) ready() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopping || p.closed {
		return ErrProviderClosed
	}
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// settleReady is ready without the stopping check
func (p *RedisProvider) settleReady() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrProviderClosed
	}
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// commandError classifies a failed Redis command
func (p *RedisProvider) commandError(op string, err error) error {
	if isConnectionError(err) {
		return connectivityError(op, err)
	}
	return rejectedError(op, err)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
