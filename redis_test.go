package queuehub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dogmatiq/linger/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisProvider(t *testing.T, opts ...RedisOption) (*RedisProvider, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	opts = append([]RedisOption{
		WithPollInterval(10 * time.Millisecond),
		WithRedisLogger(zaptest.NewLogger(t).Sugar()),
	}, opts...)
	p := NewRedisProviderWithClient(client, opts...)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close() })

	// The provider owns client; use a second one for assertions.
	inspect := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = inspect.Close() })
	return p, inspect
}

func readBody(t *testing.T, rdb *redis.Client, queue, id string) redisBody {
	t.Helper()
	data, err := rdb.HGet(context.Background(), messagesKey(queue), id).Result()
	require.NoError(t, err)
	var body redisBody
	require.NoError(t, json.Unmarshal([]byte(data), &body))
	return body
}

func TestRedisPublishStoresBodyAndScore(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("emails", "welcome", json.RawMessage(`{"to":"a@example.com"}`))
	require.NoError(t, p.Publish(ctx, "emails", msg, PublishOptions{Priority: PriorityHigh, Metadata: map[string]any{"k": "v"}}))

	score, err := rdb.ZScore(ctx, priorityKey("emails"), msg.ID).Result()
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh.Score(), score)

	body := readBody(t, rdb, "emails", msg.ID)
	assert.Equal(t, StatusPending, body.Status)
	assert.Equal(t, "welcome", body.Type)
	assert.Equal(t, PriorityHigh, body.Priority)
	assert.Equal(t, "v", body.Metadata["k"])
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(body.Payload))

	stats, err := p.QueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestRedisDeliversInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	for _, prio := range []Priority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityHigh} {
		require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{Priority: prio}))
	}

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.Eventually(t, func() bool { return rec.count() == 4 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}, rec.priorities())

	require.Eventually(t, func() bool {
		n, _ := rdb.SCard(ctx, redisCompletedKey).Result()
		return n == 4
	}, 2*time.Second, 5*time.Millisecond)
	pending, err := rdb.ZCard(ctx, priorityKey("jobs")).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisEventWakesSubscriber(t *testing.T) {
	ctx := context.Background()
	// A long poll interval leaves the pub/sub event as the only fast path.
	p, _ := newTestRedisProvider(t, WithPollInterval(time.Hour))

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	// let the initial poll pass run against an empty queue
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisRejectRecordsFailure(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("jobs", "job", nil)
	require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{}))

	rec := &recorder{err: errors.New("cannot process")}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))

	require.Eventually(t, func() bool {
		ok, _ := rdb.SIsMember(ctx, redisFailedKey, msg.ID).Result()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	body := readBody(t, rdb, "jobs", msg.ID)
	assert.Equal(t, StatusFailed, body.Status)
	assert.Equal(t, "cannot process", body.Error)
	assert.NotNil(t, body.ProcessedAt)

	processing, err := rdb.SIsMember(ctx, redisProcessingKey, msg.ID).Result()
	require.NoError(t, err)
	assert.False(t, processing)

	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, 1, rec.count())
}

func TestRedisRepublishClearsFailed(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("jobs", "job", nil)
	require.NoError(t, rdb.SAdd(ctx, redisFailedKey, msg.ID).Err())
	require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{RetryCount: 1}))

	failed, err := rdb.SIsMember(ctx, redisFailedKey, msg.ID).Result()
	require.NoError(t, err)
	assert.False(t, failed)
	assert.Equal(t, 1, readBody(t, rdb, "jobs", msg.ID).RetryCount)
}

func TestRedisDelayedMessage(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("jobs", "job", nil)
	require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{Delay: 100 * time.Millisecond}))

	delayed, err := rdb.ZCard(ctx, delayedKey("jobs")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	start := time.Now()
	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRedisPurgeQueue(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	a := NewMessage("jobs", "job", nil)
	b := NewMessage("jobs", "job", nil)
	require.NoError(t, p.Publish(ctx, "jobs", a, PublishOptions{}))
	require.NoError(t, p.Publish(ctx, "jobs", b, PublishOptions{Delay: time.Hour}))
	require.NoError(t, rdb.SAdd(ctx, redisFailedKey, a.ID).Err())
	require.NoError(t, p.Publish(ctx, "other", NewMessage("other", "job", nil), PublishOptions{}))

	require.NoError(t, p.PurgeQueue(ctx, "jobs"))

	for _, key := range []string{messagesKey("jobs"), priorityKey("jobs"), delayedKey("jobs")} {
		exists, err := rdb.Exists(ctx, key).Result()
		require.NoError(t, err)
		assert.Zero(t, exists, key)
	}
	failed, err := rdb.SIsMember(ctx, redisFailedKey, a.ID).Result()
	require.NoError(t, err)
	assert.False(t, failed)

	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, stats)

	other, err := p.QueueStats(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Pending)
}

func TestRedisSettlementIsFirstWins(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	require.NoError(t, p.Acknowledge(ctx, "unknown"))
	require.NoError(t, p.Reject(ctx, "unknown", "nope"))
	completed, err := rdb.SCard(ctx, redisCompletedKey).Result()
	require.NoError(t, err)
	assert.Zero(t, completed)

	msg := NewMessage("jobs", "job", nil)
	require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{}))

	handler := HandlerFunc(func(ctx context.Context, m *Message) error {
		assert.NoError(t, p.Acknowledge(ctx, m.ID))
		return errors.New("too late to fail")
	})
	processed, err := p.processNext(ctx, "jobs", handler)
	require.NoError(t, err)
	assert.True(t, processed)

	done, err := rdb.SIsMember(ctx, redisCompletedKey, msg.ID).Result()
	require.NoError(t, err)
	assert.True(t, done)
	failed, err := rdb.SIsMember(ctx, redisFailedKey, msg.ID).Result()
	require.NoError(t, err)
	assert.False(t, failed)
	assert.Equal(t, StatusCompleted, readBody(t, rdb, "jobs", msg.ID).Status)
}

func TestRedisSettleFindsQueueWithoutLocalClaim(t *testing.T) {
	ctx := context.Background()
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("reports", "build", nil)
	require.NoError(t, p.Publish(ctx, "reports", msg, PublishOptions{}))
	// claimed by some other process
	require.NoError(t, rdb.SAdd(ctx, redisProcessingKey, msg.ID).Err())

	require.NoError(t, p.Reject(ctx, msg.ID, "worker crashed"))

	body := readBody(t, rdb, "reports", msg.ID)
	assert.Equal(t, StatusFailed, body.Status)
	assert.Equal(t, "worker crashed", body.Error)
	pending, err := rdb.ZCard(ctx, priorityKey("reports")).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisNonAtomicClaimAllowsDoubleDelivery(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestRedisProvider(t)

	// Hold both consumers between the membership check and the insert.
	var arrived sync.WaitGroup
	arrived.Add(2)
	p.afterClaimCheck = func(string) {
		arrived.Done()
		arrived.Wait()
	}

	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))

	var calls int32
	handler := HandlerFunc(func(context.Context, *Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.processNext(ctx, "jobs", handler)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRedisAtomicClaim(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestRedisProvider(t, WithAtomicClaim())

	var hooked bool
	p.afterClaimCheck = func(string) { hooked = true }

	first, err := p.claim(ctx, "jobs", "m1")
	require.NoError(t, err)
	second, err := p.claim(ctx, "jobs", "m1")
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, hooked)
}

func TestRedisLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	p := NewRedisProvider(mr.Addr(), WithRedisDB(0))

	assert.False(t, p.HealthCheck(ctx))
	assert.ErrorIs(t, p.Publish(ctx, "q", NewMessage("q", "t", nil), PublishOptions{}), ErrNotInitialized)

	require.NoError(t, p.Initialize(ctx))
	assert.True(t, p.HealthCheck(ctx))

	noop := HandlerFunc(func(context.Context, *Message) error { return nil })
	require.NoError(t, p.Subscribe(ctx, "q", noop))
	assert.ErrorIs(t, p.Subscribe(ctx, "q", noop), ErrHandlerAlreadyRegistered)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, p.HealthCheck(ctx))
	assert.ErrorIs(t, p.Acknowledge(ctx, "x"), ErrProviderClosed)
}

func TestRedisInitializeUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewRedisProvider("127.0.0.1:1")
	defer p.Close()

	err := p.Initialize(ctx)
	assert.ErrorIs(t, err, ErrConnectivity)
}

func TestRedisCloseSettlesInflightDelivery(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	inspect := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = inspect.Close() })

	p := NewRedisProviderWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		WithPollInterval(10*time.Millisecond), WithRedisLogger(logger))
	store := NewMemoryStore()
	svc := New(p, store, WithLogger(logger))
	require.NoError(t, svc.Start(ctx))

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, svc.Subscribe(ctx, "jobs", HandlerFunc(func(context.Context, *Message) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})))

	id, err := svc.Publish(ctx, "jobs", "job", nil, PublishOptions{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	closed := make(chan error, 1)
	go func() { closed <- svc.Close() }()
	require.Eventually(t, func() bool { return !p.HealthCheck(ctx) }, time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)

	processing, err := inspect.SIsMember(ctx, redisProcessingKey, id).Result()
	require.NoError(t, err)
	assert.False(t, processing)
	completed, err := inspect.SIsMember(ctx, redisCompletedKey, id).Result()
	require.NoError(t, err)
	assert.True(t, completed)
	_, err = inspect.ZScore(ctx, priorityKey("jobs"), id).Result()
	assert.ErrorIs(t, err, redis.Nil)

	// a new consumer on the same server keeps draining the queue
	next := NewRedisProviderWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		WithPollInterval(10*time.Millisecond), WithRedisLogger(logger))
	require.NoError(t, next.Initialize(ctx))
	t.Cleanup(func() { _ = next.Close() })

	rec2 := &recorder{}
	require.NoError(t, next.Subscribe(ctx, "jobs", rec2))
	require.NoError(t, next.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec2.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisClaimedMessageSettlesAfterCancel(t *testing.T) {
	p, rdb := newTestRedisProvider(t)

	msg := NewMessage("jobs", "job", nil)
	require.NoError(t, p.Publish(context.Background(), "jobs", msg, PublishOptions{}))

	ctx, cancel := context.WithCancel(context.Background())
	processed, err := p.processNext(ctx, "jobs", HandlerFunc(func(context.Context, *Message) error {
		cancel()
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, processed)

	bg := context.Background()
	processing, err := rdb.SIsMember(bg, redisProcessingKey, msg.ID).Result()
	require.NoError(t, err)
	assert.False(t, processing)
	pending, err := rdb.ZCard(bg, priorityKey("jobs")).Result()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRedisResubscribeAfterContextCancel(t *testing.T) {
	p, _ := newTestRedisProvider(t)

	ctx, cancel := context.WithCancel(context.Background())
	noop := HandlerFunc(func(context.Context, *Message) error { return nil })
	require.NoError(t, p.Subscribe(ctx, "jobs", noop))
	cancel()

	rec := &recorder{}
	require.Eventually(t, func() bool {
		return p.Subscribe(context.Background(), "jobs", rec) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Publish(context.Background(), "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisListenerReconnects(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	p := NewRedisProviderWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		WithPollInterval(time.Hour),
		WithRedisBackoff(backoff.Constant(10*time.Millisecond)),
		WithRedisLogger(zaptest.NewLogger(t).Sugar()),
	)
	require.NoError(t, p.Initialize(ctx))
	t.Cleanup(func() { _ = p.Close() })

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))

	mr.Close()
	require.NoError(t, mr.Restart())

	// only the event listener can deliver with an hourly poll
	require.Eventually(t, func() bool {
		_ = p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{})
		return rec.count() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRedisSubscribeToMultiple(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestRedisProvider(t)

	rec := &recorder{}
	require.NoError(t, p.SubscribeToMultiple(ctx, []string{"emails", "reports"}, rec))
	assert.ErrorIs(t, p.SubscribeToMultiple(ctx, []string{"audit", "emails"}, rec), ErrHandlerAlreadyRegistered)

	require.NoError(t, p.Publish(ctx, "emails", NewMessage("emails", "welcome", nil), PublishOptions{}))
	require.NoError(t, p.Publish(ctx, "reports", NewMessage("reports", "build", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	queues := map[string]bool{}
	rec.mu.Lock()
	for _, m := range rec.msgs {
		queues[m.Queue] = true
	}
	rec.mu.Unlock()
	assert.Equal(t, map[string]bool{"emails": true, "reports": true}, queues)
}
