package queuehub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service is the single integration point for callers. It owns the message
// lifecycle: every message is recorded in the RecordStore before it reaches
// the provider, and every delivery is reconciled back into its record.
type Service struct {
	provider Provider
	store    RecordStore
	config   Config
	logger   *zap.SugaredLogger
	mu       sync.RWMutex
	closed   bool
}

// New creates a Service over the given provider and record store
func New(provider Provider, store RecordStore, opts ...Option) *Service {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return &Service{
		provider: provider,
		store:    store,
		config:   config,
		logger:   config.Logger,
	}
}

// Start initializes the provider
func (s *Service) Start(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.provider.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize queue provider: %w", err)
	}
	s.logger.Infow("queue service started")
	return nil
}

// Close closes the provider. The record store is owned by the caller.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.provider.Close()
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrProviderClosed
	}
	return nil
}

// Publish records a pending message and enqueues it on the provider.
// If the provider refuses, the record is marked failed and the provider's
// error is returned. The payload is any JSON-serializable value.
func (s *Service) Publish(ctx context.Context, queue, messageType string, payload any, opts PublishOptions) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if queue == "" {
		return "", fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	if messageType == "" {
		return "", fmt.Errorf("%w: message type is required", ErrInvalidArgument)
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}

	if opts.MaxRetries <= 0 {
		opts.MaxRetries = s.config.DefaultMaxRetries
	}
	if opts.RetryCount < 0 || opts.RetryCount > opts.MaxRetries {
		return "", fmt.Errorf("%w: retry count %d outside [0, %d]", ErrInvalidArgument, opts.RetryCount, opts.MaxRetries)
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: delay must not be negative", ErrInvalidArgument)
	}
	opts.Priority = ParsePriority(string(opts.Priority))

	now := s.config.Now()
	msg := NewMessage(queue, messageType, data)
	msg.Priority = opts.Priority
	msg.RetryCount = opts.RetryCount
	msg.MaxRetries = opts.MaxRetries
	msg.Metadata = opts.Metadata
	msg.Timestamp = now
	if opts.Delay > 0 {
		at := now.Add(opts.Delay)
		msg.ScheduledAt = &at
	}

	rec := &Record{
		ID:          msg.ID,
		QueueName:   queue,
		MessageType: messageType,
		Payload:     data,
		Status:      StatusPending,
		Priority:    msg.Priority,
		RetryCount:  msg.RetryCount,
		MaxRetries:  msg.MaxRetries,
		ScheduledAt: msg.ScheduledAt,
		Metadata:    msg.Metadata,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("record message: %w", err)
	}

	if err := s.provider.Publish(ctx, queue, msg, opts); err != nil {
		s.config.Metrics.IncPublishFailure(queue)
		s.markFailed(ctx, rec.ID, err)
		s.logger.Errorw("failed to publish message", "queue", queue, "message_id", rec.ID, "error", err)
		return "", fmt.Errorf("publish message to %s: %w", queue, err)
	}

	s.config.Metrics.IncPublished(queue)
	s.logger.Debugw("message published", "queue", queue, "message_id", rec.ID, "priority", msg.Priority)
	return rec.ID, nil
}

// markFailed records a provider error against the message
func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	_, err := s.store.Update(ctx, id, func(rec *Record) error {
		rec.MarkFailed(cause.Error(), s.config.Now())
		return nil
	})
	if err != nil {
		s.logger.Errorw("failed to mark message failed", "message_id", id, "error", err)
	}
}

// Subscribe registers handler for queue. The provider invokes a wrapper that
// keeps the message record in step with each delivery.
func (s *Service) Subscribe(ctx context.Context, queue string, handler Handler) error {
	if err := s.ready(); err != nil {
		return err
	}
	if queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
	}
	return s.provider.Subscribe(ctx, queue, s.wrap(handler))
}

// SubscribeToMultiple registers handler on every queue
func (s *Service) SubscribeToMultiple(ctx context.Context, queues []string, handler Handler) error {
	if err := s.ready(); err != nil {
		return err
	}
	for _, queue := range queues {
		if queue == "" {
			return fmt.Errorf("%w: queue name is required", ErrInvalidArgument)
		}
	}
	return s.provider.SubscribeToMultiple(ctx, queues, s.wrap(handler))
}

func (s *Service) wrap(handler Handler) Handler {
	return newDeliveryWrapper(s.provider, s.store, s.config, handler)
}

// RetryMessage re-enqueues a failed message. It fails with ErrNotFound when
// the record is missing and with ErrInvalidState when the message is not
// failed or has used up its retries.
func (s *Service) RetryMessage(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}

	rec, err := s.store.Update(ctx, id, func(rec *Record) error {
		if rec.Status != StatusFailed {
			return invalidState("message %s is %s, only failed messages can be retried", rec.ID, rec.Status)
		}
		if !rec.IsRetryable() {
			return invalidState("message %s exhausted its %d retries", rec.ID, rec.MaxRetries)
		}
		rec.IncrementRetry()
		return nil
	})
	if err != nil {
		return err
	}

	err = s.provider.Publish(ctx, rec.QueueName, rec.Message(), PublishOptions{
		Priority:   rec.Priority,
		RetryCount: rec.RetryCount,
		MaxRetries: rec.MaxRetries,
		Metadata:   rec.Metadata,
	})
	if err != nil {
		s.config.Metrics.IncPublishFailure(rec.QueueName)
		s.markFailed(ctx, rec.ID, err)
		return fmt.Errorf("republish message %s: %w", rec.ID, err)
	}

	s.config.Metrics.IncRetried(rec.QueueName)
	s.logger.Infow("message retried", "queue", rec.QueueName, "message_id", rec.ID, "retry_count", rec.RetryCount)
	return nil
}

// QueueStats merges the record store's processing, completed and failed
// counts with the provider's pending count.
func (s *Service) QueueStats(ctx context.Context, queue string) (QueueStats, error) {
	var (
		counts  map[Status]int64
		pending QueueStats
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		counts, err = s.store.CountByStatus(gctx, queue)
		return err
	})
	g.Go(func() error {
		var err error
		pending, err = s.provider.QueueStats(gctx, queue)
		return err
	})
	if err := g.Wait(); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats for %s: %w", queue, err)
	}

	return QueueStats{
		Pending:    pending.Pending,
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
	}, nil
}

// AllQueueStats aggregates every queue known to the record store, sorted by name
func (s *Service) AllQueueStats(ctx context.Context) ([]QueueSummary, error) {
	all, err := s.store.CountAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	summaries := make([]QueueSummary, 0, len(all))
	for queue, byStatus := range all {
		summary := QueueSummary{QueueName: queue}
		for status, n := range byStatus {
			summary.Stats.add(status, n)
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].QueueName < summaries[j].QueueName
	})
	return summaries, nil
}

// QueueMessages lists a queue's records newest first. An empty status
// matches every status.
func (s *Service) QueueMessages(ctx context.Context, queue string, status Status, limit, offset int) ([]*Record, error) {
	return s.store.List(ctx, ListFilter{
		Queue:  queue,
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
}

// Message returns the record for id
func (s *Service) Message(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// DeleteMessage removes the record for id
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("message deleted", "message_id", id)
	return nil
}

// PurgeQueue clears the provider side and the records for queue concurrently.
// The two are not transactional; a failure on one side leaves the other purged.
func (s *Service) PurgeQueue(ctx context.Context, queue string) error {
	if err := s.ready(); err != nil {
		return err
	}

	var removed int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.provider.PurgeQueue(gctx, queue)
	})
	g.Go(func() error {
		var err error
		removed, err = s.store.DeleteQueue(gctx, queue)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("purge queue %s: %w", queue, err)
	}

	s.config.Metrics.IncPurged()
	s.logger.Infow("queue purged", "queue", queue, "records", removed)
	return nil
}

// Healthy reports the provider's health. It never fails.
func (s *Service) Healthy(ctx context.Context) bool {
	if s.ready() != nil {
		return false
	}
	return s.provider.HealthCheck(ctx)
}
