package queuehub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// deliveryWrapper is the handler the service actually registers with the
// provider. It keeps the persisted record in step with each delivery and
// settles the message with the provider.
type deliveryWrapper struct {
	provider Provider
	store    RecordStore
	config   Config
	handler  Handler
	logger   *zap.SugaredLogger
}

// newDeliveryWrapper creates a new delivery wrapper
func newDeliveryWrapper(provider Provider, store RecordStore, config Config, handler Handler) *deliveryWrapper {
	return &deliveryWrapper{
		provider: provider,
		store:    store,
		config:   config,
		handler:  handler,
		logger:   config.Logger,
	}
}

// Handle processes a single delivery. Handler failures are recorded and
// settled here and never returned to the provider's dispatch loop.
func (w *deliveryWrapper) Handle(ctx context.Context, msg *Message) error {
	w.markProcessing(ctx, msg)

	start := time.Now()
	err := safeHandle(ctx, w.handler, msg)
	elapsed := time.Since(start)

	// the outcome is recorded and settled even when shutdown cancelled ctx
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		w.config.Metrics.ObserveHandler(msg.Queue, OutcomeCompleted, elapsed)
		w.complete(ctx, msg)
		return nil
	}

	w.config.Metrics.ObserveHandler(msg.Queue, OutcomeFailed, elapsed)
	w.logger.Warnw("error processing message",
		"queue", msg.Queue,
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"error", err,
	)
	w.fail(ctx, msg, err)
	return nil
}

// markProcessing flips the record to processing. Broker-driven redeliveries
// carry their own retry count, which the record adopts when it is ahead.
func (w *deliveryWrapper) markProcessing(ctx context.Context, msg *Message) {
	_, err := w.store.Update(ctx, msg.ID, func(rec *Record) error {
		w.checkTransition(rec, StatusProcessing)
		if msg.RetryCount > rec.RetryCount {
			rec.RetryCount = msg.RetryCount
		}
		rec.MarkProcessing()
		return nil
	})
	w.logUpdateError(err, msg, StatusProcessing)
}

// complete flips the record to completed and acknowledges the message
func (w *deliveryWrapper) complete(ctx context.Context, msg *Message) {
	_, err := w.store.Update(ctx, msg.ID, func(rec *Record) error {
		w.checkTransition(rec, StatusCompleted)
		rec.MarkCompleted(w.config.Now())
		return nil
	})
	w.logUpdateError(err, msg, StatusCompleted)

	if ackErr := w.provider.Acknowledge(ctx, msg.ID); ackErr != nil {
		w.logger.Errorw("failed to acknowledge message", "queue", msg.Queue, "message_id", msg.ID, "error", ackErr)
	}
}

// fail flips the record to failed and rejects the message
func (w *deliveryWrapper) fail(ctx context.Context, msg *Message, cause error) {
	reason := cause.Error()
	_, err := w.store.Update(ctx, msg.ID, func(rec *Record) error {
		w.checkTransition(rec, StatusFailed)
		rec.MarkFailed(reason, w.config.Now())
		return nil
	})
	w.logUpdateError(err, msg, StatusFailed)

	if rejErr := w.provider.Reject(ctx, msg.ID, reason); rejErr != nil {
		w.logger.Errorw("failed to reject message", "queue", msg.Queue, "message_id", msg.ID, "error", rejErr)
	}
}

// checkTransition logs an out-of-order status change. The change still
// applies: the last writer wins.
func (w *deliveryWrapper) checkTransition(rec *Record, next Status) {
	if rec.Status == next || rec.Status.CanTransitionTo(next) {
		return
	}
	w.logger.Warnw("irregular status transition",
		"message_id", rec.ID,
		"queue", rec.QueueName,
		"from", rec.Status,
		"to", next,
	)
}

func (w *deliveryWrapper) logUpdateError(err error, msg *Message, status Status) {
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		w.logger.Warnw("no record for delivered message", "queue", msg.Queue, "message_id", msg.ID, "status", status)
	default:
		w.logger.Errorw("failed to update message record", "queue", msg.Queue, "message_id", msg.ID, "status", status, "error", err)
	}
}
