package queuehub

import "context"

// Provider defines the interface that all broker backends must implement.
// The Service uses it polymorphically, so swapping Redis for RabbitMQ (or the
// in-memory provider) is a configuration change only.
type Provider interface {
	// Initialize establishes connections. It returns an error wrapping
	// ErrConnectivity when the backend is unreachable.
	Initialize(ctx context.Context) error

	// Publish enqueues a message. The message is visible to subscribers
	// only after Publish returns without error.
	Publish(ctx context.Context, queue string, msg *Message, opts PublishOptions) error

	// Subscribe registers a handler invoked once per delivered message
	Subscribe(ctx context.Context, queue string, handler Handler) error

	// SubscribeToMultiple registers the same handler on every queue
	SubscribeToMultiple(ctx context.Context, queues []string, handler Handler) error

	// Acknowledge settles a message as processed; it is not redelivered
	Acknowledge(ctx context.Context, messageID string) error

	// Reject settles a message as failed and applies the backend's own
	// retry or dead-letter policy
	Reject(ctx context.Context, messageID string, reason string) error

	// QueueStats returns best-effort counts; states a backend cannot
	// track are reported as zero
	QueueStats(ctx context.Context, queue string) (QueueStats, error)

	// PurgeQueue removes all provider-side state for a queue
	PurgeQueue(ctx context.Context, queue string) error

	// HealthCheck is a cheap liveness probe; it never returns an error
	HealthCheck(ctx context.Context) bool

	// Close releases any resources held by the provider
	Close() error
}
