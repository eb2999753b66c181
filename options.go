package queuehub

import (
	"time"

	"go.uber.org/zap"
)

// DefaultMaxRetries is the retry budget given to messages that do not set one.
const DefaultMaxRetries = 3

// PublishOptions carries per-message scheduling hints to the provider.
type PublishOptions struct {
	// Priority selects the serving order within a queue (defaults to normal)
	Priority Priority

	// Delay postpones visibility of the message to subscribers
	Delay time.Duration

	// RetryCount is the number of retries already consumed
	RetryCount int

	// MaxRetries is the retry budget; zero means the service default
	MaxRetries int

	// Metadata is merged into provider-level headers
	Metadata map[string]any
}

// Config holds the configuration for a Service
type Config struct {
	// DefaultMaxRetries applies when PublishOptions.MaxRetries is zero
	DefaultMaxRetries int

	// Logger receives structured service logs
	Logger *zap.SugaredLogger

	// Metrics records publish and delivery outcomes; nil disables it
	Metrics *Metrics

	// Now returns the current time; overridable in tests
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultMaxRetries: DefaultMaxRetries,
		Logger:            zap.NewNop().Sugar(),
		Now:               time.Now,
	}
}

// Option is a function that modifies a Config
type Option func(*Config)

// WithDefaultMaxRetries sets the retry budget for messages published without one
func WithDefaultMaxRetries(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.DefaultMaxRetries = n
		}
	}
}

// WithLogger sets the service logger
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithClock overrides the time source used to stamp records
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		if now != nil {
			c.Now = now
		}
	}
}
