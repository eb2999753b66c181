package queuehub

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Provider type names accepted by QUEUE_PROVIDER
const (
	ProviderRedis    = "redis"
	ProviderRabbitMQ = "rabbitmq"
	ProviderMemory   = "memory"
)

// ProviderConfig selects and configures the active provider.
// It is read from the environment once at process start.
type ProviderConfig struct {
	Type string `env:"QUEUE_PROVIDER" envDefault:"redis"`

	RedisHost         string        `env:"REDIS_HOST" envDefault:"redis"`
	RedisPort         int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	RedisPollInterval time.Duration `env:"REDIS_POLL_INTERVAL" envDefault:"1s"`
	RedisAtomicClaim  bool          `env:"REDIS_ATOMIC_CLAIM" envDefault:"false"`

	RabbitMQHost       string `env:"RABBITMQ_HOST" envDefault:"rabbitmq"`
	RabbitMQPort       int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername   string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword   string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost      string `env:"RABBITMQ_VHOST" envDefault:"/"`
	RabbitMQPrefetch   int    `env:"RABBITMQ_PREFETCH" envDefault:"1"`
	RabbitMQDeadLetter bool   `env:"RABBITMQ_DEAD_LETTER" envDefault:"true"`
}

// LoadProviderConfig parses the provider configuration from the environment
func LoadProviderConfig() (ProviderConfig, error) {
	var cfg ProviderConfig
	if err := env.Parse(&cfg); err != nil {
		return ProviderConfig{}, fmt.Errorf("failed to parse provider config: %w", err)
	}
	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	return cfg, nil
}

// RedisAddr returns the host:port of the Redis server
func (c ProviderConfig) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// RabbitMQURL returns the AMQP URL of the broker, including the vhost
func (c ProviderConfig) RabbitMQURL() string {
	vhost := c.RabbitMQVhost
	if vhost == "" {
		vhost = "/"
	}
	return AMQPURL(c.RabbitMQHost, c.RabbitMQPort, c.RabbitMQUsername, c.RabbitMQPassword, vhost)
}

// NewProvider builds the provider named by cfg.Type. The provider is not
// connected until Initialize.
func NewProvider(cfg ProviderConfig, logger *zap.SugaredLogger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("provider", cfg.Type)

	switch cfg.Type {
	case ProviderRedis, "":
		opts := []RedisOption{
			WithRedisPassword(cfg.RedisPassword),
			WithRedisDB(cfg.RedisDB),
			WithPollInterval(cfg.RedisPollInterval),
			WithRedisLogger(logger),
		}
		if cfg.RedisAtomicClaim {
			opts = append(opts, WithAtomicClaim())
		}
		return NewRedisProvider(cfg.RedisAddr(), opts...), nil
	case ProviderRabbitMQ:
		return NewAMQPProvider(cfg.RabbitMQURL(),
			WithPrefetch(cfg.RabbitMQPrefetch),
			WithDeadLettering(cfg.RabbitMQDeadLetter),
			WithAMQPLogger(logger),
		), nil
	case ProviderMemory:
		return NewMemoryProvider(WithMemoryLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Type)
	}
}
