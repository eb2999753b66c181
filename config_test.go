package queuehub

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProviderConfigDefaults(t *testing.T) {
	cfg, err := LoadProviderConfig()
	require.NoError(t, err)

	assert.Equal(t, ProviderRedis, cfg.Type)
	assert.Equal(t, "redis:6379", cfg.RedisAddr())
	assert.Equal(t, time.Second, cfg.RedisPollInterval)
	assert.False(t, cfg.RedisAtomicClaim)

	uri, err := amqp.ParseURI(cfg.RabbitMQURL())
	require.NoError(t, err)
	assert.Equal(t, "rabbitmq", uri.Host)
	assert.Equal(t, 5672, uri.Port)
	assert.Equal(t, "guest", uri.Username)
	assert.Equal(t, "guest", uri.Password)

	assert.Equal(t, 1, cfg.RabbitMQPrefetch)
	assert.True(t, cfg.RabbitMQDeadLetter)
}

func TestLoadProviderConfigFromEnv(t *testing.T) {
	t.Setenv("QUEUE_PROVIDER", " RabbitMQ ")
	t.Setenv("RABBITMQ_HOST", "broker.internal")
	t.Setenv("RABBITMQ_PORT", "5673")
	t.Setenv("RABBITMQ_USERNAME", "svc")
	t.Setenv("RABBITMQ_PASSWORD", "secret")
	t.Setenv("RABBITMQ_VHOST", "jobs")
	t.Setenv("REDIS_POLL_INTERVAL", "250ms")

	cfg, err := LoadProviderConfig()
	require.NoError(t, err)

	assert.Equal(t, ProviderRabbitMQ, cfg.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.RedisPollInterval)

	uri, err := amqp.ParseURI(cfg.RabbitMQURL())
	require.NoError(t, err)
	assert.Equal(t, "broker.internal", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "svc", uri.Username)
	assert.Equal(t, "secret", uri.Password)
	assert.Equal(t, "jobs", uri.Vhost)
}

func TestLoadProviderConfigRejectsBadValues(t *testing.T) {
	t.Setenv("REDIS_PORT", "not-a-port")

	_, err := LoadProviderConfig()
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	cases := map[string]any{
		ProviderRedis:    &RedisProvider{},
		"":               &RedisProvider{},
		ProviderRabbitMQ: &AMQPProvider{},
		ProviderMemory:   &MemoryProvider{},
	}
	for typ, want := range cases {
		p, err := NewProvider(ProviderConfig{Type: typ, RedisHost: "localhost", RedisPort: 6379}, nil)
		require.NoError(t, err, typ)
		assert.IsType(t, want, p, typ)
		require.NoError(t, p.Close())
	}

	_, err := NewProvider(ProviderConfig{Type: "kafka"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
