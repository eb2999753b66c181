package queuehub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMemoryProvider(t *testing.T) *MemoryProvider {
	t.Helper()
	p := NewMemoryProvider(WithMemoryLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// recorder collects delivered messages in order.
type recorder struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (r *recorder) Handle(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) priorities() []Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Priority, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Priority)
	}
	return out
}

func TestMemoryProviderPriorityOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	for _, prio := range []Priority{PriorityLow, PriorityUrgent, PriorityNormal, PriorityHigh} {
		msg := NewMessage("jobs", "job", json.RawMessage(`{}`))
		require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{Priority: prio}))
	}

	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Pending)

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.Eventually(t, func() bool { return rec.count() == 4 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}, rec.priorities())

	require.Eventually(t, func() bool {
		stats, _ := p.QueueStats(ctx, "jobs")
		return stats.Completed == 4
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryProviderFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		msg := NewMessage("jobs", "job", nil)
		ids = append(ids, msg.ID)
		require.NoError(t, p.Publish(ctx, "jobs", msg, PublishOptions{}))
	}

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, msg := range rec.msgs {
		assert.Equal(t, ids[i], msg.ID)
	}
}

func TestMemoryProviderRejectCountsFailed(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	rec := &recorder{err: errors.New("boom")}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))

	require.Eventually(t, func() bool {
		stats, _ := p.QueueStats(ctx, "jobs")
		return stats.Failed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestMemoryProviderDelay(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{Delay: 50 * time.Millisecond}))

	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, 0, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryProviderPurge(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))
	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{Delay: 20 * time.Millisecond}))
	require.NoError(t, p.PurgeQueue(ctx, "jobs"))

	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, QueueStats{}, stats)

	// A purged delayed message must not resurface.
	rec := &recorder{}
	require.NoError(t, p.Subscribe(ctx, "jobs", rec))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestMemoryProviderSettlementIsFirstWins(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	assert.NoError(t, p.Acknowledge(ctx, "unknown"))
	assert.NoError(t, p.Reject(ctx, "unknown", "nope"))

	handler := HandlerFunc(func(ctx context.Context, msg *Message) error {
		assert.NoError(t, p.Acknowledge(ctx, msg.ID))
		assert.NoError(t, p.Reject(ctx, msg.ID, "late"))
		return errors.New("settled already")
	})
	require.NoError(t, p.Subscribe(ctx, "jobs", handler))
	require.NoError(t, p.Publish(ctx, "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))

	require.Eventually(t, func() bool {
		stats, _ := p.QueueStats(ctx, "jobs")
		return stats.Completed == 1
	}, time.Second, 5*time.Millisecond)
	stats, err := p.QueueStats(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestMemoryProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

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
	assert.ErrorIs(t, p.Publish(ctx, "q", NewMessage("q", "t", nil), PublishOptions{}), ErrProviderClosed)
	assert.ErrorIs(t, p.Initialize(ctx), ErrProviderClosed)
}

func TestMemoryProviderResubscribeAfterContextCancel(t *testing.T) {
	p := newTestMemoryProvider(t)

	ctx, cancel := context.WithCancel(context.Background())
	noop := HandlerFunc(func(context.Context, *Message) error { return nil })
	require.NoError(t, p.Subscribe(ctx, "jobs", noop))
	cancel()

	rec := &recorder{}
	require.Eventually(t, func() bool {
		return p.Subscribe(context.Background(), "jobs", rec) == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Publish(context.Background(), "jobs", NewMessage("jobs", "job", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryProviderSubscribeToMultiple(t *testing.T) {
	ctx := context.Background()
	p := newTestMemoryProvider(t)

	rec := &recorder{}
	require.NoError(t, p.SubscribeToMultiple(ctx, []string{"emails", "reports"}, rec))
	require.NoError(t, p.Publish(ctx, "emails", NewMessage("emails", "welcome", nil), PublishOptions{}))
	require.NoError(t, p.Publish(ctx, "reports", NewMessage("reports", "build", nil), PublishOptions{}))
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		stats, err := p.QueueStats(ctx, "reports")
		return err == nil && stats.Completed == 1
	}, time.Second, 5*time.Millisecond)
}
