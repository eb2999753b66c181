package queuehub

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryProvider is an in-process Provider.
// This is ideal for testing, development, and single-process applications.
// Each subscribed queue is served by one dispatcher goroutine, so delivery
// within a queue is sequential and strictly priority ordered.
type MemoryProvider struct {
	queues      map[string]*memoryQueue
	inflight    map[string]string // messageID -> queue name
	mu          sync.Mutex
	initialized bool
	closed      bool
	stop        chan struct{}
	wg          sync.WaitGroup
	seq         uint64
	logger      *zap.SugaredLogger
}

type memoryQueue struct {
	items      priorityHeap
	notify     chan struct{}
	subscribed bool
	generation uint64
	delayed    map[string]*time.Timer
	completed  int64
	failed     int64
}

// MemoryOption is a function that configures the memory provider
type MemoryOption func(*MemoryProvider)

// WithMemoryLogger sets the logger for the memory provider
func WithMemoryLogger(logger *zap.SugaredLogger) MemoryOption {
	return func(p *MemoryProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewMemoryProvider creates a new in-memory provider
func NewMemoryProvider(opts ...MemoryOption) *MemoryProvider {
	p := &MemoryProvider{
		queues:   make(map[string]*memoryQueue),
		inflight: make(map[string]string),
		stop:     make(chan struct{}),
		logger:   zap.NewNop().Sugar(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Initialize marks the provider ready; there is nothing to connect to
func (p *MemoryProvider) Initialize(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}
	p.initialized = true
	return nil
}

// queue returns the named queue, creating it on first use. Callers hold p.mu.
func (p *MemoryProvider) queue(name string) *memoryQueue {
	q, exists := p.queues[name]
	if !exists {
		q = &memoryQueue{
			notify:  make(chan struct{}, 1),
			delayed: make(map[string]*time.Timer),
		}
		p.queues[name] = q
	}
	return q
}

// Publish enqueues a copy of msg on the named queue
func (p *MemoryProvider) Publish(_ context.Context, queue string, msg *Message, opts PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return err
	}

	env := *msg
	if env.ID == "" {
		env.ID = NewMessage(queue, msg.Type, msg.Payload).ID
	}
	env.Queue = queue
	env.Error = ""
	env.applyOptions(opts)

	q := p.queue(queue)
	if opts.Delay > 0 {
		gen := q.generation
		q.delayed[env.ID] = time.AfterFunc(opts.Delay, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(q.delayed, env.ID)
			if p.closed || q.generation != gen {
				return
			}
			p.pushLocked(q, &env)
		})
		return nil
	}

	p.pushLocked(q, &env)
	return nil
}

func (p *MemoryProvider) pushLocked(q *memoryQueue, msg *Message) {
	p.seq++
	heap.Push(&q.items, &priorityItem{msg: msg, seq: p.seq})
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Subscribe starts a dispatcher goroutine for the queue
func (p *MemoryProvider) Subscribe(ctx context.Context, queue string, handler Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return err
	}

	q := p.queue(queue)
	if q.subscribed {
		return ErrHandlerAlreadyRegistered
	}
	q.subscribed = true

	p.wg.Add(1)
	go p.dispatch(ctx, queue, q, handler)

	p.logger.Infow("subscribed to queue", "queue", queue, "provider", "memory")
	return nil
}

// SubscribeToMultiple subscribes the handler to each queue in turn
func (p *MemoryProvider) SubscribeToMultiple(ctx context.Context, queues []string, handler Handler) error {
	for _, queue := range queues {
		if err := p.Subscribe(ctx, queue, handler); err != nil {
			return err
		}
	}
	return nil
}

// dispatch serves the queue until the provider closes or ctx ends. On
// return the queue may be subscribed again.
func (p *MemoryProvider) dispatch(ctx context.Context, queue string, q *memoryQueue, handler Handler) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		q.subscribed = false
		p.mu.Unlock()
	}()

	for ctx.Err() == nil {
		p.mu.Lock()
		var msg *Message
		if !p.closed && q.items.Len() > 0 {
			msg = heap.Pop(&q.items).(*priorityItem).msg
			p.inflight[msg.ID] = queue
		}
		p.mu.Unlock()

		if msg == nil {
			select {
			case <-q.notify:
				continue
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}

		err := safeHandle(ctx, handler, msg)
		if err != nil {
			p.logger.Debugw("handler failed", "queue", queue, "message_id", msg.ID, "error", err)
			_ = p.Reject(ctx, msg.ID, err.Error())
			continue
		}
		_ = p.Acknowledge(ctx, msg.ID)
	}
}

// Acknowledge settles an in-flight message as completed.
// Settling an unknown or already settled message is a no-op.
func (p *MemoryProvider) Acknowledge(_ context.Context, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	queue, ok := p.inflight[messageID]
	if !ok {
		return nil
	}
	delete(p.inflight, messageID)
	p.queue(queue).completed++
	return nil
}

// Reject settles an in-flight message as failed. The memory provider does
// not redeliver; retries are the caller's decision.
func (p *MemoryProvider) Reject(_ context.Context, messageID string, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrProviderClosed
	}

	queue, ok := p.inflight[messageID]
	if !ok {
		return nil
	}
	delete(p.inflight, messageID)
	p.queue(queue).failed++
	p.logger.Debugw("message rejected", "queue", queue, "message_id", messageID, "reason", reason)
	return nil
}

// QueueStats reports per-queue counts
func (p *MemoryProvider) QueueStats(_ context.Context, queue string) (QueueStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return QueueStats{}, err
	}

	q, ok := p.queues[queue]
	if !ok {
		return QueueStats{}, nil
	}

	var processing int64
	for _, name := range p.inflight {
		if name == queue {
			processing++
		}
	}
	return QueueStats{
		Pending:    int64(q.items.Len() + len(q.delayed)),
		Processing: processing,
		Completed:  q.completed,
		Failed:     q.failed,
	}, nil
}

// PurgeQueue drops queued and delayed messages and resets counters
func (p *MemoryProvider) PurgeQueue(_ context.Context, queue string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.readyLocked(); err != nil {
		return err
	}

	q, ok := p.queues[queue]
	if !ok {
		return nil
	}
	q.generation++
	for id, t := range q.delayed {
		t.Stop()
		delete(q.delayed, id)
	}
	q.items = nil
	q.completed = 0
	q.failed = 0
	return nil
}

// HealthCheck reports whether the provider is initialized and open
func (p *MemoryProvider) HealthCheck(_ context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && !p.closed
}

// Close stops all dispatchers and waits for in-flight handlers to return
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	for _, q := range p.queues {
		for id, t := range q.delayed {
			t.Stop()
			delete(q.delayed, id)
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *MemoryProvider) readyLocked() error {
	if p.closed {
		return ErrProviderClosed
	}
	if !p.initialized {
		return ErrNotInitialized
	}
	return nil
}

// priorityItem orders by priority score, then by publish sequence.
type priorityItem struct {
	msg *Message
	seq uint64
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	si, sj := h[i].msg.Priority.Score(), h[j].msg.Priority.Score()
	if si != sj {
		return si < sj
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) { *h = append(*h, x.(*priorityItem)) }

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
