package queuehub

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultListLimit is the page size used when a listing does not set one.
const DefaultListLimit = 50

// ListFilter selects persisted records for a queue listing.
type ListFilter struct {
	Queue  string
	Status Status // empty means any status
	Limit  int
	Offset int
}

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// RecordStore is the durable system of record for message lifecycle state.
// Implementations must serialize concurrent Update calls for the same id.
type RecordStore interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// Update loads the record, applies fn and persists the result.
	// It returns ErrMessageNotFound when the record does not exist.
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)

	// List returns records newest first.
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
	Delete(ctx context.Context, id string) error
	DeleteQueue(ctx context.Context, queue string) (int64, error)
	CountByStatus(ctx context.Context, queue string) (map[Status]int64, error)
	CountAll(ctx context.Context) (map[string]map[Status]int64, error)
}

// MemoryStore is an in-process RecordStore.
// This is ideal for testing, development, and single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Create stores rec. An existing id fails with ErrInvalidState.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return invalidState("message %s already exists", rec.ID)
	}

	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec.clone()
	return nil
}

// Get returns a copy of the record with the given id
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return rec.clone(), nil
}

// Update applies fn to a copy of the record and stores it if fn succeeds
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Record) error) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrMessageNotFound
	}

	updated := rec.clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.ID = id
	updated.UpdatedAt = s.now()
	s.records[id] = updated
	return updated.clone(), nil
}

// List returns records newest first, filtered and paged by filter
func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Record, error) {
	filter = filter.normalized()

	s.mu.RLock()
	matched := make([]*Record, 0)
	for _, rec := range s.records {
		if filter.Queue != "" && rec.QueueName != filter.Queue {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []*Record{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

// Delete removes a single record
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrMessageNotFound
	}
	delete(s.records, id)
	return nil
}

// DeleteQueue removes every record of the queue and reports how many
func (s *MemoryStore) DeleteQueue(_ context.Context, queue string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.records {
		if rec.QueueName == queue {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus counts the queue's records per status
func (s *MemoryStore) CountByStatus(_ context.Context, queue string) (map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int64)
	for _, rec := range s.records {
		if rec.QueueName == queue {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

// CountAll counts records per queue and status
func (s *MemoryStore) CountAll(_ context.Context) (map[string]map[Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]map[Status]int64)
	for _, rec := range s.records {
		byStatus, ok := counts[rec.QueueName]
		if !ok {
			byStatus = make(map[Status]int64)
			counts[rec.QueueName] = byStatus
		}
		byStatus[rec.Status]++
	}
	return counts, nil
}
