package lock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore implements Store in process memory. It only coordinates
// goroutines of one process and is meant for tests and single-worker setups.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithInMemoryClock overrides time.Now, mostly for tests.
func WithInMemoryClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{records: make(map[string]Record), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, key, holder string) (Outcome, error) {
	if err := checkCtx("memory create", ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return AlreadyExists, nil
	}
	now := s.now().UTC()
	s.records[key] = Record{Key: key, Holder: holder, CreatedAt: now, UpdatedAt: now}
	return Created, nil
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context, key string) (Record, bool, error) {
	if err := checkCtx("memory get", ctx); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	r, ok := s.records[key]
	s.mu.Unlock()
	return r, ok, nil
}

// Steal implements Store.Steal.
func (s *InMemoryStore) Steal(ctx context.Context, key string) (bool, error) {
	if err := checkCtx("memory steal", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// Release implements Store.Release.
func (s *InMemoryStore) Release(ctx context.Context, key, holder string) (bool, error) {
	if err := checkCtx("memory release", ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok || r.Holder != holder {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

// FindStale implements Store.FindStale.
func (s *InMemoryStore) FindStale(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	if err := checkCtx("memory find stale", ctx); err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-olderThan)
	s.mu.Lock()
	var out []Record
	for _, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
