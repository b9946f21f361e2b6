package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local development and tests.
// Expiry is tracked but only evaluated lazily on read.
type MemoryStore struct {
	mu        sync.Mutex
	values    map[string]float64
	deadlines map[string]time.Time

	// Fail forces every call to report ErrUnavailable.
	Fail bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:    make(map[string]float64),
		deadlines: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Increment(ctx context.Context, key string, amount float64) (float64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}
	s.expireLocked(key)
	s.values[key] += amount
	return s.values[key], nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (float64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}
	s.expireLocked(key)
	value, ok := s.values[key]
	if !ok {
		return 0, ErrMiss
	}
	return value, nil
}

func (s *MemoryStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	s.deadlines[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) expireLocked(key string) {
	deadline, ok := s.deadlines[key]
	if ok && time.Now().After(deadline) {
		delete(s.values, key)
		delete(s.deadlines, key)
	}
}
