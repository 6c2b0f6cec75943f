package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process AtomicStore. It is linearizable within a
// single process and suits single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
	}
}

// Get implements AtomicStore.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[key], nil
}

// CompareAndSet implements AtomicStore.
func (s *MemoryStore) CompareAndSet(_ context.Context, key string, value int64, expected uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.records[key]
	if current.Version != expected {
		return false, nil
	}
	if current.Exists && value < current.Value {
		return false, nil
	}

	s.records[key] = Record{
		Value:   value,
		Version: current.Version + 1,
		Exists:  true,
	}
	return true, nil
}

// Ping implements AtomicStore.
func (s *MemoryStore) Ping(context.Context) error { return nil }
