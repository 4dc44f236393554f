package analytics

import (
	"context"
	"sync"
)

// Store persists attribution records.
type Store interface {
	Write(ctx context.Context, rec *Record) error
	Close() error
}

// MemoryStore keeps records in memory. Used when no database path is
// configured, and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records []*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Write appends the record.
func (s *MemoryStore) Write(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a snapshot of all stored records.
func (s *MemoryStore) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
