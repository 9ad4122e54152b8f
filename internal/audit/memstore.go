package audit

import (
	"context"
	"sync"

	"github.com/pitabwire/rfiflow/model"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]model.AuditEntry // key: RFI ID
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]model.AuditEntry)}
}

// Insert appends an entry.
func (s *MemoryStore) Insert(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.RFIID] = append(s.entries[entry.RFIID], entry)
	return nil
}

// Query returns a copy of the entries for rfiID in insertion order.
func (s *MemoryStore) Query(_ context.Context, rfiID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.entries[rfiID]
	out := make([]model.AuditEntry, len(src))
	copy(out, src)
	return out, nil
}

// DeleteFor removes the entries for rfiID.
func (s *MemoryStore) DeleteFor(_ context.Context, rfiID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries[rfiID])
	delete(s.entries, rfiID)
	return n, nil
}

// DeleteAll removes every entry.
func (s *MemoryStore) DeleteAll(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, es := range s.entries {
		n += len(es)
	}
	s.entries = make(map[string][]model.AuditEntry)
	return n, nil
}

// Len returns the total number of stored entries. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, es := range s.entries {
		n += len(es)
	}
	return n
}
