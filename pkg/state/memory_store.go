package state

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store. It backs tests and local/offline
// emulation runs where nothing should touch disk.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Get retrieves a record by identifier, or (nil, nil) when absent.
func (s *MemoryStore) Get(_ context.Context, fqn string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[fqn]
	if !ok {
		return nil, nil
	}
	return rec.Clone()
}

// Set stores a record under the identifier.
func (s *MemoryStore) Set(_ context.Context, fqn string, record *Record) error {
	clone, err := record.Clone()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fqn] = clone
	return nil
}

// Delete removes a record. Deleting an absent identifier is a no-op.
func (s *MemoryStore) Delete(_ context.Context, fqn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fqn)
	return nil
}

// List returns all identifiers in lexical order.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fqns := make([]string, 0, len(s.records))
	for fqn := range s.records {
		fqns = append(fqns, fqn)
	}
	sort.Strings(fqns)
	return fqns, nil
}

// Count returns the number of records.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// All returns every record keyed by identifier.
func (s *MemoryStore) All(_ context.Context) (map[string]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Record, len(s.records))
	for fqn, rec := range s.records {
		clone, err := rec.Clone()
		if err != nil {
			return nil, err
		}
		out[fqn] = clone
	}
	return out, nil
}

// Close releases nothing; it exists to satisfy the Store contract.
func (s *MemoryStore) Close() error {
	return nil
}
