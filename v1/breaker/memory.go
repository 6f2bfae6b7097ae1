package breaker

import (
	"context"
	"sync"
)

// MemoryStore keeps breaker records in process memory. It is correct
// only for single-process use; read-modify-writes are serialized by its
// mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load implements StateStore.Load.
func (s *MemoryStore) Load(ctx context.Context, name string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	rec, ok := s.records[name]
	s.mu.Unlock()
	return rec, ok, nil
}

// Save implements StateStore.Save.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.Name] = rec
	s.mu.Unlock()
	return nil
}

// Mutate implements the mutator capability under the store mutex.
func (s *MemoryStore) Mutate(ctx context.Context, name string, fn func(rec Record, found bool) (Record, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	next, save := fn(rec, ok)
	if save {
		s.records[name] = next
	}
	return nil
}
