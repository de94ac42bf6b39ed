package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps the pair in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	pair Pair
	set  bool
}

// Compile-time check to ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(_ context.Context) (Pair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.set, nil
}

func (s *MemoryStore) Set(_ context.Context, pair Pair) error {
	if err := pair.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.pair, s.set = pair, true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair, s.set = Pair{}, false
	s.mu.Unlock()
	return nil
}
