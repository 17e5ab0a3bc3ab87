package checkpoint

import (
	"context"
	"sync"
)

type memoryStore struct {
	leases

	mu          sync.RWMutex
	checkpoints map[Key]Checkpoint
}

// NewMemoryStore creates a Store that keeps checkpoints in memory
func NewMemoryStore() Store {
	return &memoryStore{
		checkpoints: make(map[Key]Checkpoint),
	}
}

func (m *memoryStore) Load(_ context.Context, key Key) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (m *memoryStore) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Key] = *cp
	return nil
}

func (m *memoryStore) Reset(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, key)
	return nil
}

func (m *memoryStore) Lock(_ context.Context, key Key) (Unlock, error) {
	return m.acquire(key)
}
