package circuit

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It is the default for breakers that
// are not shared between processes.
type MemoryStore struct {
	mu    sync.Mutex
	state map[string]Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[string]Snapshot)}
}

// Load returns the snapshot for key.
func (m *MemoryStore) Load(_ context.Context, key string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[key], nil
}

// CompareAndSwap writes next if the stored version equals expected.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, expected uint64, next Snapshot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[key].Version != expected {
		return false, nil
	}
	next.Version = expected + 1
	m.state[key] = next
	return true, nil
}
