// Package memory implements store.Store in process memory. Breaker state is
// shared only between breakers in the same process; use it for tests and
// single-instance deployments.
package memory

import (
	"context"

	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store.Store.
type Store struct {
	*circuit.MemoryStore
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{MemoryStore: circuit.NewMemoryStore()}
}

// Migrate is a no-op.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
