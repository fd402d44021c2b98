// Package store defines the persistence interface for externalized circuit
// breaker state. Breakers sharing a name and a store share one state
// machine, which lets several processes trip and recover together.
// Backends: Memory, Redis, Postgres and SQLite.
package store

import (
	"context"

	"github.com/xraph/loom/circuit"
)

// Store is a circuit.Store with lifecycle operations.
type Store interface {
	circuit.Store

	// Migrate creates the schema the backend needs.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources the store owns.
	Close() error
}
