// Package circuit implements a circuit breaker whose state lives in a
// pluggable Store. Every transition is a versioned compare-and-swap, so the
// same breaker can be shared by concurrent callers and, with an external
// store, by several processes.
package circuit

import (
	"context"
	"errors"
	"time"
)

// State is a breaker state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns "closed", "open" or "half_open".
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Snapshot is the persisted state of one breaker.
type Snapshot struct {
	State    State
	Failures int

	// OpenedAt is when the breaker last moved to Open.
	OpenedAt time.Time

	// ProbeStartedAt is when the in-flight half-open probe was admitted.
	// Zero when no probe is in flight.
	ProbeStartedAt time.Time

	// Version increases by one with every successful write. A key that was
	// never written has version 0.
	Version uint64
}

// ProbeInFlight reports whether a half-open probe has been admitted.
func (s Snapshot) ProbeInFlight() bool { return !s.ProbeStartedAt.IsZero() }

// Store persists breaker snapshots.
type Store interface {
	// Load returns the snapshot for key. A missing key reads as the zero
	// Snapshot (Closed, version 0).
	Load(ctx context.Context, key string) (Snapshot, error)

	// CompareAndSwap writes next (with Version = expected+1) only if the
	// stored version equals expected. It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key string, expected uint64, next Snapshot) (bool, error)
}

// ErrStoreContention is returned when a transition keeps losing the
// compare-and-swap race.
var ErrStoreContention = errors.New("circuit: too much contention on breaker state")
