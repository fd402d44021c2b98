// Package circuittest provides a conformance suite for circuit.Store
// implementations.
package circuittest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/loom/circuit"
)

// RunStoreTests exercises the Store contract against stores created by
// newStore. Each subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) circuit.Store) {
	t.Helper()

	t.Run("MissingKeyReadsClosed", func(t *testing.T) {
		s := newStore(t)
		snap, err := s.Load(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.State != circuit.Closed || snap.Failures != 0 || snap.Version != 0 {
			t.Errorf("got %+v, want zero closed snapshot", snap)
		}
	})

	t.Run("CreateAndRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		opened := time.Unix(0, 1_700_000_000_123_456_789)
		probe := opened.Add(time.Second)

		ok, err := s.CompareAndSwap(ctx, "b", 0, circuit.Snapshot{
			State:          circuit.HalfOpen,
			Failures:       3,
			OpenedAt:       opened,
			ProbeStartedAt: probe,
		})
		if err != nil {
			t.Fatalf("CompareAndSwap: %v", err)
		}
		if !ok {
			t.Fatal("expected create to succeed")
		}

		snap, err := s.Load(ctx, "b")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.State != circuit.HalfOpen {
			t.Errorf("State = %v, want half_open", snap.State)
		}
		if snap.Failures != 3 {
			t.Errorf("Failures = %d, want 3", snap.Failures)
		}
		if !snap.OpenedAt.Equal(opened) {
			t.Errorf("OpenedAt = %v, want %v", snap.OpenedAt, opened)
		}
		if !snap.ProbeStartedAt.Equal(probe) {
			t.Errorf("ProbeStartedAt = %v, want %v", snap.ProbeStartedAt, probe)
		}
		if snap.Version != 1 {
			t.Errorf("Version = %d, want 1", snap.Version)
		}
	})

	t.Run("ZeroTimesRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CompareAndSwap(ctx, "z", 0, circuit.Snapshot{State: circuit.Closed, Failures: 1}); err != nil {
			t.Fatalf("CompareAndSwap: %v", err)
		}
		snap, err := s.Load(ctx, "z")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !snap.OpenedAt.IsZero() || snap.ProbeInFlight() {
			t.Errorf("expected zero times, got %+v", snap)
		}
	})

	t.Run("StaleVersionRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if ok, err := s.CompareAndSwap(ctx, "b", 0, circuit.Snapshot{Failures: 1}); err != nil || !ok {
			t.Fatalf("first write: ok=%v err=%v", ok, err)
		}
		ok, err := s.CompareAndSwap(ctx, "b", 0, circuit.Snapshot{Failures: 2})
		if err != nil {
			t.Fatalf("CompareAndSwap: %v", err)
		}
		if ok {
			t.Error("expected stale create to be rejected")
		}
		if ok, err := s.CompareAndSwap(ctx, "b", 1, circuit.Snapshot{Failures: 2}); err != nil || !ok {
			t.Fatalf("versioned write: ok=%v err=%v", ok, err)
		}
		if ok, _ := s.CompareAndSwap(ctx, "b", 1, circuit.Snapshot{Failures: 3}); ok {
			t.Error("expected stale update to be rejected")
		}

		snap, _ := s.Load(ctx, "b")
		if snap.Failures != 2 || snap.Version != 2 {
			t.Errorf("got failures=%d version=%d, want 2/2", snap.Failures, snap.Version)
		}
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, _ = s.CompareAndSwap(ctx, "a", 0, circuit.Snapshot{State: circuit.Open})
		snap, err := s.Load(ctx, "b")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if snap.State != circuit.Closed {
			t.Errorf("State = %v, want closed", snap.State)
		}
	})

	t.Run("ConcurrentCASHasSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var (
			wins atomic.Int32
			wg   sync.WaitGroup
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CompareAndSwap(ctx, "race", 0, circuit.Snapshot{State: circuit.HalfOpen})
				if err != nil {
					t.Errorf("CompareAndSwap: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := wins.Load(); got != 1 {
			t.Errorf("winners = %d, want 1", got)
		}
	})
}
