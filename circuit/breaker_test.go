package circuit_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/circuit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBreaker(t *testing.T, clock *fakeClock, opts ...circuit.Option) *circuit.Breaker {
	t.Helper()
	opts = append([]circuit.Option{circuit.WithClock(clock.Now), circuit.WithLogger(testLogger())}, opts...)
	b, err := circuit.New("payments", circuit.Config{
		FailureThreshold: 3,
		RecoveryTimeout:  10 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func fail(t *testing.T, b *circuit.Breaker) {
	t.Helper()
	ticket, err := b.Allow(context.Background())
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if _, err := b.Record(context.Background(), ticket, circuit.Failure); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func state(t *testing.T, b *circuit.Breaker) circuit.State {
	t.Helper()
	s, err := b.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  circuit.Config
	}{
		{"zero threshold", circuit.Config{FailureThreshold: 0, RecoveryTimeout: time.Second}},
		{"zero recovery", circuit.Config{FailureThreshold: 1}},
		{"negative probe", circuit.Config{FailureThreshold: 1, RecoveryTimeout: time.Second, ProbeTimeout: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := circuit.New("b", tt.cfg)
			if !errors.Is(err, loom.ErrValidation) {
				t.Errorf("got %v, want validation error", err)
			}
		})
	}

	if _, err := circuit.New("", circuit.DefaultConfig()); !errors.Is(err, loom.ErrValidation) {
		t.Errorf("empty name: got %v, want validation error", err)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)

	fail(t, b)
	fail(t, b)
	if got := state(t, b); got != circuit.Closed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}
	fail(t, b)
	if got := state(t, b); got != circuit.Open {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}

	_, err := b.Allow(context.Background())
	var openErr *loom.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	if openErr.RetryAfter != 10*time.Second {
		t.Errorf("RetryAfter = %v, want 10s", openErr.RetryAfter)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	fail(t, b)
	fail(t, b)

	ticket, _ := b.Allow(ctx)
	if _, err := b.Record(ctx, ticket, circuit.Success); err != nil {
		t.Fatalf("Record: %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	if snap.Failures != 0 {
		t.Errorf("Failures = %d, want 0", snap.Failures)
	}

	fail(t, b)
	fail(t, b)
	if got := state(t, b); got != circuit.Closed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", got)
	}
}

func TestBreaker_HalfOpenProbeSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	if got := state(t, b); got != circuit.Open {
		t.Fatalf("state before next call = %v, want open", got)
	}

	ticket, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow after recovery: %v", err)
	}
	if !ticket.Probe() {
		t.Fatal("expected probe ticket")
	}
	if ticket.Transition == nil || ticket.Transition.To != circuit.HalfOpen {
		t.Fatalf("Transition = %+v, want to half_open", ticket.Transition)
	}
	if got := state(t, b); got != circuit.HalfOpen {
		t.Fatalf("state during probe = %v, want half_open", got)
	}

	tr, err := b.Record(ctx, ticket, circuit.Success)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if tr == nil || tr.From != circuit.HalfOpen || tr.To != circuit.Closed {
		t.Errorf("Transition = %+v, want half_open -> closed", tr)
	}

	snap, _ := b.Snapshot(ctx)
	if snap.State != circuit.Closed || snap.Failures != 0 {
		t.Errorf("got %+v, want closed with 0 failures", snap)
	}
}

func TestBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(11 * time.Second)

	ticket, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if _, err := b.Record(ctx, ticket, circuit.Failure); err != nil {
		t.Fatalf("Record: %v", err)
	}

	snap, _ := b.Snapshot(ctx)
	if snap.State != circuit.Open {
		t.Fatalf("state = %v, want open", snap.State)
	}
	if !snap.OpenedAt.Equal(clock.Now()) {
		t.Errorf("OpenedAt = %v, want refreshed to %v", snap.OpenedAt, clock.Now())
	}
	if _, err := b.Allow(ctx); !errors.Is(err, loom.ErrCircuitOpen) {
		t.Errorf("got %v, want circuit open", err)
	}
}

func TestBreaker_IgnoredOutcomeKeepsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	fail(t, b)
	fail(t, b)

	ticket, err := b.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if tr, err := b.Record(ctx, ticket, circuit.Ignored); err != nil || tr != nil {
		t.Fatalf("Record(ignored) = %+v, %v; want no transition", tr, err)
	}
	if snap, _ := b.Snapshot(ctx); snap.Failures != 2 {
		t.Fatalf("failures = %d, want 2 after an ignored outcome", snap.Failures)
	}

	fail(t, b)
	if got := state(t, b); got != circuit.Open {
		t.Errorf("state = %v, want open", got)
	}
}

func TestBreaker_IgnoredProbeReleasesLease(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(11 * time.Second)

	ticket, err := b.Allow(ctx)
	if err != nil || !ticket.Probe() {
		t.Fatalf("Allow = %+v, %v; want a probe ticket", ticket, err)
	}
	if tr, err := b.Record(ctx, ticket, circuit.Ignored); err != nil || tr != nil {
		t.Fatalf("Record(ignored) = %+v, %v; want no transition", tr, err)
	}

	snap, _ := b.Snapshot(ctx)
	if snap.State != circuit.HalfOpen || snap.ProbeInFlight() {
		t.Fatalf("got %+v, want half_open with no probe in flight", snap)
	}

	next, err := b.Allow(ctx)
	if err != nil || !next.Probe() {
		t.Fatalf("Allow after release = %+v, %v; want a fresh probe", next, err)
	}
	if next.Transition != nil {
		t.Errorf("Transition = %+v, want none (already half_open)", next.Transition)
	}
	if _, err := b.Record(ctx, next, circuit.Success); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := state(t, b); got != circuit.Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[circuit.Outcome]string{
		circuit.Success: "success",
		circuit.Failure: "failure",
		circuit.Ignored: "ignored",
	} {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", o, got, want)
		}
	}
}

func TestBreaker_SingleProbeUnderConcurrency(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	var (
		probes   atomic.Int32
		rejected atomic.Int32
		wg       sync.WaitGroup
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := b.Allow(ctx)
			switch {
			case err == nil && ticket.Probe():
				probes.Add(1)
			case errors.Is(err, loom.ErrCircuitOpen):
				rejected.Add(1)
			default:
				t.Errorf("unexpected outcome: probe=%v err=%v", ticket.Probe(), err)
			}
		}()
	}
	wg.Wait()

	if got := probes.Load(); got != 1 {
		t.Errorf("probes = %d, want exactly 1", got)
	}
	if got := rejected.Load(); got != 31 {
		t.Errorf("rejected = %d, want 31", got)
	}
}

func TestBreaker_StaleProbeLeaseIsReclaimed(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	abandoned, err := b.Allow(ctx)
	if err != nil || !abandoned.Probe() {
		t.Fatalf("first probe: probe=%v err=%v", abandoned.Probe(), err)
	}

	clock.Advance(10 * time.Second)
	reclaimed, err := b.Allow(ctx)
	if err != nil || !reclaimed.Probe() {
		t.Fatalf("reclaimed probe: probe=%v err=%v", reclaimed.Probe(), err)
	}

	// The abandoned probe's late outcome is ignored.
	if tr, err := b.Record(ctx, abandoned, circuit.Failure); err != nil || tr != nil {
		t.Fatalf("late record: tr=%+v err=%v", tr, err)
	}
	if got := state(t, b); got != circuit.HalfOpen {
		t.Fatalf("state = %v, want half_open", got)
	}

	if _, err := b.Record(ctx, reclaimed, circuit.Success); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := state(t, b); got != circuit.Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()

	var (
		mu          sync.Mutex
		transitions []circuit.Transition
	)
	b := newBreaker(t, clock, circuit.OnStateChange(func(_ context.Context, name string, tr circuit.Transition) {
		if name != "payments" {
			t.Errorf("name = %q, want payments", name)
		}
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	}))
	ctx := context.Background()

	for range 3 {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)
	ticket, _ := b.Allow(ctx)
	_, _ = b.Record(ctx, ticket, circuit.Success)

	want := []circuit.Transition{
		{From: circuit.Closed, To: circuit.Open},
		{From: circuit.Open, To: circuit.HalfOpen},
		{From: circuit.HalfOpen, To: circuit.Closed},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions, want %d: %+v", len(transitions), len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %+v, want %+v", i, transitions[i], want[i])
		}
	}
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(t, clock)

	for range 3 {
		fail(t, b)
	}
	if err := b.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := state(t, b); got != circuit.Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_SharedStore(t *testing.T) {
	clock := newFakeClock()
	store := circuit.NewMemoryStore()
	a := newBreaker(t, clock, circuit.WithStore(store))
	b := newBreaker(t, clock, circuit.WithStore(store))

	for range 3 {
		fail(t, a)
	}
	if _, err := b.Allow(context.Background()); !errors.Is(err, loom.ErrCircuitOpen) {
		t.Errorf("second breaker: got %v, want circuit open", err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[circuit.State]string{
		circuit.Closed:    "closed",
		circuit.Open:      "open",
		circuit.HalfOpen:  "half_open",
		circuit.State(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
