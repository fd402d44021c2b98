package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/loom"
)

// maxCASAttempts bounds the compare-and-swap loop of a single transition.
const maxCASAttempts = 64

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays Open before admitting
	// a half-open probe.
	RecoveryTimeout time.Duration

	// ProbeTimeout is how long an admitted probe holds its lease before
	// another caller may reclaim it. Zero means RecoveryTimeout.
	ProbeTimeout time.Duration
}

// DefaultConfig returns a Config with 5 failures and a 30s recovery timeout.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var problems []string
	if c.FailureThreshold < 1 {
		problems = append(problems, fmt.Sprintf("failure_threshold must be >= 1, got %d", c.FailureThreshold))
	}
	if c.RecoveryTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("recovery_timeout must be > 0, got %s", c.RecoveryTimeout))
	}
	if c.ProbeTimeout < 0 {
		problems = append(problems, fmt.Sprintf("probe_timeout must be >= 0, got %s", c.ProbeTimeout))
	}
	if len(problems) > 0 {
		return loom.NewValidationError("circuit breaker config", problems...)
	}
	return nil
}

// Transition is a state change performed by a breaker call.
type Transition struct {
	From State
	To   State
}

// Outcome classifies an admitted call for Record.
type Outcome int

// Call outcomes.
const (
	Success Outcome = iota
	Failure

	// Ignored leaves the failure count and state untouched. An ignored
	// probe releases its lease so the next caller probes instead.
	Ignored
)

// String returns "success", "failure" or "ignored".
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Ticket is issued by Allow and handed back to Record.
type Ticket struct {
	probe   bool
	started time.Time

	// Transition is set when admitting the call moved the breaker.
	Transition *Transition
}

// Probe reports whether the ticket was issued for the half-open probe.
func (t Ticket) Probe() bool { return t.probe }

// Breaker is a circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	store    Store
	now      func() time.Time
	logger   *slog.Logger
	onChange func(ctx context.Context, name string, t Transition)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStore sets the state store. The default is a private MemoryStore.
func WithStore(s Store) Option {
	return func(b *Breaker) { b.store = s }
}

// WithClock overrides the breaker's clock.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transition logs.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// OnStateChange registers a callback invoked after every transition this
// breaker performs.
func OnStateChange(fn func(ctx context.Context, name string, t Transition)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker. The name is the store key, so breakers sharing a
// name and an external store share state.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if name == "" {
		return nil, loom.NewValidationError("circuit breaker config", "name must not be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = cfg.RecoveryTimeout
	}

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		b.store = NewMemoryStore()
	}
	return b, nil
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Config returns the breaker thresholds.
func (b *Breaker) Config() Config { return b.cfg }

// Snapshot returns the stored snapshot.
func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	snap, err := b.store.Load(ctx, b.name)
	if err != nil {
		return Snapshot{}, fmt.Errorf("circuit: load %q: %w", b.name, err)
	}
	return snap, nil
}

// State returns the stored state. An Open breaker whose recovery timeout
// has elapsed still reads as Open until the next call admits a probe.
func (b *Breaker) State(ctx context.Context) (State, error) {
	snap, err := b.Snapshot(ctx)
	return snap.State, err
}

// Allow admits or rejects a call. A rejected call gets a
// *loom.CircuitOpenError and must not run.
func (b *Breaker) Allow(ctx context.Context) (Ticket, error) {
	for range maxCASAttempts {
		snap, err := b.Snapshot(ctx)
		if err != nil {
			return Ticket{}, err
		}
		now := b.now()

		switch snap.State {
		case Closed:
			return Ticket{}, nil

		case Open:
			elapsed := now.Sub(snap.OpenedAt)
			if elapsed < b.cfg.RecoveryTimeout {
				return Ticket{}, &loom.CircuitOpenError{Breaker: b.name, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
			}
			next := snap
			next.State = HalfOpen
			next.ProbeStartedAt = now
			ok, err := b.cas(ctx, snap.Version, next)
			if err != nil {
				return Ticket{}, err
			}
			if ok {
				t := Transition{From: Open, To: HalfOpen}
				b.notify(ctx, t)
				return Ticket{probe: true, started: now, Transition: &t}, nil
			}

		case HalfOpen:
			if snap.ProbeInFlight() && now.Sub(snap.ProbeStartedAt) < b.cfg.ProbeTimeout {
				return Ticket{}, &loom.CircuitOpenError{Breaker: b.name}
			}
			next := snap
			next.ProbeStartedAt = now
			ok, err := b.cas(ctx, snap.Version, next)
			if err != nil {
				return Ticket{}, err
			}
			if ok {
				if snap.ProbeInFlight() {
					b.logger.Warn("breaker probe lease reclaimed",
						slog.String("breaker", b.name),
						slog.Time("previous_probe_started_at", snap.ProbeStartedAt),
					)
				}
				return Ticket{probe: true, started: now}, nil
			}
		}
	}
	return Ticket{}, fmt.Errorf("circuit: allow %q: %w", b.name, ErrStoreContention)
}

// Record reports the outcome of an admitted call. It returns the transition
// the outcome caused, if any. Outcomes that arrive after the breaker has
// moved on (a superseded probe, or a closed-state call finishing after the
// breaker opened) are ignored.
func (b *Breaker) Record(ctx context.Context, t Ticket, outcome Outcome) (*Transition, error) {
	for range maxCASAttempts {
		snap, err := b.Snapshot(ctx)
		if err != nil {
			return nil, err
		}

		next, tr, ok := b.successor(snap, t, outcome)
		if !ok {
			return nil, nil
		}

		swapped, err := b.cas(ctx, snap.Version, next)
		if err != nil {
			return nil, err
		}
		if swapped {
			if tr != nil {
				b.notify(ctx, *tr)
			}
			return tr, nil
		}
	}
	return nil, fmt.Errorf("circuit: record %q: %w", b.name, ErrStoreContention)
}

// successor computes the snapshot that follows snap for an outcome. It
// reports false when no write is needed.
func (b *Breaker) successor(snap Snapshot, t Ticket, outcome Outcome) (Snapshot, *Transition, bool) {
	now := b.now()

	if t.probe {
		if snap.State != HalfOpen || !snap.ProbeStartedAt.Equal(t.started) {
			return Snapshot{}, nil, false
		}
		switch outcome {
		case Failure:
			return Snapshot{State: Open, Failures: snap.Failures + 1, OpenedAt: now},
				&Transition{From: HalfOpen, To: Open}, true
		case Ignored:
			next := snap
			next.ProbeStartedAt = time.Time{}
			return next, nil, true
		default:
			return Snapshot{State: Closed}, &Transition{From: HalfOpen, To: Closed}, true
		}
	}

	if snap.State != Closed {
		return Snapshot{}, nil, false
	}
	switch outcome {
	case Ignored:
		return Snapshot{}, nil, false
	case Success:
		if snap.Failures == 0 {
			return Snapshot{}, nil, false
		}
		return Snapshot{State: Closed}, nil, true
	}

	failures := snap.Failures + 1
	if failures >= b.cfg.FailureThreshold {
		return Snapshot{State: Open, Failures: failures, OpenedAt: now},
			&Transition{From: Closed, To: Open}, true
	}
	return Snapshot{State: Closed, Failures: failures}, nil, true
}

// Reset forces the breaker Closed with zero failures.
func (b *Breaker) Reset(ctx context.Context) error {
	for range maxCASAttempts {
		snap, err := b.Snapshot(ctx)
		if err != nil {
			return err
		}
		if snap.State == Closed && snap.Failures == 0 {
			return nil
		}
		ok, err := b.cas(ctx, snap.Version, Snapshot{State: Closed})
		if err != nil {
			return err
		}
		if ok {
			if snap.State != Closed {
				b.notify(ctx, Transition{From: snap.State, To: Closed})
			}
			return nil
		}
	}
	return fmt.Errorf("circuit: reset %q: %w", b.name, ErrStoreContention)
}

func (b *Breaker) cas(ctx context.Context, expected uint64, next Snapshot) (bool, error) {
	ok, err := b.store.CompareAndSwap(ctx, b.name, expected, next)
	if err != nil {
		return false, fmt.Errorf("circuit: store %q: %w", b.name, err)
	}
	return ok, nil
}

func (b *Breaker) notify(ctx context.Context, t Transition) {
	b.logger.Info("breaker state changed",
		slog.String("breaker", b.name),
		slog.String("from", t.From.String()),
		slog.String("to", t.To.String()),
	)
	if b.onChange != nil {
		b.onChange(ctx, b.name, t)
	}
}
