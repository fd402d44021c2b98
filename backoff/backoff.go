// Package backoff provides pluggable delay strategies for retrying
// primitives. All strategies are safe for concurrent use (they are
// stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// StrategyFunc adapts a function into a Strategy.
type StrategyFunc func(attempt int) time.Duration

// Delay calls f(attempt).
func (f StrategyFunc) Delay(attempt int) time.Duration { return f(attempt) }

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Initial * attempt, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capped(float64(l.Initial)*float64(attempt), l.Max)
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(exp(e.Base, attempt), e.Max)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	ceiling := capped(exp(e.Base, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(ceiling)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Jittered (proportional jitter)
// ──────────────────────────────────────────────────

// Jittered spreads another strategy's delay by up to ±Fraction of its
// value. The result never exceeds Max when Max is positive.
type Jittered struct {
	Strategy Strategy
	Fraction float64
	Max      time.Duration
}

// NewJittered wraps s with proportional jitter. Fraction is clamped to
// [0, 1].
func NewJittered(s Strategy, fraction float64, maxDelay time.Duration) *Jittered {
	return &Jittered{Strategy: s, Fraction: math.Min(math.Max(fraction, 0), 1), Max: maxDelay}
}

// Delay returns the wrapped delay scaled by a random factor in
// [1-Fraction, 1+Fraction], capped at Max.
func (j *Jittered) Delay(attempt int) time.Duration {
	d := float64(j.Strategy.Delay(attempt))
	factor := 1 - j.Fraction + 2*j.Fraction*rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
	return capped(d*factor, j.Max)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used by retry when none is set:
// Exponential with 100ms base and 30s max, jittered by ±50%.
func DefaultStrategy() Strategy {
	return NewJittered(NewExponential(100*time.Millisecond, 30*time.Second), 0.5, 30*time.Second)
}

func exp(base time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	return float64(base) * math.Pow(2, float64(attempt-1))
}

// capped converts d to a Duration, clamping to maxDelay (when positive) and
// to the representable range.
func capped(d float64, maxDelay time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
