package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/backoff"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(err error) bool

// DefaultClassifier treats everything as retryable except errors marked
// with loom.Permanent, caller cancellation, and validation, routing and
// compensation failures.
func DefaultClassifier(err error) bool {
	if loom.IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	switch loom.KindOf(err) {
	case loom.KindValidation, loom.KindRouting, loom.KindCompensationFailed:
		return false
	}
	return true
}

// RetryPolicy configures retry attempts and delays.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. The
	// wrapped primitive runs at most MaxRetries+1 times.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Each further retry
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps every delay, including jitter.
	MaxDelay time.Duration

	// Jitter spreads each delay by up to ±Jitter of its value (0 to 1).
	Jitter float64
}

// DefaultRetryPolicy returns 3 retries from 100ms up to 30s with ±50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Jitter:     0.5,
	}
}

func (p RetryPolicy) validate() error {
	var problems []string
	if p.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("max_retries must be >= 0, got %d", p.MaxRetries))
	}
	if p.BaseDelay < 0 {
		problems = append(problems, fmt.Sprintf("base_delay must be >= 0, got %s", p.BaseDelay))
	}
	if p.MaxDelay < p.BaseDelay {
		problems = append(problems, fmt.Sprintf("max_delay (%s) must be >= base_delay (%s)", p.MaxDelay, p.BaseDelay))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		problems = append(problems, fmt.Sprintf("jitter must be within [0, 1], got %v", p.Jitter))
	}
	if len(problems) > 0 {
		return loom.NewValidationError("retry policy", problems...)
	}
	return nil
}

type retryConfig struct {
	name     string
	policy   RetryPolicy
	strategy backoff.Strategy
	classify Classifier
	onRetry  func(attempt int, err error, delay time.Duration)
}

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

// WithRetryName overrides the wrapper's name (default "<inner>/retry").
func WithRetryName(name string) RetryOption {
	return func(c *retryConfig) { c.name = name }
}

// WithPolicy replaces the whole retry policy.
func WithPolicy(p RetryPolicy) RetryOption {
	return func(c *retryConfig) { c.policy = p }
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) RetryOption {
	return func(c *retryConfig) { c.policy.MaxRetries = n }
}

// WithDelays sets the base and maximum delay.
func WithDelays(base, maxDelay time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.policy.BaseDelay = base
		c.policy.MaxDelay = maxDelay
	}
}

// WithJitter sets the proportional jitter fraction.
func WithJitter(fraction float64) RetryOption {
	return func(c *retryConfig) { c.policy.Jitter = fraction }
}

// WithBackoff replaces the delay strategy derived from the policy.
func WithBackoff(s backoff.Strategy) RetryOption {
	return func(c *retryConfig) { c.strategy = s }
}

// WithClassifier sets the retryability classifier.
func WithClassifier(fn Classifier) RetryOption {
	return func(c *retryConfig) { c.classify = fn }
}

// WithOnRetry registers a callback invoked before each retry sleep.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) RetryOption {
	return func(c *retryConfig) { c.onRetry = fn }
}

// RetryPrimitive re-executes a failing primitive with exponential backoff.
type RetryPrimitive[I, O any] struct {
	inner loom.Primitive[I, O]
	cfg   retryConfig
}

var _ loom.Primitive[int, int] = (*RetryPrimitive[int, int])(nil)

// Retry wraps inner with retries. A non-retryable error is returned as-is
// after the attempt that produced it. When every attempt fails the result
// is a *loom.RetryExhaustedError wrapping the last error.
func Retry[I, O any](inner loom.Primitive[I, O], opts ...RetryOption) (*RetryPrimitive[I, O], error) {
	cfg := retryConfig{
		name:     inner.Name() + "/retry",
		policy:   DefaultRetryPolicy(),
		classify: DefaultClassifier,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.policy.validate(); err != nil {
		return nil, err
	}
	if cfg.strategy == nil {
		cfg.strategy = backoff.NewJittered(
			backoff.NewExponential(cfg.policy.BaseDelay, cfg.policy.MaxDelay),
			cfg.policy.Jitter,
			cfg.policy.MaxDelay,
		)
	}
	return &RetryPrimitive[I, O]{inner: inner, cfg: cfg}, nil
}

// Name returns the declared name.
func (r *RetryPrimitive[I, O]) Name() string { return r.cfg.name }

// PrimitiveType returns "retry".
func (r *RetryPrimitive[I, O]) PrimitiveType() string { return "retry" }

// Policy returns the retry policy.
func (r *RetryPrimitive[I, O]) Policy() RetryPolicy { return r.cfg.policy }

// Execute runs inner until it succeeds, fails permanently, or the attempts
// are exhausted.
func (r *RetryPrimitive[I, O]) Execute(ctx context.Context, wc *loom.WorkflowContext, in I) (O, error) {
	var (
		zero     O
		last     error
		attempts = r.cfg.policy.MaxRetries + 1
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := loom.Invoke(ctx, wc, r.inner, in, loom.Describe(r.inner))
		if err == nil {
			return out, nil
		}
		last = err

		if !r.cfg.classify(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := r.cfg.strategy.Delay(attempt)
		wc.Logger().Debug("retrying primitive",
			slog.String("primitive", r.inner.Name()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if r.cfg.onRetry != nil {
			r.cfg.onRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	return zero, &loom.RetryExhaustedError{Primitive: r.inner.Name(), Attempts: attempts, Last: last}
}

// sleep blocks for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
