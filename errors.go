package loom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure for metrics, logs and retry decisions.
type Kind string

// Error kinds.
const (
	KindTimeout            Kind = "timeout"
	KindRetryExhausted     Kind = "retry_exhausted"
	KindCircuitOpen        Kind = "circuit_open"
	KindFallbackExhausted  Kind = "fallback_exhausted"
	KindCompensationFailed Kind = "compensation_failed"
	KindRouting            Kind = "routing"
	KindValidation         Kind = "validation"
	KindUnknown            Kind = "unknown"
)

var (
	// Resilience errors.
	ErrTimeout            = errors.New("loom: timeout")
	ErrRetryExhausted     = errors.New("loom: retries exhausted")
	ErrCircuitOpen        = errors.New("loom: circuit open")
	ErrFallbackExhausted  = errors.New("loom: all fallbacks failed")
	ErrCompensationFailed = errors.New("loom: compensation failed")

	// Composition errors.
	ErrRouting = errors.New("loom: no route matched")

	// Configuration errors.
	ErrValidation = errors.New("loom: validation failed")
)

// classified is implemented by every typed error that carries a Kind.
type classified interface {
	Kind() Kind
}

// KindOf returns the outermost classified kind found in err's chain.
// A context.DeadlineExceeded is reported as KindTimeout. Errors with no
// classification report KindUnknown; a nil error reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var c classified
	if errors.As(err, &c) {
		return c.Kind()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrFallbackExhausted):
		return KindFallbackExhausted
	case errors.Is(err, ErrCompensationFailed):
		return KindCompensationFailed
	case errors.Is(err, ErrRouting):
		return KindRouting
	case errors.Is(err, ErrValidation):
		return KindValidation
	}

	return KindUnknown
}

// ──────────────────────────────────────────────────
// Resilience errors
// ──────────────────────────────────────────────────

// TimeoutError is returned when a primitive exceeds its deadline.
type TimeoutError struct {
	Primitive string
	Timeout   time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("loom: primitive %q timed out after %s", e.Primitive, e.Timeout)
}

// Kind implements classification.
func (e *TimeoutError) Kind() Kind { return KindTimeout }

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Unwrap returns the context error that triggered the timeout.
func (e *TimeoutError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned when every retry attempt failed.
type RetryExhaustedError struct {
	Primitive string
	Attempts  int
	Last      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("loom: primitive %q failed after %d attempts: %v", e.Primitive, e.Attempts, e.Last)
}

// Kind implements classification.
func (e *RetryExhaustedError) Kind() Kind { return KindRetryExhausted }

// Is reports whether target is ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// Unwrap returns the error from the final attempt.
func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// CircuitOpenError is returned when a breaker rejects a call without
// invoking the protected primitive.
type CircuitOpenError struct {
	Breaker string
	// RetryAfter is the remaining time until the breaker admits a probe.
	// Zero when a probe is already in flight.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("loom: circuit %q is open, retry after %s", e.Breaker, e.RetryAfter)
	}
	return fmt.Sprintf("loom: circuit %q is open", e.Breaker)
}

// Kind implements classification.
func (e *CircuitOpenError) Kind() Kind { return KindCircuitOpen }

// Is reports whether target is ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// FallbackExhaustedError is returned when the primary and every fallback
// failed. Errors holds one entry per attempt, in attempt order.
type FallbackExhaustedError struct {
	Primitive string
	Errors    []error
}

func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("loom: primitive %q: all %d alternatives failed: %s",
		e.Primitive, len(e.Errors), joinErrors(e.Errors))
}

// Kind implements classification.
func (e *FallbackExhaustedError) Kind() Kind { return KindFallbackExhausted }

// Is reports whether target is ErrFallbackExhausted.
func (e *FallbackExhaustedError) Is(target error) bool { return target == ErrFallbackExhausted }

// Unwrap returns every attempt's error.
func (e *FallbackExhaustedError) Unwrap() []error { return e.Errors }

// CompensationFailedError is returned when a saga step failed and at least
// one compensation failed while unwinding. Both the original failure and
// every compensation failure remain reachable through errors.Is/As.
type CompensationFailedError struct {
	Primitive string
	Original  error
	Failures  []error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("loom: saga %q: %v; compensation failed: %s",
		e.Primitive, e.Original, joinErrors(e.Failures))
}

// Kind implements classification.
func (e *CompensationFailedError) Kind() Kind { return KindCompensationFailed }

// Is reports whether target is ErrCompensationFailed.
func (e *CompensationFailedError) Is(target error) bool { return target == ErrCompensationFailed }

// Unwrap returns the original error followed by the compensation failures.
func (e *CompensationFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, e.Original)
	return append(errs, e.Failures...)
}

// ──────────────────────────────────────────────────
// Composition errors
// ──────────────────────────────────────────────────

// RoutingError is returned by a router when no route matches and no
// default is configured.
type RoutingError struct {
	Router string
	Key    string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("loom: router %q: no route for key %q", e.Router, e.Key)
}

// Kind implements classification.
func (e *RoutingError) Kind() Kind { return KindRouting }

// Is reports whether target is ErrRouting.
func (e *RoutingError) Is(target error) bool { return target == ErrRouting }

// StepError annotates the failing step of a sequential composition.
type StepError struct {
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("loom: step %d (%s): %v", e.Index, e.Name, e.Err)
}

// Unwrap returns the step's error.
func (e *StepError) Unwrap() error { return e.Err }

// BranchOutcome is the result of one parallel branch.
type BranchOutcome struct {
	Index int
	Name  string
	Err   error
}

// ParallelError is returned when at least one parallel branch failed.
// Outcomes lists every branch in declaration order, including successes.
type ParallelError struct {
	Primitive string
	Outcomes  []BranchOutcome
}

func (e *ParallelError) Error() string {
	failed := e.Failed()
	parts := make([]string, 0, len(failed))
	for _, o := range failed {
		parts = append(parts, fmt.Sprintf("[%d] %s: %v", o.Index, o.Name, o.Err))
	}
	return fmt.Sprintf("loom: parallel %q: %d of %d branches failed: %s",
		e.Primitive, len(failed), len(e.Outcomes), strings.Join(parts, "; "))
}

// Failed returns the outcomes of the failed branches.
func (e *ParallelError) Failed() []BranchOutcome {
	var out []BranchOutcome
	for _, o := range e.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Unwrap returns the errors of the failed branches.
func (e *ParallelError) Unwrap() []error {
	var errs []error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// ──────────────────────────────────────────────────
// Validation
// ──────────────────────────────────────────────────

// ValidationError reports invalid configuration, detected at construction.
type ValidationError struct {
	Subject  string
	Problems []string
}

// NewValidationError creates a ValidationError for subject.
func NewValidationError(subject string, problems ...string) *ValidationError {
	return &ValidationError{Subject: subject, Problems: problems}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("loom: invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}

// Kind implements classification.
func (e *ValidationError) Kind() Kind { return KindValidation }

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ──────────────────────────────────────────────────
// Workflow annotation
// ──────────────────────────────────────────────────

// WorkflowError is the error surfaced by Run. It records the error's kind,
// the declared name of the deepest primitive observed failing, and the
// identifiers of the execution tree.
type WorkflowError struct {
	ErrKind       Kind
	Primitive     string
	CorrelationID string
	WorkflowID    string
	Err           error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("loom: workflow %s (correlation %s): primitive %q failed [%s]: %v",
		e.WorkflowID, e.CorrelationID, e.Primitive, e.ErrKind, e.Err)
}

// Kind implements classification.
func (e *WorkflowError) Kind() Kind { return e.ErrKind }

// Unwrap returns the uncaught error.
func (e *WorkflowError) Unwrap() error { return e.Err }

// ──────────────────────────────────────────────────
// Permanent
// ──────────────────────────────────────────────────

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable for the default retry classifier.
// It returns nil for a nil error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
