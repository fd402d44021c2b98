package recovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xraph/loom"
	"github.com/xraph/loom/circuit"
)

// BreakerPrimitive guards a primitive with a circuit breaker.
type BreakerPrimitive[I, O any] struct {
	name      string
	inner     loom.Primitive[I, O]
	breaker   *circuit.Breaker
	isFailure func(error) bool
}

var _ loom.Primitive[int, int] = (*BreakerPrimitive[int, int])(nil)

// CircuitBreaker guards inner with b. While the breaker is open, Execute
// fails fast with a *loom.CircuitOpenError without invoking inner. In
// half-open state exactly one caller runs the probe; the others fail fast.
// Errors from inner propagate unchanged.
func CircuitBreaker[I, O any](inner loom.Primitive[I, O], b *circuit.Breaker) *BreakerPrimitive[I, O] {
	return &BreakerPrimitive[I, O]{
		name:    inner.Name() + "/breaker",
		inner:   inner,
		breaker: b,
		isFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	}
}

// WithName overrides the wrapper's name.
func (p *BreakerPrimitive[I, O]) WithName(name string) *BreakerPrimitive[I, O] {
	p.name = name
	return p
}

// WithFailurePredicate decides which inner errors count against the
// breaker. Errors it rejects leave the breaker untouched: they neither add
// to nor reset the failure count, and a rejected probe gives up its lease
// without closing the breaker. By default every error except caller
// cancellation counts.
func (p *BreakerPrimitive[I, O]) WithFailurePredicate(fn func(error) bool) *BreakerPrimitive[I, O] {
	p.isFailure = fn
	return p
}

// Name returns the declared name.
func (p *BreakerPrimitive[I, O]) Name() string { return p.name }

// PrimitiveType returns "circuit_breaker".
func (p *BreakerPrimitive[I, O]) PrimitiveType() string { return "circuit_breaker" }

// Breaker returns the underlying breaker.
func (p *BreakerPrimitive[I, O]) Breaker() *circuit.Breaker { return p.breaker }

// Execute admits the call through the breaker and records its outcome.
func (p *BreakerPrimitive[I, O]) Execute(ctx context.Context, wc *loom.WorkflowContext, in I) (O, error) {
	var zero O

	ticket, err := p.breaker.Allow(ctx)
	p.report(ctx, wc, ticket.Transition)
	if err != nil {
		return zero, err
	}

	out, err := loom.Invoke(ctx, wc, p.inner, in, loom.Describe(p.inner))

	tr, recErr := p.breaker.Record(context.WithoutCancel(ctx), ticket, p.outcome(err))
	if recErr != nil {
		wc.Logger().Error("failed to record breaker outcome",
			slog.String("breaker", p.breaker.Name()),
			slog.String("error", recErr.Error()),
		)
	}
	p.report(ctx, wc, tr)

	return out, err
}

func (p *BreakerPrimitive[I, O]) outcome(err error) circuit.Outcome {
	switch {
	case err == nil:
		return circuit.Success
	case p.isFailure(err):
		return circuit.Failure
	default:
		return circuit.Ignored
	}
}

func (p *BreakerPrimitive[I, O]) report(ctx context.Context, wc *loom.WorkflowContext, tr *circuit.Transition) {
	if tr == nil {
		return
	}
	wc.Instrumentation().BreakerStateChanged(ctx, wc, p.breaker.Name(), tr.From.String(), tr.To.String())
}
