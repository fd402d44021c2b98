package loom

import (
	"context"
	"fmt"
)

// Info describes one primitive execution to an Instrumentation.
type Info struct {
	Name string
	Type string

	// StepIndex is the position within an enclosing sequence, or -1.
	StepIndex int

	// BranchIndex is the position within an enclosing parallel, or -1.
	BranchIndex int
}

// Describe returns the Info for p outside any sequence or parallel.
func Describe(p interface{ Name() string }) Info {
	return Info{Name: p.Name(), Type: TypeOf(p), StepIndex: -1, BranchIndex: -1}
}

// Result is reported to an Instrumentation when an execution finishes.
type Result struct {
	Err error

	// Cost is the cost reported directly by the primitive.
	Cost float64

	// NestedCost is the cost reported by primitives nested inside it.
	NestedCost float64

	// Savings is the avoided cost reported directly by the primitive.
	Savings float64
}

// Finish completes an instrumented execution.
type Finish func(Result)

// Instrumentation observes primitive executions. Implementations must be
// purely observational: they never alter inputs, outputs or errors.
type Instrumentation interface {
	// Start is called before a primitive executes. The returned context is
	// passed to the primitive; the returned Finish is called exactly once.
	Start(ctx context.Context, wc *WorkflowContext, info Info) (context.Context, Finish)

	// CacheLookup records a cache hit or miss for the named cache primitive.
	CacheLookup(ctx context.Context, wc *WorkflowContext, primitive string, hit bool)

	// BreakerStateChanged records a circuit breaker transition.
	BreakerStateChanged(ctx context.Context, wc *WorkflowContext, breaker, from, to string)
}

// ──────────────────────────────────────────────────
// Nop
// ──────────────────────────────────────────────────

type nop struct{}

// Nop returns an Instrumentation that records nothing.
func Nop() Instrumentation { return nop{} }

func (nop) Start(ctx context.Context, _ *WorkflowContext, _ Info) (context.Context, Finish) {
	return ctx, func(Result) {}
}
func (nop) CacheLookup(context.Context, *WorkflowContext, string, bool)                   {}
func (nop) BreakerStateChanged(context.Context, *WorkflowContext, string, string, string) {}

// ──────────────────────────────────────────────────
// Multi
// ──────────────────────────────────────────────────

type multi []Instrumentation

// Multi fans every event out to each of the given instrumentations, in
// order. Finish callbacks run in reverse order.
func Multi(ins ...Instrumentation) Instrumentation {
	out := make(multi, 0, len(ins))
	for _, i := range ins {
		if i != nil {
			out = append(out, i)
		}
	}
	return out
}

func (m multi) Start(ctx context.Context, wc *WorkflowContext, info Info) (context.Context, Finish) {
	finishes := make([]Finish, 0, len(m))
	for _, i := range m {
		var f Finish
		ctx, f = i.Start(ctx, wc, info)
		finishes = append(finishes, f)
	}
	return ctx, func(r Result) {
		for i := len(finishes) - 1; i >= 0; i-- {
			finishes[i](r)
		}
	}
}

func (m multi) CacheLookup(ctx context.Context, wc *WorkflowContext, primitive string, hit bool) {
	for _, i := range m {
		i.CacheLookup(ctx, wc, primitive, hit)
	}
}

func (m multi) BreakerStateChanged(ctx context.Context, wc *WorkflowContext, breaker, from, to string) {
	for _, i := range m {
		i.BreakerStateChanged(ctx, wc, breaker, from, to)
	}
}

// ──────────────────────────────────────────────────
// Invocation
// ──────────────────────────────────────────────────

// Invoke executes p as an instrumented child. Composition operators and
// resilience wrappers call it for every child they run.
func Invoke[I, O any](ctx context.Context, wc *WorkflowContext, p Primitive[I, O], in I, info Info) (O, error) {
	if w, ok := p.(*instrumented[I, O]); ok {
		p = w.inner
	}

	ctx, l := openLedger(ctx)
	ctx, finish := wc.Instrumentation().Start(ctx, wc, info)

	returned := false
	defer func() {
		if returned {
			return
		}
		// p panicked or called runtime.Goexit: complete the invocation
		// before the panic continues to whoever recovers it.
		r := recover()
		perr := fmt.Errorf("loom: panic in primitive %q: %v", info.Name, r)
		own, nested, savings := l.close()
		wc.noteFailure(l, info.Name, perr)
		finish(Result{Err: perr, Cost: own, NestedCost: nested, Savings: savings})
		if r != nil {
			panic(r)
		}
	}()

	out, err := p.Execute(ctx, wc, in)
	returned = true

	own, nested, savings := l.close()
	if err != nil {
		wc.noteFailure(l, info.Name, err)
	} else {
		wc.noteSuccess(l)
	}
	finish(Result{Err: err, Cost: own, NestedCost: nested, Savings: savings})
	return out, err
}

type instrumented[I, O any] struct {
	inner Primitive[I, O]
}

// Instrument opts a standalone primitive into instrumentation. Primitives
// executed by composition operators are instrumented automatically.
func Instrument[I, O any](p Primitive[I, O]) Primitive[I, O] {
	if _, ok := p.(*instrumented[I, O]); ok {
		return p
	}
	return &instrumented[I, O]{inner: p}
}

func (w *instrumented[I, O]) Name() string          { return w.inner.Name() }
func (w *instrumented[I, O]) PrimitiveType() string { return TypeOf(w.inner) }

func (w *instrumented[I, O]) Execute(ctx context.Context, wc *WorkflowContext, in I) (O, error) {
	return Invoke(ctx, wc, w.inner, in, Describe(w.inner))
}

// Run executes p as the root of an execution tree. An uncaught error is
// returned as a *WorkflowError naming its kind, the deepest failing
// primitive and the context's identifiers.
func Run[I, O any](ctx context.Context, wc *WorkflowContext, p Primitive[I, O], in I) (O, error) {
	if wc == nil {
		wc = NewWorkflowContext()
	}
	out, err := Invoke(ctx, wc, p, in, Describe(p))
	if err == nil {
		return out, nil
	}

	name, ok := wc.failedPrimitive(err)
	if !ok {
		name = p.Name()
	}
	return out, &WorkflowError{
		ErrKind:       KindOf(err),
		Primitive:     name,
		CorrelationID: wc.CorrelationID(),
		WorkflowID:    wc.WorkflowID(),
		Err:           err,
	}
}
