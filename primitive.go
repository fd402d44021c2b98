package loom

import "context"

// Primitive is a typed execution unit mapping an input to an output.
//
// Implementations must be safe to execute concurrently with distinct
// inputs; per-invocation state belongs in the WorkflowContext or the input.
type Primitive[I, O any] interface {
	// Name returns the declared name used in spans, metrics and logs.
	Name() string

	// Execute runs the primitive. Blocking work must honor ctx.
	Execute(ctx context.Context, wc *WorkflowContext, in I) (O, error)
}

// Typed is optionally implemented by primitives to name their span and
// metric type (for example "sequential" or "retry").
type Typed interface {
	PrimitiveType() string
}

// TypeOf returns the primitive type reported by p, or "func".
func TypeOf(p any) string {
	if t, ok := p.(Typed); ok {
		return t.PrimitiveType()
	}
	return "func"
}

// Must returns p and panics if err is non-nil. It is meant for wiring
// pipelines from constructors that validate their configuration.
func Must[P any](p P, err error) P {
	if err != nil {
		panic(err)
	}
	return p
}

// ExecuteFunc is the signature of a function-backed primitive.
type ExecuteFunc[I, O any] func(ctx context.Context, wc *WorkflowContext, in I) (O, error)

type funcPrimitive[I, O any] struct {
	name string
	fn   ExecuteFunc[I, O]
}

// Func adapts fn into a Primitive with the given name.
func Func[I, O any](name string, fn ExecuteFunc[I, O]) Primitive[I, O] {
	return &funcPrimitive[I, O]{name: name, fn: fn}
}

func (f *funcPrimitive[I, O]) Name() string          { return f.name }
func (f *funcPrimitive[I, O]) PrimitiveType() string { return "func" }

func (f *funcPrimitive[I, O]) Execute(ctx context.Context, wc *WorkflowContext, in I) (O, error) {
	return f.fn(ctx, wc, in)
}
