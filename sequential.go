package loom

import "context"

// SequentialPrimitive executes its steps strictly in order, feeding each
// step's output to the next step.
type SequentialPrimitive[T any] struct {
	name  string
	steps []Primitive[T, T]
}

var _ Primitive[int, int] = (*SequentialPrimitive[int])(nil)

// Sequential composes steps that share a type. The first failure aborts the
// remaining steps and is returned as a *StepError naming the failing step.
// An empty sequence returns its input unchanged.
func Sequential[T any](name string, steps ...Primitive[T, T]) *SequentialPrimitive[T] {
	return &SequentialPrimitive[T]{name: name, steps: steps}
}

// Name returns the declared name.
func (s *SequentialPrimitive[T]) Name() string { return s.name }

// PrimitiveType returns "sequential".
func (s *SequentialPrimitive[T]) PrimitiveType() string { return "sequential" }

// Execute runs every step in order.
func (s *SequentialPrimitive[T]) Execute(ctx context.Context, wc *WorkflowContext, in T) (T, error) {
	cur := in
	for i, step := range s.steps {
		info := Describe(step)
		info.StepIndex = i

		out, err := Invoke(ctx, wc, step, cur, info)
		if err != nil {
			var zero T
			return zero, &StepError{Index: i, Name: step.Name(), Err: err}
		}
		cur = out
	}
	return cur, nil
}

// ──────────────────────────────────────────────────
// Then
// ──────────────────────────────────────────────────

type thenPrimitive[A, B, C any] struct {
	name   string
	first  Primitive[A, B]
	second Primitive[B, C]
}

// Then chains two primitives whose types line up into one sequential
// primitive. Longer heterogeneous chains nest: Then(n, Then(n, a, b), c).
func Then[A, B, C any](name string, first Primitive[A, B], second Primitive[B, C]) Primitive[A, C] {
	return &thenPrimitive[A, B, C]{name: name, first: first, second: second}
}

func (t *thenPrimitive[A, B, C]) Name() string          { return t.name }
func (t *thenPrimitive[A, B, C]) PrimitiveType() string { return "sequential" }

func (t *thenPrimitive[A, B, C]) Execute(ctx context.Context, wc *WorkflowContext, in A) (C, error) {
	var zero C

	info := Describe(t.first)
	info.StepIndex = 0
	mid, err := Invoke(ctx, wc, t.first, in, info)
	if err != nil {
		return zero, &StepError{Index: 0, Name: t.first.Name(), Err: err}
	}

	info = Describe(t.second)
	info.StepIndex = 1
	out, err := Invoke(ctx, wc, t.second, mid, info)
	if err != nil {
		return zero, &StepError{Index: 1, Name: t.second.Name(), Err: err}
	}
	return out, nil
}
