package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/loom"
)

// CompensateFunc undoes a completed saga step. It receives the output the
// step produced.
type CompensateFunc[T any] func(ctx context.Context, wc *loom.WorkflowContext, out T) error

// SagaStep pairs a forward primitive with its compensation. A nil
// Compensate means the step needs no undo.
type SagaStep[T any] struct {
	Forward    loom.Primitive[T, T]
	Compensate CompensateFunc[T]
}

// Step builds a SagaStep.
func Step[T any](forward loom.Primitive[T, T], compensate CompensateFunc[T]) SagaStep[T] {
	return SagaStep[T]{Forward: forward, Compensate: compensate}
}

// SagaPrimitive runs steps in order and unwinds completed steps on failure.
type SagaPrimitive[T any] struct {
	name  string
	steps []SagaStep[T]
}

var _ loom.Primitive[int, int] = (*SagaPrimitive[int])(nil)

// Compensation creates a saga. When step k fails, the compensations of
// steps k-1 down to 0 run in that order and the step's error is returned as
// a *loom.StepError. If any compensation fails, the remaining ones still
// run and the result is a *loom.CompensationFailedError carrying both the
// original error and every compensation failure.
//
// Compensations run on a context detached from the caller's cancellation.
func Compensation[T any](name string, steps ...SagaStep[T]) *SagaPrimitive[T] {
	return &SagaPrimitive[T]{name: name, steps: steps}
}

// Name returns the declared name.
func (s *SagaPrimitive[T]) Name() string { return s.name }

// PrimitiveType returns "compensation".
func (s *SagaPrimitive[T]) PrimitiveType() string { return "compensation" }

type completedStep[T any] struct {
	index int
	name  string
	out   T
	undo  CompensateFunc[T]
}

// Execute runs the saga.
func (s *SagaPrimitive[T]) Execute(ctx context.Context, wc *loom.WorkflowContext, in T) (T, error) {
	var zero T
	completed := make([]completedStep[T], 0, len(s.steps))

	cur := in
	for i, step := range s.steps {
		info := loom.Describe(step.Forward)
		info.StepIndex = i

		out, err := loom.Invoke(ctx, wc, step.Forward, cur, info)
		if err != nil {
			original := &loom.StepError{Index: i, Name: step.Forward.Name(), Err: err}
			if failures := s.unwind(ctx, wc, completed); len(failures) > 0 {
				return zero, &loom.CompensationFailedError{Primitive: s.name, Original: original, Failures: failures}
			}
			return zero, original
		}

		completed = append(completed, completedStep[T]{
			index: i,
			name:  step.Forward.Name(),
			out:   out,
			undo:  step.Compensate,
		})
		cur = out
	}
	return cur, nil
}

// unwind runs compensations in reverse order and returns their failures.
func (s *SagaPrimitive[T]) unwind(ctx context.Context, wc *loom.WorkflowContext, completed []completedStep[T]) []error {
	ctx = context.WithoutCancel(ctx)
	ins := wc.Instrumentation()

	var failures []error
	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		if c.undo == nil {
			continue
		}

		cctx, finish := ins.Start(ctx, wc, loom.Info{
			Name:        c.name + "/compensate",
			Type:        "compensate",
			StepIndex:   c.index,
			BranchIndex: -1,
		})
		err := c.undo(cctx, wc, c.out)
		finish(loom.Result{Err: err})

		if err != nil {
			wc.Logger().Error("compensation failed",
				slog.String("saga", s.name),
				slog.String("step", c.name),
				slog.String("error", err.Error()),
			)
			failures = append(failures, fmt.Errorf("loom: compensate step %d (%s): %w", c.index, c.name, err))
			continue
		}
		wc.Logger().Info("step compensated",
			slog.String("saga", s.name),
			slog.String("step", c.name),
		)
	}
	return failures
}
