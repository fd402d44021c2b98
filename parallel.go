package loom

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ParallelPrimitive executes every branch concurrently with the same input.
type ParallelPrimitive[I, O any] struct {
	name     string
	branches []Primitive[I, O]
	limit    int
}

var _ Primitive[int, []int] = (*ParallelPrimitive[int, int])(nil)

// Parallel composes branches that all receive the same input. Execute
// returns only after every branch has finished; results are in declaration
// order. A failing branch never cancels its siblings. If any branch fails,
// the error is a *ParallelError listing every branch outcome.
func Parallel[I, O any](name string, branches ...Primitive[I, O]) *ParallelPrimitive[I, O] {
	return &ParallelPrimitive[I, O]{name: name, branches: branches}
}

// WithLimit bounds the number of branches running at once. Zero or a
// negative value means unbounded.
func (p *ParallelPrimitive[I, O]) WithLimit(n int) *ParallelPrimitive[I, O] {
	p.limit = n
	return p
}

// Name returns the declared name.
func (p *ParallelPrimitive[I, O]) Name() string { return p.name }

// PrimitiveType returns "parallel".
func (p *ParallelPrimitive[I, O]) PrimitiveType() string { return "parallel" }

// Execute runs every branch and waits for all of them.
func (p *ParallelPrimitive[I, O]) Execute(ctx context.Context, wc *WorkflowContext, in I) ([]O, error) {
	results := make([]O, len(p.branches))
	outcomes := make([]BranchOutcome, len(p.branches))

	var g errgroup.Group
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}

	for i, branch := range p.branches {
		g.Go(func() error {
			info := Describe(branch)
			info.BranchIndex = i

			out, err := runBranch(ctx, wc, branch, in, info)
			results[i] = out
			outcomes[i] = BranchOutcome{Index: i, Name: branch.Name(), Err: err}
			return nil
		})
	}
	_ = g.Wait() // branch errors are collected in outcomes

	for _, o := range outcomes {
		if o.Err != nil {
			return results, &ParallelError{Primitive: p.name, Outcomes: outcomes}
		}
	}
	return results, nil
}

// runBranch invokes one branch, converting a panic into an error so a
// faulty branch cannot crash the process.
func runBranch[I, O any](ctx context.Context, wc *WorkflowContext, p Primitive[I, O], in I, info Info) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			wc.Logger().Error("primitive panicked",
				slog.String("primitive", info.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("loom: panic in primitive %q: %v", info.Name, r)
		}
	}()
	return Invoke(ctx, wc, p, in, info)
}
