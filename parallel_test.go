package loom_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/loom"
)

func sleeper(name string, d time.Duration, out int) loom.Primitive[int, int] {
	return loom.Func(name, func(ctx context.Context, _ *loom.WorkflowContext, _ int) (int, error) {
		select {
		case <-time.After(d):
			return out, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}

func TestParallel_ResultsInDeclarationOrder(t *testing.T) {
	// Later branches finish first.
	par := loom.Parallel("fan-out",
		sleeper("slow", 60*time.Millisecond, 1),
		sleeper("medium", 30*time.Millisecond, 2),
		sleeper("fast", 0, 3),
	)

	got, err := par.Execute(context.Background(), newContext(loom.Nop()), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("results = %v, want %v", got, want)
			break
		}
	}
}

func TestParallel_RunsConcurrently(t *testing.T) {
	par := loom.Parallel("fan-out",
		sleeper("a", 80*time.Millisecond, 1),
		sleeper("b", 80*time.Millisecond, 2),
		sleeper("c", 80*time.Millisecond, 3),
	)

	start := time.Now()
	if _, err := par.Execute(context.Background(), newContext(loom.Nop()), 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("elapsed = %v, want close to the slowest branch (80ms), not the sum", elapsed)
	}
}

func TestParallel_SameInputForEveryBranch(t *testing.T) {
	par := loom.Parallel("fan-out", add("plus1", 1), add("plus2", 2), double("double"))

	got, err := par.Execute(context.Background(), newContext(loom.Nop()), 10)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got[0] != 11 || got[1] != 12 || got[2] != 20 {
		t.Errorf("results = %v, want [11 12 20]", got)
	}
}

func TestParallel_FailureRunsToCompletion(t *testing.T) {
	boom := errors.New("boom")
	var siblingFinished atomic.Bool
	sibling := loom.Func("sibling", func(ctx context.Context, _ *loom.WorkflowContext, in int) (int, error) {
		time.Sleep(40 * time.Millisecond)
		if ctx.Err() == nil {
			siblingFinished.Store(true)
		}
		return in, nil
	})

	par := loom.Parallel("fan-out", failing("bad", boom), sibling)
	results, err := par.Execute(context.Background(), newContext(loom.Nop()), 5)

	var perr *loom.ParallelError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ParallelError", err)
	}
	if !siblingFinished.Load() {
		t.Error("sibling must run to completion without cancellation")
	}
	if results[1] != 5 {
		t.Errorf("successful sibling result = %d, want 5", results[1])
	}
	if len(perr.Outcomes) != 2 || perr.Outcomes[0].Err == nil || perr.Outcomes[1].Err != nil {
		t.Errorf("outcomes = %+v", perr.Outcomes)
	}
	if failed := perr.Failed(); len(failed) != 1 || failed[0].Name != "bad" {
		t.Errorf("Failed() = %+v", failed)
	}
	if !errors.Is(err, boom) {
		t.Error("expected aggregate error to unwrap to the branch error")
	}
}

func TestParallel_AggregatesEveryFailure(t *testing.T) {
	e1, e2 := errors.New("first"), errors.New("second")
	par := loom.Parallel("fan-out", failing("x", e1), add("ok", 0), failing("y", e2))

	_, err := par.Execute(context.Background(), newContext(loom.Nop()), 0)
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Fatalf("expected both branch errors in %v", err)
	}
	if !strings.Contains(err.Error(), "2 of 3 branches failed") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestParallel_RecoversBranchPanic(t *testing.T) {
	panicky := loom.Func("panicky", func(context.Context, *loom.WorkflowContext, int) (int, error) {
		panic("kaboom")
	})

	_, err := loom.Parallel("fan-out", panicky, add("ok", 1)).Execute(context.Background(), newContext(loom.Nop()), 0)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("got %v, want recovered panic", err)
	}
}

func TestParallel_PanickingBranchIsFinished(t *testing.T) {
	rec := &recorder{}
	panicky := loom.Func("panicky", func(ctx context.Context, _ *loom.WorkflowContext, _ int) (int, error) {
		loom.ReportCost(ctx, 0.5)
		panic("kaboom")
	})

	_, err := loom.Parallel("fan-out", add("ok", 1), panicky).Execute(context.Background(), newContext(rec), 0)
	if err == nil {
		t.Fatal("expected the recovered panic")
	}

	if started, finished := len(rec.Started()), len(rec.Finished()); started != 2 || finished != 2 {
		t.Fatalf("started=%d finished=%d, want 2 and 2", started, finished)
	}
	f, ok := rec.finishedFor("panicky")
	if !ok {
		t.Fatal("panicking branch was never finished")
	}
	if f.Result.Err == nil || !strings.Contains(f.Result.Err.Error(), "kaboom") {
		t.Errorf("Result.Err = %v, want the panic", f.Result.Err)
	}
	if f.Result.Cost != 0.5 {
		t.Errorf("Result.Cost = %v, want 0.5", f.Result.Cost)
	}
}

func TestParallel_BranchIndexInstrumentation(t *testing.T) {
	rec := &recorder{}
	par := loom.Parallel("fan-out", add("a", 1), add("b", 1))

	if _, err := par.Execute(context.Background(), newContext(rec), 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	seen := map[string]int{}
	for _, info := range rec.Started() {
		seen[info.Name] = info.BranchIndex
	}
	if seen["a"] != 0 || seen["b"] != 1 {
		t.Errorf("branch indexes = %v, want a=0 b=1", seen)
	}
}

func TestParallel_WithLimit(t *testing.T) {
	var running, peak atomic.Int32
	branch := func(name string) loom.Primitive[int, int] {
		return loom.Func(name, func(_ context.Context, _ *loom.WorkflowContext, in int) (int, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return in, nil
		})
	}

	par := loom.Parallel("limited", branch("a"), branch("b"), branch("c"), branch("d")).WithLimit(2)
	if _, err := par.Execute(context.Background(), newContext(loom.Nop()), 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}
