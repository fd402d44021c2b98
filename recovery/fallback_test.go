package recovery_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/loom"
	"github.com/xraph/loom/recovery"
)

func constant(name string, out int, cost float64) loom.Primitive[int, int] {
	return loom.Func(name, func(ctx context.Context, _ *loom.WorkflowContext, _ int) (int, error) {
		loom.ReportCost(ctx, cost)
		return out, nil
	})
}

func broken(name string, err error) loom.Primitive[int, int] {
	return loom.Func(name, func(context.Context, *loom.WorkflowContext, int) (int, error) {
		return 0, err
	})
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	secondary := &flaky{name: "secondary"}
	f := recovery.Fallback(constant("primary", 1, 0), loom.Primitive[int, int](secondary))

	got, err := f.Execute(context.Background(), newContext(loom.Nop()), 0)
	if err != nil || got != 1 {
		t.Fatalf("got (%d, %v), want (1, nil)", got, err)
	}
	if secondary.calls.Load() != 0 {
		t.Error("fallback must not run when the primary succeeds")
	}
}

func TestFallback_TriesInOrder(t *testing.T) {
	f := recovery.Fallback(
		broken("gpt", errors.New("rate limited")),
		broken("claude", errors.New("unavailable")),
		constant("local", 3, 0),
		constant("never", 4, 0),
	)

	got, err := f.Execute(context.Background(), newContext(loom.Nop()), 0)
	if err != nil || got != 3 {
		t.Fatalf("got (%d, %v), want (3, nil)", got, err)
	}
}

func TestFallback_Exhausted(t *testing.T) {
	e1, e2 := errors.New("first"), errors.New("second")
	f := recovery.Fallback(broken("a", e1), broken("b", e2)).WithName("chain")

	_, err := f.Execute(context.Background(), newContext(loom.Nop()), 0)

	var ferr *loom.FallbackExhaustedError
	if !errors.As(err, &ferr) {
		t.Fatalf("got %v, want FallbackExhaustedError", err)
	}
	if ferr.Primitive != "chain" || len(ferr.Errors) != 2 {
		t.Errorf("FallbackExhaustedError = %+v", ferr)
	}
	if ferr.Errors[0] != e1 || ferr.Errors[1] != e2 {
		t.Errorf("errors not in attempt order: %v", ferr.Errors)
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Error("expected every attempt error in the chain")
	}
}

type savingsRecorder struct {
	savings map[string]float64
}

func (s *savingsRecorder) Start(ctx context.Context, _ *loom.WorkflowContext, info loom.Info) (context.Context, loom.Finish) {
	return ctx, func(r loom.Result) {
		if s.savings == nil {
			s.savings = map[string]float64{}
		}
		s.savings[info.Name] += r.Savings
	}
}
func (s *savingsRecorder) CacheLookup(context.Context, *loom.WorkflowContext, string, bool) {}
func (s *savingsRecorder) BreakerStateChanged(context.Context, *loom.WorkflowContext, string, string, string) {
}

func TestFallback_ReportsSavings(t *testing.T) {
	rec := &savingsRecorder{}
	f := recovery.Fallback(broken("premium", errors.New("down")), constant("cheap", 1, 0.2)).
		WithName("model").
		WithPrimaryCost(1.0)

	if _, err := loom.Run(context.Background(), newContext(rec), loom.Primitive[int, int](f), 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.savings["model"]; got < 0.79 || got > 0.81 {
		t.Errorf("savings = %v, want 0.8", got)
	}
}
