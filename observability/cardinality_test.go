package observability_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xraph/loom"
	"github.com/xraph/loom/observability"
)

func TestCardinalityGuard_AdmitsUpToLimit(t *testing.T) {
	g, err := observability.NewCardinalityGuard(5, 2)
	if err != nil {
		t.Fatalf("NewCardinalityGuard: %v", err)
	}

	for i := 0; i < 3; i++ {
		v := fmt.Sprintf("p%d", i)
		if got := g.Admit("primitive", v); got != v {
			t.Errorf("Admit(%q) = %q, want verbatim", v, got)
		}
	}

	got := g.Admit("primitive", "p3")
	if !strings.HasPrefix(got, observability.OverflowPrefix) {
		t.Errorf("Admit(p3) = %q, want overflow value", got)
	}
	if g.Distinct("primitive") != 3 {
		t.Errorf("distinct = %d, want 3", g.Distinct("primitive"))
	}
	if g.Overflowed() != 1 {
		t.Errorf("overflowed = %d, want 1", g.Overflowed())
	}
}

func TestCardinalityGuard_AdmittedStayVerbatim(t *testing.T) {
	g, _ := observability.NewCardinalityGuard(3, 1)
	g.Admit("k", "a")
	g.Admit("k", "b")
	g.Admit("k", "c")
	g.Admit("k", "d")

	if got := g.Admit("k", "a"); got != "a" {
		t.Errorf("Admit(a) = %q, want a", got)
	}
}

func TestCardinalityGuard_BoundedSeries(t *testing.T) {
	g, _ := observability.NewCardinalityGuard(10, 3)
	series := map[string]bool{}
	for i := 0; i < 1000; i++ {
		series[g.Admit("primitive", fmt.Sprintf("v%d", i))] = true
	}
	if len(series) > 10 {
		t.Errorf("distinct series = %d, want <= 10", len(series))
	}
}

func TestCardinalityGuard_OverflowIsDeterministic(t *testing.T) {
	g, _ := observability.NewCardinalityGuard(2, 1)
	g.Admit("k", "first")
	a := g.Admit("k", "late")
	b := g.Admit("k", "late")
	if a != b {
		t.Errorf("overflow values differ: %q vs %q", a, b)
	}
	if a != observability.OverflowPrefix+"0" {
		t.Errorf("overflow = %q, want single bucket 0", a)
	}
}

func TestCardinalityGuard_KeysIndependent(t *testing.T) {
	g, _ := observability.NewCardinalityGuard(2, 1)
	g.Admit("primitive", "x")
	if got := g.Admit("breaker", "y"); got != "y" {
		t.Errorf("Admit(breaker, y) = %q, want y", got)
	}
}

func TestNewCardinalityGuard_Invalid(t *testing.T) {
	tests := []struct {
		max, overflow int
	}{
		{5, 0},
		{5, 5},
		{1, 1},
	}
	for _, tt := range tests {
		if _, err := observability.NewCardinalityGuard(tt.max, tt.overflow); !errors.Is(err, loom.ErrValidation) {
			t.Errorf("NewCardinalityGuard(%d, %d) = %v, want validation error", tt.max, tt.overflow, err)
		}
	}
}
