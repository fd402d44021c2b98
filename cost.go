package loom

import (
	"context"
	"sync"
)

type ledgerKey struct{}

// ledger accumulates the cost and savings reported while one instrumented
// primitive executes. Costs reported by nested primitives land in their own
// ledgers and roll into the parent's nested total when they close.
type ledger struct {
	parent *ledger

	mu      sync.Mutex
	own     float64
	nested  float64
	savings float64
	closed  bool
}

func openLedger(ctx context.Context) (context.Context, *ledger) {
	parent, _ := ctx.Value(ledgerKey{}).(*ledger)
	l := &ledger{parent: parent}
	return context.WithValue(ctx, ledgerKey{}, l), l
}

// within reports whether l is anc or one of its descendants.
func (l *ledger) within(anc *ledger) bool {
	for x := l; x != nil; x = x.parent {
		if x == anc {
			return true
		}
	}
	return false
}

func (l *ledger) depth() int {
	n := 0
	for x := l.parent; x != nil; x = x.parent {
		n++
	}
	return n
}

// close rolls the ledger's total into its parent and returns the totals.
func (l *ledger) close() (own, nested, savings float64) {
	l.mu.Lock()
	if l.closed {
		own, nested, savings = l.own, l.nested, l.savings
		l.mu.Unlock()
		return own, nested, savings
	}
	l.closed = true
	own, nested, savings = l.own, l.nested, l.savings
	l.mu.Unlock()

	if l.parent != nil {
		l.parent.mu.Lock()
		l.parent.nested += own + nested
		l.parent.mu.Unlock()
	}
	return own, nested, savings
}

// ReportCost attributes amount to the innermost instrumented primitive
// executing under ctx. It is a no-op outside an instrumented execution.
func ReportCost(ctx context.Context, amount float64) {
	if l, ok := ctx.Value(ledgerKey{}).(*ledger); ok {
		l.mu.Lock()
		l.own += amount
		l.mu.Unlock()
	}
}

// ReportSavings attributes an avoided cost to the innermost instrumented
// primitive executing under ctx.
func ReportSavings(ctx context.Context, amount float64) {
	if l, ok := ctx.Value(ledgerKey{}).(*ledger); ok {
		l.mu.Lock()
		l.savings += amount
		l.mu.Unlock()
	}
}

// TrackCost opens a measuring scope. Costs reported under the returned
// context, including by nested primitives, are totalled by done, which also
// rolls the total into the enclosing scope.
func TrackCost(ctx context.Context) (context.Context, func() float64) {
	ctx, l := openLedger(ctx)
	return ctx, func() float64 {
		own, nested, _ := l.close()
		return own + nested
	}
}
