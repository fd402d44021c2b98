// Package cost accumulates the cost and savings reported by primitives.
package cost

import (
	"sort"
	"sync"
)

// Summary is the accumulated spend of one primitive, or of all of them.
type Summary struct {
	Primitive  string
	Executions uint64
	Cost       float64
	Savings    float64
}

// SavingsRatio is Savings/(Cost+Savings), or 0 when both are zero.
func (s Summary) SavingsRatio() float64 {
	if s.Cost+s.Savings == 0 {
		return 0
	}
	return s.Savings / (s.Cost + s.Savings)
}

// Tracker accumulates per-primitive and global totals. It is safe for
// concurrent use.
type Tracker struct {
	mu    sync.Mutex
	per   map[string]*Summary
	total Summary
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{per: make(map[string]*Summary)}
}

// Record adds one execution of primitive with the cost it incurred itself
// and the cost it avoided.
func (t *Tracker) Record(primitive string, cost, savings float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.per[primitive]
	if !ok {
		s = &Summary{Primitive: primitive}
		t.per[primitive] = s
	}
	s.Executions++
	s.Cost += cost
	s.Savings += savings

	t.total.Executions++
	t.total.Cost += cost
	t.total.Savings += savings
}

// Summary returns the totals of one primitive.
func (t *Tracker) Summary(primitive string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.per[primitive]
	if !ok {
		return Summary{Primitive: primitive}, false
	}
	return *s, true
}

// Total returns the totals across every primitive.
func (t *Tracker) Total() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Summaries returns every primitive's totals sorted by name.
func (t *Tracker) Summaries() []Summary {
	t.mu.Lock()
	out := make([]Summary, 0, len(t.per))
	for _, s := range t.per {
		out = append(out, *s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Primitive < out[j].Primitive })
	return out
}

// Reset clears every total.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.per = make(map[string]*Summary)
	t.total = Summary{}
	t.mu.Unlock()
}
