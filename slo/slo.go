// Package slo tracks service level objectives per primitive over a
// rolling window.
//
// The window is a ring of fixed-width slots holding raw counters: total,
// good, bad and failed executions plus a latency histogram. Compliance,
// error budget, burn rates and latency quantiles are derived on read.
package slo

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xraph/loom"
)

// Objective is the target for one primitive. An execution is good when it
// succeeded and, if LatencyThreshold is set, finished within it.
type Objective struct {
	Primitive        string
	Target           float64
	LatencyThreshold time.Duration
}

// Status is the derived state of one primitive's objective over the
// window.
type Status struct {
	Primitive string
	Objective Objective

	Total  uint64
	Good   uint64
	Bad    uint64
	Errors uint64

	// Compliance is Good/Total, or 1 when nothing was recorded.
	Compliance float64

	// ErrorBudgetRemaining is 1 - Bad/((1-Target)*Total). It is 1 when
	// nothing was recorded and negative once the budget is overspent.
	ErrorBudgetRemaining float64

	// BurnRate is the observed bad ratio over the allowed bad ratio for
	// the whole window; FastBurnRate is the same over its last twelfth.
	BurnRate     float64
	FastBurnRate float64

	// AtRisk is set when either burn rate exceeds 1.
	AtRisk bool
}

// DefaultBuckets are latency histogram boundaries in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type slot struct {
	epoch  int64
	total  uint64
	good   uint64
	bad    uint64
	errors uint64
	hist   []uint64
}

type series struct {
	obj   Objective
	slots []slot
}

// Tracker records executions and derives objective status.
type Tracker struct {
	window        time.Duration
	width         time.Duration
	slots         int
	buckets       []float64
	defaultTarget float64
	objectives    map[string]Objective
	now           func() time.Time

	mu     sync.Mutex
	series map[string]*series
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBuckets sets the latency histogram boundaries in seconds.
func WithBuckets(b []float64) Option {
	return func(t *Tracker) { t.buckets = append([]float64(nil), b...) }
}

// WithDefaultTarget sets the target used for primitives without a declared
// objective.
func WithDefaultTarget(target float64) Option {
	return func(t *Tracker) { t.defaultTarget = target }
}

// WithObjectives declares per-primitive objectives.
func WithObjectives(objs ...Objective) Option {
	return func(t *Tracker) {
		for _, o := range objs {
			t.objectives[o.Primitive] = o
		}
	}
}

// New creates a Tracker whose window is split into the given number of
// slots.
func New(window time.Duration, slots int, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		window:        window,
		slots:         slots,
		buckets:       DefaultBuckets,
		defaultTarget: 0.99,
		objectives:    make(map[string]Objective),
		now:           time.Now,
		series:        make(map[string]*series),
	}
	for _, opt := range opts {
		opt(t)
	}

	var problems []string
	if window <= 0 {
		problems = append(problems, fmt.Sprintf("window must be > 0, got %s", window))
	}
	if slots < 1 {
		problems = append(problems, fmt.Sprintf("slots must be >= 1, got %d", slots))
	}
	if t.defaultTarget <= 0 || t.defaultTarget > 1 {
		problems = append(problems, fmt.Sprintf("default target must be within (0, 1], got %v", t.defaultTarget))
	}
	for name, o := range t.objectives {
		if o.Target <= 0 || o.Target > 1 {
			problems = append(problems, fmt.Sprintf("objective %q: target must be within (0, 1], got %v", name, o.Target))
		}
	}
	for i := 1; i < len(t.buckets); i++ {
		if t.buckets[i] <= t.buckets[i-1] {
			problems = append(problems, "buckets must be strictly increasing")
			break
		}
	}
	if len(problems) > 0 {
		return nil, loom.NewValidationError("slo tracker", problems...)
	}

	t.width = window / time.Duration(slots)
	if t.width <= 0 {
		t.width = 1
	}
	return t, nil
}

// Objective returns the objective applied to primitive.
func (t *Tracker) Objective(primitive string) Objective {
	if o, ok := t.objectives[primitive]; ok {
		return o
	}
	return Objective{Primitive: primitive, Target: t.defaultTarget}
}

// Record adds one execution of primitive.
func (t *Tracker) Record(primitive string, duration time.Duration, err error) {
	epoch := t.now().UnixNano() / int64(t.width)

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.series[primitive]
	if !ok {
		s = &series{obj: t.Objective(primitive), slots: make([]slot, t.slots)}
		t.series[primitive] = s
	}

	sl := &s.slots[int(epoch%int64(t.slots))]
	if sl.epoch != epoch {
		*sl = slot{epoch: epoch, hist: make([]uint64, len(t.buckets)+1)}
	}

	good := err == nil && (s.obj.LatencyThreshold <= 0 || duration <= s.obj.LatencyThreshold)

	sl.total++
	if good {
		sl.good++
	} else {
		sl.bad++
	}
	if err != nil {
		sl.errors++
	}
	sl.hist[bucketIndex(t.buckets, duration.Seconds())]++
}

func bucketIndex(buckets []float64, v float64) int {
	return sort.SearchFloat64s(buckets, v)
}

// totals sums the slots of s newer than the last n slot widths.
func (t *Tracker) totals(s *series, n int) slot {
	cur := t.now().UnixNano() / int64(t.width)
	sum := slot{hist: make([]uint64, len(t.buckets)+1)}
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.total == 0 || sl.epoch <= cur-int64(n) || sl.epoch > cur {
			continue
		}
		sum.total += sl.total
		sum.good += sl.good
		sum.bad += sl.bad
		sum.errors += sl.errors
		for j, c := range sl.hist {
			sum.hist[j] += c
		}
	}
	return sum
}

// Status returns the derived status of primitive. Primitives with no
// recorded executions report full compliance.
func (t *Tracker) Status(primitive string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.series[primitive]
	if !ok {
		return Status{
			Primitive:            primitive,
			Objective:            t.Objective(primitive),
			Compliance:           1,
			ErrorBudgetRemaining: 1,
		}
	}
	return t.status(primitive, s)
}

func (t *Tracker) status(primitive string, s *series) Status {
	all := t.totals(s, t.slots)
	fast := t.totals(s, max(1, t.slots/12))

	st := Status{
		Primitive:            primitive,
		Objective:            s.obj,
		Total:                all.total,
		Good:                 all.good,
		Bad:                  all.bad,
		Errors:               all.errors,
		Compliance:           1,
		ErrorBudgetRemaining: 1,
	}
	if all.total == 0 {
		return st
	}

	allowed := 1 - s.obj.Target
	st.Compliance = float64(all.good) / float64(all.total)
	st.BurnRate = burnRate(all, allowed)
	st.FastBurnRate = burnRate(fast, allowed)

	switch {
	case all.bad == 0:
		st.ErrorBudgetRemaining = 1
	case allowed == 0:
		st.ErrorBudgetRemaining = math.Inf(-1)
	default:
		st.ErrorBudgetRemaining = 1 - float64(all.bad)/(allowed*float64(all.total))
	}

	st.AtRisk = st.BurnRate > 1 || st.FastBurnRate > 1
	return st
}

func burnRate(s slot, allowed float64) float64 {
	if s.total == 0 || s.bad == 0 {
		return 0
	}
	observed := float64(s.bad) / float64(s.total)
	if allowed == 0 {
		return math.Inf(1)
	}
	return observed / allowed
}

// Statuses returns the status of every tracked primitive, sorted by name.
func (t *Tracker) Statuses() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.series))
	for name := range t.series {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, t.status(name, t.series[name]))
	}
	return out
}

// LatencyQuantile estimates the q-quantile (0 < q <= 1) of primitive's
// latency over the window by interpolating within histogram buckets.
// Values beyond the last boundary report that boundary. It reports false
// when nothing was recorded.
func (t *Tracker) LatencyQuantile(primitive string, q float64) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.series[primitive]
	if !ok {
		return 0, false
	}
	all := t.totals(s, t.slots)
	if all.total == 0 {
		return 0, false
	}

	q = math.Min(math.Max(q, 0), 1)
	rank := q * float64(all.total)

	var cum uint64
	for i, c := range all.hist {
		if c == 0 {
			continue
		}
		if float64(cum+c) >= rank {
			if i == len(t.buckets) {
				return seconds(t.buckets[len(t.buckets)-1]), true
			}
			lower := 0.0
			if i > 0 {
				lower = t.buckets[i-1]
			}
			upper := t.buckets[i]
			frac := (rank - float64(cum)) / float64(c)
			return seconds(lower + (upper-lower)*frac), true
		}
		cum += c
	}
	return seconds(t.buckets[len(t.buckets)-1]), true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
