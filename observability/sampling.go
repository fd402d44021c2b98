package observability

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/xraph/loom/config"
)

// Adjustment factors applied by AdaptiveRate.
const (
	rateDecrease = 0.8
	rateIncrease = 1.1
	ewmaAlpha    = 0.2
)

// ──────────────────────────────────────────────────
// Adaptive rate
// ──────────────────────────────────────────────────

// AdaptiveRate is the effective sampling rate. In adaptive mode it follows
// an EWMA of reported instrumentation overhead: once per adjustment
// interval the rate is scaled down when the EWMA is above target and up
// when it is below, always staying within [MinRate, MaxRate]. Otherwise it
// is fixed at BaseRate.
type AdaptiveRate struct {
	bits atomic.Uint64
	now  func() time.Time

	mu         sync.Mutex
	cfg        config.SamplingConfig
	ewma       float64
	primed     bool
	lastAdjust time.Time
}

// RateOption configures an AdaptiveRate.
type RateOption func(*AdaptiveRate)

// WithRateClock sets the clock that paces adjustments.
func WithRateClock(now func() time.Time) RateOption {
	return func(a *AdaptiveRate) { a.now = now }
}

// NewAdaptiveRate creates a rate from cfg.
func NewAdaptiveRate(cfg config.SamplingConfig, opts ...RateOption) *AdaptiveRate {
	a := &AdaptiveRate{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.Update(cfg)
	return a
}

// Rate returns the effective sampling rate.
func (a *AdaptiveRate) Rate() float64 {
	return math.Float64frombits(a.bits.Load())
}

// Overhead returns the smoothed overhead percentage.
func (a *AdaptiveRate) Overhead() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ewma
}

// Update applies new sampling settings and resets the rate to the clamped
// base rate.
func (a *AdaptiveRate) Update(cfg config.SamplingConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.ewma, a.primed = 0, false
	a.lastAdjust = a.now()
	a.store(a.initial())
}

func (a *AdaptiveRate) initial() float64 {
	if !a.cfg.Adaptive {
		return a.cfg.BaseRate
	}
	return clamp(a.cfg.BaseRate, a.cfg.MinRate, a.cfg.MaxRate)
}

// Observe reports the instrumentation overhead of one execution as a
// percentage of its duration.
func (a *AdaptiveRate) Observe(overheadPercent float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.cfg.Adaptive {
		return
	}

	if a.primed {
		a.ewma = ewmaAlpha*overheadPercent + (1-ewmaAlpha)*a.ewma
	} else {
		a.ewma, a.primed = overheadPercent, true
	}

	now := a.now()
	if now.Sub(a.lastAdjust) < a.cfg.AdjustInterval {
		return
	}
	a.lastAdjust = now

	r := a.Rate()
	if a.ewma > a.cfg.TargetOverheadPercent {
		r *= rateDecrease
	} else {
		r *= rateIncrease
	}
	a.store(clamp(r, a.cfg.MinRate, a.cfg.MaxRate))
}

func (a *AdaptiveRate) store(r float64) {
	a.bits.Store(math.Float64bits(r))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// ──────────────────────────────────────────────────
// Tail sampler
// ──────────────────────────────────────────────────

// TailSampler is a span processor that holds every span of a trace until
// the trace's local root ends and then keeps or drops the whole trace.
//
// A trace is kept when any span errored (with AlwaysSampleErrors), when the
// root ran for at least SlowThreshold (with AlwaysSampleSlow), or when it
// passes a trace-ID ratio test at the effective rate and the optional
// traces-per-second limit. Kept spans are handed to next.
//
// Spans that end after their root (the inner work of a timed-out
// primitive, for example) follow the decision already taken for their
// trace; an errored late span is still kept when AlwaysSampleErrors is set.
// When maxPending traces are buffered, the oldest is decided early to make
// room.
type TailSampler struct {
	next       sdktrace.SpanProcessor
	rate       *AdaptiveRate
	maxPending int

	cfg     atomic.Pointer[config.SamplingConfig]
	limiter atomic.Pointer[rate.Limiter]

	mu      sync.Mutex
	pending map[trace.TraceID]*pendingTrace
	decided *lru.Cache[trace.TraceID, bool]

	kept    atomic.Uint64
	dropped atomic.Uint64
	evicted atomic.Uint64
}

type pendingTrace struct {
	spans   []sdktrace.ReadOnlySpan
	errored bool
	since   time.Time
}

// minDecided is the smallest number of trace decisions remembered for late
// spans.
const minDecided = 256

var _ sdktrace.SpanProcessor = (*TailSampler)(nil)

// NewTailSampler creates a sampler in front of next. maxPending bounds the
// number of traces held at once; beyond it spans are decided one by one.
func NewTailSampler(next sdktrace.SpanProcessor, cfg config.SamplingConfig, r *AdaptiveRate, maxPending int) *TailSampler {
	if r == nil {
		r = NewAdaptiveRate(cfg)
	}
	if maxPending <= 0 {
		maxPending = 1
	}
	decided, _ := lru.New[trace.TraceID, bool](max(minDecided, 2*maxPending))
	s := &TailSampler{
		next:       next,
		rate:       r,
		maxPending: maxPending,
		pending:    make(map[trace.TraceID]*pendingTrace),
		decided:    decided,
	}
	s.Update(cfg)
	return s
}

// Update swaps the sampling settings. The adaptive rate is updated by its
// owner.
func (s *TailSampler) Update(cfg config.SamplingConfig) {
	c := cfg
	s.cfg.Store(&c)
	if cfg.MaxTracesPerSecond > 0 {
		burst := int(math.Max(1, math.Ceil(cfg.MaxTracesPerSecond)))
		s.limiter.Store(rate.NewLimiter(rate.Limit(cfg.MaxTracesPerSecond), burst))
	} else {
		s.limiter.Store(nil)
	}
}

// Decide reports whether a trace is kept.
func (s *TailSampler) Decide(errored bool, duration time.Duration, traceID trace.TraceID) bool {
	cfg := s.cfg.Load()
	if errored && cfg.AlwaysSampleErrors {
		return true
	}
	if cfg.AlwaysSampleSlow && cfg.SlowThreshold > 0 && duration >= cfg.SlowThreshold {
		return true
	}
	if !ratioAdmits(traceID, s.rate.Rate()) {
		return false
	}
	if l := s.limiter.Load(); l != nil && !l.Allow() {
		return false
	}
	return true
}

// ratioAdmits applies the same trace-ID test as sdktrace.TraceIDRatioBased.
func ratioAdmits(id trace.TraceID, r float64) bool {
	if r >= 1 {
		return true
	}
	if r <= 0 {
		return false
	}
	bound := uint64(r * (1 << 63))
	x := binary.BigEndian.Uint64(id[8:16]) >> 1
	return x < bound
}

// Stats returns how many spans were kept and dropped.
func (s *TailSampler) Stats() (kept, dropped uint64) {
	return s.kept.Load(), s.dropped.Load()
}

// Evicted returns how many traces were decided before their root ended
// because the buffer was full.
func (s *TailSampler) Evicted() uint64 { return s.evicted.Load() }

// Pending returns the number of traces awaiting a decision.
func (s *TailSampler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// OnStart implements sdktrace.SpanProcessor.
func (s *TailSampler) OnStart(ctx context.Context, span sdktrace.ReadWriteSpan) {
	s.next.OnStart(ctx, span)
}

// OnEnd implements sdktrace.SpanProcessor.
func (s *TailSampler) OnEnd(span sdktrace.ReadOnlySpan) {
	id := span.SpanContext().TraceID()
	errored := span.Status().Code == codes.Error
	parent := span.Parent()
	root := !parent.IsValid() || parent.IsRemote()

	s.mu.Lock()
	p := s.pending[id]
	if root {
		delete(s.pending, id)
		var spans []sdktrace.ReadOnlySpan
		if p != nil {
			spans = p.spans
			errored = errored || p.errored
		}
		keep := s.Decide(errored, span.EndTime().Sub(span.StartTime()), id)
		s.decided.Add(id, keep)
		s.mu.Unlock()

		s.emit(keep, append(spans, span))
		return
	}

	if p == nil {
		if keep, ok := s.decided.Get(id); ok {
			s.mu.Unlock()
			s.emit(keep || (errored && s.cfg.Load().AlwaysSampleErrors), []sdktrace.ReadOnlySpan{span})
			return
		}
	}

	var evictedID trace.TraceID
	var evicted *pendingTrace
	if p == nil && len(s.pending) >= s.maxPending {
		evictedID, evicted = s.oldestLocked()
		delete(s.pending, evictedID)
	}
	if p == nil {
		p = &pendingTrace{since: span.EndTime()}
		s.pending[id] = p
	}
	p.spans = append(p.spans, span)
	p.errored = p.errored || errored

	var keep bool
	if evicted != nil {
		keep = s.decidePending(evictedID, evicted)
		s.decided.Add(evictedID, keep)
	}
	s.mu.Unlock()

	if evicted != nil {
		s.evicted.Add(1)
		s.emit(keep, evicted.spans)
	}
}

// oldestLocked returns the pending trace whose first span ended earliest.
func (s *TailSampler) oldestLocked() (trace.TraceID, *pendingTrace) {
	var (
		oldestID trace.TraceID
		oldest   *pendingTrace
	)
	for id, p := range s.pending {
		if oldest == nil || p.since.Before(oldest.since) {
			oldestID, oldest = id, p
		}
	}
	return oldestID, oldest
}

// decidePending decides a trace whose root has not ended, using its
// longest span as the duration.
func (s *TailSampler) decidePending(id trace.TraceID, p *pendingTrace) bool {
	var longest time.Duration
	for _, sp := range p.spans {
		longest = max(longest, sp.EndTime().Sub(sp.StartTime()))
	}
	return s.Decide(p.errored, longest, id)
}

func (s *TailSampler) emit(keep bool, spans []sdktrace.ReadOnlySpan) {
	if !keep {
		s.dropped.Add(uint64(len(spans)))
		return
	}
	s.kept.Add(uint64(len(spans)))
	for _, sp := range spans {
		s.next.OnEnd(sp)
	}
}

// drain decides every pending trace on the evidence collected so far.
func (s *TailSampler) drain() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[trace.TraceID]*pendingTrace)
	s.mu.Unlock()

	for id, p := range pending {
		s.emit(s.decidePending(id, p), p.spans)
	}
}

// ForceFlush implements sdktrace.SpanProcessor.
func (s *TailSampler) ForceFlush(ctx context.Context) error {
	return s.next.ForceFlush(ctx)
}

// Shutdown decides pending traces and shuts down next.
func (s *TailSampler) Shutdown(ctx context.Context) error {
	s.drain()
	return s.next.Shutdown(ctx)
}

// ──────────────────────────────────────────────────
// Fan-out
// ──────────────────────────────────────────────────

// fanout forwards span events to several processors.
type fanout []sdktrace.SpanProcessor

func (f fanout) OnStart(ctx context.Context, s sdktrace.ReadWriteSpan) {
	for _, p := range f {
		p.OnStart(ctx, s)
	}
}

func (f fanout) OnEnd(s sdktrace.ReadOnlySpan) {
	for _, p := range f {
		p.OnEnd(s)
	}
}

func (f fanout) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

func (f fanout) Shutdown(ctx context.Context) error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
