package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/loom"
	"github.com/xraph/loom/config"
	"github.com/xraph/loom/cost"
	"github.com/xraph/loom/slo"
)

const (
	// tracerName is the instrumentation scope name for loom tracing.
	tracerName = "github.com/xraph/loom"

	// meterName is the instrumentation scope name for loom metrics.
	meterName = "github.com/xraph/loom"
)

// Label keys guarded by the CardinalityGuard.
const (
	labelPrimitive = "primitive"
	labelBreaker   = "breaker"
)

// Breaker state gauge values.
const (
	breakerClosed   int64 = 0
	breakerOpen     int64 = 1
	breakerHalfOpen int64 = 2
)

// Instrumentation is the production loom.Instrumentation. Every execution
// produces a span named loom.<type>, a start and a completion log line,
// request and duration metrics, an SLO observation and a cost record.
//
// It never alters a primitive's input, output or error. If no providers
// are configured the global OTel tracer and meter are used, which are
// noops until the application installs real ones.
type Instrumentation struct {
	tracer  trace.Tracer
	meter   metric.Meter
	logger  *slog.Logger
	guard   *CardinalityGuard
	slo     *slo.Tracker
	cost    *cost.Tracker
	rate    *AdaptiveRate
	buckets []float64

	requests     metric.Int64Counter
	duration     metric.Float64Histogram
	lookups      metric.Int64Counter
	breakerState metric.Int64Gauge
	spend        metric.Float64Counter
	savings      metric.Float64Counter
}

var _ loom.Instrumentation = (*Instrumentation)(nil)

// Option configures an Instrumentation.
type Option func(*Instrumentation)

// WithTracer sets the tracer spans are started on.
func WithTracer(t trace.Tracer) Option {
	return func(i *Instrumentation) { i.tracer = t }
}

// WithMeter sets the meter instruments are created on.
func WithMeter(m metric.Meter) Option {
	return func(i *Instrumentation) { i.meter = m }
}

// WithLogger sets the logger. By default the workflow context's logger is
// used.
func WithLogger(l *slog.Logger) Option {
	return func(i *Instrumentation) { i.logger = l }
}

// WithGuard bounds the primitive and breaker label values.
func WithGuard(g *CardinalityGuard) Option {
	return func(i *Instrumentation) { i.guard = g }
}

// WithSLO feeds every execution to t and exports its compliance and error
// budget as gauges.
func WithSLO(t *slo.Tracker) Option {
	return func(i *Instrumentation) { i.slo = t }
}

// WithCost feeds every execution's own cost and savings to t.
func WithCost(t *cost.Tracker) Option {
	return func(i *Instrumentation) { i.cost = t }
}

// WithAdaptiveRate reports bookkeeping overhead to r.
func WithAdaptiveRate(r *AdaptiveRate) Option {
	return func(i *Instrumentation) { i.rate = r }
}

// WithHistogramBuckets sets the duration histogram boundaries, in seconds.
func WithHistogramBuckets(b []float64) Option {
	return func(i *Instrumentation) { i.buckets = b }
}

// NewInstrumentation creates an Instrumentation.
func NewInstrumentation(opts ...Option) *Instrumentation {
	i := &Instrumentation{buckets: config.DefaultHistogramBuckets()}
	for _, opt := range opts {
		opt(i)
	}
	if i.tracer == nil {
		i.tracer = otel.Tracer(tracerName)
	}
	if i.meter == nil {
		i.meter = otel.Meter(meterName)
	}

	// On error the OTel API returns noop instruments.
	var err error
	i.requests, err = i.meter.Int64Counter(
		"loom.primitive.requests",
		metric.WithDescription("Total number of primitive executions"),
		metric.WithUnit("{execution}"),
	)
	_ = err

	i.duration, err = i.meter.Float64Histogram(
		"loom.primitive.duration",
		metric.WithDescription("Duration of primitive execution in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(i.buckets...),
	)
	_ = err

	i.lookups, err = i.meter.Int64Counter(
		"loom.cache.lookups",
		metric.WithDescription("Cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	_ = err

	i.breakerState, err = i.meter.Int64Gauge(
		"loom.breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open"),
	)
	_ = err

	i.spend, err = i.meter.Float64Counter(
		"loom.primitive.cost",
		metric.WithDescription("Cost incurred by primitives"),
	)
	_ = err

	i.savings, err = i.meter.Float64Counter(
		"loom.primitive.cost_savings",
		metric.WithDescription("Cost avoided by primitives"),
	)
	_ = err

	if i.slo != nil {
		i.registerSLOGauges()
	}
	return i
}

func (i *Instrumentation) registerSLOGauges() {
	compliance, err := i.meter.Float64ObservableGauge(
		"loom.slo.compliance",
		metric.WithDescription("Share of good executions within the SLO window"),
	)
	_ = err
	budget, err := i.meter.Float64ObservableGauge(
		"loom.slo.error_budget_remaining",
		metric.WithDescription("Remaining share of the error budget within the SLO window"),
	)
	_ = err

	_, err = i.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, st := range i.slo.Statuses() {
			attrs := metric.WithAttributes(attribute.String(labelPrimitive, i.label(labelPrimitive, st.Primitive)))
			o.ObserveFloat64(compliance, st.Compliance, attrs)
			o.ObserveFloat64(budget, st.ErrorBudgetRemaining, attrs)
		}
		return nil
	}, compliance, budget)
	_ = err
}

func (i *Instrumentation) label(key, value string) string {
	if i.guard == nil {
		return value
	}
	return i.guard.Admit(key, value)
}

func (i *Instrumentation) loggerFor(wc *loom.WorkflowContext) *slog.Logger {
	if i.logger == nil {
		return wc.Logger()
	}
	if wc == nil {
		return i.logger
	}
	return i.logger.With(
		slog.String("correlation_id", wc.CorrelationID()),
		slog.String("workflow_id", wc.WorkflowID()),
	)
}

// Start implements loom.Instrumentation.
func (i *Instrumentation) Start(ctx context.Context, wc *loom.WorkflowContext, info loom.Info) (context.Context, loom.Finish) {
	begin := time.Now()

	var corrID, wfID string
	if wc != nil {
		corrID, wfID = wc.CorrelationID(), wc.WorkflowID()
	}

	ctx, span := i.tracer.Start(ctx, "loom."+info.Type,
		trace.WithAttributes(
			attribute.String("loom.primitive.name", info.Name),
			attribute.String("loom.primitive.type", info.Type),
			attribute.String("loom.correlation_id", corrID),
			attribute.String("loom.workflow_id", wfID),
			attribute.Int("loom.step_index", info.StepIndex),
			attribute.Int("loom.branch_index", info.BranchIndex),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	logger := i.loggerFor(wc)
	logger.Info("primitive started",
		slog.String("primitive", info.Name),
		slog.String("type", info.Type),
		slog.Int("step_index", info.StepIndex),
		slog.Int("branch_index", info.BranchIndex),
	)

	setup := time.Since(begin)
	return ctx, func(r loom.Result) {
		finishAt := time.Now()
		elapsed := finishAt.Sub(begin) - setup

		outcome, kind := "success", ""
		if r.Err != nil {
			outcome, kind = "failure", string(loom.KindOf(r.Err))
			span.RecordError(r.Err)
			span.SetStatus(codes.Error, r.Err.Error())
			span.SetAttributes(attribute.String("loom.error.kind", kind))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		if r.Cost != 0 || r.NestedCost != 0 || r.Savings != 0 {
			span.SetAttributes(
				attribute.Float64("loom.cost", r.Cost),
				attribute.Float64("loom.cost.nested", r.NestedCost),
				attribute.Float64("loom.cost.savings", r.Savings),
			)
		}
		span.End()

		primitive := i.label(labelPrimitive, info.Name)
		i.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String(labelPrimitive, primitive),
			attribute.String("outcome", outcome),
			attribute.String("error_kind", kind),
		))
		i.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String(labelPrimitive, primitive),
			attribute.String("outcome", outcome),
		))
		if r.Cost != 0 {
			i.spend.Add(ctx, r.Cost, metric.WithAttributes(attribute.String(labelPrimitive, primitive)))
		}
		if r.Savings != 0 {
			i.savings.Add(ctx, r.Savings, metric.WithAttributes(attribute.String(labelPrimitive, primitive)))
		}

		if i.slo != nil {
			i.slo.Record(primitive, elapsed, r.Err)
		}
		if i.cost != nil {
			i.cost.Record(primitive, r.Cost, r.Savings)
		}

		attrs := []any{
			slog.String("primitive", info.Name),
			slog.String("type", info.Type),
			slog.Int("step_index", info.StepIndex),
			slog.Int("branch_index", info.BranchIndex),
			slog.Float64("duration_ms", float64(elapsed)/float64(time.Millisecond)),
			slog.String("outcome", outcome),
		}
		if r.Err != nil {
			logger.Error("primitive failed", append(attrs,
				slog.String("error_kind", kind),
				slog.String("error", r.Err.Error()),
			)...)
		} else {
			logger.Info("primitive completed", attrs...)
		}

		if i.rate != nil {
			overhead := setup + time.Since(finishAt)
			if total := elapsed + overhead; total > 0 {
				i.rate.Observe(100 * float64(overhead) / float64(total))
			}
		}
	}
}

// CacheLookup implements loom.Instrumentation.
func (i *Instrumentation) CacheLookup(ctx context.Context, _ *loom.WorkflowContext, primitive string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("loom.cache.hit", hit))
	i.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelPrimitive, i.label(labelPrimitive, primitive)),
		attribute.String("result", result),
	))
}

// BreakerStateChanged implements loom.Instrumentation.
func (i *Instrumentation) BreakerStateChanged(ctx context.Context, wc *loom.WorkflowContext, breaker, from, to string) {
	trace.SpanFromContext(ctx).AddEvent("loom.breaker.transition", trace.WithAttributes(
		attribute.String("loom.breaker.name", breaker),
		attribute.String("loom.breaker.from", from),
		attribute.String("loom.breaker.to", to),
	))
	i.breakerState.Record(ctx, breakerValue(to), metric.WithAttributes(
		attribute.String(labelBreaker, i.label(labelBreaker, breaker)),
	))
	i.loggerFor(wc).Warn("circuit breaker state changed",
		slog.String("breaker", breaker),
		slog.String("from", from),
		slog.String("to", to),
	)
}

func breakerValue(state string) int64 {
	switch state {
	case "open":
		return breakerOpen
	case "half_open":
		return breakerHalfOpen
	default:
		return breakerClosed
	}
}
