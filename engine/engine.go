package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/xraph/loom"
	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/config"
	"github.com/xraph/loom/cost"
	"github.com/xraph/loom/observability"
	"github.com/xraph/loom/slo"
	"github.com/xraph/loom/store"
)

// scopeName is the instrumentation scope for tracers and meters created by
// the engine.
const scopeName = "github.com/xraph/loom"

// Engine owns the observability pipeline shared by every workflow of a
// process: providers, logger, trackers and the Instrumentation built on
// them.
type Engine struct {
	holder *config.Holder
	logger *slog.Logger

	registry       *prometheus.Registry
	tracerProvider *observability.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	guard *observability.CardinalityGuard
	slo   *slo.Tracker
	cost  *cost.Tracker
	instr loom.Instrumentation

	breakerStore circuit.Store
	ownedStore   store.Store

	// Construction-time options.
	cfg          *config.ObservabilityConfig
	logOutput    io.Writer
	spanExporter sdktrace.SpanExporter
	archive      *observability.SpanArchive
	readers      []sdkmetric.Reader
	extra        []loom.Instrumentation
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the observability config. Without it the config is
// resolved from the environment (LOOM_ENV and friends).
func WithConfig(cfg *config.ObservabilityConfig) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger instead of building a JSON logger from the
// config.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithLogOutput sets where the JSON logger writes. Defaults to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(eng *Engine) { eng.logOutput = w }
}

// WithSpanExporter replaces the OTLP span exporter.
func WithSpanExporter(e sdktrace.SpanExporter) Option {
	return func(eng *Engine) { eng.spanExporter = e }
}

// WithSpanArchive sets the span archive instead of opening one from the
// storage config.
func WithSpanArchive(a *observability.SpanArchive) Option {
	return func(eng *Engine) { eng.archive = a }
}

// WithRegistry sets the Prometheus registry metrics are exposed on.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(eng *Engine) { eng.registry = reg }
}

// WithMetricReader adds a reader next to the Prometheus exporter.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(eng *Engine) { eng.readers = append(eng.readers, r) }
}

// WithInstrumentation adds an instrumentation that receives every event
// alongside the engine's own.
func WithInstrumentation(ins loom.Instrumentation) Option {
	return func(eng *Engine) { eng.extra = append(eng.extra, ins) }
}

// WithBreakerStore sets the store breakers created by Breaker share. The
// engine closes it on Shutdown. Defaults to an in-process store.
func WithBreakerStore(s store.Store) Option {
	return func(eng *Engine) {
		eng.breakerStore = s
		eng.ownedStore = s
	}
}

// New builds an Engine.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	eng := &Engine{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(eng)
	}

	cfg := eng.cfg
	if cfg == nil {
		var err error
		if cfg, err = config.FromEnv(); err != nil {
			return nil, err
		}
	}
	holder, err := config.NewHolder(cfg)
	if err != nil {
		return nil, err
	}
	eng.holder = holder
	cfg = holder.Load()

	if eng.logger == nil {
		eng.logger = observability.NewLogger(eng.logOutput, cfg.LogLevel)
	}
	if eng.breakerStore == nil {
		eng.breakerStore = circuit.NewMemoryStore()
	}
	if eng.registry == nil {
		eng.registry = prometheus.NewRegistry()
	}

	// Tracing.
	var tpOpts []observability.ProviderOption
	if eng.spanExporter != nil {
		tpOpts = append(tpOpts, observability.WithSpanExporter(eng.spanExporter))
	}
	if eng.archive != nil {
		tpOpts = append(tpOpts, observability.WithSpanArchive(eng.archive))
	}
	eng.tracerProvider, err = observability.NewTracerProvider(ctx, cfg, tpOpts...)
	if err != nil {
		return nil, fmt.Errorf("loom/engine: tracer provider: %w", err)
	}

	// Metrics.
	var meter metric.Meter = noop.NewMeterProvider().Meter(scopeName)
	if cfg.Metrics.Enabled {
		var mpOpts []sdkmetric.Option
		for _, r := range eng.readers {
			mpOpts = append(mpOpts, sdkmetric.WithReader(r))
		}
		eng.meterProvider, err = observability.NewMeterProvider(cfg, eng.registry, mpOpts...)
		if err != nil {
			_ = eng.tracerProvider.Shutdown(ctx)
			return nil, fmt.Errorf("loom/engine: meter provider: %w", err)
		}
		meter = eng.meterProvider.Meter(scopeName)
	}

	// Trackers.
	eng.guard, err = observability.NewCardinalityGuard(cfg.Metrics.MaxLabelValues, cfg.Metrics.OverflowBuckets)
	if err != nil {
		return nil, eng.abort(ctx, err)
	}
	eng.slo, err = slo.New(cfg.SLO.Window, cfg.SLO.Slots,
		slo.WithDefaultTarget(cfg.SLO.DefaultTarget),
		slo.WithObjectives(objectives(cfg.SLO)...),
		slo.WithBuckets(cfg.Metrics.HistogramBuckets),
	)
	if err != nil {
		return nil, eng.abort(ctx, err)
	}
	eng.cost = cost.New()

	ins := observability.NewInstrumentation(
		observability.WithTracer(eng.tracerProvider.Tracer(scopeName)),
		observability.WithMeter(meter),
		observability.WithLogger(eng.logger),
		observability.WithGuard(eng.guard),
		observability.WithSLO(eng.slo),
		observability.WithCost(eng.cost),
		observability.WithAdaptiveRate(eng.tracerProvider.Rate),
		observability.WithHistogramBuckets(cfg.Metrics.HistogramBuckets),
	)
	eng.instr = ins
	if len(eng.extra) > 0 {
		eng.instr = loom.Multi(append([]loom.Instrumentation{ins}, eng.extra...)...)
	}

	eng.logger.Info("loom engine started",
		slog.String("environment", cfg.Environment),
		slog.String("service", cfg.Tracing.ServiceName),
		slog.Bool("tracing", cfg.Tracing.Enabled),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.Bool("archive", eng.tracerProvider.Archive != nil),
		slog.Float64("sample_rate", eng.tracerProvider.Rate.Rate()),
	)
	return eng, nil
}

func (eng *Engine) abort(ctx context.Context, err error) error {
	_ = eng.shutdownProviders(ctx)
	return err
}

func objectives(cfg config.SLOConfig) []slo.Objective {
	out := make([]slo.Objective, 0, len(cfg.Objectives))
	for _, o := range cfg.Objectives {
		out = append(out, slo.Objective{
			Primitive:        o.Primitive,
			Target:           o.Target,
			LatencyThreshold: o.LatencyThreshold,
		})
	}
	return out
}

// NewWorkflowContext creates a context bound to the engine's
// instrumentation and logger. opts are applied after the engine's, so they
// can override either.
func (eng *Engine) NewWorkflowContext(opts ...loom.ContextOption) *loom.WorkflowContext {
	base := []loom.ContextOption{
		loom.WithInstrumentation(eng.instr),
		loom.WithLogger(eng.logger),
	}
	return loom.NewWorkflowContext(append(base, opts...)...)
}

// Breaker creates a circuit breaker backed by the engine's breaker store.
func (eng *Engine) Breaker(name string, cfg circuit.Config, opts ...circuit.Option) (*circuit.Breaker, error) {
	base := []circuit.Option{
		circuit.WithStore(eng.breakerStore),
		circuit.WithLogger(eng.logger),
	}
	return circuit.New(name, cfg, append(base, opts...)...)
}

// Reload validates cfg and swaps it in. Sampling settings take effect
// immediately; the other sections are read at construction and need a new
// Engine.
func (eng *Engine) Reload(cfg *config.ObservabilityConfig) error {
	if err := eng.holder.Store(cfg); err != nil {
		return err
	}
	next := eng.holder.Load()
	eng.tracerProvider.Update(next.Sampling)

	eng.logger.Info("observability config reloaded",
		slog.String("environment", next.Environment),
		slog.Float64("sample_rate", eng.tracerProvider.Rate.Rate()),
		slog.Bool("adaptive", next.Sampling.Adaptive),
	)
	return nil
}

// Config returns the current config. Callers must not modify it.
func (eng *Engine) Config() *config.ObservabilityConfig { return eng.holder.Load() }

// MetricsHandler serves the Prometheus exposition of the engine's metrics.
func (eng *Engine) MetricsHandler() http.Handler {
	return observability.MetricsHandler(eng.registry)
}

// PruneArchive deletes archived spans past retention. It is a no-op
// without an archive.
func (eng *Engine) PruneArchive(ctx context.Context) (int, error) {
	if eng.tracerProvider.Archive == nil {
		return 0, nil
	}
	n, err := eng.tracerProvider.Archive.Prune(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		eng.logger.Info("pruned archived spans", slog.Int("objects", n))
	}
	return n, nil
}

// Instrumentation returns the instrumentation bound to new contexts.
func (eng *Engine) Instrumentation() loom.Instrumentation { return eng.instr }

// Logger returns the engine's logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// SLO returns the SLO tracker.
func (eng *Engine) SLO() *slo.Tracker { return eng.slo }

// Cost returns the cost tracker.
func (eng *Engine) Cost() *cost.Tracker { return eng.cost }

// Guard returns the label cardinality guard.
func (eng *Engine) Guard() *observability.CardinalityGuard { return eng.guard }

// TracerProvider returns the tracer provider.
func (eng *Engine) TracerProvider() *observability.TracerProvider { return eng.tracerProvider }

// Registry returns the Prometheus registry.
func (eng *Engine) Registry() *prometheus.Registry { return eng.registry }

// Shutdown flushes pending telemetry and stops the providers.
func (eng *Engine) Shutdown(ctx context.Context) error {
	err := eng.shutdownProviders(ctx)
	if eng.ownedStore != nil {
		if cerr := eng.ownedStore.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("loom/engine: close breaker store: %w", cerr))
		}
	}
	if err != nil {
		eng.logger.Error("loom engine shutdown error", slog.String("error", err.Error()))
		return err
	}
	eng.logger.Info("loom engine stopped")
	return nil
}

func (eng *Engine) shutdownProviders(ctx context.Context) error {
	var errs []error
	if eng.tracerProvider != nil {
		if err := eng.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("loom/engine: tracer provider: %w", err))
		}
	}
	if eng.meterProvider != nil {
		if err := eng.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("loom/engine: meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
