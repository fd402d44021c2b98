package engine_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/loom"
	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/config"
	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/recovery"
	"github.com/xraph/loom/store/memory"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func devConfig(t *testing.T, opts ...config.Option) *config.ObservabilityConfig {
	t.Helper()
	cfg, err := config.New(config.EnvDevelopment, append([]config.Option{config.WithServiceName("orders")}, opts...)...)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return cfg
}

type testEngine struct {
	*engine.Engine
	spans  *tracetest.InMemoryExporter
	reader *sdkmetric.ManualReader
}

func newEngine(t *testing.T, cfg *config.ObservabilityConfig, opts ...engine.Option) *testEngine {
	t.Helper()
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	base := []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogOutput(io.Discard),
		engine.WithSpanExporter(spans),
		engine.WithMetricReader(reader),
	}
	eng, err := engine.New(context.Background(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return &testEngine{Engine: eng, spans: spans, reader: reader}
}

func (e *testEngine) flush(t *testing.T) {
	t.Helper()
	if err := e.TracerProvider().ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
}

func (e *testEngine) metric(t *testing.T, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := e.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func double() loom.Primitive[int, int] {
	return loom.Func("double", func(ctx context.Context, _ *loom.WorkflowContext, in int) (int, error) {
		loom.ReportCost(ctx, 0.01)
		return in * 2, nil
	})
}

// ──────────────────────────────────────────────────
// Pipeline wiring
// ──────────────────────────────────────────────────

func TestEngine_RunsInstrumentedPipeline(t *testing.T) {
	eng := newEngine(t, devConfig(t))

	pipeline := loom.Sequential("pipeline", double(), double())
	wc := eng.NewWorkflowContext(loom.WithCorrelationID("corr_e2e"))

	out, err := loom.Run(context.Background(), wc, pipeline, 3)
	if err != nil || out != 12 {
		t.Fatalf("Run = %d, %v; want 12, nil", out, err)
	}

	eng.flush(t)
	spans := eng.spans.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("exported spans = %d, want 3", len(spans))
	}
	for _, s := range spans {
		for _, kv := range s.Attributes {
			if kv.Key == "loom.correlation_id" && kv.Value.AsString() != "corr_e2e" {
				t.Errorf("span %q correlation id = %q", s.Name, kv.Value.AsString())
			}
		}
	}

	if m := eng.metric(t, "loom.primitive.requests"); m == nil {
		t.Error("loom.primitive.requests not recorded")
	}
	if st := eng.SLO().Status("double"); st.Total != 2 || st.Good != 2 {
		t.Errorf("slo status = %+v", st)
	}
	if total := eng.Cost().Total(); total.Cost != 0.02 {
		t.Errorf("total cost = %v, want 0.02", total.Cost)
	}
}

func TestEngine_ObjectivesFromConfig(t *testing.T) {
	cfg := devConfig(t, config.WithObjective(config.ObjectiveConfig{Primitive: "double", Target: 0.5}))
	eng := newEngine(t, cfg)

	if got := eng.SLO().Objective("double").Target; got != 0.5 {
		t.Errorf("objective target = %v, want 0.5", got)
	}
	if got := eng.SLO().Objective("other").Target; got != cfg.SLO.DefaultTarget {
		t.Errorf("default target = %v, want %v", got, cfg.SLO.DefaultTarget)
	}
}

type countingInstrumentation struct {
	started atomic.Int32
}

func (c *countingInstrumentation) Start(ctx context.Context, _ *loom.WorkflowContext, _ loom.Info) (context.Context, loom.Finish) {
	c.started.Add(1)
	return ctx, func(loom.Result) {}
}
func (c *countingInstrumentation) CacheLookup(context.Context, *loom.WorkflowContext, string, bool) {}
func (c *countingInstrumentation) BreakerStateChanged(context.Context, *loom.WorkflowContext, string, string, string) {
}

func TestEngine_ExtraInstrumentation(t *testing.T) {
	extra := &countingInstrumentation{}
	eng := newEngine(t, devConfig(t), engine.WithInstrumentation(extra))

	_, _ = loom.Run(context.Background(), eng.NewWorkflowContext(), double(), 1)
	if extra.started.Load() != 1 {
		t.Errorf("extra instrumentation saw %d starts, want 1", extra.started.Load())
	}
	eng.flush(t)
	if len(eng.spans.GetSpans()) != 1 {
		t.Error("engine instrumentation should still record spans")
	}
}

// ──────────────────────────────────────────────────
// Reload
// ──────────────────────────────────────────────────

func TestEngine_ReloadUpdatesSampling(t *testing.T) {
	eng := newEngine(t, devConfig(t))

	next := eng.Config().Clone()
	next.Sampling.BaseRate = 0
	next.Sampling.MinRate = 0
	next.Sampling.AlwaysSampleErrors = false
	if err := eng.Reload(next); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if eng.Config().Sampling.BaseRate != 0 {
		t.Errorf("config base rate = %v, want 0", eng.Config().Sampling.BaseRate)
	}
	if got := eng.TracerProvider().Rate.Rate(); got != 0 {
		t.Errorf("sampler rate = %v, want 0", got)
	}

	_, _ = loom.Run(context.Background(), eng.NewWorkflowContext(), double(), 1)
	eng.flush(t)
	if n := len(eng.spans.GetSpans()); n != 0 {
		t.Errorf("exported spans = %d, want 0 after reload", n)
	}
}

func TestEngine_ReloadRejectsInvalid(t *testing.T) {
	eng := newEngine(t, devConfig(t))
	before := eng.Config()

	bad := before.Clone()
	bad.Sampling.BaseRate = 2
	err := eng.Reload(bad)
	if !errors.Is(err, loom.ErrValidation) {
		t.Fatalf("Reload = %v, want validation error", err)
	}
	if eng.Config() != before {
		t.Error("invalid reload must leave the config untouched")
	}
}

// ──────────────────────────────────────────────────
// Metrics endpoint
// ──────────────────────────────────────────────────

func TestEngine_MetricsHandler(t *testing.T) {
	eng := newEngine(t, devConfig(t))
	_, _ = loom.Run(context.Background(), eng.NewWorkflowContext(), double(), 1)

	srv := httptest.NewServer(eng.MetricsHandler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "loom_primitive_requests") {
		t.Errorf("exposition missing loom_primitive_requests:\n%s", body)
	}
}

func TestEngine_MetricsDisabled(t *testing.T) {
	cfg := devConfig(t)
	cfg.Metrics.Enabled = false
	eng := newEngine(t, cfg)

	_, _ = loom.Run(context.Background(), eng.NewWorkflowContext(), double(), 1)

	families, err := eng.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "loom_") {
			t.Errorf("unexpected metric family %q while metrics are disabled", f.GetName())
		}
	}
}

// ──────────────────────────────────────────────────
// Breakers
// ──────────────────────────────────────────────────

func TestEngine_BreakersShareStore(t *testing.T) {
	eng := newEngine(t, devConfig(t), engine.WithBreakerStore(memory.New()))

	cfg := circuit.Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, ProbeTimeout: time.Second}
	a, err := eng.Breaker("payments", cfg)
	if err != nil {
		t.Fatalf("Breaker: %v", err)
	}
	b, _ := eng.Breaker("payments", cfg)

	boom := errors.New("boom")
	failing := loom.Func("charge", func(context.Context, *loom.WorkflowContext, int) (int, error) {
		return 0, boom
	})
	guarded := recovery.CircuitBreaker(failing, a)
	for i := 0; i < 2; i++ {
		_, _ = loom.Run(context.Background(), eng.NewWorkflowContext(), loom.Primitive[int, int](guarded), 1)
	}

	state, err := b.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != circuit.Open {
		t.Errorf("shared breaker state = %v, want open", state)
	}

	if m := eng.metric(t, "loom.breaker.state"); m == nil {
		t.Error("loom.breaker.state not recorded")
	}
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_ConfigFromEnvironment(t *testing.T) {
	t.Setenv("LOOM_ENV", config.EnvStaging)
	t.Setenv("LOOM_SERVICE_NAME", "from-env")
	t.Setenv("LOOM_TRACING_ENABLED", "false")
	t.Setenv("LOOM_STORAGE_ENABLED", "false")

	eng, err := engine.New(context.Background(),
		engine.WithLogOutput(io.Discard),
		engine.WithSpanExporter(tracetest.NewInMemoryExporter()),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	defer func() { _ = eng.Shutdown(context.Background()) }()

	if eng.Config().Environment != config.EnvStaging || eng.Config().Tracing.ServiceName != "from-env" {
		t.Errorf("config = %+v", eng.Config())
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := devConfig(t)
	cfg.Metrics.OverflowBuckets = 0
	if _, err := engine.New(context.Background(), engine.WithConfig(cfg), engine.WithLogOutput(io.Discard)); !errors.Is(err, loom.ErrValidation) {
		t.Errorf("engine.New = %v, want validation error", err)
	}
}

func TestEngine_PruneWithoutArchive(t *testing.T) {
	eng := newEngine(t, devConfig(t))
	n, err := eng.PruneArchive(context.Background())
	if err != nil || n != 0 {
		t.Errorf("PruneArchive = %d, %v; want 0, nil", n, err)
	}
}
