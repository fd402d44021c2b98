package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/xraph/loom/config"
)

// TracerProvider is an SDK tracer provider whose spans pass through a
// TailSampler before export.
type TracerProvider struct {
	*sdktrace.TracerProvider

	Sampler *TailSampler
	Rate    *AdaptiveRate

	// Archive is nil unless span archiving is enabled.
	Archive *SpanArchive
}

// ProviderOption configures NewTracerProvider.
type ProviderOption func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	archive  *SpanArchive
	rate     *AdaptiveRate
}

// WithSpanExporter replaces the OTLP exporter.
func WithSpanExporter(e sdktrace.SpanExporter) ProviderOption {
	return func(o *providerOptions) { o.exporter = e }
}

// WithSpanArchive sets the archive instead of opening one from the
// storage config.
func WithSpanArchive(a *SpanArchive) ProviderOption {
	return func(o *providerOptions) { o.archive = a }
}

// WithSampleRate shares an existing AdaptiveRate with the sampler.
func WithSampleRate(r *AdaptiveRate) ProviderOption {
	return func(o *providerOptions) { o.rate = r }
}

// NewTracerProvider builds the tracing pipeline described by cfg:
//
//	tracer -> TailSampler -> BatchSpanProcessor -> OTLP/HTTP exporter
//	                      -> BatchSpanProcessor -> SpanArchive (when storage is enabled)
//
// The batch processors are sized from cfg.Tracing. With BlockOnQueueFull
// they apply backpressure when the queue is full; otherwise new spans are
// dropped.
func NewTracerProvider(ctx context.Context, cfg *config.ObservabilityConfig, opts ...ProviderOption) (*TracerProvider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.exporter == nil && cfg.Tracing.Enabled {
		exp, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		o.exporter = exp
	}
	if o.archive == nil && cfg.Storage.Enabled {
		a, err := OpenArchive(ctx, cfg.Storage, WithArchiveService(cfg.Tracing.ServiceName))
		if err != nil {
			return nil, err
		}
		o.archive = a
	}
	if o.rate == nil {
		o.rate = NewAdaptiveRate(cfg.Sampling)
	}

	var next fanout
	if o.exporter != nil {
		next = append(next, sdktrace.NewBatchSpanProcessor(o.exporter, batchOptions(cfg.Tracing)...))
	}
	if o.archive != nil {
		next = append(next, sdktrace.NewBatchSpanProcessor(o.archive, batchOptions(cfg.Tracing)...))
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	sampler := NewTailSampler(next, cfg.Sampling, o.rate, cfg.Tracing.MaxQueueSize)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(sampler),
		sdktrace.WithResource(res),
	)

	return &TracerProvider{
		TracerProvider: tp,
		Sampler:        sampler,
		Rate:           o.rate,
		Archive:        o.archive,
	}, nil
}

// Update applies new sampling settings to the sampler and its rate.
func (p *TracerProvider) Update(cfg config.SamplingConfig) {
	p.Rate.Update(cfg)
	p.Sampler.Update(cfg)
}

func newOTLPExporter(ctx context.Context, cfg *config.ObservabilityConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Tracing.Endpoint),
	}
	if cfg.Tracing.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.Tracing.ExportTimeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Tracing.ExportTimeout))
	}
	if cfg.Storage.Compression {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loom/observability: otlp exporter: %w", err)
	}
	return exp, nil
}

func batchOptions(cfg config.TracingConfig) []sdktrace.BatchSpanProcessorOption {
	var opts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchSize > 0 {
		opts = append(opts, sdktrace.WithMaxExportBatchSize(cfg.BatchSize))
	}
	if cfg.MaxQueueSize > 0 {
		opts = append(opts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.ExportInterval > 0 {
		opts = append(opts, sdktrace.WithBatchTimeout(cfg.ExportInterval))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}
	if cfg.BlockOnQueueFull {
		opts = append(opts, sdktrace.WithBlocking())
	}
	return opts
}

// newResource describes the service for both tracing and metrics.
func newResource(cfg *config.ObservabilityConfig) (*resource.Resource, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.Tracing.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/observability: resource: %w", err)
	}
	return r, nil
}
