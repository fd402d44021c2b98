package config

import (
	"fmt"
	"time"
)

// DefaultHistogramBuckets are duration bucket boundaries in seconds, from
// 1ms to 60s.
func DefaultHistogramBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
}

// Development samples everything, exports in small batches, blocks on a
// full queue and allows generous label cardinality.
func Development() ObservabilityConfig {
	return ObservabilityConfig{
		Environment: EnvDevelopment,
		LogLevel:    "debug",
		Sampling: SamplingConfig{
			BaseRate:              1,
			AlwaysSampleErrors:    true,
			AlwaysSampleSlow:      true,
			SlowThreshold:         time.Second,
			MinRate:               1,
			MaxRate:               1,
			TargetOverheadPercent: 10,
			AdjustInterval:        10 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName:      "loom",
			Endpoint:         "localhost:4318",
			Insecure:         true,
			BatchSize:        64,
			ExportInterval:   time.Second,
			ExportTimeout:    10 * time.Second,
			MaxQueueSize:     1024,
			BlockOnQueueFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			MaxLabelValues:   1000,
			OverflowBuckets:  10,
			HistogramBuckets: DefaultHistogramBuckets(),
		},
		Storage: StorageConfig{
			BucketURL:     "mem://",
			Prefix:        "spans/",
			RetentionDays: 1,
		},
		SLO: SLOConfig{
			Window:        time.Hour,
			Slots:         60,
			DefaultTarget: 0.99,
		},
	}
}

// Staging keeps a quarter of ordinary traces and adapts the rate to
// overhead.
func Staging() ObservabilityConfig {
	c := Development()
	c.Environment = EnvStaging
	c.LogLevel = "info"
	c.Sampling = SamplingConfig{
		BaseRate:              0.25,
		AlwaysSampleErrors:    true,
		AlwaysSampleSlow:      true,
		SlowThreshold:         2 * time.Second,
		Adaptive:              true,
		MinRate:               0.05,
		MaxRate:               1,
		TargetOverheadPercent: 5,
		AdjustInterval:        30 * time.Second,
	}
	c.Tracing.Insecure = false
	c.Tracing.BatchSize = 256
	c.Tracing.ExportInterval = 2 * time.Second
	c.Tracing.MaxQueueSize = 4096
	c.Tracing.BlockOnQueueFull = false
	c.Metrics.MaxLabelValues = 500
	c.Metrics.OverflowBuckets = 20
	c.Storage.RetentionDays = 7
	c.Storage.Compression = true
	c.Storage.CompressionLevel = 6
	c.SLO.Window = 24 * time.Hour
	c.SLO.Slots = 96
	return c
}

// Production keeps few ordinary traces, drops spans rather than block
// callers, caps label cardinality tightly and compresses archives.
func Production() ObservabilityConfig {
	c := Staging()
	c.Environment = EnvProduction
	c.Sampling.BaseRate = 0.05
	c.Sampling.MinRate = 0.01
	c.Sampling.MaxRate = 0.2
	c.Sampling.TargetOverheadPercent = 2
	c.Sampling.AdjustInterval = time.Minute
	c.Sampling.MaxTracesPerSecond = 100
	c.Tracing.BatchSize = 512
	c.Tracing.ExportInterval = 5 * time.Second
	c.Tracing.ExportTimeout = 30 * time.Second
	c.Tracing.MaxQueueSize = 8192
	c.Metrics.MaxLabelValues = 200
	c.Metrics.OverflowBuckets = 10
	c.Storage.RetentionDays = 30
	c.Storage.CompressionLevel = 9
	c.SLO.Window = 30 * 24 * time.Hour
	c.SLO.Slots = 720
	c.SLO.DefaultTarget = 0.999
	return c
}

// Preset returns the built-in preset for env.
func Preset(env string) (ObservabilityConfig, error) {
	switch env {
	case EnvDevelopment:
		return Development(), nil
	case EnvStaging:
		return Staging(), nil
	case EnvProduction:
		return Production(), nil
	default:
		return ObservabilityConfig{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
}

// Option adjusts a config before it is validated.
type Option func(*ObservabilityConfig)

// New builds a validated config from the preset for env.
func New(env string, opts ...Option) (*ObservabilityConfig, error) {
	base, err := Preset(env)
	if err != nil {
		return nil, err
	}
	cfg := &base
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithServiceName sets the service name reported on spans.
func WithServiceName(name string) Option {
	return func(c *ObservabilityConfig) { c.Tracing.ServiceName = name }
}

// WithEndpoint enables OTLP export to the collector at endpoint.
func WithEndpoint(endpoint string) Option {
	return func(c *ObservabilityConfig) {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = endpoint
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *ObservabilityConfig) { c.LogLevel = level }
}

// WithSampling replaces the sampling settings.
func WithSampling(s SamplingConfig) Option {
	return func(c *ObservabilityConfig) { c.Sampling = s }
}

// WithTracing replaces the tracing settings.
func WithTracing(t TracingConfig) Option {
	return func(c *ObservabilityConfig) { c.Tracing = t }
}

// WithMetrics replaces the metrics settings.
func WithMetrics(m MetricsConfig) Option {
	return func(c *ObservabilityConfig) { c.Metrics = m }
}

// WithStorage replaces the span archive settings.
func WithStorage(s StorageConfig) Option {
	return func(c *ObservabilityConfig) { c.Storage = s }
}

// WithSLO replaces the SLO settings.
func WithSLO(s SLOConfig) Option {
	return func(c *ObservabilityConfig) { c.SLO = s }
}

// WithObjective declares an objective for one primitive.
func WithObjective(o ObjectiveConfig) Option {
	return func(c *ObservabilityConfig) { c.SLO.Objectives = append(c.SLO.Objectives, o) }
}
