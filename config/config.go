// Package config defines the observability configuration of a loom
// deployment: sampling, trace export, metrics cardinality, span archival
// and service level objectives.
//
// Every value is validated when it is built, never at first use:
//
//	cfg, err := config.New(config.EnvProduction,
//	    config.WithServiceName("checkout"),
//	    config.WithEndpoint("otel-collector:4318"),
//	)
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/loom"
)

// Environments with a built-in preset.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// ErrUnknownEnvironment is returned for an environment with no preset.
var ErrUnknownEnvironment = errors.New("loom/config: unknown environment")

// SamplingConfig controls which traces are kept.
type SamplingConfig struct {
	// BaseRate is the fraction of traces kept when no rule forces a
	// decision.
	BaseRate float64 `yaml:"base_rate" json:"base_rate" validate:"gte=0,lte=1"`

	AlwaysSampleErrors bool          `yaml:"always_sample_errors" json:"always_sample_errors"`
	AlwaysSampleSlow   bool          `yaml:"always_sample_slow" json:"always_sample_slow"`
	SlowThreshold      time.Duration `yaml:"slow_threshold" json:"slow_threshold" validate:"gte=0"`

	// Adaptive lets the effective rate move between MinRate and MaxRate to
	// hold instrumentation overhead near TargetOverheadPercent.
	Adaptive              bool          `yaml:"adaptive" json:"adaptive"`
	MinRate               float64       `yaml:"min_rate" json:"min_rate" validate:"gte=0,lte=1"`
	MaxRate               float64       `yaml:"max_rate" json:"max_rate" validate:"gte=0,lte=1,gtefield=MinRate"`
	TargetOverheadPercent float64       `yaml:"target_overhead_percent" json:"target_overhead_percent" validate:"gt=0,lte=100"`
	AdjustInterval        time.Duration `yaml:"adjust_interval" json:"adjust_interval" validate:"gt=0"`

	// MaxTracesPerSecond caps ratio-sampled traces. Zero means no cap.
	MaxTracesPerSecond float64 `yaml:"max_traces_per_second" json:"max_traces_per_second" validate:"gte=0"`
}

// TracingConfig controls OTLP span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name" validate:"required"`

	// Endpoint is the OTLP/HTTP collector as host:port.
	Endpoint string `yaml:"endpoint" json:"endpoint" validate:"omitempty,hostname_port"`
	Insecure bool   `yaml:"insecure" json:"insecure"`

	BatchSize      int           `yaml:"batch_size" json:"batch_size" validate:"gt=0"`
	ExportInterval time.Duration `yaml:"export_interval" json:"export_interval" validate:"gt=0"`
	ExportTimeout  time.Duration `yaml:"export_timeout" json:"export_timeout" validate:"gt=0"`
	MaxQueueSize   int           `yaml:"max_queue_size" json:"max_queue_size" validate:"gtefield=BatchSize"`

	// BlockOnQueueFull applies backpressure to span producers when the
	// export queue is full. When false, new spans are dropped.
	BlockOnQueueFull bool `yaml:"block_on_queue_full" json:"block_on_queue_full"`
}

// MetricsConfig controls metric export and label cardinality.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxLabelValues bounds the distinct values of any one label key.
	MaxLabelValues int `yaml:"max_label_values" json:"max_label_values" validate:"gt=1"`

	// OverflowBuckets is how many of MaxLabelValues are reserved for
	// hashed overflow values.
	OverflowBuckets int `yaml:"overflow_buckets" json:"overflow_buckets" validate:"gte=1,ltfield=MaxLabelValues"`

	// HistogramBuckets are the duration bucket boundaries in seconds.
	HistogramBuckets []float64 `yaml:"histogram_buckets" json:"histogram_buckets" validate:"min=1,dive,gt=0"`
}

// StorageConfig controls archival of exported spans to blob storage.
type StorageConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// BucketURL is a gocloud.dev bucket URL (mem://, file://, s3://, gs://).
	BucketURL string `yaml:"bucket_url" json:"bucket_url"`
	Prefix    string `yaml:"prefix" json:"prefix"`

	RetentionDays    int  `yaml:"retention_days" json:"retention_days" validate:"gt=0"`
	Compression      bool `yaml:"compression" json:"compression"`
	CompressionLevel int  `yaml:"compression_level" json:"compression_level" validate:"gte=0,lte=9"`
}

// ObjectiveConfig declares the service level objective of one primitive.
type ObjectiveConfig struct {
	Primitive string  `yaml:"primitive" json:"primitive" validate:"required"`
	Target    float64 `yaml:"target" json:"target" validate:"gt=0,lte=1"`

	// LatencyThreshold, when set, also makes slower executions count as
	// bad.
	LatencyThreshold time.Duration `yaml:"latency_threshold" json:"latency_threshold" validate:"gte=0"`
}

// SLOConfig controls error budget tracking.
type SLOConfig struct {
	Window time.Duration `yaml:"window" json:"window" validate:"gt=0"`

	// Slots is the number of ring buffer slots the window is split into.
	Slots int `yaml:"slots" json:"slots" validate:"gte=12"`

	// DefaultTarget applies to primitives without a declared objective.
	DefaultTarget float64           `yaml:"default_target" json:"default_target" validate:"gt=0,lte=1"`
	Objectives    []ObjectiveConfig `yaml:"objectives,omitempty" json:"objectives,omitempty" validate:"dive"`
}

// ObservabilityConfig aggregates every observability setting.
type ObservabilityConfig struct {
	Environment string `yaml:"environment" json:"environment" validate:"oneof=development staging production"`
	LogLevel    string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`

	Sampling SamplingConfig `yaml:"sampling" json:"sampling"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	SLO      SLOConfig      `yaml:"slo" json:"slo"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field rules. Every problem is
// reported in a single *loom.ValidationError.
func (c *ObservabilityConfig) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("loom/config: validate: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	problems = append(problems, c.crossFieldProblems()...)

	if len(problems) > 0 {
		return loom.NewValidationError("observability config", problems...)
	}
	return nil
}

func (c *ObservabilityConfig) crossFieldProblems() []string {
	var problems []string

	buckets := c.Metrics.HistogramBuckets
	for i := 1; i < len(buckets); i++ {
		if buckets[i] <= buckets[i-1] {
			problems = append(problems, fmt.Sprintf(
				"metrics.histogram_buckets: must be strictly increasing, %v follows %v", buckets[i], buckets[i-1]))
			break
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		problems = append(problems, "tracing.endpoint: required when tracing is enabled")
	}

	if c.Storage.Enabled && c.Storage.BucketURL == "" {
		problems = append(problems, "storage.bucket_url: required when storage is enabled")
	}

	if c.Storage.Enabled && c.Storage.Compression &&
		(c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 9) {
		problems = append(problems, fmt.Sprintf(
			"storage.compression_level: must be within 1..9 when compression is on, got %d", c.Storage.CompressionLevel))
	}

	if c.Sampling.AlwaysSampleSlow && c.Sampling.SlowThreshold <= 0 {
		problems = append(problems, "sampling.slow_threshold: must be > 0 when always_sample_slow is set")
	}

	seen := make(map[string]bool, len(c.SLO.Objectives))
	for _, o := range c.SLO.Objectives {
		if seen[o.Primitive] {
			problems = append(problems, fmt.Sprintf("slo.objectives: duplicate objective for %q", o.Primitive))
		}
		seen[o.Primitive] = true
	}

	return problems
}

// describe renders a validator failure as "path: rule".
func describe(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s (got %v)", path, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s: failed %s (got %v)", path, fe.Tag(), fe.Value())
}

// Clone returns a deep copy.
func (c *ObservabilityConfig) Clone() *ObservabilityConfig {
	out := *c
	out.Metrics.HistogramBuckets = append([]float64(nil), c.Metrics.HistogramBuckets...)
	out.SLO.Objectives = append([]ObjectiveConfig(nil), c.SLO.Objectives...)
	return &out
}

// Objective returns the declared objective for primitive.
func (c *SLOConfig) Objective(primitive string) (ObjectiveConfig, bool) {
	for _, o := range c.Objectives {
		if o.Primitive == primitive {
			return o, true
		}
	}
	return ObjectiveConfig{}, false
}
