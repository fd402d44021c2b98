package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file layered over the preset named by its
// environment key (development when absent).
func Load(path string) (*ObservabilityConfig, error) {
	return LoadFile(path, "")
}

// LoadFile reads a YAML config file layered over the preset for env. An
// empty env falls back to the file's environment key.
func LoadFile(path, env string) (*ObservabilityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loom/config: read %s: %w", path, err)
	}
	cfg, err := Parse(data, env)
	if err != nil {
		return nil, fmt.Errorf("loom/config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the preset for env and validates the result.
// Fields absent from data keep their preset values; lists are replaced.
func Parse(data []byte, env string) (*ObservabilityConfig, error) {
	if env == "" {
		var head struct {
			Environment string `yaml:"environment"`
		}
		if err := yaml.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		env = head.Environment
	}
	if env == "" {
		env = EnvDevelopment
	}

	base, err := Preset(env)
	if err != nil {
		return nil, err
	}
	cfg := &base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	cfg.Environment = env

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *ObservabilityConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// FromEnv builds a config from the preset named by LOOM_ENV (development
// when unset) with LOOM_* overrides applied.
func FromEnv() (*ObservabilityConfig, error) {
	env := os.Getenv("LOOM_ENV")
	if env == "" {
		env = EnvDevelopment
	}
	base, err := Preset(env)
	if err != nil {
		return nil, err
	}
	cfg := &base
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays LOOM_* environment variables onto c. It returns an
// error if a variable cannot be parsed. The result is not validated.
func (c *ObservabilityConfig) LoadFromEnv() error {
	loadEnvString("LOOM_LOG_LEVEL", &c.LogLevel)
	loadEnvString("LOOM_SERVICE_NAME", &c.Tracing.ServiceName)
	loadEnvString("LOOM_STORAGE_BUCKET_URL", &c.Storage.BucketURL)
	loadEnvString("LOOM_STORAGE_PREFIX", &c.Storage.Prefix)

	if endpoint := os.Getenv("LOOM_OTLP_ENDPOINT"); endpoint != "" {
		c.Tracing.Endpoint = endpoint
		c.Tracing.Enabled = true
	}

	loaders := []func() error{
		func() error { return loadEnvBool("LOOM_TRACING_ENABLED", &c.Tracing.Enabled) },
		func() error { return loadEnvBool("LOOM_OTLP_INSECURE", &c.Tracing.Insecure) },
		func() error { return loadEnvBool("LOOM_METRICS_ENABLED", &c.Metrics.Enabled) },
		func() error { return loadEnvBool("LOOM_STORAGE_ENABLED", &c.Storage.Enabled) },
		func() error { return loadEnvBool("LOOM_SAMPLING_ADAPTIVE", &c.Sampling.Adaptive) },
		func() error { return loadEnvFloat("LOOM_SAMPLING_BASE_RATE", &c.Sampling.BaseRate) },
		func() error {
			return loadEnvFloat("LOOM_SAMPLING_MAX_TRACES_PER_SECOND", &c.Sampling.MaxTracesPerSecond)
		},
		func() error { return loadEnvInt("LOOM_TRACING_BATCH_SIZE", &c.Tracing.BatchSize) },
		func() error { return loadEnvInt("LOOM_TRACING_MAX_QUEUE_SIZE", &c.Tracing.MaxQueueSize) },
		func() error { return loadEnvInt("LOOM_METRICS_MAX_LABEL_VALUES", &c.Metrics.MaxLabelValues) },
		func() error { return loadEnvInt("LOOM_STORAGE_RETENTION_DAYS", &c.Storage.RetentionDays) },
		func() error { return loadEnvDuration("LOOM_SLO_WINDOW", &c.SLO.Window) },
		func() error { return loadEnvFloat("LOOM_SLO_DEFAULT_TARGET", &c.SLO.DefaultTarget) },
	}
	for _, load := range loaders {
		if err := load(); err != nil {
			return err
		}
	}
	return nil
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func loadEnvBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("loom/config: invalid %s: %q", key, s)
	}
	*dst = v
	return nil
}

func loadEnvFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("loom/config: invalid %s: %q", key, s)
	}
	*dst = v
	return nil
}

func loadEnvInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("loom/config: invalid %s: %q", key, s)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("loom/config: invalid %s: %q", key, s)
	}
	*dst = v
	return nil
}
