package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/xraph/loom/config"
)

// NewMeterProvider returns a MeterProvider whose instruments are exposed
// on reg for Prometheus to scrape. Extra options, such as another reader,
// are appended.
func NewMeterProvider(cfg *config.ObservabilityConfig, reg *prometheus.Registry, opts ...sdkmetric.Option) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("loom/observability: prometheus exporter: %w", err)
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	base := []sdkmetric.Option{
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: "loom.primitive.duration"},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: cfg.Metrics.HistogramBuckets,
			}},
		)),
	}
	return sdkmetric.NewMeterProvider(append(base, opts...)...), nil
}

// MetricsHandler serves the Prometheus text exposition of reg.
func MetricsHandler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
