// Package observability turns primitive executions into OpenTelemetry
// spans and metrics and structured JSON logs.
//
// Instrumentation is the loom.Instrumentation used in production. Around
// it sit the pieces that keep telemetry affordable:
//
//   - CardinalityGuard caps the distinct values of every metric label.
//   - AdaptiveRate and TailSampler decide which traces are exported.
//   - NewTracerProvider and NewMeterProvider build the OTLP and Prometheus
//     pipelines from a config.ObservabilityConfig.
//   - SpanArchive keeps exported spans in a blob bucket for later analysis.
package observability
