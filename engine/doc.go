// Package engine is the composition root of a loom process. It turns one
// config.ObservabilityConfig into a running telemetry pipeline and hands
// out workflow contexts bound to it.
//
// # Building an Engine
//
//	cfg, err := config.New(config.EnvProduction,
//	    config.WithServiceName("checkout"),
//	    config.WithEndpoint("otel-collector:4318"),
//	)
//
//	eng, err := engine.New(ctx,
//	    engine.WithConfig(cfg),
//	    engine.WithBreakerStore(redisstore.New(client)),
//	)
//	defer eng.Shutdown(ctx)
//
// # Running Workflows
//
//	wc := eng.NewWorkflowContext(loom.WithCorrelationID(requestID))
//	out, err := loom.Run(ctx, wc, pipeline, input)
//
// # Options
//
//   - [WithConfig] sets the observability config
//   - [WithLogger] and [WithLogOutput] control logging
//   - [WithSpanExporter] and [WithSpanArchive] replace span destinations
//   - [WithRegistry] and [WithMetricReader] control metric export
//   - [WithInstrumentation] adds an extra instrumentation
//   - [WithBreakerStore] shares breaker state across processes
package engine
