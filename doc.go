// Package loom provides composable, typed workflow primitives for Go.
//
// A primitive is a small execution unit that maps an input to an output.
// Primitives compose sequentially or in parallel into pipelines, can be
// routed between at runtime, and can be wrapped with resilience patterns
// (retry, fallback, timeout, circuit breaker, saga compensation) from the
// recovery package.
//
// Every child executed by a composition operator is automatically
// instrumented through the Instrumentation carried by the WorkflowContext.
// The observability package provides the OpenTelemetry-backed
// implementation; the engine package wires it together from a single
// validated configuration.
//
// # Quick Start
//
//	fetch := loom.Func("fetch", func(ctx context.Context, wc *loom.WorkflowContext, url string) ([]byte, error) {
//	    return download(ctx, url)
//	})
//	parse := loom.Func("parse", parseDocument)
//
//	pipeline := loom.Then("ingest", fetch, parse)
//
//	wc := loom.NewWorkflowContext()
//	doc, err := loom.Run(ctx, wc, pipeline, "https://example.com")
//
// # Errors
//
// Failures are classified into a small taxonomy (see Kind). Every typed
// error unwraps to its cause, and KindOf reports the outermost kind in a
// chain. Run annotates uncaught errors with the failing primitive's name
// and the correlation and workflow identifiers.
package loom
