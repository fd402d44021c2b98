package loom_test

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/xraph/loom"
)

// recorder is an Instrumentation that captures every event.
type recorder struct {
	mu       sync.Mutex
	started  []loom.Info
	finished []finishedCall
	lookups  []cacheLookup
	breakers []breakerChange
}

type finishedCall struct {
	Info   loom.Info
	Result loom.Result
}

type cacheLookup struct {
	Primitive string
	Hit       bool
}

type breakerChange struct {
	Breaker, From, To string
}

func (r *recorder) Start(ctx context.Context, _ *loom.WorkflowContext, info loom.Info) (context.Context, loom.Finish) {
	r.mu.Lock()
	r.started = append(r.started, info)
	r.mu.Unlock()
	return ctx, func(res loom.Result) {
		r.mu.Lock()
		r.finished = append(r.finished, finishedCall{Info: info, Result: res})
		r.mu.Unlock()
	}
}

func (r *recorder) CacheLookup(_ context.Context, _ *loom.WorkflowContext, primitive string, hit bool) {
	r.mu.Lock()
	r.lookups = append(r.lookups, cacheLookup{Primitive: primitive, Hit: hit})
	r.mu.Unlock()
}

func (r *recorder) BreakerStateChanged(_ context.Context, _ *loom.WorkflowContext, breaker, from, to string) {
	r.mu.Lock()
	r.breakers = append(r.breakers, breakerChange{Breaker: breaker, From: from, To: to})
	r.mu.Unlock()
}

func (r *recorder) Started() []loom.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]loom.Info(nil), r.started...)
}

func (r *recorder) Finished() []finishedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]finishedCall(nil), r.finished...)
}

func (r *recorder) finishedFor(name string) (finishedCall, bool) {
	for _, f := range r.Finished() {
		if f.Info.Name == name {
			return f, true
		}
	}
	return finishedCall{}, false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newContext(ins loom.Instrumentation) *loom.WorkflowContext {
	return loom.NewWorkflowContext(
		loom.WithInstrumentation(ins),
		loom.WithLogger(testLogger()),
	)
}

func add(name string, n int) loom.Primitive[int, int] {
	return loom.Func(name, func(_ context.Context, _ *loom.WorkflowContext, in int) (int, error) {
		return in + n, nil
	})
}

func double(name string) loom.Primitive[int, int] {
	return loom.Func(name, func(_ context.Context, _ *loom.WorkflowContext, in int) (int, error) {
		return in * 2, nil
	})
}

func failing(name string, err error) loom.Primitive[int, int] {
	return loom.Func(name, func(_ context.Context, _ *loom.WorkflowContext, _ int) (int, error) {
		return 0, err
	})
}
