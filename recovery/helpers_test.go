package recovery_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/loom"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newContext(ins loom.Instrumentation) *loom.WorkflowContext {
	return loom.NewWorkflowContext(loom.WithInstrumentation(ins), loom.WithLogger(testLogger()))
}

// flaky fails the first n calls with err and then returns its input.
type flaky struct {
	name  string
	fails int32
	err   error
	calls atomic.Int32
}

func (f *flaky) Name() string { return f.name }

func (f *flaky) Execute(_ context.Context, _ *loom.WorkflowContext, in int) (int, error) {
	if n := f.calls.Add(1); n <= f.fails {
		return 0, f.err
	}
	return in, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// breakerEvents records breaker transitions reported to instrumentation.
type breakerEvents struct {
	mu          sync.Mutex
	transitions []string
	starts      []loom.Info
}

func (b *breakerEvents) Start(ctx context.Context, _ *loom.WorkflowContext, info loom.Info) (context.Context, loom.Finish) {
	b.mu.Lock()
	b.starts = append(b.starts, info)
	b.mu.Unlock()
	return ctx, func(loom.Result) {}
}

func (b *breakerEvents) CacheLookup(context.Context, *loom.WorkflowContext, string, bool) {}

func (b *breakerEvents) BreakerStateChanged(_ context.Context, _ *loom.WorkflowContext, _, from, to string) {
	b.mu.Lock()
	b.transitions = append(b.transitions, from+"->"+to)
	b.mu.Unlock()
}

func (b *breakerEvents) Transitions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.transitions...)
}

func (b *breakerEvents) Starts() []loom.Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]loom.Info(nil), b.starts...)
}
