package loom

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/loom/id"
)

// Checkpoint is one entry in a WorkflowContext's checkpoint log.
type Checkpoint struct {
	Name string
	At   time.Time
}

// WorkflowContext is the shared state of one execution tree. It is created
// once per top-level invocation and passed by pointer to every primitive in
// the tree, including every parallel branch.
//
// The identifiers are fixed at creation. The scratch map is safe for
// concurrent use, but concurrent branches writing the same key is a logic
// race the caller must avoid.
type WorkflowContext struct {
	correlationID string
	workflowID    string
	logger        *slog.Logger
	instr         Instrumentation
	now           func() time.Time

	mu      sync.RWMutex
	scratch map[string]any

	cpMu        sync.Mutex
	checkpoints []Checkpoint

	failMu   sync.Mutex
	failures []failure
}

// failure is a primitive error not yet recovered by an enclosing
// primitive. at identifies the invocation that produced it.
type failure struct {
	primitive string
	err       error
	at        *ledger
}

// ContextOption configures a WorkflowContext.
type ContextOption func(*WorkflowContext)

// WithCorrelationID sets the correlation identifier.
func WithCorrelationID(correlationID string) ContextOption {
	return func(wc *WorkflowContext) { wc.correlationID = correlationID }
}

// WithWorkflowID sets the workflow identifier.
func WithWorkflowID(workflowID string) ContextOption {
	return func(wc *WorkflowContext) { wc.workflowID = workflowID }
}

// WithLogger sets the logger primitives use for their own diagnostics.
func WithLogger(l *slog.Logger) ContextOption {
	return func(wc *WorkflowContext) { wc.logger = l }
}

// WithInstrumentation sets the instrumentation used to wrap composed
// primitives.
func WithInstrumentation(ins Instrumentation) ContextOption {
	return func(wc *WorkflowContext) { wc.instr = ins }
}

// WithClock overrides the clock used for checkpoint timestamps.
func WithClock(now func() time.Time) ContextOption {
	return func(wc *WorkflowContext) { wc.now = now }
}

// WithScratch seeds the scratch map. The map is copied.
func WithScratch(values map[string]any) ContextOption {
	return func(wc *WorkflowContext) {
		for k, v := range values {
			wc.scratch[k] = v
		}
	}
}

// NewWorkflowContext creates the context for one top-level invocation.
// Identifiers not supplied via options are generated.
func NewWorkflowContext(opts ...ContextOption) *WorkflowContext {
	wc := &WorkflowContext{
		logger:  slog.Default(),
		instr:   Nop(),
		now:     time.Now,
		scratch: make(map[string]any),
	}
	for _, opt := range opts {
		opt(wc)
	}
	if wc.correlationID == "" {
		wc.correlationID = id.NewCorrelationID().String()
	}
	if wc.workflowID == "" {
		wc.workflowID = id.NewWorkflowID().String()
	}
	if wc.instr == nil {
		wc.instr = Nop()
	}
	wc.logger = wc.logger.With(
		slog.String("correlation_id", wc.correlationID),
		slog.String("workflow_id", wc.workflowID),
	)
	return wc
}

// CorrelationID returns the correlation identifier.
func (wc *WorkflowContext) CorrelationID() string { return wc.correlationID }

// WorkflowID returns the workflow identifier.
func (wc *WorkflowContext) WorkflowID() string { return wc.workflowID }

// Logger returns a logger carrying the context's identifiers.
func (wc *WorkflowContext) Logger() *slog.Logger {
	if wc == nil {
		return slog.Default()
	}
	return wc.logger
}

// Instrumentation returns the instrumentation used for composed children.
func (wc *WorkflowContext) Instrumentation() Instrumentation {
	if wc == nil || wc.instr == nil {
		return Nop()
	}
	return wc.instr
}

// ──────────────────────────────────────────────────
// Scratch
// ──────────────────────────────────────────────────

// Get returns the scratch value stored under key.
func (wc *WorkflowContext) Get(key string) (any, bool) {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	v, ok := wc.scratch[key]
	return v, ok
}

// Set stores a scratch value under key.
func (wc *WorkflowContext) Set(key string, value any) {
	wc.mu.Lock()
	wc.scratch[key] = value
	wc.mu.Unlock()
}

// Delete removes key from the scratch map.
func (wc *WorkflowContext) Delete(key string) {
	wc.mu.Lock()
	delete(wc.scratch, key)
	wc.mu.Unlock()
}

// Keys returns the scratch keys in sorted order.
func (wc *WorkflowContext) Keys() []string {
	wc.mu.RLock()
	keys := make([]string, 0, len(wc.scratch))
	for k := range wc.scratch {
		keys = append(keys, k)
	}
	wc.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Value is a typed accessor for the scratch map. It reports false when the
// key is absent or holds a value of another type.
func Value[T any](wc *WorkflowContext, key string) (T, bool) {
	v, ok := wc.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// ──────────────────────────────────────────────────
// Checkpoints
// ──────────────────────────────────────────────────

// Checkpoint appends a named progress marker to the checkpoint log.
func (wc *WorkflowContext) Checkpoint(name string) {
	wc.cpMu.Lock()
	wc.checkpoints = append(wc.checkpoints, Checkpoint{Name: name, At: wc.now()})
	wc.cpMu.Unlock()
}

// Checkpoints returns a copy of the checkpoint log in append order.
func (wc *WorkflowContext) Checkpoints() []Checkpoint {
	wc.cpMu.Lock()
	defer wc.cpMu.Unlock()
	out := make([]Checkpoint, len(wc.checkpoints))
	copy(out, wc.checkpoints)
	return out
}

// ──────────────────────────────────────────────────
// Failure attribution
// ──────────────────────────────────────────────────

// noteFailure records that the invocation at failed with err. It is skipped
// when a descendant of at already recorded an error in err's chain, so the
// deepest failing primitive is kept.
func (wc *WorkflowContext) noteFailure(at *ledger, primitive string, err error) {
	if wc == nil || err == nil {
		return
	}
	wc.failMu.Lock()
	defer wc.failMu.Unlock()
	for _, f := range wc.failures {
		if f.at != at && f.at.within(at) && errors.Is(err, f.err) {
			return
		}
	}
	wc.failures = append(wc.failures, failure{primitive: primitive, err: err, at: at})
}

// noteSuccess forgets the failures recorded below at: the invocation
// recovered from them.
func (wc *WorkflowContext) noteSuccess(at *ledger) {
	if wc == nil {
		return
	}
	wc.failMu.Lock()
	defer wc.failMu.Unlock()
	kept := wc.failures[:0]
	for _, f := range wc.failures {
		if !f.at.within(at) {
			kept = append(kept, f)
		}
	}
	clear(wc.failures[len(kept):])
	wc.failures = kept
}

// failedPrimitive returns the deepest unrecovered primitive recorded for
// err's chain.
func (wc *WorkflowContext) failedPrimitive(err error) (string, bool) {
	wc.failMu.Lock()
	defer wc.failMu.Unlock()
	var (
		name  string
		depth = -1
	)
	for _, f := range wc.failures {
		if d := f.at.depth(); d > depth && errors.Is(err, f.err) {
			name, depth = f.primitive, d
		}
	}
	return name, depth >= 0
}
