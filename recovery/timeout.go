package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/xraph/loom"
)

// TimeoutPrimitive bounds the execution time of a primitive.
type TimeoutPrimitive[I, O any] struct {
	name    string
	inner   loom.Primitive[I, O]
	timeout time.Duration
}

var _ loom.Primitive[int, int] = (*TimeoutPrimitive[int, int])(nil)

// Timeout wraps inner with a deadline. On expiry the inner context is
// cancelled and Execute returns a *loom.TimeoutError immediately, without
// waiting for an inner primitive that ignores cancellation.
func Timeout[I, O any](inner loom.Primitive[I, O], d time.Duration) (*TimeoutPrimitive[I, O], error) {
	if d <= 0 {
		return nil, loom.NewValidationError("timeout", fmt.Sprintf("timeout must be > 0, got %s", d))
	}
	return &TimeoutPrimitive[I, O]{name: inner.Name() + "/timeout", inner: inner, timeout: d}, nil
}

// WithName overrides the wrapper's name.
func (t *TimeoutPrimitive[I, O]) WithName(name string) *TimeoutPrimitive[I, O] {
	t.name = name
	return t
}

// Name returns the declared name.
func (t *TimeoutPrimitive[I, O]) Name() string { return t.name }

// PrimitiveType returns "timeout".
func (t *TimeoutPrimitive[I, O]) PrimitiveType() string { return "timeout" }

// Execute runs inner under the deadline.
func (t *TimeoutPrimitive[I, O]) Execute(ctx context.Context, wc *loom.WorkflowContext, in I) (O, error) {
	var zero O

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		out O
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				wc.Logger().Error("primitive panicked",
					slog.String("primitive", t.inner.Name()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- result{err: fmt.Errorf("loom: panic in primitive %q: %v", t.inner.Name(), r)}
			}
		}()
		out, err := loom.Invoke(tctx, wc, t.inner, in, loom.Describe(t.inner))
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return zero, t.timeoutError(tctx.Err())
		}
		return res.out, res.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, t.timeoutError(tctx.Err())
	}
}

func (t *TimeoutPrimitive[I, O]) timeoutError(cause error) error {
	return &loom.TimeoutError{Primitive: t.inner.Name(), Timeout: t.timeout, Err: cause}
}
