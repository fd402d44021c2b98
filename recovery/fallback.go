package recovery

import (
	"context"
	"log/slog"

	"github.com/xraph/loom"
)

// FallbackPrimitive tries a primary primitive, then each fallback in order.
type FallbackPrimitive[I, O any] struct {
	name        string
	primary     loom.Primitive[I, O]
	fallbacks   []loom.Primitive[I, O]
	primaryCost float64
}

var _ loom.Primitive[int, int] = (*FallbackPrimitive[int, int])(nil)

// Fallback returns the first successful result among primary and the
// fallbacks. When all of them fail the result is a
// *loom.FallbackExhaustedError holding every error in attempt order.
func Fallback[I, O any](primary loom.Primitive[I, O], fallbacks ...loom.Primitive[I, O]) *FallbackPrimitive[I, O] {
	return &FallbackPrimitive[I, O]{
		name:      primary.Name() + "/fallback",
		primary:   primary,
		fallbacks: fallbacks,
	}
}

// WithName overrides the wrapper's name.
func (f *FallbackPrimitive[I, O]) WithName(name string) *FallbackPrimitive[I, O] {
	f.name = name
	return f
}

// WithPrimaryCost declares what a successful primary call would have cost.
// When a fallback succeeds for less, the difference is reported as savings.
func (f *FallbackPrimitive[I, O]) WithPrimaryCost(cost float64) *FallbackPrimitive[I, O] {
	f.primaryCost = cost
	return f
}

// Name returns the declared name.
func (f *FallbackPrimitive[I, O]) Name() string { return f.name }

// PrimitiveType returns "fallback".
func (f *FallbackPrimitive[I, O]) PrimitiveType() string { return "fallback" }

// Execute runs the chain until one alternative succeeds.
func (f *FallbackPrimitive[I, O]) Execute(ctx context.Context, wc *loom.WorkflowContext, in I) (O, error) {
	var zero O
	errs := make([]error, 0, len(f.fallbacks)+1)

	out, err := loom.Invoke(ctx, wc, f.primary, in, loom.Describe(f.primary))
	if err == nil {
		return out, nil
	}
	errs = append(errs, err)

	for i, fb := range f.fallbacks {
		wc.Logger().Warn("primitive failed, trying fallback",
			slog.String("primitive", f.name),
			slog.Int("fallback", i),
			slog.String("next", fb.Name()),
			slog.String("error", err.Error()),
		)

		fctx, spent := loom.TrackCost(ctx)
		out, err = loom.Invoke(fctx, wc, fb, in, loom.Describe(fb))
		cost := spent()
		if err == nil {
			if saved := f.primaryCost - cost; f.primaryCost > 0 && saved > 0 {
				loom.ReportSavings(ctx, saved)
			}
			return out, nil
		}
		errs = append(errs, err)
	}

	return zero, &loom.FallbackExhaustedError{Primitive: f.name, Errors: errs}
}
