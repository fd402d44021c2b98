package loom

import "context"

// SelectFunc picks a route key for an input.
type SelectFunc[I any] func(ctx context.Context, wc *WorkflowContext, in I) string

// RouterPrimitive dispatches each input to one of several primitives.
type RouterPrimitive[I, O any] struct {
	name     string
	selectFn SelectFunc[I]
	routes   map[string]Primitive[I, O]
	fallback Primitive[I, O]
}

var _ Primitive[int, int] = (*RouterPrimitive[int, int])(nil)

// Router creates a router. The selected route runs; when no route matches,
// the default route runs if one is set, otherwise Execute returns a
// *RoutingError.
func Router[I, O any](name string, selectFn SelectFunc[I], routes map[string]Primitive[I, O]) *RouterPrimitive[I, O] {
	copied := make(map[string]Primitive[I, O], len(routes))
	for k, v := range routes {
		copied[k] = v
	}
	return &RouterPrimitive[I, O]{name: name, selectFn: selectFn, routes: copied}
}

// WithDefault sets the primitive used when no route matches.
func (r *RouterPrimitive[I, O]) WithDefault(p Primitive[I, O]) *RouterPrimitive[I, O] {
	r.fallback = p
	return r
}

// Name returns the declared name.
func (r *RouterPrimitive[I, O]) Name() string { return r.name }

// PrimitiveType returns "router".
func (r *RouterPrimitive[I, O]) PrimitiveType() string { return "router" }

// Execute selects and runs a route.
func (r *RouterPrimitive[I, O]) Execute(ctx context.Context, wc *WorkflowContext, in I) (O, error) {
	key := r.selectFn(ctx, wc, in)

	target, ok := r.routes[key]
	if !ok {
		target = r.fallback
	}
	if target == nil {
		var zero O
		return zero, &RoutingError{Router: r.name, Key: key}
	}
	return Invoke(ctx, wc, target, in, Describe(target))
}

// Conditional routes to then when predicate holds and to otherwise when it
// does not. A nil otherwise makes a false predicate a routing error.
func Conditional[I, O any](
	name string,
	predicate func(ctx context.Context, wc *WorkflowContext, in I) bool,
	then, otherwise Primitive[I, O],
) *RouterPrimitive[I, O] {
	routes := map[string]Primitive[I, O]{"true": then}
	if otherwise != nil {
		routes["false"] = otherwise
	}
	return Router(name, func(ctx context.Context, wc *WorkflowContext, in I) string {
		if predicate(ctx, wc, in) {
			return "true"
		}
		return "false"
	}, routes)
}
