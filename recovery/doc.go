// Package recovery provides resilience wrappers for loom primitives: Retry,
// Fallback, Timeout, CircuitBreaker and saga-style Compensation.
//
// Each wrapper is itself a primitive, so wrappers nest freely:
//
//	charge := loom.Must(recovery.Retry(
//	    recovery.CircuitBreaker(callPSP, breaker),
//	    recovery.WithMaxRetries(2),
//	))
//
// The wrapped primitive is executed through loom.Invoke, so it is
// instrumented as a child of the wrapper.
package recovery
