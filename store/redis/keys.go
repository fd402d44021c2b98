package redis

// Redis key naming conventions for breaker state.
// All keys are prefixed (default "loom:") to avoid collisions.

const defaultKeyPrefix = "loom:"

// Hash fields of a breaker record.
const (
	fieldVersion  = "version"
	fieldState    = "state"
	fieldFailures = "failures"
	fieldOpenedAt = "opened_at"
	fieldProbeAt  = "probe_at"
)

// breakerKey returns the Hash key for a breaker: {prefix}breaker:{name}
func (s *Store) breakerKey(name string) string { return s.prefix + "breaker:" + name }
