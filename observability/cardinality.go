package observability

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/xraph/loom"
)

// OverflowPrefix starts every label value substituted by a
// CardinalityGuard.
const OverflowPrefix = "__overflow_"

// CardinalityGuard bounds the number of distinct values per label key.
//
// The first maxValues-overflowBuckets distinct values of a key pass
// verbatim and keep passing verbatim. Every later value maps
// deterministically to one of overflowBuckets hashed overflow values, so a
// key never exceeds maxValues distinct series.
type CardinalityGuard struct {
	admit    int
	overflow int

	mu   sync.RWMutex
	seen map[string]map[string]struct{}

	overflowed atomic.Uint64
}

// NewCardinalityGuard creates a guard. It requires
// 1 <= overflowBuckets < maxValues.
func NewCardinalityGuard(maxValues, overflowBuckets int) (*CardinalityGuard, error) {
	if overflowBuckets < 1 || overflowBuckets >= maxValues {
		return nil, loom.NewValidationError("cardinality guard",
			fmt.Sprintf("need 1 <= overflow_buckets < max_label_values, got %d and %d", overflowBuckets, maxValues))
	}
	return &CardinalityGuard{
		admit:    maxValues - overflowBuckets,
		overflow: overflowBuckets,
		seen:     make(map[string]map[string]struct{}),
	}, nil
}

// Admit returns the label value to record for value under key.
func (g *CardinalityGuard) Admit(key, value string) string {
	g.mu.RLock()
	_, ok := g.seen[key][value]
	g.mu.RUnlock()
	if ok {
		return value
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	vals := g.seen[key]
	if vals == nil {
		vals = make(map[string]struct{})
		g.seen[key] = vals
	}
	if _, ok := vals[value]; ok {
		return value
	}
	if len(vals) < g.admit {
		vals[value] = struct{}{}
		return value
	}

	g.overflowed.Add(1)
	return OverflowPrefix + strconv.FormatUint(xxhash.Sum64String(value)%uint64(g.overflow), 10)
}

// Distinct returns the number of verbatim values admitted for key.
func (g *CardinalityGuard) Distinct(key string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.seen[key])
}

// Overflowed returns how many lookups were mapped to an overflow value.
func (g *CardinalityGuard) Overflowed() uint64 {
	return g.overflowed.Load()
}
