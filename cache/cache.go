// Package cache memoizes primitive results in a bounded, TTL-aware LRU.
//
// A cache hit returns the stored value without invoking the wrapped
// primitive, records the hit on the workflow's instrumentation and reports
// the cost the original miss incurred as savings.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/loom"
)

// Config bounds a cache.
type Config struct {
	// TTL is how long an entry stays readable after it is stored.
	TTL time.Duration

	// MaxSize is the maximum number of entries. The least recently used
	// entry is evicted when it is exceeded.
	MaxSize int
}

// Validate reports whether the config is usable.
func (c Config) Validate() error {
	var problems []string
	if c.TTL <= 0 {
		problems = append(problems, fmt.Sprintf("ttl must be > 0, got %s", c.TTL))
	}
	if c.MaxSize <= 0 {
		problems = append(problems, fmt.Sprintf("max_size must be > 0, got %d", c.MaxSize))
	}
	if len(problems) > 0 {
		return loom.NewValidationError("cache config", problems...)
	}
	return nil
}

// KeyFunc derives the cache key for an input.
type KeyFunc[I any] func(in I) (string, error)

// HashKey is the default KeyFunc: the xxhash64 of the input's JSON
// encoding, in hex.
func HashKey[I any](in I) (string, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("loom/cache: encode key: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16), nil
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits   uint64
	Misses uint64

	// Evictions counts entries dropped for capacity or expiry.
	Evictions uint64
}

type settings struct {
	name     string
	coalesce bool
	logger   *slog.Logger
}

// Option configures a cache primitive.
type Option func(*settings)

// WithName overrides the primitive's name (default "<inner>/cache").
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithCoalescing makes concurrent misses for the same key share a single
// execution of the wrapped primitive. The shared execution outlives the
// caller that started it and is cancelled only once every caller waiting
// on it has returned.
func WithCoalescing() Option {
	return func(s *settings) { s.coalesce = true }
}

// WithLogger sets the logger used for key derivation failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

type entry[O any] struct {
	value O
	cost  float64
}

// Primitive is a memoizing wrapper around another primitive.
type Primitive[I, O any] struct {
	inner loom.Primitive[I, O]
	cfg   Config
	set   settings
	key   KeyFunc[I]

	lru   *expirable.LRU[string, entry[O]]
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	purging   atomic.Bool
}

var _ loom.Primitive[int, int] = (*Primitive[int, int])(nil)

// New wraps inner with a cache bounded by cfg.
func New[I, O any](inner loom.Primitive[I, O], cfg Config, opts ...Option) (*Primitive[I, O], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	set := settings{name: inner.Name() + "/cache", logger: slog.Default()}
	for _, opt := range opts {
		opt(&set)
	}

	p := &Primitive[I, O]{
		inner:   inner,
		cfg:     cfg,
		set:     set,
		key:     HashKey[I],
		flights: make(map[string]*flight),
	}
	p.lru = expirable.NewLRU(cfg.MaxSize, func(string, entry[O]) {
		if !p.purging.Load() {
			p.evictions.Add(1)
		}
	}, cfg.TTL)
	return p, nil
}

// WithKeyFunc replaces the key derivation.
func (p *Primitive[I, O]) WithKeyFunc(fn KeyFunc[I]) *Primitive[I, O] {
	p.key = fn
	return p
}

// Name returns the declared name.
func (p *Primitive[I, O]) Name() string { return p.set.name }

// PrimitiveType returns "cache".
func (p *Primitive[I, O]) PrimitiveType() string { return "cache" }

// Config returns the cache bounds.
func (p *Primitive[I, O]) Config() Config { return p.cfg }

// Execute returns the cached result for in, or runs the wrapped primitive
// and stores its result. Failed executions are not cached. When the key
// cannot be derived the wrapped primitive runs uncached.
func (p *Primitive[I, O]) Execute(ctx context.Context, wc *loom.WorkflowContext, in I) (O, error) {
	key, err := p.key(in)
	if err != nil {
		wc.Logger().Warn("cache key derivation failed, bypassing cache",
			slog.String("primitive", p.set.name),
			slog.String("error", err.Error()),
		)
		return loom.Invoke(ctx, wc, p.inner, in, loom.Describe(p.inner))
	}

	ins := wc.Instrumentation()
	if e, ok := p.lru.Get(key); ok {
		p.hits.Add(1)
		ins.CacheLookup(ctx, wc, p.set.name, true)
		if e.cost > 0 {
			loom.ReportSavings(ctx, e.cost)
		}
		return e.value, nil
	}

	p.misses.Add(1)
	ins.CacheLookup(ctx, wc, p.set.name, false)

	if !p.set.coalesce {
		e, err := p.fill(ctx, wc, key, in)
		return e.value, err
	}

	f := p.join(ctx, key)
	defer p.leave(key, f)

	ch := p.group.DoChan(key, func() (any, error) {
		return p.fill(f.ctx, wc, key, in)
	})
	var zero O
	select {
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Err
		}
		return r.Val.(entry[O]).value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// flight is the context a coalesced fill runs under, shared by every
// caller waiting on that key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (p *Primitive[I, O]) join(ctx context.Context, key string) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		p.flights[key] = f
	}
	f.waiters++
	return f
}

// leave cancels the fill when its last waiter returns. The key is
// forgotten so a later miss starts a fresh fill rather than joining the
// cancelled one.
func (p *Primitive[I, O]) leave(key string, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if p.flights[key] == f {
		delete(p.flights, key)
		p.group.Forget(key)
	}
}

// fill runs the wrapped primitive and stores a successful result together
// with the cost it incurred.
func (p *Primitive[I, O]) fill(ctx context.Context, wc *loom.WorkflowContext, key string, in I) (entry[O], error) {
	mctx, spent := loom.TrackCost(ctx)
	out, err := loom.Invoke(mctx, wc, p.inner, in, loom.Describe(p.inner))
	cost := spent()
	if err != nil {
		return entry[O]{}, err
	}

	e := entry[O]{value: out, cost: cost}
	p.lru.Add(key, e)
	return e, nil
}

// Stats returns hit, miss and eviction counts.
func (p *Primitive[I, O]) Stats() Stats {
	return Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
	}
}

// Len returns the number of stored entries, including expired entries not
// yet reclaimed.
func (p *Primitive[I, O]) Len() int { return p.lru.Len() }

// Purge drops every entry.
func (p *Primitive[I, O]) Purge() {
	p.purging.Store(true)
	p.lru.Purge()
	p.purging.Store(false)
}
