// Package redis implements store.Store using Redis. Each breaker is a Redis
// Hash; compare-and-swap runs as a Lua script so the version check and the
// write are atomic on the server.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
//	b, err := circuit.New("payments", cfg, circuit.WithStore(s))
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// casScript writes the record only when the stored version matches.
// KEYS[1] breaker key; ARGV: expected, next version, state, failures,
// opened_at, probe_at, ttl in milliseconds (0 = none).
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then current = '0' end
if current ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1],
	'version', ARGV[2],
	'state', ARGV[3],
	'failures', ARGV[4],
	'opened_at', ARGV[5],
	'probe_at', ARGV[6])
if tonumber(ARGV[7]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[7])
end
return 1
`)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix sets the key prefix (default "loom:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires breaker records that have not been written for ttl.
// An expired record reads as a fresh Closed breaker.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), prefix: defaultKeyPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// Load returns the snapshot stored for name.
func (s *Store) Load(ctx context.Context, name string) (circuit.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.breakerKey(name)).Result()
	if err != nil {
		return circuit.Snapshot{}, fmt.Errorf("loom/redis: load breaker %q: %w", name, err)
	}
	if len(fields) == 0 {
		return circuit.Snapshot{}, nil
	}

	snap, err := decodeSnapshot(fields)
	if err != nil {
		return circuit.Snapshot{}, fmt.Errorf("loom/redis: decode breaker %q: %w", name, err)
	}
	return snap, nil
}

// CompareAndSwap writes next if the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, name string, expected uint64, next circuit.Snapshot) (bool, error) {
	res, err := casScript.Run(ctx, s.client, []string{s.breakerKey(name)},
		strconv.FormatUint(expected, 10),
		strconv.FormatUint(expected+1, 10),
		strconv.Itoa(int(next.State)),
		strconv.Itoa(next.Failures),
		strconv.FormatInt(unixNano(next.OpenedAt), 10),
		strconv.FormatInt(unixNano(next.ProbeStartedAt), 10),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("loom/redis: swap breaker %q: %w", name, err)
	}

	if res == 0 {
		s.logger.Debug("breaker swap lost race",
			slog.String("breaker", name),
			slog.Uint64("expected_version", expected),
		)
	}
	return res == 1, nil
}

func decodeSnapshot(fields map[string]string) (circuit.Snapshot, error) {
	var (
		snap circuit.Snapshot
		err  error
	)

	if snap.Version, err = strconv.ParseUint(fields[fieldVersion], 10, 64); err != nil {
		return snap, fmt.Errorf("version: %w", err)
	}
	state, err := strconv.Atoi(fields[fieldState])
	if err != nil {
		return snap, fmt.Errorf("state: %w", err)
	}
	snap.State = circuit.State(state)
	if snap.Failures, err = strconv.Atoi(fields[fieldFailures]); err != nil {
		return snap, fmt.Errorf("failures: %w", err)
	}

	opened, err := strconv.ParseInt(fields[fieldOpenedAt], 10, 64)
	if err != nil {
		return snap, fmt.Errorf("opened_at: %w", err)
	}
	snap.OpenedAt = fromUnixNano(opened)

	probe, err := strconv.ParseInt(fields[fieldProbeAt], 10, 64)
	if err != nil {
		return snap, fmt.Errorf("probe_at: %w", err)
	}
	snap.ProbeStartedAt = fromUnixNano(probe)

	return snap, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
