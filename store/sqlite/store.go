// Package sqlite implements store.Store on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. It suits single-host deployments
// where several processes share one database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver

	"github.com/xraph/loom/circuit"
	"github.com/xraph/loom/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS loom_breakers (
	name       TEXT PRIMARY KEY,
	state      INTEGER NOT NULL DEFAULT 0,
	failures   INTEGER NOT NULL DEFAULT 0,
	opened_at  INTEGER NOT NULL DEFAULT 0,
	probe_at   INTEGER NOT NULL DEFAULT 0,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
)`

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	owned  bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (or creates) the database at dsn, e.g. "file:loom.db" or
// ":memory:". The Store owns the returned handle and closes it on Close.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("loom/sqlite: open: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps an
	// in-memory database from splitting across connections.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	s.owned = true
	return s, nil
}

// New creates a store over an existing handle. The caller owns the db
// lifecycle; the Store will not close it on Close.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the breaker table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("loom/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// Load returns the snapshot stored for name.
func (s *Store) Load(ctx context.Context, name string) (circuit.Snapshot, error) {
	var (
		state, failures int
		opened, probed  int64
		version         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state, failures, opened_at, probe_at, version FROM loom_breakers WHERE name = ?`,
		name,
	).Scan(&state, &failures, &opened, &probed, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return circuit.Snapshot{}, nil
	}
	if err != nil {
		return circuit.Snapshot{}, fmt.Errorf("loom/sqlite: load breaker %q: %w", name, err)
	}

	return circuit.Snapshot{
		State:          circuit.State(state),
		Failures:       failures,
		OpenedAt:       fromUnixNano(opened),
		ProbeStartedAt: fromUnixNano(probed),
		Version:        uint64(version), //nolint:gosec // versions are never negative
	}, nil
}

// CompareAndSwap writes next if the stored version equals expected.
func (s *Store) CompareAndSwap(ctx context.Context, name string, expected uint64, next circuit.Snapshot) (bool, error) {
	now := time.Now().UnixNano()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO loom_breakers (name, state, failures, opened_at, probe_at, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (name) DO NOTHING`,
			name, int(next.State), next.Failures, unixNano(next.OpenedAt), unixNano(next.ProbeStartedAt), now,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE loom_breakers
			SET state = ?, failures = ?, opened_at = ?, probe_at = ?, version = version + 1, updated_at = ?
			WHERE name = ? AND version = ?`,
			int(next.State), next.Failures, unixNano(next.OpenedAt), unixNano(next.ProbeStartedAt), now,
			name, int64(expected), //nolint:gosec // versions fit
		)
	}
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: swap breaker %q: %w", name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("loom/sqlite: swap breaker %q: %w", name, err)
	}
	return n == 1, nil
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
