package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/docflow/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ store.Store = (*Store)(nil)

// Store is a PostgreSQL implementation of store.Store using pgx/v5.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a new PostgreSQL store from a connection string.
func New(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("docflow/postgres: parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("docflow/postgres: connect: %w", err)
	}

	return NewFromPool(pool, opts...), nil
}

// NewFromPool creates a new PostgreSQL store from an existing pgxpool.Pool.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// migrationLockKey serializes Migrate across processes sharing a database.
const migrationLockKey int64 = 0x646f63666c6f77 // "docflow"

// Migrate applies pending embedded migrations in filename order. All of
// them run in one transaction under an advisory lock, so concurrently
// starting daemons apply each file exactly once.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := migrationFiles(migrationsFS)
	if err != nil {
		return fmt.Errorf("docflow/postgres: read migrations: %w", err)
	}

	var applied []string
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS docflow_migrations (
				filename   TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`); err != nil {
			return fmt.Errorf("create migrations table: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT filename FROM docflow_migrations`)
		if err != nil {
			return fmt.Errorf("list applied: %w", err)
		}
		done, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("list applied: %w", err)
		}

		for _, name := range pending(files, done) {
			body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("execute %s: %w", name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO docflow_migrations (filename) VALUES ($1)`, name); err != nil {
				return fmt.Errorf("record %s: %w", name, err)
			}
			applied = append(applied, name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("docflow/postgres: migrate: %w", err)
	}

	for _, name := range applied {
		s.logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}

// migrationFiles lists the .sql files of fsys's migrations directory,
// sorted by name.
func migrationFiles(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// pending returns the files not yet in applied, preserving order.
func pending(files, applied []string) []string {
	seen := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		seen[a] = struct{}{}
	}
	var out []string
	for _, f := range files {
		if _, ok := seen[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pgxpool.Pool for advanced usage.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
