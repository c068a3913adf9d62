package store

import (
	"context"

	"github.com/xraph/docflow/job"
)

// Store is the aggregate persistence interface implemented by every
// backend (memory, postgres, sqlite).
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
