// Package sqlite implements store.Store on an embedded SQLite database using
// the pure-Go modernc.org/sqlite driver. Suitable for single-node
// deployments, CLI tools, and tests.
//
// Timestamps are stored as INTEGER unix nanoseconds and JSON columns as
// TEXT. The store keeps a single open connection, so writes serialize.
//
//	s, err := sqlite.Open("/var/lib/docflow/docflow.db")
//	if err != nil { ... }
//	if err := s.Migrate(ctx); err != nil { ... }
package sqlite
