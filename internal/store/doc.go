// Package store provides persistent storage for coven-control using SQLite.
//
// # Data Models
//
//   - snapshot.Set: the latest session, conversation and delivery
//     snapshots, saved together so recovery never mixes captures
//   - AuditRun: one invariant check with its violation list
//
// SaveSet writes all three snapshots in one transaction; LoadSet returns
// ErrNotFound unless all three are present. Snapshots written with another
// schema version fail with ErrUnsupportedVersion.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite (pure Go, no cgo) with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC strings so they sort lexically.
//
// # Testing
//
// Use NewMockStore() for unit tests that do not need SQLite, or
// NewSQLiteStore(":memory:") for integration tests with real SQLite.
//
// # Migrations
//
// Schema creation uses CREATE IF NOT EXISTS. Column additions are checked
// against pragma_table_info and applied on open, so they are idempotent.
package store
