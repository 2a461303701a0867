// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists snapshot sets (zstd-compressed when larger) and audit runs with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/snapshot"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			kind        TEXT PRIMARY KEY,
			version     INTEGER NOT NULL,
			captured_at TEXT NOT NULL,
			data        BLOB NOT NULL,
			encoding    TEXT NOT NULL DEFAULT 'json',
			saved_at    TEXT NOT NULL,

			CHECK (kind IN ('sessions', 'conversations', 'deliveries'))
		);

		CREATE TABLE IF NOT EXISTS audit_runs (
			run_id          TEXT PRIMARY KEY,
			ran_at          TEXT NOT NULL,
			source          TEXT NOT NULL DEFAULT 'scheduled',
			valid           INTEGER NOT NULL,
			error_count     INTEGER NOT NULL,
			warning_count   INTEGER NOT NULL,
			violations_json TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_runs_ran_at ON audit_runs(ran_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_runs_valid ON audit_runs(valid, ran_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "audit_runs",
			column: "source",
			apply:  `ALTER TABLE audit_runs ADD COLUMN source TEXT NOT NULL DEFAULT 'scheduled'`,
		},
		{
			table:  "snapshots",
			column: "encoding",
			apply:  `ALTER TABLE snapshots ADD COLUMN encoding TEXT NOT NULL DEFAULT 'json'`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveSet replaces all three persisted snapshots in one transaction.
func (s *SQLiteStore) SaveSet(ctx context.Context, set snapshot.Set) error {
	if err := checkVersions(set); err != nil {
		return err
	}

	rows := []struct {
		kind       string
		version    int
		capturedAt time.Time
		data       any
	}{
		{KindSessions, set.Sessions.Version, set.Sessions.CapturedAt, set.Sessions},
		{KindConversations, set.Conversations.Version, set.Conversations.CapturedAt, set.Conversations},
		{KindDeliveries, set.Deliveries.Version, set.Deliveries.CapturedAt, set.Deliveries},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	savedAt := formatTime(time.Now())
	const query = `
		INSERT INTO snapshots (kind, version, captured_at, data, encoding, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			version = excluded.version,
			captured_at = excluded.captured_at,
			data = excluded.data,
			encoding = excluded.encoding,
			saved_at = excluded.saved_at
	`
	for _, r := range rows {
		data, encoding, err := encodeSnapshot(r.data)
		if err != nil {
			return fmt.Errorf("encoding %s snapshot: %w", r.kind, err)
		}
		if _, err := tx.ExecContext(ctx, query, r.kind, r.version, formatTime(r.capturedAt), data, encoding, savedAt); err != nil {
			return fmt.Errorf("saving %s snapshot: %w", r.kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshots: %w", err)
	}

	s.logger.Debug("saved snapshot set",
		"sessions", len(set.Sessions.Sessions),
		"conversations", len(set.Conversations.Bindings),
		"delivery_groups", len(set.Deliveries.Groups),
	)
	return nil
}

// LoadSet returns the persisted snapshot set.
// Returns ErrNotFound unless all three snapshots are present.
func (s *SQLiteStore) LoadSet(ctx context.Context) (snapshot.Set, error) {
	var set snapshot.Set

	rows, err := s.db.QueryContext(ctx, `SELECT kind, data, encoding FROM snapshots`)
	if err != nil {
		return set, fmt.Errorf("querying snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := 0
	for rows.Next() {
		var kind, encoding string
		var data []byte
		if err := rows.Scan(&kind, &data, &encoding); err != nil {
			return set, fmt.Errorf("scanning snapshot: %w", err)
		}

		var target any
		switch kind {
		case KindSessions:
			target = &set.Sessions
		case KindConversations:
			target = &set.Conversations
		case KindDeliveries:
			target = &set.Deliveries
		default:
			continue
		}
		if err := decodeSnapshot(data, encoding, target); err != nil {
			return set, fmt.Errorf("decoding %s snapshot: %w", kind, err)
		}
		found++
	}
	if err := rows.Err(); err != nil {
		return set, fmt.Errorf("iterating snapshots: %w", err)
	}

	if found < 3 {
		return snapshot.Set{}, ErrNotFound
	}
	if err := checkVersions(set); err != nil {
		return snapshot.Set{}, err
	}
	return set, nil
}

// RecordAudit appends an audit run.
// Generates ID and RanAt if not set.
func (s *SQLiteStore) RecordAudit(ctx context.Context, run *AuditRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.RanAt.IsZero() {
		run.RanAt = time.Now().UTC()
	}
	if run.Source == "" {
		run.Source = AuditSourceScheduled
	}

	violations := run.Violations
	if violations == nil {
		violations = []invariant.Violation{}
	}
	data, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("marshaling violations: %w", err)
	}

	query := `
		INSERT INTO audit_runs (run_id, ran_at, source, valid, error_count, warning_count, violations_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		formatTime(run.RanAt),
		string(run.Source),
		run.Valid,
		run.ErrorCount,
		run.WarningCount,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("inserting audit run: %w", err)
	}

	s.logger.Debug("recorded audit run",
		"id", run.ID,
		"source", run.Source,
		"valid", run.Valid,
		"errors", run.ErrorCount,
		"warnings", run.WarningCount,
	)
	return nil
}

const auditRunsQuery = `
	SELECT run_id, ran_at, source, valid, error_count, warning_count, violations_json
	FROM audit_runs
	WHERE (? IS NULL OR ran_at >= ?)
	  AND (? = 0 OR valid = 0)
	ORDER BY ran_at DESC, rowid DESC
	LIMIT ?
`

// ListAudits returns audit runs matching the filter, newest first.
func (s *SQLiteStore) ListAudits(ctx context.Context, f AuditFilter) ([]AuditRun, error) {
	var since *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		since = &str
	}

	rows, err := s.db.QueryContext(ctx, auditRunsQuery, since, since, f.InvalidOnly, normalizeAuditLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying audit runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []AuditRun{}
	for rows.Next() {
		run, err := scanAuditRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit runs: %w", err)
	}
	return runs, nil
}

// PruneAudits deletes all but the newest keep audit runs.
func (s *SQLiteStore) PruneAudits(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_runs WHERE rowid NOT IN (
			SELECT rowid FROM audit_runs ORDER BY ran_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning audit runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned audit runs: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned audit runs", "deleted", n, "kept", keep)
	}
	return n, nil
}

// scanAuditRun scans a row into an AuditRun.
func scanAuditRun(scanner interface{ Scan(dest ...any) error }) (AuditRun, error) {
	var run AuditRun
	var ranAt, source, violationsJSON string

	if err := scanner.Scan(
		&run.ID,
		&ranAt,
		&source,
		&run.Valid,
		&run.ErrorCount,
		&run.WarningCount,
		&violationsJSON,
	); err != nil {
		return run, fmt.Errorf("scanning audit run: %w", err)
	}

	run.Source = AuditSource(source)
	var err error
	run.RanAt, err = time.Parse(timeFormat, ranAt)
	if err != nil {
		return run, fmt.Errorf("parsing ran_at: %w", err)
	}
	if err := json.Unmarshal([]byte(violationsJSON), &run.Violations); err != nil {
		return run, fmt.Errorf("unmarshaling violations: %w", err)
	}
	return run, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
