// ABOUTME: Store interface and record types for coven-control persistence
// ABOUTME: Snapshot sets for crash recovery and audit runs for consistency history

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/snapshot"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnsupportedVersion is returned when a persisted snapshot was written
// with a schema version this build does not understand
var ErrUnsupportedVersion = errors.New("unsupported snapshot version")

// Snapshot kinds, one row each in the snapshots table.
const (
	KindSessions      = "sessions"
	KindConversations = "conversations"
	KindDeliveries    = "deliveries"
)

// AuditSource records what triggered an audit run.
type AuditSource string

const (
	AuditSourceScheduled AuditSource = "scheduled"
	AuditSourceManual    AuditSource = "manual"
	AuditSourceRecovery  AuditSource = "recovery"
)

// AuditRun is one persisted invariant check.
type AuditRun struct {
	ID           string
	RanAt        time.Time
	Source       AuditSource
	Valid        bool
	ErrorCount   int
	WarningCount int
	Violations   []invariant.Violation
}

// NewAuditRun summarizes result as an AuditRun. ID and RanAt are left for
// the store to fill in when empty.
func NewAuditRun(source AuditSource, result invariant.Result) *AuditRun {
	return &AuditRun{
		Source:       source,
		Valid:        result.Valid,
		ErrorCount:   len(result.Errors()),
		WarningCount: len(result.Warnings()),
		Violations:   result.Violations,
	}
}

// AuditFilter specifies filtering options for listing audit runs.
type AuditFilter struct {
	Since       *time.Time // runs at or after this time
	InvalidOnly bool       // only runs that found errors
	Limit       int        // max results (default 100, max 1000)
}

// Store is the persistence layer for snapshots and audit history.
type Store interface {
	// SaveSet atomically replaces the persisted snapshot set.
	SaveSet(ctx context.Context, set snapshot.Set) error

	// LoadSet returns the persisted snapshot set, or ErrNotFound if none
	// has been saved.
	LoadSet(ctx context.Context) (snapshot.Set, error)

	// RecordAudit appends an audit run, filling in ID and RanAt if unset.
	RecordAudit(ctx context.Context, run *AuditRun) error

	// ListAudits returns audit runs newest first.
	ListAudits(ctx context.Context, f AuditFilter) ([]AuditRun, error)

	// PruneAudits keeps the newest keep runs and deletes the rest,
	// returning how many were deleted.
	PruneAudits(ctx context.Context, keep int) (int64, error)

	Close() error
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func checkVersions(set snapshot.Set) error {
	for kind, v := range map[string]int{
		KindSessions:      set.Sessions.Version,
		KindConversations: set.Conversations.Version,
		KindDeliveries:    set.Deliveries.Version,
	} {
		if v != snapshot.Version {
			return &VersionError{Kind: kind, Version: v}
		}
	}
	return nil
}

// VersionError reports which snapshot carried an unsupported version.
type VersionError struct {
	Kind    string
	Version int
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s snapshot: %v %d", e.Kind, ErrUnsupportedVersion, e.Version)
}

func (e *VersionError) Unwrap() error { return ErrUnsupportedVersion }
