// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows gateway tests to run without SQLite and to inject failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/snapshot"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	set    *snapshot.Set
	audits []AuditRun
	saves  int
	closed bool

	// SaveErr, when set, is returned by SaveSet.
	SaveErr error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// SaveSet stores a deep copy of set.
func (m *MockStore) SaveSet(ctx context.Context, set snapshot.Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if err := checkVersions(set); err != nil {
		return err
	}
	c := set.Clone()
	m.set = &c
	m.saves++
	return nil
}

// LoadSet returns a copy of the last saved set.
func (m *MockStore) LoadSet(ctx context.Context) (snapshot.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.set == nil {
		return snapshot.Set{}, ErrNotFound
	}
	return m.set.Clone(), nil
}

// RecordAudit appends a copy of run.
func (m *MockStore) RecordAudit(ctx context.Context, run *AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.RanAt.IsZero() {
		run.RanAt = time.Now().UTC()
	}
	if run.Source == "" {
		run.Source = AuditSourceScheduled
	}
	m.audits = append(m.audits, *run)
	return nil
}

// ListAudits returns matching runs newest first.
func (m *MockStore) ListAudits(ctx context.Context, f AuditFilter) ([]AuditRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditRun{}
	for i := len(m.audits) - 1; i >= 0; i-- {
		run := m.audits[i]
		if f.Since != nil && run.RanAt.Before(*f.Since) {
			continue
		}
		if f.InvalidOnly && run.Valid {
			continue
		}
		out = append(out, run)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RanAt.After(out[j].RanAt) })

	if limit := normalizeAuditLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PruneAudits keeps the newest keep runs.
func (m *MockStore) PruneAudits(ctx context.Context, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keep < 0 {
		keep = 0
	}
	if len(m.audits) <= keep {
		return 0, nil
	}
	n := len(m.audits) - keep
	m.audits = append([]AuditRun(nil), m.audits[n:]...)
	return int64(n), nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Saves returns how many times SaveSet succeeded.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Closed reports whether Close was called.
func (m *MockStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
