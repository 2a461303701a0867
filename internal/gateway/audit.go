// ABOUTME: Consistency auditing and crash recovery for the gateway's stores
// ABOUTME: Runs the invariant checker, publishes health, records history, and restores persisted snapshots

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/snapshot"
	"github.com/2389/coven-control/internal/store"
)

var (
	// ErrCorruptSnapshot is returned by Recover when the persisted snapshots
	// fail an invariant that dropping orphaned records cannot repair.
	ErrCorruptSnapshot = errors.New("persisted snapshot is corrupt")

	// ErrStoresNotEmpty is returned by Recover when any store already holds
	// live state. Recovery only seeds an empty gateway.
	ErrStoresNotEmpty = errors.New("stores already hold live state")
)

// AuditOutcome is the most recent audit result and when it ran.
type AuditOutcome struct {
	Result invariant.Result  `json:"result"`
	RanAt  time.Time         `json:"ran_at"`
	Source store.AuditSource `json:"source"`
}

// RecoveryReport summarizes what Recover restored and discarded.
type RecoveryReport struct {
	CapturedAt           time.Time `json:"captured_at"`
	Sessions             int       `json:"sessions"`
	Conversations        int       `json:"conversations"`
	Deliveries           int       `json:"deliveries"`
	DroppedConversations int       `json:"dropped_conversations"`
	DroppedDeliveries    int       `json:"dropped_deliveries"`
}

// LastAudit returns the most recent audit, or nil if none has run.
func (g *Gateway) LastAudit() *AuditOutcome {
	return g.lastAudit.Load()
}

// Audit snapshots the stores and checks them. The result drives the gRPC
// health status and readiness, is recorded in the audit history, and, when
// valid and audit.persist is set, the snapshot set is saved for recovery.
// Persistence failures are logged; the result is always returned.
func (g *Gateway) Audit(ctx context.Context, source store.AuditSource) invariant.Result {
	set := g.Snapshot()
	result := invariant.Check(set.Sessions, set.Conversations, set.Deliveries)
	ranAt := g.clock.Now()

	g.logAudit(source, set, result)
	g.publishAudit(&AuditOutcome{Result: result, RanAt: ranAt, Source: source})

	run := store.NewAuditRun(source, result)
	run.RanAt = ranAt
	if err := g.store.RecordAudit(ctx, run); err != nil {
		g.logger.Error("failed to record audit run", "error", err)
	} else if _, err := g.store.PruneAudits(ctx, g.config.Audit.KeepRuns); err != nil {
		g.logger.Error("failed to prune audit history", "error", err)
	}

	if result.Valid && g.config.Audit.Persist {
		if err := g.store.SaveSet(ctx, set); err != nil {
			g.logger.Error("failed to persist snapshots", "error", err)
		}
	}
	return result
}

func (g *Gateway) logAudit(source store.AuditSource, set snapshot.Set, result invariant.Result) {
	for _, v := range result.Violations {
		if v.Severity == invariant.SeverityError {
			g.logger.Error("invariant violation", "violation", v)
		} else {
			g.logger.Warn("invariant violation", "violation", v)
		}
	}

	attrs := []any{
		"source", source,
		"valid", result.Valid,
		"errors", len(result.Errors()),
		"warnings", len(result.Warnings()),
		"sessions", len(set.Sessions.Sessions),
		"conversations", len(set.Conversations.Bindings),
		"delivery_groups", len(set.Deliveries.Groups),
	}
	if result.Valid {
		g.logger.Debug("audit completed", attrs...)
	} else {
		g.logger.Error("audit failed", attrs...)
	}
}

func (g *Gateway) publishAudit(outcome *AuditOutcome) {
	g.lastAudit.Store(outcome)

	status := healthpb.HealthCheckResponse_SERVING
	if !outcome.Result.Valid {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.healthServer.SetServingStatus(HealthService, status)
}

// runAuditLoop audits on every tick of audit.interval until ctx is done.
func (g *Gateway) runAuditLoop(ctx context.Context) {
	ticker := g.clock.NewTicker(g.config.Audit.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Audit(ctx, store.AuditSourceScheduled)
		}
	}
}

// repairable lists the rules whose violations Recover fixes by dropping
// the offending records.
var repairable = map[invariant.Rule]bool{
	invariant.RuleConversationOrphan: true,
	invariant.RuleDeliveryOrphan:     true,
}

// Recover loads the persisted snapshot set into the stores. Conversations
// and deliveries whose node has no restorable session are dropped. Any
// other error-severity violation refuses the whole set with
// ErrCorruptSnapshot. Returns store.ErrNotFound if nothing was persisted,
// and ErrStoresNotEmpty without touching anything if a session,
// conversation or delivery is already live.
func (g *Gateway) Recover(ctx context.Context) (RecoveryReport, error) {
	set, err := g.store.LoadSet(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("loading snapshots: %w", err)
	}

	result := invariant.Check(set.Sessions, set.Conversations, set.Deliveries)
	var fatal int
	for _, v := range result.Errors() {
		if !repairable[v.Rule] {
			g.logger.Error("persisted snapshot violation", "violation", v)
			fatal++
		}
	}
	if fatal > 0 {
		return RecoveryReport{}, fmt.Errorf("%d unrepairable violations: %w", fatal, ErrCorruptSnapshot)
	}

	live := make(map[string]bool, len(set.Sessions.Sessions))
	for _, s := range set.Sessions.Sessions {
		if s.State != snapshot.StateDisconnected {
			live[s.NodeID] = true
		}
	}

	report := RecoveryReport{CapturedAt: set.Sessions.CapturedAt, Sessions: len(live)}

	bindings := make([]snapshot.ConversationBinding, 0, len(set.Conversations.Bindings))
	for _, b := range set.Conversations.Bindings {
		if live[b.NodeID] {
			bindings = append(bindings, b)
		} else {
			report.DroppedConversations++
		}
	}
	set.Conversations.Bindings = bindings

	groups := make([]snapshot.DeliveryGroup, 0, len(set.Deliveries.Groups))
	for _, grp := range set.Deliveries.Groups {
		if live[grp.NodeID] {
			groups = append(groups, grp)
			report.Deliveries += len(grp.Deliveries)
		} else {
			report.DroppedDeliveries += len(grp.Deliveries)
		}
	}
	set.Deliveries.Groups = groups
	report.Conversations = len(bindings)

	g.captureMu.Lock()
	if n, c, d := g.sessions.Len(), g.conversations.Len(), g.deliveries.Len(); n+c+d > 0 {
		g.captureMu.Unlock()
		return RecoveryReport{}, fmt.Errorf("%d sessions, %d conversations, %d deliveries: %w", n, c, d, ErrStoresNotEmpty)
	}
	err = g.sessions.Restore(set.Sessions)
	if err == nil {
		g.conversations.Restore(set.Conversations)
		g.deliveries.Restore(set.Deliveries)
	}
	g.captureMu.Unlock()
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("restoring sessions: %w", err)
	}

	g.logger.Info("recovered persisted state",
		"captured_at", report.CapturedAt,
		"sessions", report.Sessions,
		"conversations", report.Conversations,
		"deliveries", report.Deliveries,
		"dropped_conversations", report.DroppedConversations,
		"dropped_deliveries", report.DroppedDeliveries,
	)

	g.Audit(ctx, store.AuditSourceRecovery)
	return report, nil
}

// recoverOnStart restores persisted state when persistence is enabled. A
// missing or corrupt snapshot is logged and the gateway starts empty.
func (g *Gateway) recoverOnStart(ctx context.Context) {
	if !g.config.Audit.Persist {
		return
	}

	_, err := g.Recover(ctx)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		g.logger.Info("no persisted snapshots to recover")
	default:
		g.logger.Error("recovery failed, starting with empty state", "error", err)
	}
}
