// ABOUTME: Cross-store consistency rules over session, conversation and delivery snapshots
// ABOUTME: One pass per store, node-ID set built once, violations collected without short-circuit

package invariant

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-control/internal/snapshot"
)

// Severity classifies a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule names a consistency check.
type Rule string

const (
	RuleConversationOrphan             Rule = "conversation-orphan"
	RuleDeliveryOrphan                 Rule = "delivery-orphan"
	RuleDisconnectedSession            Rule = "disconnected-session"
	RuleSessionTimestampInversion      Rule = "session-timestamp-inversion"
	RuleConversationTimestampInversion Rule = "conversation-timestamp-inversion"
	RuleDuplicateSession               Rule = "duplicate-session"
)

// Rules lists every rule in evaluation order.
var Rules = []Rule{
	RuleDuplicateSession,
	RuleDisconnectedSession,
	RuleSessionTimestampInversion,
	RuleConversationOrphan,
	RuleConversationTimestampInversion,
	RuleDeliveryOrphan,
}

// Severity returns the fixed severity of r.
func (r Rule) Severity() Severity {
	if r == RuleDisconnectedSession {
		return SeverityWarning
	}
	return SeverityError
}

// Violation is one detected inconsistency. NodeID and ConversationKey
// identify the offending record where one applies.
type Violation struct {
	Rule            Rule     `json:"rule"`
	Severity        Severity `json:"severity"`
	Detail          string   `json:"detail"`
	NodeID          string   `json:"node_id,omitempty"`
	ConversationKey string   `json:"conversation_key,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s]: %s", v.Rule, v.Severity, v.Detail)
}

// LogValue groups the violation's fields for structured logging.
func (v Violation) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("rule", string(v.Rule)),
		slog.String("severity", string(v.Severity)),
		slog.String("detail", v.Detail),
	}
	if v.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", v.NodeID))
	}
	if v.ConversationKey != "" {
		attrs = append(attrs, slog.String("conversation_key", v.ConversationKey))
	}
	return slog.GroupValue(attrs...)
}

// Result is the outcome of an audit. Valid is false iff at least one
// violation has error severity.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// Errors returns the error-severity violations.
func (r Result) Errors() []Violation { return r.filter(SeverityError) }

// Warnings returns the warning-severity violations.
func (r Result) Warnings() []Violation { return r.filter(SeverityWarning) }

// Count returns how many violations were raised by rule.
func (r Result) Count(rule Rule) int {
	n := 0
	for _, v := range r.Violations {
		if v.Rule == rule {
			n++
		}
	}
	return n
}

func (r Result) filter(sev Severity) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// Check runs every rule over the three snapshots.
//
// A node counts as present if any session entry in the snapshot carries its
// ID, whatever the entry's state; a disconnected survivor is reported by its
// own warning rule rather than also orphaning the records that point at it.
func Check(
	sessions snapshot.SessionManagerSnapshot,
	conversations snapshot.ConversationStoreSnapshot,
	deliveries snapshot.DeliveryTrackerSnapshot,
) Result {
	var c checker

	nodes := make(map[string]struct{}, len(sessions.Sessions))
	for _, s := range sessions.Sessions {
		if _, seen := nodes[s.NodeID]; seen {
			c.add(RuleDuplicateSession, s.NodeID, "",
				"node %q has more than one session (session %s)", s.NodeID, s.SessionID)
		}
		nodes[s.NodeID] = struct{}{}

		if s.State == snapshot.StateDisconnected {
			c.add(RuleDisconnectedSession, s.NodeID, "",
				"session %s for node %q is disconnected but still in the table", s.SessionID, s.NodeID)
		}
		if s.ConnectedAt.After(s.LastActivityAt) {
			c.add(RuleSessionTimestampInversion, s.NodeID, "",
				"session %s for node %q connected at %s after last activity at %s",
				s.SessionID, s.NodeID, stamp(s.ConnectedAt), stamp(s.LastActivityAt))
		}
	}

	for _, b := range conversations.Bindings {
		if _, ok := nodes[b.NodeID]; !ok {
			c.add(RuleConversationOrphan, b.NodeID, b.ConversationKey,
				"conversation %q is bound to node %q which has no session", b.ConversationKey, b.NodeID)
		}
		if b.CreatedAt.After(b.LastActiveAt) {
			c.add(RuleConversationTimestampInversion, b.NodeID, b.ConversationKey,
				"conversation %q created at %s after last activity at %s",
				b.ConversationKey, stamp(b.CreatedAt), stamp(b.LastActiveAt))
		}
	}

	for _, g := range deliveries.Groups {
		if _, ok := nodes[g.NodeID]; !ok {
			c.add(RuleDeliveryOrphan, g.NodeID, "",
				"%d pending deliveries for node %q which has no session", len(g.Deliveries), g.NodeID)
		}
	}

	return c.result()
}

type checker struct {
	violations []Violation
	errors     int
}

func (c *checker) add(rule Rule, nodeID, key, format string, args ...any) {
	sev := rule.Severity()
	if sev == SeverityError {
		c.errors++
	}
	c.violations = append(c.violations, Violation{
		Rule:            rule,
		Severity:        sev,
		Detail:          fmt.Sprintf(format, args...),
		NodeID:          nodeID,
		ConversationKey: key,
	})
}

func (c *checker) result() Result {
	violations := c.violations
	if violations == nil {
		violations = []Violation{}
	}
	return Result{Valid: c.errors == 0, Violations: violations}
}
