// ABOUTME: HTTP API handlers exposing session, conversation, delivery and audit state
// ABOUTME: Read-only JSON views, on-demand audits, an HTML audit report, and an SSE transition stream

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-control/internal/binding"
	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/snapshot"
	"github.com/2389/coven-control/internal/store"
)

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions   []snapshot.Session `json:"sessions"`
	CapturedAt time.Time          `json:"captured_at"`
}

// BindingResponse describes one compiled binding rule in pattern form.
type BindingResponse struct {
	Position  int    `json:"position"`
	AgentID   string `json:"agent_id"`
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	CatchAll  bool   `json:"catch_all"`
}

// ListBindingsResponse is the JSON response for GET /api/bindings.
type ListBindingsResponse struct {
	Bindings []BindingResponse `json:"bindings"`
}

// DeliveriesResponse is the JSON response for GET /api/deliveries.
type DeliveriesResponse struct {
	NodeID     string                     `json:"node_id,omitempty"`
	Pending    []snapshot.PendingDelivery `json:"pending,omitempty"`
	Groups     []snapshot.DeliveryGroup   `json:"groups,omitempty"`
	CapturedAt time.Time                  `json:"captured_at"`
}

// AuditHistoryResponse is the JSON response for GET /api/audit/history.
type AuditHistoryResponse struct {
	Runs []store.AuditRun `json:"runs"`
}

// registerAPIRoutes wires the /api and /audit handlers into mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions", g.handleListSessions)
	mux.HandleFunc("/api/sessions/", g.handleGetSession)
	mux.HandleFunc("/api/conversations", g.handleListConversations)
	mux.HandleFunc("/api/deliveries", g.handleListDeliveries)
	mux.HandleFunc("/api/bindings", g.handleListBindings)
	mux.HandleFunc("/api/audit", g.handleAudit)
	mux.HandleFunc("/api/audit/history", g.handleAuditHistory)
	mux.HandleFunc("/api/events", g.handleEvents)
	mux.HandleFunc("/audit", g.handleAuditPage)
}

// handleListSessions handles GET /api/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := g.sessions.Snapshot()
	sessions := snap.Sessions
	if sessions == nil {
		sessions = []snapshot.Session{}
	}
	g.writeJSON(w, SessionsResponse{Sessions: sessions, CapturedAt: snap.CapturedAt})
}

// handleGetSession handles GET /api/sessions/{node_id}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	nodeID := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if nodeID == "" || strings.Contains(nodeID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	s, ok := g.sessions.GetSession(nodeID)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.writeJSON(w, s)
}

// handleListConversations handles GET /api/conversations, optionally
// filtered by ?node_id=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := g.conversations.Snapshot()
	nodeID := r.URL.Query().Get("node_id")
	bindings := make([]snapshot.ConversationBinding, 0, len(snap.Bindings))
	for _, b := range snap.Bindings {
		if nodeID == "" || b.NodeID == nodeID {
			bindings = append(bindings, b)
		}
	}
	snap.Bindings = bindings
	g.writeJSON(w, snap)
}

// handleListDeliveries handles GET /api/deliveries. With ?node_id= it
// returns that node's pending deliveries oldest first, otherwise every group.
func (g *Gateway) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if nodeID := r.URL.Query().Get("node_id"); nodeID != "" {
		pending := g.deliveries.Pending(nodeID)
		if pending == nil {
			pending = []snapshot.PendingDelivery{}
		}
		g.writeJSON(w, DeliveriesResponse{NodeID: nodeID, Pending: pending, CapturedAt: g.clock.Now()})
		return
	}

	snap := g.deliveries.Snapshot()
	groups := snap.Groups
	if groups == nil {
		groups = []snapshot.DeliveryGroup{}
	}
	g.writeJSON(w, DeliveriesResponse{Groups: groups, CapturedAt: snap.CapturedAt})
}

// handleListBindings handles GET /api/bindings, listing compiled rules in
// resolution order.
func (g *Gateway) handleListBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	compiled := g.resolver.Compiled()
	response := ListBindingsResponse{Bindings: make([]BindingResponse, len(compiled))}
	for i, b := range compiled {
		response.Bindings[i] = BindingResponse{
			Position:  i,
			AgentID:   b.AgentID,
			Channel:   matcherPattern(b.Channel),
			AccountID: matcherPattern(b.AccountID),
			PeerID:    matcherPattern(b.PeerID),
			CatchAll:  b.CatchAll(),
		}
	}
	g.writeJSON(w, response)
}

func matcherPattern(m *binding.Matcher) string {
	if m == nil {
		return ""
	}
	return m.String()
}

// handleAudit handles GET /api/audit (latest result) and POST /api/audit
// (run one now).
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		outcome := g.LastAudit()
		if outcome == nil {
			g.sendJSONError(w, http.StatusNotFound, "no audit has run yet")
			return
		}
		g.writeJSON(w, outcome)
	case http.MethodPost:
		g.Audit(r.Context(), store.AuditSourceManual)
		g.writeJSON(w, g.LastAudit())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleAuditHistory handles GET /api/audit/history?limit=N&invalid=true.
func (g *Gateway) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var filter store.AuditFilter
	query := r.URL.Query()
	if limitStr := query.Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = parsed
	}
	if invalidStr := query.Get("invalid"); invalidStr != "" {
		invalid, err := strconv.ParseBool(invalidStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid must be a boolean")
			return
		}
		filter.InvalidOnly = invalid
	}
	if sinceStr := query.Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	runs, err := g.store.ListAudits(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit runs", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if runs == nil {
		runs = []store.AuditRun{}
	}
	g.writeJSON(w, AuditHistoryResponse{Runs: runs})
}

const auditPageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>coven-control audit</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; }
</style>
</head>
<body>
%s
<p><small>ran at %s (%s)</small></p>
</body>
</html>
`

// handleAuditPage handles GET /audit, rendering the latest audit as HTML.
// Runs an audit first if none has run yet.
func (g *Gateway) handleAuditPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	outcome := g.LastAudit()
	if outcome == nil {
		g.Audit(r.Context(), store.AuditSourceManual)
		outcome = g.LastAudit()
	}

	body, err := invariant.RenderHTML(outcome.Result)
	if err != nil {
		g.logger.Error("failed to render audit report", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if !outcome.Result.Valid {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = fmt.Fprintf(w, auditPageTemplate, body, outcome.RanAt.UTC().Format(time.RFC3339), outcome.Source)
}

// handleEvents handles GET /api/events?node_id=X, streaming session
// transitions as server-sent events until the client goes away.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// Check streaming support before sending (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	nodeID := r.URL.Query().Get("node_id")
	events, _ := g.events.Subscribe(r.Context(), nodeID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"node_id": nodeID})
	flusher.Flush()

	g.streamTransitions(r.Context(), w, flusher, events)
}

// streamTransitions writes each transition as a "transition" event until
// ctx is done or the broadcaster closes the channel.
func (g *Gateway) streamTransitions(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan TransitionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				g.writeSSEEvent(w, "closed", map[string]string{"reason": "gateway shutting down"})
				flusher.Flush()
				return
			}
			g.writeSSEEvent(w, "transition", ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes v as a 200 JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
