// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives the gateway's mux through httptest recorders and a live SSE stream

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-control/internal/snapshot"
	"github.com/2389/coven-control/internal/store"
)

func doRequest(t *testing.T, gw *Gateway, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	gw.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body: %s", w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	w := doRequest(t, gw, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	w := doRequest(t, gw, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no audit has run yet")

	_, err := gw.Connect("node-1")
	require.NoError(t, err)
	gw.Audit(ctx, store.AuditSourceManual)

	w = doRequest(t, gw, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready (1 sessions)", w.Body.String())

	_, err = gw.conversations.Bind("conv-1", "ghost")
	require.NoError(t, err)
	gw.Audit(ctx, store.AuditSourceManual)

	w = doRequest(t, gw, http.MethodGet, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "last audit found 1 errors", w.Body.String())
}

func TestListSessions(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	w := doRequest(t, gw, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"sessions":[],"captured_at":"2026-03-01T12:00:00Z"}`, w.Body.String())

	for _, node := range []string{"node-b", "node-a"} {
		_, err := gw.Connect(node)
		require.NoError(t, err)
	}

	w = doRequest(t, gw, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[SessionsResponse](t, w)
	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "node-a", resp.Sessions[0].NodeID)
	assert.Equal(t, "node-b", resp.Sessions[1].NodeID)
}

func TestGetSession(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	w := doRequest(t, gw, http.MethodGet, "/api/sessions/node-1")
	require.Equal(t, http.StatusOK, w.Code)
	s := decodeBody[snapshot.Session](t, w)
	assert.Equal(t, snapshot.StateConnected, s.State)

	w = doRequest(t, gw, http.MethodGet, "/api/sessions/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, gw, http.MethodGet, "/api/sessions/a/b")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	for _, target := range []string{
		"/api/sessions",
		"/api/sessions/node-1",
		"/api/conversations",
		"/api/deliveries",
		"/api/bindings",
		"/api/audit/history",
		"/api/events",
		"/audit",
	} {
		t.Run(target, func(t *testing.T) {
			w := doRequest(t, gw, http.MethodDelete, target)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestListConversations(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()
	for i, node := range []string{"node-1", "node-2"} {
		_, err := gw.Connect(node)
		require.NoError(t, err)
		_, err = gw.Dispatch(ctx, InboundMessage{
			Message:         supportMessage(node),
			NodeID:          node,
			ConversationKey: []string{"conv-1", "conv-2"}[i],
		})
		require.NoError(t, err)
	}

	w := doRequest(t, gw, http.MethodGet, "/api/conversations")
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody[snapshot.ConversationStoreSnapshot](t, w)
	assert.Len(t, all.Bindings, 2)

	w = doRequest(t, gw, http.MethodGet, "/api/conversations?node_id=node-2")
	require.Equal(t, http.StatusOK, w.Code)
	filtered := decodeBody[snapshot.ConversationStoreSnapshot](t, w)
	require.Len(t, filtered.Bindings, 1)
	assert.Equal(t, "conv-2", filtered.Bindings[0].ConversationKey)
}

func TestListDeliveries(t *testing.T) {
	gw, fc, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)
	_, err = gw.TrackDelivery("node-1", "out-2", "")
	require.NoError(t, err)
	fc.Advance(time.Second)
	_, err = gw.TrackDelivery("node-1", "out-1", "")
	require.NoError(t, err)

	w := doRequest(t, gw, http.MethodGet, "/api/deliveries?node_id=node-1")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[DeliveriesResponse](t, w)
	require.Len(t, resp.Pending, 2)
	assert.Equal(t, "out-2", resp.Pending[0].MessageID, "oldest first")

	w = doRequest(t, gw, http.MethodGet, "/api/deliveries?node_id=ghost")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pending":[]`)

	w = doRequest(t, gw, http.MethodGet, "/api/deliveries")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decodeBody[DeliveriesResponse](t, w)
	require.Len(t, resp.Groups, 1)
	assert.Equal(t, "node-1", resp.Groups[0].NodeID)
}

func TestListBindings(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	w := doRequest(t, gw, http.MethodGet, "/api/bindings")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[ListBindingsResponse](t, w)
	require.Len(t, resp.Bindings, 2)
	assert.Equal(t, BindingResponse{Position: 0, AgentID: "support", Channel: "support-*"}, resp.Bindings[0])
	assert.Equal(t, BindingResponse{Position: 1, AgentID: "vip", AccountID: "vip-*"}, resp.Bindings[1])
}

func TestAuditEndpoints(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	w := doRequest(t, gw, http.MethodGet, "/api/audit")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, gw, http.MethodPost, "/api/audit")
	require.Equal(t, http.StatusOK, w.Code)
	outcome := decodeBody[AuditOutcome](t, w)
	assert.True(t, outcome.Result.Valid)
	assert.Equal(t, store.AuditSourceManual, outcome.Source)

	w = doRequest(t, gw, http.MethodGet, "/api/audit")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[AuditOutcome](t, w).Result.Valid)

	w = doRequest(t, gw, http.MethodPut, "/api/audit")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuditHistory(t *testing.T) {
	gw, fc, _ := newTestGateway(t)
	ctx := context.Background()

	gw.Audit(ctx, store.AuditSourceManual)
	fc.Advance(time.Minute)
	_, err := gw.conversations.Bind("conv-1", "ghost")
	require.NoError(t, err)
	gw.Audit(ctx, store.AuditSourceManual)

	w := doRequest(t, gw, http.MethodGet, "/api/audit/history")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[AuditHistoryResponse](t, w)
	require.Len(t, resp.Runs, 2)
	assert.False(t, resp.Runs[0].Valid, "newest first")

	w = doRequest(t, gw, http.MethodGet, "/api/audit/history?invalid=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[AuditHistoryResponse](t, w).Runs, 1)

	w = doRequest(t, gw, http.MethodGet, "/api/audit/history?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[AuditHistoryResponse](t, w).Runs, 1)

	w = doRequest(t, gw, http.MethodGet, "/api/audit/history?since=2026-03-01T12:00:30Z")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[AuditHistoryResponse](t, w).Runs, 1)

	for _, query := range []string{"limit=abc", "limit=0", "invalid=maybe", "since=yesterday"} {
		w = doRequest(t, gw, http.MethodGet, "/api/audit/history?"+query)
		assert.Equal(t, http.StatusBadRequest, w.Code, query)
	}
}

func TestAuditPage(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	w := doRequest(t, gw, http.MethodGet, "/audit")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "<h1>Consistency audit</h1>")
	assert.Contains(t, w.Body.String(), "No violations found.")
	require.NotNil(t, gw.LastAudit(), "the page runs an audit when none exists")

	_, err := gw.conversations.Bind("conv-<1>", "ghost")
	require.NoError(t, err)
	gw.Audit(context.Background(), store.AuditSourceManual)

	w = doRequest(t, gw, http.MethodGet, "/audit")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<table>")
	assert.Contains(t, body, "conversation-orphan")
	assert.NotContains(t, body, "conv-<1>", "cell content must be escaped")
}

func TestEventsStream(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	server := httptest.NewServer(gw.Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events?node_id=node-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return event, data
			}
		}
	}

	event, _ := readEvent()
	require.Equal(t, "subscribed", event)

	// Only node-1's transitions reach this subscriber.
	_, err = gw.Connect("node-2")
	require.NoError(t, err)
	_, err = gw.Heartbeat("node-2")
	require.NoError(t, err)
	_, err = gw.Heartbeat("node-1")
	require.NoError(t, err)

	event, data := readEvent()
	require.Equal(t, "transition", event)
	var ev TransitionEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "node-1", ev.NodeID)
	assert.True(t, ev.Result.Valid)
	assert.Equal(t, snapshot.StateConnected, ev.Session.State)
}

func TestEventsStream_ClosedOnShutdown(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	server := httptest.NewServer(gw.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: subscribed\n", line)

	gw.events.Close()

	var sawClosed bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if line == "event: closed\n" {
			sawClosed = true
		}
	}
	assert.True(t, sawClosed)
}
