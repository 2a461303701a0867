// ABOUTME: Tests for the Gateway orchestrator: node operations, auditing, recovery and lifecycle
// ABOUTME: Uses a fake clock for session timers and MockStore for persistence

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-control/internal/binding"
	"github.com/2389/coven-control/internal/clock"
	"github.com/2389/coven-control/internal/config"
	"github.com/2389/coven-control/internal/invariant"
	"github.com/2389/coven-control/internal/session"
	"github.com/2389/coven-control/internal/snapshot"
	"github.com/2389/coven-control/internal/store"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	// Find available ports
	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available gRPC port: %v", err)
	}
	grpcAddr := grpcListener.Addr().String()
	grpcListener.Close()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: grpcAddr,
			HTTPAddr: httpAddr,
		},
		Database: config.DatabaseConfig{
			Path: ":memory:",
		},
		Bindings: []binding.Rule{
			{AgentID: "support", Match: &binding.MatchSpec{Channel: binding.Pattern("support-*")}},
			{AgentID: "vip", Match: &binding.MatchSpec{AccountID: binding.Pattern("vip-*")}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway on a fake clock and an in-memory store.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) (*Gateway, *clock.FakeClock, *store.MockStore) {
	t.Helper()

	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	fc := clock.Fake(epoch)
	ms := store.NewMockStore()

	gw, err := New(cfg, testLogger(), WithClock(fc), WithStore(ms))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, fc, ms
}

func supportMessage(id string) binding.Message {
	return binding.Message{ID: id, ChannelID: "support-eu"}
}

func consistencyStatus(t *testing.T, gw *Gateway) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := gw.healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	return resp.Status
}

func TestGatewayNew(t *testing.T) {
	gw, _, ms := newTestGateway(t)

	assert.NotNil(t, gw.sessions)
	assert.NotNil(t, gw.resolver)
	assert.NotNil(t, gw.conversations)
	assert.NotNil(t, gw.deliveries)
	assert.Same(t, ms, gw.store)
	assert.Nil(t, gw.LastAudit())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, consistencyStatus(t, gw))
}

func TestConnect_CreatesSession(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	s, err := gw.Connect("node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", s.NodeID)
	assert.Equal(t, snapshot.StateConnected, s.State)
	assert.Equal(t, epoch, s.ConnectedAt)
	assert.Zero(t, s.ReconnectCount)
	assert.NotEmpty(t, s.SessionID)
}

func TestConnect_ResumesSuspendedSession(t *testing.T) {
	gw, fc, _ := newTestGateway(t)

	first, err := gw.Connect("node-1")
	require.NoError(t, err)

	fc.Advance(config.DefaultSessionTimeout)
	s, _ := gw.sessions.GetSession("node-1")
	require.Equal(t, snapshot.StateIdle, s.State)

	fc.Advance(config.DefaultSuspendTimeout)
	s, _ = gw.sessions.GetSession("node-1")
	require.Equal(t, snapshot.StateSuspended, s.State)

	resumed, err := gw.Connect("node-1")
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateConnected, resumed.State)
	assert.Equal(t, 1, resumed.ReconnectCount)
	assert.Equal(t, first.SessionID, resumed.SessionID)
	assert.Equal(t, first.ConnectedAt, resumed.ConnectedAt)
}

func TestConnect_WakesIdleSession(t *testing.T) {
	gw, fc, _ := newTestGateway(t)

	first, err := gw.Connect("node-1")
	require.NoError(t, err)

	fc.Advance(config.DefaultSessionTimeout)
	s, _ := gw.sessions.GetSession("node-1")
	require.Equal(t, snapshot.StateIdle, s.State)

	woken, err := gw.Connect("node-1")
	require.NoError(t, err)
	assert.Equal(t, snapshot.StateConnected, woken.State)
	assert.Equal(t, first.SessionID, woken.SessionID)
	assert.Zero(t, woken.ReconnectCount)
	assert.Equal(t, epoch.Add(config.DefaultSessionTimeout), woken.LastActivityAt)

	// The idle timer is rearmed from the wake-up, not the suspend timer.
	fc.Advance(config.DefaultSessionTimeout - time.Second)
	s, _ = gw.sessions.GetSession("node-1")
	assert.Equal(t, snapshot.StateConnected, s.State)
}

func TestConnect_ConnectedNodeRejectsReconnect(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := gw.events.Subscribe(ctx, "node-1")

	first, err := gw.Connect("node-1")
	require.NoError(t, err)

	again, err := gw.Connect("node-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	ev := receive(t, events)
	assert.False(t, ev.Result.Valid)
	assert.Equal(t, session.EventReconnect, ev.Result.Event)
	assert.Equal(t, snapshot.StateConnected, ev.Session.State)
}

func TestHeartbeat_KeepsSessionConnected(t *testing.T) {
	gw, fc, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	fc.Advance(60 * time.Second)
	result, err := gw.Heartbeat("node-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)

	fc.Advance(60 * time.Second)
	s, ok := gw.sessions.GetSession("node-1")
	require.True(t, ok)
	assert.Equal(t, snapshot.StateConnected, s.State)
	assert.Equal(t, epoch.Add(60*time.Second), s.LastActivityAt)
}

func TestHeartbeat_UnknownNode(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.Heartbeat("ghost")
	assert.ErrorIs(t, err, session.ErrNodeNotFound)
}

func TestDispatch_ResolvesAgent(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	tests := []struct {
		name  string
		msg   binding.Message
		agent string
	}{
		{"channel prefix", binding.Message{ChannelID: "support-us"}, "support"},
		{"first match wins", binding.Message{ChannelID: "support-us", Routing: &binding.RoutingContext{AccountID: "vip-1"}}, "support"},
		{"account prefix", binding.Message{ChannelID: "general", Routing: &binding.RoutingContext{AccountID: "vip-1"}}, "vip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := gw.Dispatch(context.Background(), InboundMessage{Message: tt.msg})
			require.NoError(t, err)
			assert.Equal(t, tt.agent, route.AgentID)
			assert.Empty(t, route.NodeID)
		})
	}
}

func TestDispatch_BindsConversation(t *testing.T) {
	gw, fc, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	fc.Advance(30 * time.Second)
	route, err := gw.Dispatch(context.Background(), InboundMessage{
		Message:         supportMessage("m1"),
		NodeID:          "node-1",
		ConversationKey: "conv-1",
	})
	require.NoError(t, err)
	assert.Equal(t, Route{AgentID: "support", NodeID: "node-1", ConversationKey: "conv-1"}, route)

	b, ok := gw.conversations.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "node-1", b.NodeID)

	s, _ := gw.sessions.GetSession("node-1")
	assert.Equal(t, epoch.Add(30*time.Second), s.LastActivityAt)
}

func TestDispatch_DuplicateMessage(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	_, err := gw.Dispatch(ctx, InboundMessage{Message: supportMessage("m1")})
	require.NoError(t, err)

	_, err = gw.Dispatch(ctx, InboundMessage{Message: supportMessage("m1")})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	// Messages without an ID are never deduplicated.
	_, err = gw.Dispatch(ctx, InboundMessage{Message: supportMessage("")})
	require.NoError(t, err)
	_, err = gw.Dispatch(ctx, InboundMessage{Message: supportMessage("")})
	require.NoError(t, err)
}

func TestDispatch_NoRouteForgetsMessage(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()
	msg := InboundMessage{Message: binding.Message{ID: "m1", ChannelID: "general"}}

	_, err := gw.Dispatch(ctx, msg)
	require.ErrorIs(t, err, ErrNoRoute)

	gw.ReloadBindings([]binding.Rule{{AgentID: "fallback"}})

	route, err := gw.Dispatch(ctx, msg)
	require.NoError(t, err, "a failed dispatch must not mark the ID as seen")
	assert.Equal(t, "fallback", route.AgentID)
}

func TestDispatch_RejectedBySuspendedSession(t *testing.T) {
	gw, fc, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)
	fc.Advance(config.DefaultSessionTimeout + config.DefaultSuspendTimeout)

	_, err = gw.Dispatch(context.Background(), InboundMessage{
		Message:         supportMessage("m1"),
		NodeID:          "node-1",
		ConversationKey: "conv-1",
	})
	require.ErrorIs(t, err, ErrMessageRejected)

	_, ok := gw.conversations.Get("conv-1")
	assert.False(t, ok)
	s, _ := gw.sessions.GetSession("node-1")
	assert.Equal(t, snapshot.StateSuspended, s.State)
}

func TestDispatch_UnknownNode(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.Dispatch(context.Background(), InboundMessage{Message: supportMessage("m1"), NodeID: "ghost"})
	assert.ErrorIs(t, err, session.ErrNodeNotFound)
}

func TestDispatch_CanceledContext(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Dispatch(ctx, InboundMessage{Message: supportMessage("m1")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrackDelivery_RequiresSession(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.TrackDelivery("ghost", "m1", "")
	assert.ErrorIs(t, err, session.ErrNodeNotFound)

	_, err = gw.Connect("node-1")
	require.NoError(t, err)
	d, err := gw.TrackDelivery("node-1", "m1", "blob://m1")
	require.NoError(t, err)
	assert.Equal(t, epoch, d.SentAt)

	assert.True(t, gw.AckDelivery("node-1", "m1"))
	assert.False(t, gw.AckDelivery("node-1", "m1"))
}

func TestDisconnect_ReleasesNodeState(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	ctx := context.Background()

	for _, node := range []string{"node-1", "node-2"} {
		_, err := gw.Connect(node)
		require.NoError(t, err)
	}
	_, err := gw.Dispatch(ctx, InboundMessage{Message: supportMessage("m1"), NodeID: "node-1", ConversationKey: "conv-1"})
	require.NoError(t, err)
	_, err = gw.Dispatch(ctx, InboundMessage{Message: supportMessage("m2"), NodeID: "node-2", ConversationKey: "conv-2"})
	require.NoError(t, err)
	_, err = gw.TrackDelivery("node-1", "out-1", "")
	require.NoError(t, err)
	_, err = gw.TrackDelivery("node-2", "out-2", "")
	require.NoError(t, err)

	result, err := gw.Disconnect("node-1")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, snapshot.StateDisconnected, result.State)

	_, ok := gw.sessions.GetSession("node-1")
	assert.False(t, ok)
	_, ok = gw.conversations.Get("conv-1")
	assert.False(t, ok)
	assert.Empty(t, gw.deliveries.Pending("node-1"))

	_, ok = gw.conversations.Get("conv-2")
	assert.True(t, ok)
	assert.Len(t, gw.deliveries.Pending("node-2"), 1)

	assert.True(t, gw.Audit(ctx, store.AuditSourceManual).Valid)
}

func TestSnapshot_CapturesAllStores(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.Connect("node-1")
	require.NoError(t, err)
	_, err = gw.Dispatch(context.Background(), InboundMessage{Message: supportMessage("m1"), NodeID: "node-1", ConversationKey: "conv-1"})
	require.NoError(t, err)
	_, err = gw.TrackDelivery("node-1", "out-1", "")
	require.NoError(t, err)

	set := gw.Snapshot()
	require.Len(t, set.Sessions.Sessions, 1)
	require.Len(t, set.Conversations.Bindings, 1)
	require.Len(t, set.Deliveries.Groups, 1)
	assert.Equal(t, snapshot.Version, set.Sessions.Version)
	assert.Equal(t, epoch, set.Sessions.CapturedAt)
}

func TestAudit_ValidPublishesHealth(t *testing.T) {
	gw, _, ms := newTestGateway(t)
	ctx := context.Background()
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	result := gw.Audit(ctx, store.AuditSourceManual)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Violations)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, consistencyStatus(t, gw))

	outcome := gw.LastAudit()
	require.NotNil(t, outcome)
	assert.Equal(t, store.AuditSourceManual, outcome.Source)
	assert.Equal(t, epoch, outcome.RanAt)

	runs, err := ms.ListAudits(ctx, store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Valid)
	assert.Equal(t, epoch, runs[0].RanAt)

	assert.Zero(t, ms.Saves(), "persist is off")
}

func TestAudit_PersistsValidSet(t *testing.T) {
	gw, _, ms := newTestGateway(t, func(c *config.Config) { c.Audit.Persist = true })
	ctx := context.Background()
	_, err := gw.Connect("node-1")
	require.NoError(t, err)

	gw.Audit(ctx, store.AuditSourceScheduled)
	assert.Equal(t, 1, ms.Saves())

	set, err := ms.LoadSet(ctx)
	require.NoError(t, err)
	require.Len(t, set.Sessions.Sessions, 1)
	assert.Equal(t, "node-1", set.Sessions.Sessions[0].NodeID)
}

func TestAudit_InvalidBlocksPersistence(t *testing.T) {
	gw, _, ms := newTestGateway(t, func(c *config.Config) { c.Audit.Persist = true })
	ctx := context.Background()

	gw.Audit(ctx, store.AuditSourceManual)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, consistencyStatus(t, gw))
	require.Equal(t, 1, ms.Saves())

	// A binding to a node without a session cannot arise through the
	// gateway's operations; plant one directly.
	_, err := gw.conversations.Bind("conv-1", "ghost")
	require.NoError(t, err)

	result := gw.Audit(ctx, store.AuditSourceManual)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.Count(invariant.RuleConversationOrphan))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, consistencyStatus(t, gw))
	assert.Equal(t, 1, ms.Saves(), "invalid sets are never persisted")

	runs, err := ms.ListAudits(ctx, store.AuditFilter{InvalidOnly: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].ErrorCount)
}

func TestAudit_SaveFailureStillReturnsResult(t *testing.T) {
	gw, _, ms := newTestGateway(t, func(c *config.Config) { c.Audit.Persist = true })
	ms.SaveErr = errors.New("disk full")

	result := gw.Audit(context.Background(), store.AuditSourceManual)
	assert.True(t, result.Valid)
	assert.NotNil(t, gw.LastAudit())
}

func TestAudit_PrunesHistory(t *testing.T) {
	gw, _, ms := newTestGateway(t, func(c *config.Config) { c.Audit.KeepRuns = 2 })
	ctx := context.Background()

	for range 5 {
		gw.Audit(ctx, store.AuditSourceManual)
	}

	runs, err := ms.ListAudits(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestAuditLoop_RunsOnInterval(t *testing.T) {
	gw, fc, ms := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.runAuditLoop(ctx)
	}()

	// The dedupe sweeper holds one ticker; the loop adds the second.
	fc.WaitForTimers(2)
	fc.Advance(config.DefaultAuditInterval)

	require.Eventually(t, func() bool { return gw.LastAudit() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, store.AuditSourceScheduled, gw.LastAudit().Source)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("audit loop did not stop")
	}

	runs, err := ms.ListAudits(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// persistedSet builds a set as a previous process would have saved it.
func persistedSet() snapshot.Set {
	at := epoch.Add(-time.Minute)
	return snapshot.Set{
		Sessions: snapshot.SessionManagerSnapshot{
			Version: snapshot.Version,
			Sessions: []snapshot.Session{
				{SessionID: "s1", NodeID: "node-1", State: snapshot.StateConnected, ConnectedAt: at, LastActivityAt: at, ReconnectCount: 2},
				{SessionID: "s2", NodeID: "node-2", State: snapshot.StateDisconnected, ConnectedAt: at, LastActivityAt: at},
			},
			CapturedAt: at,
		},
		Conversations: snapshot.ConversationStoreSnapshot{
			Version: snapshot.Version,
			Bindings: []snapshot.ConversationBinding{
				{ConversationKey: "conv-1", NodeID: "node-1", CreatedAt: at, LastActiveAt: at},
				{ConversationKey: "conv-2", NodeID: "node-2", CreatedAt: at, LastActiveAt: at},
			},
			CapturedAt: at,
		},
		Deliveries: snapshot.DeliveryTrackerSnapshot{
			Version: snapshot.Version,
			Groups: []snapshot.DeliveryGroup{
				{NodeID: "ghost", Deliveries: []snapshot.PendingDelivery{{MessageID: "g1", NodeID: "ghost", SentAt: at}}},
				{NodeID: "node-1", Deliveries: []snapshot.PendingDelivery{{MessageID: "m1", NodeID: "node-1", SentAt: at}}},
			},
			CapturedAt: at,
		},
	}
}

func TestRecover_RestoresAndDropsOrphans(t *testing.T) {
	gw, _, ms := newTestGateway(t)
	ctx := context.Background()
	require.NoError(t, ms.SaveSet(ctx, persistedSet()))

	report, err := gw.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, 1, report.Conversations)
	assert.Equal(t, 1, report.DroppedConversations)
	assert.Equal(t, 1, report.Deliveries)
	assert.Equal(t, 1, report.DroppedDeliveries)

	s, ok := gw.sessions.GetSession("node-1")
	require.True(t, ok)
	assert.Equal(t, "s1", s.SessionID)
	assert.Equal(t, 2, s.ReconnectCount)
	_, ok = gw.sessions.GetSession("node-2")
	assert.False(t, ok)

	_, ok = gw.conversations.Get("conv-1")
	assert.True(t, ok)
	_, ok = gw.conversations.Get("conv-2")
	assert.False(t, ok)
	assert.Len(t, gw.deliveries.Pending("node-1"), 1)
	assert.Empty(t, gw.deliveries.Pending("ghost"))

	outcome := gw.LastAudit()
	require.NotNil(t, outcome)
	assert.Equal(t, store.AuditSourceRecovery, outcome.Source)
	assert.True(t, outcome.Result.Valid)
}

func TestRecover_RefusesCorruptSet(t *testing.T) {
	gw, _, ms := newTestGateway(t)
	ctx := context.Background()

	set := persistedSet()
	dup := set.Sessions.Sessions[0]
	dup.SessionID = "s3"
	set.Sessions.Sessions = append(set.Sessions.Sessions, dup)
	require.NoError(t, ms.SaveSet(ctx, set))

	_, err := gw.Recover(ctx)
	require.ErrorIs(t, err, ErrCorruptSnapshot)

	assert.Zero(t, gw.sessions.Len())
	assert.Zero(t, gw.conversations.Len())
	assert.Zero(t, gw.deliveries.Len())
	assert.Nil(t, gw.LastAudit())
}

func TestRecover_NothingPersisted(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.Recover(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecover_RefusesNonEmptyStores(t *testing.T) {
	t.Run("colliding session", func(t *testing.T) {
		gw, _, ms := newTestGateway(t)
		ctx := context.Background()
		require.NoError(t, ms.SaveSet(ctx, persistedSet()))

		live, err := gw.Connect("node-1")
		require.NoError(t, err)

		_, err = gw.Recover(ctx)
		require.ErrorIs(t, err, ErrStoresNotEmpty)

		s, ok := gw.sessions.GetSession("node-1")
		require.True(t, ok)
		assert.Equal(t, live.SessionID, s.SessionID)
		assert.Zero(t, gw.conversations.Len())
		assert.Zero(t, gw.deliveries.Len())
	})

	t.Run("live conversation and delivery kept", func(t *testing.T) {
		gw, _, ms := newTestGateway(t)
		ctx := context.Background()
		require.NoError(t, ms.SaveSet(ctx, persistedSet()))

		_, err := gw.Connect("live-x")
		require.NoError(t, err)
		_, err = gw.Dispatch(ctx, InboundMessage{
			Message:         supportMessage("m-live"),
			NodeID:          "live-x",
			ConversationKey: "conv-live",
		})
		require.NoError(t, err)
		_, err = gw.TrackDelivery("live-x", "d-live", "")
		require.NoError(t, err)

		_, err = gw.Recover(ctx)
		require.ErrorIs(t, err, ErrStoresNotEmpty)

		b, ok := gw.conversations.Get("conv-live")
		require.True(t, ok)
		assert.Equal(t, "live-x", b.NodeID)
		assert.Len(t, gw.deliveries.Pending("live-x"), 1)

		_, ok = gw.sessions.GetSession("node-1")
		assert.False(t, ok, "persisted sessions must not be merged in")
		_, ok = gw.conversations.Get("conv-1")
		assert.False(t, ok)
		assert.Nil(t, gw.LastAudit())
	})
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = t.TempDir() + "/control.db"

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	// Shutdown after Run is a no-op.
	assert.NoError(t, gw.Shutdown(context.Background()))
}

func TestGatewayRun_RecoversPersistedState(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Persist = true
	ms := store.NewMockStore()
	require.NoError(t, ms.SaveSet(context.Background(), persistedSet()))

	gw, err := New(cfg, testLogger(), WithStore(ms))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, ok := gw.sessions.GetSession("node-1")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
	assert.True(t, ms.Closed())
}
