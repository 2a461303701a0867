// Package gateway orchestrates the coven-control server components.
//
// # Overview
//
// The gateway package is the central coordinator of the coven-control
// server. It owns the session manager, binding resolver, conversation
// store, delivery tracker and dedupe cache, audits them on a schedule,
// persists clean snapshots, and serves their state over gRPC health checks
// and HTTP.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    config        *config.Config
//	    clock         clock.Clock
//	    sessions      *session.Manager
//	    resolver      *binding.Resolver
//	    conversations *conversation.Store
//	    deliveries    *delivery.Tracker
//	    dedupe        *dedupe.Cache
//	    store         store.Store
//	    events        *TransitionBroadcaster
//	    // ... servers and shutdown state
//	}
//
// # Node Operations
//
// Adapters drive the control plane through control.go:
//
//	gw.Connect(nodeID)             // create, or reconnect a suspended session
//	gw.Heartbeat(nodeID)
//	gw.Dispatch(ctx, inbound)      // dedupe, resolve agent, bind conversation
//	gw.TrackDelivery(nodeID, msgID, ref)
//	gw.AckDelivery(nodeID, msgID)
//	gw.Disconnect(nodeID)
//
// Every session transition, including rejected ones and timer-driven
// idle/suspend transitions, reaches the gateway's observer. It logs the
// outcome, releases the conversations and pending deliveries of a node
// that disconnected, and publishes the transition to SSE subscribers.
//
// # Consistent Snapshots
//
// Operations that touch more than one store hold captureMu shared;
// Snapshot holds it exclusively, so an audit never sees a disconnect
// half applied.
//
// # Auditing
//
// Audit runs the invariant checker over a snapshot set. The result
// drives the "coven.control.Consistency" gRPC health status and
// /health/ready, is recorded in the audit history, and, when valid and
// audit.persist is on, is saved for crash recovery. Recover reloads the
// saved set on startup, dropping orphaned conversations and deliveries
// and refusing sets with any other error. It only runs against empty
// stores.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once the latest audit found no errors
//   - GET /api/sessions, GET /api/sessions/{node_id}
//   - GET /api/conversations?node_id=
//   - GET /api/deliveries?node_id=
//   - GET /api/bindings - Compiled rules in resolution order
//   - GET /api/audit - Latest audit; POST runs one now
//   - GET /api/audit/history?limit=&invalid=&since=
//   - GET /api/events?node_id= - Session transitions as SSE
//   - GET /audit - Latest audit report as HTML
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run recovers persisted state, starts the listeners (TCP or tsnet) and
// the audit loop, and shuts everything down when ctx is canceled.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - control.go: node operations and the transition observer
//   - audit.go: auditing, health publication, recovery
//   - api.go: HTTP handlers and SSE streaming
//   - broadcaster.go: transition fan-out
package gateway
