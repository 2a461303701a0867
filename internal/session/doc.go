// Package session tracks the lifecycle of connected nodes.
//
// # State Machine
//
// Transition is a pure function over four states and six events:
//
//	state \ event   heartbeat  message    idle_timeout  suspend_timeout  disconnect    reconnect
//	connected       connected  connected  idle          -                disconnected  -
//	idle            connected  connected  -             suspended        disconnected  -
//	suspended       -          -          -             -                disconnected  connected
//	disconnected    -          -          -             -                -             -
//
// A dash is a rejected transition: Valid is false and the state is
// unchanged. disconnected is terminal.
//
// # Manager
//
// The Manager owns the live session table:
//
//	mgr := session.NewManager(session.Options{
//	    SessionTimeout: 90 * time.Second,
//	    SuspendTimeout: 5 * time.Minute,
//	    Logger:         logger,
//	})
//	mgr.OnTransition(func(nodeID string, r session.TransitionResult, s snapshot.Session) { ... })
//	mgr.CreateSession("node-1")
//	mgr.HandleEvent("node-1", session.EventHeartbeat)
//
// Entering connected (re)arms an idle timer of SessionTimeout that posts
// idle_timeout. Entering idle arms a suspend timer of SuspendTimeout that
// posts suspend_timeout. suspended and disconnected cancel both. Timer
// callbacks carry a per-session generation and go through the same lock as
// HandleEvent, so a timer for a state the session already left does
// nothing.
//
// A disconnect removes the session from the table. DestroySession does the
// same without running the state machine.
//
// # Errors
//
// ErrNodeAlreadyRegistered and ErrNodeNotFound are caller errors and come
// wrapped in a *NodeError naming the node. Rejected transitions are
// results, not errors.
package session
