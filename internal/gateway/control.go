// ABOUTME: Node-facing control operations: connect, heartbeat, disconnect, dispatch, delivery acks
// ABOUTME: The transition observer logs every outcome and cleans up after disconnected nodes

package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-control/internal/binding"
	"github.com/2389/coven-control/internal/session"
	"github.com/2389/coven-control/internal/snapshot"
)

var (
	// ErrDuplicateMessage is returned when an inbound message ID was already dispatched.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrNoRoute is returned when no binding matches an inbound message.
	ErrNoRoute = errors.New("no binding matches message")

	// ErrMessageRejected is returned when the sending node's session does
	// not accept messages in its current state.
	ErrMessageRejected = errors.New("session rejected message")
)

// InboundMessage is a message arriving from a node, with the routing
// fields the resolver needs. NodeID and ConversationKey are optional.
type InboundMessage struct {
	Message         binding.Message `json:"message"`
	NodeID          string          `json:"node_id,omitempty"`
	ConversationKey string          `json:"conversation_key,omitempty"`
}

// Route is where Dispatch sent a message.
type Route struct {
	AgentID         string `json:"agent_id"`
	NodeID          string `json:"node_id,omitempty"`
	ConversationKey string `json:"conversation_key,omitempty"`
}

// Connect opens a session for nodeID, or resumes its existing one. An idle
// session is woken with a heartbeat; any other state gets a reconnect
// event. A rejected event leaves the session as it was; the rejection is
// reported to observers and the current session is returned.
func (g *Gateway) Connect(nodeID string) (snapshot.Session, error) {
	g.captureMu.RLock()
	defer g.captureMu.RUnlock()

	existing, ok := g.sessions.GetSession(nodeID)
	if !ok {
		s, err := g.sessions.CreateSession(nodeID)
		if err == nil || !errors.Is(err, session.ErrNodeAlreadyRegistered) {
			return s, err
		}
		// Lost a race with another Connect for the same node.
		existing, _ = g.sessions.GetSession(nodeID)
	}

	event := session.EventReconnect
	if existing.State == snapshot.StateIdle {
		event = session.EventHeartbeat
	}
	if _, err := g.sessions.HandleEvent(nodeID, event); err != nil {
		return snapshot.Session{}, err
	}
	s, ok := g.sessions.GetSession(nodeID)
	if !ok {
		return snapshot.Session{}, &session.NodeError{Op: "connect", NodeID: nodeID, Err: session.ErrNodeNotFound}
	}
	return s, nil
}

// Heartbeat records node liveness.
func (g *Gateway) Heartbeat(nodeID string) (session.TransitionResult, error) {
	return g.sessions.HandleEvent(nodeID, session.EventHeartbeat)
}

// Disconnect ends the node's session. Its conversations are released and
// its pending deliveries dropped by the transition observer.
func (g *Gateway) Disconnect(nodeID string) (session.TransitionResult, error) {
	g.captureMu.RLock()
	defer g.captureMu.RUnlock()
	return g.sessions.HandleEvent(nodeID, session.EventDisconnect)
}

// Dispatch routes an inbound message to an agent. Replayed message IDs are
// rejected. When NodeID is set the message counts as node activity, and
// when ConversationKey is also set the conversation is bound to the node.
// A message that fails to dispatch is forgotten by the dedupe cache so the
// sender may retry it.
func (g *Gateway) Dispatch(ctx context.Context, in InboundMessage) (route Route, err error) {
	if err := ctx.Err(); err != nil {
		return Route{}, err
	}

	if id := in.Message.ID; id != "" {
		if g.dedupe.Observe(id) {
			g.logger.Debug("dropped duplicate message", "message_id", id, "node_id", in.NodeID)
			return Route{}, fmt.Errorf("message %q: %w", id, ErrDuplicateMessage)
		}
		defer func() {
			if err != nil {
				g.dedupe.Forget(id)
			}
		}()
	}

	agentID, ok := g.resolver.Resolve(in.Message)
	if !ok {
		g.logger.Warn("no route for message",
			"message_id", in.Message.ID,
			"channel_id", in.Message.ChannelID,
			"node_id", in.NodeID,
		)
		return Route{}, ErrNoRoute
	}
	route = Route{AgentID: agentID}

	if in.NodeID == "" {
		return route, nil
	}

	g.captureMu.RLock()
	defer g.captureMu.RUnlock()

	result, err := g.sessions.HandleEvent(in.NodeID, session.EventMessage)
	if err != nil {
		return Route{}, err
	}
	if !result.Valid {
		return Route{}, fmt.Errorf("node %q in state %s: %w", in.NodeID, result.PreviousState, ErrMessageRejected)
	}
	route.NodeID = in.NodeID

	if in.ConversationKey != "" {
		if _, err := g.conversations.Bind(in.ConversationKey, in.NodeID); err != nil {
			return Route{}, err
		}
		route.ConversationKey = in.ConversationKey
	}

	g.logger.Debug("dispatched message",
		"message_id", in.Message.ID,
		"agent_id", route.AgentID,
		"node_id", route.NodeID,
		"conversation_key", route.ConversationKey,
	)
	return route, nil
}

// TrackDelivery records an outbound message to a connected node.
func (g *Gateway) TrackDelivery(nodeID, messageID, payloadRef string) (snapshot.PendingDelivery, error) {
	g.captureMu.RLock()
	defer g.captureMu.RUnlock()

	if _, ok := g.sessions.GetSession(nodeID); !ok {
		return snapshot.PendingDelivery{}, &session.NodeError{Op: "track delivery", NodeID: nodeID, Err: session.ErrNodeNotFound}
	}
	return g.deliveries.Track(nodeID, messageID, payloadRef)
}

// AckDelivery clears a pending delivery. Returns false if it was not pending.
func (g *Gateway) AckDelivery(nodeID, messageID string) bool {
	return g.deliveries.Ack(nodeID, messageID)
}

// ReloadBindings swaps in a new rule set. In-flight resolutions finish
// against the old set.
func (g *Gateway) ReloadBindings(rules []binding.Rule) {
	g.resolver.UpdateBindings(rules)
	g.logger.Info("bindings reloaded", "bindings", len(rules))
}

// Snapshot captures all three stores as one consistent set.
func (g *Gateway) Snapshot() snapshot.Set {
	g.captureMu.Lock()
	defer g.captureMu.Unlock()

	return snapshot.Set{
		Sessions:      g.sessions.Snapshot(),
		Conversations: g.conversations.Snapshot(),
		Deliveries:    g.deliveries.Snapshot(),
	}
}

// handleTransition observes every session event. It runs while the session
// manager serializes events, so it must not call back into the manager's
// mutating methods.
func (g *Gateway) handleTransition(nodeID string, result session.TransitionResult, after snapshot.Session) {
	if result.Valid {
		g.logger.Debug("session transition", "node_id", nodeID, "transition", result)
	} else {
		g.logger.Warn("session transition rejected",
			"node_id", nodeID,
			"transition", result,
			"state", after.State,
		)
	}

	if result.Valid && result.State == snapshot.StateDisconnected {
		released := g.conversations.ReleaseNode(nodeID)
		dropped := g.deliveries.DropNode(nodeID)
		if released > 0 || len(dropped) > 0 {
			g.logger.Info("released disconnected node",
				"node_id", nodeID,
				"conversations", released,
				"pending_deliveries", len(dropped),
			)
		}
	}

	g.events.Publish(TransitionEvent{
		NodeID:  nodeID,
		Result:  result,
		Session: after,
		At:      g.clock.Now(),
	})
}
