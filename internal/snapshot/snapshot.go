// ABOUTME: Session, conversation and delivery records plus their versioned snapshots
// ABOUTME: Shared by the owning stores, the SQLite persistence layer and the invariant checker

package snapshot

import (
	"slices"
	"time"
)

// Version is the schema version stamped on every snapshot.
const Version = 1

// SessionState is the lifecycle state of a node session.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateIdle         SessionState = "idle"
	StateSuspended    SessionState = "suspended"
	StateDisconnected SessionState = "disconnected"
)

// Valid reports whether s is one of the four known states.
func (s SessionState) Valid() bool {
	switch s {
	case StateConnected, StateIdle, StateSuspended, StateDisconnected:
		return true
	}
	return false
}

// Session is the gateway's record of one connected node.
// ConnectedAt never moves; LastActivityAt is never before it.
type Session struct {
	SessionID      string       `json:"session_id"`
	NodeID         string       `json:"node_id"`
	State          SessionState `json:"state"`
	ConnectedAt    time.Time    `json:"connected_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	ReconnectCount int          `json:"reconnect_count"`
}

// ConversationBinding records which node owns a conversation.
type ConversationBinding struct {
	ConversationKey string    `json:"conversation_key"`
	NodeID          string    `json:"node_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// PendingDelivery is a message sent to a node and not yet acknowledged.
// PayloadRef points at the message body held elsewhere.
type PendingDelivery struct {
	MessageID  string    `json:"message_id"`
	NodeID     string    `json:"node_id"`
	SentAt     time.Time `json:"sent_at"`
	PayloadRef string    `json:"payload_ref,omitempty"`
}

// DeliveryGroup holds the pending deliveries of one node.
type DeliveryGroup struct {
	NodeID     string            `json:"node_id"`
	Deliveries []PendingDelivery `json:"deliveries"`
}

// SessionManagerSnapshot is a point-in-time copy of the live session table.
type SessionManagerSnapshot struct {
	Version    int       `json:"version"`
	Sessions   []Session `json:"sessions"`
	CapturedAt time.Time `json:"captured_at"`
}

// Clone returns a copy that shares no memory with s.
func (s SessionManagerSnapshot) Clone() SessionManagerSnapshot {
	s.Sessions = slices.Clone(s.Sessions)
	return s
}

// ConversationStoreSnapshot is a point-in-time copy of conversation ownership.
type ConversationStoreSnapshot struct {
	Version    int                   `json:"version"`
	Bindings   []ConversationBinding `json:"bindings"`
	CapturedAt time.Time             `json:"captured_at"`
}

// Clone returns a copy that shares no memory with s.
func (s ConversationStoreSnapshot) Clone() ConversationStoreSnapshot {
	s.Bindings = slices.Clone(s.Bindings)
	return s
}

// DeliveryTrackerSnapshot is a point-in-time copy of unacknowledged deliveries.
type DeliveryTrackerSnapshot struct {
	Version    int             `json:"version"`
	Groups     []DeliveryGroup `json:"groups"`
	CapturedAt time.Time       `json:"captured_at"`
}

// Clone returns a copy that shares no memory with s.
func (s DeliveryTrackerSnapshot) Clone() DeliveryTrackerSnapshot {
	if s.Groups == nil {
		return s
	}
	groups := make([]DeliveryGroup, len(s.Groups))
	for i, g := range s.Groups {
		groups[i] = DeliveryGroup{
			NodeID:     g.NodeID,
			Deliveries: slices.Clone(g.Deliveries),
		}
	}
	s.Groups = groups
	return s
}

// Set is one snapshot of each store, captured together.
type Set struct {
	Sessions      SessionManagerSnapshot    `json:"sessions"`
	Conversations ConversationStoreSnapshot `json:"conversations"`
	Deliveries    DeliveryTrackerSnapshot   `json:"deliveries"`
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	return Set{
		Sessions:      s.Sessions.Clone(),
		Conversations: s.Conversations.Clone(),
		Deliveries:    s.Deliveries.Clone(),
	}
}
