// ABOUTME: In-memory fan-out of session transitions for live observers
// ABOUTME: Feeds the /api/events SSE stream; subscribers filter by node or take everything

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/session"
	"github.com/2389/coven-control/internal/snapshot"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allNodes is the subscription key that receives every node's events.
	allNodes = ""
)

// TransitionEvent is one observed session transition, accepted or rejected.
type TransitionEvent struct {
	NodeID  string                   `json:"node_id"`
	Result  session.TransitionResult `json:"result"`
	Session snapshot.Session         `json:"session"`
	At      time.Time                `json:"at"`
}

// TransitionBroadcaster provides in-memory pub/sub for session transitions.
// Subscribers register for one node ID, or for every node with an empty ID.
type TransitionBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan TransitionEvent // nodeID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewTransitionBroadcaster creates a broadcaster. Pass nil logger for default.
func NewTransitionBroadcaster(logger *slog.Logger) *TransitionBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionBroadcaster{
		subscribers: make(map[string]map[string]chan TransitionEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for nodeID's transitions, or for all
// nodes when nodeID is empty. The subscription is removed and its channel
// closed when ctx is cancelled. After Close, the returned channel is
// already closed.
func (b *TransitionBroadcaster) Subscribe(ctx context.Context, nodeID string) (<-chan TransitionEvent, string) {
	subID := uuid.New().String()
	ch := make(chan TransitionEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[nodeID]; !ok {
		b.subscribers[nodeID] = make(map[string]chan TransitionEvent)
	}
	b.subscribers[nodeID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "node_id", nodeID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(nodeID, subID)
	}()

	return ch, subID
}

// Publish delivers ev to the node's subscribers and to the all-nodes
// subscribers. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (b *TransitionBroadcaster) Publish(ev TransitionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{ev.NodeID, allNodes} {
		for subID, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "node_id", ev.NodeID, "sub_id", subID)
			}
		}
		if ev.NodeID == allNodes {
			break
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *TransitionBroadcaster) Unsubscribe(nodeID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[nodeID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, nodeID)
	}

	b.logger.Debug("subscriber removed", "node_id", nodeID, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (b *TransitionBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *TransitionBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for nodeID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, nodeID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
