// ABOUTME: Delivery Tracker keeps unacknowledged outbound messages grouped by node
// ABOUTME: Mutex-guarded per-node maps with ack, drop-on-disconnect, and snapshot/restore

package delivery

import (
	"errors"
	"sort"
	"sync"

	"github.com/2389/coven-control/internal/clock"
	"github.com/2389/coven-control/internal/snapshot"
)

var (
	// ErrAlreadyPending is returned when a message is tracked twice for the same node.
	ErrAlreadyPending = errors.New("delivery already pending")

	// ErrInvalidDelivery is returned when the node or message ID is empty.
	ErrInvalidDelivery = errors.New("node id and message id are required")
)

// Tracker holds pending deliveries. It is safe for concurrent use.
type Tracker struct {
	clock clock.Clock

	mu     sync.RWMutex
	byNode map[string]map[string]snapshot.PendingDelivery
	total  int
}

// NewTracker creates an empty Tracker. A nil clock means wall-clock time.
func NewTracker(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	return &Tracker{
		clock:  c,
		byNode: make(map[string]map[string]snapshot.PendingDelivery),
	}
}

// Track records that messageID was sent to nodeID.
func (t *Tracker) Track(nodeID, messageID, payloadRef string) (snapshot.PendingDelivery, error) {
	if nodeID == "" || messageID == "" {
		return snapshot.PendingDelivery{}, ErrInvalidDelivery
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pending, ok := t.byNode[nodeID]
	if !ok {
		pending = make(map[string]snapshot.PendingDelivery)
		t.byNode[nodeID] = pending
	}
	if _, dup := pending[messageID]; dup {
		return snapshot.PendingDelivery{}, ErrAlreadyPending
	}

	d := snapshot.PendingDelivery{
		MessageID:  messageID,
		NodeID:     nodeID,
		SentAt:     t.clock.Now(),
		PayloadRef: payloadRef,
	}
	pending[messageID] = d
	t.total++
	return d, nil
}

// Ack clears a pending delivery. Returns false if it was not pending.
func (t *Tracker) Ack(nodeID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, ok := t.byNode[nodeID]
	if !ok {
		return false
	}
	if _, ok := pending[messageID]; !ok {
		return false
	}
	delete(pending, messageID)
	t.total--
	if len(pending) == 0 {
		delete(t.byNode, nodeID)
	}
	return true
}

// Pending returns the deliveries outstanding for nodeID, oldest first.
func (t *Tracker) Pending(nodeID string) []snapshot.PendingDelivery {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedDeliveries(t.byNode[nodeID])
}

// DropNode forgets every delivery for nodeID and returns them, oldest first.
func (t *Tracker) DropNode(nodeID string) []snapshot.PendingDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending, ok := t.byNode[nodeID]
	if !ok {
		return nil
	}
	delete(t.byNode, nodeID)
	t.total -= len(pending)
	return sortedDeliveries(pending)
}

// Len returns the number of pending deliveries across all nodes.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Snapshot returns a copy of all pending deliveries grouped by node. Groups
// are ordered by node ID and never empty.
func (t *Tracker) Snapshot() snapshot.DeliveryTrackerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nodes := make([]string, 0, len(t.byNode))
	for nodeID := range t.byNode {
		nodes = append(nodes, nodeID)
	}
	sort.Strings(nodes)

	groups := make([]snapshot.DeliveryGroup, 0, len(nodes))
	for _, nodeID := range nodes {
		groups = append(groups, snapshot.DeliveryGroup{
			NodeID:     nodeID,
			Deliveries: sortedDeliveries(t.byNode[nodeID]),
		})
	}

	return snapshot.DeliveryTrackerSnapshot{
		Version:    snapshot.Version,
		Groups:     groups,
		CapturedAt: t.clock.Now(),
	}
}

// Restore replaces the tracker's contents with snap. A delivery's NodeID is
// taken from its group; empty groups are skipped.
func (t *Tracker) Restore(snap snapshot.DeliveryTrackerSnapshot) {
	byNode := make(map[string]map[string]snapshot.PendingDelivery, len(snap.Groups))
	total := 0
	for _, g := range snap.Groups {
		for _, d := range g.Deliveries {
			pending, ok := byNode[g.NodeID]
			if !ok {
				pending = make(map[string]snapshot.PendingDelivery)
				byNode[g.NodeID] = pending
			}
			if _, dup := pending[d.MessageID]; !dup {
				total++
			}
			d.NodeID = g.NodeID
			pending[d.MessageID] = d
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byNode = byNode
	t.total = total
}

func sortedDeliveries(pending map[string]snapshot.PendingDelivery) []snapshot.PendingDelivery {
	out := make([]snapshot.PendingDelivery, 0, len(pending))
	for _, d := range pending {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}
