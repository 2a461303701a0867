// ABOUTME: Conversation Store records which node currently owns each conversation key
// ABOUTME: Mutex-guarded map with ownership transfer, node release, and snapshot/restore

package conversation

import (
	"errors"
	"sort"
	"sync"

	"github.com/2389/coven-control/internal/clock"
	"github.com/2389/coven-control/internal/snapshot"
)

// ErrInvalidBinding is returned when a conversation key or node ID is empty.
var ErrInvalidBinding = errors.New("conversation key and node id are required")

// Store tracks conversation ownership. It is safe for concurrent use.
type Store struct {
	clock clock.Clock

	mu       sync.RWMutex
	bindings map[string]snapshot.ConversationBinding
}

// NewStore creates an empty Store. A nil clock means wall-clock time.
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:    c,
		bindings: make(map[string]snapshot.ConversationBinding),
	}
}

// Bind assigns key to nodeID. A new key starts a binding; an existing key
// is handed to nodeID (possibly the same node) and marked active, keeping
// its original CreatedAt.
func (s *Store) Bind(key, nodeID string) (snapshot.ConversationBinding, error) {
	if key == "" || nodeID == "" {
		return snapshot.ConversationBinding{}, ErrInvalidBinding
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b, ok := s.bindings[key]
	if !ok {
		b = snapshot.ConversationBinding{ConversationKey: key, CreatedAt: now}
	}
	b.NodeID = nodeID
	b.LastActiveAt = now
	s.bindings[key] = b
	return b, nil
}

// Touch marks key active. Returns false if it is not bound.
func (s *Store) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[key]
	if !ok {
		return false
	}
	b.LastActiveAt = s.clock.Now()
	s.bindings[key] = b
	return true
}

// Get returns the binding for key.
func (s *Store) Get(key string) (snapshot.ConversationBinding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[key]
	return b, ok
}

// Unbind removes key. Returns false if it was not bound.
func (s *Store) Unbind(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[key]; !ok {
		return false
	}
	delete(s.bindings, key)
	return true
}

// ReleaseNode removes every binding owned by nodeID and returns how many
// were removed.
func (s *Store) ReleaseNode(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.bindings {
		if b.NodeID == nodeID {
			delete(s.bindings, key)
			n++
		}
	}
	return n
}

// Len returns the number of bound conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

// Snapshot returns a copy of every binding, ordered by key.
func (s *Store) Snapshot() snapshot.ConversationStoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]snapshot.ConversationBinding, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationKey < out[j].ConversationKey })

	return snapshot.ConversationStoreSnapshot{
		Version:    snapshot.Version,
		Bindings:   out,
		CapturedAt: s.clock.Now(),
	}
}

// Restore replaces the store's contents with the bindings in snap. Later
// entries win when a key appears twice.
func (s *Store) Restore(snap snapshot.ConversationStoreSnapshot) {
	bindings := make(map[string]snapshot.ConversationBinding, len(snap.Bindings))
	for _, b := range snap.Bindings {
		bindings[b.ConversationKey] = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = bindings
}
