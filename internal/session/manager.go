// ABOUTME: Session Manager owns the live table of node sessions and their idle/suspend timers
// ABOUTME: Drives the state machine, notifies transition observers, and produces snapshots

package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/clock"
	"github.com/2389/coven-control/internal/snapshot"
)

const (
	// DefaultSessionTimeout is how long a connected node may stay silent before going idle.
	DefaultSessionTimeout = 90 * time.Second

	// DefaultSuspendTimeout is how long an idle node waits before being suspended.
	DefaultSuspendTimeout = 5 * time.Minute
)

// TransitionHandler observes every HandleEvent call, accepted or rejected.
// after is the session as it stands once the event was applied; for a
// disconnect it is the final record that was just removed.
type TransitionHandler func(nodeID string, result TransitionResult, after snapshot.Session)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	SessionTimeout time.Duration
	SuspendTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// entry is a live session plus its timer bookkeeping. generation is
// bumped whenever the timer is replaced or cancelled, so a callback armed
// for an older generation knows it is stale.
type entry struct {
	session    snapshot.Session
	timer      *clock.Timer
	generation uint64
}

// Manager tracks the sessions of all connected nodes.
//
// eventMu serializes every mutation, including timer-driven events, and is
// held while observers run so they see events in processing order. mu
// guards the table itself and is never held while calling observers, so
// observers may use the read methods. Observers must not call mutating
// methods.
type Manager struct {
	sessionTimeout time.Duration
	suspendTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	eventMu sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*entry
	handlers []TransitionHandler
	disposed bool
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.SuspendTimeout <= 0 {
		opts.SuspendTimeout = DefaultSuspendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessionTimeout: opts.SessionTimeout,
		suspendTimeout: opts.SuspendTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger,
		sessions:       make(map[string]*entry),
	}
}

// CreateSession registers a newly connected node and starts its idle timer.
// Returns ErrNodeAlreadyRegistered if the node already has a live session.
func (m *Manager) CreateSession(nodeID string) (snapshot.Session, error) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return snapshot.Session{}, &NodeError{Op: "create session", NodeID: nodeID, Err: ErrDisposed}
	}
	if _, exists := m.sessions[nodeID]; exists {
		return snapshot.Session{}, &NodeError{Op: "create session", NodeID: nodeID, Err: ErrNodeAlreadyRegistered}
	}

	now := m.clock.Now()
	e := &entry{session: snapshot.Session{
		SessionID:      uuid.New().String(),
		NodeID:         nodeID,
		State:          snapshot.StateConnected,
		ConnectedAt:    now,
		LastActivityAt: now,
	}}
	m.sessions[nodeID] = e
	m.scheduleLocked(nodeID, e)

	m.logger.Info("session created",
		"node_id", nodeID,
		"session_id", e.session.SessionID,
		"total_sessions", len(m.sessions),
	)
	return e.session, nil
}

// GetSession returns a copy of the node's live session.
func (m *Manager) GetSession(nodeID string) (snapshot.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[nodeID]
	if !ok {
		return snapshot.Session{}, false
	}
	return e.session, true
}

// GetAllSessions returns copies of every live session ordered by node ID.
func (m *Manager) GetAllSessions() []snapshot.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleEvent applies event to the node's session. Rejected transitions
// are not errors: they come back with Valid false, leave the session
// untouched, and are still reported to observers. The only error is
// ErrNodeNotFound.
func (m *Manager) HandleEvent(nodeID string, event Event) (TransitionResult, error) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	result, after, err := m.apply(nodeID, event)
	if err != nil {
		return TransitionResult{}, err
	}
	m.notify(nodeID, result, after)
	return result, nil
}

// DestroySession removes the node's session and cancels its timers
// without running the state machine. Observers are not notified.
func (m *Manager) DestroySession(nodeID string) error {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[nodeID]
	if !ok {
		return &NodeError{Op: "destroy session", NodeID: nodeID, Err: ErrNodeNotFound}
	}
	m.cancelLocked(e)
	delete(m.sessions, nodeID)

	m.logger.Info("session destroyed",
		"node_id", nodeID,
		"session_id", e.session.SessionID,
		"total_sessions", len(m.sessions),
	)
	return nil
}

// OnTransition registers an observer. Observers run synchronously, in
// registration order, before HandleEvent returns.
func (m *Manager) OnTransition(handler TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Dispose drops every session and cancels every timer. It is safe to call
// more than once; timers that were already firing become no-ops.
func (m *Manager) Dispose() {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.sessions {
		m.cancelLocked(e)
	}
	if !m.disposed {
		m.logger.Info("session manager disposed", "dropped_sessions", len(m.sessions))
	}
	m.sessions = make(map[string]*entry)
	m.disposed = true
}

// Snapshot returns a deep copy of the live table taken at a single instant.
func (m *Manager) Snapshot() snapshot.SessionManagerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return snapshot.SessionManagerSnapshot{
		Version:    snapshot.Version,
		Sessions:   m.sortedLocked(),
		CapturedAt: m.clock.Now(),
	}
}

// Restore loads sessions from a persisted snapshot into an empty or
// partially filled manager. Disconnected entries are skipped. IDs,
// timestamps and reconnect counts are kept, and each session gets the
// timer matching its state. Nothing is restored if any node collides with
// a live session or appears twice.
func (m *Manager) Restore(snap snapshot.SessionManagerSnapshot) error {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return &NodeError{Op: "restore session", Err: ErrDisposed}
	}

	seen := make(map[string]bool, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s.State == snapshot.StateDisconnected {
			continue
		}
		if _, exists := m.sessions[s.NodeID]; exists || seen[s.NodeID] {
			return &NodeError{Op: "restore session", NodeID: s.NodeID, Err: ErrNodeAlreadyRegistered}
		}
		seen[s.NodeID] = true
	}

	restored := 0
	for _, s := range snap.Sessions {
		if s.State == snapshot.StateDisconnected {
			continue
		}
		e := &entry{session: s}
		m.sessions[s.NodeID] = e
		m.scheduleLocked(s.NodeID, e)
		restored++
	}

	m.logger.Info("sessions restored",
		"restored", restored,
		"captured_at", snap.CapturedAt,
		"total_sessions", len(m.sessions),
	)
	return nil
}

// apply runs the state machine for one event. Caller holds eventMu.
func (m *Manager) apply(nodeID string, event Event) (TransitionResult, snapshot.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[nodeID]
	if !ok {
		return TransitionResult{}, snapshot.Session{}, &NodeError{Op: "handle event", NodeID: nodeID, Err: ErrNodeNotFound}
	}

	result := Transition(e.session.State, event)
	if !result.Valid {
		return result, e.session, nil
	}

	e.session.State = result.State
	switch event {
	case EventHeartbeat, EventMessage:
		e.session.LastActivityAt = m.clock.Now()
	case EventReconnect:
		e.session.ReconnectCount++
	}

	if result.State == snapshot.StateDisconnected {
		m.cancelLocked(e)
		delete(m.sessions, nodeID)
		m.logger.Info("session disconnected",
			"node_id", nodeID,
			"session_id", e.session.SessionID,
			"total_sessions", len(m.sessions),
		)
		return result, e.session, nil
	}

	m.scheduleLocked(nodeID, e)
	return result, e.session, nil
}

// notify calls every observer in registration order. Caller holds eventMu.
func (m *Manager) notify(nodeID string, result TransitionResult, after snapshot.Session) {
	m.mu.RLock()
	handlers := make([]TransitionHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(nodeID, result, after)
	}
}

// scheduleLocked replaces the session's timer with the one its current
// state calls for: connected arms the idle timer, idle arms the suspend
// timer, anything else leaves it cancelled. Caller holds mu.
func (m *Manager) scheduleLocked(nodeID string, e *entry) {
	m.cancelLocked(e)

	var (
		d     time.Duration
		event Event
	)
	switch e.session.State {
	case snapshot.StateConnected:
		d, event = m.sessionTimeout, EventIdleTimeout
	case snapshot.StateIdle:
		d, event = m.suspendTimeout, EventSuspendTimeout
	default:
		return
	}

	gen := e.generation
	e.timer = m.clock.AfterFunc(d, func() {
		m.fire(nodeID, e, gen, event)
	})
}

// cancelLocked stops the session's timer and invalidates any callback
// already in flight. Caller holds mu.
func (m *Manager) cancelLocked(e *entry) {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// fire delivers a timer event unless the session has moved on since the
// timer was armed.
func (m *Manager) fire(nodeID string, e *entry, gen uint64, event Event) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.mu.RLock()
	current, ok := m.sessions[nodeID]
	stale := m.disposed || !ok || current != e || e.generation != gen
	m.mu.RUnlock()

	if stale {
		m.logger.Debug("ignoring stale session timer", "node_id", nodeID, "event", event)
		return
	}

	result, after, err := m.apply(nodeID, event)
	if err != nil {
		m.logger.Error("session timer failed", "node_id", nodeID, "event", event, "error", err)
		return
	}
	m.notify(nodeID, result, after)
}

// sortedLocked copies the live sessions ordered by node ID. Caller holds mu.
func (m *Manager) sortedLocked() []snapshot.Session {
	out := make([]snapshot.Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
