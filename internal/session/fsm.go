// ABOUTME: Pure session lifecycle state machine: (state, event) -> next state or rejection
// ABOUTME: No timers or side effects; the Manager applies the results

package session

import (
	"fmt"
	"log/slog"

	"github.com/2389/coven-control/internal/snapshot"
)

// Event drives a session transition.
type Event string

const (
	EventHeartbeat      Event = "heartbeat"
	EventMessage        Event = "message"
	EventIdleTimeout    Event = "idle_timeout"
	EventSuspendTimeout Event = "suspend_timeout"
	EventDisconnect     Event = "disconnect"
	EventReconnect      Event = "reconnect"
)

// Events lists every event in table order.
var Events = []Event{
	EventHeartbeat,
	EventMessage,
	EventIdleTimeout,
	EventSuspendTimeout,
	EventDisconnect,
	EventReconnect,
}

// TransitionResult is the outcome of applying an event to a state.
// When Valid is false, State equals PreviousState and nothing changed.
type TransitionResult struct {
	Valid         bool                  `json:"valid"`
	State         snapshot.SessionState `json:"state"`
	PreviousState snapshot.SessionState `json:"previous_state"`
	Event         Event                 `json:"event"`
}

// Changed reports whether the transition was accepted and moved to a new state.
func (r TransitionResult) Changed() bool {
	return r.Valid && r.State != r.PreviousState
}

func (r TransitionResult) String() string {
	if !r.Valid {
		return fmt.Sprintf("%s: %s rejected", r.PreviousState, r.Event)
	}
	return fmt.Sprintf("%s -[%s]-> %s", r.PreviousState, r.Event, r.State)
}

// LogValue implements slog.LogValuer.
func (r TransitionResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("valid", r.Valid),
		slog.String("from", string(r.PreviousState)),
		slog.String("to", string(r.State)),
		slog.String("event", string(r.Event)),
	)
}

// transitions holds every accepted (state, event) pair. Anything missing
// is rejected, including every event out of disconnected.
var transitions = map[snapshot.SessionState]map[Event]snapshot.SessionState{
	snapshot.StateConnected: {
		EventHeartbeat:   snapshot.StateConnected,
		EventMessage:     snapshot.StateConnected,
		EventIdleTimeout: snapshot.StateIdle,
		EventDisconnect:  snapshot.StateDisconnected,
	},
	snapshot.StateIdle: {
		EventHeartbeat:      snapshot.StateConnected,
		EventMessage:        snapshot.StateConnected,
		EventSuspendTimeout: snapshot.StateSuspended,
		EventDisconnect:     snapshot.StateDisconnected,
	},
	snapshot.StateSuspended: {
		EventDisconnect: snapshot.StateDisconnected,
		EventReconnect:  snapshot.StateConnected,
	},
}

// Transition applies event to state.
func Transition(state snapshot.SessionState, event Event) TransitionResult {
	next, ok := transitions[state][event]
	if !ok {
		return TransitionResult{
			Valid:         false,
			State:         state,
			PreviousState: state,
			Event:         event,
		}
	}
	return TransitionResult{
		Valid:         true,
		State:         next,
		PreviousState: state,
		Event:         event,
	}
}
