// ABOUTME: Tests for the session state machine
// ABOUTME: Checks all 24 (state, event) cells and that rejections never change state

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-control/internal/snapshot"
)

func TestTransitionTable(t *testing.T) {
	const reject = snapshot.SessionState("")

	table := map[snapshot.SessionState][6]snapshot.SessionState{
		// heartbeat, message, idle_timeout, suspend_timeout, disconnect, reconnect
		snapshot.StateConnected: {
			snapshot.StateConnected, snapshot.StateConnected, snapshot.StateIdle,
			reject, snapshot.StateDisconnected, reject,
		},
		snapshot.StateIdle: {
			snapshot.StateConnected, snapshot.StateConnected, reject,
			snapshot.StateSuspended, snapshot.StateDisconnected, reject,
		},
		snapshot.StateSuspended: {
			reject, reject, reject,
			reject, snapshot.StateDisconnected, snapshot.StateConnected,
		},
		snapshot.StateDisconnected: {
			reject, reject, reject,
			reject, reject, reject,
		},
	}

	cells := 0
	for state, row := range table {
		for i, event := range Events {
			cells++
			want := row[i]
			t.Run(string(state)+"/"+string(event), func(t *testing.T) {
				got := Transition(state, event)
				assert.Equal(t, state, got.PreviousState)
				assert.Equal(t, event, got.Event)
				if want == reject {
					assert.False(t, got.Valid)
					assert.Equal(t, state, got.State, "rejected transition must not change state")
					return
				}
				assert.True(t, got.Valid)
				assert.Equal(t, want, got.State)
			})
		}
	}
	assert.Equal(t, 24, cells)
}

func TestDisconnectedIsAbsorbing(t *testing.T) {
	for _, event := range Events {
		r := Transition(snapshot.StateDisconnected, event)
		assert.False(t, r.Valid, event)
		assert.Equal(t, snapshot.StateDisconnected, r.State)
	}
}

func TestTransitionUnknownInputs(t *testing.T) {
	r := Transition(snapshot.StateConnected, Event("explode"))
	assert.False(t, r.Valid)
	assert.Equal(t, snapshot.StateConnected, r.State)

	r = Transition(snapshot.SessionState("zombie"), EventHeartbeat)
	assert.False(t, r.Valid)
	assert.Equal(t, snapshot.SessionState("zombie"), r.State)
}

func TestTransitionResultString(t *testing.T) {
	assert.Equal(t, "connected -[idle_timeout]-> idle", Transition(snapshot.StateConnected, EventIdleTimeout).String())
	assert.Equal(t, "connected: reconnect rejected", Transition(snapshot.StateConnected, EventReconnect).String())
}

func TestTransitionResultChanged(t *testing.T) {
	assert.True(t, Transition(snapshot.StateConnected, EventIdleTimeout).Changed())
	assert.False(t, Transition(snapshot.StateConnected, EventHeartbeat).Changed())
	assert.False(t, Transition(snapshot.StateConnected, EventReconnect).Changed())
}
