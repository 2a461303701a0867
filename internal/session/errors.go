// ABOUTME: Caller-error sentinels for the session manager
// ABOUTME: NodeError carries the operation and node ID for operator-facing logs

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNodeAlreadyRegistered means a live session already exists for the node.
	ErrNodeAlreadyRegistered = errors.New("node already registered")

	// ErrNodeNotFound means no live session exists for the node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDisposed means the manager was disposed and accepts no new sessions.
	ErrDisposed = errors.New("session manager disposed")
)

// NodeError wraps a caller error with the operation and node it concerns.
type NodeError struct {
	Op     string
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
