// Package delivery records messages sent to nodes that have not been
// acknowledged yet.
//
// The tracker only remembers that a delivery is outstanding. Retry policy
// belongs to the caller: when a node disconnects the gateway calls
// DropNode and decides what to do with the returned entries.
package delivery
