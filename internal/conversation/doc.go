// Package conversation records which node owns each ongoing conversation.
//
// A conversation key is opaque to the gateway; it is owned by exactly one
// node at a time. The dispatch layer binds a key to the node that carried
// the message, and the gateway releases every key of a node when its
// session disconnects:
//
//	conversations := conversation.NewStore(clk)
//	conversations.Bind("slack:C123:thread-9", "node-1")
//	conversations.ReleaseNode("node-1")
//
// A binding whose node has no live session is a corruption signal that the
// invariant checker reports as conversation-orphan.
//
// Store is safe for concurrent use. Snapshot returns an independent copy
// sorted by key; Restore replaces the contents wholesale.
package conversation
