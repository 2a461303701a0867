// Package dedupe rejects inbound messages whose IDs were already seen
// within a time window.
//
// Channel adapters may redeliver a message after a reconnect. The gateway
// calls Observe with the message ID before routing; a true result means
// the message is a replay and is dropped.
package dedupe
