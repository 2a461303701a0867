// Package snapshot defines the data model shared by the session manager,
// the conversation store, the delivery tracker and the invariant checker.
//
// Each owning component exposes a versioned, timestamped, point-in-time
// copy of its state. Snapshots never alias live state: every producer
// builds fresh slices, and Clone gives consumers an independent copy to
// mutate. Entries inside a snapshot are sorted so that two snapshots of an
// unchanged store compare equal.
//
// A Set bundles one snapshot of each kind. It is what the persistence
// layer stores and what the invariant checker audits.
package snapshot
