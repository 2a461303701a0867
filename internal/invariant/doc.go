// Package invariant audits the consistency of session, conversation and
// delivery snapshots.
//
// Check is a pure function: it owns no state and only reads the snapshots
// it is given, so it can run against live captures, persisted snapshots
// before a restore, or hand-built fixtures in tests. Every rule runs over
// the whole input and all violations are returned together, which is what
// makes a multi-fault crash diagnosable from one audit.
//
// Severity decides validity. Any error makes the result invalid; warnings
// flag staleness that is expected after a late or partial capture.
package invariant
