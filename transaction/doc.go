// Package transaction defines the money-movement entity, its lifecycle state
// machine, and the lifecycle event envelope published on every transition.
//
// Core flow:
//   - New validates structural invariants and creates a PENDING transaction.
//   - CanTransition encodes the legal state-machine edges.
//   - NewEvent builds the typed envelope carried through the event pipeline.
//
// The package enforces deterministic behavior using typed domain errors.
package transaction
