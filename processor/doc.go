// Package processor orchestrates money movements. It drives a transaction
// through its lifecycle: structural validation, limit enforcement, actor-lock
// acquisition, the balance mutation paired with the persisted state
// transition, and the lifecycle event for every outcome.
//
// Operations on the same actor are serialized by the distributed lock;
// transfers lock both accounts in a fixed order so two mirror-image transfers
// cannot deadlock each other.
package processor
