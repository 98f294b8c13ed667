// Package recovery reconciles transactions left PENDING past a staleness
// threshold. A periodic sweep re-verifies each stuck transaction under the
// same actor locks the processor uses, completes it when the balances support
// it, and delegates to compensation when they do not.
//
// The sweep is idempotent: a per-transaction applied marker and the actor
// locks make concurrent sweep instances apply balance effects at most once,
// and a transaction already driven to a terminal state is left alone.
package recovery
