// Package limits enforces per-actor transaction ceilings, rolling daily and
// monthly totals, and operation-frequency rate limits.
//
// Rolling totals live in the cache as atomic counters in minor units and are
// recomputed from the authoritative transaction history on a cache miss. The
// history fallback runs behind a circuit breaker; when neither the cache nor
// the history can answer, validation fails closed and the operation is
// rejected rather than allowed through unchecked.
package limits
