// Package backoff provides retry delay helpers with exponential growth and jitter.
//
// Use DelayWithJitter for retry loops and Wait to sleep while respecting
// cancellation and deadlines.
package backoff
