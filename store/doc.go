// Package store defines the authoritative persistence boundary: account
// lookup and conditional balance writes, and the append-only transaction
// record with its status-transition guard.
//
// The postgres implementation routes mutations to the primary and history
// reads to replicas; the in-memory implementation backs tests.
package store
