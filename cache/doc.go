// Package cache provides the Redis-backed key-value operations the core
// depends on: set-if-absent with TTL, compare-and-delete, atomic increment
// with TTL, and plain get/set/delete. It also hosts the distributed lock
// manager and the janitor that force-clears leaked locks.
//
// Increments are atomic at the storage layer (single Lua scripts), never
// read-modify-write in application code.
package cache
