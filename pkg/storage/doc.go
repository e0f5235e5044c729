// Package storage is an embedded BoltDB-backed cache of issue
// snapshots, task op-state, idempotency keys, PR snapshots, and runtime
// status. It is rebuildable from the hosting service plus idempotency
// history — a cache, not the system of record.
package storage
