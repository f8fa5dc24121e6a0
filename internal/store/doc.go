// Package store provides the SQLite-backed change record store used by
// clients.
//
// The store is an append-only log of content-addressed change records plus
// at most one snapshot per document.
//
// # Tables
//
//   - records: one row per change record, keyed by hash
//   - record_deps: declared dependencies, cascading with their record
//   - snapshots: folded document state and its coverage boundary
//   - folded: hashes whose effect a snapshot already contains
//
// # Guarantees
//
// Idempotent append: INSERT ... ON CONFLICT(hash) DO NOTHING, plus a folded
// check so a record deleted by compaction is never re-added.
//
// Atomic append: the record row and its dependency rows commit in one
// transaction. A failed append leaves nothing visible.
//
// Dependency closure: listings return only records whose dependencies are
// visible (records or folded). Other records are pending and stay stored
// until their dependencies arrive.
//
// Deterministic ordering: ORDER BY created_at ASC, hash COLLATE BINARY ASC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: commits are durable after Flush checkpoints
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
