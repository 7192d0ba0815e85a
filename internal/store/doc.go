// Package store provides the SQLite-backed local catalog of a peerdoc node.
//
// Blocks live in the block store; the catalog records what those blocks mean
// to this node:
//   - Manifests: every database this node created or opened, by hash and name
//   - Entries: which entry hashes belong to which log, in arrival order
//   - Heads: the persisted frontier of each log
//   - Rejections: entries refused by validation, never retried
//
// # Critical Patterns
//
// Idempotent writes
//   - Every insert uses ON CONFLICT DO NOTHING keyed by (log_id, hash)
//   - Re-recording an entry that is already cataloged is a no-op
//
// Deterministic query results
//   - All list queries include ORDER BY seq ASC, hash COLLATE BINARY ASC
//   - seq is a local arrival counter, never a timestamp
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
