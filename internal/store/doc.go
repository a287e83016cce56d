// Package store provides SQLite-backed durable storage for readsync.
//
// It is the StorageAdapter every other component depends on:
//   - kv: namespaced key/value pairs (one namespace per owner)
//   - sync_queue: the ordered mutation queue, replayed in seq order
//   - dead_letters: queue items that will never be replayed
//   - cache_entries: cached HTTP responses, partitioned into buckets
//   - pending_tracking: unreported reading progress per (owner, session)
//
// # Atomicity
//
// Every exported write runs in a single transaction, so a reader in another
// context never observes a partial item. Moves between tables (dead-lettering,
// expiry) are one transaction as well.
//
// # Ordering
//
// Queue reads are ORDER BY seq ASC. seq is AUTOINCREMENT, so insertion order
// is replay order even after items are removed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: durable across process crashes
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
