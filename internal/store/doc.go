// Package store provides a SQLite-backed outbox for released notifications.
//
// A *Store is an engine notifier: every batch an outermost run releases is
// appended in one transaction. Delivery to downstream consumers happens
// separately through Replay, which hands undelivered notifications to a
// Deliverer one run at a time and marks them delivered on success.
//
// # Ordering
//
// All reads order by seq (the engine's logical clock), then by id. Wall time
// is never stored, so replays produce identical results.
//
// # Idempotency
//
// Notification ids are content hashes. Writing a notification twice is a
// no-op, so a batch that was released and then retried is stored once.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
