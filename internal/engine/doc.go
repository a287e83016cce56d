// Package engine replays queued remote mutations.
//
// ARCHITECTURE:
//
// Write-through-or-queue:
// Every mutation the UI makes goes through Mutator.Apply. While online the
// handler is called immediately; on failure (or while offline) the operation
// is appended to the durable sync queue and Apply reports Queued.
//
// Replay:
// Executor.Drain reads the owner's queue in insertion order and dispatches
// each item through the closed Handlers interface. A drain is triggered at
// startup, on a connectivity-restore message, and on an explicit drain
// message. Triggers that arrive while a drain is running coalesce into one
// follow-up drain.
//
// Failure policy (skip-and-continue):
//   - handler failure: attempts++, item stays, drain moves on
//   - attempts reach the limit: item is dead-lettered
//   - malformed payload: dead-lettered immediately
//   - unknown operation type: logged and skipped, left for retention
//   - older than the retention window: dead-lettered with reason "expired"
//
// Delivery is at-least-once. Handlers receive the same typed operation for a
// live call and a replay, so remote side effects never diverge.
package engine
