// Package ir provides the shared record types for readsync.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Queue operations are a closed sum type (Operation); the set of
//     OperationType tags is fixed at compile time
//   - Owner ids and unit ids are NFC-normalised before they are used as keys
//   - All JSON tags use snake_case
package ir
