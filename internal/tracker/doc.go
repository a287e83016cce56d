// Package tracker infers "this content unit was read" from visibility and
// scroll signals, without any explicit gesture from the reader.
//
// Each unit moves through a small state machine:
//
//	Unseen --(ratio >= threshold)--> Watching --(dwell elapses)--> Viewed
//	   ^                                |
//	   +----(ratio drops, or scroll)----+
//
// Viewed is terminal for the session. Two detection paths feed the same
// reducer: observer batches pushed by the page (HandleVisibility) and a
// periodic bounding-box poll over a Surface. Both call markUnitCandidate, so
// a unit seen by both is promoted once.
//
// # Sessions
//
// A session covers one content collection, identified by the parent id of
// the first visible unit. When that parent changes the old session's dwell
// timers are torn down and its progress flushed before the new session
// starts.
//
// # Reporting
//
// Every report interval, and on page hide, the tracker reports
// |viewed| - lastSynced new units to the ActivityReporter. Before each
// report the unsynced units are persisted as a PendingTrackingRecord; the
// record is removed once the report succeeds. A failed report leaves the
// record in place and is retried by the next tick. Start replays records
// left behind by earlier sessions of the same owner.
package tracker
