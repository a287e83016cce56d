package ir

import (
	"encoding/json"
	"sort"
	"time"
)

// QueueItem is one pending mutation in the durable sync queue.
//
// Items are immutable once enqueued. Attempts and LastError are bookkeeping
// written by the executor; they never change what the item replays.
type QueueItem struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	OperationType OperationType   `json:"operation_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
}

// DeadLetter is a queue item that will never be replayed again.
type DeadLetter struct {
	QueueItem
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}

// PendingTrackingRecord is the durable backstop for units that were read
// but not yet reported upstream.
//
// Units is always sorted. Records are keyed by (Owner, SessionID).
type PendingTrackingRecord struct {
	Owner     string    `json:"owner"`
	SessionID string    `json:"session_id"`
	Units     []string  `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPendingTrackingRecord builds a record with a sorted copy of units.
func NewPendingTrackingRecord(owner, sessionID string, units []string, at time.Time) PendingTrackingRecord {
	sorted := make([]string, len(units))
	copy(sorted, units)
	SortUnits(sorted)
	return PendingTrackingRecord{
		Owner:     NormalizeKey(owner),
		SessionID: sessionID,
		Units:     sorted,
		Timestamp: at,
	}
}

// SortUnits orders unit ids numerically when both are integers and
// lexically otherwise, so "10" sorts after "9".
func SortUnits(units []string) {
	sort.SliceStable(units, func(i, j int) bool {
		return unitLess(units[i], units[j])
	})
}

func unitLess(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// CompletionResult is one challenge or goal completed by an activity report.
type CompletionResult struct {
	ChallengeID string `json:"challenge_id"`
	Title       string `json:"title,omitempty"`
	Completed   bool   `json:"completed"`
	Progress    int    `json:"progress"`
	Target      int    `json:"target"`
}
