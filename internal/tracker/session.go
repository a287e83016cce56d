package tracker

import (
	"time"

	"github.com/roach88/readsync/internal/clock"
)

// session is the progress of one content collection.
//
// viewed keeps promotion order; lastSynced counts its prefix already
// reported and never decreases.
type session struct {
	id        string
	parentID  string
	startedAt time.Time

	viewed     []string
	viewedSet  map[string]bool
	lastSynced int
	tracked    bool // at least one report succeeded

	cap       *SessionCap
	capWarned bool
	reporting bool // a report for this session is in flight
}

func newSession(id, parentID string, at time.Time, limit int) *session {
	return &session{
		id:        id,
		parentID:  parentID,
		startedAt: at,
		viewedSet: make(map[string]bool),
		cap:       NewSessionCap(limit),
	}
}

func (s *session) isViewed(unitID string) bool {
	return s.viewedSet[unitID]
}

func (s *session) add(unitID string) {
	s.viewedSet[unitID] = true
	s.viewed = append(s.viewed, unitID)
}

// unsynced returns a copy of the units not yet reported.
func (s *session) unsynced() []string {
	return append([]string(nil), s.viewed[s.lastSynced:]...)
}

// watch is a pending dwell timer for one unit.
type watch struct {
	sessionID string
	timer     clock.Timer
}

// SessionSnapshot is a read-only view of the active session.
type SessionSnapshot struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	StartedAt  time.Time `json:"started_at"`
	Viewed     []string  `json:"viewed"`
	LastSynced int       `json:"last_synced"`
	Tracked    bool      `json:"tracked"`
	Watching   []string  `json:"watching"`
}
