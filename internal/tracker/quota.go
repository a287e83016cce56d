package tracker

import (
	"errors"
	"fmt"
)

// SessionCap counts promotions in one session and enforces a limit.
//
// It guards against a runaway detection loop inflating read counts: once
// the limit is reached the session keeps tracking but stops growing.
type SessionCap struct {
	limit   int
	current int
}

// NewSessionCap creates a cap allowing limit promotions.
func NewSessionCap(limit int) *SessionCap {
	return &SessionCap{limit: limit}
}

// Check reserves one promotion.
//
// Returns CapReachedError when the limit is already used up; the counter
// does not move past the limit.
func (c *SessionCap) Check(sessionID string) error {
	if c.current >= c.limit {
		return &CapReachedError{SessionID: sessionID, Limit: c.limit}
	}
	c.current++
	return nil
}

// Current returns the number of promotions reserved so far.
func (c *SessionCap) Current() int {
	return c.current
}

// Limit returns the configured limit.
func (c *SessionCap) Limit() int {
	return c.limit
}

// CapReachedError is returned when a session refuses a promotion.
type CapReachedError struct {
	SessionID string
	Limit     int
}

// Error implements the error interface.
func (e *CapReachedError) Error() string {
	return fmt.Sprintf("session %s reached the cap of %d units", e.SessionID, e.Limit)
}

// IsCapReachedError returns true if err is a CapReachedError.
// Uses errors.As to handle wrapped errors.
func IsCapReachedError(err error) bool {
	var ce *CapReachedError
	return errors.As(err, &ce)
}
