package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/readsync/internal/ir"
)

// ErrDrainInProgress is returned by Drain when another drain is running.
// The running drain picks up the request and drains once more when it ends.
var ErrDrainInProgress = errors.New("drain already in progress")

// ReplayError describes why a queue item was not replayed.
//
// Replay errors are collected in the DrainReport; they never abort a drain.
type ReplayError struct {
	// Code identifies the error category.
	Code ReplayErrorCode

	// ItemID identifies the queue item.
	ItemID string

	// OperationType is the item's stored tag.
	OperationType ir.OperationType

	// Attempts is the item's attempt count after this drain.
	Attempts int

	// Err is the underlying cause, if any.
	Err error
}

// ReplayErrorCode categorizes replay errors.
type ReplayErrorCode string

const (
	// ErrCodeUnknownOperation indicates a tag this build cannot dispatch.
	ErrCodeUnknownOperation ReplayErrorCode = "UNKNOWN_OPERATION"

	// ErrCodeMalformedPayload indicates a payload that does not decode.
	ErrCodeMalformedPayload ReplayErrorCode = "MALFORMED_PAYLOAD"

	// ErrCodeHandlerFailed indicates the remote handler returned an error.
	ErrCodeHandlerFailed ReplayErrorCode = "HANDLER_FAILED"

	// ErrCodeExpired indicates the item outlived the retention window.
	ErrCodeExpired ReplayErrorCode = "EXPIRED"

	// ErrCodeDeadLettered indicates the item ran out of attempts.
	ErrCodeDeadLettered ReplayErrorCode = "DEAD_LETTERED"
)

// Error implements the error interface.
func (e *ReplayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: item %s (%s): %v", e.Code, e.ItemID, e.OperationType, e.Err)
	}
	return fmt.Sprintf("%s: item %s (%s)", e.Code, e.ItemID, e.OperationType)
}

// Unwrap returns the underlying cause.
func (e *ReplayError) Unwrap() error {
	return e.Err
}

// MarshalText renders the error for JSON reports.
func (e *ReplayError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// IsDeadLettered returns true if err is a ReplayError for an item that was
// moved to dead letters, whether by attempts, payload or expiry.
// Uses errors.As to handle wrapped errors.
func IsDeadLettered(err error) bool {
	var re *ReplayError
	if errors.As(err, &re) {
		switch re.Code {
		case ErrCodeDeadLettered, ErrCodeMalformedPayload, ErrCodeExpired:
			return true
		}
	}
	return false
}

// IsRetryable returns true if the item stays queued for the next drain.
func IsRetryable(err error) bool {
	var re *ReplayError
	if errors.As(err, &re) {
		return re.Code == ErrCodeHandlerFailed || re.Code == ErrCodeUnknownOperation
	}
	return false
}
