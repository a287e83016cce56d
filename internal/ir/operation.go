package ir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OperationType tags a queued mutation.
type OperationType string

const (
	OpAddFavorite         OperationType = "add_favorite"
	OpRemoveFavorite      OperationType = "remove_favorite"
	OpUpdateDailyProgress OperationType = "update_daily_progress"
	OpTrackActivity       OperationType = "track_activity"
)

// OperationTypes lists every known tag in a stable order.
var OperationTypes = []OperationType{
	OpAddFavorite,
	OpRemoveFavorite,
	OpUpdateDailyProgress,
	OpTrackActivity,
}

// ErrUnknownOperation is returned when a stored tag has no payload type.
// Replay logs and skips such items instead of failing the drain.
var ErrUnknownOperation = errors.New("unknown operation type")

// ErrMalformedPayload is returned when a payload does not decode or validate.
var ErrMalformedPayload = errors.New("malformed operation payload")

// FavoriteKind names the content kind a favorite refers to.
type FavoriteKind string

const (
	FavoriteVerse   FavoriteKind = "verse"
	FavoriteChapter FavoriteKind = "chapter"
	FavoriteHadith  FavoriteKind = "hadith"
	FavoriteReciter FavoriteKind = "reciter"
	FavoriteStation FavoriteKind = "station"
)

func (k FavoriteKind) valid() bool {
	switch k {
	case FavoriteVerse, FavoriteChapter, FavoriteHadith, FavoriteReciter, FavoriteStation:
		return true
	}
	return false
}

// ActivityKind names what a TrackActivity operation measures.
type ActivityKind string

const (
	// ActivityReading counts content units read.
	ActivityReading ActivityKind = "reading"
	// ActivityListening counts minutes of recitation listened.
	ActivityListening ActivityKind = "listening"
)

// Operation is a remote mutation that can be applied now or queued for replay.
//
// The set of implementations is closed: isOperation is unexported, so the
// executor's dispatch switch is exhaustive over this package's types.
type Operation interface {
	Type() OperationType
	OwnerID() string
	Validate() error
	isOperation()
}

// AddFavorite marks an item as a favorite.
type AddFavorite struct {
	Owner  string       `json:"owner"`
	Kind   FavoriteKind `json:"kind"`
	ItemID string       `json:"item_id"`
	Label  string       `json:"label,omitempty"`
}

// RemoveFavorite clears a favorite.
type RemoveFavorite struct {
	Owner  string       `json:"owner"`
	Kind   FavoriteKind `json:"kind"`
	ItemID string       `json:"item_id"`
}

// UpdateDailyProgress upserts one metric of a day's progress.
// Date is a calendar date in YYYY-MM-DD form.
type UpdateDailyProgress struct {
	Owner  string `json:"owner"`
	Date   string `json:"date"`
	Metric string `json:"metric"`
	Value  int    `json:"value"`
}

// TrackActivity reports an amount of activity (units read, minutes listened).
type TrackActivity struct {
	Owner    string       `json:"owner"`
	Activity ActivityKind `json:"activity"`
	Amount   int          `json:"amount"`
}

func (AddFavorite) Type() OperationType         { return OpAddFavorite }
func (RemoveFavorite) Type() OperationType      { return OpRemoveFavorite }
func (UpdateDailyProgress) Type() OperationType { return OpUpdateDailyProgress }
func (TrackActivity) Type() OperationType       { return OpTrackActivity }

func (o AddFavorite) OwnerID() string         { return o.Owner }
func (o RemoveFavorite) OwnerID() string      { return o.Owner }
func (o UpdateDailyProgress) OwnerID() string { return o.Owner }
func (o TrackActivity) OwnerID() string       { return o.Owner }

func (AddFavorite) isOperation()         {}
func (RemoveFavorite) isOperation()      {}
func (UpdateDailyProgress) isOperation() {}
func (TrackActivity) isOperation()       {}

func (o AddFavorite) Validate() error {
	return validateFavorite(o.Owner, o.Kind, o.ItemID)
}

func (o RemoveFavorite) Validate() error {
	return validateFavorite(o.Owner, o.Kind, o.ItemID)
}

func (o UpdateDailyProgress) Validate() error {
	if strings.TrimSpace(o.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrMalformedPayload)
	}
	if len(o.Date) != len("2006-01-02") || o.Date[4] != '-' || o.Date[7] != '-' {
		return fmt.Errorf("%w: date %q is not YYYY-MM-DD", ErrMalformedPayload, o.Date)
	}
	if o.Metric == "" {
		return fmt.Errorf("%w: metric is required", ErrMalformedPayload)
	}
	return nil
}

func (o TrackActivity) Validate() error {
	if strings.TrimSpace(o.Owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrMalformedPayload)
	}
	if o.Activity != ActivityReading && o.Activity != ActivityListening {
		return fmt.Errorf("%w: unknown activity %q", ErrMalformedPayload, o.Activity)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", ErrMalformedPayload, o.Amount)
	}
	return nil
}

func validateFavorite(owner string, kind FavoriteKind, itemID string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", ErrMalformedPayload)
	}
	if !kind.valid() {
		return fmt.Errorf("%w: unknown favorite kind %q", ErrMalformedPayload, kind)
	}
	if itemID == "" {
		return fmt.Errorf("%w: item_id is required", ErrMalformedPayload)
	}
	return nil
}

// KnownOperationType reports whether t has a payload type.
func KnownOperationType(t OperationType) bool {
	for _, known := range OperationTypes {
		if known == t {
			return true
		}
	}
	return false
}

// DecodeOperation rebuilds a typed operation from its stored tag and payload.
//
// Returns ErrUnknownOperation for tags this build does not know, and
// ErrMalformedPayload (wrapped) when the payload is not valid for the tag.
func DecodeOperation(t OperationType, payload []byte) (Operation, error) {
	var op Operation
	var err error
	switch t {
	case OpAddFavorite:
		var o AddFavorite
		err = json.Unmarshal(payload, &o)
		op = o
	case OpRemoveFavorite:
		var o RemoveFavorite
		err = json.Unmarshal(payload, &o)
		op = o
	case OpUpdateDailyProgress:
		var o UpdateDailyProgress
		err = json.Unmarshal(payload, &o)
		op = o
	case OpTrackActivity:
		var o TrackActivity
		err = json.Unmarshal(payload, &o)
		op = o
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return op, nil
}

// EncodeOperation serialises op into a payload suitable for a QueueItem.
func EncodeOperation(op Operation) (json.RawMessage, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op.Type(), err)
	}
	return data, nil
}
