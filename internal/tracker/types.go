package tracker

import (
	"context"

	"github.com/roach88/readsync/internal/ir"
)

// Unit is one trackable piece of content, such as a page of verses.
// ParentID names the collection it belongs to.
type Unit struct {
	ID       string `json:"id" yaml:"id"`
	ParentID string `json:"parent_id" yaml:"parent"`
}

// Observation is one entry of a visibility observer batch.
type Observation struct {
	Unit  Unit    `json:"unit" yaml:"unit"`
	Ratio float64 `json:"ratio" yaml:"ratio"`
}

// Viewport is the visible area, in CSS pixels.
type Viewport struct {
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Box is a rendered unit's bounding box relative to the viewport's
// top-left corner.
type Box struct {
	Unit   Unit    `json:"unit" yaml:"unit"`
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// Surface measures the rendered units for the bounding-box poll.
// Boxes are returned in document order.
type Surface interface {
	Measure() (Viewport, []Box)
}

// Observer attaches the visibility observer to a newly rendered unit.
type Observer interface {
	Observe(u Unit)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(u Unit)

// Observe calls f(u).
func (f ObserverFunc) Observe(u Unit) { f(u) }

// ActivityReporter is the activity-tracking collaborator.
// Implemented by engine.QueuedActivity and remote.Client.
type ActivityReporter interface {
	ReportUnitsRead(ctx context.Context, owner string, count int) error
}

// PendingStore persists unreported progress. Implemented by store.Store.
type PendingStore interface {
	SavePending(ctx context.Context, rec ir.PendingTrackingRecord) error
	ListPending(ctx context.Context, owner string) ([]ir.PendingTrackingRecord, error)
	DeletePending(ctx context.Context, owner, sessionID string) error
}
