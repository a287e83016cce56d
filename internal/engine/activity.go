package engine

import (
	"context"

	"github.com/roach88/readsync/internal/ir"
)

// MinutesReporter reports listening time and returns any completions it
// unlocked. Implemented by remote.Client.
type MinutesReporter interface {
	ReportMinutesListened(ctx context.Context, owner string, minutes int) ([]ir.CompletionResult, error)
}

// QueuedActivity is the activity collaborator backed by the Mutator.
//
// Passive reports (the viewport tracker, playback) take the same
// write-through-or-queue path as explicit actions. A report counts as
// delivered once it is either applied or durably queued.
type QueuedActivity struct {
	mutator *Mutator
	live    MinutesReporter
}

// NewQueuedActivity adapts m. live is optional: when set, listening reports
// are sent through it while online so completion results reach the caller.
func NewQueuedActivity(m *Mutator, live MinutesReporter) *QueuedActivity {
	return &QueuedActivity{mutator: m, live: live}
}

// ReportUnitsRead records count newly read units for owner.
func (a *QueuedActivity) ReportUnitsRead(ctx context.Context, owner string, count int) error {
	if count <= 0 {
		return nil
	}
	_, err := a.mutator.Apply(ctx, ir.TrackActivity{
		Owner:    owner,
		Activity: ir.ActivityReading,
		Amount:   count,
	})
	return err
}

// ReportMinutesListened records listening time for owner.
// Returns no results when the report was queued. Like Apply, the live call
// and the queued fallback share one delivery id.
func (a *QueuedActivity) ReportMinutesListened(ctx context.Context, owner string, minutes int) ([]ir.CompletionResult, error) {
	if minutes <= 0 {
		return nil, nil
	}
	op := ir.TrackActivity{Owner: owner, Activity: ir.ActivityListening, Amount: minutes}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	id := a.mutator.opts.ids.Generate()
	if a.live != nil && a.mutator.opts.online() {
		results, err := a.live.ReportMinutesListened(WithDeliveryID(ctx, id), owner, minutes)
		if err == nil {
			return results, nil
		}
		a.mutator.opts.logger.Debug("live listening report failed, queueing", "owner", owner, "error", err)
	}

	_, err := a.mutator.enqueue(ctx, op, id)
	return nil, err
}
