package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/metrics"
)

// QueueStore is the durable queue the executor drains.
// Implemented by store.Store.
type QueueStore interface {
	ListQueue(ctx context.Context, owner string) ([]ir.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	RecordAttempt(ctx context.Context, id, lastError string) (int, error)
	DeadLetter(ctx context.Context, id, reason string, at time.Time) error
	ExpireQueue(ctx context.Context, owner string, cutoff, at time.Time) ([]ir.QueueItem, error)
	QueueDepth(ctx context.Context) (int, error)
}

// DrainReport summarises one drain.
type DrainReport struct {
	Replayed     int            `json:"replayed"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Expired      int            `json:"expired"`
	DeadLettered int            `json:"dead_lettered"`
	Remaining    int            `json:"remaining"`
	Errors       []*ReplayError `json:"errors,omitempty"`
}

// Executor replays the sync queue through Handlers.
//
// Thread-safety model:
//   - Drain(): safe from any goroutine; one drain runs at a time
//   - Run(): must be called from exactly one goroutine
type Executor struct {
	store    QueueStore
	handlers Handlers
	opts     options
	trigger  *drainTrigger

	drainMu sync.Mutex
	stateMu sync.Mutex
	rerun   bool
}

// NewExecutor creates an executor over s dispatching to h.
func NewExecutor(s QueueStore, h Handlers, opts ...Option) *Executor {
	return &Executor{
		store:    s,
		handlers: h,
		opts:     buildOptions(opts),
		trigger:  newDrainTrigger(),
	}
}

// Drain replays the queue once, in insertion order.
//
// If another drain is running the call returns ErrDrainInProgress and the
// running drain performs one more pass when it finishes, so no request is
// lost. Item-level failures are reported in DrainReport.Errors; the returned
// error is reserved for storage failures and cancellation.
func (e *Executor) Drain(ctx context.Context) (DrainReport, error) {
	if !e.drainMu.TryLock() {
		e.stateMu.Lock()
		e.rerun = true
		e.stateMu.Unlock()
		return DrainReport{}, ErrDrainInProgress
	}
	defer e.drainMu.Unlock()

	var total DrainReport
	for {
		report, err := e.drainOnce(ctx)
		total.merge(report)
		if err != nil {
			return total, err
		}

		e.stateMu.Lock()
		again := e.rerun
		e.rerun = false
		e.stateMu.Unlock()
		if !again {
			return total, nil
		}
	}
}

func (e *Executor) drainOnce(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	log := e.opts.logger
	now := e.opts.clock.Now()

	expired, err := e.store.ExpireQueue(ctx, e.opts.owner, now.Add(-e.opts.retention), now)
	if err != nil {
		return report, fmt.Errorf("expire queue: %w", err)
	}
	for _, item := range expired {
		report.Expired++
		report.Errors = append(report.Errors, &ReplayError{
			Code:          ErrCodeExpired,
			ItemID:        item.ID,
			OperationType: item.OperationType,
			Attempts:      item.Attempts,
		})
		e.opts.metrics.Replay(string(item.OperationType), metrics.ReplayExpired)
		log.Warn("queue item expired",
			"id", item.ID,
			"operation", item.OperationType,
			"created_at", item.CreatedAt,
			"attempts", item.Attempts,
		)
	}

	items, err := e.store.ListQueue(ctx, e.opts.owner)
	if err != nil {
		return report, fmt.Errorf("list queue: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("drain cancelled: %w", err)
		}
		if err := e.replay(ctx, item, &report); err != nil {
			return report, err
		}
	}

	report.Remaining, err = e.remaining(ctx)
	if err != nil {
		return report, err
	}

	log.Info("queue drained",
		"owner", e.opts.owner,
		"replayed", report.Replayed,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"expired", report.Expired,
		"dead_lettered", report.DeadLettered,
		"remaining", report.Remaining,
	)
	return report, nil
}

// replay processes one item. Returns an error only for storage failures.
func (e *Executor) replay(ctx context.Context, item ir.QueueItem, report *DrainReport) error {
	log := e.opts.logger
	opName := string(item.OperationType)

	op, err := ir.DecodeOperation(item.OperationType, item.Payload)
	switch {
	case errors.Is(err, ir.ErrUnknownOperation):
		report.Skipped++
		report.Errors = append(report.Errors, &ReplayError{
			Code: ErrCodeUnknownOperation, ItemID: item.ID, OperationType: item.OperationType,
			Attempts: item.Attempts, Err: err,
		})
		e.opts.metrics.Replay(opName, metrics.ReplaySkipped)
		log.Warn("unknown operation type, skipping", "id", item.ID, "operation", opName)
		return nil

	case err != nil:
		if err := e.store.DeadLetter(ctx, item.ID, "malformed payload: "+err.Error(), e.opts.clock.Now()); err != nil {
			return fmt.Errorf("dead letter %s: %w", item.ID, err)
		}
		report.DeadLettered++
		report.Errors = append(report.Errors, &ReplayError{
			Code: ErrCodeMalformedPayload, ItemID: item.ID, OperationType: item.OperationType,
			Attempts: item.Attempts, Err: err,
		})
		e.opts.metrics.Replay(opName, metrics.ReplayDeadLettered)
		log.Warn("malformed queue item dead-lettered", "id", item.ID, "operation", opName, "error", err)
		return nil
	}

	if herr := Dispatch(WithDeliveryID(ctx, item.ID), e.handlers, op); herr != nil {
		attempts, err := e.store.RecordAttempt(ctx, item.ID, herr.Error())
		if err != nil {
			return fmt.Errorf("record attempt %s: %w", item.ID, err)
		}

		if attempts >= e.opts.maxAttempts {
			reason := fmt.Sprintf("max attempts (%d) reached: %v", attempts, herr)
			if err := e.store.DeadLetter(ctx, item.ID, reason, e.opts.clock.Now()); err != nil {
				return fmt.Errorf("dead letter %s: %w", item.ID, err)
			}
			report.DeadLettered++
			report.Errors = append(report.Errors, &ReplayError{
				Code: ErrCodeDeadLettered, ItemID: item.ID, OperationType: item.OperationType,
				Attempts: attempts, Err: herr,
			})
			e.opts.metrics.Replay(opName, metrics.ReplayDeadLettered)
			log.Warn("queue item dead-lettered", "id", item.ID, "operation", opName, "attempts", attempts, "error", herr)
			return nil
		}

		report.Failed++
		report.Errors = append(report.Errors, &ReplayError{
			Code: ErrCodeHandlerFailed, ItemID: item.ID, OperationType: item.OperationType,
			Attempts: attempts, Err: herr,
		})
		e.opts.metrics.Replay(opName, metrics.ReplayFailed)
		log.Debug("replay failed, item stays queued", "id", item.ID, "operation", opName, "attempts", attempts, "error", herr)
		return nil
	}

	if err := e.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return fmt.Errorf("dequeue %s: %w", item.ID, err)
	}
	report.Replayed++
	e.opts.metrics.Replay(opName, metrics.ReplayApplied)
	log.Debug("replayed", "id", item.ID, "operation", opName)
	return nil
}

func (e *Executor) remaining(ctx context.Context) (int, error) {
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	e.opts.metrics.SetQueueDepth(depth)
	if e.opts.owner == "" {
		return depth, nil
	}
	items, err := e.store.ListQueue(ctx, e.opts.owner)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}
	return len(items), nil
}

// Trigger requests a drain from the Run loop without waiting for it.
// Thread-safe: may be called from any goroutine.
func (e *Executor) Trigger() bool {
	return e.trigger.Fire()
}

// Run drains the queue at startup (when online) and again whenever an
// online or drain message arrives, until ctx is cancelled.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: a failed drain is logged and the loop keeps running. The
// next trigger retries.
func (e *Executor) Run(ctx context.Context, messages <-chan bridge.Message) error {
	log := e.opts.logger
	log.Info("executor starting", "owner", e.opts.owner)

	if e.opts.online() {
		e.trigger.Fire()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("executor stopping: context cancelled")
			e.trigger.Close()
			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				// Bus closed; keep serving explicit Trigger calls.
				messages = nil
				continue
			}
			if !e.wants(msg) {
				continue
			}
			log.Debug("drain requested", "kind", msg.Kind, "owner", msg.Owner)
			e.trigger.Fire()

		case _, ok := <-e.trigger.Wait():
			if !ok {
				log.Info("executor stopping: trigger closed")
				return nil
			}
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDrainInProgress) {
				log.Error("drain failed", "error", err)
			}
		}
	}
}

// Stop closes the trigger, which causes Run to return.
func (e *Executor) Stop() {
	e.trigger.Close()
}

func (e *Executor) wants(msg bridge.Message) bool {
	if msg.Kind != bridge.KindOnline && msg.Kind != bridge.KindDrain {
		return false
	}
	if msg.Owner == "" || e.opts.owner == "" {
		return true
	}
	return ir.NormalizeKey(msg.Owner) == e.opts.owner
}

func (r *DrainReport) merge(o DrainReport) {
	r.Replayed += o.Replayed
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Expired += o.Expired
	r.DeadLettered += o.DeadLettered
	r.Remaining = o.Remaining
	r.Errors = append(r.Errors, o.Errors...)
}
