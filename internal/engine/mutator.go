package engine

import (
	"context"
	"fmt"

	"github.com/roach88/readsync/internal/ir"
)

// Outcome reports what Apply did with an operation.
type Outcome string

const (
	// Applied means the handler accepted the operation immediately.
	Applied Outcome = "applied"
	// Queued means the operation was stored for replay.
	Queued Outcome = "queued"
)

// Enqueuer appends items to the durable queue.
// Implemented by store.Store.
type Enqueuer interface {
	Enqueue(ctx context.Context, item ir.QueueItem) error
}

// Mutator is the write-through-or-queue entry point for remote mutations.
type Mutator struct {
	queue    Enqueuer
	handlers Handlers
	opts     options
}

// NewMutator creates a mutator that calls h when online and falls back to q.
func NewMutator(q Enqueuer, h Handlers, opts ...Option) *Mutator {
	return &Mutator{queue: q, handlers: h, opts: buildOptions(opts)}
}

// Apply tries op against the live handler and queues it on failure or
// while offline.
//
// Handler failures are absorbed. The returned error is non-nil only when op
// is invalid (wrapping ir.ErrMalformedPayload) or the durable enqueue failed.
func (m *Mutator) Apply(ctx context.Context, op ir.Operation) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	id := m.opts.ids.Generate()
	if m.opts.online() {
		err := Dispatch(WithDeliveryID(ctx, id), m.handlers, op)
		if err == nil {
			m.opts.metrics.Mutation(string(op.Type()), string(Applied))
			return Applied, nil
		}
		m.opts.logger.Debug("live mutation failed, queueing",
			"operation", op.Type(),
			"owner", op.OwnerID(),
			"error", err,
		)
	}

	if _, err := m.enqueue(ctx, op, id); err != nil {
		return "", err
	}
	return Queued, nil
}

// Enqueue stores op for replay without trying the handler.
// The item is durable when Enqueue returns.
func (m *Mutator) Enqueue(ctx context.Context, op ir.Operation) (ir.QueueItem, error) {
	return m.enqueue(ctx, op, m.opts.ids.Generate())
}

func (m *Mutator) enqueue(ctx context.Context, op ir.Operation, id string) (ir.QueueItem, error) {
	payload, err := ir.EncodeOperation(op)
	if err != nil {
		return ir.QueueItem{}, err
	}
	item := ir.QueueItem{
		ID:            id,
		Owner:         ir.NormalizeKey(op.OwnerID()),
		OperationType: op.Type(),
		Payload:       payload,
		CreatedAt:     m.opts.clock.Now(),
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		return ir.QueueItem{}, fmt.Errorf("queue %s: %w", op.Type(), err)
	}
	m.opts.metrics.Mutation(string(op.Type()), string(Queued))
	m.opts.logger.Info("mutation queued",
		"id", item.ID,
		"operation", item.OperationType,
		"owner", item.Owner,
	)
	return item, nil
}
