package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/readsync/internal/ir"
)

const queueColumns = `id, owner, operation_type, payload, created_at, attempts, last_error`

// Enqueue appends item to the tail of the sync queue.
// The write is atomic: either the whole item is visible or none of it.
func (s *Store) Enqueue(ctx context.Context, item ir.QueueItem) error {
	if item.ID == "" {
		return fmt.Errorf("enqueue: item id is required")
	}
	if !json.Valid(item.Payload) {
		return fmt.Errorf("enqueue %s: %w", item.ID, ir.ErrMalformedPayload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, ir.NormalizeKey(item.Owner), string(item.OperationType), string(item.Payload),
		toNanos(item.CreatedAt), item.Attempts, item.LastError)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, mapDiskFull(err))
	}
	return nil
}

// ListQueue returns the owner's queued items in insertion order.
// An empty owner lists every owner's items.
func (s *Store) ListQueue(ctx context.Context, owner string) ([]ir.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, ir.NormalizeKey(owner))
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []ir.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

// QueueDepth returns the number of queued items across all owners.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// DeleteQueueItem removes an item after a successful replay.
// Removing an item that is already gone is not an error.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	return nil
}

// RecordAttempt increments the item's attempt counter, stores the failure
// message and returns the new count.
func (s *Store) RecordAttempt(ctx context.Context, id, lastError string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE sync_queue
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?
		RETURNING attempts
	`, lastError, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record attempt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return attempts, nil
}

// DeadLetter moves a queued item into dead_letters in one transaction.
func (s *Store) DeadLetter(ctx context.Context, id, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+queueColumns+`, reason, dead_at)
		SELECT `+queueColumns+`, ?, ? FROM sync_queue WHERE id = ?
	`, reason, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", id, mapDiskFull(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dead letter %s: %w", id, err)
	}
	return tx.Commit()
}

// ExpireQueue dead-letters every item created before cutoff and returns
// the expired items in queue order. An empty owner expires across owners.
func (s *Store) ExpireQueue(ctx context.Context, owner string, cutoff, at time.Time) ([]ir.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire: %w", err)
	}
	defer tx.Rollback()

	where := `created_at < ?`
	args := []any{toNanos(cutoff)}
	if owner != "" {
		where += ` AND owner = ?`
		args = append(args, ir.NormalizeKey(owner))
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}
	var expired []ir.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, item)
	}
	rows.Close()
	if len(expired) == 0 {
		return nil, nil
	}

	insertArgs := append([]any{ReasonExpired, toNanos(at)}, args...)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+queueColumns+`, reason, dead_at)
		SELECT `+queueColumns+`, ?, ? FROM sync_queue WHERE `+where, insertArgs...); err != nil {
		return nil, fmt.Errorf("move expired: %w", mapDiskFull(err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire: %w", err)
	}
	return expired, nil
}

// ReasonExpired is the dead letter reason for items past the retention window.
const ReasonExpired = "expired"

// ListDeadLetters returns dead letters, oldest first.
// An empty owner lists every owner's dead letters.
func (s *Store) ListDeadLetters(ctx context.Context, owner string) ([]ir.DeadLetter, error) {
	query := `SELECT ` + queueColumns + `, reason, dead_at FROM dead_letters`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, ir.NormalizeKey(owner))
	}
	query += ` ORDER BY dead_at ASC, created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []ir.DeadLetter
	for rows.Next() {
		var (
			dl              ir.DeadLetter
			opType, payload string
			created, dead   int64
		)
		if err := rows.Scan(&dl.ID, &dl.Owner, &opType, &payload, &created,
			&dl.Attempts, &dl.LastError, &dl.Reason, &dead); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.OperationType = ir.OperationType(opType)
		dl.Payload = json.RawMessage(payload)
		dl.CreatedAt = fromNanos(created)
		dl.DeadAt = fromNanos(dead)
		out = append(out, dl)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (ir.QueueItem, error) {
	var (
		item            ir.QueueItem
		opType, payload string
		created         int64
	)
	if err := row.Scan(&item.ID, &item.Owner, &opType, &payload, &created,
		&item.Attempts, &item.LastError); err != nil {
		return ir.QueueItem{}, fmt.Errorf("scan queue item: %w", err)
	}
	item.OperationType = ir.OperationType(opType)
	item.Payload = json.RawMessage(payload)
	item.CreatedAt = fromNanos(created)
	return item, nil
}
