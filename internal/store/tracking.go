package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/readsync/internal/ir"
)

// SavePending writes rec, replacing any record for the same (owner, session).
// Units are stored sorted so the record is stable across rewrites.
func (s *Store) SavePending(ctx context.Context, rec ir.PendingTrackingRecord) error {
	rec = ir.NewPendingTrackingRecord(rec.Owner, rec.SessionID, rec.Units, rec.Timestamp)
	units, err := json.Marshal(rec.Units)
	if err != nil {
		return fmt.Errorf("encode pending units: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_tracking (owner, session_id, units, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, session_id) DO UPDATE SET
			units = excluded.units,
			timestamp = excluded.timestamp
	`, rec.Owner, rec.SessionID, string(units), toNanos(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("save pending %s/%s: %w", rec.Owner, rec.SessionID, mapDiskFull(err))
	}
	return nil
}

// ListPending returns the owner's pending records, oldest first.
// An empty owner lists every owner's records.
func (s *Store) ListPending(ctx context.Context, owner string) ([]ir.PendingTrackingRecord, error) {
	query := `SELECT owner, session_id, units, timestamp FROM pending_tracking`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, ir.NormalizeKey(owner))
	}
	query += ` ORDER BY timestamp ASC, session_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []ir.PendingTrackingRecord
	for rows.Next() {
		var (
			rec   ir.PendingTrackingRecord
			units string
			ts    int64
		)
		if err := rows.Scan(&rec.Owner, &rec.SessionID, &units, &ts); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal([]byte(units), &rec.Units); err != nil {
			return nil, fmt.Errorf("decode pending units %s: %w", rec.SessionID, err)
		}
		rec.Timestamp = fromNanos(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeletePending removes the record for (owner, session) if present.
func (s *Store) DeletePending(ctx context.Context, owner, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_tracking WHERE owner = ? AND session_id = ?
	`, ir.NormalizeKey(owner), sessionID)
	if err != nil {
		return fmt.Errorf("delete pending %s/%s: %w", owner, sessionID, err)
	}
	return nil
}
