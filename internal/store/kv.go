package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Put stores value under (namespace, key), replacing any previous value.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, namespace, key, value, toNanos(at))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, mapDiskFull(err))
	}
	return nil
}

// Get returns the value stored under (namespace, key).
// Returns ErrNotFound if the key does not exist.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes (namespace, key). Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kv WHERE namespace = ? AND key = ?
	`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys of a namespace in lexical order.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM kv WHERE namespace = ? ORDER BY key ASC
	`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
