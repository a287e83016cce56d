package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CacheEntry is one stored HTTP response.
type CacheEntry struct {
	Bucket   string
	Key      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// CacheStat summarises one bucket.
type CacheStat struct {
	Bucket  string `json:"bucket"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// GetCacheEntry looks up (bucket, key).
// Returns ErrNotFound on a miss. Freshness is the caller's decision.
func (s *Store) GetCacheEntry(ctx context.Context, bucket, key string) (CacheEntry, error) {
	var (
		e        = CacheEntry{Bucket: bucket, Key: key}
		header   string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, header, body, stored_at
		FROM cache_entries WHERE bucket = ? AND key = ?
	`, bucket, key).Scan(&e.Status, &header, &e.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("get cache entry %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return CacheEntry{}, fmt.Errorf("decode cache header %s/%s: %w", bucket, key, err)
	}
	e.StoredAt = fromNanos(storedAt)
	return e, nil
}

// PutCacheEntry stores e and then trims the bucket to maxEntries by evicting
// the least recently stored entries. Both happen in one transaction.
// maxEntries <= 0 disables trimming. Returns the number of evicted entries.
//
// Returns ErrQuotaExceeded (with nothing written) if the body would push the
// store past its cache quota.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry, maxEntries int) (int, error) {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return 0, fmt.Errorf("encode cache header: %w", err)
	}
	if e.Body == nil {
		e.Body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache put: %w", err)
	}
	defer tx.Rollback()

	if s.cacheQuota > 0 {
		var used int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(LENGTH(body)), 0) FROM cache_entries
			WHERE NOT (bucket = ? AND key = ?)
		`, e.Bucket, e.Key).Scan(&used); err != nil {
			return 0, fmt.Errorf("measure cache: %w", err)
		}
		if used+int64(len(e.Body)) > s.cacheQuota {
			return 0, ErrQuotaExceeded
		}
	}

	// seq is global so a refreshed entry becomes the newest in its bucket.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_entries (bucket, key, status, header, body, stored_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries))
		ON CONFLICT(bucket, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at,
			seq = excluded.seq
	`, e.Bucket, e.Key, e.Status, string(header), e.Body, toNanos(e.StoredAt)); err != nil {
		return 0, fmt.Errorf("put cache entry %s/%s: %w", e.Bucket, e.Key, mapDiskFull(err))
	}

	var evicted int64
	if maxEntries > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM cache_entries
			WHERE bucket = ? AND seq NOT IN (
				SELECT seq FROM cache_entries WHERE bucket = ?
				ORDER BY seq DESC LIMIT ?
			)
		`, e.Bucket, e.Bucket, maxEntries)
		if err != nil {
			return 0, fmt.Errorf("evict %s: %w", e.Bucket, err)
		}
		evicted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache put: %w", mapDiskFull(err))
	}
	return int(evicted), nil
}

// DeleteCacheEntry removes (bucket, key) if present.
func (s *Store) DeleteCacheEntry(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE bucket = ? AND key = ?
	`, bucket, key); err != nil {
		return fmt.Errorf("delete cache entry %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PurgeExpired removes entries in bucket stored before cutoff.
// An empty bucket purges nothing and returns 0.
func (s *Store) PurgeExpired(ctx context.Context, bucket string, cutoff time.Time) (int, error) {
	if bucket == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE bucket = ? AND stored_at < ?
	`, bucket, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", bucket, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearBucket removes every entry in bucket.
func (s *Store) ClearBucket(ctx context.Context, bucket string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, bucket)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", bucket, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CacheStats reports entry counts and body sizes per bucket, ordered by name.
func (s *Store) CacheStats(ctx context.Context) ([]CacheStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, COUNT(*), COALESCE(SUM(LENGTH(body)), 0)
		FROM cache_entries GROUP BY bucket ORDER BY bucket ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()

	var stats []CacheStat
	for rows.Next() {
		var st CacheStat
		if err := rows.Scan(&st.Bucket, &st.Entries, &st.Bytes); err != nil {
			return nil, fmt.Errorf("scan cache stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CacheKeys lists a bucket's keys from oldest to newest.
func (s *Store) CacheKeys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM cache_entries WHERE bucket = ? ORDER BY seq ASC
	`, bucket)
	if err != nil {
		return nil, fmt.Errorf("cache keys %s: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
