package store

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cacheEntry(bucket, key, body string, at time.Time) CacheEntry {
	return CacheEntry{
		Bucket:   bucket,
		Key:      key,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     []byte(body),
		StoredAt: at,
	}
}

func TestCache_PutGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	in := cacheEntry("quran-text", "https://api.example/chapters/1", `{"verses":[]}`, epoch)
	evicted, err := s.PutCacheEntry(ctx, in, 10)
	require.NoError(t, err)
	assert.Zero(t, evicted)

	got, err := s.GetCacheEntry(ctx, in.Bucket, in.Key)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = s.GetCacheEntry(ctx, "quran-text", "https://api.example/chapters/2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCache_EvictsLeastRecentlyStored(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.PutCacheEntry(ctx, cacheEntry("images", fmt.Sprintf("k%d", i), "x", epoch), 3)
		require.NoError(t, err)
	}
	// Refreshing k1 makes it the newest.
	_, err := s.PutCacheEntry(ctx, cacheEntry("images", "k1", "y", epoch), 3)
	require.NoError(t, err)

	evicted, err := s.PutCacheEntry(ctx, cacheEntry("images", "k4", "x", epoch), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)

	keys, err := s.CacheKeys(ctx, "images")
	require.NoError(t, err)
	assert.Equal(t, []string{"k3", "k1", "k4"}, keys)
}

func TestCache_EvictionIsPerBucket(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.PutCacheEntry(ctx, cacheEntry("a", "k1", "x", epoch), 1)
	require.NoError(t, err)
	_, err = s.PutCacheEntry(ctx, cacheEntry("b", "k1", "x", epoch), 1)
	require.NoError(t, err)

	stats, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []CacheStat{
		{Bucket: "a", Entries: 1, Bytes: 1},
		{Bucket: "b", Entries: 1, Bytes: 1},
	}, stats)
}

func TestCache_QuotaExceeded(t *testing.T) {
	s := createTestStore(t, WithCacheQuota(10))
	ctx := context.Background()

	_, err := s.PutCacheEntry(ctx, cacheEntry("a", "k1", "123456", epoch), 0)
	require.NoError(t, err)

	_, err = s.PutCacheEntry(ctx, cacheEntry("a", "k2", "123456", epoch), 0)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = s.GetCacheEntry(ctx, "a", "k2")
	assert.ErrorIs(t, err, ErrNotFound, "failed write leaves nothing behind")

	// Replacing an entry only counts the new body.
	_, err = s.PutCacheEntry(ctx, cacheEntry("a", "k1", "1234567890", epoch), 0)
	assert.NoError(t, err)
}

func TestCache_PurgeExpired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.PutCacheEntry(ctx, cacheEntry("prayer-times", "old", "x", epoch), 0)
	require.NoError(t, err)
	_, err = s.PutCacheEntry(ctx, cacheEntry("prayer-times", "new", "x", epoch.Add(time.Hour)), 0)
	require.NoError(t, err)

	n, err := s.PurgeExpired(ctx, "prayer-times", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err := s.CacheKeys(ctx, "prayer-times")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, keys)

	n, err = s.ClearBucket(ctx, "prayer-times")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCache_Delete(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.PutCacheEntry(ctx, cacheEntry("a", "k", "x", epoch), 0)
	require.NoError(t, err)
	require.NoError(t, s.DeleteCacheEntry(ctx, "a", "k"))
	_, err = s.GetCacheEntry(ctx, "a", "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
