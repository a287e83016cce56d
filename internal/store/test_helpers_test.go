package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/readsync/internal/ir"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new temp-dir store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// queueItem creates a favorite mutation queued at epoch+offset.
func queueItem(id, owner string, offset time.Duration) ir.QueueItem {
	payload, _ := json.Marshal(map[string]string{
		"owner":   owner,
		"kind":    "verse",
		"item_id": id,
	})
	return ir.QueueItem{
		ID:            id,
		Owner:         owner,
		OperationType: ir.OpAddFavorite,
		Payload:       payload,
		CreatedAt:     epoch.Add(offset),
	}
}
