package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/store"
	"github.com/roach88/readsync/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// recordingHandlers records every dispatched operation and fails the ones
// failOn returns an error for.
type recordingHandlers struct {
	mu     sync.Mutex
	calls  []string
	failOn func(op ir.Operation) error
}

func opLabel(op ir.Operation) string {
	switch o := op.(type) {
	case ir.AddFavorite:
		return "add:" + o.ItemID
	case ir.RemoveFavorite:
		return "remove:" + o.ItemID
	case ir.UpdateDailyProgress:
		return fmt.Sprintf("progress:%s:%d", o.Metric, o.Value)
	case ir.TrackActivity:
		return fmt.Sprintf("track:%s:%d", o.Activity, o.Amount)
	}
	return "?"
}

func (h *recordingHandlers) record(op ir.Operation) error {
	h.mu.Lock()
	h.calls = append(h.calls, opLabel(op))
	fail := h.failOn
	h.mu.Unlock()
	if fail != nil {
		return fail(op)
	}
	return nil
}

func (h *recordingHandlers) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *recordingHandlers) AddFavorite(_ context.Context, op ir.AddFavorite) error {
	return h.record(op)
}

func (h *recordingHandlers) RemoveFavorite(_ context.Context, op ir.RemoveFavorite) error {
	return h.record(op)
}

func (h *recordingHandlers) UpdateDailyProgress(_ context.Context, op ir.UpdateDailyProgress) error {
	return h.record(op)
}

func (h *recordingHandlers) TrackActivity(_ context.Context, op ir.TrackActivity) error {
	return h.record(op)
}

type staticNet struct{ online bool }

func (n *staticNet) Online() bool { return n.online }

func fav(id string) ir.AddFavorite {
	return ir.AddFavorite{Owner: "u1", Kind: ir.FavoriteVerse, ItemID: id}
}

// newTestMutator returns an offline mutator so every Apply queues.
func newTestMutator(s *store.Store, h Handlers, clk *testutil.FakeClock) *Mutator {
	return NewMutator(s, h,
		WithClock(clk),
		WithLogger(quietLogger()),
		WithIDGenerator(testutil.NewSequenceGenerator("q")),
		WithConnectivity(&staticNet{online: false}),
	)
}
