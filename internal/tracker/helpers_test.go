package tracker

import (
	"context"
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

const owner = "reader-1"

// fakeReporter records every report, failed or not.
type fakeReporter struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (r *fakeReporter) ReportUnitsRead(_ context.Context, _ string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, count)
	return r.err
}

func (r *fakeReporter) Calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.calls...)
}

func (r *fakeReporter) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fixture struct {
	tracker  *Tracker
	clock    *testutil.FakeClock
	reporter *fakeReporter
	store    *store.Store
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    testutil.NewFakeClock(epoch),
		reporter: &fakeReporter{},
		store:    openStore(t),
	}
	base := []Option{
		WithClock(f.clock),
		WithLogger(quietLogger()),
		WithIDGenerator(ir.NewFixedGenerator("s-1", "s-2", "s-3", "s-4")),
	}
	f.tracker = New(owner, f.reporter, f.store, append(base, opts...)...)
	return f
}

func (f *fixture) pending(t *testing.T) []ir.PendingTrackingRecord {
	t.Helper()
	recs, err := f.store.ListPending(context.Background(), owner)
	require.NoError(t, err)
	return recs
}

func (f *fixture) viewed(t *testing.T) []string {
	t.Helper()
	snap, ok := f.tracker.Session()
	if !ok {
		return nil
	}
	return snap.Viewed
}

func unit(id string) Unit {
	return Unit{ID: id, ParentID: "surah-2"}
}

func seen(ratio float64, ids ...string) []Observation {
	out := make([]Observation, len(ids))
	for i, id := range ids {
		out[i] = Observation{Unit: unit(id), Ratio: ratio}
	}
	return out
}

// gatedReporter holds its first report until release is closed.
type gatedReporter struct {
	fakeReporter
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedReporter() *gatedReporter {
	return &gatedReporter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (r *gatedReporter) ReportUnitsRead(ctx context.Context, owner string, count int) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.fakeReporter.ReportUnitsRead(ctx, owner, count)
}
