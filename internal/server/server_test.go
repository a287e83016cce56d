package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/metrics"
	"github.com/roach88/readsync/internal/store"
	"github.com/roach88/readsync/internal/testutil"
	"github.com/roach88/readsync/internal/tracker"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const owner = "local"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubHandlers struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (h *stubHandlers) call() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.err
}

func (h *stubHandlers) AddFavorite(context.Context, ir.AddFavorite) error       { return h.call() }
func (h *stubHandlers) RemoveFavorite(context.Context, ir.RemoveFavorite) error { return h.call() }
func (h *stubHandlers) UpdateDailyProgress(context.Context, ir.UpdateDailyProgress) error {
	return h.call()
}
func (h *stubHandlers) TrackActivity(context.Context, ir.TrackActivity) error { return h.call() }

type switchNet struct{ online bool }

func (n *switchNet) Online() bool { return n.online }

type countingReporter struct {
	mu    sync.Mutex
	calls []int
}

func (r *countingReporter) ReportUnitsRead(_ context.Context, _ string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, count)
	return nil
}

func (r *countingReporter) Calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.calls...)
}

// roundTripFunc stands in for the cache router.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type fixture struct {
	server   *Server
	handler  http.Handler
	store    *store.Store
	clock    *testutil.FakeClock
	bus      *bridge.Bus
	net      *switchNet
	handlers *stubHandlers
	tracker  *tracker.Tracker
	reporter *countingReporter
	layout   *tracker.Layout
	registry *prometheus.Registry
	upstream []*http.Request
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		clock:    testutil.NewFakeClock(epoch),
		bus:      bridge.NewBus(quietLogger()),
		net:      &switchNet{online: true},
		handlers: &stubHandlers{},
		reporter: &countingReporter{},
		layout:   &tracker.Layout{},
		registry: prometheus.NewRegistry(),
	}
	m := metrics.New(f.registry)
	attach := &tracker.AttachQueue{}
	f.tracker = tracker.New(owner, f.reporter, s,
		tracker.WithClock(f.clock),
		tracker.WithLogger(quietLogger()),
		tracker.WithIDGenerator(ir.NewFixedGenerator("s-1", "s-2")),
		tracker.WithSurface(f.layout),
		tracker.WithObserver(attach),
	)
	mutator := engine.NewMutator(s, f.handlers,
		engine.WithClock(f.clock),
		engine.WithLogger(quietLogger()),
		engine.WithMetrics(m),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("q")),
		engine.WithConnectivity(f.net),
	)
	origin, _ := url.Parse("https://app.example")
	router := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		f.upstream = append(f.upstream, r)
		if r.URL.Path == "/down" {
			return nil, errors.New("connection refused")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/plain"}},
			Body:       io.NopCloser(strings.NewReader("from " + r.URL.String())),
			Request:    r,
		}, nil
	})

	f.server, err = New("127.0.0.1:0", Deps{
		Owner:    owner,
		Origin:   origin,
		Router:   router,
		Queue:    s,
		Mutator:  mutator,
		Bus:      f.bus,
		Tracker:  f.tracker,
		Layout:   f.layout,
		Attach:   attach,
		Gatherer: f.registry,
		Clock:    f.clock,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func verse(id string) tracker.Unit {
	return tracker.Unit{ID: id, ParentID: "surah-2"}
}

func TestTracking_MutationReturnsUnitsToObserveOnce(t *testing.T) {
	f := newFixture(t)
	batch := TrackingRequest{Signals: []Signal{
		{Type: SignalMutation, Units: []tracker.Unit{verse("1"), verse("2")}},
	}}

	rec := f.do(t, http.MethodPost, "/events/tracking", batch)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TrackingResponse](t, rec)
	assert.Equal(t, []tracker.Unit{verse("1"), verse("2")}, resp.Observe)
	assert.Nil(t, resp.Session)

	rec = f.do(t, http.MethodPost, "/events/tracking", batch)
	resp = decode[TrackingResponse](t, rec)
	assert.Empty(t, resp.Observe, "already observed units are not returned again")
	assert.NotNil(t, resp.Observe)
}

func TestTracking_VisibleThenDwellPromotes(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{
		{Type: SignalVisible, Observations: []tracker.Observation{{Unit: verse("7"), Ratio: 0.6}}},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[TrackingResponse](t, rec)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "surah-2", resp.Session.ParentID)
	assert.Equal(t, []string{"7"}, resp.Session.Watching)

	f.clock.Advance(time.Second)
	snap, ok := f.tracker.Session()
	require.True(t, ok)
	assert.Equal(t, []string{"7"}, snap.Viewed)
}

func TestTracking_ScrollCancelsPendingDwell(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{
		{Type: SignalVisible, Observations: []tracker.Observation{{Unit: verse("7"), Ratio: 0.6}}},
		{Type: SignalScroll},
	}})

	f.clock.Advance(5 * time.Second)
	snap, ok := f.tracker.Session()
	require.True(t, ok)
	assert.Empty(t, snap.Viewed)
}

func TestTracking_UnknownSignalRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{
		{Type: SignalVisible, Observations: []tracker.Observation{{Unit: verse("7"), Ratio: 0.6}}},
		{Type: "resize"},
	}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, `unknown type "resize"`)
	_, ok := f.tracker.Session()
	assert.False(t, ok, "no signal of a rejected batch is applied")
}

func TestTracking_LayoutFeedsSurface(t *testing.T) {
	f := newFixture(t)
	vp := tracker.Viewport{Width: 400, Height: 800}
	boxes := []tracker.Box{{Unit: verse("3"), X: 0, Y: 100, Width: 400, Height: 200}}

	rec := f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{
		{Type: SignalLayout, Viewport: vp, Boxes: boxes},
	}})
	require.Equal(t, http.StatusOK, rec.Code)

	gotVP, gotBoxes := f.layout.Measure()
	assert.Equal(t, vp, gotVP)
	assert.Equal(t, boxes, gotBoxes)
}

func TestTracking_UnloadPersistsPendingRecord(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{
		{Type: SignalVisible, Observations: []tracker.Observation{{Unit: verse("4"), Ratio: 1}}},
	}})
	f.clock.Advance(time.Second)

	rec := f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: []Signal{{Type: SignalUnload}}})
	require.Equal(t, http.StatusOK, rec.Code)

	recs, err := f.store.ListPending(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"4"}, recs[0].Units)
}

func TestTracking_UnloadThenNextPageStartsOver(t *testing.T) {
	f := newFixture(t)
	post := func(sigs ...Signal) TrackingResponse {
		t.Helper()
		rec := f.do(t, http.MethodPost, "/events/tracking", TrackingRequest{Signals: sigs})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[TrackingResponse](t, rec)
	}

	post(Signal{Type: SignalVisible, Observations: []tracker.Observation{
		{Unit: verse("4"), Ratio: 1},
		{Unit: verse("5"), Ratio: 1},
	}})
	f.clock.Advance(time.Second)
	resp := post(Signal{Type: SignalUnload})
	assert.Nil(t, resp.Session)

	resp = post(Signal{Type: SignalVisible, Observations: []tracker.Observation{{Unit: verse("6"), Ratio: 1}}})
	require.NotNil(t, resp.Session)
	assert.Equal(t, "s-2", resp.Session.ID)
	assert.Equal(t, []int{2}, f.reporter.Calls(), "closed tab's units replayed once")

	recs, err := f.store.ListPending(context.Background(), owner)
	require.NoError(t, err)
	assert.Empty(t, recs)

	f.clock.Advance(time.Second)
	snap, ok := f.tracker.Session()
	require.True(t, ok)
	assert.Equal(t, []string{"6"}, snap.Viewed)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, []int{2, 1}, f.reporter.Calls())
}

func TestTracking_InvalidJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/events/tracking", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func favorite(ownerID, item string) MutationRequest {
	payload, _ := json.Marshal(map[string]string{"owner": ownerID, "kind": "verse", "item_id": item})
	return MutationRequest{Type: ir.OpAddFavorite, Payload: payload}
}

func TestMutations_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		handlerErr error
		req        MutationRequest
		wantStatus int
		wantQueued int
	}{
		{name: "online success applies", online: true, req: favorite(owner, "2:255"), wantStatus: http.StatusOK},
		{name: "offline queues", online: false, req: favorite(owner, "2:255"), wantStatus: http.StatusAccepted, wantQueued: 1},
		{name: "owner compared normalised", online: true, req: favorite(" "+owner+" ", "2:255"), wantStatus: http.StatusOK},
		{
			name: "handler failure queues", online: true, handlerErr: errors.New("503"),
			req: favorite(owner, "2:255"), wantStatus: http.StatusAccepted, wantQueued: 1,
		},
		{
			name: "unknown type", online: true,
			req:        MutationRequest{Type: "share_verse", Payload: json.RawMessage(`{}`)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "malformed payload", online: true,
			req:        MutationRequest{Type: ir.OpAddFavorite, Payload: json.RawMessage(`{"owner":"local","kind":"planet","item_id":"x"}`)},
			wantStatus: http.StatusBadRequest,
		},
		{name: "other owner", online: true, req: favorite("someone-else", "1:1"), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.net.online = tt.online
			f.handlers.err = tt.handlerErr

			rec := f.do(t, http.MethodPost, "/sync/mutations", tt.req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			items, err := f.store.ListQueue(context.Background(), owner)
			require.NoError(t, err)
			assert.Len(t, items, tt.wantQueued)
		})
	}
}

func TestMutations_OutcomeBody(t *testing.T) {
	f := newFixture(t)
	f.net.online = false

	rec := f.do(t, http.MethodPost, "/sync/mutations", favorite(owner, "2:255"))
	assert.Equal(t, engine.Queued, decode[MutationResponse](t, rec).Outcome)
}

func TestQueue_ListsPendingItems(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/sync/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"owner":"local","items":[]}`, rec.Body.String())

	f.net.online = false
	f.do(t, http.MethodPost, "/sync/mutations", favorite(owner, "2:255"))

	rec = f.do(t, http.MethodGet, "/sync/queue", nil)
	resp := decode[queueResponse](t, rec)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "q-1", resp.Items[0].ID)
	assert.Equal(t, ir.OpAddFavorite, resp.Items[0].OperationType)
}

func TestControl_PostsBridgeMessages(t *testing.T) {
	tests := []struct {
		path string
		kind bridge.Kind
	}{
		{"/sync/drain", bridge.KindDrain},
		{"/sw/skip-waiting", bridge.KindSkipWaiting},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newFixture(t)
			ch, cancel := f.bus.Subscribe(1)
			defer cancel()

			rec := f.do(t, http.MethodPost, tt.path, nil)
			require.Equal(t, http.StatusAccepted, rec.Code)
			assert.Equal(t, controlResponse{Kind: tt.kind, Delivered: 1}, decode[controlResponse](t, rec))

			select {
			case msg := <-ch:
				assert.Equal(t, bridge.Message{Kind: tt.kind, Owner: owner, SentAt: epoch}, msg)
			default:
				t.Fatal("no message posted")
			}
		})
	}
}

func TestPrefetch_GatedOffAccepts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/prefetch", map[string]any{"collection": "surah", "unit": 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/prefetch", map[string]any{"unit": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	f.do(t, http.MethodPost, "/sync/mutations", favorite(owner, "2:255"))
	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `readsync_mutations_total{operation="add_favorite",outcome="applied"} 1`)
}

func TestProxy_ForwardsToOriginThroughRouter(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/surah/2?view=page", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from https://app.example/surah/2?view=page", rec.Body.String())
	require.Len(t, f.upstream, 1)
	assert.Equal(t, "app.example", f.upstream[0].Host)
	assert.Equal(t, "navigate", f.upstream[0].Header.Get("Sec-Fetch-Mode"))
}

func TestProxy_RouterFailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/down", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(":0", Deps{Owner: owner})
	assert.Error(t, err)
}

func TestRun_ShutsDownWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
