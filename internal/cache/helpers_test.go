package cache

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/metrics"
	"github.com/roach88/readsync/internal/store"
	"github.com/roach88/readsync/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const appOrigin = "https://app.example"

// handlerTransport serves every request, whatever its host, from a handler.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, req)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// failingTransport fails every request like an unreachable network.
type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, &url.Error{Op: "Get", URL: "offline", Err: io.ErrUnexpectedEOF}
}

// upstream records the URLs it served and answers from a per-URL table.
type upstream struct {
	mu      sync.Mutex
	hits    []string
	headers []http.Header
	bodies  map[string]string
	status map[string]int
	block  map[string]chan struct{} // closed when the request arrives
}

func newUpstream() *upstream {
	return &upstream{
		bodies: map[string]string{},
		status: map[string]int{},
		block:  map[string]chan struct{}{},
	}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.String()
	u.mu.Lock()
	u.hits = append(u.hits, key)
	u.headers = append(u.headers, r.Header.Clone())
	entered, blocked := u.block[key]
	body, ok := u.bodies[key]
	status := u.status[key]
	u.mu.Unlock()

	if blocked {
		close(entered)
		<-r.Context().Done()
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (u *upstream) set(rawURL, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bodies[rawURL] = body
}

func (u *upstream) blockOn(rawURL string) <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	ch := make(chan struct{})
	u.block[rawURL] = ch
	return ch
}

// Headers returns the request headers of every hit, in order.
func (u *upstream) Headers() []http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]http.Header(nil), u.headers...)
}

func (u *upstream) Hits() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.hits...)
}

type fixture struct {
	router  *Router
	store   *store.Store
	up      *upstream
	clock   *testutil.FakeClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil, opts...)
}

func newFixtureWithStore(t *testing.T, storeOpts []store.Option, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), storeOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:   s,
		up:      newUpstream(),
		clock:   testutil.NewFakeClock(epoch),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	origin, _ := url.Parse(appOrigin)
	base := []Option{
		WithUpstream(handlerTransport{h: f.up}),
		WithClock(f.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(f.metrics),
	}
	f.router = NewRouter(s, origin, append(base, opts...)...)
	return f
}

func get(t *testing.T, rt http.RoundTripper, rawURL string, header ...string) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body), nil
}
