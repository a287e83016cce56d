package netstate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/testutil"
)

type recordingPoster struct {
	mu   sync.Mutex
	msgs []bridge.Kind
}

func (p *recordingPoster) Post(msg bridge.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg.Kind)
	return 1
}

func (p *recordingPoster) Kinds() []bridge.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bridge.Kind(nil), p.msgs...)
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMonitor_PostsOnlyTransitions(t *testing.T) {
	p := &recordingPoster{}
	m := New("http://unused", p, quiet())

	m.Set(true)
	m.Set(true)
	m.Set(false)
	m.Set(false)
	m.Set(true)

	assert.Equal(t, []bridge.Kind{bridge.KindOnline, bridge.KindOffline, bridge.KindOnline}, p.Kinds())
	assert.True(t, m.Online())
}

func TestMonitor_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	p := &recordingPoster{}
	m := New(srv.URL, p, quiet())
	ctx := context.Background()

	assert.True(t, m.Probe(ctx), "any HTTP response means reachable")
	srv.Close()
	assert.False(t, m.Probe(ctx))
	assert.False(t, m.Online())
	assert.Equal(t, []bridge.Kind{bridge.KindOnline, bridge.KindOffline}, p.Kinds())
}

func TestMonitor_RunProbesOnInterval(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	clk := testutil.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(srv.URL, nil, quiet(), WithClock(clk), WithInterval(10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return hits
	}
	require.Eventually(t, func() bool { return count() == 1 && clk.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
