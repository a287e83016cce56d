// Package netstate tracks whether the remote API is reachable.
package netstate

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/clock"
)

// DefaultInterval is the probe period.
const DefaultInterval = 15 * time.Second

// Poster receives transition messages. Implemented by bridge.Bus.
type Poster interface {
	Post(msg bridge.Message) int
}

// Monitor probes a URL periodically and posts online/offline messages on
// transitions only.
type Monitor struct {
	url      string
	client   *http.Client
	poster   Poster
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
	known  bool
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClient(c *http.Client) Option { return func(m *Monitor) { m.client = c } }

func WithClock(c clock.Clock) Option { return func(m *Monitor) { m.clock = c } }

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a monitor for probeURL. The state starts online so writes are
// attempted live until the first probe says otherwise.
func New(probeURL string, poster Poster, opts ...Option) *Monitor {
	m := &Monitor{
		url:      probeURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		poster:   poster,
		clock:    clock.Real{},
		interval: DefaultInterval,
		logger:   slog.Default(),
		online:   true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online returns the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a state observed elsewhere (for example a failed live call)
// and posts a message if it is a transition.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if !changed {
		return
	}
	kind := bridge.KindOffline
	if online {
		kind = bridge.KindOnline
	}
	m.logger.Info("connectivity changed", "online", online)
	if m.poster != nil {
		m.poster.Post(bridge.Message{Kind: kind, SentAt: m.clock.Now()})
	}
}

// Probe checks reachability once and updates the state.
// Any HTTP response counts as online; only transport failures are offline.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		m.logger.Warn("invalid probe url", "url", m.url, "error", err)
		return m.Online()
	}
	resp, err := m.client.Do(req)
	online := err == nil
	if err == nil {
		resp.Body.Close()
	} else {
		m.logger.Debug("probe failed", "url", m.url, "error", err)
	}
	m.Set(online)
	return online
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	var schedule func()
	schedule = func() {
		m.clock.AfterFunc(m.interval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}

	m.Probe(ctx)
	schedule()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			m.Probe(ctx)
			schedule()
		}
	}
}
