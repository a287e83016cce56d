package engine

import (
	"log/slog"
	"time"

	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/metrics"
)

// DefaultRetention is how long a queued item is retried before it expires.
const DefaultRetention = 24 * time.Hour

// DefaultMaxAttempts is how many failed replays an item gets before it is
// dead-lettered.
const DefaultMaxAttempts = 5

// Connectivity reports whether the remote API is believed reachable.
// Implemented by netstate.Monitor.
type Connectivity interface {
	Online() bool
}

// Option configures a Mutator or Executor.
type Option func(*options)

type options struct {
	owner       string
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	ids         ir.IDGenerator
	net         Connectivity
	retention   time.Duration
	maxAttempts int
}

func defaultOptions() options {
	return options{
		clock:       clock.Real{},
		logger:      slog.Default(),
		ids:         ir.UUIDv7Generator{},
		retention:   DefaultRetention,
		maxAttempts: DefaultMaxAttempts,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithOwner scopes the executor to one owner's queue.
// Without it every owner's items are drained.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = ir.NormalizeKey(owner) }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithIDGenerator sets the generator for queue item ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithConnectivity gates live handler calls on the reported online state.
func WithConnectivity(c Connectivity) Option {
	return func(o *options) { o.net = c }
}

// WithRetention sets how long items are retried. Zero or negative keeps
// the default.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithMaxAttempts sets the failed-replay limit. Zero or negative keeps the
// default.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func (o options) online() bool {
	return o.net == nil || o.net.Online()
}
