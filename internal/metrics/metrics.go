// Package metrics holds the Prometheus collectors readsync exports.
//
// Collectors are registered on an injected Registerer so tests can use a
// fresh registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cache request outcomes.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeExpired     = "expired"
	OutcomeFallback    = "fallback"
	OutcomeNetwork     = "network"
	OutcomePassthrough = "passthrough"
	OutcomeError       = "error"
)

// Replay results.
const (
	ReplayApplied      = "applied"
	ReplayFailed       = "failed"
	ReplaySkipped      = "skipped"
	ReplayExpired      = "expired"
	ReplayDeadLettered = "dead_lettered"
)

type Metrics struct {
	CacheRequests      *prometheus.CounterVec
	CacheEvictions     *prometheus.CounterVec
	CacheWriteFailures *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	QueueReplays       *prometheus.CounterVec
	MutationsApplied   *prometheus.CounterVec
	UnitsRead          prometheus.Counter
	Prefetches         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_cache_requests_total",
			Help: "Requests handled by the cache router, by bucket and outcome",
		}, []string{"bucket", "outcome"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_cache_evictions_total",
			Help: "Cache entries evicted by the entry-count ceiling",
		}, []string{"bucket"}),
		CacheWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_cache_write_failures_total",
			Help: "Responses served uncached because the cache write failed",
		}, []string{"bucket"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "readsync_sync_queue_depth",
			Help: "Mutations waiting in the sync queue after the last drain",
		}),
		QueueReplays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_sync_replays_total",
			Help: "Queue items processed by a drain, by operation and result",
		}, []string{"operation", "result"}),
		MutationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_mutations_total",
			Help: "Mutations submitted through write-through-or-queue, by outcome",
		}, []string{"operation", "outcome"}),
		UnitsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "readsync_units_read_total",
			Help: "Content units promoted to read by the viewport tracker",
		}),
		Prefetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "readsync_prefetches_total",
			Help: "Prefetch warm-ups, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) CacheRequest(bucket, outcome string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(bucket, outcome).Inc()
}

func (m *Metrics) CacheEvicted(bucket string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(bucket).Add(float64(n))
}

func (m *Metrics) CacheWriteFailed(bucket string) {
	if m == nil {
		return
	}
	m.CacheWriteFailures.WithLabelValues(bucket).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Replay(operation, result string) {
	if m == nil {
		return
	}
	m.QueueReplays.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) Mutation(operation, outcome string) {
	if m == nil {
		return
	}
	m.MutationsApplied.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) UnitRead() {
	if m == nil {
		return
	}
	m.UnitsRead.Inc()
}

func (m *Metrics) Prefetch(result string) {
	if m == nil {
		return
	}
	m.Prefetches.WithLabelValues(result).Inc()
}
