// Package server is the local agent the page talks to.
//
// It ingests tracker signals, accepts mutations for write-through-or-queue,
// exposes the queue and control messages, and forwards every other request
// through the cache router to the application origin.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/prefetch"
	"github.com/roach88/readsync/internal/tracker"
)

// ShutdownTimeout bounds how long Run waits for in-flight requests.
const ShutdownTimeout = 30 * time.Second

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// QueueStore is the read side of the durable queue. Implemented by store.Store.
type QueueStore interface {
	ListQueue(ctx context.Context, owner string) ([]ir.QueueItem, error)
	Ping(ctx context.Context) error
}

// Applier submits a mutation. Implemented by engine.Mutator.
type Applier interface {
	Apply(ctx context.Context, op ir.Operation) (engine.Outcome, error)
}

// Poster publishes control messages. Implemented by bridge.Bus.
type Poster interface {
	Post(msg bridge.Message) int
}

// Deps are the components the agent serves. Every field except Planner,
// Gatherer, Clock and Logger is required.
type Deps struct {
	Owner   string
	Origin  *url.URL
	Router  http.RoundTripper
	Queue   QueueStore
	Mutator Applier
	Bus     Poster
	Tracker *tracker.Tracker
	Layout  *tracker.Layout
	Attach  *tracker.AttachQueue
	Planner prefetch.Planner

	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Server is the HTTP agent.
type Server struct {
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New builds the agent listening on address.
func New(address string, d Deps) (*Server, error) {
	switch {
	case d.Owner == "":
		return nil, errors.New("server: owner is required")
	case d.Origin == nil:
		return nil, errors.New("server: origin is required")
	case d.Router == nil || d.Queue == nil || d.Mutator == nil || d.Bus == nil:
		return nil, errors.New("server: router, queue, mutator and bus are required")
	case d.Tracker == nil || d.Layout == nil || d.Attach == nil:
		return nil, errors.New("server: tracker, layout and attach queue are required")
	}
	if d.Planner == nil {
		p, _ := prefetch.New(prefetch.Capability{}, nil, prefetch.Config{})
		d.Planner = p
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	s := &Server{deps: d, logger: d.Logger.With("component", "server")}
	s.http = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events/tracking", s.handleTracking)
	mux.HandleFunc("POST /sync/mutations", s.handleMutation)
	mux.HandleFunc("GET /sync/queue", s.handleQueue)
	mux.HandleFunc("POST /sync/drain", s.handleControl(bridge.KindDrain))
	mux.HandleFunc("POST /sw/skip-waiting", s.handleControl(bridge.KindSkipWaiting))
	mux.HandleFunc("POST /prefetch", s.handlePrefetch)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", s.proxy())
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening", "address", s.http.Addr)
		err := s.http.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// proxy forwards a request to the application origin with the cache router
// as its transport.
func (s *Server) proxy() http.Handler {
	origin := s.deps.Origin
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.Out.Host = origin.Host
		},
		Transport: s.deps.Router,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type queueResponse struct {
	Owner string         `json:"owner"`
	Items []ir.QueueItem `json:"items"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.ListQueue(r.Context(), s.deps.Owner)
	if err != nil {
		s.logger.Error("list queue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list queue failed")
		return
	}
	if items == nil {
		items = []ir.QueueItem{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Owner: s.deps.Owner, Items: items})
}

type controlResponse struct {
	Kind      bridge.Kind `json:"kind"`
	Delivered int         `json:"delivered"`
}

func (s *Server) handleControl(kind bridge.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := s.deps.Bus.Post(bridge.Message{
			Kind:   kind,
			Owner:  s.deps.Owner,
			SentAt: s.deps.Clock.Now(),
		})
		writeJSON(w, http.StatusAccepted, controlResponse{Kind: kind, Delivered: n})
	}
}

type prefetchResponse struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var t prefetch.Target
	if !decodeJSON(w, r, &t) {
		return
	}
	if t.Collection == "" {
		writeError(w, http.StatusBadRequest, "collection is required")
		return
	}
	s.deps.Planner.Plan(t)
	writeJSON(w, http.StatusAccepted, prefetchResponse{Enabled: s.deps.Planner.Enabled()})
}
