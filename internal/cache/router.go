package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/metrics"
	"github.com/roach88/readsync/internal/store"
)

// HeaderCache reports how the router produced a response.
const HeaderCache = "X-Readsync-Cache"

var errNetworkTimeout = errors.New("network timeout")

// Store is the cache storage the router reads and writes.
// Implemented by store.Store.
type Store interface {
	GetCacheEntry(ctx context.Context, bucket, key string) (store.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e store.CacheEntry, maxEntries int) (int, error)
	PurgeExpired(ctx context.Context, bucket string, cutoff time.Time) (int, error)
}

// Router is the caching http.RoundTripper.
//
// Thread-safety: RoundTrip, Warm and Precache are safe for concurrent use.
// The active rule set is swapped atomically.
type Router struct {
	store     Store
	upstream  http.RoundTripper
	origin    *url.URL
	shellPath string
	proxyPath string
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ruleStore RuleStore

	active atomic.Pointer[RuleSet]
	staged atomic.Pointer[RuleSet]
}

// Option configures a Router.
type Option func(*Router)

// WithUpstream sets the transport used for network fetches.
func WithUpstream(rt http.RoundTripper) Option {
	return func(r *Router) { r.upstream = rt }
}

// WithRules replaces the built-in rule set.
func WithRules(rs *RuleSet) Option {
	return func(r *Router) { r.active.Store(rs) }
}

func WithShellPath(p string) Option {
	return func(r *Router) {
		if p != "" {
			r.shellPath = p
		}
	}
}

func WithProxyPath(p string) Option {
	return func(r *Router) {
		if p != "" {
			r.proxyPath = p
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a router for the application at origin.
func NewRouter(s Store, origin *url.URL, opts ...Option) *Router {
	r := &Router{
		store:     s,
		upstream:  http.DefaultTransport,
		origin:    origin,
		shellPath: DefaultShell,
		proxyPath: DefaultProxy,
		clock:     clock.Real{},
		logger:    slog.Default(),
	}
	r.active.Store(DefaultRuleSet())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rules returns the active rule set.
func (r *Router) Rules() *RuleSet {
	return r.active.Load()
}

// Stage prepares rs to replace the active rules on the next ActivateStaged.
func (r *Router) Stage(rs *RuleSet) {
	r.staged.Store(rs)
	r.logger.Info("cache rules staged", "version", rs.Version)
}

// ActivateStaged swaps in the staged rule set. Returns false if none was
// staged.
func (r *Router) ActivateStaged() bool {
	rs := r.staged.Swap(nil)
	if rs == nil {
		return false
	}
	prevVersion := 0
	if prev := r.active.Swap(rs); prev != nil {
		prevVersion = prev.Version
	}
	r.logger.Info("cache rules activated", "version", rs.Version, "previous", prevVersion)
	return true
}

// Listen activates staged rules on every skip_waiting message until ctx is
// done or messages is closed. Activated rules are saved when a RuleStore is
// configured.
func (r *Router) Listen(ctx context.Context, messages <-chan bridge.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Kind == bridge.KindSkipWaiting && r.ActivateStaged() {
				if err := r.saveActive(ctx, r.active.Load()); err != nil {
					r.logger.Warn("activated rules not saved", "error", err)
				}
			}
		}
	}
}

// ShellURL is the absolute URL of the application shell.
func (r *Router) ShellURL() string {
	u := *r.origin
	u.Path = r.shellPath
	u.RawQuery = ""
	return u.String()
}

// ProxyURL wraps target in the proxy convention for this router's origin.
func (r *Router) ProxyURL(target string) string {
	return EncodeProxyURL(r.origin, r.proxyPath, target)
}

// resolved is a classified request. Rules match the decoded proxy target
// while the fetch still goes to the requested URL.
type resolved struct {
	fetch *url.URL // what the network fetch goes to
	key   string   // cache key
	rule  *CompiledRule
}

func (r *Router) resolve(u *url.URL) resolved {
	if u.Host == "" {
		abs := *u
		abs.Scheme, abs.Host = r.origin.Scheme, r.origin.Host
		u = &abs
	}
	target := u
	if r.isAppOrigin(u) {
		if t, ok := DecodeProxyURL(u, r.proxyPath); ok {
			target = t
		}
	}
	return resolved{
		fetch: u,
		key:   canonicalKey(u, r.origin, r.proxyPath),
		rule:  r.active.Load().Match(NewTarget(target, r.origin.Hostname())),
	}
}

func (r *Router) isAppOrigin(u *url.URL) bool {
	return u.Host == r.origin.Host || u.Host == ""
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodGet && isNavigation(req) && r.isAppOrigin(req.URL) {
		return r.serveShell(req)
	}

	res := r.resolve(req.URL)

	if req.Method != http.MethodGet {
		r.metrics.CacheRequest("", metrics.OutcomePassthrough)
		return r.passthrough(req, res)
	}

	if res.rule == nil {
		if resp, ok := r.precached(req, res.key); ok {
			return resp, nil
		}
		r.metrics.CacheRequest("", metrics.OutcomePassthrough)
		return r.passthrough(req, res)
	}

	switch res.rule.Strategy {
	case CacheFirst:
		return r.cacheFirst(req, res)
	case NetworkFirst:
		return r.networkFirst(req, res)
	default:
		r.metrics.CacheRequest(res.rule.BucketName(), metrics.OutcomePassthrough)
		return r.passthrough(req, res)
	}
}

func (r *Router) passthrough(req *http.Request, res resolved) (*http.Response, error) {
	resp, err := r.upstream.RoundTrip(r.upstreamRequest(req.Context(), req, res.fetch))
	if err != nil {
		return r.fallback(req, err)
	}
	return resp, nil
}

func (r *Router) cacheFirst(req *http.Request, res resolved) (*http.Response, error) {
	ctx := req.Context()
	bucket := res.rule.BucketName()

	outcome := metrics.OutcomeMiss
	entry, err := r.store.GetCacheEntry(ctx, bucket, res.key)
	switch {
	case err == nil && r.fresh(entry, res.rule):
		r.metrics.CacheRequest(bucket, metrics.OutcomeHit)
		return entryResponse(req, entry, metrics.OutcomeHit), nil
	case err == nil:
		outcome = metrics.OutcomeExpired
	case !errors.Is(err, store.ErrNotFound):
		r.logger.Warn("cache read failed", "bucket", bucket, "key", res.key, "error", err)
	}

	resp, err := r.upstream.RoundTrip(r.upstreamRequest(ctx, req, res.fetch))
	if err != nil {
		r.metrics.CacheRequest(bucket, metrics.OutcomeError)
		return r.fallback(req, err)
	}
	r.metrics.CacheRequest(bucket, outcome)
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	entry, err = readEntry(resp, bucket, res.key, r.clock.Now())
	if err != nil {
		r.metrics.CacheRequest(bucket, metrics.OutcomeError)
		return r.fallback(req, err)
	}
	_ = r.put(ctx, entry, res.rule.MaxEntries)
	return entryResponse(req, entry, outcome), nil
}

func (r *Router) networkFirst(req *http.Request, res resolved) (*http.Response, error) {
	bucket := res.rule.BucketName()

	ctx, cancel := context.WithCancelCause(req.Context())
	defer cancel(nil)
	timer := r.clock.AfterFunc(time.Duration(res.rule.NetworkTimeout), func() {
		cancel(errNetworkTimeout)
	})
	defer timer.Stop()

	entry, err := r.fetchWithin(ctx, req, res, bucket)
	if err == nil {
		r.metrics.CacheRequest(bucket, metrics.OutcomeNetwork)
		if entry.Status == http.StatusOK {
			_ = r.put(req.Context(), entry, res.rule.MaxEntries)
		}
		return entryResponse(req, entry, metrics.OutcomeNetwork), nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, errNetworkTimeout) {
		err = fmt.Errorf("%w after %s: %v", errNetworkTimeout, time.Duration(res.rule.NetworkTimeout), err)
	}

	cached, cerr := r.store.GetCacheEntry(req.Context(), bucket, res.key)
	if cerr == nil && r.fresh(cached, res.rule) {
		r.logger.Debug("network failed, serving cached copy", "bucket", bucket, "key", res.key, "error", err)
		r.metrics.CacheRequest(bucket, metrics.OutcomeFallback)
		return entryResponse(req, cached, metrics.OutcomeFallback), nil
	}

	r.metrics.CacheRequest(bucket, metrics.OutcomeError)
	return r.fallback(req, err)
}

// fetchWithin fetches and reads the whole body before ctx ends, so a slow
// body counts against the timeout as well.
func (r *Router) fetchWithin(ctx context.Context, req *http.Request, res resolved, bucket string) (store.CacheEntry, error) {
	resp, err := r.upstream.RoundTrip(r.upstreamRequest(ctx, req, res.fetch))
	if err != nil {
		return store.CacheEntry{}, err
	}
	return readEntry(resp, bucket, res.key, r.clock.Now())
}

// serveShell answers a navigation with the cached application shell,
// fetching and storing it on first use.
func (r *Router) serveShell(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := r.ShellURL()

	entry, err := r.store.GetCacheEntry(ctx, BucketShell, key)
	if err == nil {
		r.metrics.CacheRequest(BucketShell, metrics.OutcomeHit)
		return entryResponse(req, entry, metrics.OutcomeHit), nil
	}

	entry, err = r.fetchShell(ctx, req)
	if err != nil {
		r.metrics.CacheRequest(BucketShell, metrics.OutcomeError)
		return nil, err
	}
	r.metrics.CacheRequest(BucketShell, metrics.OutcomeMiss)
	return entryResponse(req, entry, metrics.OutcomeMiss), nil
}

// fetchShell downloads the shell and stores it when it is a 200.
func (r *Router) fetchShell(ctx context.Context, orig *http.Request) (store.CacheEntry, error) {
	shell, _ := url.Parse(r.ShellURL())
	var req *http.Request
	if orig != nil {
		req = r.upstreamRequest(ctx, orig, shell)
	} else {
		var err error
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, shell.String(), nil)
		if err != nil {
			return store.CacheEntry{}, fmt.Errorf("shell request: %w", err)
		}
	}

	resp, err := r.upstream.RoundTrip(req)
	if err != nil {
		return store.CacheEntry{}, fmt.Errorf("fetch shell: %w", err)
	}
	entry, err := readEntry(resp, BucketShell, shell.String(), r.clock.Now())
	if err != nil {
		return store.CacheEntry{}, fmt.Errorf("read shell: %w", err)
	}
	if entry.Status == http.StatusOK {
		_ = r.put(ctx, entry, 0)
	}
	return entry, nil
}

// fallback is the global catch handler: a failed document request gets the
// cached shell, anything else gets its original error back.
func (r *Router) fallback(req *http.Request, cause error) (*http.Response, error) {
	if !isDocument(req) {
		return nil, cause
	}
	entry, err := r.store.GetCacheEntry(req.Context(), BucketShell, r.ShellURL())
	if err != nil {
		return nil, cause
	}
	r.logger.Debug("document request failed, serving shell", "url", req.URL.String(), "error", cause)
	r.metrics.CacheRequest(BucketShell, metrics.OutcomeFallback)
	return entryResponse(req, entry, metrics.OutcomeFallback), nil
}

func (r *Router) precached(req *http.Request, key string) (*http.Response, bool) {
	if !r.isAppOrigin(req.URL) {
		return nil, false
	}
	entry, err := r.store.GetCacheEntry(req.Context(), BucketPrecache, key)
	if err != nil {
		return nil, false
	}
	r.metrics.CacheRequest(BucketPrecache, metrics.OutcomeHit)
	return entryResponse(req, entry, metrics.OutcomeHit), true
}

// put stores e and logs failures. Request paths ignore the error: the
// caller still gets the live response.
func (r *Router) put(ctx context.Context, e store.CacheEntry, maxEntries int) error {
	evicted, err := r.store.PutCacheEntry(ctx, e, maxEntries)
	if err != nil {
		r.metrics.CacheWriteFailed(e.Bucket)
		if errors.Is(err, store.ErrQuotaExceeded) {
			r.logger.Warn("cache quota exceeded, serving uncached", "bucket", e.Bucket, "key", e.Key, "bytes", len(e.Body))
		} else {
			r.logger.Warn("cache write failed, serving uncached", "bucket", e.Bucket, "key", e.Key, "error", err)
		}
		return err
	}
	if evicted > 0 {
		r.metrics.CacheEvicted(e.Bucket, evicted)
		r.logger.Debug("cache entries evicted", "bucket", e.Bucket, "count", evicted)
	}
	return nil
}

func (r *Router) fresh(e store.CacheEntry, rule *CompiledRule) bool {
	if rule.MaxAge <= 0 {
		return true
	}
	return r.clock.Now().Sub(e.StoredAt) < time.Duration(rule.MaxAge)
}

// PurgeExpired deletes entries older than their rule's MaxAge in every
// bucket of the active rule set. Returns deleted counts by bucket.
func (r *Router) PurgeExpired(ctx context.Context) (map[string]int, error) {
	now := r.clock.Now()
	purged := make(map[string]int)
	for _, rule := range r.active.Load().Rules() {
		if rule.Strategy == NetworkOnly || rule.MaxAge <= 0 {
			continue
		}
		n, err := r.store.PurgeExpired(ctx, rule.BucketName(), now.Add(-time.Duration(rule.MaxAge)))
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", rule.BucketName(), err)
		}
		purged[rule.BucketName()] += n
	}
	return purged, nil
}

// credentialHeaders belong to the app origin and are never sent elsewhere.
var credentialHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

func (r *Router) upstreamRequest(ctx context.Context, req *http.Request, target *url.URL) *http.Request {
	out := req.Clone(ctx)
	t := *target
	if t.Host == "" {
		t.Scheme = r.origin.Scheme
		t.Host = r.origin.Host
	}
	out.URL = &t
	out.Host = ""
	out.RequestURI = ""
	if !r.isAppOrigin(&t) {
		for _, h := range credentialHeaders {
			out.Header.Del(h)
		}
	}
	return out
}

func isNavigation(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Mode") == "navigate" || isDocument(req)
}

func isDocument(req *http.Request) bool {
	return req.Header.Get("Sec-Fetch-Dest") == "document"
}

// readEntry drains and closes resp into a cache entry.
func readEntry(resp *http.Response, bucket, key string, now time.Time) (store.CacheEntry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.CacheEntry{}, fmt.Errorf("read body: %w", err)
	}
	header := resp.Header.Clone()
	header.Del("Set-Cookie")
	header.Del(HeaderCache)
	return store.CacheEntry{
		Bucket:   bucket,
		Key:      key,
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: now,
	}, nil
}

func entryResponse(req *http.Request, e store.CacheEntry, outcome string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(HeaderCache, outcome)
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
