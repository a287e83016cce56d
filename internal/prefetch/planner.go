package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/roach88/readsync/internal/cache"
	"github.com/roach88/readsync/internal/metrics"
)

// ErrUnknownCollection is returned by PlanSync for a collection that is
// not configured. Plan only logs it.
var ErrUnknownCollection = errors.New("unknown prefetch collection")

// Capability describes the execution environment, computed once at startup.
type Capability struct {
	// Installed is true when running as the installed, offline-capable app.
	Installed bool
}

// Warmer populates the cache for a URL. Implemented by cache.Router.
type Warmer interface {
	Warm(ctx context.Context, rawURL string) (cache.WarmResult, error)
}

// Target is the unit the reader just navigated to. Ranged collections use
// Unit; paginated collections use Group and Page.
type Target struct {
	Collection string `json:"collection"`
	Unit       int    `json:"unit,omitempty"`
	Group      string `json:"group,omitempty"`
	Page       int    `json:"page,omitempty"`
}

// Outcome is the result of warming one URL.
type Outcome struct {
	URL    string           `json:"url"`
	Result cache.WarmResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Report lists what one plan warmed.
type Report struct {
	Target   Target    `json:"target"`
	Outcomes []Outcome `json:"outcomes"`
}

// Planner warms lookahead URLs.
type Planner interface {
	// Plan warms in the background and returns at once.
	Plan(t Target)
	// PlanSync warms and waits. Warm failures are in the report, not the
	// error; only an unknown collection is an error.
	PlanSync(ctx context.Context, t Target) (Report, error)
	// Enabled reports whether the planner does anything.
	Enabled() bool
	// Close waits for background plans to finish.
	Close()
}

// Config is the planner's collection list and URL context.
type Config struct {
	Origin    *url.URL
	ProxyPath string
	Ranged    []Ranged
	Paginated []Paginated
}

// Option configures an active planner.
type Option func(*planner)

func WithLogger(l *slog.Logger) Option {
	return func(p *planner) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *planner) { p.metrics = m }
}

// New returns the planner for c. When c.Installed is false the result is
// a no-op: cfg is not validated, w is not retained and no goroutine ever
// starts.
func New(c Capability, w Warmer, cfg Config, opts ...Option) (Planner, error) {
	if !c.Installed {
		return noop{}, nil
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("%w: app origin is required", ErrInvalidCollection)
	}

	p := &planner{
		warmer:    w,
		origin:    cfg.Origin,
		proxyPath: cfg.ProxyPath,
		ranged:    make(map[string]Ranged, len(cfg.Ranged)),
		paginated: make(map[string]Paginated, len(cfg.Paginated)),
		logger:    slog.Default(),
	}
	if p.proxyPath == "" {
		p.proxyPath = cache.DefaultProxy
	}
	for _, r := range cfg.Ranged {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if p.known(r.Name) {
			return nil, fmt.Errorf("%w: duplicate collection %q", ErrInvalidCollection, r.Name)
		}
		p.ranged[r.Name] = r
	}
	for _, g := range cfg.Paginated {
		if err := g.validate(); err != nil {
			return nil, err
		}
		if p.known(g.Name) {
			return nil, fmt.Errorf("%w: duplicate collection %q", ErrInvalidCollection, g.Name)
		}
		p.paginated[g.Name] = g
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type noop struct{}

func (noop) Plan(Target) {}

func (noop) PlanSync(_ context.Context, t Target) (Report, error) {
	return Report{Target: t}, nil
}

func (noop) Enabled() bool { return false }

func (noop) Close() {}

type planner struct {
	warmer    Warmer
	origin    *url.URL
	proxyPath string
	ranged    map[string]Ranged
	paginated map[string]Paginated
	logger    *slog.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
}

func (p *planner) known(name string) bool {
	_, r := p.ranged[name]
	_, g := p.paginated[name]
	return r || g
}

func (p *planner) Enabled() bool { return true }

func (p *planner) Plan(t Target) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.PlanSync(context.Background(), t); err != nil {
			p.logger.Warn("prefetch skipped", "collection", t.Collection, "error", err)
		}
	}()
}

func (p *planner) PlanSync(ctx context.Context, t Target) (Report, error) {
	report := Report{Target: t}
	urls, err := p.urls(t)
	if err != nil {
		return report, err
	}
	for _, u := range urls {
		out := Outcome{URL: u}
		res, err := p.warmer.Warm(ctx, u)
		if err != nil {
			out.Error = err.Error()
			p.metrics.Prefetch("error")
			p.logger.Warn("prefetch failed", "url", u, "error", err)
		} else {
			out.Result = res
			p.metrics.Prefetch(string(res))
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, nil
}

func (p *planner) Close() {
	p.wg.Wait()
}

// urls lists the absolute, possibly proxy-wrapped URLs to warm for t.
func (p *planner) urls(t Target) ([]string, error) {
	var raw []string
	if r, ok := p.ranged[t.Collection]; ok {
		for _, n := range r.Neighbours(t.Unit) {
			raw = append(raw, p.resolve(expandRanged(r.URLTemplate, n), r.Proxied))
		}
		return raw, nil
	}
	if g, ok := p.paginated[t.Collection]; ok {
		for _, pg := range g.Next(t.Group, t.Page) {
			raw = append(raw, p.resolve(expandPage(g.URLTemplate, pg), g.Proxied))
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, t.Collection)
}

// resolve makes ref absolute against the app origin and wraps it in the
// proxy path when it points elsewhere and proxied is set, so the key
// matches what the page itself would request.
func (p *planner) resolve(ref string, proxied bool) string {
	u, err := p.origin.Parse(ref)
	if err != nil {
		return ref
	}
	if proxied && u.Host != p.origin.Host {
		return cache.EncodeProxyURL(p.origin, p.proxyPath, u.String())
	}
	return u.String()
}
