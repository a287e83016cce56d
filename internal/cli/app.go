package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/readsync/internal/bridge"
	"github.com/roach88/readsync/internal/cache"
	"github.com/roach88/readsync/internal/config"
	"github.com/roach88/readsync/internal/metrics"
	"github.com/roach88/readsync/internal/prefetch"
	"github.com/roach88/readsync/internal/remote"
	"github.com/roach88/readsync/internal/store"
)

// app holds what every command builds from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *bridge.Bus
}

// newApp loads the configuration and opens the database. Diagnostics go
// to stderr at debug level when verbose is set.
func newApp(opts *RootOptions, stderr io.Writer) (*app, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(viper.New(), opts.ConfigFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.EnsureDatabaseDir(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to prepare database", err)
	}

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database, store.WithCacheQuota(cfg.Cache.QuotaBytes))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: reg,
		metrics:  metrics.New(reg),
		bus:      bridge.NewBus(logger),
	}, nil
}

func (a *app) Close() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// router builds the cache router for the configured origin and rules.
// A configured rule set with a new version is staged behind the one last
// activated.
func (a *app) router(ctx context.Context) (*cache.Router, error) {
	origin, err := a.cfg.Origin()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "cache router", err)
	}
	rules, err := a.cfg.RuleSet()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load cache rules", err)
	}
	r := cache.NewRouter(a.store, origin,
		cache.WithRules(rules),
		cache.WithRuleStore(a.store),
		cache.WithShellPath(a.cfg.ShellPath),
		cache.WithProxyPath(a.cfg.ProxyPath),
		cache.WithLogger(a.logger),
		cache.WithMetrics(a.metrics),
	)
	staged, err := r.Install(ctx)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to install cache rules", err)
	}
	if staged {
		a.logger.Info("new cache rules waiting for skip-waiting", "active", r.Rules().Version, "configured", rules.Version)
	}
	return r, nil
}

// client builds the remote API client.
func (a *app) client() (*remote.Client, error) {
	if a.cfg.API.BaseURL == "" {
		return nil, NewExitError(ExitCommandError, "api.base_url must be set")
	}
	c, err := remote.NewClient(a.cfg.API.BaseURL,
		remote.WithToken(a.cfg.API.Token),
		remote.WithRetryMax(a.cfg.API.RetryMax),
		remote.WithTimeout(a.cfg.API.Timeout),
		remote.WithLogger(a.logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "remote client", err)
	}
	return c, nil
}

// planner builds the prefetch planner behind the installed gate.
func (a *app) planner(w prefetch.Warmer) (prefetch.Planner, error) {
	capability := prefetch.Capability{Installed: a.cfg.Installed}
	var cfg prefetch.Config
	if capability.Installed {
		origin, err := a.cfg.Origin()
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "prefetch", err)
		}
		cfg = prefetch.Config{
			Origin:    origin,
			ProxyPath: a.cfg.ProxyPath,
			Ranged:    prefetch.DefaultRanged(),
			Paginated: prefetch.DefaultPaginated(),
		}
	}
	p, err := prefetch.New(capability, w, cfg,
		prefetch.WithLogger(a.logger),
		prefetch.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "prefetch", err)
	}
	return p, nil
}

func (a *app) output(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}
