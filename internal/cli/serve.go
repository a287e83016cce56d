package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/netstate"
	"github.com/roach88/readsync/internal/remote"
	"github.com/roach88/readsync/internal/server"
	"github.com/roach88/readsync/internal/tracker"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent",
		Long: `Run the agent: the HTTP server the page talks to, the sync queue
executor, the connectivity monitor and the viewport tracker.

Stops gracefully on SIGINT or SIGTERM; the active tracking session is
flushed before exit.

Example:
  readsync serve --config ./readsync.yaml
  readsync serve --listen 127.0.0.1:9000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := newApp(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if err := cfg.RequireServe(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	listen := cfg.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	origin, err := cfg.Origin()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}

	router, err := a.router(parent)
	if err != nil {
		return err
	}
	client, err := a.client()
	if err != nil {
		return err
	}

	probe := cfg.Connectivity.ProbeURL
	if probe == "" {
		probe = cfg.API.BaseURL
	}
	monitor := netstate.New(probe, a.bus,
		netstate.WithInterval(cfg.Connectivity.Interval),
		netstate.WithLogger(a.logger),
	)

	mutator := engine.NewMutator(a.store, client,
		engine.WithConnectivity(monitor),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
	)
	executor := engine.NewExecutor(a.store, client,
		engine.WithOwner(cfg.Owner),
		engine.WithRetention(cfg.Queue.Retention),
		engine.WithMaxAttempts(cfg.Queue.MaxAttempts),
		engine.WithConnectivity(monitor),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
	)

	var reporter tracker.ActivityReporter = engine.NewQueuedActivity(mutator, client)
	if cfg.Activity.AMQPURL != "" {
		pub, err := remote.DialAMQP(cfg.Activity.AMQPURL, cfg.Activity.Exchange, a.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "activity broker", err)
		}
		defer pub.Close()
		reporter = pub
	}

	layout := &tracker.Layout{}
	attach := &tracker.AttachQueue{}
	trk := tracker.New(cfg.Owner, reporter, a.store,
		tracker.WithConfig(cfg.Tracking),
		tracker.WithLogger(a.logger),
		tracker.WithMetrics(a.metrics),
		tracker.WithSurface(layout),
		tracker.WithObserver(attach),
	)

	planner, err := a.planner(router)
	if err != nil {
		return err
	}
	defer planner.Close()

	srv, err := server.New(listen, server.Deps{
		Owner:    cfg.Owner,
		Origin:   origin,
		Router:   router,
		Queue:    a.store,
		Mutator:  mutator,
		Bus:      a.bus,
		Tracker:  trk,
		Layout:   layout,
		Attach:   attach,
		Planner:  planner,
		Gatherer: a.registry,
		Logger:   a.logger,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "server", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rep, err := trk.Start(ctx); err != nil {
		a.logger.Warn("tracking recovery failed", "error", err)
	} else if rep.Failed > 0 {
		a.logger.Warn("tracking records kept for next start", "failed", rep.Failed)
	}

	routerMsgs, unsubRouter := a.bus.Subscribe(8)
	defer unsubRouter()
	execMsgs, unsubExec := a.bus.Subscribe(8)
	defer unsubExec()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		router.Listen(ctx, routerMsgs)
	}()
	go func() {
		defer wg.Done()
		if err := executor.Run(ctx, execMsgs); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("executor stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	a.logger.Info("agent starting", "owner", cfg.Owner, "origin", cfg.AppOrigin, "listen", listen, "installed", cfg.Installed)
	runErr := srv.Run(ctx)

	stop()
	trk.Close(context.Background())
	wg.Wait()

	if runErr != nil {
		return WrapExitError(ExitFailure, "agent error", runErr)
	}
	a.logger.Info("agent stopped gracefully")
	return nil
}
