package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manticore/manticore/pkg/api"
	"github.com/manticore/manticore/pkg/config"
	"github.com/manticore/manticore/pkg/engine"
	"github.com/manticore/manticore/pkg/policy"
	"github.com/manticore/manticore/pkg/providers/nomad"
	"github.com/manticore/manticore/pkg/proxy"
	"github.com/manticore/manticore/pkg/stores"
	"github.com/manticore/manticore/pkg/telemetry"
	"github.com/manticore/manticore/pkg/transports/websocket"
)

func newServeCommand() *cobra.Command {
	var listenAddress string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control loop and the HTTP API",
		Long: `Run one manticore replica.

The replica watches the request, waiting and allocation keys of the KV store
and the Consul service catalog, admits queued users while the capacity
policy allows, augments core jobs with their HMI, publishes proxy routes and
pushes queue positions and addresses to connected users.

Any number of replicas may run against the same store.`,
		Example: `  # Run with a config file
  manticore serve --config /etc/manticore/manticore.yaml

  # Single-node development setup on SQLite
  MANTICORE_STORE_BACKEND=sqlite manticore serve --listen :4000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listenAddress != "" {
				cfg.Server.ListenAddress = listenAddress
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&listenAddress, "listen", "", "API listen address (overrides server.listenAddress)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Tracing.ExportTimeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()
	ctx = tel.WithContext(ctx)
	logger := tel.Logger.Zerolog()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer be.Close()

	journal, closeJournal, err := openJournal(ctx, cfg, be, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer closeJournal()
	subscribeEvents(ctx, tel.Events, journal, logger)

	scheduler, err := nomad.NewClient(nomadConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler client: %w", err)
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return err
	}
	if len(cfg.Capacity.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, cfg.Capacity.PolicyPaths); err != nil {
			return err
		}
	}
	probe := policy.NewCapacityProbe(scheduler, policies, cfg.Capacity.MaxCores, logger)

	keys := keyspace(cfg)

	// A nil *proxy.Publisher must not reach the controller as a non-nil
	// interface.
	var proxyUpdater engine.ProxyUpdater
	if cfg.Proxy.Enabled {
		proxyUpdater = proxy.NewPublisher(be.store, keys, proxy.Config{
			Domain:     cfg.Proxy.Domain,
			HTTPPort:   cfg.Proxy.HTTPPort,
			OutputFile: cfg.Proxy.OutputFile,
		}, logger)
	}

	hub, err := websocket.NewHub(websocketConfig(cfg), tel.Logger.Component("websocket").Zerolog())
	if err != nil {
		return err
	}
	defer hub.Close()

	engineLogger := tel.Logger.Component("engine").Zerolog()
	ctrl, err := engine.NewController(engine.Options{
		Store:          be.store,
		Catalog:        be.consul,
		Scheduler:      scheduler,
		Probe:          probe,
		Proxy:          proxyUpdater,
		Notifier:       hub,
		Keys:           keys,
		TCPPorts:       portRange(cfg),
		Addressing:     addressing(cfg),
		ResyncInterval: cfg.Server.ResyncInterval,
		Logger:         &engineLogger,
		Metrics:        tel.Metrics,
		Tracer:         tel.Tracer,
		Events:         tel.Events,
	})
	if err != nil {
		return err
	}

	checks := map[string]api.HealthCheck{
		"consul": func(context.Context) error {
			_, err := be.consul.Leader()
			return err
		},
	}
	if be.sqlite != nil {
		checks["store"] = be.sqlite.HealthCheck
	}
	apiLogger := tel.Logger.Component("api").Zerolog()
	apiOpts := api.Options{
		Requests:    ctrl.Requests(),
		Store:       be.store,
		Keys:        keys,
		Connector:   hub,
		Logs:        scheduler,
		LogStreamer: hub,
		JWTSecret:   cfg.Server.JWTSecret,
		Checks:      checks,
		Logger:      &apiLogger,
		Metrics:     tel.Metrics,
		Tracer:      tel.Tracer,
	}
	if journal != nil {
		apiOpts.Journal = journal
	}
	server, err := api.NewServer(apiOpts)
	if err != nil {
		return err
	}

	if err := tel.StartMetricsServer(); err != nil {
		return err
	}

	logger.Info().
		Str("store", cfg.Store.Backend).
		Str("root", keys.Root).
		Int("max_cores", cfg.Capacity.MaxCores).
		Bool("proxy", cfg.Proxy.Enabled).
		Bool("token_auth", cfg.Server.JWTSecret != "").
		Msg("starting manticore")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return server.ListenAndServe(gctx, cfg.Server.ListenAddress) })

	if path := resolveConfigPath(); path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next *config.Config) {
				if next.Capacity.MaxCores == probe.MaxCores() {
					return
				}
				logger.Info().
					Int("previous", probe.MaxCores()).
					Int("max_cores", next.Capacity.MaxCores).
					Msg("core limit changed")
				probe.SetMaxCores(next.Capacity.MaxCores)
				ctrl.ReconcileQueue(gctx)
			})
		})
	}
	if cfg.Capacity.WatchPolicies && len(cfg.Capacity.PolicyPaths) > 0 {
		g.Go(func() error {
			return policy.NewLoader(logger).Watch(gctx, cfg.Capacity.PolicyPaths, func(p []policy.Policy) error {
				if err := policies.Load(gctx, p); err != nil {
					return err
				}
				ctrl.ReconcileQueue(gctx)
				return nil
			})
		})
	}

	err = g.Wait()
	logger.Info().Msg("manticore stopped")
	return err
}

// openJournal returns the event journal, or nil when it is disabled. It
// shares the store database when the sqlite backend has no separate
// journal path.
func openJournal(ctx context.Context, cfg *config.Config, be *backend, logger zerolog.Logger) (*stores.SQLiteStore, func(), error) {
	noop := func() {}
	if !cfg.Journal.Enabled {
		return nil, noop, nil
	}
	if cfg.Journal.Path == "" {
		if be.sqlite == nil {
			logger.Info().Msg("journal disabled: no journal.path configured for the consul backend")
		}
		return be.sqlite, noop, nil
	}
	db, err := openSQLite(ctx, cfg.Journal.Path, cfg, logger)
	if err != nil {
		return nil, noop, err
	}
	return db, func() { _ = db.Close() }, nil
}

// subscribeEvents logs every lifecycle event and records it in the journal.
func subscribeEvents(ctx context.Context, events *telemetry.EventPublisher, journal *stores.SQLiteStore, logger zerolog.Logger) {
	events.Subscribe(func(e telemetry.Event) {
		logger.Info().
			Str("event_type", e.Type).
			Str("user_id", e.UserID).
			Str("source", e.Source).
			Msg(e.Message)
	}, nil)
	if journal != nil {
		events.Subscribe(journal.JournalSubscriber(ctx), nil)
	}
}
