package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transitlabs/sirihub/config"
	"github.com/transitlabs/sirihub/internal/delivery"
	"github.com/transitlabs/sirihub/internal/health"
	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/internal/metrics"
	"github.com/transitlabs/sirihub/internal/registry"
	"github.com/transitlabs/sirihub/internal/rft"
	"github.com/transitlabs/sirihub/internal/service"
	"github.com/transitlabs/sirihub/internal/store"
	"github.com/transitlabs/sirihub/internal/transform"
	"github.com/transitlabs/sirihub/models"
)

func main() {
	// misconfigured logger in raft bbolt backend
	// we use slog so this only silences the bbolt backend
	// to raft snapshot store that isn't directly used by us
	log.SetOutput(io.Discard)

	var (
		configPath = flag.String("config", "hub.yaml", "path to config file")
		listenAddr = flag.String("listen", "127.0.0.1:8080", "listen address for single-node deployments")
		logLevel   = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The shared keyed store: raft-replicated when a cluster is configured,
	// in-process otherwise.
	var (
		kv          keyed.Store
		replicated  rft.Replicated
		httpBinding = *listenAddr
	)
	if cfg.Cluster.Enabled() {
		nodeCfg := cfg.Cluster.Nodes[cfg.NodeID]
		replicated, err = rft.New(rft.Settings{
			Ctx:     ctx,
			Logger:  logger.With("service", "rft"),
			Cluster: &cfg.Cluster,
			NodeCfg: &nodeCfg,
			NodeID:  cfg.NodeID,
		})
		if err != nil {
			logger.Error("failed to start replicated store", "node", cfg.NodeID, "error", err)
			os.Exit(1)
		}
		kv = replicated
		httpBinding = nodeCfg.HTTPBinding
	} else {
		logger.Info("no cluster configured, running on local store")
		kv = keyed.NewLocal(keyed.Config{Logger: logger, AppCtx: ctx})
	}

	m := metrics.New()

	transforms, err := transform.NewRegistry(cfg.Hub.Transforms)
	if err != nil {
		logger.Error("invalid transform configuration", "error", err)
		os.Exit(1)
	}

	stores := make(map[models.Category]*store.Store, len(models.AllCategories))
	for _, category := range models.AllCategories {
		st := store.New(store.Config{
			Logger:     logger,
			KV:         kv,
			Category:   category,
			Transforms: transforms,
			Metrics:    m,
		})
		stores[category] = st
		go st.RunSweep(ctx, cfg.Hub.ExpirySweepInterval)
	}

	reg := registry.New(registry.Config{
		Logger:               logger,
		KV:                   kv,
		RetryCeiling:         cfg.Hub.RetryCeiling,
		AllowedSilenceFactor: cfg.Hub.AllowedSilenceFactor,
	})
	go reg.RunStateSweep(ctx, cfg.Hub.ExpirySweepInterval)

	registerUpstreams(logger, cfg, reg)

	// Renewal itself is owned by the upstream feeder; the daemon only
	// surfaces the signal.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-reg.RestartSignals():
				logger.Warn("inbound subscription requires a forced restart", "id", id)
			}
		}
	}()

	httpDispatcher := delivery.NewHTTPDispatcher(cfg.Hub.DispatchTimeout)
	streams := service.NewStreamDispatcher(logger, httpDispatcher, cfg.Sessions)

	engine := delivery.New(delivery.Config{
		Logger:                   logger,
		KV:                       kv,
		Stores:                   stores,
		Dispatcher:               streams,
		Metrics:                  m,
		MinimumHeartbeatInterval: cfg.Hub.MinimumHeartbeatInterval,
		MaximumHeartbeatInterval: cfg.Hub.MaximumHeartbeatInterval,
		DeliveryInterval:         cfg.Hub.DeliveryInterval,
		DispatchTimeout:          cfg.Hub.DispatchTimeout,
	})
	if err := engine.Start(ctx); err != nil {
		logger.Error("failed to start delivery engine", "error", err)
		os.Exit(1)
	}
	defer engine.Stop()

	aggregator := health.New(health.Config{
		Logger:   logger,
		Registry: reg,
		Metrics:  m,
	})
	go aggregator.Run(ctx, cfg.Hub.ExpirySweepInterval)

	svc := service.New(ctx, service.Config{
		Logger:      logger,
		Cfg:         cfg,
		HTTPBinding: httpBinding,
		Stores:      stores,
		Engine:      engine,
		Registry:    reg,
		Health:      aggregator,
		Metrics:     m,
		Streams:     streams,
		Replicated:  replicated,
	})

	svc.Run()
	logger.Info("application exiting")
}

// registerUpstreams seeds the registry from the config's upstream list and
// activates each entry. The external feeder takes over from there: it POSTs
// batches to /v1/ingest, which keeps liveness fresh.
func registerUpstreams(logger *slog.Logger, cfg *config.Config, reg *registry.Registry) {
	for _, up := range cfg.Hub.Upstreams {
		category, err := models.ParseCategory(up.Category)
		if err != nil {
			logger.Error("skipping upstream with bad category", "id", up.ID, "error", err)
			continue
		}

		mode := models.SubscriptionMode(up.Mode)
		if mode == "" {
			mode = models.ModeSubscribe
		}
		heartbeat := up.HeartbeatInterval
		if heartbeat == 0 {
			heartbeat = time.Minute
		}

		sub, err := reg.Register(models.InboundSubscription{
			ID:                up.ID,
			Dataset:           up.Dataset,
			Vendor:            up.Vendor,
			Category:          category,
			Mode:              mode,
			SubscribeURL:      up.SubscribeURL,
			DataURL:           up.DataURL,
			HeartbeatInterval: heartbeat,
			Duration:          up.Duration,
		})
		if err != nil {
			logger.Error("failed to register upstream subscription", "id", up.ID, "error", err)
			continue
		}
		if err := reg.Activate(sub.ID); err != nil {
			logger.Error("failed to activate upstream subscription", "id", sub.ID, "error", err)
		}
	}
}
