package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsseer/battle-sub000/internal/cache"
	"github.com/fsseer/battle-sub000/internal/config"
	"github.com/fsseer/battle-sub000/internal/game"
	"github.com/fsseer/battle-sub000/internal/latency"
	"github.com/fsseer/battle-sub000/internal/logging"
	"github.com/fsseer/battle-sub000/internal/metrics"
	"github.com/fsseer/battle-sub000/internal/push"
	"github.com/fsseer/battle-sub000/internal/server"
	"github.com/fsseer/battle-sub000/internal/track"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to engine configuration file")
		envPrefix  = flag.String("env-prefix", "ENGINE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	bus := buildInvalidationBus(logger, cfg.Cache.Bus)
	if bus != nil {
		defer bus.Close()
	}

	defaultTTL, _ := config.Duration(cfg.Cache.DefaultTTL, 0)
	cleanupInterval, _ := config.Duration(cfg.Cache.CleanupInterval, 0)
	store := cache.New(cache.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		DefaultTTL:      defaultTTL,
		CleanupInterval: cleanupInterval,
		Logger:          logger,
		Metrics:         recorder,
		OnInvalidate: func(key string) {
			if bus == nil {
				return
			}
			if err := bus.Publish(context.Background(), key); err != nil {
				logger.Debug("invalidation broadcast failed", slog.String("key", key), slog.Any("error", err))
			}
		},
	})
	defer store.Close()
	if bus != nil {
		bus.Listen(func(key string) { store.Delete(key) })
	}

	strategies, err := push.StrategiesFromConfig(cfg.Sync.Strategies)
	if err != nil {
		logger.Error("strategy table invalid", slog.Any("error", err))
		os.Exit(1)
	}

	hub := server.NewHub(logger)
	defer hub.Close()

	probeInterval, _ := config.Duration(cfg.Latency.ProbeInterval, 0)
	probeTimeout, _ := config.Duration(cfg.Latency.ProbeTimeout, 0)
	adapter := latency.New(latency.Options{
		ProbeInterval: probeInterval,
		ProbeTimeout:  probeTimeout,
		SampleWindow:  cfg.Latency.SampleWindow,
		Logger:        logger,
		Metrics:       recorder,
		Prober:        hub,
		Channels:      hub.Channels,
		OnChange:      hub.PushTuning,
	})
	defer adapter.Close()

	flushInterval, _ := config.Duration(cfg.Sync.FlushInterval, 0)
	orch := push.New(push.Options{
		Logger:        logger,
		Metrics:       recorder,
		Transport:     hub,
		Shaper:        adapter,
		FlushInterval: flushInterval,
		Strategies:    strategies,
	})
	defer orch.Close()
	hub.SetOrchestrator(orch)
	hub.SetAdapter(adapter)

	svc := game.New(game.Options{
		Cache:        store,
		Orchestrator: orch,
		HistoryLimit: cfg.Track.HistoryLimit,
		Logger:       logger,
	})
	if err := applyThresholds(svc.Tracker(), cfg.Track.Thresholds); err != nil {
		logger.Error("threshold table invalid", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Sync.StrategiesFile != "" {
		watcher, err := config.WatchStrategies(ctx, cfg.Sync.StrategiesFile, func(table map[string]config.StrategyConfig) {
			strategies, err := push.StrategiesFromConfig(table)
			if err != nil {
				logger.Error("reloaded strategy table invalid", slog.Any("error", err))
				return
			}
			if err := orch.ReplaceStrategies(strategies); err != nil {
				logger.Error("strategy reload failed", slog.Any("error", err))
				return
			}
			logger.Info("strategy table reloaded", slog.Int("entities", len(strategies)))
		}, func(err error) {
			if err != nil {
				logger.Error("strategy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("strategy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler := server.NewRouter(server.RouterOptions{
		Logger:       logger,
		Hub:          hub,
		Orchestrator: orch,
		Cache:        store,
		Metrics:      recorder,
	})

	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("engine shutdown complete")
}

func buildInvalidationBus(logger *slog.Logger, cfg config.CacheBusConfig) *cache.Bus {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil
	}
	hostname, _ := os.Hostname()
	bus, err := cache.NewBus(cache.BusConfig{
		Address:    cfg.Address,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		Channel:    cfg.Channel,
		InstanceID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
	}, logger)
	if err != nil {
		logger.Error("invalidation bus unavailable, running standalone", slog.Any("error", err))
		return nil
	}
	logger.Info("invalidation bus connected", slog.String("address", cfg.Address))
	return bus
}

func applyThresholds(tracker *track.Tracker, table map[string]config.ThresholdConfig) error {
	for resource, cfg := range table {
		kind := track.ThresholdKind(strings.TrimSpace(strings.ToLower(cfg.Kind)))
		th, err := track.NewThreshold(kind, cfg.Value, cfg.Expr)
		if err != nil {
			return fmt.Errorf("threshold %q: %w", resource, err)
		}
		tracker.SetThreshold(resource, th)
	}
	return nil
}
