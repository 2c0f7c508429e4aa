// Package main provides worldsd, the daemon that owns world lifecycle and
// link resolution for one voxel server process.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/config"
	"github.com/cory-johannsen/worlds/internal/observability"
	"github.com/cory-johannsen/worlds/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	openTimeout := flag.Duration("open-timeout", 2*time.Minute, "bound on startup reconciliation and autoload")
	stopTimeout := flag.Duration("stop-timeout", server.DefaultStopTimeout, "bound on draining in-flight world operations at shutdown")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("initializing tracing", zap.Error(err))
	}

	a, cleanup, err := initializeApp(ctx, &cfg, logger)
	if err != nil {
		logger.Fatal("wiring daemon", zap.Error(err))
	}
	defer cleanup()
	logger.Info("generator plugins loaded", zap.Strings("plugins", a.plugins))

	openStart := time.Now()
	openCtx, cancel := context.WithTimeout(ctx, *openTimeout)
	err = a.service.Open(openCtx)
	cancel()
	if err != nil {
		logger.Fatal("opening world service", zap.Error(err))
	}
	logger.Info("world service open",
		zap.Int("worlds", len(a.service.Lifecycle.List())),
		zap.String("backend", cfg.Storage.Backend),
		zap.Duration("elapsed", time.Since(openStart)),
	)

	lc := server.NewLifecycle(logger, *stopTimeout)
	lc.Add("worlds", server.Blocking(a.service.Close))
	lc.Add("tracing", server.Blocking(shutdownTracing))
	if cfg.Metrics.Enabled {
		lc.Add("metrics", server.NewHTTPService(cfg.Metrics.Addr(), a.metrics.Handler(), logger))
	}
	lc.Add("health", a.health)
	if probe := storeProbe(a.store, a.health, 15*time.Second, logger); probe != nil {
		lc.Add("store-health", probe)
	}
	a.health.SetServing(true)

	logger.Info("worldsd initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.String("default_world", cfg.Lifecycle.DefaultWorld),
	)

	if err := lc.Run(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
