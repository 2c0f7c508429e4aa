package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/config"
	"github.com/cory-johannsen/worlds/internal/game/lifecycle"
	"github.com/cory-johannsen/worlds/internal/game/session"
	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/host/local"
	"github.com/cory-johannsen/worlds/internal/observability"
	"github.com/cory-johannsen/worlds/internal/scripting"
	"github.com/cory-johannsen/worlds/internal/server"
	"github.com/cory-johannsen/worlds/internal/storage/badgerstore"
	"github.com/cory-johannsen/worlds/internal/storage/filestore"
	"github.com/cory-johannsen/worlds/internal/storage/memstore"
	"github.com/cory-johannsen/worlds/internal/storage/postgres"
)

// providerSet builds the daemon from a loaded config and logger.
var providerSet = wire.NewSet(
	provideStore,
	provideScripts,
	session.NewManager,
	provideHost,
	observability.NewMetrics,
	provideService,
	provideHealth,
	newApp,
)

// app is the fully wired daemon.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	service *lifecycle.Service
	store   world.Store
	metrics *observability.Metrics
	health  *server.HealthServer
	plugins []string
}

func newApp(cfg *config.Config, logger *zap.Logger, svc *lifecycle.Service, store world.Store, metrics *observability.Metrics, health *server.HealthServer, scripts *scripting.Manager) *app {
	return &app{
		cfg:     cfg,
		logger:  logger,
		service: svc,
		store:   store,
		metrics: metrics,
		health:  health,
		plugins: scripts.Plugins(),
	}
}

// provideStore opens the configured record backend. The Service owns the
// store once built and closes it on shutdown.
func provideStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (world.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		return filestore.Open(cfg.Storage.RecordsDir)
	case config.BackendBadger:
		return badgerstore.Open(cfg.Storage.BadgerDir, logger)
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return postgres.NewWorldStore(pool), nil
	case config.BackendMemory:
		logger.Warn("using in-memory store, world records will not survive a restart")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// provideScripts loads every generator plugin under the configured directory.
func provideScripts(cfg *config.Config, logger *zap.Logger) (*scripting.Manager, func(), error) {
	scripts := scripting.NewManager(logger)
	if _, err := scripts.LoadDir(cfg.Lifecycle.PluginDir, cfg.Lifecycle.InstructionLimit); err != nil {
		scripts.Close()
		return nil, nil, fmt.Errorf("loading generator plugins: %w", err)
	}
	return scripts, scripts.Close, nil
}

func provideHost(sessions *session.Manager, scripts *scripting.Manager, logger *zap.Logger) *local.Host {
	return local.New(sessions, scripts, logger)
}

func provideService(cfg *config.Config, store world.Store, host *local.Host, logger *zap.Logger, metrics *observability.Metrics) *lifecycle.Service {
	return lifecycle.NewService(lifecycle.ServiceConfig{
		Manager: lifecycle.Config{
			Root:         cfg.Storage.Root,
			HostTimeout:  cfg.Lifecycle.HostTimeout,
			DefaultWorld: cfg.Lifecycle.DefaultWorld,
		},
		Autoload: cfg.Lifecycle.Autoload,
	}, store, host, logger, metrics)
}

func provideHealth(cfg *config.Config, logger *zap.Logger) *server.HealthServer {
	return server.NewHealthServer(cfg.Health.Addr(), logger)
}

// healthProber is implemented by stores backed by a remote database.
type healthProber interface {
	Health(ctx context.Context, timeout time.Duration) error
}

// storeProbe polls the store every interval and mirrors the result into the
// health server. It returns nil when the store has nothing to probe.
func storeProbe(store world.Store, health *server.HealthServer, interval time.Duration, logger *zap.Logger) server.Service {
	prober, ok := store.(healthProber)
	if !ok {
		return nil
	}
	return &server.FuncService{
		StartFn: func(ctx context.Context) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			healthy := true
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				err := prober.Health(ctx, interval/2)
				if ctx.Err() != nil {
					return nil
				}
				if ok := err == nil; ok != healthy {
					healthy = ok
					health.SetServing(ok)
					if ok {
						logger.Info("store reachable again")
					} else {
						logger.Warn("store health check failed", zap.Error(err))
					}
				}
			}
		},
	}
}
