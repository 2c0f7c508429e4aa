package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// autoloadWorkers bounds concurrent world loads at startup.
const autoloadWorkers = 4

// ServiceConfig holds Service settings.
type ServiceConfig struct {
	Manager Config
	// Autoload brings back up every world that was Active or Loading when the
	// service last stopped.
	Autoload bool
}

// Metrics is everything the service reports to. Nil disables reporting.
type Metrics interface {
	link.Recorder
	link.ResolveRecorder
	Recorder
}

// Service owns the registry, link index, world sections, link manager,
// lifecycle manager and resolver for one process.
type Service struct {
	Registry  *world.Registry
	Index     *link.Index
	Locks     *world.Locker
	Links     *link.Manager
	Lifecycle *Manager
	Resolver  *link.Resolver

	cfg    ServiceConfig
	store  world.Store
	host   Host
	logger *zap.Logger

	mu     sync.Mutex
	opened bool
	closed bool
}

// NewService wires a Service over store and host. Nothing is loaded until Open.
//
// Precondition: store, host and logger must be non-nil.
func NewService(cfg ServiceConfig, store world.Store, host Host, logger *zap.Logger, metrics Metrics) *Service {
	registry := world.NewRegistry()
	index := link.NewIndex()
	registry.Subscribe(index)
	locks := world.NewLocker()

	var (
		linkMetrics    link.Recorder
		resolveMetrics link.ResolveRecorder
		opMetrics      Recorder
	)
	if metrics != nil {
		linkMetrics, resolveMetrics, opMetrics = metrics, metrics, metrics
		if l, ok := metrics.(world.Listener); ok {
			registry.Subscribe(l)
		}
	}
	links := link.NewManager(registry, index, store, locks, logger.Named("links"), linkMetrics)

	return &Service{
		Registry:  registry,
		Index:     index,
		Locks:     locks,
		Links:     links,
		Lifecycle: NewManager(cfg.Manager, registry, store, locks, links, host, logger.Named("lifecycle"), opMetrics),
		Resolver:  link.NewResolver(index, registry, resolveMetrics),
		cfg:       cfg,
		store:     store,
		host:      host,
		logger:    logger,
	}
}

// Open loads persisted state before any command is accepted. Worlds recorded
// as Active, Loading or Unloading are reconciled to Unloaded unless the host
// reports them live, links referencing unknown worlds are dropped and, with
// Autoload, previously active worlds are loaded again.
//
// Precondition: Open must be called once, before any other operation.
// Postcondition: The registry and index reflect the store.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("%w: service already opened", world.ErrInvalidState)
	}
	s.opened = true
	s.mu.Unlock()

	if root := s.cfg.Manager.Root; root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return world.NewStorageError("create storage root", err)
		}
	}

	worlds, links, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading worlds: %w", err)
	}

	var autoload []string
	for _, w := range worlds {
		rec, wasActive, err := s.reconcile(ctx, w)
		if err != nil {
			return err
		}
		if rec.Status == world.StatusDeleted {
			continue
		}
		s.Registry.Upsert(rec)
		if wasActive && rec.Status == world.StatusUnloaded {
			autoload = append(autoload, rec.ID)
		}
	}

	kept := make([]world.Link, 0, len(links))
	for _, l := range links {
		if s.knownWorld(l.SourceWorld) && s.knownWorld(l.TargetWorld) {
			kept = append(kept, l)
			continue
		}
		s.logger.Warn("dropping link to unknown world",
			zap.String("link", string(l.ID)),
			zap.String("source", l.SourceWorld),
			zap.String("target", l.TargetWorld),
		)
		if err := s.store.DeleteLink(ctx, l.ID); err != nil {
			return fmt.Errorf("dropping dangling link %s: %w", l.ID, err)
		}
	}
	s.Index.Rebuild(kept)

	s.logger.Info("world state loaded",
		zap.Int("worlds", s.Registry.Len()),
		zap.Int("links", s.Index.Len()),
	)

	if s.cfg.Autoload {
		return s.autoload(ctx, autoload)
	}
	return nil
}

// reconcile returns the record w should be published as, persisting any
// status change. wasActive reports whether the world was up at last shutdown.
func (s *Service) reconcile(ctx context.Context, w world.World) (world.World, bool, error) {
	switch w.Status {
	case world.StatusActive, world.StatusLoading, world.StatusUnloading:
		wasActive := w.Status != world.StatusUnloading
		next := world.StatusUnloaded
		if _, live := s.host.Live(w.ID); live {
			next = world.StatusActive
		}
		if next == w.Status {
			return w, false, nil
		}
		rec := w.WithStatus(next)
		if err := s.store.PersistWorld(ctx, rec); err != nil {
			return world.World{}, false, fmt.Errorf("reconciling %s: %w", w.ID, err)
		}
		s.logger.Info("world status reconciled",
			zap.String("world", w.ID),
			zap.String("from", string(w.Status)),
			zap.String("to", string(next)),
		)
		return rec, wasActive, nil
	case world.StatusDeleted:
		if err := s.store.DeleteWorldRecord(ctx, w.ID); err != nil {
			return world.World{}, false, fmt.Errorf("purging deleted record %s: %w", w.ID, err)
		}
		return w, false, nil
	}
	return w, false, nil
}

func (s *Service) knownWorld(id string) bool {
	w, ok := s.Registry.Get(id)
	return ok && w.Status != world.StatusDeleted
}

// autoload loads ids concurrently. Failing to load the default world fails
// Open; other failures are logged.
func (s *Service) autoload(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(autoloadWorkers)
	for _, id := range ids {
		g.Go(func() error {
			t, err := s.Lifecycle.Load(gctx, id)
			if err == nil {
				err = t.Wait(gctx)
			}
			if err == nil {
				return nil
			}
			if id == s.cfg.Manager.DefaultWorld || errors.Is(err, context.Canceled) {
				return fmt.Errorf("autoloading %s: %w", id, err)
			}
			s.logger.Error("autoload failed", zap.String("world", id), zap.Error(err))
			return nil
		})
	}
	return g.Wait()
}

// Close rejects new operations, runs deletes scheduled for shutdown, waits for
// in-flight tasks and closes the store.
//
// Postcondition: Every operation returns ErrClosed afterwards.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Links.StopAccepting()
	drainErr := s.Lifecycle.Drain(ctx)
	s.Links.Close()
	if err := s.store.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("closing store: %w", err))
	}
	return drainErr
}
