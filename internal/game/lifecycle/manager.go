package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

const tracerName = "github.com/cory-johannsen/worlds/internal/game/lifecycle"

// Config holds Manager settings.
type Config struct {
	// Root is the directory world storage directories are allocated under.
	Root string
	// HostTimeout bounds every host call. Zero disables the bound.
	HostTimeout time.Duration
	// DefaultWorld cannot be deleted or unloaded and is the preferred
	// evacuation target.
	DefaultWorld string
}

// Recorder receives lifecycle outcomes. Nil-safe in Manager.
type Recorder interface {
	OperationFinished(kind, outcome string, elapsed time.Duration)
	RollbackFailed(kind string)
}

// Manager runs the world state machine. Every mutation of a world runs inside
// that world's section; asynchronous operations hold it until their Task
// finishes, so a second operation on the same world is rejected with
// ErrConflictingOperation.
type Manager struct {
	cfg      Config
	registry *world.Registry
	store    world.Store
	locks    *world.Locker
	links    *link.Manager
	host     Host
	logger   *zap.Logger
	metrics  Recorder
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	closed    bool
	tasks     map[uuid.UUID]*Task
	scheduled []scheduledDelete
	wg        sync.WaitGroup
}

// NewManager creates a Manager.
//
// Precondition: all arguments except metrics must be non-nil.
func NewManager(cfg Config, registry *world.Registry, store world.Store, locks *world.Locker, links *link.Manager, host Host, logger *zap.Logger, metrics Recorder) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		locks:    locks,
		links:    links,
		host:     host,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		tasks:    make(map[uuid.UUID]*Task),
	}
}

// Get returns the world with the given id.
func (m *Manager) Get(id string) (world.World, bool) {
	return m.registry.Get(id)
}

// List returns every world in creation order.
func (m *Manager) List() []world.World {
	return m.registry.List()
}

// Running returns the in-flight tasks, oldest first.
func (m *Manager) Running() []*Task {
	m.mu.Lock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (m *Manager) storagePath(id string) string {
	return filepath.Join(m.cfg.Root, id)
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return world.ErrClosed
	}
	return nil
}

// start launches run as a task holding the section released by release.
// The task outlives ctx but inherits its values.
func (m *Manager) start(ctx context.Context, kind Kind, id string, release func(), run func(context.Context, *Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		release()
		return nil, world.ErrClosed
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(kind, id, cancel)
	m.tasks[t.ID] = t
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.traced(tctx, t, run)
		release()
		m.finish(t, err)
	}()
	return t, nil
}

func (m *Manager) traced(ctx context.Context, t *Task, run func(context.Context, *Task) error) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle."+string(t.Kind), trace.WithAttributes(
		attribute.String("world.id", t.WorldID),
		attribute.String("task.id", t.ID.String()),
	))
	defer span.End()
	err := run(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) finish(t *Task, err error) {
	elapsed := time.Since(t.Started)
	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OperationFinished(string(t.Kind), outcome(err), elapsed)
	}
	fields := []zap.Field{
		zap.String("task", t.ID.String()),
		zap.String("op", string(t.Kind)),
		zap.String("world", t.WorldID),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		m.logger.Warn("lifecycle operation failed", append(fields, zap.Error(err))...)
	} else {
		m.logger.Info("lifecycle operation completed", fields...)
	}
	t.finish(err)
}

// Drain rejects new operations, waits for in-flight tasks and then runs the
// deletes scheduled for shutdown. When ctx ends first, in-flight tasks are
// cancelled and scheduled deletes are abandoned.
//
// Postcondition: No task is running when Drain returns.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	scheduled := m.scheduled
	m.scheduled = nil
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.mu.Lock()
		for _, t := range m.tasks {
			t.Cancel()
		}
		m.mu.Unlock()
		<-done
		for _, sd := range scheduled {
			m.finish(sd.task, cancelled(sd.task, ctx.Err()))
		}
		return fmt.Errorf("%w: drain: %v", world.ErrCancelled, ctx.Err())
	}

	for _, sd := range scheduled {
		m.runScheduled(ctx, sd)
	}
	return nil
}

// rollback is a stack of compensating actions.
type rollback struct {
	steps []rollbackStep
}

type rollbackStep struct {
	name string
	fn   func(context.Context) error
}

func (r *rollback) push(name string, fn func(context.Context) error) {
	r.steps = append(r.steps, rollbackStep{name: name, fn: fn})
}

// unwind runs the compensating actions newest first. Every step runs even
// when an earlier one fails.
//
// Postcondition: Returns cause when every step succeeded, otherwise a
// RollbackError carrying cause and each failure.
func (m *Manager) unwind(ctx context.Context, t *Task, r *rollback, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var failures []error
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if err := s.fn(ctx); err != nil {
			m.logger.Error("rollback step failed",
				zap.String("world", t.WorldID),
				zap.String("op", string(t.Kind)),
				zap.String("step", s.name),
				zap.Error(err),
			)
			failures = append(failures, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		m.logger.Info("rollback step applied",
			zap.String("world", t.WorldID),
			zap.String("op", string(t.Kind)),
			zap.String("step", s.name),
		)
	}
	if len(failures) == 0 {
		return cause
	}
	if m.metrics != nil {
		m.metrics.RollbackFailed(string(t.Kind))
	}
	return &world.RollbackError{Cause: cause, Failures: failures}
}

// unloadIfLive is a rollback step taking down a world the host may have
// brought up before failing or timing out.
func (m *Manager) unloadIfLive(id string) func(context.Context) error {
	return func(ctx context.Context) error {
		h, ok := m.host.Live(id)
		if !ok {
			return nil
		}
		return callHostErr(ctx, m.cfg.HostTimeout, "unload", func(ctx context.Context) error {
			return m.host.Unload(ctx, h, false)
		})
	}
}

// lateCleanupTimeout bounds how long an instantiate that outlived its caller is
// waited for and cleaned up.
const lateCleanupTimeout = 30 * time.Second

// discardLate adopts an instantiate still running after provision or load gave
// up on it. Once it returns, inside the world's section, the late world is
// unloaded unless the registry has since made the world Active, and storage is
// removed when ownsStorage is set and no record of the world remains. Drain
// waits for the cleanup.
func (m *Manager) discardLate(id, storagePath string, ownsStorage bool) func(<-chan hostResult[Handle]) {
	return func(res <-chan hostResult[Handle]) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), lateCleanupTimeout)
			defer cancel()

			var r hostResult[Handle]
			select {
			case r = <-res:
			case <-ctx.Done():
				m.logger.Error("instantiate never returned", zap.String("world", id))
				return
			}
			release, err := m.locks.Acquire(ctx, id)
			if err != nil {
				m.logger.Error("late instantiate left in place", zap.String("world", id), zap.Error(err))
				return
			}
			defer release()

			w, known := m.registry.Get(id)
			if known && w.Status == world.StatusActive {
				return
			}
			if r.err == nil && r.v != nil {
				if cur, live := m.host.Live(id); live && cur == r.v {
					if err := callHostErr(ctx, m.cfg.HostTimeout, "unload", func(ctx context.Context) error {
						return m.host.Unload(ctx, r.v, false)
					}); err != nil {
						m.logger.Error("unloading late world", zap.String("world", id), zap.Error(err))
					}
				}
			}
			if ownsStorage && (!known || w.Status == world.StatusDeleted) {
				if err := os.RemoveAll(storagePath); err != nil {
					m.logger.Error("removing late world storage", zap.String("world", id), zap.Error(err))
				}
			}
			m.logger.Warn("discarded late instantiate", zap.String("world", id), zap.NamedError("host_error", r.err))
		}()
	}
}

// restoreWorld is a rollback step putting w back into the store and registry.
func (m *Manager) restoreWorld(w world.World) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := m.store.PersistWorld(ctx, w); err != nil {
			return err
		}
		m.registry.Upsert(w)
		return nil
	}
}

// commit persists w and then publishes it.
func (m *Manager) commit(ctx context.Context, w world.World) error {
	if err := m.store.PersistWorld(ctx, w); err != nil {
		return err
	}
	m.registry.Upsert(w)
	return nil
}

// fallback picks where occupants of exclude go: preferred, then the default
// world, then the first other active world.
func (m *Manager) fallback(exclude, preferred string) (link.Destination, bool) {
	for _, id := range []string{preferred, m.cfg.DefaultWorld} {
		if id == "" || id == exclude {
			continue
		}
		if w, ok := m.registry.Get(id); ok && w.Status == world.StatusActive {
			return link.Destination{World: w.ID, Location: w.Spawn}, true
		}
	}
	for _, w := range m.registry.List() {
		if w.ID != exclude && w.Status == world.StatusActive {
			return link.Destination{World: w.ID, Location: w.Spawn}, true
		}
	}
	return link.Destination{}, false
}

// validateFallback checks an explicitly requested fallback world.
func (m *Manager) validateFallback(id, fallback string) error {
	if fallback == "" {
		return nil
	}
	if fallback == id {
		return fmt.Errorf("%w: %q cannot be its own fallback", world.ErrInvalidArgument, id)
	}
	w, ok := m.registry.Get(fallback)
	if !ok || w.Status != world.StatusActive {
		return fmt.Errorf("%w: fallback world %q is not active", world.ErrInvalidArgument, fallback)
	}
	return nil
}

// evacuate moves occupants of the live world h to a fallback world.
func (m *Manager) evacuate(ctx context.Context, h Handle, preferred string) error {
	n := m.host.OccupantCount(h)
	if n == 0 {
		return nil
	}
	dest, ok := m.fallback(h.WorldID(), preferred)
	if !ok {
		return fmt.Errorf("%w: no active world to evacuate %d occupants of %q to", world.ErrInvalidState, n, h.WorldID())
	}
	if err := callHostErr(ctx, m.cfg.HostTimeout, "evacuate", func(ctx context.Context) error {
		return m.host.Evacuate(ctx, h, dest)
	}); err != nil {
		return err
	}
	m.logger.Info("world evacuated",
		zap.String("world", h.WorldID()),
		zap.String("fallback", dest.World),
		zap.Int("occupants", n),
	)
	return nil
}

func (m *Manager) occupants(id string) int {
	h, ok := m.host.Live(id)
	if !ok {
		return 0
	}
	return m.host.OccupantCount(h)
}

func (m *Manager) protected(id string) bool {
	return id != "" && id == m.cfg.DefaultWorld
}

func checkCancelled(ctx context.Context, t *Task) error {
	if err := ctx.Err(); err != nil {
		return cancelled(t, err)
	}
	return nil
}

func cancelled(t *Task, cause error) error {
	return fmt.Errorf("%w: %s %q: %v", world.ErrCancelled, t.Kind, t.WorldID, cause)
}

// outcome labels err for metrics.
func outcome(err error) string {
	var rb *world.RollbackError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rb):
		return "rollback_failed"
	case errors.Is(err, world.ErrCancelled):
		return "cancelled"
	case errors.Is(err, world.ErrHostTimeout):
		return "host_timeout"
	case errors.Is(err, world.ErrHostFacility):
		return "host_error"
	case errors.Is(err, world.ErrStorage):
		return "storage_error"
	case errors.Is(err, world.ErrInvalidArchive):
		return "invalid_archive"
	case errors.Is(err, world.ErrWorldInUse):
		return "world_in_use"
	}
	return "error"
}
