package lifecycle

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Safe refuses to delete a world that has occupants.
	Safe bool
	// Schedule defers the delete until the service shuts down.
	Schedule bool
	// Fallback names the world occupants are evacuated to. Empty picks the
	// default world, then the first other active world.
	Fallback string
}

type scheduledDelete struct {
	task *Task
	ctx  context.Context
	opts DeleteOptions
}

// Delete starts deleting a world: evacuate or refuse occupants, unload, remove
// every link referencing it, purge its storage and drop its record. A world
// left Deleting by an earlier failure can be deleted again to finish the job.
//
// Postcondition: Returns a Task, or ErrWorldNotFound, ErrProtectedWorld,
// ErrInvalidArgument, ErrWorldInUse (safe delete with occupants),
// ErrConflictingOperation or ErrClosed synchronously.
func (m *Manager) Delete(ctx context.Context, id string, opts DeleteOptions) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if _, ok := m.registry.Get(id); !ok {
		return nil, fmt.Errorf("%w: %q", world.ErrWorldNotFound, id)
	}
	if m.protected(id) {
		return nil, fmt.Errorf("%w: %q is the default world", world.ErrProtectedWorld, id)
	}
	if err := m.validateFallback(id, opts.Fallback); err != nil {
		return nil, err
	}
	if opts.Safe {
		if n := m.occupants(id); n > 0 {
			return nil, fmt.Errorf("%w: %q has %d occupants", world.ErrWorldInUse, id, n)
		}
	}
	if opts.Schedule {
		return m.schedule(ctx, id, opts)
	}

	release, err := m.locks.TryAcquire(id)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, KindDelete, id, release, func(ctx context.Context, t *Task) error {
		return m.deleteWorld(ctx, t, opts)
	})
}

func (m *Manager) schedule(ctx context.Context, id string, opts DeleteOptions) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, world.ErrClosed
	}
	for _, sd := range m.scheduled {
		if sd.task.WorldID == id && sd.ctx.Err() == nil {
			return nil, fmt.Errorf("%w: delete of %q already scheduled", world.ErrConflictingOperation, id)
		}
	}
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := newTask(KindDelete, id, cancel)
	m.scheduled = append(m.scheduled, scheduledDelete{task: t, ctx: tctx, opts: opts})
	m.logger.Info("world delete scheduled for shutdown", zap.String("world", id), zap.String("task", t.ID.String()))
	return t, nil
}

func (m *Manager) runScheduled(ctx context.Context, sd scheduledDelete) {
	t := sd.task
	if err := sd.ctx.Err(); err != nil {
		m.finish(t, cancelled(t, err))
		return
	}
	release, err := m.locks.Acquire(ctx, t.WorldID)
	if err != nil {
		m.finish(t, cancelled(t, err))
		return
	}
	err = m.traced(sd.ctx, t, func(ctx context.Context, t *Task) error {
		return m.deleteWorld(ctx, t, sd.opts)
	})
	release()
	m.finish(t, err)
}

// deleteWorld runs with the world's section held. Until the point of no return
// a failure or cancellation restores the world's previous status (Unloaded if
// it was already taken down); after it a failure leaves the world Deleting.
func (m *Manager) deleteWorld(ctx context.Context, t *Task, opts DeleteOptions) error {
	id := t.WorldID
	w, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", world.ErrWorldNotFound, id)
	}
	if w.Status == world.StatusLoading || w.Status == world.StatusUnloading {
		return fmt.Errorf("%w: %q is %s", world.ErrInvalidState, id, w.Status)
	}

	restore := w.Status
	if w.Status != world.StatusDeleting {
		if err := m.commit(ctx, w.WithStatus(world.StatusDeleting)); err != nil {
			return err
		}
	}
	revert := func(cause error) error {
		if restore == world.StatusDeleting {
			return cause
		}
		var rb rollback
		rb.push("restore status "+string(restore), m.restoreWorld(w.WithStatus(restore)))
		return m.unwind(ctx, t, &rb, cause)
	}

	if h, live := m.host.Live(id); live {
		if opts.Safe {
			if n := m.host.OccupantCount(h); n > 0 {
				return revert(fmt.Errorf("%w: %q has %d occupants", world.ErrWorldInUse, id, n))
			}
		} else if err := m.evacuate(ctx, h, opts.Fallback); err != nil {
			return revert(err)
		}
		if err := checkCancelled(ctx, t); err != nil {
			return revert(err)
		}
		if err := callHostErr(ctx, m.cfg.HostTimeout, "unload", func(ctx context.Context) error {
			return m.host.Unload(ctx, h, false)
		}); err != nil {
			return revert(err)
		}
		if restore != world.StatusDeleting {
			restore = world.StatusUnloaded
		}
	}

	if err := t.markPointOfNoReturn(); err != nil {
		return revert(err)
	}
	ctx = context.WithoutCancel(ctx)

	if err := m.links.DeleteLinksReferencing(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(w.StoragePath); err != nil {
		return world.NewStorageError("purge storage", err)
	}
	if err := m.store.DeleteWorldRecord(ctx, id); err != nil {
		return err
	}
	m.registry.Remove(id)
	m.logger.Info("world deleted", zap.String("world", id), zap.String("storage", w.StoragePath))
	return nil
}
