package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/archive"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// acquireExisting takes the section of an existing world whose status is one
// of allowed.
func (m *Manager) acquireExisting(id string, allowed ...world.Status) (world.World, func(), error) {
	if _, ok := m.registry.Get(id); !ok {
		return world.World{}, nil, fmt.Errorf("%w: %q", world.ErrWorldNotFound, id)
	}
	release, err := m.locks.TryAcquire(id)
	if err != nil {
		return world.World{}, nil, err
	}
	w, ok := m.registry.Get(id)
	if !ok {
		release()
		return world.World{}, nil, fmt.Errorf("%w: %q", world.ErrWorldNotFound, id)
	}
	for _, s := range allowed {
		if w.Status == s {
			return w, release, nil
		}
	}
	release()
	return world.World{}, nil, fmt.Errorf("%w: %q is %s", world.ErrInvalidState, id, w.Status)
}

// Load starts bringing an Unloaded world back up. A world stuck Unloading
// after a failed unload may also be loaded.
//
// Postcondition: Returns a Task, or ErrWorldNotFound, ErrInvalidState,
// ErrConflictingOperation or ErrClosed synchronously.
func (m *Manager) Load(ctx context.Context, id string) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	w, release, err := m.acquireExisting(id, world.StatusUnloaded, world.StatusUnloading)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, KindLoad, id, release, func(ctx context.Context, t *Task) error {
		return m.load(ctx, t, w)
	})
}

func (m *Manager) load(ctx context.Context, t *Task, w world.World) error {
	if _, live := m.host.Live(w.ID); live {
		return m.commit(ctx, w.WithStatus(world.StatusActive))
	}

	var rb rollback
	if err := m.commit(ctx, w.WithStatus(world.StatusLoading)); err != nil {
		return err
	}
	rb.push("restore "+string(w.Status), m.restoreWorld(w))
	rb.push("unload partial world", m.unloadIfLive(w.ID))

	h, err := callHost(ctx, m.cfg.HostTimeout, "instantiate", func(ctx context.Context) (Handle, error) {
		return m.host.Instantiate(ctx, Instantiation{
			ID:          w.ID,
			Generation:  w.Generation,
			StoragePath: w.StoragePath,
			Spawn:       w.Spawn,
		})
	}, m.discardLate(w.ID, w.StoragePath, false))
	if err != nil {
		return m.unwind(ctx, t, &rb, err)
	}
	if err := t.markPointOfNoReturn(); err != nil {
		return m.unwind(ctx, t, &rb, err)
	}
	active := w.WithStatus(world.StatusActive)
	if active.Spawn == (world.Location{}) {
		active.Spawn = h.Spawn()
	}
	if err := m.commit(ctx, active); err != nil {
		return m.unwind(ctx, t, &rb, err)
	}
	return nil
}

// Unload starts taking an Active world down, evacuating its occupants to
// fallback (or the default fallback choice) and saving it.
//
// Postcondition: Returns a Task, or ErrWorldNotFound, ErrProtectedWorld,
// ErrInvalidArgument, ErrInvalidState, ErrConflictingOperation or ErrClosed
// synchronously.
func (m *Manager) Unload(ctx context.Context, id, fallback string) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if m.protected(id) {
		return nil, fmt.Errorf("%w: %q is the default world", world.ErrProtectedWorld, id)
	}
	if err := m.validateFallback(id, fallback); err != nil {
		return nil, err
	}
	w, release, err := m.acquireExisting(id, world.StatusActive)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, KindUnload, id, release, func(ctx context.Context, t *Task) error {
		return m.unload(ctx, t, w, fallback)
	})
}

// unload is cancellable until the host is asked to unload. If recording the
// final Unloaded status fails the world stays Unloading until it is loaded
// again or the service restarts.
func (m *Manager) unload(ctx context.Context, t *Task, w world.World, fallback string) error {
	var rb rollback
	if err := m.commit(ctx, w.WithStatus(world.StatusUnloading)); err != nil {
		return err
	}
	rb.push("restore active", m.restoreWorld(w))

	if h, live := m.host.Live(w.ID); live {
		if err := m.evacuate(ctx, h, fallback); err != nil {
			return m.unwind(ctx, t, &rb, err)
		}
		if err := t.markPointOfNoReturn(); err != nil {
			return m.unwind(ctx, t, &rb, err)
		}
		if err := callHostErr(ctx, m.cfg.HostTimeout, "unload", func(ctx context.Context) error {
			return m.host.Unload(ctx, h, true)
		}); err != nil {
			return m.unwind(ctx, t, &rb, err)
		}
	} else if err := t.markPointOfNoReturn(); err != nil {
		return m.unwind(ctx, t, &rb, err)
	}
	return m.commit(context.WithoutCancel(ctx), w.WithStatus(world.StatusUnloaded))
}

// SetSpawn replaces the spawn of an Active or Unloaded world.
//
// Postcondition: Returns the updated world, or ErrWorldNotFound,
// ErrInvalidArgument, ErrInvalidState, ErrConflictingOperation or a
// StorageError with the registry unchanged.
func (m *Manager) SetSpawn(ctx context.Context, id string, loc world.Location) (world.World, error) {
	if err := m.checkOpen(); err != nil {
		return world.World{}, err
	}
	for _, v := range []float64{loc.Position.X, loc.Position.Y, loc.Position.Z, float64(loc.Yaw), float64(loc.Pitch)} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return world.World{}, fmt.Errorf("%w: spawn must be finite", world.ErrInvalidArgument)
		}
	}
	w, release, err := m.acquireExisting(id, world.StatusActive, world.StatusUnloaded)
	if err != nil {
		return world.World{}, err
	}
	defer release()

	w.Spawn = loc
	if err := m.commit(ctx, w); err != nil {
		return world.World{}, err
	}
	m.logger.Info("world spawn set",
		zap.String("world", id),
		zap.Float64("x", loc.Position.X),
		zap.Float64("y", loc.Position.Y),
		zap.Float64("z", loc.Position.Z),
	)
	return w, nil
}

// Export starts copying a world's storage to destination. A destination
// ending in .tar.zst is written as a compressed archive, anything else as a
// directory. A live world is saved and frozen for the duration of the copy.
//
// Postcondition: Returns a Task, or ErrWorldNotFound, ErrInvalidArgument,
// ErrInvalidState, ErrConflictingOperation or ErrClosed synchronously.
func (m *Manager) Export(ctx context.Context, id, destination string) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, fmt.Errorf("%w: export destination is empty", world.ErrInvalidArgument)
	}
	if _, err := os.Lstat(destination); err == nil {
		return nil, fmt.Errorf("%w: export destination %s already exists", world.ErrInvalidArgument, destination)
	}
	w, release, err := m.acquireExisting(id, world.StatusActive, world.StatusUnloaded)
	if err != nil {
		return nil, err
	}
	return m.start(ctx, KindExport, id, release, func(ctx context.Context, t *Task) error {
		return m.export(ctx, t, w, destination)
	})
}

func (m *Manager) export(ctx context.Context, t *Task, w world.World, destination string) (err error) {
	if h, live := m.host.Live(w.ID); live {
		if err := callHostErr(ctx, m.cfg.HostTimeout, "save and freeze", func(ctx context.Context) error {
			return m.host.SaveAndFreeze(ctx, h)
		}); err != nil {
			var rb rollback
			rb.push("thaw", m.thaw(h))
			return m.unwind(ctx, t, &rb, err)
		}
		defer func() {
			if terr := m.thaw(h)(context.WithoutCancel(ctx)); terr != nil {
				m.logger.Error("thaw after export failed", zap.String("world", w.ID), zap.Error(terr))
				if err == nil {
					err = fmt.Errorf("export written to %s but thaw failed: %w", destination, terr)
				}
			}
		}()
	}

	man, err := archive.Export(ctx, w.StoragePath, destination, archive.Manifest{
		World:      w.ID,
		Generation: w.Generation,
		Spawn:      w.Spawn,
		ExportedAt: m.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return cancelled(t, err)
		case errors.Is(err, world.ErrInvalidArgument):
			return err
		}
		return world.NewStorageError("export", err)
	}
	m.logger.Info("world exported",
		zap.String("world", w.ID),
		zap.String("destination", destination),
		zap.Int("files", len(man.Files)),
	)
	return nil
}

func (m *Manager) thaw(h Handle) func(context.Context) error {
	return func(ctx context.Context) error {
		return callHostErr(ctx, m.cfg.HostTimeout, "thaw", func(ctx context.Context) error {
			return m.host.Thaw(ctx, h)
		})
	}
}
