package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/archive"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Create starts creating a world generated from gen.
//
// Precondition: id must be a valid world id.
// Postcondition: Returns a Task that finishes once the world is Active, or
// after rolling back to nonexistent. Returns ErrInvalidArgument,
// ErrDuplicateID, ErrConflictingOperation or ErrClosed synchronously.
func (m *Manager) Create(ctx context.Context, id string, gen world.GenerationSpec) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := world.ValidateID(id); err != nil {
		return nil, err
	}
	gen = gen.WithDefaults()
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	release, err := m.reserve(id)
	if err != nil {
		return nil, err
	}

	w := m.newWorld(id)
	w.Generation = gen
	return m.start(ctx, KindCreate, id, release, func(ctx context.Context, t *Task) error {
		return m.provision(ctx, t, w, func(_ context.Context, w *world.World) error {
			if err := os.MkdirAll(w.StoragePath, 0o755); err != nil {
				return world.NewStorageError("allocate storage", err)
			}
			return nil
		})
	})
}

// Import starts importing the world at source under id. Source may be an
// export directory, an export archive or a bare level directory.
//
// Postcondition: Returns a Task that finishes once the imported world is
// Active. Returns ErrInvalidArchive for an unrecognised source and the same
// synchronous errors as Create.
func (m *Manager) Import(ctx context.Context, source, id string) (*Task, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := world.ValidateID(id); err != nil {
		return nil, err
	}
	src, err := archive.Inspect(source)
	if err != nil {
		return nil, err
	}
	release, err := m.reserve(id)
	if err != nil {
		return nil, err
	}

	w := m.newWorld(id)
	return m.start(ctx, KindImport, id, release, func(ctx context.Context, t *Task) error {
		return m.provision(ctx, t, w, func(ctx context.Context, w *world.World) error {
			man, err := archive.Materialize(ctx, src, w.StoragePath)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return cancelled(t, err)
				}
				return err
			}
			w.Generation = man.Generation.WithDefaults()
			w.Spawn = man.Spawn
			m.logger.Info("world storage materialized",
				zap.String("world", w.ID),
				zap.String("source", src.Path),
				zap.Stringer("kind", src.Kind),
				zap.Int("files", len(man.Files)),
			)
			return nil
		})
	})
}

func (m *Manager) newWorld(id string) world.World {
	return world.World{
		ID:          id,
		Status:      world.StatusLoading,
		StoragePath: m.storagePath(id),
		CreatedAt:   m.now().UTC().Truncate(time.Microsecond),
	}
}

// reserve takes the section for a new world id.
//
// Postcondition: Returns a release func, or ErrConflictingOperation or
// ErrDuplicateID with nothing held.
func (m *Manager) reserve(id string) (func(), error) {
	release, err := m.locks.TryAcquire(id)
	if err != nil {
		return nil, err
	}
	if w, ok := m.registry.Get(id); ok && w.Status != world.StatusDeleted {
		release()
		return nil, fmt.Errorf("%w: %q", world.ErrDuplicateID, id)
	}
	if _, err := os.Lstat(m.storagePath(id)); err == nil {
		release()
		return nil, fmt.Errorf("%w: storage for %q already exists at %s", world.ErrDuplicateID, id, m.storagePath(id))
	}
	return release, nil
}

// provision takes a new world from nonexistent to Active: prepare its storage,
// record and publish it as Loading, instantiate it on the host, then record
// and publish it as Active. Any failure undoes the completed steps in reverse.
func (m *Manager) provision(ctx context.Context, t *Task, w world.World, prepare func(context.Context, *world.World) error) error {
	var rb rollback

	if err := prepare(ctx, &w); err != nil {
		return err
	}
	rb.push("remove storage", func(context.Context) error {
		return os.RemoveAll(w.StoragePath)
	})
	if err := checkCancelled(ctx, t); err != nil {
		return m.unwind(ctx, t, &rb, err)
	}

	if err := m.store.PersistWorld(ctx, w); err != nil {
		return m.unwind(ctx, t, &rb, err)
	}
	rb.push("delete world record", func(ctx context.Context) error {
		return m.store.DeleteWorldRecord(ctx, w.ID)
	})
	m.registry.Upsert(w)
	rb.push("remove from registry", func(context.Context) error {
		m.registry.Remove(w.ID)
		return nil
	})

	rb.push("unload partial world", m.unloadIfLive(w.ID))
	h, err := callHost(ctx, m.cfg.HostTimeout, "instantiate", func(ctx context.Context) (Handle, error) {
		return m.host.Instantiate(ctx, Instantiation{
			ID:          w.ID,
			Generation:  w.Generation,
			StoragePath: w.StoragePath,
			Spawn:       w.Spawn,
		})
	}, m.discardLate(w.ID, w.StoragePath, true))
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
	m.logger.Info("world active",
		zap.String("world", active.ID),
		zap.Int64("seed", active.Generation.Seed),
		zap.String("environment", string(active.Generation.Environment)),
		zap.String("storage", active.StoragePath),
	)
	return nil
}
