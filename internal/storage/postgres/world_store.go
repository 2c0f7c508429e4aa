package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

var _ world.Store = (*WorldStore)(nil)

// WorldStore persists world and link records in the worlds and world_links tables.
type WorldStore struct {
	pool *Pool
}

// NewWorldStore creates a WorldStore backed by the given pool. The store owns
// the pool and closes it on Close.
//
// Precondition: pool must be connected and the schema migrated.
func NewWorldStore(pool *Pool) *WorldStore {
	return &WorldStore{pool: pool}
}

// Health reports whether the database answers within timeout.
func (s *WorldStore) Health(ctx context.Context, timeout time.Duration) error {
	return s.pool.Health(ctx, timeout)
}

// Load returns every world and link ordered by creation time.
//
// Postcondition: Returns all records, or a StorageError.
func (s *WorldStore) Load(ctx context.Context) ([]world.World, []world.Link, error) {
	worlds, err := s.loadWorlds(ctx)
	if err != nil {
		return nil, nil, world.NewStorageError("load worlds", err)
	}
	links, err := s.loadLinks(ctx)
	if err != nil {
		return nil, nil, world.NewStorageError("load links", err)
	}
	return worlds, links, nil
}

func (s *WorldStore) loadWorlds(ctx context.Context) ([]world.World, error) {
	rows, err := s.pool.DB().Query(ctx, `
		SELECT id, status, generation, spawn, storage_path, created_at
		FROM worlds ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying worlds: %w", err)
	}
	defer rows.Close()

	var out []world.World
	for rows.Next() {
		var (
			w          world.World
			status     string
			generation []byte
			spawn      []byte
		)
		if err := rows.Scan(&w.ID, &status, &generation, &spawn, &w.StoragePath, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning world: %w", err)
		}
		w.Status = world.Status(status)
		if err := json.Unmarshal(generation, &w.Generation); err != nil {
			return nil, fmt.Errorf("world %s generation: %w", w.ID, err)
		}
		if err := json.Unmarshal(spawn, &w.Spawn); err != nil {
			return nil, fmt.Errorf("world %s spawn: %w", w.ID, err)
		}
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WorldStore) loadLinks(ctx context.Context) ([]world.Link, error) {
	rows, err := s.pool.DB().Query(ctx, `
		SELECT id, source_world, source_anchor, target_world, target_anchor, created_at
		FROM world_links ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying links: %w", err)
	}
	defer rows.Close()

	var out []world.Link
	for rows.Next() {
		var (
			l        world.Link
			id       string
			src, dst []byte
		)
		if err := rows.Scan(&id, &l.SourceWorld, &src, &l.TargetWorld, &dst, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning link: %w", err)
		}
		l.ID = world.LinkID(id)
		if err := json.Unmarshal(src, &l.SourceAnchor); err != nil {
			return nil, fmt.Errorf("link %s source anchor: %w", id, err)
		}
		if err := json.Unmarshal(dst, &l.TargetAnchor); err != nil {
			return nil, fmt.Errorf("link %s target anchor: %w", id, err)
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

// PersistWorld inserts or updates the world row.
//
// Postcondition: Returns nil once the row is committed, or a StorageError.
func (s *WorldStore) PersistWorld(ctx context.Context, w world.World) error {
	generation, err := json.Marshal(w.Generation)
	if err != nil {
		return world.NewStorageError("persist world", err)
	}
	spawn, err := json.Marshal(w.Spawn)
	if err != nil {
		return world.NewStorageError("persist world", err)
	}
	_, err = s.pool.DB().Exec(ctx, `
		INSERT INTO worlds (id, status, generation, spawn, storage_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			generation   = EXCLUDED.generation,
			spawn        = EXCLUDED.spawn,
			storage_path = EXCLUDED.storage_path,
			created_at   = EXCLUDED.created_at,
			updated_at   = NOW()`,
		w.ID, string(w.Status), generation, spawn, w.StoragePath, w.CreatedAt,
	)
	if err != nil {
		return world.NewStorageError("persist world", fmt.Errorf("upserting world %s: %w", w.ID, err))
	}
	return nil
}

// DeleteWorldRecord removes the world row. A missing row is not an error.
func (s *WorldStore) DeleteWorldRecord(ctx context.Context, id string) error {
	if _, err := s.pool.DB().Exec(ctx, `DELETE FROM worlds WHERE id = $1`, id); err != nil {
		return world.NewStorageError("delete world", fmt.Errorf("deleting world %s: %w", id, err))
	}
	return nil
}

// PersistLink inserts or updates the link row.
func (s *WorldStore) PersistLink(ctx context.Context, l world.Link) error {
	src, err := json.Marshal(l.SourceAnchor)
	if err != nil {
		return world.NewStorageError("persist link", err)
	}
	dst, err := json.Marshal(l.TargetAnchor)
	if err != nil {
		return world.NewStorageError("persist link", err)
	}
	_, err = s.pool.DB().Exec(ctx, `
		INSERT INTO world_links (id, source_world, source_anchor, target_world, target_anchor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			source_world  = EXCLUDED.source_world,
			source_anchor = EXCLUDED.source_anchor,
			target_world  = EXCLUDED.target_world,
			target_anchor = EXCLUDED.target_anchor,
			created_at    = EXCLUDED.created_at`,
		string(l.ID), l.SourceWorld, src, l.TargetWorld, dst, l.CreatedAt,
	)
	if err != nil {
		return world.NewStorageError("persist link", fmt.Errorf("upserting link %s: %w", l.ID, err))
	}
	return nil
}

// DeleteLink removes the link row. A missing row is not an error.
func (s *WorldStore) DeleteLink(ctx context.Context, id world.LinkID) error {
	if _, err := s.pool.DB().Exec(ctx, `DELETE FROM world_links WHERE id = $1`, string(id)); err != nil {
		return world.NewStorageError("delete link", fmt.Errorf("deleting link %s: %w", id, err))
	}
	return nil
}

// Close closes the underlying pool.
func (s *WorldStore) Close() error {
	s.pool.Close()
	return nil
}
