// Package badgerstore persists world and link records in an embedded BadgerDB.
// Records are JSON values under "world:<id>" and "link:<id>" keys.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

const (
	worldPrefix = "world:"
	linkPrefix  = "link:"
)

var _ world.Store = (*Store)(nil)

// Store is a world.Store backed by BadgerDB.
type Store struct {
	db *badger.DB

	mu      sync.RWMutex
	isReady bool
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Open opens or creates the database at dir. An empty dir opens an in-memory
// database, which is what tests use.
//
// Postcondition: Returns a ready Store or a StorageError.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, world.NewStorageError("open", fmt.Errorf("opening badger at %q: %w", dir, err))
	}
	return &Store{db: db, isReady: true}, nil
}

func worldKey(id string) []byte { return []byte(worldPrefix + id) }

func linkKey(id world.LinkID) []byte { return []byte(linkPrefix + string(id)) }

func (s *Store) ready(ctx context.Context, op string) error {
	if !s.isReady {
		return world.NewStorageError(op, errors.New("store closed"))
	}
	if err := ctx.Err(); err != nil {
		return world.NewStorageError(op, err)
	}
	return nil
}

// Load reads every record in a single read transaction.
func (s *Store) Load(ctx context.Context) ([]world.World, []world.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx, "load"); err != nil {
		return nil, nil, err
	}

	var worlds []world.World
	var links []world.Link
	err := s.db.View(func(txn *badger.Txn) error {
		if err := scan(txn, worldPrefix, func(val []byte) error {
			var w world.World
			if err := json.Unmarshal(val, &w); err != nil {
				return err
			}
			worlds = append(worlds, w)
			return nil
		}); err != nil {
			return err
		}
		return scan(txn, linkPrefix, func(val []byte) error {
			var l world.Link
			if err := json.Unmarshal(val, &l); err != nil {
				return err
			}
			links = append(links, l)
			return nil
		})
	})
	if err != nil {
		return nil, nil, world.NewStorageError("load", err)
	}

	sort.SliceStable(worlds, func(i, j int) bool {
		if !worlds[i].CreatedAt.Equal(worlds[j].CreatedAt) {
			return worlds[i].CreatedAt.Before(worlds[j].CreatedAt)
		}
		return worlds[i].ID < worlds[j].ID
	})
	sort.SliceStable(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
	return worlds, links, nil
}

func scan(txn *badger.Txn, prefix string, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if err := item.Value(fn); err != nil {
			return fmt.Errorf("key %s: %w", item.Key(), err)
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, op string, key []byte, v any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx, op); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return world.NewStorageError(op, err)
	}
	return world.NewStorageError(op, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}))
}

func (s *Store) del(ctx context.Context, op string, key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(ctx, op); err != nil {
		return err
	}
	return world.NewStorageError(op, s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

// PersistWorld writes the world record.
func (s *Store) PersistWorld(ctx context.Context, w world.World) error {
	return s.put(ctx, "persist world", worldKey(w.ID), w)
}

// DeleteWorldRecord removes the world record.
func (s *Store) DeleteWorldRecord(ctx context.Context, id string) error {
	return s.del(ctx, "delete world", worldKey(id))
}

// PersistLink writes the link record.
func (s *Store) PersistLink(ctx context.Context, l world.Link) error {
	return s.put(ctx, "persist link", linkKey(l.ID), l)
}

// DeleteLink removes the link record.
func (s *Store) DeleteLink(ctx context.Context, id world.LinkID) error {
	return s.del(ctx, "delete link", linkKey(id))
}

// Close closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isReady {
		return nil
	}
	s.isReady = false
	return s.db.Close()
}
