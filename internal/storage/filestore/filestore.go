// Package filestore persists world and link records as one YAML file each.
// Every write goes to a temporary file that is synced and renamed over the
// record, so a crash leaves either the old or the new record on disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

const (
	worldsDir = "worlds"
	linksDir  = "links"
	ext       = ".yaml"
)

var _ world.Store = (*Store)(nil)

// Store keeps records under dir/worlds and dir/links.
type Store struct {
	dir string

	mu     sync.Mutex
	closed bool
}

// Open creates the record directories under dir if needed.
//
// Precondition: dir must be non-empty.
// Postcondition: Returns a ready Store or a StorageError.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{worldsDir, linksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, world.NewStorageError("open", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) worldPath(id string) string {
	return filepath.Join(s.dir, worldsDir, id+ext)
}

func (s *Store) linkPath(id world.LinkID) string {
	return filepath.Join(s.dir, linksDir, url.PathEscape(string(id))+ext)
}

func (s *Store) check(ctx context.Context, op string) error {
	if s.closed {
		return world.NewStorageError(op, errors.New("store closed"))
	}
	if err := ctx.Err(); err != nil {
		return world.NewStorageError(op, err)
	}
	return nil
}

// Load reads every record. Worlds and links are ordered by creation time.
//
// Postcondition: Returns all records, or a StorageError naming the unreadable file.
func (s *Store) Load(ctx context.Context) ([]world.World, []world.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "load"); err != nil {
		return nil, nil, err
	}

	var worlds []world.World
	if err := readAll(filepath.Join(s.dir, worldsDir), func(data []byte) error {
		var w world.World
		if err := yaml.Unmarshal(data, &w); err != nil {
			return err
		}
		worlds = append(worlds, w)
		return nil
	}); err != nil {
		return nil, nil, world.NewStorageError("load worlds", err)
	}

	var links []world.Link
	if err := readAll(filepath.Join(s.dir, linksDir), func(data []byte) error {
		var l world.Link
		if err := yaml.Unmarshal(data, &l); err != nil {
			return err
		}
		links = append(links, l)
		return nil
	}); err != nil {
		return nil, nil, world.NewStorageError("load links", err)
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

// readAll calls fn with the contents of every record file in dir.
// Leftover temporary files from an interrupted write are removed.
func readAll(dir string, fn func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(filepath.Join(dir, name))
			continue
		}
		if !strings.HasSuffix(name, ext) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// PersistWorld writes the world record.
func (s *Store) PersistWorld(ctx context.Context, w world.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "persist world"); err != nil {
		return err
	}
	return world.NewStorageError("persist world", writeYAML(s.worldPath(w.ID), w))
}

// DeleteWorldRecord removes the world record. A missing record is not an error.
func (s *Store) DeleteWorldRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete world"); err != nil {
		return err
	}
	return world.NewStorageError("delete world", removeSynced(s.worldPath(id)))
}

// PersistLink writes the link record.
func (s *Store) PersistLink(ctx context.Context, l world.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "persist link"); err != nil {
		return err
	}
	return world.NewStorageError("persist link", writeYAML(s.linkPath(l.ID), l))
}

// DeleteLink removes the link record. A missing record is not an error.
func (s *Store) DeleteLink(ctx context.Context, id world.LinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete link"); err != nil {
		return err
	}
	return world.NewStorageError("delete link", removeSynced(s.linkPath(id)))
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic replaces path with data via a synced temporary file in the
// same directory, then syncs the directory so the rename is durable.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func removeSynced(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
