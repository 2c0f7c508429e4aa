// Package memstore provides an in-memory world.Store used by tests and
// ephemeral runs. Faults can be injected per operation.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Operation names accepted by FailOn.
const (
	OpLoad         = "load"
	OpPersistWorld = "persist world"
	OpDeleteWorld  = "delete world"
	OpPersistLink  = "persist link"
	OpDeleteLink   = "delete link"
)

// ErrInjected is the cause carried by injected faults.
var ErrInjected = errors.New("injected I/O fault")

var _ world.Store = (*Store)(nil)

// Store keeps records in maps guarded by a mutex.
type Store struct {
	mu     sync.Mutex
	worlds map[string]world.World
	links  map[world.LinkID]world.Link
	faults map[string]*fault
	closed bool
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		worlds: make(map[string]world.World),
		links:  make(map[world.LinkID]world.Link),
		faults: make(map[string]*fault),
	}
}

type fault struct {
	skip, n int
}

// FailOn makes the next n calls of op fail with a StorageError.
func (s *Store) FailOn(op string, n int) {
	s.FailAfter(op, 0, n)
}

// FailAfter lets skip calls of op succeed and then fails the following n.
func (s *Store) FailAfter(op string, skip, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{skip: skip, n: n}
}

// ClearFaults drops every pending injected fault.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.faults)
}

func (s *Store) fault(op string) error {
	if s.closed {
		return world.NewStorageError(op, errors.New("store closed"))
	}
	f, ok := s.faults[op]
	if !ok {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	if f.n > 0 {
		f.n--
		return world.NewStorageError(op, ErrInjected)
	}
	delete(s.faults, op)
	return nil
}

// Load returns worlds ordered by creation time and links ordered by creation time.
func (s *Store) Load(_ context.Context) ([]world.World, []world.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpLoad); err != nil {
		return nil, nil, err
	}
	worlds := make([]world.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, w)
	}
	sort.Slice(worlds, func(i, j int) bool {
		if !worlds[i].CreatedAt.Equal(worlds[j].CreatedAt) {
			return worlds[i].CreatedAt.Before(worlds[j].CreatedAt)
		}
		return worlds[i].ID < worlds[j].ID
	})
	links := make([]world.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
	return worlds, links, nil
}

// PersistWorld stores w.
func (s *Store) PersistWorld(_ context.Context, w world.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPersistWorld); err != nil {
		return err
	}
	s.worlds[w.ID] = w
	return nil
}

// DeleteWorldRecord removes the world record.
func (s *Store) DeleteWorldRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDeleteWorld); err != nil {
		return err
	}
	delete(s.worlds, id)
	return nil
}

// PersistLink stores l.
func (s *Store) PersistLink(_ context.Context, l world.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPersistLink); err != nil {
		return err
	}
	s.links[l.ID] = l
	return nil
}

// DeleteLink removes the link record.
func (s *Store) DeleteLink(_ context.Context, id world.LinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDeleteLink); err != nil {
		return err
	}
	delete(s.links, id)
	return nil
}

// World returns the persisted record for id.
func (s *Store) World(id string) (world.World, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[id]
	return w, ok
}

// Link returns the persisted record for id.
func (s *Store) Link(id world.LinkID) (world.Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	return l, ok
}

// Close marks the store closed; later calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
