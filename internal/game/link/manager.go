package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Spec describes a link to create. SourceAnchor.Kind is the source anchor kind.
type Spec struct {
	SourceWorld  string
	SourceAnchor world.Anchor
	TargetWorld  string
	TargetAnchor world.Anchor
}

// Filter narrows ListLinks. Zero value lists everything.
type Filter struct {
	SourceWorld string
}

// Pair is a display-only grouping of a link with its reverse, if one exists.
type Pair struct {
	Forward world.Link
	Reverse *world.Link
}

// Recorder receives link mutation counts. Nil-safe in Manager.
type Recorder interface {
	LinkCreated()
	LinkDeleted()
}

// Manager performs link CRUD. Every mutation persists before updating the index.
//
// Lock order is world section (sorted ids) then mu; the cascade path runs with
// the deleted world's section already held by the caller.
type Manager struct {
	registry *world.Registry
	index    *Index
	store    world.Store
	locks    *world.Locker
	logger   *zap.Logger
	metrics  Recorder
	now      func() time.Time

	mu sync.Mutex

	// stopped gates the command paths; closed also gates the deletion cascade.
	stopped atomic.Bool
	closed  atomic.Bool
}

// NewManager creates a link Manager.
//
// Precondition: all arguments except metrics must be non-nil.
func NewManager(registry *world.Registry, index *Index, store world.Store, locks *world.Locker, logger *zap.Logger, metrics Recorder) *Manager {
	return &Manager{
		registry: registry,
		index:    index,
		store:    store,
		locks:    locks,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// CreateLink validates spec, persists the link and adds it to the index.
//
// Precondition: spec anchors must be valid.
// Postcondition: Returns the created link, or ErrWorldNotFound, ErrAnchorConflict,
// ErrInvalidArgument, ErrClosed or a StorageError with the index unchanged.
func (m *Manager) CreateLink(ctx context.Context, spec Spec) (world.Link, error) {
	if m.stopped.Load() {
		return world.Link{}, world.ErrClosed
	}
	if err := spec.SourceAnchor.Validate(); err != nil {
		return world.Link{}, fmt.Errorf("source anchor: %w", err)
	}
	if err := spec.TargetAnchor.Validate(); err != nil {
		return world.Link{}, fmt.Errorf("target anchor: %w", err)
	}

	release, err := m.locks.Acquire(ctx, spec.SourceWorld, spec.TargetWorld)
	if err != nil {
		return world.Link{}, fmt.Errorf("%w: %v", world.ErrCancelled, err)
	}
	defer release()

	for _, id := range []string{spec.SourceWorld, spec.TargetWorld} {
		w, ok := m.registry.Get(id)
		if !ok || w.Status == world.StatusDeleting || w.Status == world.StatusDeleted {
			return world.Link{}, fmt.Errorf("%w: %q", world.ErrWorldNotFound, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := world.NewLinkID(spec.SourceWorld, spec.SourceAnchor.Kind)
	if _, exists := m.index.Get(id); exists {
		return world.Link{}, fmt.Errorf("%w: %s", world.ErrAnchorConflict, id)
	}

	l := world.Link{
		ID:           id,
		SourceWorld:  spec.SourceWorld,
		SourceAnchor: spec.SourceAnchor,
		TargetWorld:  spec.TargetWorld,
		TargetAnchor: spec.TargetAnchor,
		CreatedAt:    m.now().UTC().Truncate(time.Microsecond),
	}
	if err := m.store.PersistLink(ctx, l); err != nil {
		return world.Link{}, err
	}
	m.index.Apply(LinkAdded{Link: l})
	if m.metrics != nil {
		m.metrics.LinkCreated()
	}

	m.logger.Info("link created",
		zap.String("link", string(l.ID)),
		zap.String("source", l.SourceWorld),
		zap.String("target", l.TargetWorld),
		zap.String("target_anchor", string(l.TargetAnchor.Kind)),
	)
	return l, nil
}

// DeleteLink removes a link from the store and then from the index.
//
// Postcondition: Returns nil, ErrLinkNotFound, ErrClosed, or a StorageError with the index unchanged.
func (m *Manager) DeleteLink(ctx context.Context, id world.LinkID) error {
	if m.stopped.Load() {
		return world.ErrClosed
	}
	l, ok := m.index.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", world.ErrLinkNotFound, id)
	}
	release, err := m.locks.Acquire(ctx, l.SourceWorld)
	if err != nil {
		return fmt.Errorf("%w: %v", world.ErrCancelled, err)
	}
	defer release()
	return m.deleteLocked(ctx, id)
}

func (m *Manager) deleteLocked(ctx context.Context, id world.LinkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index.Get(id); !ok {
		return fmt.Errorf("%w: %s", world.ErrLinkNotFound, id)
	}
	if err := m.store.DeleteLink(ctx, id); err != nil {
		return err
	}
	m.index.Apply(LinkRemoved{ID: id})
	if m.metrics != nil {
		m.metrics.LinkDeleted()
	}
	m.logger.Info("link deleted", zap.String("link", string(id)))
	return nil
}

// DeleteLinksReferencing removes every link whose source or target is worldID,
// each through the normal store-then-index path. The caller must hold the
// world's section.
//
// Postcondition: On nil, the index holds no link referencing worldID. On error,
// links already removed stay removed and the rest are untouched.
func (m *Manager) DeleteLinksReferencing(ctx context.Context, worldID string) error {
	if m.closed.Load() {
		return world.ErrClosed
	}
	for _, l := range m.index.Referencing(worldID) {
		if err := m.deleteLocked(ctx, l.ID); err != nil && !errors.Is(err, world.ErrLinkNotFound) {
			return fmt.Errorf("cascading link %s: %w", l.ID, err)
		}
	}
	return nil
}

// StopAccepting makes CreateLink and DeleteLink return ErrClosed. Cascades from
// world deletion keep running so deletes scheduled for shutdown can finish.
func (m *Manager) StopAccepting() {
	m.stopped.Store(true)
}

// Close makes every mutation, including DeleteLinksReferencing, return ErrClosed.
// Reads keep serving the last index snapshot.
func (m *Manager) Close() {
	m.stopped.Store(true)
	m.closed.Store(true)
}

// Get returns the link with the given id.
func (m *Manager) Get(id world.LinkID) (world.Link, bool) {
	return m.index.Get(id)
}

// ListLinks returns links in creation order, optionally only those from one source world.
//
// Postcondition: Returns a non-nil slice.
func (m *Manager) ListLinks(f Filter) []world.Link {
	all := m.index.List()
	if f.SourceWorld == "" {
		return all
	}
	out := make([]world.Link, 0, len(all))
	for _, l := range all {
		if l.SourceWorld == f.SourceWorld {
			out = append(out, l)
		}
	}
	return out
}

// Pairs groups each link with a link running the opposite way between the same
// worlds, for display. Each link appears once. Resolution never uses pairs.
func (m *Manager) Pairs(f Filter) []Pair {
	links := m.ListLinks(Filter{})
	used := make(map[world.LinkID]bool, len(links))
	var out []Pair
	for i, l := range links {
		if used[l.ID] || (f.SourceWorld != "" && l.SourceWorld != f.SourceWorld && l.TargetWorld != f.SourceWorld) {
			continue
		}
		used[l.ID] = true
		p := Pair{Forward: l}
		for j := i + 1; j < len(links); j++ {
			r := links[j]
			if !used[r.ID] && r.SourceWorld == l.TargetWorld && r.TargetWorld == l.SourceWorld {
				used[r.ID] = true
				rc := r
				p.Reverse = &rc
				break
			}
		}
		out = append(out, p)
	}
	return out
}
