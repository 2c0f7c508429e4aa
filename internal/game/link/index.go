// Package link maintains directional links between world anchors: the
// lock-free link index, the link manager and the transition resolver.
package link

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Destination is where a resolved transition lands.
type Destination struct {
	World    string
	Location world.Location
}

// Event is an incremental index update.
type Event interface{ isEvent() }

// LinkAdded inserts or replaces a link.
type LinkAdded struct{ Link world.Link }

// LinkRemoved drops a link by id.
type LinkRemoved struct{ ID world.LinkID }

// WorldRemoved drops every link with the world as source or target.
type WorldRemoved struct{ WorldID string }

func (LinkAdded) isEvent()    {}
func (LinkRemoved) isEvent()  {}
func (WorldRemoved) isEvent() {}

// indexSnapshot is immutable once published.
type indexSnapshot struct {
	links map[world.LinkID]world.Link
	order []world.LinkID
	// dependents is the reverse index: world id -> ids of links referencing it.
	dependents map[string]map[world.LinkID]struct{}
}

func emptySnapshot() *indexSnapshot {
	return &indexSnapshot{
		links:      map[world.LinkID]world.Link{},
		dependents: map[string]map[world.LinkID]struct{}{},
	}
}

func (s *indexSnapshot) clone() *indexSnapshot {
	next := &indexSnapshot{
		links:      make(map[world.LinkID]world.Link, len(s.links)+1),
		order:      append(make([]world.LinkID, 0, len(s.order)+1), s.order...),
		dependents: make(map[string]map[world.LinkID]struct{}, len(s.dependents)+2),
	}
	for id, l := range s.links {
		next.links[id] = l
	}
	for wid, set := range s.dependents {
		cp := make(map[world.LinkID]struct{}, len(set)+1)
		for id := range set {
			cp[id] = struct{}{}
		}
		next.dependents[wid] = cp
	}
	return next
}

func (s *indexSnapshot) add(l world.Link) {
	if _, exists := s.links[l.ID]; exists {
		s.remove(l.ID)
	}
	s.links[l.ID] = l
	s.order = append(s.order, l.ID)
	for _, wid := range []string{l.SourceWorld, l.TargetWorld} {
		set, ok := s.dependents[wid]
		if !ok {
			set = make(map[world.LinkID]struct{})
			s.dependents[wid] = set
		}
		set[l.ID] = struct{}{}
	}
}

func (s *indexSnapshot) remove(id world.LinkID) bool {
	l, ok := s.links[id]
	if !ok {
		return false
	}
	delete(s.links, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	for _, wid := range []string{l.SourceWorld, l.TargetWorld} {
		if set, ok := s.dependents[wid]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.dependents, wid)
			}
		}
	}
	return true
}

// Index maps (source world, anchor kind) to a link. Resolve never locks;
// writers serialize on mu and swap in a new snapshot.
type Index struct {
	mu   sync.Mutex
	snap atomic.Pointer[indexSnapshot]
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(emptySnapshot())
	return idx
}

// Resolve maps a coordinate inside the source anchor to the linked target.
//
// Postcondition: Returns the destination, or ErrNoMatch if no link exists for
// (worldID, kind) or coord lies outside the source anchor.
func (idx *Index) Resolve(worldID string, kind world.AnchorKind, coord world.Vec3) (Destination, error) {
	l, ok := idx.snap.Load().links[world.NewLinkID(worldID, kind)]
	if !ok {
		return Destination{}, world.ErrNoMatch
	}
	p, ok := Project(l.SourceAnchor, l.TargetAnchor, coord)
	if !ok {
		return Destination{}, world.ErrNoMatch
	}
	return Destination{World: l.TargetWorld, Location: world.Location{Position: p}}, nil
}

// Get returns the link with the given id.
func (idx *Index) Get(id world.LinkID) (world.Link, bool) {
	l, ok := idx.snap.Load().links[id]
	return l, ok
}

// List returns every link in creation order.
func (idx *Index) List() []world.Link {
	s := idx.snap.Load()
	out := make([]world.Link, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.links[id])
	}
	return out
}

// Len returns the number of indexed links.
func (idx *Index) Len() int {
	return len(idx.snap.Load().order)
}

// Referencing returns the links whose source or target is worldID, in creation order.
//
// Postcondition: Runs in time proportional to the number of dependents, not the index size.
func (idx *Index) Referencing(worldID string) []world.Link {
	s := idx.snap.Load()
	set := s.dependents[worldID]
	out := make([]world.Link, 0, len(set))
	for id := range set {
		out = append(out, s.links[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Rebuild replaces the whole index with links, keeping their order.
//
// Postcondition: Readers observe either the old or the new index, never a mix.
func (idx *Index) Rebuild(links []world.Link) {
	next := emptySnapshot()
	for _, l := range links {
		next.add(l)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.snap.Store(next)
}

// Apply performs one incremental update.
//
// Postcondition: Returns true if the index changed.
func (idx *Index) Apply(ev Event) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	var next *indexSnapshot
	switch e := ev.(type) {
	case LinkAdded:
		next = cur.clone()
		next.add(e.Link)
	case LinkRemoved:
		if _, ok := cur.links[e.ID]; !ok {
			return false
		}
		next = cur.clone()
		next.remove(e.ID)
	case WorldRemoved:
		set := cur.dependents[e.WorldID]
		if len(set) == 0 {
			return false
		}
		next = cur.clone()
		for id := range set {
			next.remove(id)
		}
	default:
		return false
	}
	idx.snap.Store(next)
	return true
}

// WorldUpserted implements world.Listener.
func (idx *Index) WorldUpserted(world.World) {}

// WorldRemoved implements world.Listener by dropping the world's dependents.
func (idx *Index) WorldRemoved(id string) {
	idx.Apply(WorldRemoved{WorldID: id})
}
