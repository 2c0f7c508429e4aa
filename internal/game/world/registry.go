package world

import (
	"sync"
	"sync/atomic"
)

// Listener observes registry mutations. Callbacks run synchronously, in
// registration order, before the mutating call returns. A listener must not
// mutate the registry from inside a callback.
type Listener interface {
	WorldUpserted(w World)
	WorldRemoved(id string)
}

// registrySnapshot is immutable once published.
type registrySnapshot struct {
	worlds map[string]World
	order  []string
}

// Registry is the authoritative in-memory set of managed worlds.
// Reads are lock-free against an atomically swapped snapshot; writers
// serialize on mu and publish a fresh copy.
type Registry struct {
	mu        sync.Mutex
	snap      atomic.Pointer[registrySnapshot]
	listeners []Listener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&registrySnapshot{worlds: map[string]World{}})
	return r
}

// Subscribe registers l for mutation callbacks.
//
// Precondition: l must be non-nil.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Get returns the world with the given id.
//
// Postcondition: Returns (world, true) if found, or (World{}, false) otherwise.
func (r *Registry) Get(id string) (World, bool) {
	w, ok := r.snap.Load().worlds[id]
	return w, ok
}

// List returns all worlds in creation order.
//
// Postcondition: Returns a non-nil slice owned by the caller.
func (r *Registry) List() []World {
	s := r.snap.Load()
	out := make([]World, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.worlds[id])
	}
	return out
}

// Len returns the number of registered worlds.
func (r *Registry) Len() int {
	return len(r.snap.Load().order)
}

// Upsert inserts w or replaces the entry with the same id. New ids are
// appended to the creation order.
//
// Precondition: w.ID must be non-empty.
// Postcondition: Get(w.ID) returns w and listeners have observed it.
func (r *Registry) Upsert(w World) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := &registrySnapshot{
		worlds: make(map[string]World, len(cur.worlds)+1),
		order:  cur.order,
	}
	for id, existing := range cur.worlds {
		next.worlds[id] = existing
	}
	if _, exists := cur.worlds[w.ID]; !exists {
		next.order = append(append(make([]string, 0, len(cur.order)+1), cur.order...), w.ID)
	}
	next.worlds[w.ID] = w
	r.snap.Store(next)

	for _, l := range r.listeners {
		l.WorldUpserted(w)
	}
}

// Remove deletes the world with the given id. Removing an unknown id is a no-op
// and notifies nobody.
//
// Postcondition: Get(id) reports false and listeners have observed the removal.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.worlds[id]; !exists {
		return
	}
	next := &registrySnapshot{
		worlds: make(map[string]World, len(cur.worlds)),
		order:  make([]string, 0, len(cur.order)),
	}
	for wid, w := range cur.worlds {
		if wid != id {
			next.worlds[wid] = w
		}
	}
	for _, wid := range cur.order {
		if wid != id {
			next.order = append(next.order, wid)
		}
	}
	r.snap.Store(next)

	for _, l := range r.listeners {
		l.WorldRemoved(id)
	}
}
