package world

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Locker is the per-world exclusive section. Operations on different ids
// proceed concurrently; operations on the same id are serialized.
type Locker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is a one-token semaphore shared by every waiter on an id.
type slot struct {
	token chan struct{}
	refs  int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[string]*slot)}
}

func (l *Locker) ref(id string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{token: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *Locker) unref(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[id]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

// TryAcquire takes the section for id without waiting.
//
// Postcondition: Returns a release func, or ErrConflictingOperation if the id is held.
func (l *Locker) TryAcquire(id string) (release func(), err error) {
	s := l.ref(id)
	select {
	case s.token <- struct{}{}:
		return l.releaser(id, s), nil
	default:
		l.unref(id)
		return nil, fmt.Errorf("%w: world %q", ErrConflictingOperation, id)
	}
}

// Acquire takes the section for every id, queueing behind current holders.
// Ids are taken in sorted order so concurrent multi-id callers cannot deadlock.
//
// Postcondition: Returns a release func for all ids, or ctx.Err() with nothing held.
func (l *Locker) Acquire(ctx context.Context, ids ...string) (release func(), err error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, id := range sorted {
		s := l.ref(id)
		select {
		case s.token <- struct{}{}:
			held = append(held, l.releaser(id, s))
		case <-ctx.Done():
			l.unref(id)
			releaseAll()
			return nil, ctx.Err()
		}
	}
	return releaseAll, nil
}

func (l *Locker) releaser(id string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.token
			l.unref(id)
		})
	}
}
