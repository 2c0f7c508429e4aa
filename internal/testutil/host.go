package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cory-johannsen/worlds/internal/game/lifecycle"
	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Host operation names accepted by FailNext, Block and Calls.
const (
	OpInstantiate = "instantiate"
	OpUnload      = "unload"
	OpEvacuate    = "evacuate"
	OpFreeze      = "freeze"
	OpThaw        = "thaw"
)

// DefaultSpawn is the spawn FakeHost reports for new worlds.
var DefaultSpawn = world.Location{Position: world.Vec3{X: 0.5, Y: 64, Z: 0.5}}

// ErrHostFault is the cause of faults injected with FailNext.
var ErrHostFault = errors.New("injected host fault")

// FakeHandle is the handle FakeHost returns.
type FakeHandle struct {
	id    string
	spawn world.Location
}

// WorldID implements lifecycle.Handle.
func (h *FakeHandle) WorldID() string { return h.id }

// Spawn implements lifecycle.Handle.
func (h *FakeHandle) Spawn() world.Location { return h.spawn }

// FakeHost is a scriptable lifecycle.Host. Instantiate writes a minimal level
// layout into the storage directory so exports have something to copy.
type FakeHost struct {
	mu        sync.Mutex
	live      map[string]*FakeHandle
	occupants map[string]int
	frozen    map[string]bool
	faults    map[string]error
	blocks    map[string]*blocker
	hang      map[string]bool
	lag       map[string]time.Duration
	evacuated map[string]link.Destination
	calls     []string
}

var _ lifecycle.Host = (*FakeHost)(nil)

// NewFakeHost creates a FakeHost with no live worlds.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		live:      make(map[string]*FakeHandle),
		occupants: make(map[string]int),
		frozen:    make(map[string]bool),
		faults:    make(map[string]error),
		blocks:    make(map[string]*blocker),
		hang:      make(map[string]bool),
		lag:       make(map[string]time.Duration),
		evacuated: make(map[string]link.Destination),
	}
}

// FailNext makes the next call of op return err, or ErrHostFault when err is nil.
func (h *FakeHost) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		err = ErrHostFault
	}
	h.faults[op] = err
}

type blocker struct {
	release chan struct{}
	entered chan struct{}
}

// Block makes calls of op wait until the returned func is called or their
// context ends. entered receives once per blocked call.
func (h *FakeHost) Block(op string) (unblock func(), entered <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &blocker{release: make(chan struct{}), entered: make(chan struct{}, 16)}
	h.blocks[op] = b
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.blocks, op)
			h.mu.Unlock()
			close(b.release)
		})
	}, b.entered
}

// HangAfterInstantiate makes instantiating id bring the world live and then
// never report completion, as a host that misses its deadline would.
func (h *FakeHost) HangAfterInstantiate(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hang[id] = true
}

// LagInstantiate makes instantiating id sleep for d, ignoring its context,
// before laying out storage and bringing the world live, as a host that
// finishes long after its deadline would.
func (h *FakeHost) LagInstantiate(id string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lag[id] = d
}

// SetOccupants sets the occupant count of id.
func (h *FakeHost) SetOccupants(id string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.occupants[id] = n
}

// MarkLive makes id live without going through Instantiate.
func (h *FakeHost) MarkLive(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live[id] = &FakeHandle{id: id, spawn: DefaultSpawn}
}

// Frozen reports whether id is between SaveAndFreeze and Thaw.
func (h *FakeHost) Frozen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frozen[id]
}

// Evacuated returns where the occupants of id were last sent.
func (h *FakeHost) Evacuated(id string) (link.Destination, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.evacuated[id]
	return d, ok
}

// Calls returns every call made so far as "op id".
func (h *FakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// enter records a call and applies any injected fault or block.
func (h *FakeHost) enter(ctx context.Context, op, id string) error {
	h.mu.Lock()
	h.calls = append(h.calls, op+" "+id)
	if err, ok := h.faults[op]; ok {
		delete(h.faults, op)
		h.mu.Unlock()
		return err
	}
	b := h.blocks[op]
	h.mu.Unlock()

	if b == nil {
		return nil
	}
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Instantiate implements lifecycle.Host.
func (h *FakeHost) Instantiate(ctx context.Context, in lifecycle.Instantiation) (lifecycle.Handle, error) {
	if err := h.enter(ctx, OpInstantiate, in.ID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	lag := h.lag[in.ID]
	h.mu.Unlock()
	time.Sleep(lag)
	if err := writeLevel(in.StoragePath, in.Generation); err != nil {
		return nil, err
	}
	spawn := in.Spawn
	if spawn == (world.Location{}) {
		spawn = DefaultSpawn
	}
	handle := &FakeHandle{id: in.ID, spawn: spawn}

	h.mu.Lock()
	if _, dup := h.live[in.ID]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("world %s already live", in.ID)
	}
	h.live[in.ID] = handle
	hang := h.hang[in.ID]
	h.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return handle, nil
}

func writeLevel(dir string, gen world.GenerationSpec) error {
	if err := os.MkdirAll(filepath.Join(dir, "region"), 0o755); err != nil {
		return err
	}
	level := filepath.Join(dir, "level.dat")
	if _, err := os.Stat(level); err == nil {
		return nil
	}
	data := fmt.Sprintf("seed=%d\ntype=%s\nenvironment=%s\n", gen.Seed, gen.Type, gen.Environment)
	if err := os.WriteFile(level, []byte(data), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "region", "r.0.0.mca"), []byte("chunks:"+data), 0o644)
}

// Unload implements lifecycle.Host.
func (h *FakeHost) Unload(ctx context.Context, handle lifecycle.Handle, _ bool) error {
	if err := h.enter(ctx, OpUnload, handle.WorldID()); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, handle.WorldID())
	delete(h.occupants, handle.WorldID())
	return nil
}

// OccupantCount implements lifecycle.Host.
func (h *FakeHost) OccupantCount(handle lifecycle.Handle) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.occupants[handle.WorldID()]
}

// Evacuate implements lifecycle.Host.
func (h *FakeHost) Evacuate(ctx context.Context, handle lifecycle.Handle, dest link.Destination) error {
	if err := h.enter(ctx, OpEvacuate, handle.WorldID()); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := handle.WorldID()
	h.occupants[dest.World] += h.occupants[id]
	h.occupants[id] = 0
	h.evacuated[id] = dest
	return nil
}

// SaveAndFreeze implements lifecycle.Host.
func (h *FakeHost) SaveAndFreeze(ctx context.Context, handle lifecycle.Handle) error {
	if err := h.enter(ctx, OpFreeze, handle.WorldID()); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frozen[handle.WorldID()] = true
	return nil
}

// Thaw implements lifecycle.Host.
func (h *FakeHost) Thaw(ctx context.Context, handle lifecycle.Handle) error {
	if err := h.enter(ctx, OpThaw, handle.WorldID()); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.frozen, handle.WorldID())
	return nil
}

// Live implements lifecycle.Host.
func (h *FakeHost) Live(id string) (lifecycle.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.live[id]
	if !ok {
		return nil, false
	}
	return handle, true
}
