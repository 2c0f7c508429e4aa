// Package local is an in-process world host: it lays out level storage on
// disk, tracks occupants through the session manager and asks generator
// plugins for fixed spawn points.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/worlds/internal/game/lifecycle"
	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/session"
	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/scripting"
	"github.com/cory-johannsen/worlds/internal/storage/filestore"
)

// LevelFile is the level descriptor written into every world directory.
const LevelFile = "level.dat"

// FixedSpawnHook is the generator plugin hook consulted for a new world's
// spawn. It receives (world id, seed, generator id) and returns nil or a table
// with x, y, z and optional yaw and pitch.
const FixedSpawnHook = "fixed_spawn"

// ErrFrozen is returned when saving a world that is frozen for export.
var ErrFrozen = errors.New("world is frozen")

// level is the content of LevelFile.
type level struct {
	Seed        int64             `yaml:"seed"`
	Type        world.Type        `yaml:"type"`
	Environment world.Environment `yaml:"environment"`
	Generator   string            `yaml:"generator,omitempty"`
	Preset      *world.Preset     `yaml:"preset,omitempty"`
	Spawn       world.Location    `yaml:"spawn"`
	LastSaved   time.Time         `yaml:"last_saved,omitempty"`
}

type handle struct {
	id     string
	path   string
	gen    world.GenerationSpec
	spawn  world.Location
	frozen bool
}

func (h *handle) WorldID() string      { return h.id }
func (h *handle) Spawn() world.Location { return h.spawn }

// Host implements lifecycle.Host in-process.
type Host struct {
	sessions *session.Manager
	scripts  *scripting.Manager
	logger   *zap.Logger
	now      func() time.Time
	// latency simulates chunk generation time on every Instantiate.
	latency time.Duration

	mu     sync.Mutex
	worlds map[string]*handle
}

var _ lifecycle.Host = (*Host)(nil)

// New creates a Host. scripts may be nil when no generator plugins are installed.
//
// Precondition: sessions and logger must be non-nil.
func New(sessions *session.Manager, scripts *scripting.Manager, logger *zap.Logger) *Host {
	return &Host{
		sessions: sessions,
		scripts:  scripts,
		logger:   logger,
		now:      time.Now,
		worlds:   make(map[string]*handle),
	}
}

// SetInstantiateLatency makes every Instantiate take at least d.
func (h *Host) SetInstantiateLatency(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latency = d
}

// Sessions returns the session manager occupancy is read from.
func (h *Host) Sessions() *session.Manager { return h.sessions }

// Instantiate lays out the world's storage if it is new and marks it live.
//
// Postcondition: The directory holds LevelFile, region/ and the dimension
// folder of the world's environment.
func (h *Host) Instantiate(ctx context.Context, in lifecycle.Instantiation) (lifecycle.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	_, dup := h.worlds[in.ID]
	latency := h.latency
	h.mu.Unlock()
	if dup {
		return nil, fmt.Errorf("world %q is already live", in.ID)
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	spawn := in.Spawn
	if spawn == (world.Location{}) {
		s, err := h.chooseSpawn(in.ID, in.Generation)
		if err != nil {
			return nil, err
		}
		spawn = s
	}
	if err := layout(in.StoragePath, in.Generation.Environment); err != nil {
		return nil, err
	}
	lvlPath := filepath.Join(in.StoragePath, LevelFile)
	if _, err := os.Stat(lvlPath); errors.Is(err, os.ErrNotExist) {
		if err := writeLevel(lvlPath, in.Generation, spawn, time.Time{}); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hd := &handle{id: in.ID, path: in.StoragePath, gen: in.Generation, spawn: spawn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.worlds[in.ID]; dup {
		return nil, fmt.Errorf("world %q is already live", in.ID)
	}
	h.worlds[in.ID] = hd
	h.logger.Info("world instantiated",
		zap.String("world", in.ID),
		zap.String("environment", string(in.Generation.Environment)),
	)
	return hd, nil
}

// chooseSpawn asks the world's generator plugin for a fixed spawn and falls
// back to the environment default.
func (h *Host) chooseSpawn(id string, gen world.GenerationSpec) (world.Location, error) {
	if gen.Generator == nil {
		return defaultSpawn(gen), nil
	}
	if h.scripts == nil {
		return world.Location{}, fmt.Errorf("%w: %q", scripting.ErrUnknownPlugin, gen.Generator.Plugin)
	}
	ret, err := h.scripts.CallHook(gen.Generator.Plugin, FixedSpawnHook,
		lua.LString(id), lua.LNumber(gen.Seed), lua.LString(gen.Generator.ID))
	if err != nil {
		return world.Location{}, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return defaultSpawn(gen), nil
	}
	loc, ok := tableLocation(tbl)
	if !ok {
		h.logger.Warn("ignoring malformed fixed spawn",
			zap.String("world", id),
			zap.String("plugin", gen.Generator.Plugin),
		)
		return defaultSpawn(gen), nil
	}
	return loc, nil
}

func tableLocation(tbl *lua.LTable) (world.Location, bool) {
	num := func(key string, required bool) (float64, bool) {
		v := tbl.RawGetString(key)
		n, ok := v.(lua.LNumber)
		if !ok {
			return 0, !required && v == lua.LNil
		}
		return float64(n), true
	}
	x, okX := num("x", true)
	y, okY := num("y", true)
	z, okZ := num("z", true)
	yaw, okYaw := num("yaw", false)
	pitch, okPitch := num("pitch", false)
	if !okX || !okY || !okZ || !okYaw || !okPitch {
		return world.Location{}, false
	}
	return world.Location{
		Position: world.Vec3{X: x, Y: y, Z: z},
		Yaw:      float32(yaw),
		Pitch:    float32(pitch),
	}, true
}

// defaultSpawn is the centre of the origin block at the environment's surface.
func defaultSpawn(gen world.GenerationSpec) world.Location {
	y := 64.0
	switch {
	case gen.Environment == world.EnvironmentNether:
		y = 32
	case gen.Environment == world.EnvironmentTheEnd:
		y = 49
	case gen.Type == world.TypeFlat:
		y = -60
	}
	return world.Location{Position: world.Vec3{X: 0.5, Y: y, Z: 0.5}}
}

// layout creates the region folder, plus DIM-1 for the nether and DIM1 for the end.
func layout(dir string, env world.Environment) error {
	dirs := []string{filepath.Join(dir, "region")}
	switch env {
	case world.EnvironmentNether:
		dirs = append(dirs, filepath.Join(dir, "DIM-1", "region"))
	case world.EnvironmentTheEnd:
		dirs = append(dirs, filepath.Join(dir, "DIM1", "region"))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func writeLevel(path string, gen world.GenerationSpec, spawn world.Location, saved time.Time) error {
	lvl := level{
		Seed:        gen.Seed,
		Type:        gen.Type,
		Environment: gen.Environment,
		Preset:      gen.Preset,
		Spawn:       spawn,
		LastSaved:   saved,
	}
	if gen.Generator != nil {
		lvl.Generator = gen.Generator.String()
	}
	data, err := yaml.Marshal(lvl)
	if err != nil {
		return err
	}
	return filestore.WriteFileAtomic(path, data, 0o644)
}

func (h *Host) lookup(hd lifecycle.Handle) (*handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	live, ok := h.worlds[hd.WorldID()]
	if !ok {
		return nil, fmt.Errorf("world %q is not live", hd.WorldID())
	}
	return live, nil
}

// save rewrites LevelFile with the current spawn and time.
func (h *Host) save(hd *handle) error {
	h.mu.Lock()
	frozen := hd.frozen
	h.mu.Unlock()
	if frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, hd.id)
	}
	return writeLevel(filepath.Join(hd.path, LevelFile), hd.gen, hd.spawn, h.now().UTC().Truncate(time.Second))
}

// Unload implements lifecycle.Host. Players still in the world are dropped.
func (h *Host) Unload(ctx context.Context, hd lifecycle.Handle, save bool) error {
	live, err := h.lookup(hd)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if save {
		if err := h.save(live); err != nil {
			return err
		}
	}
	for _, uid := range h.sessions.PlayerUIDsInWorld(live.id) {
		_ = h.sessions.RemovePlayer(uid)
	}
	h.mu.Lock()
	delete(h.worlds, live.id)
	h.mu.Unlock()
	h.logger.Info("world unloaded", zap.String("world", live.id), zap.Bool("saved", save))
	return nil
}

// OccupantCount implements lifecycle.Host.
func (h *Host) OccupantCount(hd lifecycle.Handle) int {
	return h.sessions.CountInWorld(hd.WorldID())
}

// Evacuate implements lifecycle.Host.
func (h *Host) Evacuate(ctx context.Context, hd lifecycle.Handle, dest link.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := h.sessions.MoveAll(hd.WorldID(), dest.World, dest.Location, fmt.Sprintf("%s is closing", hd.WorldID()))
	h.logger.Debug("occupants moved", zap.String("world", hd.WorldID()), zap.String("to", dest.World), zap.Int("players", n))
	return nil
}

// SaveAndFreeze implements lifecycle.Host.
func (h *Host) SaveAndFreeze(ctx context.Context, hd lifecycle.Handle) error {
	live, err := h.lookup(hd)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.save(live); err != nil {
		return err
	}
	h.mu.Lock()
	live.frozen = true
	h.mu.Unlock()
	return nil
}

// Thaw implements lifecycle.Host.
func (h *Host) Thaw(_ context.Context, hd lifecycle.Handle) error {
	live, err := h.lookup(hd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	live.frozen = false
	h.mu.Unlock()
	return nil
}

// Live implements lifecycle.Host.
func (h *Host) Live(id string) (lifecycle.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.worlds[id]
	if !ok {
		return nil, false
	}
	return hd, true
}

// Frozen reports whether id is frozen for export.
func (h *Host) Frozen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.worlds[id]
	return ok && hd.frozen
}
