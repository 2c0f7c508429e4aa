package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worlds/internal/game/lifecycle"
	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/storage/memstore"
	"github.com/cory-johannsen/worlds/internal/testutil"
)

type fixture struct {
	svc   *lifecycle.Service
	store *memstore.Store
	host  *testutil.FakeHost
	root  string
}

func (f *fixture) manager() *lifecycle.Manager { return f.svc.Lifecycle }

func config(root string) lifecycle.ServiceConfig {
	return lifecycle.ServiceConfig{
		Manager: lifecycle.Config{
			Root:         root,
			HostTimeout:  2 * time.Second,
			DefaultWorld: "overworld",
		},
	}
}

// build wires a service over store and host without opening it.
func build(t *testing.T, store *memstore.Store, host *testutil.FakeHost, mutate ...func(*lifecycle.ServiceConfig)) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "worlds")
	cfg := config(root)
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc := lifecycle.NewService(cfg, store, host, zaptest.NewLogger(t), nil)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return &fixture{svc: svc, store: store, host: host, root: cfg.Manager.Root}
}

func newFixture(t *testing.T, mutate ...func(*lifecycle.ServiceConfig)) *fixture {
	t.Helper()
	f := build(t, memstore.New(), testutil.NewFakeHost(), mutate...)
	require.NoError(t, f.svc.Open(context.Background()))
	return f
}

func wait(t testing.TB, task *lifecycle.Task) error {
	t.Helper()
	select {
	case <-task.Done():
		return task.Err()
	case <-time.After(10 * time.Second):
		t.Fatalf("%s %s did not finish", task.Kind, task.WorldID)
		return nil
	}
}

func seedSpec(seed int64) world.GenerationSpec {
	return world.GenerationSpec{Seed: seed, Environment: world.EnvironmentNormal}
}

func (f *fixture) create(t *testing.T, id string, gen world.GenerationSpec) world.World {
	t.Helper()
	task, err := f.manager().Create(context.Background(), id, gen)
	require.NoError(t, err)
	require.NoError(t, wait(t, task))
	w, ok := f.manager().Get(id)
	require.True(t, ok)
	return w
}

func ids(worlds []world.World) []string {
	out := make([]string, 0, len(worlds))
	for _, w := range worlds {
		out = append(out, w.ID)
	}
	return out
}

func TestCreate_BecomesActive(t *testing.T) {
	f := newFixture(t)
	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	assert.Equal(t, lifecycle.KindCreate, task.Kind)
	assert.Equal(t, "skyland", task.WorldID)
	require.NoError(t, wait(t, task))

	w, ok := f.manager().Get("skyland")
	require.True(t, ok)
	assert.Equal(t, world.StatusActive, w.Status)
	assert.Equal(t, int64(42), w.Generation.Seed)
	assert.Equal(t, world.TypeNormal, w.Generation.Type, "defaults are filled")
	assert.Equal(t, testutil.DefaultSpawn, w.Spawn, "spawn comes from the host")
	assert.Equal(t, filepath.Join(f.root, "skyland"), w.StoragePath)
	assert.DirExists(t, w.StoragePath)

	stored, ok := f.store.World("skyland")
	require.True(t, ok)
	assert.Equal(t, w, stored)
	_, live := f.host.Live("skyland")
	assert.True(t, live)
	assert.False(t, task.Cancel(), "finished tasks cannot be cancelled")
}

func TestCreate_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager().Create(context.Background(), "Bad Name", seedSpec(1))
	assert.ErrorIs(t, err, world.ErrInvalidArgument)
	_, err = f.manager().Create(context.Background(), "ok", world.GenerationSpec{Type: "cubic"})
	assert.ErrorIs(t, err, world.ErrInvalidArgument)
	_, err = f.manager().Create(context.Background(), "ok", world.GenerationSpec{
		Preset: &world.Preset{Layers: []world.Layer{{Block: "stone", Height: 3}}},
	})
	assert.ErrorIs(t, err, world.ErrInvalidArgument, "preset needs a flat world")
	assert.Empty(t, f.manager().List())
}

func TestCreate_FlatPresetIsRecorded(t *testing.T) {
	f := newFixture(t)
	preset := &world.Preset{Biome: "plains", Layers: []world.Layer{{Block: "bedrock", Height: 1}, {Block: "sand", Height: 4}}}
	w := f.create(t, "beach", world.GenerationSpec{Seed: 3, Type: world.TypeFlat, Preset: preset})

	assert.Equal(t, preset, w.Generation.Preset)
	stored, ok := f.store.World("beach")
	require.True(t, ok)
	assert.Equal(t, preset, stored.Generation.Preset)
}

func TestCreate_DuplicateIDLeavesRegistryUnchanged(t *testing.T) {
	f := newFixture(t)
	f.create(t, "overworld", seedSpec(1))
	f.create(t, "skyland", seedSpec(42))
	before := f.manager().List()

	_, err := f.manager().Create(context.Background(), "skyland", seedSpec(7))
	assert.ErrorIs(t, err, world.ErrDuplicateID)
	assert.Equal(t, before, f.manager().List())
}

func TestCreate_StaleStorageDirectoryIsDuplicate(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "leftover"), 0o755))
	_, err := f.manager().Create(context.Background(), "leftover", seedSpec(1))
	assert.ErrorIs(t, err, world.ErrDuplicateID)
}

func TestCreate_StorageFaultThenRetrySucceeds(t *testing.T) {
	tests := []struct {
		name string
		skip int
	}{
		{"loading record", 0},
		{"active record", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.create(t, "overworld", seedSpec(1))
			f.store.FailAfter(memstore.OpPersistWorld, tt.skip, 1)

			task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
			require.NoError(t, err)
			err = wait(t, task)
			require.Error(t, err)
			assert.ErrorIs(t, err, world.ErrStorage)
			var rb *world.RollbackError
			assert.False(t, errors.As(err, &rb), "rollback completes cleanly")

			_, ok := f.manager().Get("skyland")
			assert.False(t, ok, "world is not in the registry")
			_, ok = f.store.World("skyland")
			assert.False(t, ok, "no record remains")
			assert.NoDirExists(t, filepath.Join(f.root, "skyland"))
			_, live := f.host.Live("skyland")
			assert.False(t, live)

			_, err = f.svc.Links.CreateLink(context.Background(), link.Spec{
				SourceWorld:  "overworld",
				SourceAnchor: world.Anchor{Kind: "north"},
				TargetWorld:  "skyland",
				TargetAnchor: world.Anchor{Kind: "south"},
			})
			assert.ErrorIs(t, err, world.ErrWorldNotFound)

			w := f.create(t, "skyland", seedSpec(42))
			assert.Equal(t, world.StatusActive, w.Status)
		})
	}
}

func TestCreate_HostFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.host.FailNext(testutil.OpInstantiate, nil)

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	err = wait(t, task)
	assert.ErrorIs(t, err, world.ErrHostFacility)
	assert.ErrorIs(t, err, testutil.ErrHostFault)
	assert.Empty(t, f.manager().List())
	assert.NoDirExists(t, filepath.Join(f.root, "skyland"))
}

func TestCreate_HostTimeoutUnloadsLateWorld(t *testing.T) {
	f := newFixture(t, func(c *lifecycle.ServiceConfig) {
		c.Manager.HostTimeout = 50 * time.Millisecond
	})
	f.host.HangAfterInstantiate("skyland")

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	err = wait(t, task)
	assert.ErrorIs(t, err, world.ErrHostTimeout)

	_, live := f.host.Live("skyland")
	assert.False(t, live, "rollback unloads the world the host brought up")
	assert.Contains(t, f.host.Calls(), "unload skyland")
	_, ok := f.manager().Get("skyland")
	assert.False(t, ok)
}

func TestCreate_HostTimeoutWaitsForSlowInstantiate(t *testing.T) {
	f := newFixture(t, func(c *lifecycle.ServiceConfig) {
		c.Manager.HostTimeout = 30 * time.Millisecond
	})
	f.host.LagInstantiate("skyland", 100*time.Millisecond)

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, task), world.ErrHostTimeout)

	_, live := f.host.Live("skyland")
	assert.False(t, live, "rollback runs after the slow call returned")
	assert.NoDirExists(t, filepath.Join(f.root, "skyland"))
	_, ok := f.manager().Get("skyland")
	assert.False(t, ok)
}

func TestCreate_LateInstantiateIsDiscarded(t *testing.T) {
	f := newFixture(t, func(c *lifecycle.ServiceConfig) {
		c.Manager.HostTimeout = 30 * time.Millisecond
	})
	f.host.LagInstantiate("skyland", 600*time.Millisecond)

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, task), world.ErrHostTimeout)
	_, ok := f.manager().Get("skyland")
	assert.False(t, ok)

	require.NoError(t, f.svc.Close(context.Background()), "close waits for the late cleanup")
	_, live := f.host.Live("skyland")
	assert.False(t, live, "late world is unloaded")
	assert.Contains(t, f.host.Calls(), "unload skyland")
	assert.NoDirExists(t, filepath.Join(f.root, "skyland"), "storage the late call laid out is removed")
}

func TestCreate_RollbackFailureIsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.host.FailNext(testutil.OpInstantiate, nil)
	f.store.FailOn(memstore.OpDeleteWorld, 1)

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	err = wait(t, task)

	var rb *world.RollbackError
	require.ErrorAs(t, err, &rb)
	assert.ErrorIs(t, err, world.ErrHostFacility)
	assert.ErrorIs(t, err, world.ErrStorage)
	require.Len(t, rb.Failures, 1)
	assert.Contains(t, rb.Failures[0].Error(), "delete world record")
}

func TestCreate_CancelRollsBack(t *testing.T) {
	f := newFixture(t)
	unblock, entered := f.host.Block(testutil.OpInstantiate)
	defer unblock()

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	<-entered

	w, ok := f.manager().Get("skyland")
	require.True(t, ok)
	assert.Equal(t, world.StatusLoading, w.Status, "in-flight create is visible as loading")
	assert.Len(t, f.manager().Running(), 1)

	require.True(t, task.Cancel())
	err = wait(t, task)
	assert.ErrorIs(t, err, world.ErrCancelled)
	_, ok = f.manager().Get("skyland")
	assert.False(t, ok)
	assert.NoDirExists(t, filepath.Join(f.root, "skyland"))
	assert.Empty(t, f.manager().Running())
}

func TestCreate_ConcurrentOperationOnSameWorldConflicts(t *testing.T) {
	f := newFixture(t)
	unblock, entered := f.host.Block(testutil.OpInstantiate)

	task, err := f.manager().Create(context.Background(), "skyland", seedSpec(42))
	require.NoError(t, err)
	<-entered

	_, err = f.manager().Create(context.Background(), "skyland", seedSpec(42))
	assert.ErrorIs(t, err, world.ErrConflictingOperation)
	_, err = f.manager().SetSpawn(context.Background(), "skyland", world.Location{})
	assert.ErrorIs(t, err, world.ErrConflictingOperation)
	_, err = f.manager().Delete(context.Background(), "skyland", lifecycle.DeleteOptions{})
	assert.ErrorIs(t, err, world.ErrConflictingOperation)

	other, err := f.manager().Create(context.Background(), "other", seedSpec(1))
	require.NoError(t, err, "different ids proceed concurrently")

	unblock()
	require.NoError(t, wait(t, task))
	require.NoError(t, wait(t, other))
}

func TestResolve_NotBlockedByInFlightCreate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "overworld", seedSpec(1))
	f.create(t, "skyland", seedSpec(42))
	_, err := f.svc.Links.CreateLink(context.Background(), link.Spec{
		SourceWorld:  "skyland",
		SourceAnchor: world.Anchor{Kind: "north-portal", Min: world.Vec3{X: 0, Y: 60, Z: 0}, Max: world.Vec3{X: 4, Y: 64, Z: 0}},
		TargetWorld:  "overworld",
		TargetAnchor: world.Anchor{Kind: "spawn-portal", Min: world.Vec3{X: 100, Y: 70, Z: 100}, Max: world.Vec3{X: 104, Y: 74, Z: 100}},
	})
	require.NoError(t, err)

	unblock, entered := f.host.Block(testutil.OpInstantiate)
	defer unblock()
	task, err := f.manager().Create(context.Background(), "slow", seedSpec(9))
	require.NoError(t, err)
	<-entered

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		start := time.Now()
		dest, ok := f.svc.Resolver.Resolve(link.Transition{
			World:    "skyland",
			Anchor:   "north-portal",
			Location: world.Location{Position: world.Vec3{X: 2, Y: 62, Z: 0}},
		})
		require.True(t, ok)
		assert.Equal(t, "overworld", dest.World)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
	}
	unblock()
	require.NoError(t, wait(t, task))
}

func TestCreate_ClosedServiceRejects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Close(context.Background()))
	_, err := f.manager().Create(context.Background(), "late", seedSpec(1))
	assert.ErrorIs(t, err, world.ErrClosed)
	_, err = f.manager().SetSpawn(context.Background(), "late", world.Location{})
	assert.ErrorIs(t, err, world.ErrClosed)
}

func TestCreate_ClosedServiceRejectsLinkMutations(t *testing.T) {
	f := newFixture(t)
	f.create(t, "overworld", seedSpec(1))
	f.create(t, "skyland", seedSpec(42))
	spec := link.Spec{
		SourceWorld:  "skyland",
		SourceAnchor: world.Anchor{Kind: "north-portal", Min: world.Vec3{X: 0, Y: 60, Z: 0}, Max: world.Vec3{X: 4, Y: 64, Z: 0}},
		TargetWorld:  "overworld",
		TargetAnchor: world.Anchor{Kind: "spawn-portal", Min: world.Vec3{X: 100, Y: 70, Z: 100}, Max: world.Vec3{X: 104, Y: 74, Z: 100}},
	}
	l, err := f.svc.Links.CreateLink(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, f.svc.Close(context.Background()))

	spec.SourceAnchor.Kind = "east-portal"
	_, err = f.svc.Links.CreateLink(context.Background(), spec)
	assert.ErrorIs(t, err, world.ErrClosed)
	assert.ErrorIs(t, f.svc.Links.DeleteLink(context.Background(), l.ID), world.ErrClosed)
	assert.ErrorIs(t, f.svc.Links.DeleteLinksReferencing(context.Background(), "skyland"), world.ErrClosed)

	got, ok := f.svc.Links.Get(l.ID)
	require.True(t, ok, "reads keep serving after close")
	assert.Equal(t, l, got)
}
