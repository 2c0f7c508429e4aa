package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

func TestAnchorForPortal(t *testing.T) {
	cases := []struct {
		env  world.Environment
		pt   PortalType
		want world.AnchorKind
		ok   bool
	}{
		{world.EnvironmentNormal, PortalNether, AnchorNether, true},
		{world.EnvironmentNether, PortalNether, AnchorOverworld, true},
		{world.EnvironmentTheEnd, PortalNether, AnchorNether, true},
		{world.EnvironmentNormal, PortalEnd, AnchorTheEnd, true},
		{world.EnvironmentNether, PortalEnd, AnchorTheEnd, true},
		{world.EnvironmentTheEnd, PortalEnd, AnchorOverworld, true},
		{world.EnvironmentNormal, PortalType("gateway"), "", false},
		{world.Environment("void"), PortalNether, "", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.env)+"/"+string(tc.pt), func(t *testing.T) {
			got, ok := AnchorForPortal(tc.env, tc.pt)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolver_SkylandRoundTrip(t *testing.T) {
	f := newFixture(t, activeWorld("overworld", world.EnvironmentNormal), activeWorld("skyland", world.EnvironmentNormal))
	ctx := context.Background()
	_, err := f.manager.CreateLink(ctx, Spec{
		SourceWorld:  "overworld",
		SourceAnchor: region("north-portal", 100, 64, 200, 103, 67, 200),
		TargetWorld:  "skyland",
		TargetAnchor: region("spawn-portal", 0, 120, 0, 3, 123, 0),
	})
	require.NoError(t, err)
	_, err = f.manager.CreateLink(ctx, Spec{
		SourceWorld:  "skyland",
		SourceAnchor: region("spawn-portal", 0, 120, 0, 3, 123, 0),
		TargetWorld:  "overworld",
		TargetAnchor: region("north-portal", 100, 64, 200, 103, 67, 200),
	})
	require.NoError(t, err)

	r := NewResolver(f.index, f.registry, f.counts)
	in := world.Location{Position: world.Vec3{X: 101, Y: 65, Z: 200}, Yaw: 90, Pitch: -10}
	there, ok := r.Resolve(Transition{World: "overworld", Anchor: "north-portal", Location: in})
	require.True(t, ok)
	assert.Equal(t, "skyland", there.World)
	assert.Equal(t, world.Vec3{X: 1, Y: 121, Z: 0}, there.Location.Position)
	assert.Equal(t, float32(90), there.Location.Yaw)
	assert.Equal(t, float32(-10), there.Location.Pitch)

	back, ok := r.Resolve(Transition{World: "skyland", Anchor: "spawn-portal", Location: there.Location})
	require.True(t, ok)
	assert.Equal(t, "overworld", back.World)
	assert.Equal(t, in.Position, back.Location.Position)
	assert.Equal(t, 2, f.counts.hits)
}

func TestResolver_NoLinkCases(t *testing.T) {
	f := newFixture(t,
		activeWorld("overworld", world.EnvironmentNormal),
		activeWorld("skyland", world.EnvironmentNormal).WithStatus(world.StatusUnloaded))
	_, err := f.manager.CreateLink(context.Background(), portalSpec("overworld", "north", "skyland"))
	require.NoError(t, err)
	r := NewResolver(f.index, f.registry, f.counts)
	loc := world.Location{Position: world.Vec3{X: 1, Y: 65}}

	d, ok := r.Resolve(Transition{World: "overworld", Anchor: "north", Location: loc})
	assert.False(t, ok, "target not active")
	assert.Equal(t, NoLink, d)

	_, ok = r.Resolve(Transition{World: "overworld", Anchor: "south", Location: loc})
	assert.False(t, ok, "no link for anchor")

	f.registry.Upsert(activeWorld("skyland", world.EnvironmentNormal))
	_, ok = r.Resolve(Transition{World: "overworld", Anchor: "north", Location: loc})
	assert.True(t, ok, "resolves once the target is active")

	f.registry.Upsert(activeWorld("skyland", world.EnvironmentNormal).WithStatus(world.StatusUnloading))
	_, ok = r.Resolve(Transition{World: "overworld", Anchor: "north", Location: loc})
	assert.False(t, ok, "unloading target")

	assert.Equal(t, 1, f.counts.hits)
	assert.Equal(t, 3, f.counts.misses)
}

func TestResolver_ResolvePortal(t *testing.T) {
	f := newFixture(t, activeWorld("overworld", world.EnvironmentNormal), activeWorld("hell", world.EnvironmentNether))
	ctx := context.Background()
	_, err := f.manager.CreateLink(ctx, portalSpec("overworld", AnchorNether, "hell"))
	require.NoError(t, err)
	_, err = f.manager.CreateLink(ctx, portalSpec("hell", AnchorOverworld, "overworld"))
	require.NoError(t, err)
	r := NewResolver(f.index, f.registry, nil)
	loc := world.Location{Position: world.Vec3{X: 2, Y: 66}}

	d, ok := r.ResolvePortal("overworld", PortalNether, loc)
	require.True(t, ok)
	assert.Equal(t, "hell", d.World)

	d, ok = r.ResolvePortal("hell", PortalNether, loc)
	require.True(t, ok)
	assert.Equal(t, "overworld", d.World)

	_, ok = r.ResolvePortal("overworld", PortalEnd, loc)
	assert.False(t, ok)
	_, ok = r.ResolvePortal("missing", PortalNether, loc)
	assert.False(t, ok)
}

func TestResolver_DeletedWorldLinksStopResolving(t *testing.T) {
	f := newFixture(t, activeWorld("overworld", world.EnvironmentNormal), activeWorld("skyland", world.EnvironmentNormal))
	_, err := f.manager.CreateLink(context.Background(), portalSpec("overworld", "north", "skyland"))
	require.NoError(t, err)
	r := NewResolver(f.index, f.registry, nil)

	f.registry.Remove("skyland")
	_, ok := r.Resolve(Transition{World: "overworld", Anchor: "north", Location: world.Location{Position: world.Vec3{X: 1, Y: 65}}})
	assert.False(t, ok)
	assert.Equal(t, 0, f.index.Len(), "registry removal cascades into the index")
}

// Resolve stays responsive while a writer holds the world sections and the
// link manager mutex.
func TestResolver_NotBlockedByWriters(t *testing.T) {
	f := newFixture(t, activeWorld("overworld", world.EnvironmentNormal), activeWorld("skyland", world.EnvironmentNormal))
	_, err := f.manager.CreateLink(context.Background(), portalSpec("overworld", "north", "skyland"))
	require.NoError(t, err)
	r := NewResolver(f.index, f.registry, nil)

	release, err := f.locks.Acquire(context.Background(), "overworld", "skyland")
	require.NoError(t, err)
	f.manager.mu.Lock()

	done := make(chan bool)
	go func() {
		_, ok := r.Resolve(Transition{World: "overworld", Anchor: "north", Location: world.Location{Position: world.Vec3{X: 1, Y: 65}}})
		done <- ok
	}()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("resolve blocked behind a writer")
	}
	f.manager.mu.Unlock()
	release()
}

func TestResolver_ConcurrentWithMutations(t *testing.T) {
	f := newFixture(t, activeWorld("overworld", world.EnvironmentNormal), activeWorld("skyland", world.EnvironmentNormal))
	r := NewResolver(f.index, f.registry, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d, ok := r.Resolve(Transition{World: "overworld", Anchor: "north", Location: world.Location{Position: world.Vec3{X: 1, Y: 65}}})
				if ok && d.World != "skyland" {
					t.Errorf("resolved to %q", d.World)
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		_, err := f.manager.CreateLink(ctx, portalSpec("overworld", "north", "skyland"))
		require.NoError(t, err)
		require.NoError(t, f.manager.DeleteLink(ctx, "overworld/north"))
	}
	close(stop)
	wg.Wait()
}
