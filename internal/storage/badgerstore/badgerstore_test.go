package badgerstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/storage/badgerstore"
)

var epoch = time.Unix(1700000000, 0).UTC()

func sampleWorld(id string, at int) world.World {
	return world.World{
		ID:     id,
		Status: world.StatusUnloaded,
		Generation: world.GenerationSpec{
			Seed:        991,
			Type:        world.TypeFlat,
			Environment: world.EnvironmentTheEnd,
			Generator:   &world.GeneratorRef{Plugin: "voidgen"},
			Hardcore:    true,
		},
		Spawn:       world.Location{Position: world.Vec3{X: 8.5, Y: 64, Z: -8.5}, Yaw: 180},
		StoragePath: "/var/lib/worlds/" + id,
		CreatedAt:   epoch.Add(time.Duration(at) * time.Millisecond),
	}
}

func sampleLink(src, kind, dst string, at int) world.Link {
	return world.Link{
		ID:           world.NewLinkID(src, world.AnchorKind(kind)),
		SourceWorld:  src,
		SourceAnchor: world.Anchor{Kind: world.AnchorKind(kind), Max: world.Vec3{X: 2, Y: 3}},
		TargetWorld:  dst,
		TargetAnchor: world.Anchor{Kind: "arrival", Min: world.Vec3{X: -1, Y: 70, Z: 4}, Max: world.Vec3{X: -1, Y: 70, Z: 4}},
		CreatedAt:    epoch.Add(time.Duration(at) * time.Millisecond),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s, err := badgerstore.Open("", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	worlds := []world.World{sampleWorld("overworld", 1), sampleWorld("end", 2), sampleWorld("archive", 3)}
	for i := len(worlds) - 1; i >= 0; i-- {
		require.NoError(t, s.PersistWorld(ctx, worlds[i]))
	}
	links := []world.Link{sampleLink("overworld", "gate", "end", 4), sampleLink("end", "gate", "overworld", 5)}
	for _, l := range links {
		require.NoError(t, s.PersistLink(ctx, l))
	}

	gotWorlds, gotLinks, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, worlds, gotWorlds)
	assert.Equal(t, links, gotLinks)
}

func TestStore_DeleteRecords(t *testing.T) {
	s, err := badgerstore.Open("", nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PersistWorld(ctx, sampleWorld("overworld", 1)))
	require.NoError(t, s.PersistLink(ctx, sampleLink("overworld", "gate", "end", 2)))
	require.NoError(t, s.DeleteWorldRecord(ctx, "overworld"))
	require.NoError(t, s.DeleteLink(ctx, "overworld/gate"))
	require.NoError(t, s.DeleteLink(ctx, "overworld/gate"), "deleting a missing key is fine")

	worlds, links, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, worlds)
	assert.Empty(t, links)
}

func TestStore_ReopenOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := badgerstore.Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	w := sampleWorld("overworld", 1)
	require.NoError(t, s.PersistWorld(ctx, w))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	s, err = badgerstore.Open(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	worlds, _, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []world.World{w}, worlds)
}

func TestStore_ClosedFailsWithStorageError(t *testing.T) {
	s, err := badgerstore.Open("", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.PersistWorld(context.Background(), sampleWorld("w", 1))
	assert.True(t, errors.Is(err, world.ErrStorage))
	_, _, err = s.Load(context.Background())
	assert.True(t, errors.Is(err, world.ErrStorage))
}
