package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/storage/memstore"
)

func TestStore_LoadOrdersByCreation(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "b", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "a", CreatedAt: base.Add(2 * time.Second)}))
	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "c", CreatedAt: base}))

	worlds, links, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, links)
	require.Len(t, worlds, 3)
	assert.Equal(t, "c", worlds[0].ID)
	assert.Equal(t, "b", worlds[1].ID)
	assert.Equal(t, "a", worlds[2].ID)
}

func TestStore_FailOnConsumesFaults(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	s.FailOn(memstore.OpPersistWorld, 2)

	for i := 0; i < 2; i++ {
		err := s.PersistWorld(ctx, world.World{ID: "w"})
		var serr *world.StorageError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, memstore.OpPersistWorld, serr.Op)
		assert.True(t, errors.Is(err, memstore.ErrInjected))
	}
	_, ok := s.World("w")
	assert.False(t, ok)

	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "w"}))
	_, ok = s.World("w")
	assert.True(t, ok)
}

func TestStore_FailAfterSkipsThenFails(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	s.FailAfter(memstore.OpPersistWorld, 1, 1)

	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "first"}))
	assert.ErrorIs(t, s.PersistWorld(ctx, world.World{ID: "second"}), world.ErrStorage)
	require.NoError(t, s.PersistWorld(ctx, world.World{ID: "third"}))
}

func TestStore_ClearFaults(t *testing.T) {
	s := memstore.New()
	s.FailOn(memstore.OpPersistLink, 5)
	s.ClearFaults()
	assert.NoError(t, s.PersistLink(context.Background(), world.Link{ID: "a/b"}))
}

func TestStore_DeleteAndClose(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PersistLink(ctx, world.Link{ID: "a/b"}))
	require.NoError(t, s.DeleteLink(ctx, "a/b"))
	require.NoError(t, s.DeleteLink(ctx, "a/b"), "deleting a missing record is not an error")
	_, ok := s.Link("a/b")
	assert.False(t, ok)

	require.NoError(t, s.Close())
	err := s.PersistWorld(ctx, world.World{ID: "w"})
	assert.True(t, errors.Is(err, world.ErrStorage))
}
