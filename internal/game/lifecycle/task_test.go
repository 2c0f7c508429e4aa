package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

func TestTask_CancelBeforePointOfNoReturn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(KindDelete, "skyland", cancel)

	require.True(t, task.Cancel())
	assert.Error(t, ctx.Err())
	assert.ErrorIs(t, task.markPointOfNoReturn(), world.ErrCancelled)
}

func TestTask_CancelRefusedAfterPointOfNoReturn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := newTask(KindDelete, "skyland", cancel)

	require.NoError(t, task.markPointOfNoReturn())
	assert.False(t, task.Cancel())
	assert.NoError(t, ctx.Err())
}

func TestTask_FinishPublishesOutcome(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	task := newTask(KindLoad, "skyland", cancel)
	assert.NoError(t, task.Err())

	boom := errors.New("boom")
	task.finish(boom)
	<-task.Done()
	assert.Equal(t, boom, task.Err())
	assert.Equal(t, boom, task.Wait(context.Background()))
	assert.False(t, task.Cancel())
}

func TestTask_WaitHonoursContext(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	task := newTask(KindLoad, "skyland", cancel)
	ctx, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, task.Wait(ctx), context.Canceled)
}

func TestCallHost(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		timeout time.Duration
		fn      func(context.Context) (int, error)
		want    int
		wantErr error
	}{
		{
			name:    "success",
			timeout: time.Second,
			fn:      func(context.Context) (int, error) { return 7, nil },
			want:    7,
		},
		{
			name:    "error",
			timeout: time.Second,
			fn:      func(context.Context) (int, error) { return 0, boom },
			wantErr: world.ErrHostFacility,
		},
		{
			name:    "ignores deadline",
			timeout: 20 * time.Millisecond,
			fn: func(context.Context) (int, error) {
				time.Sleep(time.Second)
				return 1, nil
			},
			wantErr: world.ErrHostTimeout,
		},
		{
			name:    "honours deadline",
			timeout: 20 * time.Millisecond,
			fn: func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			},
			wantErr: world.ErrHostTimeout,
		},
		{
			name: "no timeout",
			fn:   func(context.Context) (int, error) { return 3, nil },
			want: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := callHost(context.Background(), tt.timeout, "instantiate", tt.fn, nil)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				var he *world.HostError
				require.ErrorAs(t, err, &he)
				assert.Equal(t, "instantiate", he.Op)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCallHost_WaitsForCallWithinGrace(t *testing.T) {
	var returned atomic.Bool
	lateCalled := false
	_, err := callHost(context.Background(), 20*time.Millisecond, "instantiate", func(context.Context) (int, error) {
		time.Sleep(60 * time.Millisecond)
		returned.Store(true)
		return 1, nil
	}, func(<-chan hostResult[int]) { lateCalled = true })

	assert.ErrorIs(t, err, world.ErrHostTimeout)
	assert.True(t, returned.Load(), "callHost returns only after the call has")
	assert.False(t, lateCalled)
}

func TestCallHost_HandsOffCallPastGrace(t *testing.T) {
	var adopted <-chan hostResult[int]
	_, err := callHost(context.Background(), 20*time.Millisecond, "instantiate", func(context.Context) (int, error) {
		time.Sleep(hostSettleGrace + 200*time.Millisecond)
		return 9, nil
	}, func(res <-chan hostResult[int]) { adopted = res })

	assert.ErrorIs(t, err, world.ErrHostTimeout)
	require.NotNil(t, adopted)
	select {
	case r := <-adopted:
		require.NoError(t, r.err)
		assert.Equal(t, 9, r.v)
	case <-time.After(5 * time.Second):
		t.Fatal("late result never arrived")
	}
}

func TestCallHost_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	err := callHostErr(ctx, time.Minute, "evacuate", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, world.ErrCancelled)
	assert.NotErrorIs(t, err, world.ErrHostTimeout)

	called := false
	err = callHostErr(ctx, time.Minute, "evacuate", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, world.ErrCancelled)
	assert.False(t, called, "already cancelled context skips the call")
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&world.RollbackError{Cause: world.ErrCancelled}, "rollback_failed"},
		{world.ErrCancelled, "cancelled"},
		{&world.HostError{Op: "unload", Timeout: true}, "host_timeout"},
		{&world.HostError{Op: "unload"}, "host_error"},
		{world.NewStorageError("persist", errors.New("disk")), "storage_error"},
		{world.ErrInvalidArchive, "invalid_archive"},
		{world.ErrWorldInUse, "world_in_use"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, outcome(tt.err))
		})
	}
}
