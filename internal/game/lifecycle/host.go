// Package lifecycle orchestrates world creation, deletion, import, export,
// loading and unloading against the registry, the store and the host's
// world-hosting facility.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/worlds/internal/game/link"
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Handle is the host's reference to a live world. Handles must be comparable;
// the same live world must yield the same Handle from Instantiate and Live.
type Handle interface {
	// WorldID returns the id the world was instantiated under.
	WorldID() string
	// Spawn returns the spawn point the host chose for the world.
	Spawn() world.Location
}

// Instantiation is everything the host needs to bring a world up.
type Instantiation struct {
	ID          string
	Generation  world.GenerationSpec
	StoragePath string
	// Spawn is the recorded spawn; zero for a world that has never been live.
	Spawn world.Location
}

// Host is the world-hosting facility. Blocking calls must honour ctx.
type Host interface {
	// Instantiate brings a world up from its storage directory.
	Instantiate(ctx context.Context, in Instantiation) (Handle, error)
	// Unload takes a live world down, flushing it to storage when save is true.
	Unload(ctx context.Context, h Handle, save bool) error
	// OccupantCount returns the number of players in the world. Must not block.
	OccupantCount(h Handle) int
	// Evacuate moves every occupant of h to dest.
	Evacuate(ctx context.Context, h Handle, dest link.Destination) error
	// SaveAndFreeze flushes the world and suspends writes to its storage.
	SaveAndFreeze(ctx context.Context, h Handle) error
	// Thaw resumes writes after SaveAndFreeze.
	Thaw(ctx context.Context, h Handle) error
	// Live returns the handle of a live world. Must not block.
	Live(id string) (Handle, bool)
}

// hostSettleGrace bounds how long callHost waits, once it has given up on a
// host call, for that call to return before the caller starts rolling back.
const hostSettleGrace = 250 * time.Millisecond

// hostResult is the outcome of one host call.
type hostResult[T any] struct {
	v   T
	err error
}

// callHost runs fn with a deadline of timeout. A zero timeout means no deadline.
//
// When the deadline expires or ctx is cancelled first, fn's context is cancelled
// and callHost waits up to hostSettleGrace for fn to return, so the caller's
// rollback sees whatever fn did. If fn is still running after that, late (when
// non-nil) is given the channel its result will arrive on.
//
// Postcondition: Returns fn's result, a HostError (Timeout set when the deadline
// expired first), or an error wrapping ErrCancelled when ctx was cancelled.
func callHost[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error), late func(<-chan hostResult[T])) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("%w: host %s: %v", world.ErrCancelled, op, err)
	}
	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ch := make(chan hostResult[T], 1)
	go func() {
		v, err := fn(hctx)
		ch <- hostResult[T]{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return r.v, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: host %s: %v", world.ErrCancelled, op, ctx.Err())
		}
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return zero, &world.HostError{Op: op, Err: r.err, Timeout: true}
		}
		return zero, &world.HostError{Op: op, Err: r.err}
	case <-hctx.Done():
		cancel()
		settle := time.NewTimer(hostSettleGrace)
		defer settle.Stop()
		select {
		case <-ch:
		case <-settle.C:
			if late != nil {
				late(ch)
			}
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: host %s: %v", world.ErrCancelled, op, ctx.Err())
		}
		return zero, &world.HostError{Op: op, Err: hctx.Err(), Timeout: true}
	}
}

// callHostErr adapts callHost for calls with no result.
func callHostErr(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := callHost(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}
