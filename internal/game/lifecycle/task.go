package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// Kind names a lifecycle operation.
type Kind string

// Operation kinds.
const (
	KindCreate Kind = "create"
	KindImport Kind = "import"
	KindExport Kind = "export"
	KindDelete Kind = "delete"
	KindLoad   Kind = "load"
	KindUnload Kind = "unload"
)

// Task is the completion handle of an asynchronous lifecycle operation.
type Task struct {
	ID      uuid.UUID
	Kind    Kind
	WorldID string
	Started time.Time

	done   chan struct{}
	cancel context.CancelFunc

	mu              sync.Mutex
	err             error
	cancelled       bool
	pointOfNoReturn bool
	finished        bool
}

func newTask(kind Kind, worldID string, cancel context.CancelFunc) *Task {
	return &Task{
		ID:      uuid.New(),
		Kind:    kind,
		WorldID: worldID,
		Started: time.Now(),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's outcome. It is nil while the task is running.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the task finishes or ctx is done.
//
// Postcondition: Returns the task's outcome, or ctx.Err() if ctx ended first.
// The task keeps running in the latter case.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation. Create, import, load, unload and export tasks
// can be cancelled until they finish; a delete can be cancelled until it starts
// removing links and storage.
//
// Postcondition: Returns true if the request was accepted. The task then
// finishes with an error wrapping ErrCancelled after undoing its work.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished || t.pointOfNoReturn {
		return false
	}
	t.cancelled = true
	t.cancel()
	return true
}

// markPointOfNoReturn refuses further cancellation.
//
// Postcondition: Returns an error wrapping ErrCancelled if cancellation was
// already requested, nil otherwise.
func (t *Task) markPointOfNoReturn() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return fmt.Errorf("%w: %s %s", world.ErrCancelled, t.Kind, t.WorldID)
	}
	t.pointOfNoReturn = true
	return nil
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.finished = true
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}
