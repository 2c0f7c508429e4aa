package world

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned to the command layer. Match with errors.Is.
var (
	ErrDuplicateID          = errors.New("world id already exists")
	ErrWorldNotFound        = errors.New("world not found")
	ErrAnchorConflict       = errors.New("anchor already linked")
	ErrLinkNotFound         = errors.New("link not found")
	ErrWorldInUse           = errors.New("world has occupants")
	ErrInvalidArchive       = errors.New("invalid world archive")
	ErrStorage              = errors.New("storage error")
	ErrHostTimeout          = errors.New("host facility timed out")
	ErrHostFacility         = errors.New("host facility error")
	ErrConflictingOperation = errors.New("conflicting operation in progress")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInvalidState         = errors.New("operation not allowed in current world state")
	ErrProtectedWorld       = errors.New("world is protected")
	ErrClosed               = errors.New("world service closed")
	ErrCancelled            = errors.New("operation cancelled")

	// ErrNoMatch is returned by link resolution only; it is not a command failure.
	ErrNoMatch = errors.New("no matching link")
)

// StorageError reports a failed persistence call. In-memory state is left
// unchanged whenever a mutation returns one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// NewStorageError wraps err as a StorageError for op. A nil err stays nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// HostError reports a failed host-facility call.
type HostError struct {
	Op      string
	Err     error
	Timeout bool
}

func (e *HostError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("host %s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("host %s: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

// Is matches ErrHostTimeout for timeouts and ErrHostFacility otherwise.
func (e *HostError) Is(target error) bool {
	if e.Timeout {
		return target == ErrHostTimeout
	}
	return target == ErrHostFacility
}

// RollbackError is returned when compensating actions after a failure did not
// all succeed. The world may be inconsistent and need manual intervention.
type RollbackError struct {
	Cause    error
	Failures []error
}

func (e *RollbackError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%v (rollback incomplete: %s)", e.Cause, strings.Join(msgs, "; "))
}

// Unwrap exposes the cause and every rollback failure to errors.Is / errors.As.
func (e *RollbackError) Unwrap() []error {
	return append([]error{e.Cause}, e.Failures...)
}
