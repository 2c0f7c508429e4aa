// Package session tracks connected players and which world each occupies.
package session

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// EventKind names what happened to a player.
type EventKind string

const (
	// EventTeleport moves the player to another world or position.
	EventTeleport EventKind = "teleport"
	// EventNotice carries a message for the player.
	EventNotice EventKind = "notice"
)

// Event is delivered to a player's entity.
type Event struct {
	Kind     EventKind
	World    string
	Location world.Location
	Message  string
}

// BridgeEntity routes push calls to a Go channel, bridging the session system
// to whatever transport delivers events to the player.
type BridgeEntity struct {
	uid    string
	events chan Event
	mu     sync.Mutex
	closed bool
}

// NewBridgeEntity creates a BridgeEntity for the given player UID.
//
// Precondition: uid must be non-empty.
// Postcondition: Returns a BridgeEntity with an open events channel.
func NewBridgeEntity(uid string, bufferSize int) *BridgeEntity {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &BridgeEntity{
		uid:    uid,
		events: make(chan Event, bufferSize),
	}
}

// UID returns the player's unique identifier.
func (e *BridgeEntity) UID() string {
	return e.uid
}

// Push enqueues ev without blocking.
//
// Postcondition: ev is enqueued, or an error if the entity is closed or full.
func (e *BridgeEntity) Push(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("entity %s is closed", e.uid)
	}
	select {
	case e.events <- ev:
		return nil
	default:
		return fmt.Errorf("entity %s event buffer full", e.uid)
	}
}

// Events returns the read-only events channel.
func (e *BridgeEntity) Events() <-chan Event {
	return e.events
}

// Close marks the entity as closed and closes the events channel.
//
// Postcondition: The events channel is closed. Further Push calls return an error.
func (e *BridgeEntity) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// IsClosed reports whether the entity has been closed.
func (e *BridgeEntity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
