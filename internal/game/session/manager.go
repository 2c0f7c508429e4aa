package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// PlayerSession tracks a connected player's position.
type PlayerSession struct {
	// UID is the unique player identifier.
	UID string
	// Name is the display name.
	Name string
	// WorldID is the world the player occupies.
	WorldID string
	// Location is the player's last reported position in WorldID.
	Location world.Location
	// Entity delivers events to the player.
	Entity *BridgeEntity
}

// Manager tracks all player sessions and per-world occupancy.
// All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	players   map[string]*PlayerSession  // uid → session
	worldSets map[string]map[string]bool // worldID → set of UIDs
}

// NewManager creates an empty session Manager.
func NewManager() *Manager {
	return &Manager{
		players:   make(map[string]*PlayerSession),
		worldSets: make(map[string]map[string]bool),
	}
}

// AddPlayer registers a new player session in worldID at loc.
//
// Precondition: uid and worldID must be non-empty.
// Postcondition: Returns the created PlayerSession, or an error if the UID is already registered.
func (m *Manager) AddPlayer(uid, name, worldID string, loc world.Location) (*PlayerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.players[uid]; exists {
		return nil, fmt.Errorf("player %q already connected", uid)
	}
	sess := &PlayerSession{
		UID:      uid,
		Name:     name,
		WorldID:  worldID,
		Location: loc,
		Entity:   NewBridgeEntity(uid, 64),
	}
	m.players[uid] = sess
	m.join(worldID, uid)
	return sess, nil
}

// RemovePlayer removes a player session and cleans up occupancy.
//
// Postcondition: The player is removed from all tracking. Returns an error if not found.
func (m *Manager) RemovePlayer(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.players[uid]
	if !exists {
		return fmt.Errorf("player %q not found", uid)
	}
	m.leave(sess.WorldID, uid)
	_ = sess.Entity.Close()
	delete(m.players, uid)
	return nil
}

// MovePlayer moves a player to loc in worldID and tells the player.
//
// Postcondition: Returns the previous world ID, or an error if the player is not found.
func (m *Manager) MovePlayer(uid, worldID string, loc world.Location) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.players[uid]
	if !exists {
		return "", fmt.Errorf("player %q not found", uid)
	}
	old := sess.WorldID
	m.leave(old, uid)
	sess.WorldID = worldID
	sess.Location = loc
	m.join(worldID, uid)
	_ = sess.Entity.Push(Event{Kind: EventTeleport, World: worldID, Location: loc})
	return old, nil
}

// MoveAll moves every occupant of from to loc in to.
//
// Postcondition: from has no occupants. Returns how many players moved.
func (m *Manager) MoveAll(from, to string, loc world.Location, notice string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	uids := m.worldSets[from]
	delete(m.worldSets, from)
	for uid := range uids {
		sess := m.players[uid]
		sess.WorldID = to
		sess.Location = loc
		m.join(to, uid)
		if notice != "" {
			_ = sess.Entity.Push(Event{Kind: EventNotice, World: to, Message: notice})
		}
		_ = sess.Entity.Push(Event{Kind: EventTeleport, World: to, Location: loc})
	}
	return len(uids)
}

func (m *Manager) join(worldID, uid string) {
	if m.worldSets[worldID] == nil {
		m.worldSets[worldID] = make(map[string]bool)
	}
	m.worldSets[worldID][uid] = true
}

func (m *Manager) leave(worldID, uid string) {
	if ws, ok := m.worldSets[worldID]; ok {
		delete(ws, uid)
		if len(ws) == 0 {
			delete(m.worldSets, worldID)
		}
	}
}

// PlayerUIDsInWorld returns the UIDs of all players in worldID, sorted.
//
// Postcondition: Returns a slice of UIDs (may be empty).
func (m *Manager) PlayerUIDsInWorld(worldID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uids := m.worldSets[worldID]
	result := make([]string, 0, len(uids))
	for uid := range uids {
		result = append(result, uid)
	}
	sort.Strings(result)
	return result
}

// CountInWorld returns how many players occupy worldID.
func (m *Manager) CountInWorld(worldID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.worldSets[worldID])
}

// GetPlayer returns the session for the given UID.
//
// Postcondition: Returns (session, true) if found, or (nil, false) otherwise.
func (m *Manager) GetPlayer(uid string) (*PlayerSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.players[uid]
	return sess, ok
}

// PlayerCount returns the total number of connected players.
func (m *Manager) PlayerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}
