package gameroom

import (
	"sync"

	"github.com/decred/slog"
)

// Manager tracks live rooms in memory. The durable store remains the
// authority for anything that outlives the process; the manager only keeps
// the hot state the server mutates on every request.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	Log slog.Logger

	// OnRoomRemoved, when set, is invoked after a room leaves the manager.
	OnRoomRemoved func(snapshot Snapshot)
}

func NewManager(log slog.Logger) *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		Log:   log,
	}
}

func (m *Manager) Add(r *Room) {
	m.mu.Lock()
	m.rooms[r.ID] = r
	total := len(m.rooms)
	m.mu.Unlock()
	m.Log.Debugf("room %s added. Total rooms: %d", r.ID, total)
}

func (m *Manager) Get(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// Remove drops a room and fires OnRoomRemoved with its last snapshot.
func (m *Manager) Remove(roomID string) {
	m.mu.Lock()
	r := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()
	if r == nil {
		return
	}
	m.Log.Infof("room %s removed", roomID)
	if m.OnRoomRemoved != nil {
		m.OnRoomRemoved(r.Marshal())
	}
}

// Snapshot returns a shallow copy of the rooms map.
func (m *Manager) Snapshot() map[string]*Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Room, len(m.rooms))
	for k, v := range m.rooms {
		out[k] = v
	}
	return out
}

// RoomForWallet returns the first room the wallet is seated in that has
// not yet finished, or nil. Used to stop a wallet from camping multiple
// waiting rooms at once.
func (m *Manager) RoomForWallet(wallet string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		st := r.CurrentStatus()
		if st != Waiting && st != Active {
			continue
		}
		if r.HasParticipant(wallet) {
			return r
		}
	}
	return nil
}
