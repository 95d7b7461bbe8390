package live

import (
	"sync"

	"github.com/google/uuid"
)

// connEntry binds one transport connection to a user and, once the user
// joins a room, to that room.
type connEntry struct {
	userID uuid.UUID
	roomID string
}

// Registry is the in-memory bidirectional map between user identities and
// live transport connections. A connection belongs to at most one user
// and one room; a user may hold several connections (tab duplication).
// State is lost on process restart by design: reconnection tokens, not
// registry persistence, are the recovery path.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*connEntry
	byUser map[uuid.UUID]map[string]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*connEntry),
		byUser: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Register records a freshly authenticated transport connection for a user.
func (r *Registry) Register(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = &connEntry{userID: userID}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
}

// Unregister removes a closed connection and returns the user and room it
// was bound to, if any.
func (r *Registry) Unregister(connID string) (userID uuid.UUID, roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.byConn[connID]
	if !found {
		return uuid.Nil, "", false
	}
	delete(r.byConn, connID)
	if conns := r.byUser[entry.userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, entry.userID)
		}
	}
	return entry.userID, entry.roomID, true
}

// ConnectionsFor returns all live connection IDs for a user.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// UserOf returns the user a connection belongs to.
func (r *Registry) UserOf(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byConn[connID]
	if !ok {
		return uuid.Nil, false
	}
	return entry.userID, true
}

// RoomOf returns the room a connection is currently bound to, if any.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byConn[connID]
	if !ok || entry.roomID == "" {
		return "", false
	}
	return entry.roomID, true
}

// BindRoom marks a connection as joined to a room.
func (r *Registry) BindRoom(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byConn[connID]
	if !ok {
		return false
	}
	entry.roomID = roomID
	return true
}

// UnbindRoom clears a connection's room binding on leave.
func (r *Registry) UnbindRoom(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.byConn[connID]; ok {
		entry.roomID = ""
	}
}

// Connected reports whether a user currently holds any live connection.
func (r *Registry) Connected(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}
