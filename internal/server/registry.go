// Package server tracks which users are currently online via the presence
// Registry, the mapping from user identity to live connection.
package server

import (
	"sort"
	"sync"
)

// UserPresence binds a logical user to the connection it declared presence
// on. The JSON field names are part of the get_users wire format.
type UserPresence struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"socketId"`
}

// Registry maps user identifiers to their live connection. At most one entry
// exists per user identifier; a user absent from the registry is offline.
// All operations are individually atomic and never fail.
type Registry struct {
	mu    sync.RWMutex
	users map[string]UserPresence
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]UserPresence),
	}
}

// Register records userID as online on connID. If the user is already
// registered the call is a no-op and the existing connection binding is kept;
// duplicate declare-presence events from the same client are expected.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[userID]; exists {
		return
	}
	r.users[userID] = UserPresence{UserID: userID, ConnectionID: connID}
}

// Remove deletes any entry bound to connID. Removing an unknown connection is
// a no-op, so a disconnect racing a late declare-presence stays harmless.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, presence := range r.users {
		if presence.ConnectionID == connID {
			delete(r.users, userID)
		}
	}
}

// FindByUserID returns the presence entry for userID. ok is false when the
// user is offline; callers treat that as a silent skip, not a failure.
func (r *Registry) FindByUserID(userID string) (UserPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	presence, ok := r.users[userID]
	return presence, ok
}

// Snapshot returns a copy of all current entries sorted by user identifier.
// Used as the get_users broadcast payload.
func (r *Registry) Snapshot() []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]UserPresence, 0, len(r.users))
	for _, presence := range r.users {
		snapshot = append(snapshot, presence)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].UserID < snapshot[j].UserID
	})
	return snapshot
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
