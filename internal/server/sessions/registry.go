// Package sessions owns the in-memory table of live sessions and their room
// memberships. All methods are safe for concurrent use and never block on
// I/O while holding the lock.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a snapshot of one live connection.
type Session struct {
	ID          string
	IdentityID  string
	DeviceID    string
	JoinedRooms []string
	CreatedAt   time.Time
}

type entry struct {
	identityID string
	deviceID   string
	rooms      map[string]struct{}
	createdAt  time.Time
}

type set map[string]struct{}

type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*entry
	byIdentity map[string]set
	rooms      map[string]set
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*entry),
		byIdentity: make(map[string]set),
		rooms:      make(map[string]set),
	}
}

// Register records a new session and reports whether it is the first live
// session of the identity.
func (r *Registry) Register(identityID, deviceID string) (sessionID string, first bool) {
	sessionID = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = &entry{
		identityID: identityID,
		deviceID:   deviceID,
		rooms:      make(map[string]struct{}),
		createdAt:  time.Now(),
	}

	ids, ok := r.byIdentity[identityID]
	if !ok {
		ids = make(set)
		r.byIdentity[identityID] = ids
	}
	first = len(ids) == 0
	ids[sessionID] = struct{}{}

	return sessionID, first
}

// Unregister removes the session and all of its room memberships. It
// returns the removed session and how many sessions its identity still has.
// ok is false when the session was already gone.
func (r *Registry) Unregister(sessionID string) (s Session, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, 0, false
	}
	s = snapshot(sessionID, e)

	for room := range e.rooms {
		r.removeMember(room, sessionID)
	}
	delete(r.sessions, sessionID)

	ids := r.byIdentity[e.identityID]
	delete(ids, sessionID)
	remaining = len(ids)
	if remaining == 0 {
		delete(r.byIdentity, e.identityID)
	}

	return s, remaining, true
}

// SessionsFor returns the live session ids of identityID.
func (r *Registry) SessionsFor(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.byIdentity[identityID])
}

// JoinRoom adds the session to room. It returns false for an unknown session.
func (r *Registry) JoinRoom(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	e.rooms[room] = struct{}{}

	members, ok := r.rooms[room]
	if !ok {
		members = make(set)
		r.rooms[room] = members
	}
	members[sessionID] = struct{}{}
	return true
}

// LeaveRoom reports whether the session was in room. It is a no-op for
// unknown sessions or rooms.
func (r *Registry) LeaveRoom(sessionID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, in := e.rooms[room]; !in {
		return false
	}
	delete(e.rooms, room)
	r.removeMember(room, sessionID)
	return true
}

func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[room])
}

func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return snapshot(sessionID, e), true
}

// All returns every live session id.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// removeMember must be called with mu held.
func (r *Registry) removeMember(room, sessionID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func snapshot(id string, e *entry) Session {
	rooms := keys(e.rooms)
	sort.Strings(rooms)
	return Session{
		ID:          id,
		IdentityID:  e.identityID,
		DeviceID:    e.deviceID,
		JoinedRooms: rooms,
		CreatedAt:   e.createdAt,
	}
}

func keys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
