// Package presence tracks which live connections are subscribed to which rooms.
//
// State is process-local and advisory: clients rejoin after reconnecting.
// Lock order is connection -> room -> registry; the registry lock is only
// ever held for map lookups and inserts, so busy rooms never block each other.
package presence

import (
	"errors"
	"sync"
)

var (
	ErrNotConnected     = errors.New("connection is not registered")
	ErrAlreadyConnected = errors.New("connection already registered")
	ErrEmptyRoom        = errors.New("room name must not be empty")
)

// Subscriber is a connection that can be fanned out to.
type Subscriber interface {
	ConnID() string
}

type member struct {
	mu    sync.Mutex
	sub   Subscriber
	rooms map[string]struct{}
	gone  bool
}

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
	dead    bool // removed from the registry; joiners must fetch a fresh one
}

// Registry owns room membership, keyed by connection id.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	conns map[string]*member
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]*member),
	}
}

// Connect registers a live connection with no rooms.
func (r *Registry) Connect(sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[sub.ConnID()]; ok {
		return ErrAlreadyConnected
	}
	r.conns[sub.ConnID()] = &member{sub: sub, rooms: make(map[string]struct{})}
	return nil
}

func (r *Registry) member(connID string) *member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// Join subscribes a connection to a room. Joining twice is a no-op.
func (r *Registry) Join(connID, name string) error {
	if name == "" {
		return ErrEmptyRoom
	}
	m := r.member(connID)
	if m == nil {
		return ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return ErrNotConnected
	}
	if _, ok := m.rooms[name]; ok {
		return nil
	}

	for {
		rm := r.roomFor(name)
		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[connID] = m.sub
		rm.mu.Unlock()
		break
	}
	m.rooms[name] = struct{}{}
	return nil
}

// Leave unsubscribes a connection from a room. Leaving a room the connection
// is not in is a no-op.
func (r *Registry) Leave(connID, name string) error {
	m := r.member(connID)
	if m == nil {
		return ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return ErrNotConnected
	}
	if _, ok := m.rooms[name]; !ok {
		return nil
	}
	delete(m.rooms, name)
	r.removeFromRoom(name, connID)
	return nil
}

// Disconnect releases every room the connection is in and forgets it.
// Concurrent Join calls for the same connection either finish before or fail
// after; no membership outlives the connection.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	m := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone = true
	for name := range m.rooms {
		r.removeFromRoom(name, connID)
	}
	m.rooms = nil
}

// Subscribers returns a snapshot of the room's current members.
func (r *Registry) Subscribers(name string) []Subscriber {
	r.mu.RLock()
	rm := r.rooms[name]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Subscriber, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

// RoomsOf lists the rooms a connection is subscribed to.
func (r *Registry) RoomsOf(connID string) []string {
	m := r.member(connID)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	return out
}

// Stats reports the number of registered connections and non-empty rooms.
func (r *Registry) Stats() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.rooms)
}

func (r *Registry) roomFor(name string) *room {
	r.mu.RLock()
	rm := r.rooms[name]
	r.mu.RUnlock()
	if rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[name]; rm == nil {
		rm = &room{members: make(map[string]Subscriber)}
		r.rooms[name] = rm
	}
	return rm
}

func (r *Registry) removeFromRoom(name, connID string) {
	r.mu.RLock()
	rm := r.rooms[name]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, connID)
	if len(rm.members) > 0 || rm.dead {
		return
	}
	rm.dead = true
	r.mu.Lock()
	if r.rooms[name] == rm {
		delete(r.rooms, name)
	}
	r.mu.Unlock()
}
