package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry maps live connections to user identities and tracks per-connection
// room membership. A username is reserved by at most one live connection at a
// time; reservations left behind by connections that died without clean
// removal ("zombie sessions") are reclaimed on the next registration attempt
// for that username.
//
// All methods are safe for concurrent use. The registry never calls out to
// the transport or persistence layers while holding its lock.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]*Connection
	byUser map[string]string // username → connection id

	// alive reports whether the transport still has a live socket for the
	// connection id. A reservation whose connection fails this check is a
	// zombie and may be reclaimed.
	alive func(connID string) bool

	logger zerolog.Logger
}

// NewRegistry creates an empty registry. The alive function is consulted
// during zombie reclamation; it must be non-nil.
func NewRegistry(alive func(connID string) bool, logger zerolog.Logger) *Registry {
	return &Registry{
		byConn: make(map[string]*Connection),
		byUser: make(map[string]string),
		alive:  alive,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Register installs a connection under the given username, enforcing global
// username uniqueness among live connections.
//
// If the username is reserved by a different live connection the call fails
// with ErrUsernameTaken. If the reserving connection is dead, or is the same
// connection retrying, the stale state is removed and the new registration
// installed in one critical section; there is no window where two
// connections both own the username.
//
// The second return value lists the displaced stale connections (the zombie
// that held the username, and/or this connection's own previous
// registration) so the caller can drive downstream room cleanup for them.
func (r *Registry) Register(connID, username, publicKey string, identity Identity) (*Connection, []*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced []*Connection
	if prevID, reserved := r.byUser[username]; reserved {
		if prevID != connID && r.alive(prevID) {
			return nil, nil, ErrUsernameTaken
		}
		// Zombie reclamation: the reserving connection is gone (or is this
		// very connection re-registering). Remove every trace of it before
		// installing the new reservation.
		if stale := r.removeLocked(prevID); stale != nil {
			displaced = append(displaced, stale)
		}
		r.logger.Info().
			Str("username", username).
			Str("stale_conn_id", prevID).
			Str("new_conn_id", connID).
			Msg("Reclaimed username from stale connection")
	}

	// A connection re-registering sheds its previous session entirely; the
	// caller unwinds its room state.
	if prev := r.removeLocked(connID); prev != nil {
		displaced = append(displaced, prev)
	}

	conn := &Connection{
		ID:        connID,
		Username:  username,
		PublicKey: publicKey,
		Identity:  identity,
		rooms:     make(map[string]struct{}),
	}
	r.byConn[connID] = conn
	r.byUser[username] = connID
	return conn, displaced, nil
}

// Lookup returns the connection for the given id, or nil.
func (r *Registry) Lookup(connID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[connID]
}

// ResolveUsername returns the connection id currently reserving the
// username, or "" when the username is free.
func (r *Registry) ResolveUsername(username string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[username]
}

// AddRoom records that the connection belongs to the room.
func (r *Registry) AddRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.byConn[connID]; conn != nil {
		conn.rooms[roomID] = struct{}{}
	}
}

// RemoveRoom drops the room from the connection's membership index.
func (r *Registry) RemoveRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.byConn[connID]; conn != nil {
		delete(conn.rooms, roomID)
	}
}

// Remove deletes the connection, its username reservation, and its room
// membership index, returning what was removed so the caller can drive
// downstream cleanup. Removing an unknown connection returns nil; the call
// is idempotent.
func (r *Registry) Remove(connID string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) *Connection {
	conn := r.byConn[connID]
	if conn == nil {
		return nil
	}
	delete(r.byConn, connID)
	// Only clear the reservation if this connection still holds it.
	if r.byUser[conn.Username] == connID {
		delete(r.byUser, conn.Username)
	}
	return conn
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
