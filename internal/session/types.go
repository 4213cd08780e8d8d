// Package session implements the real-time session and room-membership state
// machine: the connection registry, room directory, join-approval negotiator,
// per-connection event rate limiter, and the coordinator that drives the
// connect → register → room → relay → disconnect lifecycle.
//
// The server never sees plaintext. Message payloads are opaque ciphertext
// plus an initialization vector, relayed verbatim to room members.
package session

import "time"

// Identity is the authentication state attached to a connection. The zero
// value is anonymous (legacy flow); a verified access token yields an
// authenticated identity carrying the user id.
type Identity struct {
	UserID string
}

// Authenticated reports whether the identity was established from a
// verified access token.
func (id Identity) Authenticated() bool {
	return id.UserID != ""
}

// Connection is the ephemeral handle for one live transport session. It is
// owned exclusively by the Registry and destroyed on disconnect.
type Connection struct {
	ID        string
	Username  string
	PublicKey string
	Identity  Identity

	// rooms indexes the room ids this connection currently belongs to.
	rooms map[string]struct{}
}

// Rooms returns the ids of the rooms the connection currently belongs to.
func (c *Connection) Rooms() []string {
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// PersistenceKey is the key used for public-key upserts in the persistence
// collaborator: the authenticated user id when present, the username
// otherwise.
func (c *Connection) PersistenceKey() string {
	if c.Identity.Authenticated() {
		return c.Identity.UserID
	}
	return c.Username
}

// RoomInfo is the copy-safe view of a room handed to callers outside the
// directory. Raw membership maps are never exposed.
type RoomInfo struct {
	ID          string
	Code        string
	Owner       string
	MemberCount int
}

// Snapshot is the canonical membership payload broadcast after any
// membership change. Clients re-derive the shared room key from it.
type Snapshot struct {
	Members    []string          `json:"members"`
	MemberKeys map[string]string `json:"memberKeys"`
}

// JoinRequest is an ephemeral join proposal awaiting the room owner's
// decision. It resolves at most once.
type JoinRequest struct {
	ID        string
	RoomID    string
	ConnID    string
	Username  string
	PublicKey string
	CreatedAt time.Time
}
