// Package store defines the persistence collaborator consumed by the session
// core: room/member/message CRUD plus username↔public-key upserts. The core
// treats every call as potentially slow and never invokes it while holding a
// registry lock.
package store

import (
	"context"
	"time"
)

// Message is a persisted relay payload. Ciphertext and IV are opaque; the
// server performs no cryptographic operations on them.
type Message struct {
	ID           string
	RoomID       string
	Sender       string
	Ciphertext   string
	IV           string
	AttachmentID string
	SentAt       time.Time
}

// Store is the persistence layer behind the session core. Membership here is
// the durable "approved" set that survives a member's transient disconnect,
// as opposed to the directory's live membership.
type Store interface {
	// UpsertPublicKey records the public key for a subject (authenticated
	// user id, or username for the legacy flow). Called once per successful
	// registration.
	UpsertPublicKey(ctx context.Context, subject, publicKey string) error

	// SaveRoom records a newly created room.
	SaveRoom(ctx context.Context, roomID, roomCode, owner string) error

	// DeleteRoom removes the room, its membership and its history.
	DeleteRoom(ctx context.Context, roomID string) error

	// AddMember marks the username as an approved member of the room.
	AddMember(ctx context.Context, roomID, username string) error

	// RemoveMember revokes the username's approved membership.
	RemoveMember(ctx context.Context, roomID, username string) error

	// IsMember reports whether the username is an approved member.
	IsMember(ctx context.Context, roomID, username string) (bool, error)

	// AppendMessage stores a relayed message for later history fetches.
	AppendMessage(ctx context.Context, msg Message) error

	// Messages returns up to limit most recent messages for the room in
	// send order.
	Messages(ctx context.Context, roomID string, limit int) ([]Message, error)
}
