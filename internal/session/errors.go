package session

import "errors"

// Recoverable per-event failures. The connection stays open; the handler
// reports the failure back to the offending connection and commits nothing.
var (
	// ErrUsernameTaken is returned when a registration conflicts with a
	// username reserved by a different live connection.
	ErrUsernameTaken = errors.New("username taken")

	// ErrRoomNotFound is returned for a stale or invalid room code/id.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRequestNotFound is returned when a join request is unknown or has
	// already been resolved. Callers treat it as a benign no-op.
	ErrRequestNotFound = errors.New("join request not found")

	// ErrForbidden is returned when a non-member attempts a room-scoped
	// action.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited is returned when a connection exceeds its per-event
	// window. The event is dropped, never queued.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotRegistered is returned when a connection attempts a room or
	// relay action before completing registration.
	ErrNotRegistered = errors.New("connection not registered")

	// ErrCodeSpaceExhausted is returned when room code generation keeps
	// colliding after the bounded retry count.
	ErrCodeSpaceExhausted = errors.New("room code space exhausted")
)
