package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Negotiator is the pending join-request ledger. Each request moves from
// Pending to exactly one of approved, denied, orphaned (target room vanished)
// or expired (owner never answered within the TTL). Resolution is atomic:
// a request id resolves at most once, so a duplicate approve or deny is a
// benign ErrRequestNotFound rather than a double membership add.
type Negotiator struct {
	mu      sync.Mutex
	pending map[string]*JoinRequest
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewNegotiator creates an empty ledger. Requests older than ttl are
// reported by Expired; a non-positive ttl disables expiry.
func NewNegotiator(ttl time.Duration, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		pending: make(map[string]*JoinRequest),
		ttl:     ttl,
		logger:  logger.With().Str("component", "joins").Logger(),
	}
}

// Create registers a new pending request for the room and returns it.
func (n *Negotiator) Create(roomID, connID, username, publicKey string) *JoinRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	req := &JoinRequest{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		ConnID:    connID,
		Username:  username,
		PublicKey: publicKey,
		CreatedAt: time.Now(),
	}
	n.pending[req.ID] = req
	n.logger.Debug().
		Str("request_id", req.ID).
		Str("room_id", roomID).
		Str("username", username).
		Msg("Join request created")
	return req
}

// Get returns the pending request without resolving it, for validation
// ahead of an approve/deny decision.
func (n *Negotiator) Get(requestID string) (*JoinRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	req, ok := n.pending[requestID]
	return req, ok
}

// Resolve removes the request from the ledger and returns it. The first
// caller wins; any later call for the same id gets ErrRequestNotFound.
func (n *Negotiator) Resolve(requestID string) (*JoinRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	req, ok := n.pending[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	delete(n.pending, requestID)
	return req, nil
}

// PurgeRoom removes every pending request targeting the room and returns
// them. Called when the room disappears so no request can resolve against a
// room that no longer exists.
func (n *Negotiator) PurgeRoom(roomID string) []*JoinRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	var purged []*JoinRequest
	for id, req := range n.pending {
		if req.RoomID == roomID {
			delete(n.pending, id)
			purged = append(purged, req)
		}
	}
	return purged
}

// PurgeConn removes every pending request created by the connection and
// returns them. Called on disconnect.
func (n *Negotiator) PurgeConn(connID string) []*JoinRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	var purged []*JoinRequest
	for id, req := range n.pending {
		if req.ConnID == connID {
			delete(n.pending, id)
			purged = append(purged, req)
		}
	}
	return purged
}

// Expired removes and returns every request older than the TTL as of now.
func (n *Negotiator) Expired(now time.Time) []*JoinRequest {
	if n.ttl <= 0 {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var expired []*JoinRequest
	for id, req := range n.pending {
		if now.Sub(req.CreatedAt) > n.ttl {
			delete(n.pending, id)
			expired = append(expired, req)
		}
	}
	return expired
}

// Count returns the number of pending requests.
func (n *Negotiator) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}
