package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/store"
)

// Sender delivers outbound events to live connections. Send must be
// non-blocking and best-effort: a failure to deliver to one member must not
// stall delivery to others. Alive reports whether the transport still holds
// a live socket for the connection id.
type Sender interface {
	Send(connID, event string, payload any) bool
	Alive(connID string) bool
}

// UploadTokenIssuer mints short-lived, username-scoped credentials for the
// out-of-band HTTP upload service.
type UploadTokenIssuer interface {
	UploadToken(username string) (string, error)
}

// Limits bounds per-connection event dispatch and join-request lifetime.
type Limits struct {
	// EventRateMax events per EventRateWindow per (connection, event name).
	EventRateMax    int
	EventRateWindow time.Duration

	// JoinRequestTTL bounds how long a request may sit unanswered before it
	// is purged and the requester notified. Non-positive disables expiry.
	JoinRequestTTL time.Duration

	// HistoryLimit caps the encrypted-message history returned on rejoin.
	HistoryLimit int
}

// errInternal marks unexpected collaborator failures. They are logged with
// detail and surfaced to the client as a generic error event.
var errInternal = errors.New("internal error")

type handlerFunc func(connID string, data json.RawMessage) error

// Coordinator owns the session state machine. All mutations of shared state
// (registry, room directory, join ledger) are serialized under its mutex so
// check-then-act sequences such as username uniqueness and join resolution
// are atomic with respect to interleaved events from other connections.
// Persistence calls run after the lock is released; outbound sends are
// non-blocking and may run under it.
type Coordinator struct {
	mu sync.Mutex

	logger zerolog.Logger
	limits Limits

	registry *Registry
	rooms    *Directory
	joins    *Negotiator
	limiter  *EventLimiter

	store  store.Store
	tokens UploadTokenIssuer
	sender Sender

	// identities carries the authentication outcome of the transport
	// handshake until the connection registers a username.
	identities map[string]Identity

	handlers map[string]handlerFunc
}

// NewCoordinator wires the session core. Bind must be called with the
// transport sender before any event is dispatched.
func NewCoordinator(limits Limits, st store.Store, tokens UploadTokenIssuer, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		logger:     logger.With().Str("component", "coordinator").Logger(),
		limits:     limits,
		store:      st,
		tokens:     tokens,
		identities: make(map[string]Identity),
		limiter:    NewEventLimiter(),
	}
	c.registry = NewRegistry(c.connAlive, logger)
	c.rooms = NewDirectory(logger)
	c.joins = NewNegotiator(limits.JoinRequestTTL, logger)

	c.handlers = map[string]handlerFunc{
		EventRegister:           c.handleRegister,
		EventCreateRoom:         c.handleCreateRoom,
		EventRequestJoin:        c.handleRequestJoin,
		EventApproveJoin:        c.handleApproveJoin,
		EventDenyJoin:           c.handleDenyJoin,
		EventJoinRoom:           c.handleJoinRoom,
		EventLeaveRoom:          c.handleLeaveRoom,
		EventSendMessage:        c.handleSendMessage,
		EventTyping:             c.handleTyping,
		EventMessageDelivered:   c.handleReceipt(EventMessageDelivered),
		EventMessageRead:        c.handleReceipt(EventMessageRead),
		EventRequestUploadToken: c.handleRequestUploadToken,
	}
	return c
}

// Bind attaches the transport sender. Must happen before Dispatch.
func (c *Coordinator) Bind(sender Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = sender
}

// connAlive is the liveness check consulted by the registry during zombie
// reclamation: a connection is live while the transport holds its socket.
func (c *Coordinator) connAlive(connID string) bool {
	if c.sender == nil {
		return false
	}
	return c.sender.Alive(connID)
}

// Connect records a new transport connection and its handshake identity.
func (c *Coordinator) Connect(connID string, identity Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identities[connID] = identity
}

// Dispatch routes one inbound event through the rate limiter to its handler.
// Handler failures are reported to the offending connection; they never
// break the dispatch loop for other connections.
func (c *Coordinator) Dispatch(connID, event string, data json.RawMessage) {
	if !c.limiter.Allow(connID, event, c.limits.EventRateMax, c.limits.EventRateWindow) {
		metrics.EventRateLimited()
		c.logger.Warn().
			Str("conn_id", connID).
			Str("event", event).
			Int("max_events", c.limits.EventRateMax).
			Dur("window", c.limits.EventRateWindow).
			Msg("Event rate limited")
		c.send(connID, EventError, errorPayload{Message: fmt.Sprintf("rate limit exceeded for %q", event)})
		return
	}

	handler, ok := c.handlers[event]
	if !ok {
		c.logger.Warn().
			Str("conn_id", connID).
			Str("event", event).
			Msg("Unknown event")
		c.send(connID, EventError, errorPayload{Message: fmt.Sprintf("unknown event %q", event)})
		return
	}

	if err := handler(connID, data); err != nil {
		if errors.Is(err, errInternal) {
			c.logger.Error().
				Str("conn_id", connID).
				Str("event", event).
				Err(err).
				Msg("Handler failed")
			c.send(connID, EventError, errorPayload{Message: "internal error"})
			return
		}
		c.logger.Debug().
			Str("conn_id", connID).
			Str("event", event).
			Err(err).
			Msg("Event rejected")
		c.send(connID, EventError, errorPayload{Message: err.Error()})
	}
}

// Disconnect tears down every trace of the connection: registry entry,
// username reservation, room memberships, rate-limit counters, and pending
// join requests. Rooms owned by the connection are closed outright with a
// terminal room-closed broadcast. Safe to call twice and safe to call for a
// connection that never registered.
func (c *Coordinator) Disconnect(connID, reason string) {
	c.mu.Lock()
	delete(c.identities, connID)
	after := c.cleanupConnLocked(connID)
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}

	metrics.SetRoomsActive(c.rooms.Count())
	metrics.SetJoinRequestsPending(c.joins.Count())
	c.logger.Info().
		Str("conn_id", connID).
		Str("reason", reason).
		Msg("Connection cleaned up")
}

// cleanupConnLocked removes the connection's session state and returns the
// persistence work to run after the lock is released.
func (c *Coordinator) cleanupConnLocked(connID string) []func() {
	c.limiter.Release(connID)

	for _, req := range c.joins.PurgeConn(connID) {
		metrics.JoinRequestResolved("orphaned")
		c.logger.Debug().
			Str("request_id", req.ID).
			Str("room_id", req.RoomID).
			Msg("Purged join request from disconnected requester")
	}

	conn := c.registry.Remove(connID)
	if conn == nil {
		// Never registered (or already removed) - nothing else to unwind.
		return nil
	}
	return c.unwindRoomsLocked(conn)
}

// unwindRoomsLocked removes a defunct connection from every room it belonged
// to, closing rooms it owned. Returns deferred persistence work.
func (c *Coordinator) unwindRoomsLocked(conn *Connection) []func() {
	var after []func()
	for _, roomID := range conn.Rooms() {
		info, ok := c.rooms.ByID(roomID)
		if !ok {
			continue
		}
		if info.Owner == conn.Username {
			after = append(after, c.closeRoomLocked(roomID, conn.Username)...)
			continue
		}

		snap, _, err := c.rooms.RemoveMember(roomID, conn.Username)
		if err != nil {
			continue
		}
		c.broadcast(snap.Members, EventMemberLeft, memberEventPayload{RoomID: roomID, Username: conn.Username})
		c.broadcast(snap.Members, EventMembersUpdate, membersUpdatePayload{
			RoomID:     roomID,
			Members:    snap.Members,
			MemberKeys: snap.MemberKeys,
		})
	}
	return after
}

// closeRoomLocked deletes the room, purges its pending join requests, and
// broadcasts the terminal room-closed event. Remaining members lose their
// membership index entries so a later disconnect will not revisit the room.
func (c *Coordinator) closeRoomLocked(roomID, closedBy string) []func() {
	snap, ok := c.rooms.Delete(roomID)
	if !ok {
		return nil
	}

	for _, req := range c.joins.PurgeRoom(roomID) {
		metrics.JoinRequestResolved("orphaned")
		c.send(req.ConnID, EventJoinDenied, roomClosedPayload{RoomID: roomID})
	}

	for _, member := range snap.Members {
		if member == closedBy {
			continue
		}
		memberConn := c.registry.ResolveUsername(member)
		if memberConn == "" {
			continue
		}
		c.registry.RemoveRoom(memberConn, roomID)
		c.send(memberConn, EventRoomClosed, roomClosedPayload{RoomID: roomID})
	}

	return []func(){func() {
		if err := c.store.DeleteRoom(context.Background(), roomID); err != nil {
			c.logger.Error().Str("room_id", roomID).Err(err).Msg("Failed to delete room record")
		}
	}}
}

// Run drives background maintenance: join-request expiry sweeps. Blocks
// until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	if c.limits.JoinRequestTTL <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.limits.JoinRequestTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepExpired(now)
		}
	}
}

func (c *Coordinator) sweepExpired(now time.Time) {
	c.mu.Lock()
	expired := c.joins.Expired(now)
	for _, req := range expired {
		metrics.JoinRequestResolved("expired")
		c.send(req.ConnID, EventError, errorPayload{
			Message: fmt.Sprintf("join request for room %s expired", req.RoomID),
		})
		c.logger.Info().
			Str("request_id", req.ID).
			Str("room_id", req.RoomID).
			Str("username", req.Username).
			Msg("Join request expired")
	}
	c.mu.Unlock()

	if len(expired) > 0 {
		metrics.SetJoinRequestsPending(c.joins.Count())
	}
}

// --- handlers ---

func (c *Coordinator) handleRegister(connID string, data json.RawMessage) error {
	var p registerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("malformed register payload")
	}
	username := strings.TrimSpace(p.Username)
	if username == "" || len(username) > 32 {
		return fmt.Errorf("invalid username")
	}
	if p.PublicKey == "" {
		return fmt.Errorf("missing public key")
	}

	c.mu.Lock()
	identity := c.identities[connID]
	conn, displaced, err := c.registry.Register(connID, username, p.PublicKey, identity)
	if err != nil {
		c.mu.Unlock()
		metrics.RegistrationOutcome("username_taken")
		c.send(connID, EventUsernameTaken, registeredPayload{Username: username})
		return nil
	}

	// Displaced sessions (a zombie holding the username, or this
	// connection's own previous registration) may still hold room
	// memberships and pending requests; unwind them exactly like a
	// disconnect. The registry has already dropped their entries.
	var after []func()
	for _, stale := range displaced {
		if stale.ID != connID {
			metrics.RegistrationOutcome("reclaimed")
		}
		c.limiter.Release(stale.ID)
		for _, req := range c.joins.PurgeConn(stale.ID) {
			metrics.JoinRequestResolved("orphaned")
			c.logger.Debug().
				Str("request_id", req.ID).
				Str("room_id", req.RoomID).
				Msg("Purged join request from displaced session")
		}
		after = append(after, c.unwindRoomsLocked(stale)...)
	}
	subject, publicKey := conn.PersistenceKey(), conn.PublicKey
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}

	metrics.RegistrationOutcome("ok")
	c.send(connID, EventRegistered, registeredPayload{Username: username})

	if err := c.store.UpsertPublicKey(context.Background(), subject, publicKey); err != nil {
		c.logger.Error().Str("subject", subject).Err(err).Msg("Failed to upsert public key")
	}
	return nil
}

func (c *Coordinator) handleCreateRoom(connID string, _ json.RawMessage) error {
	c.mu.Lock()
	conn := c.registry.Lookup(connID)
	if conn == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	info, err := c.rooms.Create(conn.Username, conn.PublicKey)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrCodeSpaceExhausted) {
			return err
		}
		return fmt.Errorf("%w: %v", errInternal, err)
	}
	c.registry.AddRoom(connID, info.ID)
	c.mu.Unlock()

	metrics.SetRoomsActive(c.rooms.Count())
	c.send(connID, EventRoomCreated, roomCreatedPayload{RoomID: info.ID, RoomCode: info.Code})

	if err := c.store.SaveRoom(context.Background(), info.ID, info.Code, info.Owner); err != nil {
		c.logger.Error().Str("room_id", info.ID).Err(err).Msg("Failed to save room record")
	}
	return nil
}

func (c *Coordinator) handleRequestJoin(connID string, data json.RawMessage) error {
	var p requestJoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomCode == "" {
		return fmt.Errorf("malformed join request payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.registry.Lookup(connID)
	if conn == nil {
		return ErrNotRegistered
	}
	info, ok := c.rooms.ByCode(strings.ToUpper(strings.TrimSpace(p.RoomCode)))
	if !ok {
		return ErrRoomNotFound
	}
	if c.rooms.IsMember(info.ID, conn.Username) {
		return fmt.Errorf("already a member of room %s", info.ID)
	}

	ownerConn := c.registry.ResolveUsername(info.Owner)
	if ownerConn == "" {
		// Owner-less rooms are torn down on disconnect; defensive only.
		return ErrRoomNotFound
	}

	req := c.joins.Create(info.ID, connID, conn.Username, conn.PublicKey)
	metrics.SetJoinRequestsPending(c.joins.Count())
	c.send(ownerConn, EventJoinRequest, joinRequestPayload{
		RequestID: req.ID,
		Username:  req.Username,
		PublicKey: req.PublicKey,
		RoomID:    req.RoomID,
	})
	return nil
}

func (c *Coordinator) handleApproveJoin(connID string, data json.RawMessage) error {
	var p resolveJoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		return fmt.Errorf("malformed approve payload")
	}

	c.mu.Lock()
	caller := c.registry.Lookup(connID)
	if caller == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}

	req, ok := c.joins.Get(p.RequestID)
	if !ok {
		// Already resolved (double click, or the requester vanished).
		// Benign: log and move on, never a double membership add.
		c.mu.Unlock()
		c.logger.Debug().Str("request_id", p.RequestID).Msg("Approve for unknown or resolved request")
		return nil
	}
	info, roomOK := c.rooms.ByID(req.RoomID)
	if !roomOK {
		// Room vanished between request and approval; orphan the request.
		c.joins.Resolve(req.ID)
		c.mu.Unlock()
		metrics.JoinRequestResolved("orphaned")
		return ErrRoomNotFound
	}
	if info.Owner != caller.Username {
		c.mu.Unlock()
		return ErrForbidden
	}
	requester := c.registry.Lookup(req.ConnID)
	if requester == nil || requester.Username != req.Username {
		// Requester disconnected (or re-registered) while pending; the
		// request can no longer resolve into a live membership.
		c.joins.Resolve(req.ID)
		c.mu.Unlock()
		metrics.JoinRequestResolved("orphaned")
		metrics.SetJoinRequestsPending(c.joins.Count())
		return fmt.Errorf("requester is no longer connected")
	}

	// All checks passed: resolve and mutate atomically under the lock.
	c.joins.Resolve(req.ID)
	snap, err := c.rooms.AddMember(req.RoomID, req.Username, req.PublicKey)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.registry.AddRoom(req.ConnID, req.RoomID)

	c.send(req.ConnID, EventJoinApproved, joinApprovedPayload{
		RoomID:     req.RoomID,
		RoomCode:   info.Code,
		Members:    snap.Members,
		MemberKeys: snap.MemberKeys,
	})
	for _, member := range snap.Members {
		if member == req.Username {
			continue
		}
		c.sendToUser(member, EventMemberJoined, memberEventPayload{RoomID: req.RoomID, Username: req.Username})
		c.sendToUser(member, EventMembersUpdate, membersUpdatePayload{
			RoomID:     req.RoomID,
			Members:    snap.Members,
			MemberKeys: snap.MemberKeys,
		})
	}
	roomID, username := req.RoomID, req.Username
	c.mu.Unlock()

	metrics.JoinRequestResolved("approved")
	metrics.SetJoinRequestsPending(c.joins.Count())

	if err := c.store.AddMember(context.Background(), roomID, username); err != nil {
		c.logger.Error().Str("room_id", roomID).Str("username", username).Err(err).Msg("Failed to persist membership")
	}
	return nil
}

func (c *Coordinator) handleDenyJoin(connID string, data json.RawMessage) error {
	var p resolveJoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RequestID == "" {
		return fmt.Errorf("malformed deny payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	caller := c.registry.Lookup(connID)
	if caller == nil {
		return ErrNotRegistered
	}
	req, ok := c.joins.Get(p.RequestID)
	if !ok {
		c.logger.Debug().Str("request_id", p.RequestID).Msg("Deny for unknown or resolved request")
		return nil
	}
	if info, roomOK := c.rooms.ByID(req.RoomID); roomOK && info.Owner != caller.Username {
		return ErrForbidden
	}

	c.joins.Resolve(req.ID)
	metrics.JoinRequestResolved("denied")
	metrics.SetJoinRequestsPending(c.joins.Count())
	c.send(req.ConnID, EventJoinDenied, roomClosedPayload{RoomID: req.RoomID})
	return nil
}

func (c *Coordinator) handleJoinRoom(connID string, data json.RawMessage) error {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return fmt.Errorf("malformed join payload")
	}

	c.mu.Lock()
	conn := c.registry.Lookup(connID)
	if conn == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if _, ok := c.rooms.ByID(p.RoomID); !ok {
		c.mu.Unlock()
		return ErrRoomNotFound
	}
	username, publicKey := conn.Username, conn.PublicKey
	alreadyLive := c.rooms.IsMember(p.RoomID, username)
	c.mu.Unlock()

	// Approved membership survives a transient disconnect in the
	// persistence layer; consult it without holding the coordinator lock.
	if !alreadyLive {
		approved, err := c.store.IsMember(context.Background(), p.RoomID, username)
		if err != nil {
			return fmt.Errorf("%w: %v", errInternal, err)
		}
		if !approved {
			return ErrForbidden
		}
	}
	history, err := c.store.Messages(context.Background(), p.RoomID, c.limits.HistoryLimit)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}

	c.mu.Lock()
	// Revalidate: the room or the registration may have vanished while the
	// store was consulted.
	if c.registry.Lookup(connID) == nil {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.rooms.ByID(p.RoomID); !ok {
		c.mu.Unlock()
		return ErrRoomNotFound
	}
	snap, err := c.rooms.AddMember(p.RoomID, username, publicKey)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.registry.AddRoom(connID, p.RoomID)

	if !alreadyLive {
		for _, member := range snap.Members {
			if member == username {
				continue
			}
			c.sendToUser(member, EventMemberJoined, memberEventPayload{RoomID: p.RoomID, Username: username})
			c.sendToUser(member, EventMembersUpdate, membersUpdatePayload{
				RoomID:     p.RoomID,
				Members:    snap.Members,
				MemberKeys: snap.MemberKeys,
			})
		}
	}

	encrypted := make([]RelayedMessage, 0, len(history))
	for _, msg := range history {
		encrypted = append(encrypted, RelayedMessage{
			ID:            msg.ID,
			RoomID:        msg.RoomID,
			Sender:        msg.Sender,
			EncryptedData: msg.Ciphertext,
			IV:            msg.IV,
			AttachmentID:  msg.AttachmentID,
			Timestamp:     msg.SentAt.UnixMilli(),
		})
	}
	c.send(connID, EventRoomData, roomDataPayload{
		RoomID:            p.RoomID,
		Members:           snap.Members,
		MemberKeys:        snap.MemberKeys,
		EncryptedMessages: encrypted,
	})
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleLeaveRoom(connID string, data json.RawMessage) error {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return fmt.Errorf("malformed leave payload")
	}

	c.mu.Lock()
	conn := c.registry.Lookup(connID)
	if conn == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	info, ok := c.rooms.ByID(p.RoomID)
	if !ok {
		c.mu.Unlock()
		return ErrRoomNotFound
	}
	if !c.rooms.IsMember(p.RoomID, conn.Username) {
		c.mu.Unlock()
		return ErrForbidden
	}

	var after []func()
	if info.Owner == conn.Username {
		// Explicit deletion by the owner: terminal for the whole room.
		c.registry.RemoveRoom(connID, p.RoomID)
		after = c.closeRoomLocked(p.RoomID, conn.Username)
		c.send(connID, EventRoomClosed, roomClosedPayload{RoomID: p.RoomID})
	} else {
		snap, _, err := c.rooms.RemoveMember(p.RoomID, conn.Username)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.registry.RemoveRoom(connID, p.RoomID)
		c.broadcast(snap.Members, EventMemberLeft, memberEventPayload{RoomID: p.RoomID, Username: conn.Username})
		c.broadcast(snap.Members, EventMembersUpdate, membersUpdatePayload{
			RoomID:     p.RoomID,
			Members:    snap.Members,
			MemberKeys: snap.MemberKeys,
		})
		roomID, username := p.RoomID, conn.Username
		after = append(after, func() {
			// An explicit leave revokes the approved membership; a transient
			// disconnect does not.
			if err := c.store.RemoveMember(context.Background(), roomID, username); err != nil {
				c.logger.Error().Str("room_id", roomID).Str("username", username).Err(err).Msg("Failed to revoke membership")
			}
		})
	}
	c.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	metrics.SetRoomsActive(c.rooms.Count())
	metrics.SetJoinRequestsPending(c.joins.Count())
	return nil
}

func (c *Coordinator) handleSendMessage(connID string, data json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.EncryptedData == "" || p.IV == "" {
		return fmt.Errorf("malformed message payload")
	}

	c.mu.Lock()
	conn := c.registry.Lookup(connID)
	if conn == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	if !c.rooms.IsMember(p.RoomID, conn.Username) {
		c.mu.Unlock()
		return ErrForbidden
	}
	snap, err := c.rooms.Snapshot(p.RoomID)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	// Timestamp assigned at relay time so members share one ordering
	// reference. Ciphertext and IV pass through untouched.
	now := time.Now()
	msg := RelayedMessage{
		ID:            uuid.NewString(),
		RoomID:        p.RoomID,
		Sender:        conn.Username,
		EncryptedData: p.EncryptedData,
		IV:            p.IV,
		AttachmentID:  p.AttachmentID,
		Timestamp:     now.UnixMilli(),
	}
	for _, member := range snap.Members {
		if member == conn.Username {
			continue
		}
		if !c.sendToUser(member, EventNewMessage, msg) {
			metrics.RelayDropped()
		}
	}
	c.mu.Unlock()

	metrics.MessageRelayed()
	if err := c.store.AppendMessage(context.Background(), store.Message{
		ID:           msg.ID,
		RoomID:       msg.RoomID,
		Sender:       msg.Sender,
		Ciphertext:   msg.EncryptedData,
		IV:           msg.IV,
		AttachmentID: msg.AttachmentID,
		SentAt:       now,
	}); err != nil {
		c.logger.Error().Str("room_id", msg.RoomID).Err(err).Msg("Failed to persist message")
	}
	return nil
}

func (c *Coordinator) handleTyping(connID string, data json.RawMessage) error {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return fmt.Errorf("malformed typing payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn := c.registry.Lookup(connID)
	if conn == nil {
		return ErrNotRegistered
	}
	if !c.rooms.IsMember(p.RoomID, conn.Username) {
		return ErrForbidden
	}
	snap, err := c.rooms.Snapshot(p.RoomID)
	if err != nil {
		return err
	}
	for _, member := range snap.Members {
		if member == conn.Username {
			continue
		}
		c.sendToUser(member, EventUserTyping, userTypingPayload{RoomID: p.RoomID, Username: conn.Username})
	}
	return nil
}

// handleReceipt relays delivery acknowledgements (message-delivered,
// message-read) to the other room members. These events are exempt from
// rate limiting.
func (c *Coordinator) handleReceipt(event string) handlerFunc {
	return func(connID string, data json.RawMessage) error {
		var p receiptPayload
		if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
			return fmt.Errorf("malformed receipt payload")
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		conn := c.registry.Lookup(connID)
		if conn == nil {
			return ErrNotRegistered
		}
		if !c.rooms.IsMember(p.RoomID, conn.Username) {
			return ErrForbidden
		}
		snap, err := c.rooms.Snapshot(p.RoomID)
		if err != nil {
			return err
		}
		for _, member := range snap.Members {
			if member == conn.Username {
				continue
			}
			c.sendToUser(member, event, receiptEventPayload{
				RoomID:    p.RoomID,
				MessageID: p.MessageID,
				Username:  conn.Username,
			})
		}
		return nil
	}
}

func (c *Coordinator) handleRequestUploadToken(connID string, _ json.RawMessage) error {
	c.mu.Lock()
	conn := c.registry.Lookup(connID)
	c.mu.Unlock()
	if conn == nil {
		return ErrNotRegistered
	}

	token, err := c.tokens.UploadToken(conn.Username)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}
	metrics.UploadTokenIssued()
	c.send(connID, EventUploadToken, uploadTokenPayload{Token: token})
	return nil
}

// --- delivery helpers ---

// send delivers one event to a connection id, best-effort.
func (c *Coordinator) send(connID, event string, payload any) bool {
	if c.sender == nil {
		return false
	}
	return c.sender.Send(connID, event, payload)
}

// sendToUser resolves a username to its live connection and delivers,
// best-effort. Returns false when the user has no live connection or the
// send buffer is full.
func (c *Coordinator) sendToUser(username, event string, payload any) bool {
	connID := c.registry.ResolveUsername(username)
	if connID == "" {
		return false
	}
	return c.send(connID, event, payload)
}

// broadcast fans an event out to every listed member. Per-member failures
// are ignored: one slow or dead member never aborts delivery to the rest.
func (c *Coordinator) broadcast(members []string, event string, payload any) {
	for _, member := range members {
		c.sendToUser(member, event, payload)
	}
}

// Stats returns a point-in-time view of the session core for the health
// endpoint.
func (c *Coordinator) Stats() map[string]any {
	return map[string]any{
		"connections":           c.registry.Count(),
		"rooms":                 c.rooms.Count(),
		"pending_join_requests": c.joins.Count(),
		"rate_limit_windows":    c.limiter.Count(),
	}
}
