package store

import (
	"context"
	"sync"
)

// Memory is the in-process Store used in single-node deployments and tests.
// History is capped per room; the oldest messages are evicted first.
type Memory struct {
	mu         sync.Mutex
	publicKeys map[string]string
	rooms      map[string]memoryRoom
	messages   map[string][]Message
	historyCap int
}

type memoryRoom struct {
	code    string
	owner   string
	members map[string]struct{}
}

// NewMemory creates an empty in-memory store. historyCap bounds the number
// of messages retained per room; non-positive means 500.
func NewMemory(historyCap int) *Memory {
	if historyCap <= 0 {
		historyCap = 500
	}
	return &Memory{
		publicKeys: make(map[string]string),
		rooms:      make(map[string]memoryRoom),
		messages:   make(map[string][]Message),
		historyCap: historyCap,
	}
}

func (m *Memory) UpsertPublicKey(_ context.Context, subject, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKeys[subject] = publicKey
	return nil
}

// PublicKey returns the stored key for a subject. Used by tests and the
// (out-of-scope) HTTP surface.
func (m *Memory) PublicKey(subject string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.publicKeys[subject]
	return key, ok
}

func (m *Memory) SaveRoom(_ context.Context, roomID, roomCode, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[roomID] = memoryRoom{
		code:    roomCode,
		owner:   owner,
		members: map[string]struct{}{owner: {}},
	}
	return nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	delete(m.messages, roomID)
	return nil
}

func (m *Memory) AddMember(_ context.Context, roomID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	rm.members[username] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, roomID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, ok := m.rooms[roomID]; ok {
		delete(rm.members, username)
	}
	return nil
}

func (m *Memory) IsMember(_ context.Context, roomID, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	_, member := rm.members[username]
	return member, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := append(m.messages[msg.RoomID], msg)
	if len(history) > m.historyCap {
		history = history[len(history)-m.historyCap:]
	}
	m.messages[msg.RoomID] = history
	return nil
}

func (m *Memory) Messages(_ context.Context, roomID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.messages[roomID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Message, len(history))
	copy(out, history)
	return out, nil
}
