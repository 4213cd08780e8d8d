package session

import (
	"crypto/rand"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Room code generation. The alphabet drops 0/O/1/I/L to keep codes readable
// when shared over voice or handwriting. 31^6 ≈ 887M codes; collisions among
// concurrently active rooms are retried a bounded number of times.
const (
	roomCodeAlphabet   = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	roomCodeLength     = 6
	roomCodeMaxRetries = 5
)

// room is the directory-internal representation. Membership maps never leave
// this package; callers get RoomInfo and Snapshot copies.
type room struct {
	id      string
	code    string
	owner   string
	members map[string]string // username → public key
}

func (rm *room) info() RoomInfo {
	return RoomInfo{
		ID:          rm.id,
		Code:        rm.code,
		Owner:       rm.owner,
		MemberCount: len(rm.members),
	}
}

func (rm *room) snapshot() Snapshot {
	members := make([]string, 0, len(rm.members))
	keys := make(map[string]string, len(rm.members))
	for username, key := range rm.members {
		members = append(members, username)
		keys[username] = key
	}
	// Owner first, then the rest in stable order so every broadcast of the
	// same membership is byte-identical.
	sort.Slice(members, func(i, j int) bool {
		if members[i] == rm.owner {
			return true
		}
		if members[j] == rm.owner {
			return false
		}
		return members[i] < members[j]
	})
	return Snapshot{Members: members, MemberKeys: keys}
}

// Directory maps room ids and human-shareable codes to room membership and
// ownership. A room always has exactly one owner and the owner is always a
// current member; the directory never produces a snapshot that omits the
// owner while the room exists.
type Directory struct {
	mu     sync.Mutex
	byID   map[string]*room
	byCode map[string]*room
	logger zerolog.Logger
}

// NewDirectory creates an empty room directory.
func NewDirectory(logger zerolog.Logger) *Directory {
	return &Directory{
		byID:   make(map[string]*room),
		byCode: make(map[string]*room),
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// Create makes a new room with a fresh id and a code unique among currently
// active rooms. The creator becomes owner and sole initial member. Fails
// with ErrCodeSpaceExhausted if code generation keeps colliding.
func (d *Directory) Create(ownerUsername, ownerKey string) (RoomInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var code string
	for attempt := 0; ; attempt++ {
		if attempt >= roomCodeMaxRetries {
			return RoomInfo{}, ErrCodeSpaceExhausted
		}
		c, err := generateRoomCode()
		if err != nil {
			return RoomInfo{}, err
		}
		if _, taken := d.byCode[c]; !taken {
			code = c
			break
		}
	}

	rm := &room{
		id:      uuid.NewString(),
		code:    code,
		owner:   ownerUsername,
		members: map[string]string{ownerUsername: ownerKey},
	}
	d.byID[rm.id] = rm
	d.byCode[rm.code] = rm

	d.logger.Info().
		Str("room_id", rm.id).
		Str("room_code", rm.code).
		Str("owner", ownerUsername).
		Msg("Room created")
	return rm.info(), nil
}

// ByCode resolves a room code to room info.
func (d *Directory) ByCode(code string) (RoomInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byCode[code]
	if !ok {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// ByID resolves a room id to room info.
func (d *Directory) ByID(roomID string) (RoomInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return rm.info(), true
}

// AddMember adds a username and its public key to the room. Adding an
// existing member refreshes the key and is otherwise a no-op. Fails with
// ErrRoomNotFound if the room is gone.
func (d *Directory) AddMember(roomID, username, publicKey string) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	rm.members[username] = publicKey
	return rm.snapshot(), nil
}

// RemoveMember removes the username from the room and returns the room's new
// snapshot. ownerLeft reports that the removed member was the owner, in
// which case the caller must close the room; the directory itself does not
// delete it so the caller can first collect the remaining members.
func (d *Directory) RemoveMember(roomID, username string) (Snapshot, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return Snapshot{}, false, ErrRoomNotFound
	}
	delete(rm.members, username)
	return rm.snapshot(), username == rm.owner, nil
}

// IsMember reports whether the username is a current member of the room.
// Used by the relay and by external collaborators (file access control).
func (d *Directory) IsMember(roomID, username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return false
	}
	_, member := rm.members[username]
	return member
}

// Snapshot returns the canonical membership payload for the room.
func (d *Directory) Snapshot(roomID string) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return Snapshot{}, ErrRoomNotFound
	}
	return rm.snapshot(), nil
}

// Delete removes the room and frees its code. Returns the final snapshot and
// whether the room existed.
func (d *Directory) Delete(roomID string) (Snapshot, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rm, ok := d.byID[roomID]
	if !ok {
		return Snapshot{}, false
	}
	delete(d.byID, rm.id)
	delete(d.byCode, rm.code)
	d.logger.Info().
		Str("room_id", rm.id).
		Str("room_code", rm.code).
		Msg("Room deleted")
	return rm.snapshot(), true
}

// Count returns the number of active rooms.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byID)
}

func generateRoomCode() (string, error) {
	buf := make([]byte, roomCodeLength)
	alphabetLen := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
