package session

// Inbound event names consumed by the coordinator.
const (
	EventRegister           = "register"
	EventCreateRoom         = "create-room"
	EventRequestJoin        = "request-join"
	EventApproveJoin        = "approve-join"
	EventDenyJoin           = "deny-join"
	EventJoinRoom           = "join-room"
	EventLeaveRoom          = "leave-room"
	EventSendMessage        = "send-encrypted-message"
	EventTyping             = "typing"
	EventMessageDelivered   = "message-delivered"
	EventMessageRead        = "message-read"
	EventRequestUploadToken = "request-upload-token"
)

// Outbound event names produced by the coordinator.
const (
	EventRegistered       = "registered"
	EventUsernameTaken    = "username-taken"
	EventRoomCreated      = "room-created"
	EventJoinRequest      = "join-request"
	EventJoinApproved     = "join-approved"
	EventJoinDenied       = "join-denied"
	EventRoomData         = "room-data"
	EventNewMessage       = "new-encrypted-message"
	EventMemberJoined     = "member-joined"
	EventMemberLeft       = "member-left"
	EventMembersUpdate    = "members-update"
	EventRoomClosed       = "room-closed"
	EventUserTyping       = "user-typing"
	EventUploadToken      = "upload-token"
	EventError            = "error"
)

// Inbound payloads.

type registerPayload struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

type requestJoinPayload struct {
	RoomCode string `json:"roomCode"`
}

type resolveJoinPayload struct {
	RequestID string `json:"requestId"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID        string `json:"roomId"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AttachmentID  string `json:"attachmentId,omitempty"`
}

type receiptPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// Outbound payloads.

type registeredPayload struct {
	Username string `json:"username"`
}

type roomCreatedPayload struct {
	RoomID   string `json:"roomId"`
	RoomCode string `json:"roomCode"`
}

type joinRequestPayload struct {
	RequestID string `json:"requestId"`
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
	RoomID    string `json:"roomId"`
}

type joinApprovedPayload struct {
	RoomID     string            `json:"roomId"`
	RoomCode   string            `json:"roomCode"`
	Members    []string          `json:"members"`
	MemberKeys map[string]string `json:"memberKeys"`
}

type roomDataPayload struct {
	RoomID            string            `json:"roomId"`
	Members           []string          `json:"members"`
	MemberKeys        map[string]string `json:"memberKeys"`
	EncryptedMessages []RelayedMessage  `json:"encryptedMessages"`
}

// RelayedMessage is the opaque ciphertext envelope fanned out to room
// members. The server assigns the timestamp at relay time to give members a
// consistent ordering reference; everything else passes through verbatim.
type RelayedMessage struct {
	ID            string `json:"id"`
	RoomID        string `json:"roomId"`
	Sender        string `json:"sender"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AttachmentID  string `json:"attachmentId,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

type memberEventPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type membersUpdatePayload struct {
	RoomID     string            `json:"roomId"`
	Members    []string          `json:"members"`
	MemberKeys map[string]string `json:"memberKeys"`
}

type roomClosedPayload struct {
	RoomID string `json:"roomId"`
}

type userTypingPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type receiptEventPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
}

type uploadTokenPayload struct {
	Token string `json:"token"`
}

type errorPayload struct {
	Message string `json:"message"`
}
