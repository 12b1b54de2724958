package model

// MsgType represents the WebSocket message type
type MsgType string

const (
	// Relay → Client
	MsgTypeComment MsgType = "comment"
	MsgTypeApp     MsgType = "app"
	MsgTypeError   MsgType = "error"

	// Client → Relay
	MsgTypeAcn MsgType = "acn"
)

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	switch t {
	case MsgTypeComment, MsgTypeApp, MsgTypeError, MsgTypeAcn:
		return true
	}
	return false
}

// ErrorKind classifies an error reported by the relay.
type ErrorKind string

const (
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindTooManyMessages ErrorKind = "too_many_messages"
	ErrorKindInvalidMessage  ErrorKind = "invalid_message"
)

// WebSocket close codes used by the relay.
const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	CloseAuthFailed      = 4000
	CloseTooManyMessages = 4001
	CloseInvalidMessage  = 4002
)

// Application commands carried in "app" messages.
const (
	AppCmdClear     = "clear"
	AppCmdReconnect = "reconnect"
)

// Message is the top-level WebSocket frame. Which fields are set depends on Type:
//
//	comment: Comment, Pinned
//	acn:     Room, Hash
//	app:     Cmd
//	error:   Error, Message
type Message struct {
	Type    MsgType   `json:"type"`
	Comment string    `json:"comment,omitempty"`
	Pinned  bool      `json:"pinned,omitempty"`
	Room    string    `json:"room,omitempty"`
	Hash    string    `json:"hash,omitempty"`
	Cmd     string    `json:"cmd,omitempty"`
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
}

// NewComment builds a comment message.
func NewComment(text string) *Message {
	return &Message{Type: MsgTypeComment, Comment: text}
}

// NewAcn builds the room authentication request sent right after connecting.
func NewAcn(room, hash string) *Message {
	return &Message{Type: MsgTypeAcn, Room: room, Hash: hash}
}
