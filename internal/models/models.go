package models

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrAuth         = errors.New("authentication failed")
)

// DeletedPlaceholder replaces the body of a message tombstoned for everyone.
const DeletedPlaceholder = "This message was deleted"

// DefaultRoom is the room joined when the client names none.
const DefaultRoom = "general"

// User represents a registered user.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Room is a named message namespace. It carries no behavior of its own;
// presence and history are keyed by its name.
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatorID string `json:"creatorId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

// ReplyPreview is a truncated view of a replied-to message, attached to
// broadcasts and history entries while the target is still visible.
type ReplyPreview struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Message is the authoritative server record of a chat message.
// ID is immutable and unique forever, even after tombstoning. ClientID is the
// sender's correlation id and is never reused as ID.
type Message struct {
	ID            string        `json:"id"`
	Room          string        `json:"room"`
	Username      string        `json:"username,omitempty"` // empty for system messages
	Text          string        `json:"text"`
	System        bool          `json:"system"`
	ClientID      string        `json:"clientId,omitempty"`
	CreatedAt     int64         `json:"createdAt"` // unix milliseconds, server clock
	EditedAt      int64         `json:"editedAt,omitempty"`
	ReplyTo       string        `json:"replyTo,omitempty"`
	ReplyPreview  *ReplyPreview `json:"replyPreview,omitempty"`
	DeletedForAll bool          `json:"deletedForAll,omitempty"`
	ReadAt        int64         `json:"readAt,omitempty"`
}

// DeleteScope selects between the per-user overlay and the room-wide tombstone.
type DeleteScope string

const (
	DeleteScopeSelf DeleteScope = "self"
	DeleteScopeAll  DeleteScope = "all"
)

type ClientEventType string

const (
	ClientEventJoin   ClientEventType = "join"
	ClientEventSend   ClientEventType = "send"
	ClientEventRead   ClientEventType = "read"
	ClientEventTyping ClientEventType = "typing"
	ClientEventEdit   ClientEventType = "edit"
	ClientEventDelete ClientEventType = "delete"
)

// ClientEvent is the envelope for everything a client sends after the handshake.
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	Room      string          `json:"room,omitempty"`
	Text      string          `json:"text,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	ReadUpTo  int64           `json:"readUpTo,omitempty"`
	IsTyping  bool            `json:"isTyping,omitempty"`
	MessageID string          `json:"messageId,omitempty"` // permanent id or correlation id
	NewText   string          `json:"newText,omitempty"`
	Scope     DeleteScope     `json:"scope,omitempty"`
}

type ServerEventType string

const (
	ServerEventHistory    ServerEventType = "history"
	ServerEventJoined     ServerEventType = "joined"
	ServerEventPresence   ServerEventType = "presence"
	ServerEventNewMessage ServerEventType = "new-message"
	ServerEventDelivered  ServerEventType = "delivered"
	ServerEventSeen       ServerEventType = "seen"
	ServerEventTyping     ServerEventType = "typing"
	ServerEventEdited     ServerEventType = "edited"
	ServerEventTombstoned ServerEventType = "tombstoned"
	ServerEventHidden     ServerEventType = "hidden"
)

// ServerEvent is the envelope for everything the server pushes to clients.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	Room      string          `json:"room,omitempty"`
	Users     []string        `json:"users,omitempty"`
	Messages  []Message       `json:"messages,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	ReadUpTo  int64           `json:"readUpTo,omitempty"`
	ReadAt    int64           `json:"readAt,omitempty"`
	Username  string          `json:"username,omitempty"`
	IsTyping  bool            `json:"isTyping,omitempty"`
}
