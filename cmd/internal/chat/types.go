package chat

import (
	"strings"
	"time"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageLink  MessageType = "link"
)

// Valid reports whether t is one of the known message kinds.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageLink:
		return true
	default:
		return false
	}
}

// HasAttachment reports whether messages of this type carry an uploaded binary.
func (t MessageType) HasAttachment() bool {
	return t == MessageImage || t == MessageFile
}

// Role is the caller's relation to a conversation, evaluated once per request.
type Role uint8

const (
	RoleNone Role = iota
	RoleParticipant
)

// Conversation is a two-party conversation. Participants is kept sorted.
type Conversation struct {
	ID           string
	Participants [2]string
	LastMessage  string
	LastAt       *time.Time
	LastBy       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// RoleOf returns RoleParticipant when userID is one of the two participants.
func (c Conversation) RoleOf(userID string) Role {
	if userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID) {
		return RoleParticipant
	}
	return RoleNone
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Active reports whether the conversation is not tombstoned.
func (c Conversation) Active() bool { return c.DeletedAt == nil }

// LastMessage is the summary written after every message creation.
type LastMessage struct {
	Text string
	At   time.Time
	By   string
}

// Message is a persisted message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Sender         *Profile
	Type           MessageType
	Content        string
	FileName       string
	Read           bool
	ReadAt         *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// Profile is participant display data resolved through a Directory.
type Profile struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

// ConversationView is a conversation populated for a specific caller.
type ConversationView struct {
	Conversation
	Profiles    []Profile
	Other       Profile
	UnreadCount int64
}

// PairKey returns the order-independent key of a participant pair.
func PairKey(a, b string) string {
	p := SortedPair(a, b)
	return p[0] + ":" + p[1]
}

// SortedPair returns a and b in lexical order.
func SortedPair(a, b string) [2]string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return [2]string{a, b}
}
