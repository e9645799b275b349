// Package v1 defines the duet realtime protocol v1 contract.
//
// It is shared between the server gateway and Go clients so the wire format
// has a single source of truth.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated at handshake.
const Subprotocol = "duet.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeJoinConversation asks to join a conversation room (client -> server).
	TypeJoinConversation = "join:conversation"
	// TypeJoinedConversation acknowledges a join attempt (server -> client).
	TypeJoinedConversation = "joined:conversation"

	// TypeLeaveConversation leaves a conversation room (client -> server).
	TypeLeaveConversation = "leave:conversation"
	// TypeLeftConversation acknowledges a leave (server -> client).
	TypeLeftConversation = "left:conversation"

	// TypeTyping carries typing state in both directions.
	TypeTyping = "typing"

	// TypeMessageSend creates a message over the socket (client -> server).
	TypeMessageSend = "message:send"
	// TypeMessageAck answers a message:send with the persisted record (server -> client).
	TypeMessageAck = "message:ack"
	// TypeMessageNew fans out a persisted message to the room (server -> room).
	TypeMessageNew = "message:new"

	// TypeMessageRead is a mark-read request (client -> server) and a
	// read-cursor fanout (server -> room).
	TypeMessageRead = "message:read"

	// TypeError is a generic protocol error (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinConversation,
		TypeJoinedConversation,
		TypeLeaveConversation,
		TypeLeftConversation,
		TypeTyping,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageRead,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into a v1 envelope.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, dst)
}

// ---- Payloads ----

// ConversationRef names a conversation; used by join, leave and mark-read requests.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// JoinedConversationPayload is the structured join acknowledgment.
// A failed join carries Success=false plus an error and a stable code so the
// client can decide whether to retry.
type JoinedConversationPayload struct {
	ConversationID string `json:"conversationId"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Code           string `json:"code,omitempty"`
}

// TypingPayload is sent by clients without UserID; the server fills it in on fanout.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageSendPayload creates a text or link message over the socket.
type MessageSendPayload struct {
	ConversationID string `json:"conversationId"`
	ClientMsgID    string `json:"clientMsgId"`
	Type           string `json:"type"`
	Content        string `json:"content"`
}

// MessageAckPayload returns the persisted message for a message:send.
type MessageAckPayload struct {
	ClientMsgID string  `json:"clientMsgId"`
	Message     Message `json:"message"`
}

// MessageReadPayload is the read-cursor fanout.
type MessageReadPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// Participant is the display data attached to messages and conversations.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Message is the full message record as seen on the wire (message:new, message:ack, REST).
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Sender         *Participant `json:"sender,omitempty"`
	Type           string       `json:"type"`
	Content        string       `json:"content"`
	FileName       string       `json:"fileName,omitempty"`
	Read           bool         `json:"read"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// ErrorPayload is a generic error response payload. ClientMsgID is set when
// the error answers a message:send.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
}

// Conversation is a conversation as one caller sees it. It is shared by the
// REST surface and clients.
type Conversation struct {
	ID               string        `json:"id"`
	Participants     []Participant `json:"participants"`
	OtherParticipant Participant   `json:"otherParticipant"`
	LastMessage      string        `json:"lastMessage,omitempty"`
	LastMessageAt    *time.Time    `json:"lastMessageAt,omitempty"`
	LastMessageBy    string        `json:"lastMessageBy,omitempty"`
	UnreadCount      int64         `json:"unreadCount"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}
