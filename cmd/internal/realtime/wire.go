package realtime

import (
	"context"

	"duet/cmd/internal/chat"
	v1 "duet/shared/contracts/realtime/v1"
)

// ToWireMessage maps a stored message to the protocol record.
func ToWireMessage(m chat.Message) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		FileName:       m.FileName,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.Sender != nil {
		p := ToWireParticipant(*m.Sender)
		out.Sender = &p
	}
	return out
}

// ToWireParticipant maps a directory profile.
func ToWireParticipant(p chat.Profile) v1.Participant {
	return v1.Participant{ID: p.ID, Name: p.Name, Email: p.Email, AvatarURL: p.AvatarURL}
}

// RoomNotifier turns chat domain events into room broadcasts. It is the only
// path producing message:new and message:read, for REST and WS writes alike.
type RoomNotifier struct {
	hub *Hub
}

var _ chat.Notifier = (*RoomNotifier)(nil)

// NewRoomNotifier binds the notifier to hub.
func NewRoomNotifier(hub *Hub) *RoomNotifier { return &RoomNotifier{hub: hub} }

// MessageCreated implements chat.Notifier.
func (n *RoomNotifier) MessageCreated(ctx context.Context, m chat.Message) {
	env, err := newServerEnvelope(v1.TypeMessageNew, ToWireMessage(m))
	if err != nil {
		n.hub.log.Error("room.encode.fail", "type", v1.TypeMessageNew, "err", err)
		return
	}
	n.hub.Publish(ctx, m.ConversationID, env, "")
}

// MessagesRead implements chat.Notifier.
func (n *RoomNotifier) MessagesRead(ctx context.Context, conversationID, readerID string) {
	env, err := newServerEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
		UserID:         readerID,
		ConversationID: conversationID,
	})
	if err != nil {
		n.hub.log.Error("room.encode.fail", "type", v1.TypeMessageRead, "err", err)
		return
	}
	n.hub.Publish(ctx, conversationID, env, "")
}
