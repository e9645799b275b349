package chatapi

import (
	"duet/cmd/internal/chat"
	"duet/cmd/internal/realtime"
	v1 "duet/shared/contracts/realtime/v1"
)

type createConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

type createMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Type           string `json:"type"`
	Content        string `json:"content"`
}

type conversationEnvelope struct {
	Conversation v1.Conversation `json:"conversation"`
}

type conversationsEnvelope struct {
	Conversations []v1.Conversation `json:"conversations"`
}

type messageEnvelope struct {
	Message v1.Message `json:"message"`
}

type messagesEnvelope struct {
	Messages []v1.Message `json:"messages"`
}

type readResponse struct {
	ConversationID string `json:"conversationId"`
	Advanced       bool   `json:"advanced"`
}

type presenceResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func toConversation(v chat.ConversationView) v1.Conversation {
	out := v1.Conversation{
		ID:               v.ID,
		Participants:     make([]v1.Participant, 0, len(v.Profiles)),
		OtherParticipant: realtime.ToWireParticipant(v.Other),
		LastMessage:      v.LastMessage,
		LastMessageAt:    v.LastAt,
		LastMessageBy:    v.LastBy,
		UnreadCount:      v.UnreadCount,
		CreatedAt:        v.CreatedAt,
		UpdatedAt:        v.UpdatedAt,
	}
	for _, p := range v.Profiles {
		out.Participants = append(out.Participants, realtime.ToWireParticipant(p))
	}
	return out
}

func toMessages(ms []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, realtime.ToWireMessage(m))
	}
	return out
}
