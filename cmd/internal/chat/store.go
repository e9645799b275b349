package chat

import (
	"context"
	"time"
)

// ConversationStore persists conversations.
//
// Requirements:
//   - At most one active (non-tombstoned) conversation per unordered pair.
//   - Tombstoned conversations are excluded from ListActiveForUser but still
//     returned by FindByID so callers can tell tombstoned from absent.
type ConversationStore interface {
	// CreateOrGetActive returns the active conversation of the pair, creating it when absent.
	CreateOrGetActive(ctx context.Context, a, b string, now time.Time) (conv Conversation, created bool, err error)
	FindByID(ctx context.Context, id string) (Conversation, error)
	// ListActiveForUser is ordered by last message time descending; conversations
	// without messages come last.
	ListActiveForUser(ctx context.Context, userID string) ([]Conversation, error)
	UpdateLastMessage(ctx context.Context, id string, last LastMessage) error
	Tombstone(ctx context.Context, id string, now time.Time) error
}

// MessageStore persists messages.
//
// Requirements:
//   - Append assigns ID and a CreatedAt strictly greater than every other
//     message in the same conversation.
//   - Page returns at most limit messages ordered by CreatedAt descending,
//     only those strictly before the cursor when one is given.
//   - Soft-deleted messages are invisible to Page, LatestUnreadFrom and CountUnread.
type MessageStore interface {
	Append(ctx context.Context, m Message) (Message, error)
	Page(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error)
	// LatestUnreadFrom returns the newest unread message not sent by readerID.
	LatestUnreadFrom(ctx context.Context, conversationID, readerID string) (Message, error)
	// MarkRead flips read=false to true. It reports false when the message was already read.
	MarkRead(ctx context.Context, messageID string, now time.Time) (bool, error)
	// CountUnread counts unread messages not sent by readerID.
	CountUnread(ctx context.Context, conversationID, readerID string) (int64, error)
}

// Directory resolves participant display data.
type Directory interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// MediaStore turns attachment bytes into a durable URL.
type MediaStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Notifier receives domain events after they are persisted.
type Notifier interface {
	MessageCreated(ctx context.Context, m Message)
	MessagesRead(ctx context.Context, conversationID, readerID string)
}

// Notifiers fans events out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) MessageCreated(ctx context.Context, m Message) {
	for _, n := range ns {
		if n != nil {
			n.MessageCreated(ctx, m)
		}
	}
}

func (ns Notifiers) MessagesRead(ctx context.Context, conversationID, readerID string) {
	for _, n := range ns {
		if n != nil {
			n.MessagesRead(ctx, conversationID, readerID)
		}
	}
}
