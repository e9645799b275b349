// Package events publishes chat domain events to Kafka for downstream
// consumers (notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"duet/cmd/internal/chat"

	kafkago "github.com/segmentio/kafka-go"
)

// Event types.
const (
	TypeMessageCreated = "message.created"
	TypeMessagesRead   = "messages.read"
)

// Event is the JSON value written to the topic. The record key is the
// conversation ID so all events of a conversation land on one partition.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	ReaderID       string    `json:"readerId,omitempty"`
	MessageType    string    `json:"messageType,omitempty"`
	At             time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink implements chat.Notifier by publishing events. Publishing is
// best-effort: failures are logged and never reach the message write path.
type KafkaSink struct {
	w            messageWriter
	log          *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

var _ chat.Notifier = (*KafkaSink)(nil)

// NewKafkaSink builds an async writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string, log *slog.Logger) (*KafkaSink, error) {
	clean := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("events: no kafka brokers")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("events: empty topic")
	}
	if log == nil {
		log = slog.Default()
	}

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(clean...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Warn("events.kafka.write.fail", "count", len(msgs), "err", err)
			}
		},
	}
	return newKafkaSink(w, log), nil
}

func newKafkaSink(w messageWriter, log *slog.Logger) *KafkaSink {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaSink{w: w, log: log, writeTimeout: 5 * time.Second, now: time.Now}
}

// MessageCreated implements chat.Notifier.
func (s *KafkaSink) MessageCreated(ctx context.Context, m chat.Message) {
	s.publish(ctx, Event{
		Type:           TypeMessageCreated,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		MessageType:    string(m.Type),
		At:             m.CreatedAt.UTC(),
	})
}

// MessagesRead implements chat.Notifier.
func (s *KafkaSink) MessagesRead(ctx context.Context, conversationID, readerID string) {
	s.publish(ctx, Event{
		Type:           TypeMessagesRead,
		ConversationID: conversationID,
		ReaderID:       readerID,
		At:             s.now().UTC(),
	})
}

// Close flushes pending writes.
func (s *KafkaSink) Close() error { return s.w.Close() }

func (s *KafkaSink) publish(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("events.marshal.fail", "type", ev.Type, "err", err)
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.w.WriteMessages(wctx, kafkago.Message{
		Key:   []byte(ev.ConversationID),
		Value: b,
		Time:  ev.At,
	}); err != nil {
		s.log.Warn("events.publish.fail", "type", ev.Type, "conversation_id", ev.ConversationID, "err", err)
	}
}
