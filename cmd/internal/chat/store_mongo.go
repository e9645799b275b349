package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"duet/cmd/identity/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a ConversationStore and MessageStore backed by MongoDB.
//
// Collections:
//   - conversations: activeKey holds the pair key while the conversation is
//     live and is unset on tombstone; a unique sparse index on it enforces the
//     single active pair.
//   - messages: createdAt comes from a per-conversation millisecond clock
//     (msgClock) advanced atomically on the conversation document.
type MongoStore struct {
	convs *mongo.Collection
	msgs  *mongo.Collection
}

type mongoConversation struct {
	ID            string     `bson:"_id"`
	Participants  []string   `bson:"participants"`
	PairKey       string     `bson:"pairKey"`
	ActiveKey     string     `bson:"activeKey,omitempty"`
	LastMessage   string     `bson:"lastMessage,omitempty"`
	LastMessageAt *time.Time `bson:"lastMessageAt,omitempty"`
	LastMessageBy string     `bson:"lastMessageBy,omitempty"`
	MsgClock      int64      `bson:"msgClock"`
	CreatedAt     time.Time  `bson:"createdAt"`
	UpdatedAt     time.Time  `bson:"updatedAt"`
	DeletedAt     *time.Time `bson:"deletedAt,omitempty"`
}

type mongoMessage struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversationId"`
	SenderID       string     `bson:"senderId"`
	Type           string     `bson:"type"`
	Content        string     `bson:"content"`
	FileName       string     `bson:"fileName,omitempty"`
	Read           bool       `bson:"read"`
	ReadAt         *time.Time `bson:"readAt,omitempty"`
	DeletedAt      *time.Time `bson:"deletedAt,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt"`
}

// NewMongoStore binds the store to db and ensures its indexes exist.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil mongo database")
	}
	s := &MongoStore{
		convs: db.Collection("conversations"),
		msgs:  db.Collection("messages"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "activeKey", Value: 1}},
			Options: options.Index().SetName("active_pair_uq").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}},
			Options: options.Index().SetName("participants_last"),
		},
	})
	if err != nil {
		return fmt.Errorf("conversations indexes: %w", err)
	}

	_, err = s.msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("conversation_created"),
		},
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "read", Value: 1}, {Key: "senderId", Value: 1}},
			Options: options.Index().SetName("conversation_unread"),
		},
	})
	if err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	return nil
}

// CreateOrGetActive implements ConversationStore.
func (s *MongoStore) CreateOrGetActive(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return Conversation{}, false, errors.New("chat: invalid pair")
	}
	key := PairKey(a, b)
	pair := SortedPair(a, b)
	now = now.UTC().Truncate(time.Millisecond)

	for attempt := 0; attempt < 3; attempt++ {
		var doc mongoConversation
		err := s.convs.FindOne(ctx, bson.M{"activeKey": key}).Decode(&doc)
		if err == nil {
			return doc.toDomain(), false, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Conversation{}, false, err
		}

		id, err := ids.NewULID(now)
		if err != nil {
			return Conversation{}, false, err
		}
		doc = mongoConversation{
			ID:           id,
			Participants: []string{pair[0], pair[1]},
			PairKey:      key,
			ActiveKey:    key,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err = s.convs.InsertOne(ctx, doc)
		if err == nil {
			return doc.toDomain(), true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
		}
		// Lost the race; the next iteration reads the winner.
	}
	return Conversation{}, false, errors.New("chat: active pair changed concurrently")
}

// FindByID implements ConversationStore.
func (s *MongoStore) FindByID(ctx context.Context, id string) (Conversation, error) {
	var doc mongoConversation
	err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	return doc.toDomain(), nil
}

// ListActiveForUser implements ConversationStore.
func (s *MongoStore) ListActiveForUser(ctx context.Context, userID string) ([]Conversation, error) {
	cur, err := s.convs.Find(ctx,
		bson.M{"participants": userID, "deletedAt": nil},
		options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "updatedAt", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make([]Conversation, 0, 16)
	for cur.Next(ctx) {
		var doc mongoConversation
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

// UpdateLastMessage implements ConversationStore.
func (s *MongoStore) UpdateLastMessage(ctx context.Context, id string, last LastMessage) error {
	res, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"lastMessage":   last.Text,
			"lastMessageAt": last.At,
			"lastMessageBy": last.By,
			"updatedAt":     last.At,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Tombstone implements ConversationStore.
func (s *MongoStore) Tombstone(ctx context.Context, id string, now time.Time) error {
	res, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": id, "deletedAt": nil},
		bson.M{
			"$set":   bson.M{"deletedAt": now, "updatedAt": now},
			"$unset": bson.M{"activeKey": ""},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Append implements MessageStore.
func (s *MongoStore) Append(ctx context.Context, m Message) (Message, error) {
	if m.ConversationID == "" || m.SenderID == "" {
		return Message{}, errors.New("chat: invalid message")
	}
	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	at, err := s.nextClock(ctx, m.ConversationID, now)
	if err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(at)
	if err != nil {
		return Message{}, err
	}

	doc := mongoMessage{
		ID:             id,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		FileName:       m.FileName,
		CreatedAt:      at,
	}
	if _, err := s.msgs.InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toDomain(), nil
}

// nextClock advances the conversation's message clock to max(now, clock+1) in milliseconds.
func (s *MongoStore) nextClock(ctx context.Context, conversationID string, now time.Time) (time.Time, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "msgClock", Value: bson.D{{Key: "$max", Value: bson.A{
			now.UnixMilli(),
			bson.D{{Key: "$add", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{"$msgClock", 0}}}, 1}}},
		}}}}}}},
	}

	var doc struct {
		MsgClock int64 `bson:"msgClock"`
	}
	err := s.convs.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		update,
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"msgClock": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("advance clock: %w", err)
	}
	return time.UnixMilli(doc.MsgClock).UTC(), nil
}

// Page implements MessageStore.
func (s *MongoStore) Page(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	filter := bson.M{"conversationId": conversationID, "deletedAt": nil}
	if before != nil {
		filter["createdAt"] = bson.M{"$lt": *before}
	}

	cur, err := s.msgs.Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: -1}}).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	out := make([]Message, 0, limit)
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

func unreadFilter(conversationID, readerID string) bson.M {
	return bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": readerID},
		"read":           false,
		"deletedAt":      nil,
	}
}

// LatestUnreadFrom implements MessageStore.
func (s *MongoStore) LatestUnreadFrom(ctx context.Context, conversationID, readerID string) (Message, error) {
	var doc mongoMessage
	err := s.msgs.FindOne(ctx,
		unreadFilter(conversationID, readerID),
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	return doc.toDomain(), nil
}

// MarkRead implements MessageStore.
func (s *MongoStore) MarkRead(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := s.msgs.UpdateOne(ctx,
		bson.M{"_id": messageID, "read": false},
		bson.M{"$set": bson.M{"read": true, "readAt": now}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// CountUnread implements MessageStore.
func (s *MongoStore) CountUnread(ctx context.Context, conversationID, readerID string) (int64, error) {
	return s.msgs.CountDocuments(ctx, unreadFilter(conversationID, readerID))
}

func (d mongoConversation) toDomain() Conversation {
	c := Conversation{
		ID:          d.ID,
		LastMessage: d.LastMessage,
		LastAt:      d.LastMessageAt,
		LastBy:      d.LastMessageBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		DeletedAt:   d.DeletedAt,
	}
	if len(d.Participants) == 2 {
		c.Participants = SortedPair(d.Participants[0], d.Participants[1])
	}
	return c
}

func (d mongoMessage) toDomain() Message {
	return Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Type:           MessageType(d.Type),
		Content:        d.Content,
		FileName:       d.FileName,
		Read:           d.Read,
		ReadAt:         d.ReadAt,
		DeletedAt:      d.DeletedAt,
		CreatedAt:      d.CreatedAt,
	}
}
