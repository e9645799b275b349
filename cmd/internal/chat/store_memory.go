package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"duet/cmd/identity/ids"
)

// MemoryStore is a dev/test ConversationStore and MessageStore.
// A single mutex serializes every write, which gives both the unique-pair
// invariant and strictly increasing CreatedAt per conversation. History is
// never evicted; messages live until the process exits.
type MemoryStore struct {
	mu     sync.Mutex
	convs  map[string]*Conversation // id -> conversation
	active map[string]string        // pair key -> id
	msgs   map[string]*memLog       // conversation id -> log
	byID   map[string]*Message      // message id -> message
}

type memLog struct {
	last time.Time
	msgs []*Message // ordered by CreatedAt
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]*Conversation),
		active: make(map[string]string),
		msgs:   make(map[string]*memLog),
		byID:   make(map[string]*Message),
	}
}

// CreateOrGetActive implements ConversationStore.
func (s *MemoryStore) CreateOrGetActive(ctx context.Context, a, b string, now time.Time) (Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if a == "" || b == "" || a == b {
		return Conversation{}, false, errors.New("chat: invalid pair")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(a, b)
	if id, ok := s.active[key]; ok {
		return *s.convs[id], false, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, err
	}
	c := &Conversation{
		ID:           id,
		Participants: SortedPair(a, b),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[id] = c
	s.active[key] = id
	return *c, true, nil
}

// FindByID implements ConversationStore.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return *c, nil
}

// ListActiveForUser implements ConversationStore.
func (s *MemoryStore) ListActiveForUser(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.Active() && c.RoleOf(userID) == RoleParticipant {
			out = append(out, *c)
		}
	}
	s.mu.Unlock()

	sortByLastMessage(out)
	return out, nil
}

// UpdateLastMessage implements ConversationStore.
func (s *MemoryStore) UpdateLastMessage(ctx context.Context, id string, last LastMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	at := last.At
	c.LastMessage = last.Text
	c.LastAt = &at
	c.LastBy = last.By
	c.UpdatedAt = at
	return nil
}

// Tombstone implements ConversationStore.
func (s *MemoryStore) Tombstone(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok || !c.Active() {
		return ErrNotFound
	}
	c.DeletedAt = &now
	c.UpdatedAt = now
	delete(s.active, PairKey(c.Participants[0], c.Participants[1]))
	return nil
}

// Append implements MessageStore.
func (s *MemoryStore) Append(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.ConversationID == "" || m.SenderID == "" {
		return Message{}, errors.New("chat: invalid message")
	}

	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.msgs[m.ConversationID]
	if l == nil {
		l = &memLog{msgs: make([]*Message, 0, 64)}
		s.msgs[m.ConversationID] = l
	}

	at := now.Truncate(time.Microsecond)
	if !at.After(l.last) {
		at = l.last.Add(time.Microsecond)
	}

	id, err := ids.NewULID(at)
	if err != nil {
		return Message{}, err
	}

	stored := m
	stored.ID = id
	stored.CreatedAt = at
	stored.Sender = nil
	stored.Read = false
	stored.ReadAt = nil

	l.last = at
	l.msgs = append(l.msgs, &stored)
	s.byID[id] = &stored

	return stored, nil
}

// Page implements MessageStore.
func (s *MemoryStore) Page(ctx context.Context, conversationID string, before *time.Time, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.msgs[conversationID]
	if l == nil {
		return nil, nil
	}

	end := len(l.msgs)
	if before != nil {
		end = sort.Search(len(l.msgs), func(i int) bool { return !l.msgs[i].CreatedAt.Before(*before) })
	}

	out := make([]Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		if l.msgs[i].DeletedAt != nil {
			continue
		}
		out = append(out, *l.msgs[i])
	}
	return out, nil
}

// LatestUnreadFrom implements MessageStore.
func (s *MemoryStore) LatestUnreadFrom(ctx context.Context, conversationID, readerID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.msgs[conversationID]
	if l == nil {
		return Message{}, ErrNotFound
	}
	for i := len(l.msgs) - 1; i >= 0; i-- {
		m := l.msgs[i]
		if m.DeletedAt == nil && !m.Read && m.SenderID != readerID {
			return *m, nil
		}
	}
	return Message{}, ErrNotFound
}

// MarkRead implements MessageStore.
func (s *MemoryStore) MarkRead(ctx context.Context, messageID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if m.Read {
		return false, nil
	}
	m.Read = true
	m.ReadAt = &now
	return true, nil
}

// CountUnread implements MessageStore.
func (s *MemoryStore) CountUnread(ctx context.Context, conversationID, readerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if l := s.msgs[conversationID]; l != nil {
		for _, m := range l.msgs {
			if m.DeletedAt == nil && !m.Read && m.SenderID != readerID {
				n++
			}
		}
	}
	return n, nil
}

func sortByLastMessage(cs []Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i].LastAt, cs[j].LastAt
		switch {
		case a != nil && b != nil:
			if !a.Equal(*b) {
				return a.After(*b)
			}
		case a != nil:
			return true
		case b != nil:
			return false
		}
		return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
	})
}
