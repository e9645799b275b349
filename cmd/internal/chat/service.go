package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"duet/cmd/identity/ids"

	"golang.org/x/sync/errgroup"
)

// Paging limits for ListMessages.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100

	maxIDChars = 128

	unreadCountConcurrency = 8
)

// Options wires a Service. Conversations and Messages are required.
type Options struct {
	Log           *slog.Logger
	Conversations ConversationStore
	Messages      MessageStore
	Directory     Directory
	Media         MediaStore
	Notifier      Notifier
	Now           func() time.Time
}

// Service enforces participant rules over the conversation and message stores.
//
// Write paths fail loud with typed errors. Read-side helpers (profile lookup,
// unread counts) degrade to neutral values instead of failing the page.
type Service struct {
	log    *slog.Logger
	convs  ConversationStore
	msgs   MessageStore
	dir    Directory
	media  MediaStore
	notify Notifier
	now    func() time.Time

	// Serializes append + summary + notify per conversation so room fanout
	// follows write completion order.
	sendLock keyedMutex
}

// SendResult is the outcome of CreateMessage.
// ReadAdvanced reports whether the sender's read cursor moved as a side effect.
type SendResult struct {
	Message      Message
	ReadAdvanced bool
}

// NewService constructs a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Conversations == nil || opts.Messages == nil {
		return nil, errors.New("chat: conversation and message stores are required")
	}
	if opts.Log == nil {
		opts.Log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.Directory == nil {
		opts.Directory = NewStaticDirectory()
	}
	if opts.Notifier == nil {
		opts.Notifier = Notifiers(nil)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		log:    opts.Log,
		convs:  opts.Conversations,
		msgs:   opts.Messages,
		dir:    opts.Directory,
		media:  opts.Media,
		notify: opts.Notifier,
		now:    opts.Now,
	}, nil
}

// GetOrCreate returns the active conversation between a and b, creating it when absent.
func (s *Service) GetOrCreate(ctx context.Context, a, b string) (ConversationView, error) {
	const op = "chat.GetOrCreate"

	if err := validateIDs(op, a, b); err != nil {
		return ConversationView{}, err
	}
	if a == b {
		return ConversationView{}, OpError{Op: op, Kind: ErrSelfConversation}
	}

	conv, created, err := s.convs.CreateOrGetActive(ctx, a, b, s.now())
	if err != nil {
		return ConversationView{}, fmt.Errorf("%s: %w", op, err)
	}
	if created {
		s.log.Info("chat.conversation.created", "conversation_id", conv.ID, "user_id", a)
	}

	return s.populate(ctx, conv, a, s.profiles(ctx, conv.Participants[:])), nil
}

// ListForUser returns the caller's active conversations ordered by last message time.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]ConversationView, error) {
	const op = "chat.ListForUser"

	if err := validateIDs(op, userID); err != nil {
		return nil, err
	}

	convs, err := s.convs.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sortByLastMessage(convs)

	userIDs := make([]string, 0, len(convs)+1)
	userIDs = append(userIDs, userID)
	for _, c := range convs {
		userIDs = append(userIDs, c.Other(userID))
	}
	profiles := s.profiles(ctx, userIDs)

	counts := make([]int64, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(unreadCountConcurrency)
	for i, c := range convs {
		g.Go(func() error {
			n, err := s.msgs.CountUnread(gctx, c.ID, userID)
			if err != nil {
				s.log.Warn("chat.unread.count.fail", "conversation_id", c.ID, "user_id", userID, "err", err)
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ConversationView, 0, len(convs))
	for i, c := range convs {
		v := s.populate(ctx, c, userID, profiles)
		v.UnreadCount = counts[i]
		out = append(out, v)
	}
	return out, nil
}

// GetByID returns a conversation the requester participates in.
func (s *Service) GetByID(ctx context.Context, conversationID, requesterID string) (ConversationView, error) {
	const op = "chat.GetByID"

	conv, err := s.authorize(ctx, op, conversationID, requesterID)
	if err != nil {
		return ConversationView{}, err
	}
	return s.populate(ctx, conv, requesterID, s.profiles(ctx, conv.Participants[:])), nil
}

// CreateMessage validates, uploads any attachment, persists the message,
// advances the sender's read cursor, updates the conversation summary and
// notifies listeners.
func (s *Service) CreateMessage(ctx context.Context, conversationID, senderID string, d Draft) (SendResult, error) {
	const op = "chat.CreateMessage"

	conv, err := s.authorize(ctx, op, conversationID, senderID)
	if err != nil {
		return SendResult{}, err
	}

	d, contentType, err := normalizeDraft(op, d)
	if err != nil {
		return SendResult{}, err
	}

	content := d.Content
	fileName := ""
	if d.Type.HasAttachment() {
		fileName = d.Attachment.FileName
		content, err = s.upload(ctx, op, conv.ID, d.Attachment, contentType)
		if err != nil {
			return SendResult{}, err
		}
	}

	unlock := s.sendLock.Lock(conv.ID)
	defer unlock()

	stored, err := s.msgs.Append(ctx, Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Type:           d.Type,
		Content:        content,
		FileName:       fileName,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("%s: append: %w", op, err)
	}

	// The message is durable; finish the follow-up writes even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	advanced, err := s.advanceRead(ctx, conv.ID, senderID)
	if err != nil {
		s.log.Warn("chat.read.advance.fail", "conversation_id", conv.ID, "user_id", senderID, "err", err)
	}

	if err := s.convs.UpdateLastMessage(ctx, conv.ID, LastMessage{
		Text: summaryFor(stored),
		At:   stored.CreatedAt,
		By:   senderID,
	}); err != nil {
		return SendResult{}, fmt.Errorf("%s: update summary: %w", op, err)
	}

	profiles := s.profiles(ctx, []string{senderID})
	sender := profileOrID(profiles, senderID)
	stored.Sender = &sender

	s.notify.MessageCreated(ctx, stored)
	if advanced {
		s.notify.MessagesRead(ctx, conv.ID, senderID)
	}

	s.log.Info("chat.message.created",
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"user_id", senderID,
		"type", string(stored.Type),
	)

	return SendResult{Message: stored, ReadAdvanced: advanced}, nil
}

// ListMessages returns one page of messages in ascending order. The page is
// the newest limit messages strictly older than before (or overall).
func (s *Service) ListMessages(ctx context.Context, conversationID, requesterID string, limit int, before *time.Time) ([]Message, error) {
	const op = "chat.ListMessages"

	conv, err := s.authorize(ctx, op, conversationID, requesterID)
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	page, err := s.msgs.Page(ctx, conv.ID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	profiles := s.profiles(ctx, conv.Participants[:])
	for i := range page {
		p := profileOrID(profiles, page[i].SenderID)
		page[i].Sender = &p
	}
	return page, nil
}

// MarkLatestRead marks the newest unread message from the other participant
// as read. It touches at most one message and reports whether one was marked.
func (s *Service) MarkLatestRead(ctx context.Context, conversationID, readerID string) (bool, error) {
	const op = "chat.MarkLatestRead"

	conv, err := s.authorize(ctx, op, conversationID, readerID)
	if err != nil {
		return false, err
	}

	advanced, err := s.advanceRead(ctx, conv.ID, readerID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if advanced {
		s.notify.MessagesRead(ctx, conv.ID, readerID)
	}
	return advanced, nil
}

// DeleteConversation tombstones the conversation.
// The tombstone is shared: the conversation disappears for both participants.
func (s *Service) DeleteConversation(ctx context.Context, conversationID, requesterID string) error {
	const op = "chat.DeleteConversation"

	conv, err := s.authorize(ctx, op, conversationID, requesterID)
	if err != nil {
		return err
	}

	if err := s.convs.Tombstone(ctx, conv.ID, s.now()); err != nil {
		if IsNotFound(err) {
			return opErr(op, ErrNotFound, "conversation")
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("chat.conversation.deleted", "conversation_id", conv.ID, "user_id", requesterID)
	return nil
}

// ---- helpers ----

func (s *Service) authorize(ctx context.Context, op, conversationID, userID string) (Conversation, error) {
	if err := validateIDs(op, conversationID, userID); err != nil {
		return Conversation{}, err
	}

	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		if IsNotFound(err) {
			return Conversation{}, opErr(op, ErrNotFound, "conversation")
		}
		return Conversation{}, fmt.Errorf("%s: %w", op, err)
	}
	if !conv.Active() {
		return Conversation{}, opErr(op, ErrNotFound, "conversation")
	}

	switch conv.RoleOf(userID) {
	case RoleParticipant:
		return conv, nil
	default:
		return Conversation{}, opErr(op, ErrForbidden, "not a participant")
	}
}

func (s *Service) advanceRead(ctx context.Context, conversationID, readerID string) (bool, error) {
	m, err := s.msgs.LatestUnreadFrom(ctx, conversationID, readerID)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return s.msgs.MarkRead(ctx, m.ID, s.now())
}

func (s *Service) upload(ctx context.Context, op, conversationID string, a *Attachment, contentType string) (string, error) {
	if s.media == nil {
		return "", opErr(op, ErrUpstreamUnavailable, "media store not configured")
	}

	objID, err := ids.NewULID(s.now())
	if err != nil {
		return "", err
	}
	key := "conversations/" + conversationID + "/" + objID + "/" + a.FileName

	url, err := s.media.Upload(ctx, key, contentType, a.Data)
	if err != nil {
		s.log.Warn("chat.media.upload.fail", "conversation_id", conversationID, "key", key, "err", err)
		return "", OpError{Op: op, Kind: ErrUpstreamUnavailable, Msg: "media upload", Err: err}
	}
	return url, nil
}

func (s *Service) profiles(ctx context.Context, userIDs []string) map[string]Profile {
	out, err := s.dir.Profiles(ctx, userIDs)
	if err != nil {
		s.log.Warn("chat.directory.fail", "users", len(userIDs), "err", err)
		return map[string]Profile{}
	}
	return out
}

func (s *Service) populate(_ context.Context, c Conversation, viewerID string, profiles map[string]Profile) ConversationView {
	v := ConversationView{Conversation: c}
	v.Profiles = []Profile{
		profileOrID(profiles, c.Participants[0]),
		profileOrID(profiles, c.Participants[1]),
	}
	v.Other = profileOrID(profiles, c.Other(viewerID))
	return v
}

func profileOrID(profiles map[string]Profile, id string) Profile {
	if p, ok := profiles[id]; ok {
		p.ID = id
		return p
	}
	return Profile{ID: id}
}

func validateIDs(op string, idList ...string) error {
	for _, id := range idList {
		if !validID(id) {
			return opErr(op, ErrValidation, fmt.Sprintf("malformed id %q", truncate(id, 32)))
		}
	}
	return nil
}

func validID(id string) bool {
	if id == "" || len(id) > maxIDChars {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return r == ':' || unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// keyedMutex is a set of mutexes keyed by string, released when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
