package chatclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"duet/cmd/identity/ids"
	v1 "duet/shared/contracts/realtime/v1"
)

const (
	// DefaultFallbackDelay is how long a confirmed message whose pending entry
	// was consumed by another broadcast waits before it is inserted directly.
	DefaultFallbackDelay = 1500 * time.Millisecond

	DefaultPageLimit = 10

	tempIDPrefix = "temp-"
)

var errNoAttachmentRetry = errors.New("chatclient: attachment uploads are not retained for retry")

// Sender creates a message on the server and returns the persisted record.
type Sender interface {
	CreateMessage(ctx context.Context, conversationID string, d Draft) (v1.Message, error)
}

// History returns an ascending page of messages strictly older than before.
type History interface {
	ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]v1.Message, error)
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Outcome reports what a broadcast did to the timeline.
type Outcome uint8

const (
	OutcomeIgnored   Outcome = iota // other conversation
	OutcomeDuplicate                // ID already rendered
	OutcomeReplaced                 // confirmed a pending entry
	OutcomeAppended                 // new entry
)

// Options configures an Engine. ConversationID, SelfID and Sender are required.
type Options struct {
	ConversationID string
	SelfID         string
	Sender         Sender
	History        History

	PageLimit     int
	FallbackDelay time.Duration
	AfterFunc     AfterFunc
	Now           func() time.Time
	Log           *slog.Logger

	// OnChange is called after every timeline mutation, outside the engine lock.
	OnChange func()
}

// Engine owns the rendered timeline of one conversation and converges
// optimistic sends with their server confirmations. The direct response to
// a send and the room broadcast of the same message may arrive in either
// order; the timeline ends with exactly one entry for the message.
type Engine struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	tl        *timeline
	fallbacks map[string]func() bool
	hasMore   bool
	loaded    bool
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.ConversationID == "" || opts.SelfID == "" {
		return nil, errors.New("chatclient: conversation and self IDs are required")
	}
	if opts.Sender == nil {
		return nil, errors.New("chatclient: nil sender")
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = DefaultPageLimit
	}
	if opts.FallbackDelay <= 0 {
		opts.FallbackDelay = DefaultFallbackDelay
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Engine{
		opts:      opts,
		log:       opts.Log,
		tl:        newTimeline(),
		fallbacks: make(map[string]func() bool),
	}, nil
}

// ConversationID returns the conversation this engine renders.
func (e *Engine) ConversationID() string { return e.opts.ConversationID }

// Entries returns a copy of the rendered timeline.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tl.snapshot()
}

// HasMore reports whether older history may exist.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasMore
}

// Send renders d as a pending entry, creates it on the server and reconciles
// the response. The returned entry is the state after the response was applied.
func (e *Engine) Send(ctx context.Context, d Draft) (Entry, error) {
	d = d.normalized()

	now := e.opts.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Entry{}, err
	}
	tempID := tempIDPrefix + id

	pending := &Entry{
		TempID: tempID,
		Status: StatusPending,
		Message: v1.Message{
			ID:             tempID,
			ConversationID: e.opts.ConversationID,
			SenderID:       e.opts.SelfID,
			Type:           d.Type,
			Content:        d.Content,
			FileName:       d.FileName,
			CreatedAt:      now,
		},
	}
	e.mu.Lock()
	e.tl.appendPending(pending)
	e.mu.Unlock()
	e.changed()

	return e.send(ctx, tempID, d)
}

// Retry re-sends a failed text or link entry.
func (e *Engine) Retry(ctx context.Context, tempID string) (Entry, error) {
	e.mu.Lock()
	i := e.tl.indexOfTemp(tempID)
	if i < 0 || e.tl.entries[i].Status != StatusFailed {
		e.mu.Unlock()
		return Entry{}, fmt.Errorf("chatclient: no failed entry %q", tempID)
	}
	ent := e.tl.entries[i]
	if hasAttachment(ent.Message.Type) {
		e.mu.Unlock()
		return *ent, errNoAttachmentRetry
	}
	ent.Status = StatusPending
	ent.Err = nil
	d := Draft{Type: ent.Message.Type, Content: ent.Message.Content}
	e.mu.Unlock()
	e.changed()

	return e.send(ctx, tempID, d)
}

func (e *Engine) send(ctx context.Context, tempID string, d Draft) (Entry, error) {
	m, err := e.opts.Sender.CreateMessage(ctx, e.opts.ConversationID, d)
	if err != nil {
		e.fail(tempID, err)
		return e.entryFor(tempID, ""), err
	}
	e.ApplyDirect(tempID, m)
	return e.entryFor(tempID, m.ID), nil
}

func (e *Engine) fail(tempID string, err error) {
	e.mu.Lock()
	if i := e.tl.indexOfTemp(tempID); i >= 0 {
		e.tl.entries[i].Status = StatusFailed
		e.tl.entries[i].Err = err
	}
	e.mu.Unlock()
	e.log.Warn("chat.client.send.fail", "conversation_id", e.opts.ConversationID, "temp_id", tempID, "err", err)
	e.changed()
}

func (e *Engine) entryFor(tempID, id string) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id != "" {
		if ent, ok := e.tl.byID[id]; ok {
			return *ent
		}
	}
	if i := e.tl.indexOfTemp(tempID); i >= 0 {
		return *e.tl.entries[i]
	}
	return Entry{TempID: tempID}
}

// ApplyDirect reconciles the direct response m for the pending entry tempID.
func (e *Engine) ApplyDirect(tempID string, m v1.Message) {
	e.mu.Lock()
	i := e.tl.indexOfTemp(tempID)
	switch {
	case e.tl.has(m.ID):
		// The broadcast already rendered m, possibly into another pending
		// entry with the same key. This entry is then a duplicate.
		if i >= 0 {
			e.tl.remove(i)
		}
	case i >= 0 && e.tl.entries[i].Status != StatusSent:
		e.tl.confirm(i, m)
	default:
		// The pending entry was consumed by a broadcast for a different
		// message. Insert m later unless its own broadcast shows up first.
		e.scheduleFallbackLocked(m)
	}
	e.mu.Unlock()
	e.changed()
}

// ApplyBroadcast reconciles a message:new broadcast.
func (e *Engine) ApplyBroadcast(m v1.Message) Outcome {
	if m.ConversationID != e.opts.ConversationID {
		return OutcomeIgnored
	}

	e.mu.Lock()
	e.cancelFallbackLocked(m.ID)
	if e.tl.has(m.ID) {
		e.mu.Unlock()
		return OutcomeDuplicate
	}

	out := OutcomeAppended
	if m.SenderID == e.opts.SelfID {
		if i := e.tl.oldestUnconfirmed(keyOf(m)); i >= 0 {
			e.tl.confirm(i, m)
			out = OutcomeReplaced
		}
	}
	if out == OutcomeAppended {
		e.tl.insertConfirmed(m)
	}
	e.mu.Unlock()

	e.changed()
	return out
}

// ApplyRead marks own messages read when the other participant advanced
// their read cursor.
func (e *Engine) ApplyRead(p v1.MessageReadPayload) {
	if p.ConversationID != e.opts.ConversationID || p.UserID == e.opts.SelfID {
		return
	}
	now := e.opts.Now()
	changed := false

	e.mu.Lock()
	for _, ent := range e.tl.entries {
		if ent.Status != StatusSent || ent.Message.SenderID != e.opts.SelfID || ent.Message.Read {
			continue
		}
		ent.Message.Read = true
		ent.Message.ReadAt = &now
		changed = true
	}
	e.mu.Unlock()

	if changed {
		e.changed()
	}
}

// LoadInitial replaces confirmed history with the newest page. Unconfirmed
// entries are kept at the tail.
func (e *Engine) LoadInitial(ctx context.Context) error {
	if e.opts.History == nil {
		return errors.New("chatclient: no history source")
	}
	page, err := e.opts.History.ListMessages(ctx, e.opts.ConversationID, e.opts.PageLimit, nil)
	if err != nil {
		return err
	}

	e.mu.Lock()
	next := newTimeline()
	next.prepend(page)
	for _, ent := range e.tl.entries {
		switch {
		case ent.Status != StatusSent:
			next.appendPending(ent)
		case !next.has(ent.Message.ID):
			next.insertConfirmed(ent.Message)
		}
	}
	e.tl = next
	e.hasMore = len(page) == e.opts.PageLimit
	e.loaded = true
	e.mu.Unlock()

	e.changed()
	return nil
}

// LoadMore prepends the next older page and returns how many entries were
// added, so a caller can keep its viewport anchored.
func (e *Engine) LoadMore(ctx context.Context) (int, error) {
	if e.opts.History == nil {
		return 0, errors.New("chatclient: no history source")
	}

	e.mu.Lock()
	if e.loaded && !e.hasMore {
		e.mu.Unlock()
		return 0, nil
	}
	cursor, ok := e.tl.oldestConfirmedAt()
	e.mu.Unlock()
	if !ok {
		return 0, e.LoadInitial(ctx)
	}

	page, err := e.opts.History.ListMessages(ctx, e.opts.ConversationID, e.opts.PageLimit, &cursor)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	n := e.tl.prepend(page)
	e.hasMore = len(page) == e.opts.PageLimit
	e.loaded = true
	e.mu.Unlock()

	if n > 0 {
		e.changed()
	}
	return n, nil
}

// Close cancels outstanding fallback timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, stop := range e.fallbacks {
		stop()
		delete(e.fallbacks, id)
	}
}

func (e *Engine) scheduleFallbackLocked(m v1.Message) {
	if _, ok := e.fallbacks[m.ID]; ok {
		return
	}
	e.fallbacks[m.ID] = e.opts.AfterFunc(e.opts.FallbackDelay, func() { e.fireFallback(m) })
}

func (e *Engine) cancelFallbackLocked(id string) {
	if stop, ok := e.fallbacks[id]; ok {
		stop()
		delete(e.fallbacks, id)
	}
}

func (e *Engine) fireFallback(m v1.Message) {
	e.mu.Lock()
	if _, ok := e.fallbacks[m.ID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.fallbacks, m.ID)
	inserted := false
	if !e.tl.has(m.ID) {
		e.tl.insertConfirmed(m)
		inserted = true
	}
	e.mu.Unlock()

	if inserted {
		e.log.Debug("chat.client.fallback.insert", "conversation_id", e.opts.ConversationID, "message_id", m.ID)
		e.changed()
	}
}

func (e *Engine) changed() {
	if e.opts.OnChange != nil {
		e.opts.OnChange()
	}
}
