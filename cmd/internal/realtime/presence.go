package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// PresenceMirror publishes presence transitions outside the process.
type PresenceMirror interface {
	Online(ctx context.Context, userID, sessionID string) error
	Offline(ctx context.Context, userID, sessionID string) error
}

const presenceMirrorTimeout = 2 * time.Second

// Presence maps users to their live sessions on this instance.
// A user may hold several sessions (tabs, devices).
type Presence struct {
	log    *slog.Logger
	mirror PresenceMirror

	mu    sync.RWMutex
	users map[string]map[string]*Client
}

// NewPresence constructs a registry. mirror may be nil.
func NewPresence(log *slog.Logger, mirror PresenceMirror) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		log:    log,
		mirror: mirror,
		users:  make(map[string]map[string]*Client),
	}
}

// Add registers c and reports whether it is the user's first live session.
func (p *Presence) Add(c *Client) bool {
	if c == nil || c.UserID == "" || c.SessionID == "" {
		return false
	}

	p.mu.Lock()
	sessions, ok := p.users[c.UserID]
	if !ok {
		sessions = make(map[string]*Client, 1)
		p.users[c.UserID] = sessions
	}
	sessions[c.SessionID] = c
	first := len(sessions) == 1
	p.mu.Unlock()

	p.mirrorOnline(c)
	return first
}

// Remove unregisters c and reports whether the user has no sessions left.
func (p *Presence) Remove(c *Client) bool {
	if c == nil {
		return false
	}

	p.mu.Lock()
	sessions, ok := p.users[c.UserID]
	if ok {
		delete(sessions, c.SessionID)
		if len(sessions) == 0 {
			delete(p.users, c.UserID)
		}
	}
	last := ok && len(sessions) == 0
	p.mu.Unlock()

	if ok && p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), presenceMirrorTimeout)
		defer cancel()
		if err := p.mirror.Offline(ctx, c.UserID, c.SessionID); err != nil {
			p.log.Warn("presence.mirror.offline.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
		}
	}
	return last
}

// Touch refreshes the mirror entry of a live session.
func (p *Presence) Touch(c *Client) {
	if c == nil {
		return
	}
	p.mirrorOnline(c)
}

// Sessions returns the live sessions of userID.
func (p *Presence) Sessions(userID string) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := p.users[userID]
	out := make([]*Client, 0, len(sessions))
	for _, c := range sessions {
		out = append(out, c)
	}
	return out
}

// Online reports whether userID has at least one live session here.
func (p *Presence) Online(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

// Count returns the number of online users.
func (p *Presence) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

func (p *Presence) mirrorOnline(c *Client) {
	if p.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceMirrorTimeout)
	defer cancel()
	if err := p.mirror.Online(ctx, c.UserID, c.SessionID); err != nil {
		p.log.Warn("presence.mirror.online.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
	}
}

type presenceStatusReader interface {
	Status(ctx context.Context, userID string) (PresenceStatus, error)
}

// IsOnline reports whether userID has a live session here or, when the mirror
// can be read, on any instance. Mirror read failures fall back to local state.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	if p.Online(userID) {
		return true
	}
	r, ok := p.mirror.(presenceStatusReader)
	if !ok {
		return false
	}
	st, err := r.Status(ctx, userID)
	if err != nil {
		p.log.Warn("presence.mirror.status.fail", "user_id", userID, "err", err)
		return false
	}
	return st.Status == "online"
}
