package chatclient

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke a sender stops typing.
const DefaultTypingIdle = 3 * time.Second

// DefaultTypingKeepalive is how often a continuous burst repeats isTyping:true.
// It must stay below any receiver TypingTracker expiry.
const DefaultTypingKeepalive = 2 * time.Second

// TypingDebouncer turns keystrokes into isTyping transitions: true on the
// first keystroke, false after idle inactivity or an explicit Stop. While the
// burst lasts, true is repeated every keepalive.
type TypingDebouncer struct {
	emit      func(isTyping bool)
	idle      time.Duration
	keepalive time.Duration
	after     AfterFunc
	now       func() time.Time

	mu       sync.Mutex
	active   bool
	lastTrue time.Time
	stop     func() bool
	gen      uint64
}

// NewTypingDebouncer constructs a debouncer. after may be nil.
func NewTypingDebouncer(emit func(isTyping bool), idle time.Duration, after AfterFunc) *TypingDebouncer {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	if after == nil {
		after = realAfterFunc
	}
	return &TypingDebouncer{
		emit:      emit,
		idle:      idle,
		keepalive: DefaultTypingKeepalive,
		after:     after,
		now:       time.Now,
	}
}

// Keystroke records input activity.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	now := d.now()
	start := !d.active || now.Sub(d.lastTrue) >= d.keepalive
	if start {
		d.lastTrue = now
	}
	d.active = true
	if d.stop != nil {
		d.stop()
	}
	d.gen++
	gen := d.gen
	d.stop = d.after(d.idle, func() { d.expire(gen) })
	d.mu.Unlock()

	if start {
		d.emit(true)
	}
}

// Stop ends typing immediately, e.g. when the message is sent.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	was := d.active
	d.active = false
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
	d.gen++
	d.mu.Unlock()

	if was {
		d.emit(false)
	}
}

func (d *TypingDebouncer) expire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.stop = nil
	d.mu.Unlock()

	d.emit(false)
}

// TypingTracker is the receiver-side view of who is typing. With a non-zero
// expiry, an indicator whose stop event never arrived is dropped after expiry.
type TypingTracker struct {
	expiry time.Duration

	mu    sync.Mutex
	since map[string]time.Time
}

// NewTypingTracker constructs a tracker. expiry <= 0 trusts explicit stops only.
func NewTypingTracker(expiry time.Duration) *TypingTracker {
	return &TypingTracker{expiry: expiry, since: make(map[string]time.Time)}
}

// Set applies a typing event for userID observed at now.
func (t *TypingTracker) Set(userID string, isTyping bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if isTyping {
		t.since[userID] = now
		return
	}
	delete(t.since, userID)
}

// Typing returns the users typing at now, sorted.
func (t *TypingTracker) Typing(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.since))
	for u, at := range t.since {
		if t.expiry > 0 && now.Sub(at) >= t.expiry {
			delete(t.since, u)
			continue
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
