package realtime

import (
	"sync"

	v1 "duet/shared/contracts/realtime/v1"
)

// Room is the in-memory fanout set of one conversation on this instance.
//
// Broadcast holds the write lock for the whole fanout, so two broadcasts to the
// same room reach every member in the same order. It never blocks: a member
// with a full queue misses the envelope.
type Room struct {
	ID string

	mu      sync.RWMutex
	members map[string]*Client
}

func newRoom(id string) *Room {
	return &Room{ID: id, members: make(map[string]*Client)}
}

// Join adds c. Joining twice is a no-op.
func (r *Room) Join(c *Client) {
	if r == nil || c == nil || c.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.members[c.SessionID] = c
	r.mu.Unlock()
}

// Leave removes a session and returns the remaining member count.
// The client itself stays open; it may be in other rooms.
func (r *Room) Leave(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, sessionID)
	return len(r.members)
}

// Has reports whether sessionID is a member.
func (r *Room) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast delivers env to every member except exceptSession and returns
// the number of members that missed it.
func (r *Room) Broadcast(env v1.Envelope, exceptSession string) (dropped int) {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, m := range r.members {
		if m == nil || sid == exceptSession {
			continue
		}
		if !m.offer(env) {
			dropped++
		}
	}
	return dropped
}
