package realtime

import (
	"context"
	"log/slog"
	"sync"

	v1 "duet/shared/contracts/realtime/v1"
)

// Relay carries room broadcasts to other instances.
type Relay interface {
	Publish(ctx context.Context, conversationID string, env v1.Envelope, exceptSession string) error
}

// Hub owns the rooms of this instance. Empty rooms are dropped.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	rooms map[string]*Room
	relay Relay
}

// NewHub constructs a Hub. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// SetRelay attaches a cross-instance relay. Pass nil to detach.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	h.relay = r
	h.mu.Unlock()
}

// Join adds c to the conversation's room, creating the room on first join.
func (h *Hub) Join(conversationID string, c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(conversationID)
		h.rooms[conversationID] = r
	}
	// Under the hub lock so a concurrent last-leave cannot orphan the room.
	r.Join(c)
	n := len(h.rooms)
	h.mu.Unlock()

	h.metrics.setRooms(n)
	h.log.Info("room.member.join", "conversation_id", conversationID, "session_id", c.SessionID, "user_id", c.UserID)
}

// Leave removes a session from the conversation's room.
func (h *Hub) Leave(conversationID, sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if ok && r.Leave(sessionID) == 0 {
		delete(h.rooms, conversationID)
	}
	n := len(h.rooms)
	h.mu.Unlock()

	if ok {
		h.metrics.setRooms(n)
		h.log.Info("room.member.leave", "conversation_id", conversationID, "session_id", sessionID)
	}
}

// InRoom reports whether sessionID is in the conversation's room.
func (h *Hub) InRoom(conversationID, sessionID string) bool {
	r := h.room(conversationID)
	return r != nil && r.Has(sessionID)
}

// RoomCount returns the number of non-empty rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Publish broadcasts env to the local room and, when a relay is attached, to
// the same room on other instances.
func (h *Hub) Publish(ctx context.Context, conversationID string, env v1.Envelope, exceptSession string) {
	h.deliver(conversationID, env, exceptSession)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()

	if relay == nil {
		return
	}
	if err := relay.Publish(ctx, conversationID, env, exceptSession); err != nil {
		h.log.Warn("room.relay.publish.fail", "conversation_id", conversationID, "type", env.Type, "err", err)
	}
}

// DeliverRelayed fans out an envelope received from another instance to local members only.
func (h *Hub) DeliverRelayed(conversationID string, env v1.Envelope, exceptSession string) {
	h.deliver(conversationID, env, exceptSession)
}

func (h *Hub) deliver(conversationID string, env v1.Envelope, exceptSession string) {
	h.metrics.broadcast(env.Type)

	r := h.room(conversationID)
	if r == nil {
		return
	}
	if dropped := r.Broadcast(env, exceptSession); dropped > 0 {
		h.metrics.dropped(dropped)
		h.log.Warn("room.broadcast.dropped", "conversation_id", conversationID, "type", env.Type, "dropped", dropped)
	}
}

func (h *Hub) room(conversationID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[conversationID]
}
