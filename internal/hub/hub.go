// Package hub provides in-process room membership and event fan-out for
// live chat connections.
package hub

import (
	"log/slog"
	"sync"
)

// DashboardRoom is the reserved room key joined by monitoring connections.
// It receives session-level lifecycle events, not individual chat messages.
const DashboardRoom = "dashboard"

// Sender delivers a single event frame to one connection.
// Implementations must be safe for concurrent use.
type Sender interface {
	ID() string
	Send(event string, payload any) error
}

// Hub maps room keys to the set of connections currently subscribed to
// them. Delivery is best-effort at the moment of the call: connections
// that left or disconnected before a broadcast simply do not receive it.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

// Each room carries its own lock so broadcasts to unrelated sessions never
// contend. The hub lock only guards the room index itself.
type room struct {
	mu      sync.Mutex
	members map[string]Sender
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

// Join subscribes a connection to a room, creating the room if needed.
func (h *Hub) Join(roomKey string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomKey]
	if !ok {
		r = &room{members: make(map[string]Sender)}
		h.rooms[roomKey] = r
	}

	r.mu.Lock()
	r.members[s.ID()] = s
	r.mu.Unlock()
}

// Leave removes a connection from a room. Empty rooms are dropped from the
// index; room state has no persistence beyond its membership.
func (h *Hub) Leave(roomKey string, s Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomKey]
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.members, s.ID())
	if len(r.members) == 0 {
		delete(h.rooms, roomKey)
	}
	r.mu.Unlock()
}

// Broadcast delivers an event to every connection currently in the room.
// Failed deliveries are logged and skipped; a slow or dead connection never
// blocks the others or fails the operation that triggered the broadcast.
func (h *Hub) Broadcast(roomKey, event string, payload any) {
	h.mu.RLock()
	r, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if !ok {
		return
	}

	r.mu.Lock()
	members := make([]Sender, 0, len(r.members))
	for _, s := range r.members {
		members = append(members, s)
	}
	r.mu.Unlock()

	for _, s := range members {
		if err := s.Send(event, payload); err != nil {
			slog.Debug("Broadcast delivery failed", "room", roomKey, "event", event, "conn_id", s.ID(), "error", err)
		}
	}
}

// MemberCount returns the current number of subscribers in a room.
func (h *Hub) MemberCount(roomKey string) int {
	h.mu.RLock()
	r, ok := h.rooms[roomKey]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
