package hub

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
)

// RoleDashboard is the declared client type that joins the dashboard room.
const RoleDashboard = "dashboard"

// Registry tracks each live connection's declared role and the set of
// session rooms it has joined. It owns the connection-side membership
// table; the hub owns the room-side index. The two are kept consistent by
// Register, JoinSession, and Disconnect, and handlers never mutate either
// table directly.
type Registry struct {
	mu      sync.RWMutex
	hub     *Hub
	clients map[string]*clientState
}

type clientState struct {
	sender Sender
	role   string
	rooms  map[string]struct{}
}

// NewRegistry creates a registry that keeps membership in sync with h.
func NewRegistry(h *Hub) *Registry {
	return &Registry{
		hub:     h,
		clients: make(map[string]*clientState),
	}
}

// Connect starts tracking a new connection. Role and room membership are
// empty until the client registers and joins.
func (r *Registry) Connect(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[s.ID()] = &clientState{
		sender: s,
		rooms:  make(map[string]struct{}),
	}
}

// Register records the connection's declared client type. The role is set
// once for the lifetime of the connection; re-registering is a Conflict, so
// a connection can never trade the dashboard role (and its room membership)
// for another. Connections that declare the dashboard role are joined to
// the dashboard room.
func (r *Registry) Register(connID, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("client type is required: %w", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[connID]
	if !ok {
		return fmt.Errorf("connection %q: %w", connID, errdefs.ErrNotFound)
	}
	if c.role != "" {
		return fmt.Errorf("connection %q already registered as %q: %w", connID, c.role, errdefs.ErrConflict)
	}

	c.role = role
	if role == RoleDashboard {
		r.hub.Join(DashboardRoom, c.sender)
	}

	slog.Info("Client registered", "conn_id", connID, "type", role)
	return nil
}

// Role returns the declared client type for a connection, or the empty
// string if the connection is unknown or has not registered.
func (r *Registry) Role(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[connID]; ok {
		return c.role
	}
	return ""
}

// JoinSession subscribes the connection to a session room and records the
// membership on the connection's side.
func (r *Registry) JoinSession(connID, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session id is required: %w", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[connID]
	if !ok {
		return fmt.Errorf("connection %q: %w", connID, errdefs.ErrNotFound)
	}

	c.rooms[sessionID] = struct{}{}
	r.hub.Join(sessionID, c.sender)
	return nil
}

// JoinedSessions returns the session rooms the connection has joined.
func (r *Registry) JoinedSessions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[connID]
	if !ok {
		return nil
	}

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Disconnect removes the connection from every room it had joined and
// discards its registry entry. No membership survives a reconnect; the
// client must re-register and rejoin.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[connID]
	if !ok {
		return
	}

	for room := range c.rooms {
		r.hub.Leave(room, c.sender)
	}
	if c.role == RoleDashboard {
		r.hub.Leave(DashboardRoom, c.sender)
	}
	delete(r.clients, connID)

	slog.Info("Client disconnected", "conn_id", connID, "rooms_left", len(c.rooms))
}
