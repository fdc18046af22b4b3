package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/antonsen/livedesk/internal/hub"
	"github.com/antonsen/livedesk/internal/identity"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const writeTimeout = 10 * time.Second

// WebSocketHandler serves the per-connection chat event surface.
type WebSocketHandler struct {
	svc           *Service
	registry      *hub.Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *Service, registry *hub.Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// outFrame is one outbound frame: an ack, a broadcast, or an error event.
type outFrame struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// wsConn adapts websocket.Conn to hub.Sender. Writes are serialized under
// a mutex so broadcasts from concurrent sessions never interleave frames.
type wsConn struct {
	id   string
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(event string, payload any) error {
	return c.write(outFrame{Event: event, Data: payload})
}

func (c *wsConn) write(frame outFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The connection's request context would tear writes down during
	// handler shutdown; broadcast delivery only needs its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", identity.IPFromRequest(r))
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	c := &wsConn{id: uuid.NewString(), conn: ws}
	h.registry.Connect(c)
	defer h.registry.Disconnect(c.id)

	slog.Info("Chat connection established",
		"conn_id", c.id,
		"device_id", identity.DeviceIDFromContext(r.Context()),
		"ip", identity.IPFromRequest(r))

	h.readLoop(r.Context(), c)

	slog.Info("Chat connection ended", "conn_id", c.id)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop processes inbound frames one at a time, preserving each
// connection's own event order. Cross-connection ordering is left to the
// store's conditional writes.
func (h *WebSocketHandler) readLoop(ctx context.Context, c *wsConn) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "conn_id", c.id)
			} else {
				slog.Warn("WebSocket read error", "error", err, "conn_id", c.id)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(c, Envelope{}, "malformed frame")
			continue
		}

		h.dispatch(ctx, c, env)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, c *wsConn, env Envelope) {
	var (
		data any
		err  error
	)

	switch env.Event {
	case EventRegisterClient:
		data, err = h.handleRegister(c, env.Data)
	case EventJoinSession:
		data, err = h.handleJoinSession(c, env.Data)
	case EventCreateSession:
		data, err = h.handleCreateSession(ctx, c, env.Data)
	case EventSendMessage:
		data, err = h.handleSendMessage(ctx, env.Data)
	case EventAgentJoin:
		data, err = h.handleAgentJoin(ctx, c, env.Data)
	case EventCloseSession:
		data, err = h.handleCloseSession(ctx, env.Data)
	default:
		h.sendError(c, env, "unknown event: "+env.Event)
		return
	}

	if err != nil {
		h.nack(c, env, err)
		return
	}
	h.ack(c, env, data)
}

func (h *WebSocketHandler) handleRegister(c *wsConn, raw json.RawMessage) (any, error) {
	var p RegisterClientPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := h.registry.Register(c.id, p.Type); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "connectionId": c.id, "type": p.Type}, nil
}

func (h *WebSocketHandler) handleJoinSession(c *wsConn, raw json.RawMessage) (any, error) {
	var p JoinSessionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := h.registry.JoinSession(c.id, p.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "sessionId": p.SessionID}, nil
}

func (h *WebSocketHandler) handleCreateSession(ctx context.Context, c *wsConn, raw json.RawMessage) (any, error) {
	var p CreateSessionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	sess, err := h.svc.CreateSession(ctx, c.id, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "session": sess}, nil
}

func (h *WebSocketHandler) handleSendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p SendMessagePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	res, err := h.svc.SendMessage(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": res.Message, "duplicate": res.Duplicate}, nil
}

func (h *WebSocketHandler) handleAgentJoin(ctx context.Context, c *wsConn, raw json.RawMessage) (any, error) {
	var p AgentJoinPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	sess, err := h.svc.ClaimSession(ctx, c.id, p)
	if err != nil {
		// Agents correlate claim failures by session, so the failing id
		// rides along in the ack.
		return nil, &sessionError{sessionID: p.SessionID, err: err}
	}
	return map[string]any{"success": true, "session": sess}, nil
}

func (h *WebSocketHandler) handleCloseSession(ctx context.Context, raw json.RawMessage) (any, error) {
	var p CloseSessionPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	sess, err := h.svc.CloseSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "sessionId": sess.ID}, nil
}

// sessionError carries the session id a failed operation referred to.
type sessionError struct {
	sessionID string
	err       error
}

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

func (h *WebSocketHandler) ack(c *wsConn, env Envelope, data any) {
	if err := c.write(outFrame{Event: EventAck, RequestID: env.RequestID, Data: data}); err != nil {
		slog.Debug("Failed to send ack", "conn_id", c.id, "event", env.Event, "error", err)
	}
}

// nack reports a failure on the ack channel when the client asked for one,
// and on the generic error event otherwise. Handler failures never
// terminate the connection.
func (h *WebSocketHandler) nack(c *wsConn, env Envelope, err error) {
	code := ErrorCode(err)
	if code == "store_failure" {
		slog.Error("Event handler failed", "conn_id", c.id, "event", env.Event, "error", err)
	} else {
		slog.Debug("Event rejected", "conn_id", c.id, "event", env.Event, "code", code, "error", err)
	}

	data := map[string]any{"success": false, "error": err.Error(), "code": code}
	var se *sessionError
	if errors.As(err, &se) {
		data["sessionId"] = se.sessionID
	}

	if env.RequestID == "" {
		h.sendError(c, env, err.Error())
		return
	}
	if writeErr := c.write(outFrame{Event: EventAck, RequestID: env.RequestID, Data: data}); writeErr != nil {
		slog.Debug("Failed to send failure ack", "conn_id", c.id, "error", writeErr)
	}
}

func (h *WebSocketHandler) sendError(c *wsConn, env Envelope, msg string) {
	data := map[string]any{"error": msg}
	if env.Event != "" {
		data["event"] = env.Event
	}
	if err := c.Send(EventError, data); err != nil {
		slog.Debug("Failed to send error event", "conn_id", c.id, "error", err)
	}
}
