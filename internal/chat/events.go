// Package chat implements the session lifecycle state machine, the message
// ingestion pipeline, and the WebSocket event surface that drives them.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Inbound event names.
const (
	EventRegisterClient = "register-client"
	EventJoinSession    = "join-session"
	EventCreateSession  = "create-session"
	EventSendMessage    = "send-message"
	EventAgentJoin      = "agent-join-session"
	EventCloseSession   = "close-session"
)

// Outbound event names.
const (
	EventAck            = "ack"
	EventError          = "error"
	EventNewChatSession = "new-chat-session"
	EventNewMessage     = "new-message"
	EventAgentJoined    = "agent-joined"
	EventSessionUpdated = "session-updated"
	EventSessionClosed  = "session-closed"
)

// Envelope is one inbound frame from a client. Data carries the
// event-specific payload; RequestID, when present, asks for an ack frame
// carrying the same id.
type Envelope struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// decodePayload unmarshals an event payload, classifying malformed JSON as
// invalid input so it never reaches the store.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload: %w", errdefs.ErrInvalidArgument)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed payload: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}

func requireField(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}

// RegisterClientPayload declares the connection's client type.
type RegisterClientPayload struct {
	Type string `json:"type"`
}

// Validate checks required fields.
func (p RegisterClientPayload) Validate() error {
	return requireField(p.Type, "type")
}

// JoinSessionPayload subscribes the connection to a session room.
type JoinSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// Validate checks required fields.
func (p JoinSessionPayload) Validate() error {
	return requireField(p.SessionID, "sessionId")
}

// CreateSessionPayload opens a new support session.
type CreateSessionPayload struct {
	ID        string `json:"id"`
	UserEmail string `json:"userEmail"`
}

// Validate checks required fields.
func (p CreateSessionPayload) Validate() error {
	if err := requireField(p.ID, "id"); err != nil {
		return err
	}
	return requireField(p.UserEmail, "userEmail")
}

// SendMessagePayload submits one chat message. ID is optional and, when
// present, makes retransmission of the same message idempotent.
type SendMessagePayload struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
	Sender    string `json:"sender"`
	Body      string `json:"message"`
}

// Validate checks required fields.
func (p SendMessagePayload) Validate() error {
	if err := requireField(p.SessionID, "sessionId"); err != nil {
		return err
	}
	if err := requireField(p.Sender, "sender"); err != nil {
		return err
	}
	return requireField(p.Body, "message")
}

// AgentJoinPayload claims a waiting session for an agent.
type AgentJoinPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// Validate checks required fields.
func (p AgentJoinPayload) Validate() error {
	if err := requireField(p.SessionID, "sessionId"); err != nil {
		return err
	}
	if err := requireField(p.AgentID, "agentId"); err != nil {
		return err
	}
	return requireField(p.AgentName, "agentName")
}

// CloseSessionPayload closes a session.
type CloseSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// Validate checks required fields.
func (p CloseSessionPayload) Validate() error {
	return requireField(p.SessionID, "sessionId")
}

// ErrorCode maps a classified error to the stable code reported in acks
// and error events.
func ErrorCode(err error) string {
	switch {
	case errdefs.IsInvalidArgument(err):
		return "invalid_input"
	case errdefs.IsNotFound(err):
		return "not_found"
	case errdefs.IsConflict(err):
		return "conflict"
	case errdefs.IsFailedPrecondition(err):
		return "invalid_state"
	default:
		return "store_failure"
	}
}
