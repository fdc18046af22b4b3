package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antonsen/livedesk/internal/domain"
	"github.com/antonsen/livedesk/internal/hub"
	"github.com/antonsen/livedesk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Service is the session lifecycle state machine and message ingestion
// pipeline. Every persisted change fans out through the hub to the
// session's room and, for session-level changes, to the dashboard room.
type Service struct {
	repo     store.Repository
	hub      *hub.Hub
	registry *hub.Registry
}

// NewService creates the chat service.
func NewService(repo store.Repository, h *hub.Hub, registry *hub.Registry) *Service {
	return &Service{repo: repo, hub: h, registry: registry}
}

// Timestamps are persisted at second precision, so they are truncated up
// front to keep returned records identical to what a re-read would yield.
func (s *Service) now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// CreateSession persists a new waiting session, joins the creating
// connection to its room, and announces it to the dashboard. A session id
// that already exists is a Conflict and produces no broadcast.
func (s *Service) CreateSession(ctx context.Context, connID string, p CreateSessionPayload) (*domain.Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	sess := &domain.Session{
		ID:        strings.TrimSpace(p.ID),
		Status:    domain.StatusWaiting,
		UserEmail: strings.TrimSpace(p.UserEmail),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.InsertSession(ctx, sess); err != nil {
		return nil, err
	}

	if err := s.registry.JoinSession(connID, sess.ID); err != nil {
		slog.Debug("Creator could not join session room", "session_id", sess.ID, "conn_id", connID, "error", err)
	}
	s.hub.Broadcast(hub.DashboardRoom, EventNewChatSession, sess)

	slog.Info("Session created", "session_id", sess.ID, "user_email", sess.UserEmail)
	return sess, nil
}

// ClaimSession transitions a waiting session to active for exactly one
// agent. The write is conditional on the status still being waiting at the
// moment of the update, so of N concurrent claims one wins and the rest
// observe Conflict.
func (s *Service) ClaimSession(ctx context.Context, connID string, p AgentJoinPayload) (*domain.Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sess, err := s.repo.FindSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %q: %w", p.SessionID, errdefs.ErrNotFound)
	}
	if !sess.Status.CanTransitionTo(domain.StatusActive) {
		return nil, fmt.Errorf("session %q is %s, not waiting: %w", sess.ID, sess.Status, errdefs.ErrFailedPrecondition)
	}

	now := s.now()
	active := domain.StatusActive
	agentID := strings.TrimSpace(p.AgentID)
	agentName := strings.TrimSpace(p.AgentName)

	matched, err := s.repo.UpdateSessionIf(ctx, sess.ID, domain.StatusWaiting, store.SessionPatch{
		Status:    &active,
		AgentID:   &agentID,
		AgentName: &agentName,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}
	if !matched {
		// Another agent won the race between our read and the write.
		return nil, fmt.Errorf("session %q already claimed: %w", sess.ID, errdefs.ErrConflict)
	}

	sess.Status = domain.StatusActive
	sess.AgentID = agentID
	sess.AgentName = agentName
	sess.UpdatedAt = now

	if err := s.registry.JoinSession(connID, sess.ID); err != nil {
		slog.Debug("Agent could not join session room", "session_id", sess.ID, "conn_id", connID, "error", err)
	}
	s.hub.Broadcast(sess.ID, EventAgentJoined, map[string]string{
		"sessionId": sess.ID,
		"agentId":   sess.AgentID,
		"agentName": sess.AgentName,
	})
	s.hub.Broadcast(hub.DashboardRoom, EventSessionUpdated, sess)

	slog.Info("Session claimed", "session_id", sess.ID, "agent_id", sess.AgentID)
	return sess, nil
}

// CloseSession moves a session to its terminal state. The write is
// unconditional and idempotent: closing an already-closed session succeeds
// silently with no further status change.
func (s *Service) CloseSession(ctx context.Context, p CloseSessionPayload) (*domain.Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sess, err := s.repo.FindSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %q: %w", p.SessionID, errdefs.ErrNotFound)
	}

	now := s.now()
	closed := domain.StatusClosed
	if _, err := s.repo.UpdateSession(ctx, sess.ID, store.SessionPatch{
		Status:    &closed,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	sess.Status = domain.StatusClosed
	sess.UpdatedAt = now

	s.hub.Broadcast(sess.ID, EventSessionClosed, map[string]string{"sessionId": sess.ID})
	s.hub.Broadcast(hub.DashboardRoom, EventSessionUpdated, sess)

	slog.Info("Session closed", "session_id", sess.ID)
	return sess, nil
}

// SendResult is the outcome of message ingestion. Duplicate marks a
// retransmission that matched a stored message; no write or broadcast
// happened for it.
type SendResult struct {
	Message   *domain.Message `json:"message"`
	Duplicate bool            `json:"duplicate"`
}

// SendMessage validates, deduplicates, persists, and broadcasts one chat
// message, then touches the owning session's freshness timestamp.
func (s *Service) SendMessage(ctx context.Context, p SendMessagePayload) (*SendResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	sess, err := s.repo.FindSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %q: %w", p.SessionID, errdefs.ErrNotFound)
	}
	if sess.IsClosed() {
		return nil, fmt.Errorf("session %q is closed: %w", sess.ID, errdefs.ErrFailedPrecondition)
	}

	id := strings.TrimSpace(p.ID)
	if id != "" {
		existing, err := s.repo.FindMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &SendResult{Message: existing, Duplicate: true}, nil
		}
	} else {
		id = uuid.NewString()
	}

	now := s.now()
	msg := &domain.Message{
		ID:               id,
		SessionID:        sess.ID,
		Sender:           strings.TrimSpace(p.Sender),
		Body:             p.Body,
		CreatedAt:        now,
		ServerReceivedAt: now,
	}

	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		if errdefs.IsConflict(err) {
			// A concurrent retransmission won the insert race; return the
			// stored record exactly as the dedupe lookup would have.
			existing, findErr := s.repo.FindMessage(ctx, msg.ID)
			if findErr == nil && existing != nil {
				return &SendResult{Message: existing, Duplicate: true}, nil
			}
		}
		return nil, err
	}

	s.hub.Broadcast(msg.SessionID, EventNewMessage, msg)

	// Freshness touch, not a status change. The message is already
	// persisted and broadcast, so a failed touch only logs.
	if _, err := s.repo.UpdateSession(ctx, sess.ID, store.SessionPatch{UpdatedAt: now}); err != nil {
		slog.Warn("Failed to touch session after message", "session_id", sess.ID, "error", err)
	}

	return &SendResult{Message: msg, Duplicate: false}, nil
}

// SessionHistory returns up to limit stored messages for a session in
// ingestion order.
func (s *Service) SessionHistory(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	if err := requireField(sessionID, "sessionId"); err != nil {
		return nil, err
	}

	sess, err := s.repo.FindSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %q: %w", sessionID, errdefs.ErrNotFound)
	}

	return s.repo.ListMessages(ctx, sessionID, limit)
}
