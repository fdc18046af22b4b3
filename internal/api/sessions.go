package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/antonsen/livedesk/internal/domain"
	"github.com/go-chi/chi/v5"
)

const defaultHistoryLimit = 200

// SessionHandler serves read-only session and history endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/sessions/{sessionID}/messages", h.ListMessages)
	})
}

// ListSessions returns sessions, optionally filtered by a comma-separated
// status list (?status=waiting,active). Used by dashboards to bootstrap
// their queue view before subscribing to live updates.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := domain.Status(strings.TrimSpace(part))
			if !status.Valid() {
				Error(w, http.StatusBadRequest, "unknown status: "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
	}

	sessions, err := h.repo.ListSessions(r.Context(), statuses...)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns a single session by id.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.FindSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, sess)
}

// ListMessages returns stored messages for a session in ingestion order.
// Accepts ?limit=N, capped at the default when absent or invalid.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.FindSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < defaultHistoryLimit {
			limit = n
		}
	}

	messages, err := h.repo.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"sessionId": sessionID, "messages": messages})
}
