// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/antonsen/livedesk/internal/domain"
)

// SessionPatch describes a partial update to a session record.
// Nil fields are left untouched; UpdatedAt is always written.
type SessionPatch struct {
	Status    *domain.Status
	AgentID   *string
	AgentName *string
	UpdatedAt time.Time
}

// Repository defines the persistence contract for sessions and messages.
type Repository interface {
	// FindSession retrieves a session by id. Returns nil if absent.
	FindSession(ctx context.Context, id string) (*domain.Session, error)

	// InsertSession stores a new session. Returns a Conflict error if a
	// session with the same id already exists.
	InsertSession(ctx context.Context, session *domain.Session) error

	// UpdateSessionIf applies patch only if the session's current status
	// equals expected at the moment of the write (compare-and-set). The
	// returned bool reports whether the write matched a row.
	UpdateSessionIf(ctx context.Context, id string, expected domain.Status, patch SessionPatch) (bool, error)

	// UpdateSession applies patch unconditionally. The returned bool
	// reports whether the session exists.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (bool, error)

	// ListSessions retrieves sessions in any of the given statuses, most
	// recently updated first. An empty filter returns all sessions.
	ListSessions(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error)

	// ListIdleSessions retrieves non-closed sessions whose updated_at is
	// older than the given TTL.
	ListIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// FindMessage retrieves a message by id. Returns nil if absent.
	FindMessage(ctx context.Context, id string) (*domain.Message, error)

	// InsertMessage stores a new message. Returns a Conflict error if a
	// message with the same id already exists.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages retrieves up to limit messages for a session in
	// ingestion order. limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// Ping verifies database connectivity and returns an error if the
	// database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
