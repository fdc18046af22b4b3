package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antonsen/livedesk/internal/domain"
	"github.com/antonsen/livedesk/internal/shared"
	"github.com/containerd/errdefs"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		user_email TEXT NOT NULL,
		agent_id TEXT,
		agent_name TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		server_received_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sessionColumns = `session_id, status, user_email, agent_id, agent_name, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var agentID, agentName sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &status, &sess.UserEmail,
		&agentID, &agentName, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.Status(status)
	sess.AgentID = agentID.String
	sess.AgentName = agentName.String
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &sess, nil
}

// FindSession retrieves a session by id. Returns nil if absent.
func (s *SQLiteStore) FindSession(ctx context.Context, id string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// InsertSession stores a new session.
func (s *SQLiteStore) InsertSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (session_id, status, user_email, agent_id, agent_name, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var agentID, agentName interface{}
	if session.AgentID != "" {
		agentID = session.AgentID
	}
	if session.AgentName != "" {
		agentName = session.AgentName
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, string(session.Status), session.UserEmail,
		agentID, agentName,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		if shared.IsUniqueConstraintError(err) {
			return fmt.Errorf("session %q already exists: %w", session.ID, errdefs.ErrConflict)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const (
	busyMaxRetries = 3
	busyBaseDelay  = 50 * time.Millisecond
)

// withBusyRetry runs op, retrying with exponential backoff while it fails
// with SQLITE_BUSY or "database is locked". Under WAL these surface when a
// write collides with another writer's transaction, e.g. a claim racing a
// freshness touch on the same session.
func withBusyRetry(ctx context.Context, op func() error) error {
	var err error
	for i := 0; i < busyMaxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if i < busyMaxRetries-1 {
			delay := busyBaseDelay * time.Duration(1<<i)
			slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}

func buildSessionPatch(patch SessionPatch) (setClauses []string, args []interface{}) {
	if patch.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.AgentID != nil {
		setClauses = append(setClauses, "agent_id = ?")
		args = append(args, *patch.AgentID)
	}
	if patch.AgentName != nil {
		setClauses = append(setClauses, "agent_name = ?")
		args = append(args, *patch.AgentName)
	}
	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, updatedAt.Unix())
	return setClauses, args
}

// UpdateSessionIf applies patch only if the session's current status equals
// expected at the moment of the write. This is the compare-and-set primitive
// that resolves the agent-claim race: the WHERE clause makes the status
// check and the write a single atomic statement.
func (s *SQLiteStore) UpdateSessionIf(ctx context.Context, id string, expected domain.Status, patch SessionPatch) (bool, error) {
	setClauses, args := buildSessionPatch(patch)
	query := `UPDATE sessions SET ` + strings.Join(setClauses, ", ") + ` WHERE session_id = ? AND status = ?`
	args = append(args, id, string(expected))

	var result sql.Result
	err := withBusyRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("conditional session update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpdateSession applies patch unconditionally.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (bool, error) {
	setClauses, args := buildSessionPatch(patch)
	query := `UPDATE sessions SET ` + strings.Join(setClauses, ", ") + ` WHERE session_id = ?`
	args = append(args, id)

	var result sql.Result
	err := withBusyRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", id)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListSessions retrieves sessions in any of the given statuses, most
// recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`

	var args []interface{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY updated_at DESC, session_id`

	return s.querySessions(ctx, query, args...)
}

// ListIdleSessions retrieves non-closed sessions whose updated_at is older
// than the given TTL.
func (s *SQLiteStore) ListIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status != ? AND updated_at < ?`

	return s.querySessions(ctx, query, string(domain.StatusClosed), threshold)
}

// FindMessage retrieves a message by id. Returns nil if absent.
func (s *SQLiteStore) FindMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		SELECT message_id, session_id, sender, body, created_at, server_received_at
		FROM messages WHERE message_id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var msg domain.Message
	var createdAt, receivedAt int64

	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Body, &createdAt, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	msg.CreatedAt = time.Unix(createdAt, 0).UTC()
	msg.ServerReceivedAt = time.Unix(receivedAt, 0).UTC()

	return &msg, nil
}

// InsertMessage stores a new message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.Message) error {
	query := `
	INSERT INTO messages (message_id, session_id, sender, body, created_at, server_received_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.Sender, msg.Body,
		msg.CreatedAt.Unix(), msg.ServerReceivedAt.Unix(),
	)
	if err != nil {
		if shared.IsUniqueConstraintError(err) {
			return fmt.Errorf("message %q already exists: %w", msg.ID, errdefs.ErrConflict)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages retrieves up to limit messages for a session in ingestion
// order. Ingestion order is insertion order (rowid), not timestamp order,
// so messages stored within the same second keep their relative order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `
		SELECT message_id, session_id, sender, body, created_at, server_received_at
		FROM messages WHERE session_id = ? ORDER BY rowid`
	args := []interface{}{sessionID}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt, receivedAt int64

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Body, &createdAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		msg.ServerReceivedAt = time.Unix(receivedAt, 0).UTC()
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
