package chat

import (
	"context"
	"log/slog"
	"time"
)

const sweepInterval = time.Minute

// StartIdleSweeper closes sessions that have seen no activity for ttl.
// This is a freshness policy, not a claim-release policy: an abandoned
// active session is closed, never returned to waiting. A ttl <= 0 disables
// the sweeper.
func StartIdleSweeper(ctx context.Context, svc *Service, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle sweeper started", "interval", sweepInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				svc.closeIdleSessions(ctx, ttl)
			case <-ctx.Done():
				slog.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Service) closeIdleSessions(ctx context.Context, ttl time.Duration) {
	sessions, err := s.repo.ListIdleSessions(ctx, ttl)
	if err != nil {
		slog.Error("Idle sweeper failed to list sessions", "error", err)
		return
	}
	if len(sessions) == 0 {
		return
	}

	slog.Info("Idle sweeper found stale sessions", "count", len(sessions))

	for _, sess := range sessions {
		if _, err := s.CloseSession(ctx, CloseSessionPayload{SessionID: sess.ID}); err != nil {
			slog.Error("Idle sweeper failed to close session", "session_id", sess.ID, "error", err)
		}
	}
}
