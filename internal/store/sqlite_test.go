package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/antonsen/livedesk/internal/domain"
	"github.com/containerd/errdefs"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()

	repo, err := NewSQLite(filepath.Join(t.TempDir(), "livedesk.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func newTestSession(id string) *domain.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Session{
		ID:        id,
		Status:    domain.StatusWaiting,
		UserEmail: "a@x.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertAndFindSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	want := newTestSession("S1")
	if err := repo.InsertSession(ctx, want); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := repo.FindSession(ctx, "S1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Status != domain.StatusWaiting {
		t.Errorf("status = %q, want %q", got.Status, domain.StatusWaiting)
	}
	if got.UserEmail != want.UserEmail {
		t.Errorf("userEmail = %q, want %q", got.UserEmail, want.UserEmail)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.CreatedAt.Location() != time.UTC {
		t.Errorf("createdAt location = %v, want UTC", got.CreatedAt.Location())
	}
}

func TestFindSessionAbsent(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.FindSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent session, got %+v", got)
	}
}

func TestInsertSessionDuplicate(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.InsertSession(ctx, newTestSession("S1")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	err := repo.InsertSession(ctx, newTestSession("S1"))
	if !errdefs.IsConflict(err) {
		t.Errorf("duplicate insert error = %v, want conflict", err)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("stored sessions = %d, want 1", len(sessions))
	}
}

func TestUpdateSessionIf(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.InsertSession(ctx, newTestSession("S1")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	active := domain.StatusActive
	agentID := "A1"
	agentName := "Alice"
	patch := SessionPatch{
		Status:    &active,
		AgentID:   &agentID,
		AgentName: &agentName,
		UpdatedAt: time.Now(),
	}

	matched, err := repo.UpdateSessionIf(ctx, "S1", domain.StatusWaiting, patch)
	if err != nil {
		t.Fatalf("UpdateSessionIf: %v", err)
	}
	if !matched {
		t.Fatal("expected first conditional update to match")
	}

	// Same expectation a second time must miss: the status already moved.
	matched, err = repo.UpdateSessionIf(ctx, "S1", domain.StatusWaiting, patch)
	if err != nil {
		t.Fatalf("UpdateSessionIf: %v", err)
	}
	if matched {
		t.Fatal("expected second conditional update to miss")
	}

	got, err := repo.FindSession(ctx, "S1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if got.Status != domain.StatusActive || got.AgentID != "A1" || got.AgentName != "Alice" {
		t.Errorf("session after claim = %+v", got)
	}
}

func TestUpdateSessionIfConcurrentClaims(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.InsertSession(ctx, newTestSession("S1")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	results := make(chan bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			active := domain.StatusActive
			agentID := "agent-" + string(rune('a'+n))
			matched, err := repo.UpdateSessionIf(ctx, "S1", domain.StatusWaiting, SessionPatch{
				Status:    &active,
				AgentID:   &agentID,
				UpdatedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("UpdateSessionIf: %v", err)
				return
			}
			results <- matched
		}(i)
	}

	wg.Wait()
	close(results)

	winners := 0
	for matched := range results {
		if matched {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestUpdateSessionTouch(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession("S1")
	if err := repo.InsertSession(ctx, sess); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	later := sess.UpdatedAt.Add(90 * time.Second)
	ok, err := repo.UpdateSession(ctx, "S1", SessionPatch{UpdatedAt: later})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if !ok {
		t.Fatal("expected touch to match existing session")
	}

	got, err := repo.FindSession(ctx, "S1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, later)
	}
	if got.Status != domain.StatusWaiting {
		t.Errorf("touch changed status to %q", got.Status)
	}

	ok, err = repo.UpdateSession(ctx, "missing", SessionPatch{UpdatedAt: later})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if ok {
		t.Error("expected update of missing session to report no match")
	}
}

func TestListSessionsByStatus(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"S1", "S2", "S3"} {
		if err := repo.InsertSession(ctx, newTestSession(id)); err != nil {
			t.Fatalf("InsertSession %s: %v", id, err)
		}
	}
	closed := domain.StatusClosed
	if _, err := repo.UpdateSession(ctx, "S3", SessionPatch{Status: &closed, UpdatedAt: time.Now()}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	open, err := repo.ListSessions(ctx, domain.StatusWaiting, domain.StatusActive)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("open sessions = %d, want 2", len(open))
	}

	all, err := repo.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all sessions = %d, want 3", len(all))
	}
}

func TestListIdleSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	stale := newTestSession("stale")
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	if err := repo.InsertSession(ctx, stale); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := repo.InsertSession(ctx, newTestSession("fresh")); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	idle, err := repo.ListIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ListIdleSessions: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "stale" {
		t.Errorf("idle sessions = %+v, want only stale", idle)
	}
}

func TestInsertAndFindMessage(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	msg := &domain.Message{
		ID:               "m1",
		SessionID:        "S1",
		Sender:           "customer",
		Body:             "hi",
		CreatedAt:        now,
		ServerReceivedAt: now,
	}
	if err := repo.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	got, err := repo.FindMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("FindMessage: %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.Body != "hi" || got.Sender != "customer" {
		t.Errorf("message = %+v", got)
	}
	if !got.ServerReceivedAt.Equal(now) {
		t.Errorf("serverReceivedAt = %v, want %v", got.ServerReceivedAt, now)
	}

	err = repo.InsertMessage(ctx, msg)
	if !errdefs.IsConflict(err) {
		t.Errorf("duplicate message insert error = %v, want conflict", err)
	}
}

func TestListMessagesOrder(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	// Same-second timestamps: order must come from insertion, not time.
	for _, id := range []string{"m1", "m2", "m3"} {
		msg := &domain.Message{
			ID: id, SessionID: "S1", Sender: "customer", Body: id,
			CreatedAt: now, ServerReceivedAt: now,
		}
		if err := repo.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage %s: %v", id, err)
		}
	}

	messages, err := repo.ListMessages(ctx, "S1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(messages))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if messages[i].ID != want {
			t.Errorf("messages[%d] = %q, want %q", i, messages[i].ID, want)
		}
	}

	limited, err := repo.ListMessages(ctx, "S1", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited messages = %d, want 2", len(limited))
	}
}

func TestWithBusyRetryRecovers(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withBusyRetry(ctx, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withBusyRetry = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
}

func TestWithBusyRetryGivesUp(t *testing.T) {
	ctx := context.Background()

	calls := 0
	busy := errors.New("SQLITE_BUSY")
	if err := withBusyRetry(ctx, func() error {
		calls++
		return busy
	}); !errors.Is(err, busy) {
		t.Errorf("withBusyRetry = %v, want %v", err, busy)
	}
	if calls != busyMaxRetries {
		t.Errorf("op called %d times, want %d", calls, busyMaxRetries)
	}
}

func TestWithBusyRetryPassesThroughOtherErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	boom := errors.New("no such table: sessions")
	if err := withBusyRetry(ctx, func() error {
		calls++
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("withBusyRetry = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
}
