package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/focuskit/focusd/internal/config"
	"github.com/focuskit/focusd/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so we use it directly
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0, // Not used when host contains port
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func TestSessionLog_CreateAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	startedAt := time.Now()
	id, err := sessions.Create(ctx, "user-1", startedAt)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	rec, err := sessions.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if rec.UserID != "user-1" {
		t.Errorf("Expected user-1, got %s", rec.UserID)
	}
	if rec.Status != storage.StatusActive {
		t.Errorf("Expected ACTIVE status, got %s", rec.Status)
	}
	if !rec.Open() {
		t.Error("Expected record to be open")
	}
	if rec.StartedAt.Sub(startedAt).Abs() > time.Second {
		t.Errorf("StartedAt mismatch: %v vs %v", rec.StartedAt, startedAt)
	}
}

func TestSessionLog_CreateWithIDDuplicate(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if err := sessions.CreateWithID(ctx, "local-1", "user-1", time.Now()); err != nil {
		t.Fatalf("CreateWithID failed: %v", err)
	}

	err := sessions.CreateWithID(ctx, "local-1", "user-1", time.Now())
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}
}

func TestSessionLog_CloseSession(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	id, err := sessions.Create(ctx, "user-1", time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	endedAt := time.Now()
	if err := sessions.CloseSession(ctx, id, endedAt, 1500, 300); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	rec, err := sessions.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if rec.Status != storage.StatusEnded {
		t.Errorf("Expected ENDED status, got %s", rec.Status)
	}
	if rec.ElapsedSeconds != 1500 {
		t.Errorf("Expected elapsed 1500, got %d", rec.ElapsedSeconds)
	}
	if rec.TotalPausedSeconds != 300 {
		t.Errorf("Expected paused 300, got %d", rec.TotalPausedSeconds)
	}
	if rec.EndedAt == nil {
		t.Fatal("Expected EndedAt to be set")
	}

	// Closed sessions leave the open index
	open, err := sessions.ListOpen(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected 0 open sessions, got %d", len(open))
	}
}

func TestSessionLog_CloseMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	err := store.Sessions().CloseSession(context.Background(), "nope", time.Now(), 0, 0)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionLog_CleanupOrphans(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	if _, err := sessions.Create(ctx, "user-1", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := sessions.Create(ctx, "user-1", time.Now().Add(-1*time.Hour)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	// Another user's open session must not be touched
	otherID, err := sessions.Create(ctx, "user-2", time.Now())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	closed, err := sessions.CleanupOrphans(ctx, "user-1")
	if err != nil {
		t.Fatalf("CleanupOrphans failed: %v", err)
	}
	if closed != 2 {
		t.Errorf("Expected 2 closed orphans, got %d", closed)
	}

	open, err := sessions.ListOpen(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected 0 open sessions for user-1, got %d", len(open))
	}

	rec, err := sessions.Get(ctx, otherID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !rec.Open() {
		t.Error("user-2 session should still be open")
	}
}

func TestSessionLog_DailyFocus(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	date := "2026-08-25"

	if err := sessions.IncrementDailyFocus(ctx, date, "user-1", 600); err != nil {
		t.Fatalf("IncrementDailyFocus failed: %v", err)
	}
	if err := sessions.IncrementDailyFocus(ctx, date, "user-1", 900); err != nil {
		t.Fatalf("Second IncrementDailyFocus failed: %v", err)
	}

	daily, err := sessions.GetDailyFocus(ctx, date, "user-1")
	if err != nil {
		t.Fatalf("GetDailyFocus failed: %v", err)
	}
	if daily.TotalSeconds != 1500 {
		t.Errorf("Expected TotalSeconds 1500, got %d", daily.TotalSeconds)
	}

	deleted, err := sessions.DeleteDailyFocusBefore(ctx, "2026-08-26")
	if err != nil {
		t.Fatalf("DeleteDailyFocusBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted daily total, got %d", deleted)
	}

	if _, err := sessions.GetDailyFocus(ctx, date, "user-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestSessionLog_DeleteClosedBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	oldID, err := sessions.Create(ctx, "user-1", time.Now().Add(-100*24*time.Hour))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := sessions.CloseSession(ctx, oldID, time.Now().Add(-99*24*time.Hour), 3600, 0); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	// Open sessions are never swept, however old
	if _, err := sessions.Create(ctx, "user-1", time.Now().Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deleted, err := sessions.DeleteClosedBefore(ctx, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteClosedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", deleted)
	}

	open, err := sessions.ListOpen(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListOpen failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("Expected open session to survive, got %d", len(open))
	}
}

func TestOverrideStore_AppendDedup(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	overrides := store.Overrides()

	rec := storage.OverrideRecord{
		UserID:          "user-1",
		Domain:          "news.example.com",
		DurationSeconds: 300,
		Timestamp:       time.UnixMilli(1756200000000),
	}

	if err := overrides.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	err := overrides.Append(ctx, rec)
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got %v", err)
	}

	recent, err := overrides.ListRecent(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Expected 1 override, got %d", len(recent))
	}
	if recent[0].Domain != rec.Domain {
		t.Errorf("Expected domain %s, got %s", rec.Domain, recent[0].Domain)
	}
}

func TestOverrideStore_ListRecentOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	overrides := store.Overrides()

	base := time.UnixMilli(1756200000000)
	for i, domain := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		rec := storage.OverrideRecord{
			UserID:          "user-1",
			Domain:          domain,
			DurationSeconds: 120,
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := overrides.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := overrides.ListRecent(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 overrides, got %d", len(recent))
	}
	if recent[0].Domain != "c.example.com" {
		t.Errorf("Expected newest first, got %s", recent[0].Domain)
	}
}
