package mirror

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

func openTestMirror(t *testing.T) (*Mirror, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mirror.db")
	m, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open mirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	return m, path
}

func TestMirror_SaveLoadRoundTrip(t *testing.T) {
	m, _ := openTestMirror(t)

	start := time.Now().Truncate(time.Second)
	snap := session.Snapshot{
		Session: &session.FocusSession{
			ID:        "sess-1",
			UserID:    "user-1",
			StartedAt: start,
			Status:    storage.StatusActive,
		},
		IsDeepFocusActive: true,
		BlockedSites:      []string{"news.example.com", "video.example.com"},
		SavedAt:           time.Now(),
	}

	m.Save(snap)

	got, ok := m.Load()
	if !ok {
		t.Fatal("Expected a snapshot to load")
	}
	if got.Session == nil || got.Session.ID != "sess-1" {
		t.Errorf("Expected session sess-1, got %+v", got.Session)
	}
	if !got.IsDeepFocusActive {
		t.Error("Expected active snapshot")
	}
	if len(got.BlockedSites) != 2 {
		t.Errorf("Expected 2 blocked sites, got %d", len(got.BlockedSites))
	}
	if !got.Session.StartedAt.Equal(start) {
		t.Errorf("StartedAt mismatch: %v vs %v", got.Session.StartedAt, start)
	}
}

func TestMirror_LoadEmpty(t *testing.T) {
	m, _ := openTestMirror(t)

	if _, ok := m.Load(); ok {
		t.Error("Expected no snapshot from a fresh mirror")
	}
}

func TestMirror_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	m, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to open mirror: %v", err)
	}
	m.Save(session.Snapshot{IsDeepFocusActive: false, SavedAt: time.Now()})
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	m2, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to reopen mirror: %v", err)
	}
	defer func() { _ = m2.Close() }()

	if _, ok := m2.Load(); !ok {
		t.Error("Expected snapshot to survive reopen")
	}
}

func TestMirror_DiscardsCorruptSnapshot(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{
			name: "undecodable bytes",
			raw:  []byte("{not json"),
		},
		{
			name: "active without session",
			raw:  mustJSON(t, session.Snapshot{IsDeepFocusActive: true}),
		},
		{
			name: "active with empty session id",
			raw: mustJSON(t, session.Snapshot{
				Session:           &session.FocusSession{StartedAt: time.Now()},
				IsDeepFocusActive: true,
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := openTestMirror(t)

			writeRaw(t, m, tt.raw)

			if _, ok := m.Load(); ok {
				t.Fatal("Expected corrupt snapshot to be discarded")
			}

			// The corrupt record must be gone, not just skipped
			var remaining []byte
			err := m.db.View(func(tx *bbolt.Tx) error {
				remaining = tx.Bucket([]byte(bucketSnapshot)).Get([]byte(keyCurrent))
				return nil
			})
			if err != nil {
				t.Fatalf("View failed: %v", err)
			}
			if remaining != nil {
				t.Error("Corrupt snapshot should be deleted from the mirror")
			}
		})
	}
}

func mustJSON(t *testing.T, snap session.Snapshot) []byte {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Failed to marshal snapshot: %v", err)
	}
	return data
}

func writeRaw(t *testing.T, m *Mirror, raw []byte) {
	t.Helper()
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Put([]byte(keyCurrent), raw)
	})
	if err != nil {
		t.Fatalf("Failed to write raw snapshot: %v", err)
	}
}
