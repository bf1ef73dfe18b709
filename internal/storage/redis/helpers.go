package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/focuskit/focusd/internal/storage"
)

func sessionKey(id string) string {
	return fmt.Sprintf("focusd:session:%s", id)
}

func openSetKey() string {
	return "focusd:sessions:open"
}

func userOpenSetKey(userID string) string {
	return fmt.Sprintf("focusd:sessions:user:%s:open", userID)
}

func dailyFocusKey(date, userID string) string {
	return fmt.Sprintf("focusd:focus:daily:%s:%s", date, userID)
}

func dailyIndexKey(date string) string {
	return fmt.Sprintf("focusd:focus:daily:index:%s", date)
}

func overrideDedupKey(userID string) string {
	return fmt.Sprintf("focusd:overrides:keys:%s", userID)
}

func overrideLogKey(userID string) string {
	return fmt.Sprintf("focusd:overrides:log:%s", userID)
}

// dailyKeyDate extracts the date component from a daily focus key.
// Index keys ("focusd:focus:daily:index:{date}") are excluded.
func dailyKeyDate(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[3] == "index" {
		return "", false
	}
	return parts[3], true
}

// parseSessionRecord converts a Redis hash to FocusSessionRecord
func parseSessionRecord(data map[string]string) (*storage.FocusSessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	elapsed, err := strconv.ParseInt(data["elapsed_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse elapsed_seconds: %w", err)
	}

	paused, err := strconv.ParseInt(data["total_paused_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_paused_seconds: %w", err)
	}

	rec := &storage.FocusSessionRecord{
		ID:                 data["id"],
		UserID:             data["user_id"],
		StartedAt:          startedAt,
		ElapsedSeconds:     elapsed,
		TotalPausedSeconds: paused,
		Status:             storage.SessionStatus(data["status"]),
	}

	if raw, ok := data["ended_at"]; ok && raw != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		rec.EndedAt = &endedAt
	}

	return rec, nil
}

// parseDailyFocus converts a Redis hash to DailyFocus
func parseDailyFocus(data map[string]string) (*storage.DailyFocus, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	return &storage.DailyFocus{
		Date:         data["date"],
		UserID:       data["user_id"],
		TotalSeconds: totalSeconds,
	}, nil
}
