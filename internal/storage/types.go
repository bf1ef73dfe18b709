package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SessionStatus represents the lifecycle state of a session record.
type SessionStatus string

const (
	StatusActive SessionStatus = "ACTIVE"
	StatusPaused SessionStatus = "PAUSED"
	StatusEnded  SessionStatus = "ENDED"
)

// UnmarshalJSON implements json.Unmarshaler to normalize status to uppercase.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := SessionStatus(strings.ToUpper(raw))

	switch normalized {
	case StatusActive, StatusPaused, StatusEnded:
		*s = normalized
		return nil
	default:
		return fmt.Errorf("invalid session status: %s (must be ACTIVE, PAUSED, or ENDED)", raw)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// FocusSessionRecord is a durable focus session entry in the remote log.
type FocusSessionRecord struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	StartedAt          time.Time     `json:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	ElapsedSeconds     int64         `json:"elapsed_seconds"`
	TotalPausedSeconds int64         `json:"total_paused_seconds"`
	Status             SessionStatus `json:"status"`
}

// Open reports whether the record has not been closed.
func (r *FocusSessionRecord) Open() bool {
	return r.Status != StatusEnded
}

// DailyFocus aggregates active focus seconds per day/user.
type DailyFocus struct {
	Date         string `json:"date"`
	UserID       string `json:"user_id"`
	TotalSeconds int64  `json:"total_seconds"`
}

// OverrideRecord is a logged, time-boxed exception allowing temporary access
// to an otherwise-blocked site during an active focus session.
type OverrideRecord struct {
	UserID          string    `json:"user_id"`
	Domain          string    `json:"domain"`
	DurationSeconds int64     `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// DedupKey is the composite key overrides are deduplicated on.
func (r *OverrideRecord) DedupKey() string {
	return fmt.Sprintf("%s:%d:%d", r.Domain, r.DurationSeconds, r.Timestamp.UnixMilli())
}
