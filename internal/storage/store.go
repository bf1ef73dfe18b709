package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrDuplicate is returned when an append-once record already exists.
var ErrDuplicate = errors.New("storage: duplicate record")

// Store represents the root storage interface for the remote session log.
// The log is the cross-context arbiter of truth: in-memory state and the
// local mirror snapshot both yield to it during reconciliation.
type Store interface {
	Close() error
	Sessions() SessionLogStore
	Overrides() OverrideStore
}

// SessionLogStore manages durable focus session records.
type SessionLogStore interface {
	// Create appends a new open session record and returns its id.
	Create(ctx context.Context, userID string, startedAt time.Time) (string, error)
	// CreateWithID appends an open record under a caller-supplied id. Used
	// when a session was started locally while the log was unreachable.
	CreateWithID(ctx context.Context, id, userID string, startedAt time.Time) error
	// CloseSession marks a record ended with its final accounting.
	CloseSession(ctx context.Context, id string, endedAt time.Time, elapsedSeconds, totalPausedSeconds int64) error
	Get(ctx context.Context, id string) (*FocusSessionRecord, error)
	// ListOpen returns all records for the user that have not been closed.
	ListOpen(ctx context.Context, userID string) ([]FocusSessionRecord, error)
	// CleanupOrphans closes every dangling open record for the user and
	// returns how many were closed.
	CleanupOrphans(ctx context.Context, userID string) (int, error)
	// DeleteClosedBefore removes closed records that started before the cutoff.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// IncrementDailyFocus adds active seconds to the per-day per-user total.
	IncrementDailyFocus(ctx context.Context, date string, userID string, seconds int64) error
	GetDailyFocus(ctx context.Context, date string, userID string) (*DailyFocus, error)
	DeleteDailyFocusBefore(ctx context.Context, cutoffDate string) (int, error)
}

// OverrideStore manages logged override sessions (temporary unblocks).
type OverrideStore interface {
	// Append writes the override once. A second append with the same
	// composite key (domain, duration_seconds, timestamp) returns
	// ErrDuplicate.
	Append(ctx context.Context, rec OverrideRecord) error
	ListRecent(ctx context.Context, userID string, limit int) ([]OverrideRecord, error)
}
