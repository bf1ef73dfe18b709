// Package session holds the in-memory focus state shared by the reconciler,
// the activity monitor, and the control API. The state store is the single
// owner of the current session; everything else reads copies.
package session

import (
	"fmt"
	"time"

	"github.com/focuskit/focusd/internal/storage"
)

// FocusSession is one deep-focus session as seen by this context.
type FocusSession struct {
	ID                 string                `json:"id"`
	UserID             string                `json:"user_id"`
	StartedAt          time.Time             `json:"started_at"`
	ElapsedSeconds     int                   `json:"elapsed_seconds"`
	PausedAt           *time.Time            `json:"paused_at,omitempty"`
	TotalPausedSeconds int                   `json:"total_paused_seconds"`
	Status             storage.SessionStatus `json:"status"`
}

// Elapsed returns active seconds as of now. While paused the value is frozen
// at the pause instant; paused spans never count.
func (s *FocusSession) Elapsed(now time.Time) int {
	switch s.Status {
	case storage.StatusEnded:
		return s.ElapsedSeconds
	case storage.StatusPaused:
		if s.PausedAt == nil {
			return s.ElapsedSeconds
		}
		return clampSeconds(s.PausedAt.Sub(s.StartedAt), s.TotalPausedSeconds)
	default:
		return clampSeconds(now.Sub(s.StartedAt), s.TotalPausedSeconds)
	}
}

func clampSeconds(span time.Duration, pausedSeconds int) int {
	elapsed := int(span.Seconds()) - pausedSeconds
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (s *FocusSession) Clone() *FocusSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	return &c
}

// Snapshot is the persisted mirror of the focus state. It is advisory: the
// remote session log stays authoritative, and a snapshot that fails Validate
// is treated as absent.
type Snapshot struct {
	Session           *FocusSession `json:"session,omitempty"`
	IsDeepFocusActive bool          `json:"is_deep_focus_active"`
	BlockedSites      []string      `json:"blocked_sites,omitempty"`
	SavedAt           time.Time     `json:"saved_at"`
}

// Validate reports snapshot corruption. An active flag without a bound
// session id and start time cannot be trusted.
func (s *Snapshot) Validate() error {
	if !s.IsDeepFocusActive {
		return nil
	}
	if s.Session == nil {
		return fmt.Errorf("active snapshot has no session")
	}
	if s.Session.ID == "" {
		return fmt.Errorf("active snapshot has empty session id")
	}
	if s.Session.StartedAt.IsZero() {
		return fmt.Errorf("active snapshot has zero start time")
	}
	return nil
}
