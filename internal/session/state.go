package session

import (
	"sync"
	"time"

	"github.com/focuskit/focusd/internal/events"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
)

// MirrorWriter receives every committed state change. Implementations must
// be best-effort; the store ignores their outcome.
type MirrorWriter interface {
	Save(snap Snapshot)
}

// StateStore owns the current focus state for this context. Mutations are
// reserved for the reconciler; every commit mirrors a snapshot and publishes
// a FocusChanged event.
type StateStore struct {
	mu           sync.RWMutex
	userID       string
	session      *FocusSession
	active       bool
	blockedSites []string

	mirror     MirrorWriter
	dispatcher *events.Dispatcher
	logger     zerolog.Logger
}

// NewStateStore creates an empty, inactive state store.
func NewStateStore(mirror MirrorWriter, dispatcher *events.Dispatcher, logger zerolog.Logger) *StateStore {
	return &StateStore{
		mirror:     mirror,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "session").Logger(),
	}
}

// BindUser sets the user this context acts for. Binding does not count as a
// focus change.
func (s *StateStore) BindUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// UserID returns the bound user, or empty if none.
func (s *StateStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Active reports whether deep focus is currently on.
func (s *StateStore) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Session returns a copy of the current session, or nil.
func (s *StateStore) Session() *FocusSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// BlockedSites returns a copy of the current blocked-site list.
func (s *StateStore) BlockedSites() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.blockedSites...)
}

// Snapshot returns the current state in its persisted form.
func (s *StateStore) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(now)
}

func (s *StateStore) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		Session:           s.session.Clone(),
		IsDeepFocusActive: s.active,
		BlockedSites:      append([]string(nil), s.blockedSites...),
		SavedAt:           now,
	}
}

// Activate binds a session and turns the focus flag on.
func (s *StateStore) Activate(sess *FocusSession, blockedSites []string, now time.Time) {
	s.mu.Lock()
	s.session = sess.Clone()
	s.active = true
	if blockedSites != nil {
		s.blockedSites = append([]string(nil), blockedSites...)
	}
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(snap)
}

// Deactivate clears the session and turns the focus flag off.
func (s *StateStore) Deactivate(now time.Time) {
	s.mu.Lock()
	s.session = nil
	s.active = false
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(snap)
}

// Adopt takes over a snapshot verbatim, including its timing fields.
func (s *StateStore) Adopt(snap Snapshot, now time.Time) {
	s.mu.Lock()
	s.session = snap.Session.Clone()
	s.active = snap.IsDeepFocusActive
	if snap.BlockedSites != nil {
		s.blockedSites = append([]string(nil), snap.BlockedSites...)
	}
	out := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(out)
}

// SetBlockedSites replaces the blocked-site list without touching the session.
func (s *StateStore) SetBlockedSites(sites []string, now time.Time) {
	s.mu.Lock()
	s.blockedSites = append([]string(nil), sites...)
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(snap)
}

// Pause freezes elapsed accounting. Returns false if there is no active,
// unpaused session to pause.
func (s *StateStore) Pause(now time.Time) bool {
	s.mu.Lock()
	if s.session == nil || s.session.Status != storage.StatusActive {
		s.mu.Unlock()
		return false
	}

	s.session.ElapsedSeconds = s.session.Elapsed(now)
	at := now
	s.session.PausedAt = &at
	s.session.Status = storage.StatusPaused
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(snap)
	return true
}

// Resume unfreezes elapsed accounting, adding the pause span to the paused
// total. Returns false if the session is not paused.
func (s *StateStore) Resume(now time.Time) bool {
	s.mu.Lock()
	if s.session == nil || s.session.Status != storage.StatusPaused || s.session.PausedAt == nil {
		s.mu.Unlock()
		return false
	}

	span := int(now.Sub(*s.session.PausedAt).Seconds())
	if span > 0 {
		s.session.TotalPausedSeconds += span
	}
	s.session.PausedAt = nil
	s.session.Status = storage.StatusActive
	snap := s.snapshotLocked(now)
	s.mu.Unlock()

	s.commit(snap)
	return true
}

// commit runs outside the state lock so event handlers may read back.
func (s *StateStore) commit(snap Snapshot) {
	if s.mirror != nil {
		s.mirror.Save(snap)
	}

	sessionID := ""
	if snap.Session != nil {
		sessionID = snap.Session.ID
	}
	s.logger.Debug().
		Bool("active", snap.IsDeepFocusActive).
		Str("session_id", sessionID).
		Msg("Focus state committed")

	if s.dispatcher != nil {
		s.dispatcher.FocusChanged.Publish(events.FocusChanged{
			IsActive:  snap.IsDeepFocusActive,
			SessionID: sessionID,
		})
	}
}
