// Package reconcile drives the focus state toward consistency across the
// local state store, the persisted snapshot, and the remote session log.
// All state mutation funnels through the Reconciler; other components only
// read.
package reconcile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/events"
	"github.com/focuskit/focusd/internal/metrics"
	"github.com/focuskit/focusd/internal/policy"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InitState tracks the one-shot initialization state machine.
type InitState int

const (
	// Uninitialized means Initialize has not started yet.
	Uninitialized InitState = iota
	// Initializing means a run is in flight; concurrent callers await it.
	Initializing
	// Ready means initialization completed.
	Ready
)

// Sources describe who triggered an operation. Bus-triggered operations are
// not re-broadcast; everything else is.
const (
	SourceAPI      = "api"
	SourceBus      = "bus"
	SourceActivity = "activity"
)

// SnapshotLoader reads the persisted mirror on startup.
type SnapshotLoader interface {
	Load() (*session.Snapshot, bool)
}

// Broadcaster fans state assertions out to the other contexts.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg bus.Message)
}

// Options configures a Reconciler.
type Options struct {
	Retry          RetryPolicy
	DebounceWindow time.Duration
	Clock          Clock
}

// Reconciler owns every transition of the focus state.
type Reconciler struct {
	state      *session.StateStore
	sessions   storage.SessionLogStore
	overrides  storage.OverrideStore
	policy     *policy.Engine
	loader     SnapshotLoader
	dispatcher *events.Dispatcher
	clock      Clock
	logger     zerolog.Logger
	retry      *retryExecutor
	debounce   time.Duration

	mu          sync.Mutex
	broadcaster Broadcaster
	initState   InitState
	initDone    chan struct{}
	initErr     error

	lastAssertValid  bool
	lastAssertActive bool
	lastAssertAt     time.Time
}

// New creates a Reconciler. Call SetBroadcaster before Initialize if state
// changes should reach other contexts.
func New(
	state *session.StateStore,
	sessions storage.SessionLogStore,
	overrides storage.OverrideStore,
	policyEngine *policy.Engine,
	loader SnapshotLoader,
	dispatcher *events.Dispatcher,
	logger zerolog.Logger,
	opts Options,
) *Reconciler {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	debounce := opts.DebounceWindow
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	componentLogger := logger.With().Str("component", "reconciler").Logger()

	return &Reconciler{
		state:      state,
		sessions:   sessions,
		overrides:  overrides,
		policy:     policyEngine,
		loader:     loader,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     componentLogger,
		retry:      newRetryExecutor(opts.Retry, componentLogger),
		debounce:   debounce,
	}
}

// SetBroadcaster wires the outbound side of the bus. The adapter needs the
// reconciler as its sink, so this is set after construction.
func (r *Reconciler) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// State returns the initialization state.
func (r *Reconciler) State() InitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initState
}

// Initialize reconciles startup state exactly once. Concurrent callers wait
// for the in-flight run and share its outcome; once Ready, further calls are
// no-ops.
func (r *Reconciler) Initialize(ctx context.Context, userID string) error {
	r.mu.Lock()
	switch r.initState {
	case Ready:
		r.mu.Unlock()
		return nil
	case Initializing:
		done := r.initDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		r.mu.Lock()
		err := r.initErr
		r.mu.Unlock()
		return err
	}

	r.initState = Initializing
	r.initDone = make(chan struct{})
	r.mu.Unlock()

	err := r.doInitialize(ctx, userID)

	r.mu.Lock()
	r.initState = Ready
	r.initErr = err
	close(r.initDone)
	r.mu.Unlock()

	return err
}

func (r *Reconciler) doInitialize(ctx context.Context, userID string) error {
	r.state.BindUser(userID)

	var snap *session.Snapshot
	if r.loader != nil {
		snap, _ = r.loader.Load()
	}

	open, err := r.sessions.ListOpen(ctx, userID)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}

	now := r.clock.Now()

	if snap != nil && snap.IsDeepFocusActive {
		for _, rec := range open {
			if rec.ID == snap.Session.ID {
				// The snapshot's session is still open remotely; take it
				// over with its original timing intact.
				r.state.Adopt(*snap, now)
				metrics.SessionsAdopted.Inc()
				metrics.FocusActive.Set(1)
				r.logger.Info().Str("session_id", rec.ID).Msg("Adopted session from snapshot")
				return nil
			}
		}

		// Active snapshot with no matching open remote session: the
		// record is an orphan. Close whatever is open and start clean.
		closed, err := r.sessions.CleanupOrphans(ctx, userID)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Orphan cleanup failed")
		}
		if closed > 0 {
			metrics.OrphansCleaned.Add(float64(closed))
		}
		r.state.Deactivate(now)
		metrics.FocusActive.Set(0)
		r.logger.Info().Int("closed", closed).Msg("Reset orphaned focus state")
		return nil
	}

	// No local claim on a session; any open remote records are leftovers
	// from a context that died without closing them.
	if len(open) > 0 {
		closed, err := r.sessions.CleanupOrphans(ctx, userID)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Orphan cleanup failed")
		}
		if closed > 0 {
			metrics.OrphansCleaned.Add(float64(closed))
		}
		r.logger.Info().Int("closed", closed).Msg("Closed orphaned remote sessions")
	}

	r.state.Deactivate(now)
	metrics.FocusActive.Set(0)
	return nil
}

// EnableDeepFocus starts a session. Guard violations are silent no-ops. If
// the remote create exhausts its retries the session still activates locally
// under a pending id, and exactly one FocusError fires.
func (r *Reconciler) EnableDeepFocus(ctx context.Context, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enableLocked(ctx, source)
}

func (r *Reconciler) enableLocked(ctx context.Context, source string) error {
	userID := r.state.UserID()
	if userID == "" {
		r.logger.Warn().Msg("Enable ignored: no user bound")
		return nil
	}
	if r.initState == Initializing {
		r.logger.Debug().Msg("Enable ignored: initialization in flight")
		return nil
	}
	if r.state.Active() {
		r.logger.Debug().Msg("Enable ignored: already active")
		return nil
	}
	if sess := r.state.Session(); sess != nil {
		r.logger.Debug().Str("session_id", sess.ID).Msg("Enable ignored: session already bound")
		return nil
	}

	startedAt := r.clock.Now()

	var remoteID string
	err := r.retry.Do(ctx, "create_session", uuid.NewString(), func(ctx context.Context) error {
		id, err := r.sessions.Create(ctx, userID, startedAt)
		if err != nil {
			return err
		}
		remoteID = id
		return nil
	})

	// State may have moved while we were waiting on the remote
	if r.state.Active() {
		if err == nil {
			// Someone else activated first; our create is now a stray
			// record the next cleanup will close.
			r.logger.Debug().Str("session_id", remoteID).Msg("Discarding concurrent session create")
		}
		return nil
	}

	sessionID := remoteID
	if err != nil {
		sessionID = pendingSessionID()
		r.logger.Error().Err(err).Str("pending_id", sessionID).Msg("Remote create failed, activating locally")
		r.dispatcher.FocusError.Publish(events.FocusError{
			Op:        "enable",
			Err:       err,
			Timestamp: r.clock.Now(),
		})
	}

	sess := &session.FocusSession{
		ID:        sessionID,
		UserID:    userID,
		StartedAt: startedAt,
		Status:    storage.StatusActive,
	}
	r.state.Activate(sess, nil, r.clock.Now())
	metrics.SessionsStarted.Inc()
	metrics.FocusActive.Set(1)

	r.logger.Info().Str("session_id", sessionID).Str("source", source).Msg("Deep focus enabled")

	if source != SourceBus {
		r.broadcastState(ctx, true)
	}
	return nil
}

// DisableDeepFocus ends the session. Disabling without an active session is
// a no-op.
func (r *Reconciler) DisableDeepFocus(ctx context.Context, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disableLocked(ctx, source)
}

func (r *Reconciler) disableLocked(ctx context.Context, source string) error {
	sess := r.state.Session()
	if sess == nil && !r.state.Active() {
		r.logger.Debug().Msg("Disable ignored: not active")
		return nil
	}

	endedAt := r.clock.Now()

	if sess != nil {
		elapsed := sess.Elapsed(endedAt)
		paused := sess.TotalPausedSeconds
		if sess.PausedAt != nil {
			paused += int(endedAt.Sub(*sess.PausedAt).Seconds())
		}

		err := r.retry.Do(ctx, "close_session", uuid.NewString(), func(ctx context.Context) error {
			err := r.sessions.CloseSession(ctx, sess.ID, endedAt, int64(elapsed), int64(paused))
			if errors.Is(err, storage.ErrNotFound) {
				// Pending-local id or a record another context already
				// closed; either way there is nothing left to close.
				return nil
			}
			return err
		})
		if err != nil {
			r.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Remote close failed")
			r.dispatcher.FocusError.Publish(events.FocusError{
				Op:        "disable",
				Err:       err,
				Timestamp: r.clock.Now(),
			})
		} else if elapsed > 0 {
			date := endedAt.Format("2006-01-02")
			if err := r.sessions.IncrementDailyFocus(ctx, date, sess.UserID, int64(elapsed)); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to aggregate daily focus")
			}
		}
	}

	r.state.Deactivate(r.clock.Now())
	metrics.SessionsEnded.Inc()
	metrics.FocusActive.Set(0)

	r.logger.Info().Str("source", source).Msg("Deep focus disabled")

	if source != SourceBus {
		r.broadcastState(ctx, false)
	}
	return nil
}

// ToggleDeepFocus flips the focus state.
func (r *Reconciler) ToggleDeepFocus(ctx context.Context, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Active() {
		return r.disableLocked(ctx, source)
	}
	return r.enableLocked(ctx, source)
}

// SyncCompleteFocusState applies a complete state assertion from another
// context. The sender is authoritative for the active flag and the blocked
// site list; timing fields are never fabricated here, activation and
// deactivation run through the regular enable and disable paths.
func (r *Reconciler) SyncCompleteFocusState(ctx context.Context, isActive bool, blockedSites []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.lastAssertValid && r.lastAssertActive == isActive && now.Sub(r.lastAssertAt) < r.debounce {
		r.logger.Debug().Bool("is_active", isActive).Msg("Debounced repeated state assertion")
		return nil
	}
	r.lastAssertValid = true
	r.lastAssertActive = isActive
	r.lastAssertAt = now

	var err error
	switch {
	case isActive && !r.state.Active():
		err = r.enableLocked(ctx, SourceBus)
	case !isActive && r.state.Active():
		err = r.disableLocked(ctx, SourceBus)
	}

	if err == nil && blockedSites != nil {
		r.state.SetBlockedSites(blockedSites, r.clock.Now())
	}

	r.dispatcher.ExtensionStateHandled.Publish(events.ExtensionStateHandled{IsActive: isActive})
	return err
}

// RecordOverride admits, persists, and announces a site override.
// Policy-refused and duplicate overrides are dropped without error.
func (r *Reconciler) RecordOverride(ctx context.Context, req bus.RecordOverride, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := req.UserID
	if userID == "" {
		userID = r.state.UserID()
	}
	if userID == "" {
		r.logger.Warn().Msg("Override ignored: no user bound")
		return nil
	}

	decision, err := r.policy.EvaluateOverride(ctx, policy.OverrideRequest{
		Domain:          req.Domain,
		DurationSeconds: req.DurationSeconds,
		BlockedSites:    r.state.BlockedSites(),
		FocusActive:     r.state.Active(),
	})
	if err != nil {
		// Fail closed: an unevaluable policy admits nothing
		metrics.OverridesRefused.Inc()
		r.logger.Error().Err(err).Msg("Override policy evaluation failed, refusing")
		return nil
	}
	if !decision.Allow {
		metrics.OverridesRefused.Inc()
		r.logger.Warn().
			Str("domain", req.Domain).
			Str("reason", decision.Reason).
			Msg("Override refused by policy")
		return nil
	}

	rec := storage.OverrideRecord{
		UserID:          userID,
		Domain:          req.Domain,
		DurationSeconds: int64(decision.DurationSeconds),
		Timestamp:       req.Timestamp,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.clock.Now()
	}

	if err := r.overrides.Append(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			r.logger.Debug().Str("domain", req.Domain).Msg("Override already recorded")
			return nil
		}
		return fmt.Errorf("append override: %w", err)
	}

	metrics.OverridesRecorded.Inc()
	r.logger.Info().
		Str("domain", req.Domain).
		Int64("duration_seconds", rec.DurationSeconds).
		Msg("Override recorded")

	r.dispatcher.OverrideRecorded.Publish(events.OverrideRecorded{
		Domain:          rec.Domain,
		DurationSeconds: int(rec.DurationSeconds),
		UserID:          rec.UserID,
		Timestamp:       rec.Timestamp,
	})

	if source != SourceBus && r.broadcaster != nil {
		r.broadcaster.Broadcast(ctx, bus.RecordOverride{
			Domain:          rec.Domain,
			DurationSeconds: int(rec.DurationSeconds),
			UserID:          rec.UserID,
			Timestamp:       rec.Timestamp,
		})
	}
	return nil
}

// Pause freezes the running session, typically on inactivity.
func (r *Reconciler) Pause(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Pause(r.clock.Now()) {
		metrics.PauseTransitions.WithLabelValues("pause").Inc()
		r.logger.Info().Msg("Session paused")
	}
}

// Resume unfreezes a paused session.
func (r *Reconciler) Resume(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Resume(r.clock.Now()) {
		metrics.PauseTransitions.WithLabelValues("resume").Inc()
		r.logger.Info().Msg("Session resumed")
	}
}

// HandleFocusStateChanged implements bus.Sink.
func (r *Reconciler) HandleFocusStateChanged(ctx context.Context, msg bus.FocusStateChanged) {
	if err := r.SyncCompleteFocusState(ctx, msg.IsActive, msg.BlockedSites); err != nil {
		r.logger.Error().Err(err).Msg("Failed to apply state assertion")
	}
}

// HandleRecordOverride implements bus.Sink.
func (r *Reconciler) HandleRecordOverride(ctx context.Context, msg bus.RecordOverride) {
	if err := r.RecordOverride(ctx, msg, SourceBus); err != nil {
		r.logger.Error().Err(err).Msg("Failed to record override")
	}
}

func (r *Reconciler) broadcastState(ctx context.Context, isActive bool) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(ctx, bus.FocusStateChanged{
		IsActive:     isActive,
		BlockedSites: r.state.BlockedSites(),
	})
}

func pendingSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("pending-%d", time.Now().UnixNano())
	}
	return "pending-" + hex.EncodeToString(buf)
}
