package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/events"
	"github.com/focuskit/focusd/internal/policy"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessionStore struct {
	mu           sync.Mutex
	failCreates  int
	createCalls  int
	closeCalls   int
	cleanupCalls int
	listCalls    int
	nextID       int
	records      map[string]*storage.FocusSessionRecord
	daily        map[string]int64
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		records: make(map[string]*storage.FocusSessionRecord),
		daily:   make(map[string]int64),
	}
}

func (f *fakeSessionStore) Create(_ context.Context, userID string, startedAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	if f.failCreates > 0 {
		f.failCreates--
		return "", errors.New("remote log unavailable")
	}

	f.nextID++
	id := fmt.Sprintf("remote-%d", f.nextID)
	f.records[id] = &storage.FocusSessionRecord{
		ID:        id,
		UserID:    userID,
		StartedAt: startedAt,
		Status:    storage.StatusActive,
	}
	return id, nil
}

func (f *fakeSessionStore) CreateWithID(_ context.Context, id, userID string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.records[id]; ok {
		return storage.ErrDuplicate
	}
	f.records[id] = &storage.FocusSessionRecord{
		ID:        id,
		UserID:    userID,
		StartedAt: startedAt,
		Status:    storage.StatusActive,
	}
	return nil
}

func (f *fakeSessionStore) CloseSession(_ context.Context, id string, endedAt time.Time, elapsedSeconds, totalPausedSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closeCalls++
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.EndedAt = &endedAt
	rec.ElapsedSeconds = elapsedSeconds
	rec.TotalPausedSeconds = totalPausedSeconds
	rec.Status = storage.StatusEnded
	return nil
}

func (f *fakeSessionStore) Get(_ context.Context, id string) (*storage.FocusSessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (f *fakeSessionStore) ListOpen(_ context.Context, userID string) ([]storage.FocusSessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	var out []storage.FocusSessionRecord
	for _, rec := range f.records {
		if rec.UserID == userID && rec.Open() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) CleanupOrphans(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanupCalls++
	closed := 0
	now := time.Now()
	for _, rec := range f.records {
		if rec.UserID == userID && rec.Open() {
			rec.EndedAt = &now
			rec.Status = storage.StatusEnded
			closed++
		}
	}
	return closed, nil
}

func (f *fakeSessionStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0
	for id, rec := range f.records {
		if !rec.Open() && rec.StartedAt.Before(cutoff) {
			delete(f.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeSessionStore) IncrementDailyFocus(_ context.Context, date, userID string, seconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[date+"/"+userID] += seconds
	return nil
}

func (f *fakeSessionStore) GetDailyFocus(_ context.Context, date, userID string) (*storage.DailyFocus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	total, ok := f.daily[date+"/"+userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.DailyFocus{Date: date, UserID: userID, TotalSeconds: total}, nil
}

func (f *fakeSessionStore) DeleteDailyFocusBefore(_ context.Context, cutoffDate string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := 0
	for key := range f.daily {
		if strings.Split(key, "/")[0] < cutoffDate {
			delete(f.daily, key)
			deleted++
		}
	}
	return deleted, nil
}

type fakeOverrideStore struct {
	mu      sync.Mutex
	appends []storage.OverrideRecord
	keys    map[string]struct{}
}

func newFakeOverrideStore() *fakeOverrideStore {
	return &fakeOverrideStore{keys: make(map[string]struct{})}
}

func (f *fakeOverrideStore) Append(_ context.Context, rec storage.OverrideRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := rec.DedupKey()
	if _, ok := f.keys[key]; ok {
		return storage.ErrDuplicate
	}
	f.keys[key] = struct{}{}
	f.appends = append(f.appends, rec)
	return nil
}

func (f *fakeOverrideStore) ListRecent(_ context.Context, userID string, limit int) ([]storage.OverrideRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []storage.OverrideRecord
	for i := len(f.appends) - 1; i >= 0 && len(out) < limit; i-- {
		if f.appends[i].UserID == userID {
			out = append(out, f.appends[i])
		}
	}
	return out, nil
}

type fakeLoader struct {
	snap *session.Snapshot
}

func (f *fakeLoader) Load() (*session.Snapshot, bool) {
	if f.snap == nil {
		return nil, false
	}
	return f.snap, true
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, msg bus.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type fixture struct {
	reconciler  *Reconciler
	state       *session.StateStore
	sessions    *fakeSessionStore
	overrides   *fakeOverrideStore
	loader      *fakeLoader
	broadcaster *fakeBroadcaster
	dispatcher  *events.Dispatcher
	clock       *TestClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessions := newFakeSessionStore()
	overrides := newFakeOverrideStore()
	loader := &fakeLoader{}
	broadcaster := &fakeBroadcaster{}
	dispatcher := events.NewDispatcher()
	clock := &TestClock{CurrentTime: time.Now()}
	state := session.NewStateStore(nil, dispatcher, zerolog.Nop())

	engine, err := policy.NewEngine("", 10*time.Minute, zerolog.Nop())
	require.NoError(t, err)

	r := New(state, sessions, overrides, engine, loader, dispatcher, zerolog.Nop(), Options{
		Retry:          RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		DebounceWindow: 500 * time.Millisecond,
		Clock:          clock,
	})
	r.SetBroadcaster(broadcaster)

	return &fixture{
		reconciler:  r,
		state:       state,
		sessions:    sessions,
		overrides:   overrides,
		loader:      loader,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		clock:       clock,
	}
}

func (fx *fixture) initialize(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.reconciler.Initialize(context.Background(), "user-1"))
}

func TestEnable_Idempotent(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))

	assert.True(t, fx.state.Active())
	assert.Equal(t, 1, fx.sessions.createCalls, "repeated enable must not create a second session")

	open, err := fx.sessions.ListOpen(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestEnable_WithoutBoundUser(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.reconciler.EnableDeepFocus(context.Background(), SourceAPI))

	assert.False(t, fx.state.Active())
	assert.Zero(t, fx.sessions.createCalls)
}

func TestDisable_Idempotent(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)

	require.NoError(t, fx.reconciler.DisableDeepFocus(context.Background(), SourceAPI))

	assert.False(t, fx.state.Active())
	assert.Zero(t, fx.sessions.closeCalls, "disable without a session must not touch the log")
}

func TestEnableDisable_ClosesAndAggregates(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	sess := fx.state.Session()
	require.NotNil(t, sess)

	fx.clock.Advance(10 * time.Minute)
	require.NoError(t, fx.reconciler.DisableDeepFocus(ctx, SourceAPI))

	assert.False(t, fx.state.Active())
	assert.Nil(t, fx.state.Session())

	rec, err := fx.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusEnded, rec.Status)
	assert.Equal(t, int64(600), rec.ElapsedSeconds)

	date := fx.clock.Now().Format("2006-01-02")
	daily, err := fx.sessions.GetDailyFocus(ctx, date, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), daily.TotalSeconds)
}

func TestEnable_RetryExhaustion(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	fx.sessions.failCreates = 10

	var focusErrors []events.FocusError
	fx.dispatcher.FocusError.Subscribe(func(ev events.FocusError) {
		focusErrors = append(focusErrors, ev)
	})

	require.NoError(t, fx.reconciler.EnableDeepFocus(context.Background(), SourceAPI))

	assert.Equal(t, 3, fx.sessions.createCalls, "retries stop after the configured attempts")
	require.Len(t, focusErrors, 1, "exactly one FocusError after exhaustion")
	assert.Equal(t, "enable", focusErrors[0].Op)

	// Availability over consistency: the session still starts locally
	assert.True(t, fx.state.Active())
	sess := fx.state.Session()
	require.NotNil(t, sess)
	assert.True(t, strings.HasPrefix(sess.ID, "pending-"), "local session carries a pending id, got %s", sess.ID)
}

func TestDisable_PendingSessionSkipsRemote(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	fx.sessions.failCreates = 10
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	require.NoError(t, fx.reconciler.DisableDeepFocus(ctx, SourceAPI))

	assert.False(t, fx.state.Active())
	assert.Equal(t, 1, fx.sessions.closeCalls, "close of a pending id is attempted once and tolerated")
}

func TestToggle(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.ToggleDeepFocus(ctx, SourceAPI))
	assert.True(t, fx.state.Active())

	fx.clock.Advance(time.Second)
	require.NoError(t, fx.reconciler.ToggleDeepFocus(ctx, SourceAPI))
	assert.False(t, fx.state.Active())
}

func TestInitialize_NewContextAdoption(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	startedAt := fx.clock.Now().Add(-30 * time.Minute)
	require.NoError(t, fx.sessions.CreateWithID(ctx, "sess-prev", "user-1", startedAt))
	fx.loader.snap = &session.Snapshot{
		Session: &session.FocusSession{
			ID:                 "sess-prev",
			UserID:             "user-1",
			StartedAt:          startedAt,
			TotalPausedSeconds: 60,
			Status:             storage.StatusActive,
		},
		IsDeepFocusActive: true,
		BlockedSites:      []string{"news.example.com"},
	}

	fx.initialize(t)

	assert.True(t, fx.state.Active())
	sess := fx.state.Session()
	require.NotNil(t, sess)
	assert.Equal(t, "sess-prev", sess.ID)
	assert.True(t, sess.StartedAt.Equal(startedAt), "adoption preserves original timing")
	assert.Equal(t, 60, sess.TotalPausedSeconds)

	assert.Zero(t, fx.sessions.createCalls, "adoption must not create a new remote session")
	assert.Zero(t, fx.sessions.cleanupCalls)
}

func TestInitialize_OrphanRecovery(t *testing.T) {
	fx := newFixture(t)

	// Snapshot claims an active session, but nothing is open remotely
	fx.loader.snap = &session.Snapshot{
		Session: &session.FocusSession{
			ID:        "sess-gone",
			UserID:    "user-1",
			StartedAt: fx.clock.Now().Add(-time.Hour),
			Status:    storage.StatusActive,
		},
		IsDeepFocusActive: true,
	}

	fx.initialize(t)

	assert.False(t, fx.state.Active(), "orphaned snapshot resets to inactive")
	assert.Nil(t, fx.state.Session())
	assert.Equal(t, 1, fx.sessions.cleanupCalls, "orphan recovery sweeps the remote log")
}

func TestInitialize_ClosesDanglingRemoteSessions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.sessions.CreateWithID(ctx, "sess-dangling", "user-1", fx.clock.Now().Add(-2*time.Hour)))

	fx.initialize(t)

	assert.False(t, fx.state.Active())
	assert.Equal(t, 1, fx.sessions.cleanupCalls)

	open, err := fx.sessions.ListOpen(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, open, "dangling remote sessions are closed")
}

func TestInitialize_RunsOnce(t *testing.T) {
	fx := newFixture(t)

	fx.initialize(t)
	fx.initialize(t)

	assert.Equal(t, 1, fx.sessions.listCalls, "initialization runs exactly once")
	assert.Equal(t, Ready, fx.reconciler.State())
}

func TestSync_ExtensionAuthority(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	require.True(t, fx.state.Active())
	broadcastsBefore := fx.broadcaster.count()

	var handled []events.ExtensionStateHandled
	fx.dispatcher.ExtensionStateHandled.Subscribe(func(ev events.ExtensionStateHandled) {
		handled = append(handled, ev)
	})

	fx.clock.Advance(time.Second)
	require.NoError(t, fx.reconciler.SyncCompleteFocusState(ctx, false, nil))

	assert.False(t, fx.state.Active(), "inbound inactive assertion wins over local active")
	assert.Equal(t, broadcastsBefore, fx.broadcaster.count(), "bus-sourced changes are not re-broadcast")
	require.Len(t, handled, 1)
	assert.False(t, handled[0].IsActive)
}

func TestSync_ActivationBindsRealSession(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	blocked := []string{"news.example.com", "video.example.com"}
	require.NoError(t, fx.reconciler.SyncCompleteFocusState(ctx, true, blocked))

	assert.True(t, fx.state.Active())
	sess := fx.state.Session()
	require.NotNil(t, sess, "activation routes through the enable path and binds a session")
	assert.Equal(t, 1, fx.sessions.createCalls)
	assert.Equal(t, blocked, fx.state.BlockedSites())
}

func TestSync_DebouncesRepeatedAssertions(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.SyncCompleteFocusState(ctx, true, nil))
	require.NoError(t, fx.reconciler.SyncCompleteFocusState(ctx, true, nil))

	assert.Equal(t, 1, fx.sessions.createCalls, "repeated assertion inside the window collapses")

	// Past the window the same assertion is evaluated again (and is a
	// guard no-op because the state already matches)
	fx.clock.Advance(time.Second)
	require.NoError(t, fx.reconciler.SyncCompleteFocusState(ctx, true, nil))
	assert.Equal(t, 1, fx.sessions.createCalls)
}

func TestRecordOverride_AdmitAndDedup(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	fx.state.SetBlockedSites([]string{"news.example.com"}, fx.clock.Now())

	var recorded []events.OverrideRecorded
	fx.dispatcher.OverrideRecorded.Subscribe(func(ev events.OverrideRecorded) {
		recorded = append(recorded, ev)
	})

	req := bus.RecordOverride{
		Domain:          "news.example.com",
		DurationSeconds: 300,
		UserID:          "user-1",
		Timestamp:       fx.clock.Now(),
	}

	require.NoError(t, fx.reconciler.RecordOverride(ctx, req, SourceAPI))
	require.NoError(t, fx.reconciler.RecordOverride(ctx, req, SourceAPI))

	assert.Len(t, fx.overrides.appends, 1, "same composite key appends once")
	assert.Len(t, recorded, 1, "duplicate emits no second event")
}

func TestRecordOverride_PolicyRefusals(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	// No active focus: refused
	require.NoError(t, fx.reconciler.RecordOverride(ctx, bus.RecordOverride{
		Domain:          "news.example.com",
		DurationSeconds: 300,
		UserID:          "user-1",
	}, SourceAPI))
	assert.Empty(t, fx.overrides.appends)

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))
	fx.state.SetBlockedSites([]string{"news.example.com"}, fx.clock.Now())

	// Unblocked domain: refused
	require.NoError(t, fx.reconciler.RecordOverride(ctx, bus.RecordOverride{
		Domain:          "docs.example.com",
		DurationSeconds: 300,
		UserID:          "user-1",
	}, SourceAPI))
	assert.Empty(t, fx.overrides.appends)

	// Over-long duration: admitted but clamped
	require.NoError(t, fx.reconciler.RecordOverride(ctx, bus.RecordOverride{
		Domain:          "news.example.com",
		DurationSeconds: 7200,
		UserID:          "user-1",
		Timestamp:       fx.clock.Now(),
	}, SourceAPI))
	require.Len(t, fx.overrides.appends, 1)
	assert.Equal(t, int64(600), fx.overrides.appends[0].DurationSeconds)
}

func TestPauseResume_Accounting(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))

	fx.clock.Advance(10 * time.Minute)
	fx.reconciler.Pause(ctx)

	fx.clock.Advance(5 * time.Minute)
	fx.reconciler.Resume(ctx)

	fx.clock.Advance(5 * time.Minute)
	sess := fx.state.Session()
	require.NotNil(t, sess)
	assert.Equal(t, 300, sess.TotalPausedSeconds)
	assert.Equal(t, 900, sess.Elapsed(fx.clock.Now()))

	require.NoError(t, fx.reconciler.DisableDeepFocus(ctx, SourceAPI))

	rec, err := fx.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), rec.ElapsedSeconds)
	assert.Equal(t, int64(300), rec.TotalPausedSeconds)
}

func TestDisable_WhilePausedCountsFinalSpan(t *testing.T) {
	fx := newFixture(t)
	fx.initialize(t)
	ctx := context.Background()

	require.NoError(t, fx.reconciler.EnableDeepFocus(ctx, SourceAPI))

	fx.clock.Advance(10 * time.Minute)
	fx.reconciler.Pause(ctx)

	fx.clock.Advance(3 * time.Minute)
	sess := fx.state.Session()
	require.NoError(t, fx.reconciler.DisableDeepFocus(ctx, SourceAPI))

	rec, err := fx.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600), rec.ElapsedSeconds, "elapsed stays frozen at the pause instant")
	assert.Equal(t, int64(180), rec.TotalPausedSeconds, "the open pause span is closed out")
}
