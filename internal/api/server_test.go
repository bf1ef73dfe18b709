package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/events"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubController struct {
	state     *session.StateStore
	enables   int
	disables  int
	toggles   int
	overrides []bus.RecordOverride
}

func (c *stubController) EnableDeepFocus(_ context.Context, _ string) error {
	c.enables++
	c.state.Activate(&session.FocusSession{
		ID:        "sess-1",
		UserID:    "user-1",
		StartedAt: time.Now(),
		Status:    storage.StatusActive,
	}, nil, time.Now())
	return nil
}

func (c *stubController) DisableDeepFocus(_ context.Context, _ string) error {
	c.disables++
	c.state.Deactivate(time.Now())
	return nil
}

func (c *stubController) ToggleDeepFocus(ctx context.Context, source string) error {
	c.toggles++
	if c.state.Active() {
		return c.DisableDeepFocus(ctx, source)
	}
	return c.EnableDeepFocus(ctx, source)
}

func (c *stubController) RecordOverride(_ context.Context, req bus.RecordOverride, _ string) error {
	c.overrides = append(c.overrides, req)
	return nil
}

type stubDaily struct {
	total int64
	err   error
}

func (d *stubDaily) GetDailyFocus(_ context.Context, date, userID string) (*storage.DailyFocus, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &storage.DailyFocus{Date: date, UserID: userID, TotalSeconds: d.total}, nil
}

type stubActivity struct {
	kinds []string
}

func (a *stubActivity) Touch(kind string) {
	a.kinds = append(a.kinds, kind)
}

func newTestServer(t *testing.T) (*Server, *stubController, *stubActivity) {
	t.Helper()

	state := session.NewStateStore(nil, events.NewDispatcher(), zerolog.Nop())
	state.BindUser("user-1")
	controller := &stubController{state: state}
	activity := &stubActivity{}

	s := NewServer("127.0.0.1:0", controller, state, &stubDaily{total: 1500}, activity, nil, zerolog.Nop())
	return s, controller, activity
}

func TestHandleEnableAndState(t *testing.T) {
	s, controller, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/focus/enable", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, controller.enables)
	assert.Contains(t, rec.Body.String(), `"is_deep_focus_active":true`)
	assert.Contains(t, rec.Body.String(), `"sess-1"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/focus/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_deep_focus_active":true`)
}

func TestHandleDisable(t *testing.T) {
	s, controller, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/focus/disable", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, controller.disables)
	assert.Contains(t, rec.Body.String(), `"is_deep_focus_active":false`)
}

func TestHandleToday(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/focus/today", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_seconds":1500`)
}

func TestHandleToday_NoData(t *testing.T) {
	state := session.NewStateStore(nil, events.NewDispatcher(), zerolog.Nop())
	state.BindUser("user-1")
	s := NewServer("127.0.0.1:0", &stubController{state: state}, state, &stubDaily{err: storage.ErrNotFound}, nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/focus/today", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_seconds":0`)
}

func TestHandleOverride(t *testing.T) {
	s, controller, _ := newTestServer(t)

	body := strings.NewReader(`{"domain":"news.example.com","duration_seconds":300}`)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/overrides", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, controller.overrides, 1)
	assert.Equal(t, "news.example.com", controller.overrides[0].Domain)
	assert.Equal(t, 300, controller.overrides[0].DurationSeconds)
	assert.Equal(t, "user-1", controller.overrides[0].UserID)
}

func TestHandleOverride_Invalid(t *testing.T) {
	s, controller, _ := newTestServer(t)

	tests := []string{
		`{"domain":"","duration_seconds":300}`,
		`{"domain":"news.example.com","duration_seconds":0}`,
		`{broken`,
	}
	for _, body := range tests {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/overrides", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
	assert.Empty(t, controller.overrides)
}

func TestHandleActivity(t *testing.T) {
	s, _, activity := newTestServer(t)

	body := strings.NewReader(`{"kind":"keyboard"}`)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/activity", body))

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"keyboard"}, activity.kinds)
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/focus/enable", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
