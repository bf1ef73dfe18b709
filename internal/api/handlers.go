package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/reconcile"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
)

type stateResponse struct {
	IsDeepFocusActive bool                  `json:"is_deep_focus_active"`
	Session           *session.FocusSession `json:"session,omitempty"`
	ElapsedSeconds    int                   `json:"elapsed_seconds"`
	BlockedSites      []string              `json:"blocked_sites"`
}

type todayResponse struct {
	Date         string `json:"date"`
	TotalSeconds int64  `json:"total_seconds"`
}

type overrideRequest struct {
	Domain          string `json:"domain"`
	DurationSeconds int    `json:"duration_seconds"`
}

type activityRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.EnableDeepFocus(r.Context(), reconcile.SourceAPI); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondState(w)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DisableDeepFocus(r.Context(), reconcile.SourceAPI); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondState(w)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ToggleDeepFocus(r.Context(), reconcile.SourceAPI); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondState(w)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondState(w)
}

func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	userID := s.state.UserID()
	if userID == "" {
		s.respondError(w, http.StatusConflict, errors.New("no user bound"))
		return
	}

	date := time.Now().Format("2006-01-02")
	daily, err := s.daily.GetDailyFocus(r.Context(), date, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondJSON(w, http.StatusOK, todayResponse{Date: date})
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	s.respondJSON(w, http.StatusOK, todayResponse{Date: date, TotalSeconds: daily.TotalSeconds})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Domain == "" || req.DurationSeconds <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("domain and positive duration_seconds are required"))
		return
	}

	err := s.controller.RecordOverride(r.Context(), bus.RecordOverride{
		Domain:          req.Domain,
		DurationSeconds: req.DurationSeconds,
		UserID:          s.state.UserID(),
		Timestamp:       time.Now(),
	}, reconcile.SourceAPI)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("activity monitoring disabled"))
		return
	}

	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	s.activity.Touch(req.Kind)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("extension bridge disabled"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.Register(conn)
}

func (s *Server) respondState(w http.ResponseWriter) {
	sess := s.state.Session()
	resp := stateResponse{
		IsDeepFocusActive: s.state.Active(),
		Session:           sess,
		BlockedSites:      s.state.BlockedSites(),
	}
	if sess != nil {
		resp.ElapsedSeconds = sess.Elapsed(time.Now())
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
