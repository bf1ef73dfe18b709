// Package api is the daemon's control surface: a small JSON HTTP API used by
// the UI contexts plus the WebSocket bridge the extension connects to.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/focuskit/focusd/internal/bus"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FocusController is the slice of the reconciler the API drives.
type FocusController interface {
	EnableDeepFocus(ctx context.Context, source string) error
	DisableDeepFocus(ctx context.Context, source string) error
	ToggleDeepFocus(ctx context.Context, source string) error
	RecordOverride(ctx context.Context, req bus.RecordOverride, source string) error
}

// DailyFocusReader reads per-day focus totals.
type DailyFocusReader interface {
	GetDailyFocus(ctx context.Context, date string, userID string) (*storage.DailyFocus, error)
}

// ActivitySink receives input-activity signals.
type ActivitySink interface {
	Touch(kind string)
}

// Server is the control HTTP server.
type Server struct {
	controller FocusController
	state      *session.StateStore
	daily      DailyFocusReader
	activity   ActivitySink
	hub        *bus.WebSocketHub

	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates the control server. hub and activity may be nil when the
// corresponding feature is disabled.
func NewServer(addr string, controller FocusController, state *session.StateStore, daily DailyFocusReader, activity ActivitySink, hub *bus.WebSocketHub, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		controller: controller,
		state:      state,
		daily:      daily,
		activity:   activity,
		hub:        hub,
		router:     router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon binds to loopback; the extension is the only caller
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/focus/enable", s.handleEnable).Methods(http.MethodPost)
	s.router.HandleFunc("/focus/disable", s.handleDisable).Methods(http.MethodPost)
	s.router.HandleFunc("/focus/toggle", s.handleToggle).Methods(http.MethodPost)
	s.router.HandleFunc("/focus/state", s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/focus/today", s.handleToday).Methods(http.MethodGet)
	s.router.HandleFunc("/overrides", s.handleOverride).Methods(http.MethodPost)
	s.router.HandleFunc("/activity", s.handleActivity).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the control server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting control API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Control API server error")
		}
	}()
	return nil
}

// Stop shuts the control server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping control API server")
	return s.server.Shutdown(ctx)
}
