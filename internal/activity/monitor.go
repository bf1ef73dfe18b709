// Package activity watches input activity and pauses the running session
// when the user has gone idle. The monitor never mutates focus state itself;
// it only invokes the pause and resume callbacks it was given.
package activity

import (
	"sync"
	"time"

	"github.com/focuskit/focusd/internal/reconcile"
	"github.com/rs/zerolog"
)

// Signal kinds reported by Touch.
const (
	KindKeyboard = "keyboard"
	KindPointer  = "pointer"
	KindScroll   = "scroll"
)

// Monitor tracks the last activity timestamp and drives pause and resume
// transitions across the idle threshold.
type Monitor struct {
	threshold  time.Duration
	checkEvery time.Duration
	onPause    func()
	onResume   func()
	clock      reconcile.Clock
	logger     zerolog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	idle         bool

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a monitor. threshold is how long without activity counts as
// idle; checkEvery is the poll interval of the background loop.
func New(threshold, checkEvery time.Duration, onPause, onResume func(), clock reconcile.Clock, logger zerolog.Logger) *Monitor {
	if clock == nil {
		clock = reconcile.RealClock{}
	}
	return &Monitor{
		threshold:    threshold,
		checkEvery:   checkEvery,
		onPause:      onPause,
		onResume:     onResume,
		clock:        clock,
		logger:       logger.With().Str("component", "activity").Logger(),
		lastActivity: clock.Now(),
		stopChan:     make(chan struct{}),
	}
}

// Start begins the idle check loop.
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info().
		Dur("threshold", m.threshold).
		Dur("check_every", m.checkEvery).
		Msg("Activity monitor started")
}

// Stop stops the loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Touch records an activity signal. If the session was idle-paused, renewed
// activity resumes it immediately.
func (m *Monitor) Touch(kind string) {
	m.mu.Lock()
	m.lastActivity = m.clock.Now()
	wasIdle := m.idle
	m.idle = false
	m.mu.Unlock()

	if wasIdle {
		m.logger.Info().Str("kind", kind).Msg("Activity resumed after idle")
		m.onResume()
	}
}

// LastActivity returns the most recent activity timestamp.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Check evaluates the idle threshold once. Exposed for tests; the Start
// loop calls it on every tick.
func (m *Monitor) Check() {
	m.mu.Lock()
	idleFor := m.clock.Now().Sub(m.lastActivity)
	crossed := !m.idle && idleFor >= m.threshold
	if crossed {
		m.idle = true
	}
	m.mu.Unlock()

	if crossed {
		m.logger.Info().Dur("idle_for", idleFor).Msg("Idle threshold crossed, pausing")
		m.onPause()
	}
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-m.stopChan:
			return
		}
	}
}
