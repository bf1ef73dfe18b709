// Package events provides the in-process notification fan-out used by the
// focus components. Each event carries a concrete payload type so subscribers
// are checked at compile time instead of decoding string-keyed blobs.
package events

import (
	"sync"
	"time"
)

// FocusChanged fires on every committed change to the focus state.
type FocusChanged struct {
	IsActive  bool
	SessionID string
}

// OverrideRecorded fires after an override has been admitted and appended to
// the session log.
type OverrideRecorded struct {
	Domain          string
	DurationSeconds int
	UserID          string
	Timestamp       time.Time
}

// ExtensionStateHandled fires after an inbound extension state assertion has
// been fully applied.
type ExtensionStateHandled struct {
	IsActive bool
}

// FocusError fires at most once per failed operation after retries are
// exhausted.
type FocusError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

// Stream is a fan-out for one event type. Handlers run synchronously in
// publish order on the publisher's goroutine.
type Stream[T any] struct {
	mu       sync.RWMutex
	handlers []func(T)
}

// Subscribe registers a handler. There is no unsubscribe; streams live for
// the process lifetime.
func (s *Stream[T]) Subscribe(fn func(T)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Publish delivers the event to all current subscribers.
func (s *Stream[T]) Publish(ev T) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Dispatcher groups the streams the daemon emits on.
type Dispatcher struct {
	FocusChanged          Stream[FocusChanged]
	OverrideRecorded      Stream[OverrideRecorded]
	ExtensionStateHandled Stream[ExtensionStateHandled]
	FocusError            Stream[FocusError]
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}
