package bus

import (
	"context"
	"sync"
)

// LocalTransport fans envelopes out to subscribers in the same process.
// Delivery is synchronous on the publisher's goroutine.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

// NewLocalTransport creates an in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Subscribe registers a handler for future envelopes.
func (t *LocalTransport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Publish delivers the envelope to all subscribers.
func (t *LocalTransport) Publish(_ context.Context, env Envelope) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil
	}
	handlers := t.handlers
	t.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

// Close stops delivery. Messages published after Close are dropped.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
