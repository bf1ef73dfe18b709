package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisTransport carries envelopes across contexts over a Redis pub/sub
// channel. Redis pub/sub is fire-and-forget: subscribers that are down miss
// messages, which matches the protocol's at-most-once contract.
type RedisTransport struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger

	mu       sync.RWMutex
	handlers []Handler

	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisTransport creates a transport on the given channel. The client is
// shared with the session log store.
func NewRedisTransport(client *redis.Client, channel string, logger zerolog.Logger) *RedisTransport {
	return &RedisTransport{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "bus_redis").Logger(),
		done:    make(chan struct{}),
	}
}

// Subscribe registers a handler. Call before Start.
func (t *RedisTransport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Start begins consuming the channel.
func (t *RedisTransport) Start(ctx context.Context) error {
	t.pubsub = t.client.Subscribe(ctx, t.channel)

	// Wait for the subscription to be confirmed so a Publish immediately
	// after Start is not lost.
	if _, err := t.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", t.channel, err)
	}

	go t.receiveLoop()
	return nil
}

func (t *RedisTransport) receiveLoop() {
	ch := t.pubsub.Channel()
	for {
		select {
		case <-t.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				t.logger.Warn().Err(err).Msg("Dropping undecodable envelope")
				continue
			}

			t.mu.RLock()
			handlers := t.handlers
			t.mu.RUnlock()
			for _, h := range handlers {
				h(env)
			}
		}
	}
}

// Publish sends the envelope to every subscriber of the channel, including
// this process.
func (t *RedisTransport) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", t.channel, err)
	}
	return nil
}

// Close stops the receive loop and tears down the subscription.
func (t *RedisTransport) Close() error {
	close(t.done)
	if t.pubsub != nil {
		return t.pubsub.Close()
	}
	return nil
}
