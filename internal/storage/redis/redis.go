package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/focuskit/focusd/internal/config"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client        *redis.Client
	sessionStore  *sessionLogStore
	overrideStore *overrideStore
}

// Open creates a new Redis-backed session log instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &Store{
		client:        client,
		sessionStore:  &sessionLogStore{client: client},
		overrideStore: &overrideStore{client: client},
	}

	return store, nil
}

// Client exposes the underlying client so the pub/sub message transport can
// share the connection pool with the session log.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Sessions returns the SessionLogStore implementation
func (s *Store) Sessions() storage.SessionLogStore {
	return s.sessionStore
}

// Overrides returns the OverrideStore implementation
func (s *Store) Overrides() storage.OverrideStore {
	return s.overrideStore
}
