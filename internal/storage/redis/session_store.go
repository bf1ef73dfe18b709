package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/focuskit/focusd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// closedSessionTTL bounds how long closed records linger before Redis
// expires them on its own; the retention sweeper deletes them earlier.
const closedSessionTTL = 90 * 24 * time.Hour

type sessionLogStore struct {
	client *redis.Client
}

// Create appends a new open session record and returns its id
func (s *sessionLogStore) Create(ctx context.Context, userID string, startedAt time.Time) (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", err
	}
	if err := s.CreateWithID(ctx, id, userID, startedAt); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID appends an open record under a caller-supplied id
func (s *sessionLogStore) CreateWithID(ctx context.Context, id, userID string, startedAt time.Time) error {
	script := redis.NewScript(createSessionScript)

	keys := []string{
		sessionKey(id),
		openSetKey(),
		userOpenSetKey(userID),
	}
	args := []interface{}{
		id,
		userID,
		startedAt.Format(time.RFC3339Nano),
	}

	result, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}
	if result == "DUPLICATE" {
		return storage.ErrDuplicate
	}
	return nil
}

// CloseSession marks a record ended with its final accounting
func (s *sessionLogStore) CloseSession(ctx context.Context, id string, endedAt time.Time, elapsedSeconds, totalPausedSeconds int64) error {
	script := redis.NewScript(closeSessionScript)

	keys := []string{sessionKey(id), openSetKey()}
	args := []interface{}{
		id,
		endedAt.Format(time.RFC3339Nano),
		elapsedSeconds,
		totalPausedSeconds,
		int64(closedSessionTTL.Seconds()),
	}

	result, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return err
	}
	if result == "NOT_FOUND" {
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves a session record by id
func (s *sessionLogStore) Get(ctx context.Context, id string) (*storage.FocusSessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSessionRecord(data)
}

// ListOpen returns all open records for the user
func (s *sessionLogStore) ListOpen(ctx context.Context, userID string) ([]storage.FocusSessionRecord, error) {
	ids, err := s.client.SMembers(ctx, userOpenSetKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.FocusSessionRecord{}, nil
	}

	// Pipeline the hash reads
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.FocusSessionRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseSessionRecord(data)
		if err == nil && rec.Open() {
			records = append(records, *rec)
		}
	}

	return records, nil
}

// CleanupOrphans closes every dangling open record for the user
func (s *sessionLogStore) CleanupOrphans(ctx context.Context, userID string) (int, error) {
	open, err := s.ListOpen(ctx, userID)
	if err != nil {
		return 0, err
	}

	closed := 0
	now := time.Now()
	for _, rec := range open {
		if err := s.CloseSession(ctx, rec.ID, now, rec.ElapsedSeconds, rec.TotalPausedSeconds); err != nil {
			return closed, fmt.Errorf("close orphan %s: %w", rec.ID, err)
		}
		closed++
	}

	return closed, nil
}

// DeleteClosedBefore removes closed records that started before the cutoff
func (s *sessionLogStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	var deleted int

	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, "focusd:session:*", 100).Result()
		if err != nil {
			return deleted, err
		}

		if len(keys) > 0 {
			pipe := s.client.Pipeline()
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}

			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return deleted, err
			}

			toDelete := make([]string, 0)
			for i, cmd := range cmds {
				data, err := cmd.Result()
				if err != nil || len(data) == 0 {
					continue
				}
				if data["status"] != string(storage.StatusEnded) {
					continue
				}
				startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
				if err != nil {
					continue
				}
				if startedAt.Before(cutoff) {
					toDelete = append(toDelete, keys[i])
				}
			}

			if len(toDelete) > 0 {
				n, err := s.client.Del(ctx, toDelete...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += int(n)
			}
		}

		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// IncrementDailyFocus atomically increments (or creates) a daily total
func (s *sessionLogStore) IncrementDailyFocus(ctx context.Context, date string, userID string, seconds int64) error {
	script := redis.NewScript(incrementDailyFocusScript)

	keys := []string{dailyFocusKey(date, userID), dailyIndexKey(date)}
	args := []interface{}{date, userID, seconds, int64(closedSessionTTL.Seconds())}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// GetDailyFocus retrieves the daily total for a date and user
func (s *sessionLogStore) GetDailyFocus(ctx context.Context, date string, userID string) (*storage.DailyFocus, error) {
	data, err := s.client.HGetAll(ctx, dailyFocusKey(date, userID)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseDailyFocus(data)
}

// DeleteDailyFocusBefore deletes daily totals before the cutoff date
func (s *sessionLogStore) DeleteDailyFocusBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := time.Parse("2006-01-02", cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("invalid cutoff date: %w", err)
	}

	var cursor uint64
	var deleted int

	for {
		var keys []string
		keys, cursor, err = s.client.Scan(ctx, cursor, "focusd:focus:daily:*", 100).Result()
		if err != nil {
			return deleted, err
		}

		toDelete := make([]string, 0)
		for _, key := range keys {
			date, ok := dailyKeyDate(key)
			if !ok {
				continue
			}
			parsed, err := time.Parse("2006-01-02", date)
			if err != nil {
				continue
			}
			if parsed.Before(cutoff) {
				toDelete = append(toDelete, key)
			}
		}

		if len(toDelete) > 0 {
			n, err := s.client.Del(ctx, toDelete...).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(n)
		}

		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// generateSessionID generates a unique session ID
func generateSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
