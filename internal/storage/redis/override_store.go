package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/focuskit/focusd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// overrideRetention bounds the dedup set and log list lifetimes.
const overrideRetention = 30 * 24 * time.Hour

type overrideStore struct {
	client *redis.Client
}

// Append writes the override once; duplicates return storage.ErrDuplicate
func (s *overrideStore) Append(ctx context.Context, rec storage.OverrideRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	script := redis.NewScript(appendOverrideScript)

	keys := []string{
		overrideDedupKey(rec.UserID),
		overrideLogKey(rec.UserID),
	}
	args := []interface{}{
		rec.DedupKey(),
		string(payload),
		int64(overrideRetention.Seconds()),
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

// ListRecent returns the most recent overrides for the user, newest first
func (s *overrideStore) ListRecent(ctx context.Context, userID string, limit int) ([]storage.OverrideRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	entries, err := s.client.LRange(ctx, overrideLogKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]storage.OverrideRecord, 0, len(entries))
	for _, entry := range entries {
		var rec storage.OverrideRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}
