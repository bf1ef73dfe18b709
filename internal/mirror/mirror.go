// Package mirror persists the focus state snapshot across daemon restarts.
// The mirror is advisory only: the remote session log stays authoritative,
// write failures degrade to "no snapshot", and a snapshot that fails
// validation is discarded.
package mirror

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/focuskit/focusd/internal/metrics"
	"github.com/focuskit/focusd/internal/session"
	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const (
	bucketSnapshot = "focus_snapshot"

	keyCurrent = "current"
)

// Mirror is a bbolt-backed snapshot file.
type Mirror struct {
	db     *bbolt.DB
	logger zerolog.Logger
}

// Open opens (or creates) the snapshot file.
func Open(path string, logger zerolog.Logger) (*Mirror, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, err
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketSnapshot))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}

	return &Mirror{
		db:     db,
		logger: logger.With().Str("component", "mirror").Logger(),
	}, nil
}

// Close closes the snapshot file.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// Save persists the snapshot. Failures are logged and counted, never
// propagated; a stale snapshot is no worse than a missing one.
func (m *Mirror) Save(snap session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		metrics.MirrorWriteFailures.Inc()
		m.logger.Warn().Err(err).Msg("Failed to encode snapshot")
		return
	}

	err = m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Put([]byte(keyCurrent), data)
	})
	if err != nil {
		metrics.MirrorWriteFailures.Inc()
		m.logger.Warn().Err(err).Msg("Failed to write snapshot")
	}
}

// Load returns the persisted snapshot, or ok=false when there is none or the
// stored bytes fail validation. Corrupt snapshots are deleted so they cannot
// resurface on the next start.
func (m *Mirror) Load() (*session.Snapshot, bool) {
	var data []byte
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(bucketSnapshot)).Get([]byte(keyCurrent))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read snapshot")
		return nil, false
	}
	if data == nil {
		return nil, false
	}

	var snap session.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		metrics.MirrorCorruptSnapshots.Inc()
		m.logger.Warn().Err(err).Msg("Discarding undecodable snapshot")
		m.discard()
		return nil, false
	}

	if err := snap.Validate(); err != nil {
		metrics.MirrorCorruptSnapshots.Inc()
		m.logger.Warn().Err(err).Msg("Discarding corrupt snapshot")
		m.discard()
		return nil, false
	}

	return &snap, true
}

func (m *Mirror) discard() {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSnapshot)).Delete([]byte(keyCurrent))
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to delete snapshot")
	}
}
