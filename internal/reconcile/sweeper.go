package reconcile

import (
	"context"
	"time"

	"github.com/focuskit/focusd/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionSweeper deletes closed sessions and daily aggregates older than
// the retention window, once a day at a configured time.
type RetentionSweeper struct {
	sessions  storage.SessionLogStore
	retention time.Duration
	sweepTime time.Time // Time of day to sweep (only hour and minute are used)
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewRetentionSweeper creates a sweeper. sweepTime is "HH:MM".
func NewRetentionSweeper(sessions storage.SessionLogStore, retention time.Duration, sweepTime string, logger zerolog.Logger) (*RetentionSweeper, error) {
	parsedTime, err := time.Parse("15:04", sweepTime)
	if err != nil {
		return nil, err
	}

	return &RetentionSweeper{
		sessions:  sessions,
		retention: retention,
		sweepTime: parsedTime,
		logger:    logger.With().Str("component", "retention-sweeper").Logger(),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins the sweep loop.
func (rs *RetentionSweeper) Start() {
	go rs.run()
	rs.logger.Info().
		Str("sweep_time", rs.sweepTime.Format("15:04")).
		Dur("retention", rs.retention).
		Msg("Retention sweeper started")
}

// Stop stops the sweep loop.
func (rs *RetentionSweeper) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Retention sweeper stopped")
}

func (rs *RetentionSweeper) run() {
	for {
		nextSweep := rs.calculateNextSweep()
		waitDuration := time.Until(nextSweep)

		rs.logger.Info().
			Time("next_sweep", nextSweep).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next retention sweep")

		select {
		case <-time.After(waitDuration):
			rs.Sweep(context.Background())
		case <-rs.stopChan:
			return
		}
	}
}

func (rs *RetentionSweeper) calculateNextSweep() time.Time {
	now := time.Now()

	todaySweep := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.sweepTime.Hour(), rs.sweepTime.Minute(), 0, 0,
		now.Location(),
	)

	if now.After(todaySweep) {
		return todaySweep.AddDate(0, 0, 1)
	}

	return todaySweep
}

// Sweep deletes everything past the retention window.
func (rs *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-rs.retention)

	rs.logger.Info().Time("cutoff", cutoff).Msg("Performing retention sweep")

	sessionsDeleted, err := rs.sessions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old sessions")
		return
	}

	cutoffDate := cutoff.Format("2006-01-02")
	aggregatesDeleted, err := rs.sessions.DeleteDailyFocusBefore(ctx, cutoffDate)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old daily totals")
		return
	}

	rs.logger.Info().
		Int("sessions_deleted", sessionsDeleted).
		Int("aggregates_deleted", aggregatesDeleted).
		Str("cutoff_date", cutoffDate).
		Msg("Retention sweep complete")
}
