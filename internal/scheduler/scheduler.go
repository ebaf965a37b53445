// Package scheduler runs the daily audit retention cleanup.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/config"
	"github.com/livefeed-project/livefeed/internal/util"
)

// Purger deletes audit records older than a cutoff.
type Purger interface {
	Purge(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	store  Purger
	now    func() time.Time
	logger zerolog.Logger
}

// NewScheduler creates a scheduler purging store.
func NewScheduler(cfg *config.Config, store Purger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		now:    time.Now,
		logger: util.ComponentLogger("scheduler"),
	}
}

// Start runs the retention cleanup at the configured time every day until
// ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s.store == nil || s.cfg.GetStorage().RetentionDays <= 0 {
		s.logger.Info().Msg("audit retention cleanup disabled")
		<-ctx.Done()
		return
	}

	s.logger.Info().Msg("scheduler started")
	for {
		next := nextRun(s.now(), s.cfg.GetTimers().CleanupTime)
		wait := next.Sub(s.now())
		s.logger.Info().Time("next_run", next).Dur("sleep", wait).Msg("audit cleanup scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			s.RunCleanup()
		}
	}
}

// RunCleanup deletes records past the retention window.
func (s *Scheduler) RunCleanup() (int64, error) {
	days := s.cfg.GetStorage().RetentionDays
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)

	n, err := s.store.Purge(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit cleanup failed")
		return 0, err
	}
	s.logger.Info().Int64("deleted", n).Int("retention_days", days).Msg("audit cleanup completed")
	return n, nil
}

// nextRun returns the first HH:MM after now. Unparseable values fall back
// to 04:00.
func nextRun(now time.Time, hhmm string) time.Time {
	hour, minute := 4, 0
	if parts := strings.Split(hhmm, ":"); len(parts) == 2 {
		var h, m int
		_, errH := fmt.Sscanf(parts[0], "%d", &h)
		_, errM := fmt.Sscanf(parts[1], "%d", &m)
		if errH == nil && errM == nil && h >= 0 && h < 24 && m >= 0 && m < 60 {
			hour, minute = h, m
		}
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
