package scheduler

import (
	"log/slog"
	"time"
)

// Cron expressions for the periodic maintenance jobs.
const (
	// SweepSchedule runs the in-memory limiter sweep every 10 minutes.
	SweepSchedule = "*/10 * * * *"
	// PurgeSchedule deletes expired cooldown rows from storage hourly.
	PurgeSchedule = "0 * * * *"
)

// limiterSweeper drops expired in-memory limiter entries.
type limiterSweeper interface {
	Sweep() int
}

// cooldownPurger deletes expired cooldown rows from storage.
type cooldownPurger interface {
	PurgeExpiredCooldowns(before time.Time) (int64, error)
}

// RegisterMaintenance schedules the engine's periodic maintenance jobs:
// an in-memory limiter sweep and a storage purge of expired cooldowns.
// Neither job affects correctness; expiry is checked lazily on admission.
func RegisterMaintenance(s *Scheduler, limiter limiterSweeper, purger cooldownPurger) error {
	if err := s.AddJob(SweepSchedule, func() {
		removed := limiter.Sweep()
		if removed > 0 {
			slog.Debug("Maintenance limiter sweep completed", "removed", removed)
		}
	}); err != nil {
		return err
	}

	return s.AddJob(PurgeSchedule, func() {
		n, err := purger.PurgeExpiredCooldowns(time.Now())
		if err != nil {
			slog.Error("Maintenance cooldown purge failed", "error", err)
			return
		}
		if n > 0 {
			slog.Debug("Maintenance cooldown purge completed", "removed", n)
		}
	})
}
