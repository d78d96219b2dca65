// Package recovery restores rate-limiter state after application restarts.
//
// Cooldowns and daily usage counters live in memory for admission decisions
// but are persisted on every fire; on startup this package reads them back so
// a restart does not reset in-flight limits.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	"github.com/BTreeMap/TriggerPipe/internal/store"
	"github.com/BTreeMap/TriggerPipe/internal/trigger"
)

// limiterState is the limiter surface recovery writes to.
type limiterState interface {
	RestoreCooldown(e models.CooldownEntry)
	RestoreDailyCount(triggerID, chatID, day string, count int)
}

// Manager restores limiter state from the store on startup.
type Manager struct {
	store   store.Store
	limiter limiterState
	now     func() time.Time
}

// NewManager creates a recovery manager over the given store and limiter.
func NewManager(st store.Store, limiter *trigger.Limiter) *Manager {
	return &Manager{store: st, limiter: limiter, now: time.Now}
}

// SetClock overrides the manager's clock (for tests).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Recover loads active cooldowns and today's usage counters into the limiter.
// It is called once at startup, before the engine begins dispatching.
func (m *Manager) Recover(ctx context.Context) error {
	now := m.now()

	cooldowns, err := m.store.ListActiveCooldowns(now)
	if err != nil {
		slog.Error("Recovery failed to load cooldowns", "error", err)
		return fmt.Errorf("failed to load active cooldowns: %w", err)
	}
	for _, e := range cooldowns {
		m.limiter.RestoreCooldown(e)
	}

	day := models.DayKey(now)
	usage, err := m.store.ListDailyUsage(day)
	if err != nil {
		slog.Error("Recovery failed to load daily usage", "error", err, "day", day)
		return fmt.Errorf("failed to load daily usage for %s: %w", day, err)
	}
	for _, u := range usage {
		m.limiter.RestoreDailyCount(u.TriggerID, u.ChatID, u.Day, u.Count)
	}

	slog.Info("Limiter state recovered", "cooldowns", len(cooldowns), "daily_counters", len(usage), "day", day)
	return nil
}
