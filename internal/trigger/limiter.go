package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// Limiter enforces per-trigger admission limits: cooldowns, daily caps, and
// the probability gate. Its in-memory state is authoritative for admission
// decisions; persistence writes happen afterwards and are best-effort.
//
// The limiter owns its state exclusively and synchronizes internally, so it
// may be shared across concurrently dispatching chats.
type Limiter struct {
	mu        sync.Mutex
	cooldowns map[limiterKey]time.Time // (trigger, chat, user) -> expiry
	daily     map[dailyCountKey]int    // (trigger, chat, day) -> fires

	rand RandSource
	now  func() time.Time
}

type limiterKey struct {
	triggerID string
	chatID    string
	userID    string
}

type dailyCountKey struct {
	triggerID string
	chatID    string
	day       string
}

// NewLimiter creates a Limiter using the given randomness source.
func NewLimiter(rand RandSource) *Limiter {
	if rand == nil {
		rand = DefaultRandSource()
	}
	return &Limiter{
		cooldowns: make(map[limiterKey]time.Time),
		daily:     make(map[dailyCountKey]int),
		rand:      rand,
		now:       time.Now,
	}
}

// SetClock overrides the limiter's clock (for tests).
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Admit reports whether the trigger may proceed to condition evaluation for
// this chat and user. Gates run cheapest and most selective first and
// short-circuit; the probability draw is last so that skipped fires never
// pollute cooldown or usage state.
//
// isAdmin is called at most once and only when the trigger requires it.
func (l *Limiter) Admit(t *models.Trigger, chatID, userID string, isAdmin func() bool, mentionsBot bool) bool {
	if !t.IsActive {
		return false
	}
	if t.AdminOnly && !isAdmin() {
		return false
	}
	if t.RequireMention && !mentionsBot {
		return false
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.cooldowns[limiterKey{t.ID, chatID, userID}]; ok && now.Before(expiry) {
		return false
	}
	if t.MaxUsesPerDay > 0 {
		if l.daily[dailyCountKey{t.ID, chatID, models.DayKey(now)}] >= t.MaxUsesPerDay {
			return false
		}
	}
	if t.Probability < 1.0 {
		if l.rand.Float64() >= t.Probability {
			return false
		}
	}
	return true
}

// Record marks a successful fire: it sets the cooldown expiry (when the
// trigger has one) and increments today's usage counter. It returns the
// cooldown entry to persist (nil when the trigger has no cooldown) and the
// day key of the incremented counter.
func (l *Limiter) Record(t *models.Trigger, chatID, userID string) (*models.CooldownEntry, string) {
	now := l.now()
	day := models.DayKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.daily[dailyCountKey{t.ID, chatID, day}]++

	if t.CooldownSeconds <= 0 {
		return nil, day
	}
	expiry := now.Add(time.Duration(t.CooldownSeconds) * time.Second)
	l.cooldowns[limiterKey{t.ID, chatID, userID}] = expiry
	return &models.CooldownEntry{
		TriggerID: t.ID,
		ChatID:    chatID,
		UserID:    userID,
		ExpiresAt: expiry,
	}, day
}

// RestoreCooldown seeds a cooldown from persisted state. Used on startup so
// a restart does not reset in-flight cooldowns.
func (l *Limiter) RestoreCooldown(e models.CooldownEntry) {
	if e.Expired(l.now()) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldowns[limiterKey{e.TriggerID, e.ChatID, e.UserID}] = e.ExpiresAt
}

// RestoreDailyCount seeds a daily usage counter from persisted state.
func (l *Limiter) RestoreDailyCount(triggerID, chatID, day string, count int) {
	if count <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.daily[dailyCountKey{triggerID, chatID, day}] = count
}

// Sweep drops expired cooldowns and counters for past days, and reports how
// many entries were removed. Expiry is lazy, so sweeping is purely a memory
// reclamation concern.
func (l *Limiter) Sweep() int {
	now := l.now()
	today := models.DayKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, expiry := range l.cooldowns {
		if !now.Before(expiry) {
			delete(l.cooldowns, k)
			removed++
		}
	}
	for k := range l.daily {
		if k.day != today {
			delete(l.daily, k)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Limiter.Sweep: removed stale entries", "removed", removed)
	}
	return removed
}
