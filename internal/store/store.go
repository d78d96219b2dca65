// Package store provides storage backends for TriggerPipe.
//
// It defines the persistence contract consumed by the trigger registry and
// rate limiter, with in-memory, SQLite, and PostgreSQL implementations.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// DailyUsage is one daily usage counter row keyed by (trigger, chat, day).
type DailyUsage struct {
	TriggerID string
	ChatID    string
	Day       string
	Count     int
}

// Store defines the persistence contract for trigger definitions and the
// engine-owned cooldown/usage state.
type Store interface {
	// CreateTrigger validates name uniqueness among the chat's active
	// triggers and the creator's quota before inserting.
	CreateTrigger(t models.Trigger, quota int) error
	// DeactivateTrigger logically deletes a trigger by name. Usage history
	// remains queryable; the trigger is never evaluated again.
	DeactivateTrigger(chatID, name string) error
	// ListTriggers returns all triggers for a chat, including inactive ones.
	ListTriggers(chatID string) ([]models.Trigger, error)
	// ListActiveTriggers returns the chat's active triggers in creation order.
	ListActiveTriggers(chatID string) ([]models.Trigger, error)
	// GetTrigger returns the trigger with the given name, active or not.
	GetTrigger(chatID, name string) (*models.Trigger, error)
	// CountActiveTriggersByCreator counts a creator's active triggers in a chat.
	CountActiveTriggersByCreator(chatID, creatorID string) (int, error)

	// IncrementUsage bumps the daily counter for (trigger, chat, day) and the
	// trigger's lifetime usage count. Safe to call concurrently.
	IncrementUsage(triggerID, chatID, day string, at time.Time) error
	// SetCooldown upserts a cooldown expiry for (trigger, chat, user).
	SetCooldown(e models.CooldownEntry) error
	// ListActiveCooldowns returns cooldowns that have not expired at the
	// given instant. Used to warm the rate limiter after a restart.
	ListActiveCooldowns(now time.Time) ([]models.CooldownEntry, error)
	// ListDailyUsage returns all usage counters for one calendar day.
	ListDailyUsage(day string) ([]DailyUsage, error)
	// PurgeExpiredCooldowns deletes cooldown rows that expired before the
	// given instant and reports how many were removed.
	PurgeExpiredCooldowns(before time.Time) (int64, error)
	// AddUsageRecord appends one fire to the usage log.
	AddUsageRecord(r models.UsageRecord) error
	// ChatStats aggregates engine-owned counters for one chat and day.
	ChatStats(chatID, day string) (models.ChatStats, error)

	Close() error
}

// InMemoryStore is a Store implementation backed by process memory.
// It is used in tests and when no database DSN is configured.
type InMemoryStore struct {
	mu        sync.RWMutex
	triggers  []models.Trigger
	cooldowns map[string]models.CooldownEntry
	daily     map[string]int
	usageLog  []models.UsageRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		cooldowns: make(map[string]models.CooldownEntry),
		daily:     make(map[string]int),
	}
}

func cooldownKey(triggerID, chatID, userID string) string {
	return triggerID + "|" + chatID + "|" + userID
}

func dailyKey(triggerID, chatID, day string) string {
	return triggerID + "|" + chatID + "|" + day
}

// CreateTrigger inserts a trigger after uniqueness and quota checks.
func (s *InMemoryStore) CreateTrigger(t models.Trigger, quota int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := 0
	for i := range s.triggers {
		if !s.triggers[i].IsActive {
			continue
		}
		if s.triggers[i].ChatID == t.ChatID && s.triggers[i].Name == t.Name {
			return models.ErrDuplicateTriggerName
		}
		if s.triggers[i].ChatID == t.ChatID && s.triggers[i].CreatorID == t.CreatorID {
			created++
		}
	}
	if quota > 0 && created >= quota {
		return models.ErrTriggerQuotaExceeded
	}
	s.triggers = append(s.triggers, t.Clone())
	return nil
}

// DeactivateTrigger marks the named trigger inactive.
func (s *InMemoryStore) DeactivateTrigger(chatID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.triggers {
		if s.triggers[i].ChatID == chatID && s.triggers[i].Name == name && s.triggers[i].IsActive {
			s.triggers[i].IsActive = false
			return nil
		}
	}
	return models.ErrTriggerNotFound
}

// ListTriggers returns all of a chat's triggers in creation order.
func (s *InMemoryStore) ListTriggers(chatID string) ([]models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trigger
	for i := range s.triggers {
		if s.triggers[i].ChatID == chatID {
			out = append(out, s.triggers[i].Clone())
		}
	}
	return out, nil
}

// ListActiveTriggers returns the chat's active triggers in creation order.
func (s *InMemoryStore) ListActiveTriggers(chatID string) ([]models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Trigger
	for i := range s.triggers {
		if s.triggers[i].ChatID == chatID && s.triggers[i].IsActive {
			out = append(out, s.triggers[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetTrigger returns the named trigger or models.ErrTriggerNotFound.
func (s *InMemoryStore) GetTrigger(chatID, name string) (*models.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.triggers {
		if s.triggers[i].ChatID == chatID && s.triggers[i].Name == name {
			t := s.triggers[i].Clone()
			return &t, nil
		}
	}
	return nil, models.ErrTriggerNotFound
}

// CountActiveTriggersByCreator counts a creator's active triggers in a chat.
func (s *InMemoryStore) CountActiveTriggersByCreator(chatID, creatorID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.triggers {
		if s.triggers[i].ChatID == chatID && s.triggers[i].CreatorID == creatorID && s.triggers[i].IsActive {
			n++
		}
	}
	return n, nil
}

// IncrementUsage bumps the daily counter and lifetime usage count.
func (s *InMemoryStore) IncrementUsage(triggerID, chatID, day string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[dailyKey(triggerID, chatID, day)]++
	for i := range s.triggers {
		if s.triggers[i].ID == triggerID {
			s.triggers[i].UsageCount++
			used := at
			s.triggers[i].LastUsedAt = &used
			break
		}
	}
	return nil
}

// SetCooldown upserts a cooldown expiry.
func (s *InMemoryStore) SetCooldown(e models.CooldownEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[cooldownKey(e.TriggerID, e.ChatID, e.UserID)] = e
	return nil
}

// ListActiveCooldowns returns non-expired cooldown entries.
func (s *InMemoryStore) ListActiveCooldowns(now time.Time) ([]models.CooldownEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CooldownEntry
	for _, e := range s.cooldowns {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListDailyUsage returns all counters for the given day.
func (s *InMemoryStore) ListDailyUsage(day string) ([]DailyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DailyUsage
	for k, n := range s.daily {
		parts := strings.SplitN(k, "|", 3)
		if len(parts) == 3 && parts[2] == day {
			out = append(out, DailyUsage{TriggerID: parts[0], ChatID: parts[1], Day: day, Count: n})
		}
	}
	return out, nil
}

// PurgeExpiredCooldowns drops entries that expired before the given instant.
func (s *InMemoryStore) PurgeExpiredCooldowns(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.cooldowns {
		if e.Expired(before) {
			delete(s.cooldowns, k)
			n++
		}
	}
	return n, nil
}

// AddUsageRecord appends one fire to the usage log.
func (s *InMemoryStore) AddUsageRecord(r models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageLog = append(s.usageLog, r)
	return nil
}

// ChatStats aggregates counters for one chat and day.
func (s *InMemoryStore) ChatStats(chatID, day string) (models.ChatStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := models.ChatStats{ChatID: chatID, FiresByTrigger: make(map[string]int64)}
	for i := range s.triggers {
		if s.triggers[i].ChatID != chatID {
			continue
		}
		stats.TotalTriggers++
		if s.triggers[i].IsActive {
			stats.ActiveTriggers++
		}
		stats.FiresByTrigger[s.triggers[i].Name] = s.triggers[i].UsageCount
	}
	for k, n := range s.daily {
		parts := strings.SplitN(k, "|", 3)
		if len(parts) == 3 && parts[1] == chatID && parts[2] == day {
			stats.FiresToday += n
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
