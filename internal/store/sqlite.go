// Package store provides storage backends for TriggerPipe.
//
// This file implements an SQLite-backed store for triggers, cooldowns, and usage counters.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// CreateTrigger inserts a trigger after checking name uniqueness and the
// creator's quota among the chat's active triggers.
func (s *SQLiteStore) CreateTrigger(t models.Trigger, quota int) error {
	conditionsJSON, responsesJSON, err := encodeTrigger(t)
	if err != nil {
		slog.Error("SQLiteStore CreateTrigger encode failed", "error", err, "name", t.Name)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dup int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = ? AND name = ? AND is_active = 1`,
		t.ChatID, t.Name).Scan(&dup); err != nil {
		return fmt.Errorf("failed to check trigger name uniqueness: %w", err)
	}
	if dup > 0 {
		slog.Debug("SQLiteStore CreateTrigger duplicate name", "chat_id", t.ChatID, "name", t.Name)
		return models.ErrDuplicateTriggerName
	}

	if quota > 0 {
		var owned int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = ? AND creator_id = ? AND is_active = 1`,
			t.ChatID, t.CreatorID).Scan(&owned); err != nil {
			return fmt.Errorf("failed to check trigger quota: %w", err)
		}
		if owned >= quota {
			slog.Debug("SQLiteStore CreateTrigger quota exceeded", "creator_id", t.CreatorID, "owned", owned, "quota", quota)
			return models.ErrTriggerQuotaExceeded
		}
	}

	_, err = tx.Exec(`INSERT INTO triggers
		(id, name, chat_id, creator_id, conditions, responses, is_active, cooldown_seconds,
		 max_uses_per_day, probability, require_mention, admin_only, created_at, usage_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		t.ID, t.Name, t.ChatID, t.CreatorID, conditionsJSON, responsesJSON, t.IsActive,
		t.CooldownSeconds, t.MaxUsesPerDay, t.Probability, t.RequireMention, t.AdminOnly, t.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateTrigger insert failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert trigger %s: %w", t.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger insert: %w", err)
	}
	slog.Debug("SQLiteStore CreateTrigger succeeded", "id", t.ID, "chat_id", t.ChatID, "name", t.Name)
	return nil
}

// DeactivateTrigger marks the named trigger inactive (logical delete).
func (s *SQLiteStore) DeactivateTrigger(chatID, name string) error {
	res, err := s.db.Exec(`UPDATE triggers SET is_active = 0 WHERE chat_id = ? AND name = ? AND is_active = 1`, chatID, name)
	if err != nil {
		slog.Error("SQLiteStore DeactivateTrigger failed", "error", err, "chat_id", chatID, "name", name)
		return fmt.Errorf("failed to deactivate trigger %s: %w", name, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.ErrTriggerNotFound
	}
	slog.Debug("SQLiteStore DeactivateTrigger succeeded", "chat_id", chatID, "name", name)
	return nil
}

// ListTriggers returns all of a chat's triggers in creation order.
func (s *SQLiteStore) ListTriggers(chatID string) ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		slog.Error("SQLiteStore ListTriggers query failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	return collectTriggers(rows)
}

// ListActiveTriggers returns the chat's active triggers in creation order.
func (s *SQLiteStore) ListActiveTriggers(chatID string) ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = ? AND is_active = 1 ORDER BY created_at, id`, chatID)
	if err != nil {
		slog.Error("SQLiteStore ListActiveTriggers query failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query active triggers: %w", err)
	}
	return collectTriggers(rows)
}

// GetTrigger returns the named trigger or models.ErrTriggerNotFound.
func (s *SQLiteStore) GetTrigger(chatID, name string) (*models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = ? AND name = ? LIMIT 1`, chatID, name)
	if err != nil {
		slog.Error("SQLiteStore GetTrigger query failed", "error", err, "chat_id", chatID, "name", name)
		return nil, fmt.Errorf("failed to query trigger: %w", err)
	}
	triggers, err := collectTriggers(rows)
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return nil, models.ErrTriggerNotFound
	}
	return &triggers[0], nil
}

// CountActiveTriggersByCreator counts a creator's active triggers in a chat.
func (s *SQLiteStore) CountActiveTriggersByCreator(chatID, creatorID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = ? AND creator_id = ? AND is_active = 1`,
		chatID, creatorID).Scan(&n)
	if err != nil {
		slog.Error("SQLiteStore CountActiveTriggersByCreator failed", "error", err, "creator_id", creatorID)
		return 0, fmt.Errorf("failed to count triggers: %w", err)
	}
	return n, nil
}

// IncrementUsage bumps the daily counter for (trigger, chat, day) and the
// trigger's lifetime usage count. The upsert makes retries safe.
func (s *SQLiteStore) IncrementUsage(triggerID, chatID, day string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO trigger_daily_usage (trigger_id, chat_id, day, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(trigger_id, chat_id, day) DO UPDATE SET count = count + 1`,
		triggerID, chatID, day)
	if err != nil {
		slog.Error("SQLiteStore IncrementUsage daily upsert failed", "error", err, "trigger_id", triggerID)
		return fmt.Errorf("failed to increment daily usage for %s: %w", triggerID, err)
	}
	_, err = s.db.Exec(`UPDATE triggers SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`, at, triggerID)
	if err != nil {
		slog.Error("SQLiteStore IncrementUsage trigger update failed", "error", err, "trigger_id", triggerID)
		return fmt.Errorf("failed to update trigger usage count for %s: %w", triggerID, err)
	}
	slog.Debug("SQLiteStore IncrementUsage succeeded", "trigger_id", triggerID, "chat_id", chatID, "day", day)
	return nil
}

// SetCooldown upserts a cooldown expiry for (trigger, chat, user).
func (s *SQLiteStore) SetCooldown(e models.CooldownEntry) error {
	_, err := s.db.Exec(`INSERT INTO trigger_cooldowns (trigger_id, chat_id, user_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trigger_id, chat_id, user_id) DO UPDATE SET expires_at = excluded.expires_at`,
		e.TriggerID, e.ChatID, e.UserID, e.ExpiresAt)
	if err != nil {
		slog.Error("SQLiteStore SetCooldown failed", "error", err, "trigger_id", e.TriggerID)
		return fmt.Errorf("failed to set cooldown for %s: %w", e.TriggerID, err)
	}
	slog.Debug("SQLiteStore SetCooldown succeeded", "trigger_id", e.TriggerID, "expires_at", e.ExpiresAt)
	return nil
}

// ListActiveCooldowns returns cooldowns that have not expired at the given instant.
func (s *SQLiteStore) ListActiveCooldowns(now time.Time) ([]models.CooldownEntry, error) {
	rows, err := s.db.Query(`SELECT trigger_id, chat_id, user_id, expires_at FROM trigger_cooldowns WHERE expires_at > ?`, now)
	if err != nil {
		slog.Error("SQLiteStore ListActiveCooldowns query failed", "error", err)
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	var entries []models.CooldownEntry
	for rows.Next() {
		var e models.CooldownEntry
		if err := rows.Scan(&e.TriggerID, &e.ChatID, &e.UserID, &e.ExpiresAt); err != nil {
			slog.Error("SQLiteStore ListActiveCooldowns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan cooldown row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cooldown rows: %w", err)
	}
	slog.Debug("SQLiteStore ListActiveCooldowns succeeded", "count", len(entries))
	return entries, nil
}

// ListDailyUsage returns all usage counters for one calendar day.
func (s *SQLiteStore) ListDailyUsage(day string) ([]DailyUsage, error) {
	rows, err := s.db.Query(`SELECT trigger_id, chat_id, day, count FROM trigger_daily_usage WHERE day = ?`, day)
	if err != nil {
		slog.Error("SQLiteStore ListDailyUsage query failed", "error", err, "day", day)
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var usages []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.TriggerID, &u.ChatID, &u.Day, &u.Count); err != nil {
			slog.Error("SQLiteStore ListDailyUsage scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan daily usage row: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily usage rows: %w", err)
	}
	return usages, nil
}

// PurgeExpiredCooldowns deletes cooldown rows that expired before the given instant.
func (s *SQLiteStore) PurgeExpiredCooldowns(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM trigger_cooldowns WHERE expires_at <= ?`, before)
	if err != nil {
		slog.Error("SQLiteStore PurgeExpiredCooldowns failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired cooldowns: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore PurgeExpiredCooldowns succeeded", "purged", n)
	return n, nil
}

// AddUsageRecord appends one fire to the usage log.
func (s *SQLiteStore) AddUsageRecord(r models.UsageRecord) error {
	_, err := s.db.Exec(`INSERT INTO trigger_usage_log (trigger_id, chat_id, user_id, triggered_at, response_sent)
		VALUES (?, ?, ?, ?, ?)`,
		r.TriggerID, r.ChatID, r.UserID, r.At, nilIfEmpty(r.Response))
	if err != nil {
		slog.Error("SQLiteStore AddUsageRecord failed", "error", err, "trigger_id", r.TriggerID)
		return fmt.Errorf("failed to insert usage record for %s: %w", r.TriggerID, err)
	}
	slog.Debug("SQLiteStore AddUsageRecord succeeded", "trigger_id", r.TriggerID)
	return nil
}

// ChatStats aggregates engine-owned counters for one chat and day.
func (s *SQLiteStore) ChatStats(chatID, day string) (models.ChatStats, error) {
	stats := models.ChatStats{ChatID: chatID, FiresByTrigger: make(map[string]int64)}

	rows, err := s.db.Query(`SELECT name, is_active, usage_count FROM triggers WHERE chat_id = ?`, chatID)
	if err != nil {
		slog.Error("SQLiteStore ChatStats trigger query failed", "error", err, "chat_id", chatID)
		return stats, fmt.Errorf("failed to query trigger stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var active bool
		var count int64
		if err := rows.Scan(&name, &active, &count); err != nil {
			return stats, fmt.Errorf("failed to scan trigger stats row: %w", err)
		}
		stats.TotalTriggers++
		if active {
			stats.ActiveTriggers++
		}
		stats.FiresByTrigger[name] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to iterate trigger stats rows: %w", err)
	}

	err = s.db.QueryRow(`SELECT COALESCE(SUM(count), 0) FROM trigger_daily_usage WHERE chat_id = ? AND day = ?`,
		chatID, day).Scan(&stats.FiresToday)
	if err != nil {
		slog.Error("SQLiteStore ChatStats daily query failed", "error", err, "chat_id", chatID)
		return stats, fmt.Errorf("failed to query daily stats: %w", err)
	}
	return stats, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
