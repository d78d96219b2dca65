// Package store provides storage backends for TriggerPipe.
//
// This file implements a PostgreSQL-backed store for triggers, cooldowns, and usage counters.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// CreateTrigger inserts a trigger after checking name uniqueness and the
// creator's quota among the chat's active triggers.
func (s *PostgresStore) CreateTrigger(t models.Trigger, quota int) error {
	conditionsJSON, responsesJSON, err := encodeTrigger(t)
	if err != nil {
		slog.Error("PostgresStore CreateTrigger encode failed", "error", err, "name", t.Name)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dup int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = $1 AND name = $2 AND is_active = TRUE`,
		t.ChatID, t.Name).Scan(&dup); err != nil {
		return fmt.Errorf("failed to check trigger name uniqueness: %w", err)
	}
	if dup > 0 {
		slog.Debug("PostgresStore CreateTrigger duplicate name", "chat_id", t.ChatID, "name", t.Name)
		return models.ErrDuplicateTriggerName
	}

	if quota > 0 {
		var owned int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = $1 AND creator_id = $2 AND is_active = TRUE`,
			t.ChatID, t.CreatorID).Scan(&owned); err != nil {
			return fmt.Errorf("failed to check trigger quota: %w", err)
		}
		if owned >= quota {
			slog.Debug("PostgresStore CreateTrigger quota exceeded", "creator_id", t.CreatorID, "owned", owned, "quota", quota)
			return models.ErrTriggerQuotaExceeded
		}
	}

	_, err = tx.Exec(`INSERT INTO triggers
		(id, name, chat_id, creator_id, conditions, responses, is_active, cooldown_seconds,
		 max_uses_per_day, probability, require_mention, admin_only, created_at, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0)`,
		t.ID, t.Name, t.ChatID, t.CreatorID, conditionsJSON, responsesJSON, t.IsActive,
		t.CooldownSeconds, t.MaxUsesPerDay, t.Probability, t.RequireMention, t.AdminOnly, t.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateTrigger insert failed", "error", err, "name", t.Name)
		return fmt.Errorf("failed to insert trigger %s: %w", t.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit trigger insert: %w", err)
	}
	slog.Debug("PostgresStore CreateTrigger succeeded", "id", t.ID, "chat_id", t.ChatID, "name", t.Name)
	return nil
}

// DeactivateTrigger marks the named trigger inactive (logical delete).
func (s *PostgresStore) DeactivateTrigger(chatID, name string) error {
	res, err := s.db.Exec(`UPDATE triggers SET is_active = FALSE WHERE chat_id = $1 AND name = $2 AND is_active = TRUE`, chatID, name)
	if err != nil {
		slog.Error("PostgresStore DeactivateTrigger failed", "error", err, "chat_id", chatID, "name", name)
		return fmt.Errorf("failed to deactivate trigger %s: %w", name, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return models.ErrTriggerNotFound
	}
	slog.Debug("PostgresStore DeactivateTrigger succeeded", "chat_id", chatID, "name", name)
	return nil
}

// ListTriggers returns all of a chat's triggers in creation order.
func (s *PostgresStore) ListTriggers(chatID string) ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = $1 ORDER BY created_at, id`, chatID)
	if err != nil {
		slog.Error("PostgresStore ListTriggers query failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	return collectTriggers(rows)
}

// ListActiveTriggers returns the chat's active triggers in creation order.
func (s *PostgresStore) ListActiveTriggers(chatID string) ([]models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = $1 AND is_active = TRUE ORDER BY created_at, id`, chatID)
	if err != nil {
		slog.Error("PostgresStore ListActiveTriggers query failed", "error", err, "chat_id", chatID)
		return nil, fmt.Errorf("failed to query active triggers: %w", err)
	}
	return collectTriggers(rows)
}

// GetTrigger returns the named trigger or models.ErrTriggerNotFound.
func (s *PostgresStore) GetTrigger(chatID, name string) (*models.Trigger, error) {
	rows, err := s.db.Query(`SELECT `+triggerColumns+` FROM triggers WHERE chat_id = $1 AND name = $2 LIMIT 1`, chatID, name)
	if err != nil {
		slog.Error("PostgresStore GetTrigger query failed", "error", err, "chat_id", chatID, "name", name)
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
func (s *PostgresStore) CountActiveTriggersByCreator(chatID, creatorID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM triggers WHERE chat_id = $1 AND creator_id = $2 AND is_active = TRUE`,
		chatID, creatorID).Scan(&n)
	if err != nil {
		slog.Error("PostgresStore CountActiveTriggersByCreator failed", "error", err, "creator_id", creatorID)
		return 0, fmt.Errorf("failed to count triggers: %w", err)
	}
	return n, nil
}

// IncrementUsage bumps the daily counter for (trigger, chat, day) and the
// trigger's lifetime usage count. The upsert makes retries safe.
func (s *PostgresStore) IncrementUsage(triggerID, chatID, day string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO trigger_daily_usage (trigger_id, chat_id, day, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (trigger_id, chat_id, day) DO UPDATE SET count = trigger_daily_usage.count + 1`,
		triggerID, chatID, day)
	if err != nil {
		slog.Error("PostgresStore IncrementUsage daily upsert failed", "error", err, "trigger_id", triggerID)
		return fmt.Errorf("failed to increment daily usage for %s: %w", triggerID, err)
	}
	_, err = s.db.Exec(`UPDATE triggers SET usage_count = usage_count + 1, last_used_at = $1 WHERE id = $2`, at, triggerID)
	if err != nil {
		slog.Error("PostgresStore IncrementUsage trigger update failed", "error", err, "trigger_id", triggerID)
		return fmt.Errorf("failed to update trigger usage count for %s: %w", triggerID, err)
	}
	slog.Debug("PostgresStore IncrementUsage succeeded", "trigger_id", triggerID, "chat_id", chatID, "day", day)
	return nil
}

// SetCooldown upserts a cooldown expiry for (trigger, chat, user).
func (s *PostgresStore) SetCooldown(e models.CooldownEntry) error {
	_, err := s.db.Exec(`INSERT INTO trigger_cooldowns (trigger_id, chat_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trigger_id, chat_id, user_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		e.TriggerID, e.ChatID, e.UserID, e.ExpiresAt)
	if err != nil {
		slog.Error("PostgresStore SetCooldown failed", "error", err, "trigger_id", e.TriggerID)
		return fmt.Errorf("failed to set cooldown for %s: %w", e.TriggerID, err)
	}
	slog.Debug("PostgresStore SetCooldown succeeded", "trigger_id", e.TriggerID, "expires_at", e.ExpiresAt)
	return nil
}

// ListActiveCooldowns returns cooldowns that have not expired at the given instant.
func (s *PostgresStore) ListActiveCooldowns(now time.Time) ([]models.CooldownEntry, error) {
	rows, err := s.db.Query(`SELECT trigger_id, chat_id, user_id, expires_at FROM trigger_cooldowns WHERE expires_at > $1`, now)
	if err != nil {
		slog.Error("PostgresStore ListActiveCooldowns query failed", "error", err)
		return nil, fmt.Errorf("failed to query cooldowns: %w", err)
	}
	defer rows.Close()

	var entries []models.CooldownEntry
	for rows.Next() {
		var e models.CooldownEntry
		if err := rows.Scan(&e.TriggerID, &e.ChatID, &e.UserID, &e.ExpiresAt); err != nil {
			slog.Error("PostgresStore ListActiveCooldowns scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan cooldown row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cooldown rows: %w", err)
	}
	return entries, nil
}

// ListDailyUsage returns all usage counters for one calendar day.
func (s *PostgresStore) ListDailyUsage(day string) ([]DailyUsage, error) {
	rows, err := s.db.Query(`SELECT trigger_id, chat_id, day, count FROM trigger_daily_usage WHERE day = $1`, day)
	if err != nil {
		slog.Error("PostgresStore ListDailyUsage query failed", "error", err, "day", day)
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	var usages []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.TriggerID, &u.ChatID, &u.Day, &u.Count); err != nil {
			slog.Error("PostgresStore ListDailyUsage scan failed", "error", err)
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
func (s *PostgresStore) PurgeExpiredCooldowns(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM trigger_cooldowns WHERE expires_at <= $1`, before)
	if err != nil {
		slog.Error("PostgresStore PurgeExpiredCooldowns failed", "error", err)
		return 0, fmt.Errorf("failed to purge expired cooldowns: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("PostgresStore PurgeExpiredCooldowns succeeded", "purged", n)
	return n, nil
}

// AddUsageRecord appends one fire to the usage log.
func (s *PostgresStore) AddUsageRecord(r models.UsageRecord) error {
	_, err := s.db.Exec(`INSERT INTO trigger_usage_log (trigger_id, chat_id, user_id, triggered_at, response_sent)
		VALUES ($1, $2, $3, $4, $5)`,
		r.TriggerID, r.ChatID, r.UserID, r.At, nilIfEmpty(r.Response))
	if err != nil {
		slog.Error("PostgresStore AddUsageRecord failed", "error", err, "trigger_id", r.TriggerID)
		return fmt.Errorf("failed to insert usage record for %s: %w", r.TriggerID, err)
	}
	return nil
}

// ChatStats aggregates engine-owned counters for one chat and day.
func (s *PostgresStore) ChatStats(chatID, day string) (models.ChatStats, error) {
	stats := models.ChatStats{ChatID: chatID, FiresByTrigger: make(map[string]int64)}

	rows, err := s.db.Query(`SELECT name, is_active, usage_count FROM triggers WHERE chat_id = $1`, chatID)
	if err != nil {
		slog.Error("PostgresStore ChatStats trigger query failed", "error", err, "chat_id", chatID)
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

	err = s.db.QueryRow(`SELECT COALESCE(SUM(count), 0) FROM trigger_daily_usage WHERE chat_id = $1 AND day = $2`,
		chatID, day).Scan(&stats.FiresToday)
	if err != nil {
		slog.Error("PostgresStore ChatStats daily query failed", "error", err, "chat_id", chatID)
		return stats, fmt.Errorf("failed to query daily stats: %w", err)
	}
	return stats, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
