package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// triggerColumns is the column list shared by all trigger SELECTs so the
// scan helpers stay in sync with the queries.
const triggerColumns = `id, name, chat_id, creator_id, conditions, responses, is_active,
	cooldown_seconds, max_uses_per_day, probability, require_mention, admin_only,
	created_at, usage_count, last_used_at`

// scanTrigger scans a Trigger from sql.Rows, decoding the JSON condition and
// response columns.
func scanTrigger(rows *sql.Rows) (models.Trigger, error) {
	var t models.Trigger
	var conditionsJSON, responsesJSON string
	var lastUsedAt sql.NullTime
	err := rows.Scan(
		&t.ID, &t.Name, &t.ChatID, &t.CreatorID, &conditionsJSON, &responsesJSON, &t.IsActive,
		&t.CooldownSeconds, &t.MaxUsesPerDay, &t.Probability, &t.RequireMention, &t.AdminOnly,
		&t.CreatedAt, &t.UsageCount, &lastUsedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan trigger failed: %w", err)
	}
	if err := json.Unmarshal([]byte(conditionsJSON), &t.Conditions); err != nil {
		return t, fmt.Errorf("decode trigger conditions failed: %w", err)
	}
	if err := json.Unmarshal([]byte(responsesJSON), &t.Responses); err != nil {
		return t, fmt.Errorf("decode trigger responses failed: %w", err)
	}
	if lastUsedAt.Valid {
		t.LastUsedAt = &lastUsedAt.Time
	}
	return t, nil
}

// collectTriggers drains rows into a slice using scanTrigger.
func collectTriggers(rows *sql.Rows) ([]models.Trigger, error) {
	defer rows.Close()
	var out []models.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trigger rows failed: %w", err)
	}
	return out, nil
}

// encodeTrigger marshals the condition and response lists for storage.
func encodeTrigger(t models.Trigger) (conditionsJSON, responsesJSON string, err error) {
	cb, err := json.Marshal(t.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("encode trigger conditions failed: %w", err)
	}
	rb, err := json.Marshal(t.Responses)
	if err != nil {
		return "", "", fmt.Errorf("encode trigger responses failed: %w", err)
	}
	return string(cb), string(rb), nil
}
