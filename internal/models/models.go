// Package models defines the core data structures for TriggerPipe.
//
// It includes the trigger, condition, and response types shared across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// ConditionKind defines how a condition pattern is matched against message text.
type ConditionKind string

const (
	// KindExact matches when the whole message equals the pattern.
	KindExact ConditionKind = "exact"
	// KindContains matches when the message contains the pattern.
	KindContains ConditionKind = "contains"
	// KindStartsWith matches when the message starts with the pattern.
	KindStartsWith ConditionKind = "starts"
	// KindEndsWith matches when the message ends with the pattern.
	KindEndsWith ConditionKind = "ends"
	// KindRegex applies the pattern as a regular expression search.
	KindRegex ConditionKind = "regex"
	// KindSmart delegates matching to an intent classifier.
	KindSmart ConditionKind = "smart"
)

// Validation constants for input validation
const (
	// MaxTriggerNameLength defines the maximum allowed length for trigger names
	MaxTriggerNameLength = 50
	// MaxPatternLength defines the maximum allowed length for condition patterns
	MaxPatternLength = 500
	// MaxResponseTextLength defines the maximum allowed length for response templates
	MaxResponseTextLength = 1000
	// MaxTriggersPerUser defines the trigger-count quota for regular users
	MaxTriggersPerUser = 5
	// MaxTriggersPerAdmin defines the trigger-count quota for chat admins
	MaxTriggersPerAdmin = 100
)

// Error variables for better error handling and testability
var (
	ErrEmptyTriggerName     = errors.New("trigger name cannot be empty")
	ErrTriggerNameTooLong   = errors.New("trigger name exceeds maximum length")
	ErrEmptyChatID          = errors.New("chat id cannot be empty")
	ErrEmptyPattern         = errors.New("condition pattern cannot be empty")
	ErrPatternTooLong       = errors.New("condition pattern exceeds maximum length")
	ErrInvalidConditionKind = errors.New("invalid condition kind")
	ErrInvalidRegexPattern  = errors.New("regex pattern does not compile")
	ErrEmptyResponseText    = errors.New("response text cannot be empty")
	ErrResponseTextTooLong  = errors.New("response text exceeds maximum length")
	ErrNoConditions         = errors.New("trigger requires at least one condition")
	ErrNoResponses          = errors.New("trigger requires at least one response")
	ErrNegativeCooldown     = errors.New("cooldown seconds cannot be negative")
	ErrNegativeDailyCap     = errors.New("max uses per day cannot be negative")
	ErrInvalidProbability   = errors.New("probability must be between 0 and 1")
	ErrDuplicateTriggerName = errors.New("trigger with this name already exists in chat")
	ErrTriggerQuotaExceeded = errors.New("trigger quota exceeded")
	ErrTriggerNotFound      = errors.New("trigger not found")
	ErrNotAuthorized        = errors.New("not authorized to modify this trigger")
)

// IsValidConditionKind checks if the given condition kind is supported.
func IsValidConditionKind(k ConditionKind) bool {
	switch k {
	case KindExact, KindContains, KindStartsWith, KindEndsWith, KindRegex, KindSmart:
		return true
	default:
		return false
	}
}

// Condition represents a single pattern-matching test within a trigger.
type Condition struct {
	Kind          ConditionKind `json:"kind"`
	Pattern       string        `json:"pattern"`
	CaseSensitive bool          `json:"case_sensitive,omitempty"`
	WholeWordOnly bool          `json:"whole_word_only,omitempty"` // only meaningful for contains
}

// Validate checks condition kind, pattern length, and regex compilability.
// Regex patterns are rejected here so a broken pattern never reaches dispatch.
func (c *Condition) Validate() error {
	if !IsValidConditionKind(c.Kind) {
		return ErrInvalidConditionKind
	}
	if c.Pattern == "" {
		return ErrEmptyPattern
	}
	if len(c.Pattern) > MaxPatternLength {
		return ErrPatternTooLong
	}
	if c.Kind == KindRegex {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return ErrInvalidRegexPattern
		}
	}
	return nil
}

// Response represents one templated reply attached to a trigger.
type Response struct {
	Text                    string   `json:"text"`
	Reactions               []string `json:"reactions,omitempty"`
	DeleteTriggeringMessage bool     `json:"delete_triggering_message,omitempty"`
	ForwardToChat           string   `json:"forward_to_chat,omitempty"`
}

// Validate checks response template requirements.
func (r *Response) Validate() error {
	if r.Text == "" {
		return ErrEmptyResponseText
	}
	if len(r.Text) > MaxResponseTextLength {
		return ErrResponseTextTooLong
	}
	return nil
}

// Trigger represents a chat-scoped rule pairing match conditions with responses.
//
// Conditions and responses are immutable once created; updates replace the
// whole trigger through the CRUD surface so the registry never observes a
// partially mutated definition.
type Trigger struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	ChatID          string      `json:"chat_id"`
	CreatorID       string      `json:"creator_id"`
	Conditions      []Condition `json:"conditions"`
	Responses       []Response  `json:"responses"`
	IsActive        bool        `json:"is_active"`
	CooldownSeconds int         `json:"cooldown_seconds"`
	MaxUsesPerDay   int         `json:"max_uses_per_day"`
	Probability     float64     `json:"probability"`
	RequireMention  bool        `json:"require_mention"`
	AdminOnly       bool        `json:"admin_only"`
	CreatedAt       time.Time   `json:"created_at"`
	UsageCount      int64       `json:"usage_count"`
	LastUsedAt      *time.Time  `json:"last_used_at,omitempty"`
}

// Validate performs comprehensive validation on a Trigger structure.
func (t *Trigger) Validate() error {
	if t.Name == "" {
		return ErrEmptyTriggerName
	}
	if len(t.Name) > MaxTriggerNameLength {
		return ErrTriggerNameTooLong
	}
	if t.ChatID == "" {
		return ErrEmptyChatID
	}
	if len(t.Conditions) == 0 {
		return ErrNoConditions
	}
	if len(t.Responses) == 0 {
		return ErrNoResponses
	}
	if t.CooldownSeconds < 0 {
		return ErrNegativeCooldown
	}
	if t.MaxUsesPerDay < 0 {
		return ErrNegativeDailyCap
	}
	if t.Probability < 0 || t.Probability > 1 {
		return ErrInvalidProbability
	}
	for i := range t.Conditions {
		if err := t.Conditions[i].Validate(); err != nil {
			return err
		}
	}
	for i := range t.Responses {
		if err := t.Responses[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the trigger. The registry hands out clones so
// a dispatch in progress is never affected by a concurrent definition change.
func (t *Trigger) Clone() Trigger {
	c := *t
	c.Conditions = make([]Condition, len(t.Conditions))
	copy(c.Conditions, t.Conditions)
	c.Responses = make([]Response, len(t.Responses))
	for i, r := range t.Responses {
		cr := r
		if r.Reactions != nil {
			cr.Reactions = make([]string, len(r.Reactions))
			copy(cr.Reactions, r.Reactions)
		}
		c.Responses[i] = cr
	}
	if t.LastUsedAt != nil {
		at := *t.LastUsedAt
		c.LastUsedAt = &at
	}
	return c
}

// Message represents an incoming chat message event handed to the dispatch engine.
type Message struct {
	ID          string `json:"id,omitempty"`
	ChatID      string `json:"chat_id"`
	UserID      string `json:"user_id"`
	Text        string `json:"text"`
	MentionsBot bool   `json:"mentions_bot,omitempty"`
	Time        int64  `json:"time"`
}

// RenderedResponse carries a fully substituted response ready for the
// transport layer. The engine never performs the send/delete/forward I/O.
type RenderedResponse struct {
	TriggerID               string   `json:"trigger_id"`
	TriggerName             string   `json:"trigger_name"`
	Text                    string   `json:"text"`
	Reactions               []string `json:"reactions,omitempty"`
	DeleteTriggeringMessage bool     `json:"delete_triggering_message,omitempty"`
	ForwardToChat           string   `json:"forward_to_chat,omitempty"`
}

// CooldownEntry records that a trigger fired for a chat+user and must not
// fire again before ExpiresAt. Expired entries are logically absent.
type CooldownEntry struct {
	TriggerID string    `json:"trigger_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is logically absent at the given instant.
func (e *CooldownEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// UsageRecord is an append-only fact written after each trigger fire.
type UsageRecord struct {
	TriggerID string    `json:"trigger_id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
	Response  string    `json:"response,omitempty"`
}

// ChatStats summarizes engine-owned counters for one chat.
type ChatStats struct {
	ChatID         string           `json:"chat_id"`
	TotalTriggers  int              `json:"total_triggers"`
	ActiveTriggers int              `json:"active_triggers"`
	FiresToday     int              `json:"fires_today"`
	FiresByTrigger map[string]int64 `json:"fires_by_trigger,omitempty"`
}

// DayKey formats a time as the calendar-day key used for daily usage
// counters. The date rolling over is what resets the counter; there is no
// explicit reset operation.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusCreated indicates a resource was created via API.
	APIStatusCreated APIStatus = "created"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Created creates an API response for a newly created resource.
func Created(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusCreated), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
