package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validTrigger() Trigger {
	return Trigger{
		ID:         "trig_abc",
		Name:       "greet",
		ChatID:     "chat1",
		CreatorID:  "user1",
		Conditions: []Condition{{Kind: KindContains, Pattern: "hi"}},
		Responses:  []Response{{Text: "Hello!"}},
		IsActive:   true,
		Probability: 1.0,
		CreatedAt:  time.Now(),
	}
}

func TestTriggerValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Trigger)
		wantErr error
	}{
		{"valid", func(tr *Trigger) {}, nil},
		{"empty name", func(tr *Trigger) { tr.Name = "" }, ErrEmptyTriggerName},
		{"name too long", func(tr *Trigger) { tr.Name = strings.Repeat("x", MaxTriggerNameLength+1) }, ErrTriggerNameTooLong},
		{"empty chat", func(tr *Trigger) { tr.ChatID = "" }, ErrEmptyChatID},
		{"no conditions", func(tr *Trigger) { tr.Conditions = nil }, ErrNoConditions},
		{"no responses", func(tr *Trigger) { tr.Responses = nil }, ErrNoResponses},
		{"negative cooldown", func(tr *Trigger) { tr.CooldownSeconds = -1 }, ErrNegativeCooldown},
		{"negative cap", func(tr *Trigger) { tr.MaxUsesPerDay = -1 }, ErrNegativeDailyCap},
		{"probability too high", func(tr *Trigger) { tr.Probability = 1.5 }, ErrInvalidProbability},
		{"probability negative", func(tr *Trigger) { tr.Probability = -0.1 }, ErrInvalidProbability},
		{"bad kind", func(tr *Trigger) { tr.Conditions[0].Kind = "fuzzy" }, ErrInvalidConditionKind},
		{"empty pattern", func(tr *Trigger) { tr.Conditions[0].Pattern = "" }, ErrEmptyPattern},
		{"pattern too long", func(tr *Trigger) { tr.Conditions[0].Pattern = strings.Repeat("p", MaxPatternLength+1) }, ErrPatternTooLong},
		{"empty response text", func(tr *Trigger) { tr.Responses[0].Text = "" }, ErrEmptyResponseText},
		{"response too long", func(tr *Trigger) { tr.Responses[0].Text = strings.Repeat("r", MaxResponseTextLength+1) }, ErrResponseTextTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := validTrigger()
			tc.mutate(&tr)
			err := tr.Validate()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestConditionValidateRejectsBadRegex(t *testing.T) {
	c := Condition{Kind: KindRegex, Pattern: "("}
	if err := c.Validate(); !errors.Is(err, ErrInvalidRegexPattern) {
		t.Errorf("Validate() = %v, want ErrInvalidRegexPattern", err)
	}
	c.Pattern = `\bhello\b`
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() on valid regex = %v", err)
	}
}

func TestTriggerCloneIsDeep(t *testing.T) {
	orig := validTrigger()
	orig.Responses[0].Reactions = []string{"👍"}
	now := time.Now()
	orig.LastUsedAt = &now

	clone := orig.Clone()
	clone.Conditions[0].Pattern = "changed"
	clone.Responses[0].Text = "changed"
	clone.Responses[0].Reactions[0] = "💀"
	*clone.LastUsedAt = now.Add(time.Hour)

	if orig.Conditions[0].Pattern != "hi" {
		t.Error("clone shares conditions slice with original")
	}
	if orig.Responses[0].Text != "Hello!" {
		t.Error("clone shares responses slice with original")
	}
	if orig.Responses[0].Reactions[0] != "👍" {
		t.Error("clone shares reactions slice with original")
	}
	if !orig.LastUsedAt.Equal(now) {
		t.Error("clone shares LastUsedAt pointer with original")
	}
}

func TestCooldownEntryExpired(t *testing.T) {
	now := time.Now()
	e := CooldownEntry{ExpiresAt: now.Add(30 * time.Second)}
	if e.Expired(now) {
		t.Error("entry should not be expired before ExpiresAt")
	}
	if !e.Expired(now.Add(30 * time.Second)) {
		t.Error("entry should be expired at ExpiresAt")
	}
}

func TestDayKeyRollsOver(t *testing.T) {
	d1 := DayKey(time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC))
	d2 := DayKey(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	if d1 == d2 {
		t.Error("DayKey should differ across midnight")
	}
	if d1 != "2025-03-01" {
		t.Errorf("DayKey = %q, want 2025-03-01", d1)
	}
}

func TestIsValidConditionKind(t *testing.T) {
	for _, k := range []ConditionKind{KindExact, KindContains, KindStartsWith, KindEndsWith, KindRegex, KindSmart} {
		if !IsValidConditionKind(k) {
			t.Errorf("IsValidConditionKind(%q) = false", k)
		}
	}
	if IsValidConditionKind("fuzzy") {
		t.Error("IsValidConditionKind accepted unknown kind")
	}
}
