package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "triggers.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	tr := testTrigger("t1", "greet", "chat1", "u1")
	tr.Conditions = []models.Condition{
		{Kind: models.KindContains, Pattern: "hi", WholeWordOnly: true},
		{Kind: models.KindRegex, Pattern: `^\d+$`},
	}
	tr.Responses = []models.Response{
		{Text: "Hello {user_id}!", Reactions: []string{"👋"}, ForwardToChat: "chat2"},
	}
	tr.CooldownSeconds = 60
	tr.MaxUsesPerDay = 3
	tr.Probability = 0.5

	if err := s.CreateTrigger(tr, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetTrigger("chat1", "greet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Conditions) != 2 || got.Conditions[0].WholeWordOnly != true || got.Conditions[1].Kind != models.KindRegex {
		t.Errorf("conditions did not survive round trip: %+v", got.Conditions)
	}
	if len(got.Responses) != 1 || got.Responses[0].ForwardToChat != "chat2" || len(got.Responses[0].Reactions) != 1 {
		t.Errorf("responses did not survive round trip: %+v", got.Responses)
	}
	if got.CooldownSeconds != 60 || got.MaxUsesPerDay != 3 || got.Probability != 0.5 {
		t.Errorf("limits did not survive round trip: %+v", got)
	}
}

func TestSQLiteStoreDuplicateAndQuota(t *testing.T) {
	s := newTestSQLiteStore(t)

	if err := s.CreateTrigger(testTrigger("t1", "greet", "chat1", "u1"), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateTrigger(testTrigger("t2", "greet", "chat1", "u2"), 1); !errors.Is(err, models.ErrDuplicateTriggerName) {
		t.Errorf("duplicate create = %v, want ErrDuplicateTriggerName", err)
	}
	if err := s.CreateTrigger(testTrigger("t3", "other", "chat1", "u1"), 1); !errors.Is(err, models.ErrTriggerQuotaExceeded) {
		t.Errorf("over-quota create = %v, want ErrTriggerQuotaExceeded", err)
	}

	// Deactivation frees both the name and the quota slot.
	if err := s.DeactivateTrigger("chat1", "greet"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateTrigger(testTrigger("t4", "greet", "chat1", "u1"), 1); err != nil {
		t.Errorf("create after deactivation = %v", err)
	}
}

func TestSQLiteStoreCooldownsAndUsage(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.CreateTrigger(testTrigger("t1", "greet", "chat1", "u1"), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.SetCooldown(models.CooldownEntry{TriggerID: "t1", ChatID: "chat1", UserID: "u1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Upsert replaces the expiry rather than inserting a second row.
	if err := s.SetCooldown(models.CooldownEntry{TriggerID: "t1", ChatID: "chat1", UserID: "u1", ExpiresAt: now.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, err := s.ListActiveCooldowns(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active cooldowns = %d, want 1", len(active))
	}
	if !active[0].ExpiresAt.After(now.Add(90 * time.Second)) {
		t.Errorf("upsert did not replace expiry: %v", active[0].ExpiresAt)
	}

	day := models.DayKey(now)
	if err := s.IncrementUsage("t1", "chat1", day, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.IncrementUsage("t1", "chat1", day, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := s.ChatStats("chat1", day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.FiresToday != 2 {
		t.Errorf("FiresToday = %d, want 2", stats.FiresToday)
	}
	got, err := s.GetTrigger("chat1", "greet")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.UsageCount != 2 || got.LastUsedAt == nil {
		t.Errorf("lifetime usage not updated: count=%d lastUsed=%v", got.UsageCount, got.LastUsedAt)
	}

	purged, err := s.PurgeExpiredCooldowns(now.Add(3 * time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
}

func TestSQLiteStoreUsageLog(t *testing.T) {
	s := newTestSQLiteStore(t)
	rec := models.UsageRecord{TriggerID: "t1", ChatID: "chat1", UserID: "u1", At: time.Now(), Response: "Hello!"}
	if err := s.AddUsageRecord(rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM trigger_usage_log`).Scan(&n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("usage log rows = %d, want 1", n)
	}
}
