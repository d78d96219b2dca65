package trigger

import (
	"testing"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// fixedRand is a deterministic RandSource returning scripted values.
type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }
func (r fixedRand) IntN(n int) int   { return r.n % n }

func alwaysAdmin() bool { return true }
func neverAdmin() bool  { return false }

func testTrigger() *models.Trigger {
	return &models.Trigger{
		ID:          "trig_1",
		Name:        "greet",
		ChatID:      "chat1",
		IsActive:    true,
		Probability: 1.0,
	}
}

func TestAdmitInactiveTrigger(t *testing.T) {
	l := NewLimiter(fixedRand{f: 0})
	tr := testTrigger()
	tr.IsActive = false
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("inactive trigger must not be admitted")
	}
}

func TestAdmitAdminOnly(t *testing.T) {
	l := NewLimiter(fixedRand{f: 0})
	tr := testTrigger()
	tr.AdminOnly = true
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("admin-only trigger must reject non-admin")
	}
	if !l.Admit(tr, "chat1", "u1", alwaysAdmin, false) {
		t.Error("admin-only trigger must admit admin")
	}
}

func TestAdmitAdminCheckIsLazy(t *testing.T) {
	l := NewLimiter(fixedRand{f: 0})
	tr := testTrigger()
	called := false
	check := func() bool { called = true; return true }
	l.Admit(tr, "chat1", "u1", check, false)
	if called {
		t.Error("admin check must not run when trigger is not admin-only")
	}
}

func TestAdmitRequireMention(t *testing.T) {
	l := NewLimiter(fixedRand{f: 0})
	tr := testTrigger()
	tr.RequireMention = true
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("mention-gated trigger must reject unmentioned message")
	}
	if !l.Admit(tr, "chat1", "u1", neverAdmin, true) {
		t.Error("mention-gated trigger must admit mentioned message")
	}
}

func TestAdmitCooldownPerUser(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.CooldownSeconds = 60

	if !l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Fatal("first admission should pass")
	}
	l.Record(tr, "chat1", "u1")

	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("same user must be blocked during cooldown")
	}
	if !l.Admit(tr, "chat1", "u2", neverAdmin, false) {
		t.Error("cooldown is per user, other users must pass")
	}

	now = now.Add(59 * time.Second)
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("cooldown must still hold at 59s")
	}
	now = now.Add(time.Second)
	if !l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("cooldown must lift exactly at expiry")
	}
}

func TestAdmitDailyCapSharedAcrossUsers(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.MaxUsesPerDay = 3

	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		if !l.Admit(tr, "chat1", u, neverAdmin, false) {
			t.Fatalf("admission for %s should pass under the cap", u)
		}
		l.Record(tr, "chat1", u)
	}
	if l.Admit(tr, "chat1", "u4", neverAdmin, false) {
		t.Error("daily cap is chat-wide, fourth fire must be blocked")
	}

	// The cap resets when the calendar day rolls over
	now = now.Add(24 * time.Hour)
	if !l.Admit(tr, "chat1", "u4", neverAdmin, false) {
		t.Error("daily cap must reset on the next day")
	}
}

func TestAdmitProbabilityGate(t *testing.T) {
	tr := testTrigger()
	tr.Probability = 0.3

	pass := NewLimiter(fixedRand{f: 0.29})
	if !pass.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("draw below probability must admit")
	}
	fail := NewLimiter(fixedRand{f: 0.3})
	if fail.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("draw at or above probability must reject")
	}
}

func TestAdmitProbabilityOneNeverDraws(t *testing.T) {
	// A panicking source proves probability 1.0 skips the draw entirely
	l := NewLimiter(panicRand{})
	if !l.Admit(testTrigger(), "chat1", "u1", neverAdmin, false) {
		t.Error("probability 1.0 must always admit")
	}
}

type panicRand struct{}

func (panicRand) Float64() float64 { panic("probability draw should not happen") }
func (panicRand) IntN(n int) int   { panic("unexpected IntN") }

func TestAdmitProbabilityStatistical(t *testing.T) {
	l := NewLimiter(DefaultRandSource())
	tr := testTrigger()
	tr.Probability = 0.3

	const trials = 10000
	admitted := 0
	for i := 0; i < trials; i++ {
		if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
			admitted++
		}
	}
	rate := float64(admitted) / trials
	if rate < 0.27 || rate > 0.33 {
		t.Errorf("admission rate %.3f outside [0.27, 0.33] over %d trials", rate, trials)
	}
}

func TestProbabilitySkipLeavesNoState(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0.99})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.Probability = 0.5
	tr.CooldownSeconds = 60
	tr.MaxUsesPerDay = 1

	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Fatal("draw should reject")
	}
	// A later admission with a winning draw must not see cooldown or cap state
	l.rand = fixedRand{f: 0.1}
	if !l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("probability skip must not consume cooldown or daily cap")
	}
}

func TestRecordReturnsCooldownEntry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.CooldownSeconds = 90

	entry, day := l.Record(tr, "chat1", "u1")
	if entry == nil {
		t.Fatal("expected cooldown entry for trigger with cooldown")
	}
	if want := now.Add(90 * time.Second); !entry.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", entry.ExpiresAt, want)
	}
	if day != "2025-06-01" {
		t.Errorf("day = %q, want 2025-06-01", day)
	}

	tr.CooldownSeconds = 0
	if entry, _ := l.Record(tr, "chat1", "u1"); entry != nil {
		t.Error("trigger without cooldown must not produce a cooldown entry")
	}
}

func TestRestoreCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.CooldownSeconds = 60

	l.RestoreCooldown(models.CooldownEntry{
		TriggerID: tr.ID, ChatID: "chat1", UserID: "u1",
		ExpiresAt: now.Add(30 * time.Second),
	})
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("restored cooldown must block admission")
	}

	// Expired entries are dropped on restore
	l.RestoreCooldown(models.CooldownEntry{
		TriggerID: tr.ID, ChatID: "chat1", UserID: "u2",
		ExpiresAt: now.Add(-time.Second),
	})
	if !l.Admit(tr, "chat1", "u2", neverAdmin, false) {
		t.Error("expired cooldown must not block admission")
	}
}

func TestRestoreDailyCount(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.MaxUsesPerDay = 3

	l.RestoreDailyCount(tr.ID, "chat1", models.DayKey(now), 3)
	if l.Admit(tr, "chat1", "u1", neverAdmin, false) {
		t.Error("restored daily count at cap must block admission")
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(fixedRand{f: 0})
	l.SetClock(func() time.Time { return now })

	tr := testTrigger()
	tr.CooldownSeconds = 60
	tr.MaxUsesPerDay = 5
	l.Record(tr, "chat1", "u1")

	if removed := l.Sweep(); removed != 0 {
		t.Errorf("nothing should be swept yet, got %d", removed)
	}

	now = now.Add(25 * time.Hour)
	if removed := l.Sweep(); removed != 2 {
		t.Errorf("expected expired cooldown and stale day counter swept, got %d", removed)
	}
}
