package scheduler

import (
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	// Invalid expressions are rejected
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

type stubSweeper struct{ swept int }

func (s *stubSweeper) Sweep() int { s.swept++; return 0 }

type stubPurger struct{ purged int }

func (p *stubPurger) PurgeExpiredCooldowns(before time.Time) (int64, error) {
	p.purged++
	return 0, nil
}

func TestRegisterMaintenance(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := RegisterMaintenance(s, &stubSweeper{}, &stubPurger{}); err != nil {
		t.Errorf("RegisterMaintenance failed: %v", err)
	}
}
