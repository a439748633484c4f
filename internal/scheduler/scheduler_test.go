package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/habitkit/smsagent/internal/models"
	"github.com/habitkit/smsagent/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron spec", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	// Six-field expressions are rejected by the 5-field parser.
	if err := s.AddJob("0 * * * * *", func() {}); err == nil {
		t.Error("Expected error for seconds field")
	}
}

func TestHousekeeperRegister(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	h := NewHousekeeper(store.NewInMemoryStore(), 0)
	if err := h.Register(s, ""); err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
	if err := h.Register(s, "every tuesday"); err == nil {
		t.Error("expected invalid spec error")
	}
}

func TestHousekeeperRunOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	now := time.Now()

	st.ReplaceBackupSession(ctx, models.BackupSession{ID: "expired", UserID: "u1", Step: models.StepSelectHabit,
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)})
	st.ReplaceBackupSession(ctx, models.BackupSession{ID: "live", UserID: "u2", Step: models.StepSelectHabit,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour)})
	st.RecordInbound(ctx, "SM1", "+15551230001")

	h := NewHousekeeper(st, time.Hour)
	h.now = func() time.Time { return now }

	sessions, dedup := h.RunOnce(ctx)
	if sessions != 1 || dedup != 0 {
		t.Errorf("expected 1 session and 0 dedup rows removed, got %d and %d", sessions, dedup)
	}
	if st.CountBackupSessions("u2") != 1 {
		t.Error("live session must survive")
	}

	h.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, dedup := h.RunOnce(ctx); dedup != 1 {
		t.Errorf("expected stale dedup row purged, got %d", dedup)
	}
	if fresh, _ := st.RecordInbound(ctx, "SM1", "+15551230001"); !fresh {
		t.Error("purged message ID should be accepted again")
	}
}

type failingPurger struct{ calls int }

func (f *failingPurger) DeleteExpiredBackupSessions(ctx context.Context, now time.Time) (int64, error) {
	f.calls++
	return 0, errors.New("db down")
}

func (f *failingPurger) PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	return 0, errors.New("db down")
}

func TestHousekeeperContinuesAfterError(t *testing.T) {
	p := &failingPurger{}
	NewHousekeeper(p, 0).RunOnce(context.Background())
	if p.calls != 2 {
		t.Errorf("expected both sweeps attempted, got %d calls", p.calls)
	}
}
