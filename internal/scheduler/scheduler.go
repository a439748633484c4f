// Package scheduler runs periodic maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHousekeepingSpec sweeps expired state every fifteen minutes.
const DefaultHousekeepingSpec = "*/15 * * * *"

// DefaultDedupRetention is how long inbound message IDs are remembered.
const DefaultDedupRetention = 7 * 24 * time.Hour

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow); a panicking job must not stop the loop.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Purger is the storage surface the housekeeping job sweeps.
type Purger interface {
	DeleteExpiredBackupSessions(ctx context.Context, now time.Time) (int64, error)
	PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Housekeeper deletes expired backup sessions and stale dedup records.
type Housekeeper struct {
	store     Purger
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// NewHousekeeper builds a Housekeeper. A non-positive retention uses DefaultDedupRetention.
func NewHousekeeper(store Purger, retention time.Duration) *Housekeeper {
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &Housekeeper{store: store, retention: retention, timeout: time.Minute, now: time.Now}
}

// Register schedules the sweep on s.
func (h *Housekeeper) Register(s *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultHousekeepingSpec
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		h.RunOnce(ctx)
	})
}

// RunOnce performs a single sweep and reports how many rows were removed.
func (h *Housekeeper) RunOnce(ctx context.Context) (sessions, dedup int64) {
	now := h.now()

	sessions, err := h.store.DeleteExpiredBackupSessions(ctx, now)
	if err != nil {
		slog.Error("Housekeeper.RunOnce: failed to delete expired sessions", "error", err)
	}
	dedup, err = h.store.PurgeDedupBefore(ctx, now.Add(-h.retention))
	if err != nil {
		slog.Error("Housekeeper.RunOnce: failed to purge dedup records", "error", err)
	}
	if sessions > 0 || dedup > 0 {
		slog.Info("Housekeeper.RunOnce: sweep complete", "sessions", sessions, "dedup", dedup)
	}
	return sessions, dedup
}
