// Package plan applies agreed backup-plan changes to a user's stored habit schedule and
// tracking configuration, and records each change in the audit log.
//
// Steps run in a fixed order: target update, day pruning, rename propagation, audit log.
// A failing step stops the sequence; earlier steps are not rolled back.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/habitkit/smsagent/internal/models"
)

// Store is the persistence surface the planner mutates.
type Store interface {
	ListHabitScheduleRows(ctx context.Context, userID, habitName string) ([]models.ScheduleRow, error)
	DeleteScheduleRows(ctx context.Context, ids []string) error
	DeleteHabitSchedules(ctx context.Context, userID, habitName string) error
	UpdateTrackingTarget(ctx context.Context, userID, habitName string, target float64) error
	DisableTracking(ctx context.Context, userID, habitName string) error
	RenameHabit(ctx context.Context, userID, oldName, newName string) error
	InsertBackupPlanLog(ctx context.Context, entry models.BackupPlanLog) error
}

// Change describes a reduction the user agreed to.
type Change struct {
	UserID         string
	HabitName      string
	NewTarget      *float64
	NewDays        int
	OriginalTarget *float64
	OriginalUnit   string
	OriginalDays   int
	Reasoning      string
}

// Result reports what Apply left in place.
type Result struct {
	KeptDays     []int
	NewHabitName string
	ChangeType   models.ChangeType
}

// Planner applies plan changes.
type Planner struct {
	store Store
	now   func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithClock sets the source of "today" used for weekday selection. Today is the clock's
// weekday in the clock's own location; profiles carry no time zone, so the default clock
// uses the server's local zone.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func NewPlanner(st Store, opts ...Option) *Planner {
	p := &Planner{store: st, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply commits c. It returns an error naming the first step that failed.
func (p *Planner) Apply(ctx context.Context, c Change) (Result, error) {
	result := Result{NewHabitName: c.HabitName}
	targetChanged := c.NewTarget != nil && (c.OriginalTarget == nil || *c.NewTarget != *c.OriginalTarget)

	if targetChanged {
		if err := p.store.UpdateTrackingTarget(ctx, c.UserID, c.HabitName, *c.NewTarget); err != nil {
			slog.Error("Planner.Apply: target update failed", "userID", c.UserID, "habit", c.HabitName, "error", err)
			return result, fmt.Errorf("update target: %w", err)
		}
	}

	rows, err := p.store.ListHabitScheduleRows(ctx, c.UserID, c.HabitName)
	if err != nil {
		return result, fmt.Errorf("list schedule rows: %w", err)
	}
	originalWeekdays := weekdaysOf(rows)
	kept := rows
	daysReduced := false
	if c.NewDays > 0 && c.NewDays < c.OriginalDays && c.NewDays < len(originalWeekdays) {
		var drop []models.ScheduleRow
		kept, drop = SelectNearestDays(rows, c.NewDays, p.now().Weekday())
		ids := make([]string, len(drop))
		for i, r := range drop {
			ids[i] = r.ID
		}
		if err := p.store.DeleteScheduleRows(ctx, ids); err != nil {
			slog.Error("Planner.Apply: day pruning failed", "userID", c.UserID, "habit", c.HabitName, "error", err)
			return result, fmt.Errorf("prune schedule rows: %w", err)
		}
		daysReduced = true
	}
	result.KeptDays = weekdaysOf(kept)

	if targetChanged && c.OriginalTarget != nil {
		if renamed, ok := RenameForTarget(c.HabitName, *c.OriginalTarget, *c.NewTarget); ok {
			if err := p.store.RenameHabit(ctx, c.UserID, c.HabitName, renamed); err != nil {
				slog.Error("Planner.Apply: rename failed", "userID", c.UserID, "habit", c.HabitName, "to", renamed, "error", err)
				return result, fmt.Errorf("rename habit: %w", err)
			}
			result.NewHabitName = renamed
		}
	}

	result.ChangeType = classify(targetChanged, daysReduced)
	newTarget := c.OriginalTarget
	if targetChanged {
		newTarget = c.NewTarget
	}
	entry := models.BackupPlanLog{
		ID:         uuid.NewString(),
		UserID:     c.UserID,
		HabitName:  c.HabitName,
		ChangeType: result.ChangeType,
		OriginalValue: models.PlanSnapshot{
			HabitName:   c.HabitName,
			Target:      c.OriginalTarget,
			Unit:        c.OriginalUnit,
			DaysPerWeek: c.OriginalDays,
			Weekdays:    originalWeekdays,
		},
		NewValue: models.PlanSnapshot{
			HabitName:   result.NewHabitName,
			Target:      newTarget,
			Unit:        c.OriginalUnit,
			DaysPerWeek: len(result.KeptDays),
			Weekdays:    result.KeptDays,
		},
		Reasoning: c.Reasoning,
		CreatedAt: p.now(),
	}
	if err := p.store.InsertBackupPlanLog(ctx, entry); err != nil {
		slog.Error("Planner.Apply: audit log failed", "userID", c.UserID, "habit", c.HabitName, "error", err)
		return result, fmt.Errorf("insert audit log: %w", err)
	}

	slog.Info("Planner.Apply: plan updated", "userID", c.UserID, "habit", c.HabitName,
		"changeType", result.ChangeType, "keptDays", result.KeptDays, "newName", result.NewHabitName)
	return result, nil
}

// Remove deletes every schedule row for the habit, disables its tracking and writes a
// remove audit entry.
func (p *Planner) Remove(ctx context.Context, userID, habitName string, original models.PlanSnapshot, reasoning string) error {
	if err := p.store.DeleteHabitSchedules(ctx, userID, habitName); err != nil {
		return fmt.Errorf("delete schedules: %w", err)
	}
	if err := p.store.DisableTracking(ctx, userID, habitName); err != nil {
		return fmt.Errorf("disable tracking: %w", err)
	}
	original.HabitName = habitName
	entry := models.BackupPlanLog{
		ID:            uuid.NewString(),
		UserID:        userID,
		HabitName:     habitName,
		ChangeType:    models.ChangeRemove,
		OriginalValue: original,
		NewValue:      models.PlanSnapshot{HabitName: habitName, Unit: original.Unit, Removed: true},
		Reasoning:     reasoning,
		CreatedAt:     p.now(),
	}
	if err := p.store.InsertBackupPlanLog(ctx, entry); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	slog.Info("Planner.Remove: habit removed", "userID", userID, "habit", habitName)
	return nil
}

func classify(targetChanged, daysReduced bool) models.ChangeType {
	switch {
	case targetChanged && daysReduced:
		return models.ChangeBoth
	case daysReduced:
		return models.ChangeReduceDays
	default:
		return models.ChangeReduceTarget
	}
}

// circularDistance is the number of days between two weekdays going either way round the week.
func circularDistance(a, b int) int {
	d := (a - b + 7) % 7
	if 7-d < d {
		return 7 - d
	}
	return d
}

// SelectNearestDays keeps one row for each of the n distinct weekdays circularly closest to
// today. Ties keep the order rows were given in. Extra rows for a kept weekday are dropped.
func SelectNearestDays(rows []models.ScheduleRow, n int, today time.Weekday) (keep, drop []models.ScheduleRow) {
	seen := make(map[int]bool, len(rows))
	var unique []models.ScheduleRow
	for _, r := range rows {
		if seen[r.Weekday] {
			drop = append(drop, r)
			continue
		}
		seen[r.Weekday] = true
		unique = append(unique, r)
	}

	t := int(today)
	sort.SliceStable(unique, func(i, j int) bool {
		return circularDistance(unique[i].Weekday, t) < circularDistance(unique[j].Weekday, t)
	})
	if n > len(unique) {
		n = len(unique)
	}
	return unique[:n], append(unique[n:], drop...)
}

// RenameForTarget rewrites a leading numeric target in a habit name, e.g. "10-minute walk"
// becomes "5-minute walk". The number must be followed by a space or hyphen.
func RenameForTarget(habitName string, oldTarget, newTarget float64) (string, bool) {
	if oldTarget == newTarget {
		return habitName, false
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(FormatNumber(oldTarget)) + `([ -])`)
	loc := re.FindStringSubmatchIndex(habitName)
	if loc == nil {
		return habitName, false
	}
	renamed := habitName[:loc[0]] + FormatNumber(newTarget) + habitName[loc[2]:loc[3]] + habitName[loc[1]:]
	return renamed, true
}

// FormatNumber renders a target without trailing zeros.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// weekdaysOf returns the distinct weekdays of rows in ascending order.
func weekdaysOf(rows []models.ScheduleRow) []int {
	seen := make(map[int]bool, len(rows))
	days := make([]int, 0, len(rows))
	for _, r := range rows {
		if !seen[r.Weekday] {
			seen[r.Weekday] = true
			days = append(days, r.Weekday)
		}
	}
	sort.Ints(days)
	return days
}
