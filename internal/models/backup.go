package models

import (
	"encoding/json"
	"time"
)

// BackupStep is the current state of a backup-plan conversation.
type BackupStep string

// Live steps. Committed and removed outcomes are terminal and never persisted.
const (
	StepSelectHabit BackupStep = "select_habit"
	StepConfirm     BackupStep = "confirm"
	StepCustom      BackupStep = "custom"
	StepNudgeSkip   BackupStep = "nudge_skip"
)

// IsValid reports whether s is a step a live session may be in.
func (s BackupStep) IsValid() bool {
	switch s {
	case StepSelectHabit, StepConfirm, StepCustom, StepNudgeSkip:
		return true
	default:
		return false
	}
}

// BackupSession is the persisted conversation state for one user.
// Context holds the step-specific payload as JSON; the flow package decodes it
// into a typed shape for the step.
type BackupSession struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Step      BackupStep      `json:"step"`
	Context   json.RawMessage `json:"context"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// IsLive reports whether the session has not yet expired at now.
func (s BackupSession) IsLive(now time.Time) bool {
	return s.ExpiresAt.After(now)
}

// ChangeType classifies a committed backup-plan mutation.
type ChangeType string

const (
	ChangeReduceTarget ChangeType = "reduce_target"
	ChangeReduceDays   ChangeType = "reduce_days"
	ChangeBoth         ChangeType = "both"
	ChangeRemove       ChangeType = "remove"
)

// PlanSnapshot captures a habit's plan before or after a change.
type PlanSnapshot struct {
	HabitName   string   `json:"habit_name,omitempty"`
	Target      *float64 `json:"target,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	DaysPerWeek int      `json:"days_per_week"`
	Weekdays    []int    `json:"weekdays,omitempty"`
	Removed     bool     `json:"removed,omitempty"`
}

// BackupPlanLog is the immutable audit record written once per committed mutation.
type BackupPlanLog struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	HabitName     string       `json:"habit_name"`
	ChangeType    ChangeType   `json:"change_type"`
	OriginalValue PlanSnapshot `json:"original_value"`
	NewValue      PlanSnapshot `json:"new_value"`
	Reasoning     string       `json:"reasoning"`
	CreatedAt     time.Time    `json:"created_at"`
}
