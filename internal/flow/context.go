package flow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/habitkit/smsagent/internal/models"
)

// ErrCorruptSession is returned when a stored session has an unknown step or a context
// that does not fit its step.
var ErrCorruptSession = errors.New("corrupt backup session")

// HabitSummary is one habit as presented in the numbered list.
type HabitSummary struct {
	Name        string   `json:"name"`
	DaysPerWeek int      `json:"days_per_week"`
	Weekdays    []int    `json:"weekdays,omitempty"`
	Target      *float64 `json:"target,omitempty"`
	Unit        string   `json:"unit,omitempty"`
}

// StepContext is the typed payload of one session step.
type StepContext interface {
	Step() models.BackupStep
	validate() error
}

// SelectHabitContext holds the list the user is choosing from.
type SelectHabitContext struct {
	Habits []HabitSummary `json:"habits"`
}

func (SelectHabitContext) Step() models.BackupStep { return models.StepSelectHabit }

func (c SelectHabitContext) validate() error {
	if len(c.Habits) == 0 {
		return fmt.Errorf("%w: select_habit without habits", ErrCorruptSession)
	}
	return validateHabits(c.Habits)
}

// ConfirmContext holds the selected habit and the suggestion awaiting Y/N.
type ConfirmContext struct {
	Habits          []HabitSummary `json:"habits"`
	Habit           HabitSummary   `json:"habit"`
	SuggestedTarget *float64       `json:"suggested_target,omitempty"`
	SuggestedDays   int            `json:"suggested_days"`
	Reasoning       string         `json:"reasoning,omitempty"`
}

func (ConfirmContext) Step() models.BackupStep { return models.StepConfirm }

func (c ConfirmContext) validate() error {
	if c.Habit.Name == "" {
		return fmt.Errorf("%w: confirm without habit", ErrCorruptSession)
	}
	if c.SuggestedDays < 1 || c.SuggestedDays > 7 {
		return fmt.Errorf("%w: confirm with suggested days %d", ErrCorruptSession, c.SuggestedDays)
	}
	return validateHabits(c.Habits)
}

// CustomContext is waiting for the user's own numbers.
type CustomContext struct {
	Habits []HabitSummary `json:"habits"`
	Habit  HabitSummary   `json:"habit"`
}

func (CustomContext) Step() models.BackupStep { return models.StepCustom }

func (c CustomContext) validate() error {
	if c.Habit.Name == "" {
		return fmt.Errorf("%w: custom without habit", ErrCorruptSession)
	}
	return validateHabits(c.Habits)
}

// NudgeContext holds the minimal plan offered before removal.
type NudgeContext struct {
	Habit         HabitSummary `json:"habit"`
	MinimalTarget *float64     `json:"minimal_target,omitempty"`
	MinimalDays   int          `json:"minimal_days"`
}

func (NudgeContext) Step() models.BackupStep { return models.StepNudgeSkip }

func (c NudgeContext) validate() error {
	if c.Habit.Name == "" {
		return fmt.Errorf("%w: nudge without habit", ErrCorruptSession)
	}
	if c.MinimalDays < 1 {
		return fmt.Errorf("%w: nudge with minimal days %d", ErrCorruptSession, c.MinimalDays)
	}
	return nil
}

func validateHabits(habits []HabitSummary) error {
	for i, h := range habits {
		if h.Name == "" {
			return fmt.Errorf("%w: habit %d has no name", ErrCorruptSession, i+1)
		}
	}
	return nil
}

// EncodeContext serializes c for storage.
func EncodeContext(c StepContext) (json.RawMessage, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s context: %w", c.Step(), err)
	}
	return raw, nil
}

// DecodeContext parses a stored context according to step and validates its shape.
func DecodeContext(step models.BackupStep, raw json.RawMessage) (StepContext, error) {
	var (
		c   StepContext
		err error
	)
	switch step {
	case models.StepSelectHabit:
		var v SelectHabitContext
		err = json.Unmarshal(raw, &v)
		c = v
	case models.StepConfirm:
		var v ConfirmContext
		err = json.Unmarshal(raw, &v)
		c = v
	case models.StepCustom:
		var v CustomContext
		err = json.Unmarshal(raw, &v)
		c = v
	case models.StepNudgeSkip:
		var v NudgeContext
		err = json.Unmarshal(raw, &v)
		c = v
	default:
		return nil, fmt.Errorf("%w: unknown step %q", ErrCorruptSession, step)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s context: %v", ErrCorruptSession, step, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}
