// Package flow implements the backup-plan conversation: a state machine that helps a user
// scale back one habit over a series of SMS replies.
//
// Steps: select_habit -> confirm -> (committed | custom); custom -> (confirm | nudge_skip |
// committed); nudge_skip -> (committed | removed). Terminal outcomes delete the session.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/metrics"
	"github.com/habitkit/smsagent/internal/models"
	"github.com/habitkit/smsagent/internal/plan"
)

// HabitSource lists a user's scheduled habits.
type HabitSource interface {
	ListScheduleRows(ctx context.Context, userID string) ([]models.ScheduleRow, error)
	ListTrackingConfigs(ctx context.Context, userID string) ([]models.TrackingConfig, error)
}

// Planner commits agreed changes.
type Planner interface {
	Apply(ctx context.Context, c plan.Change) (plan.Result, error)
	Remove(ctx context.Context, userID, habitName string, original models.PlanSnapshot, reasoning string) error
}

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, to string, body string, opts ...messaging.SendOption) messaging.SendResult
}

// Engine drives the backup-plan conversation.
type Engine struct {
	sessions  *SessionManager
	habits    HabitSource
	suggester Suggester
	planner   Planner
	sender    Sender
}

func NewEngine(sessions *SessionManager, habits HabitSource, suggester Suggester, planner Planner, sender Sender) *Engine {
	return &Engine{sessions: sessions, habits: habits, suggester: suggester, planner: planner, sender: sender}
}

// HasLiveSession reports whether the user is mid-conversation.
func (e *Engine) HasLiveSession(ctx context.Context, userID string) (bool, error) {
	sess, err := e.sessions.GetLive(ctx, userID)
	if err != nil {
		return false, err
	}
	return sess != nil, nil
}

// Handle processes one inbound message from user. A trigger keyword always restarts the
// conversation; without a live session any message starts a new one.
func (e *Engine) Handle(ctx context.Context, user models.Profile, text string) error {
	if IsTrigger(text) {
		return e.start(ctx, user)
	}

	sess, err := e.sessions.GetLive(ctx, user.ID)
	if err != nil {
		return err
	}
	if sess == nil {
		slog.Debug("Engine.Handle: no live session, starting fresh", "userID", user.ID)
		return e.start(ctx, user)
	}

	stepCtx, err := DecodeContext(sess.Step, sess.Context)
	if err != nil {
		return e.abandonCorrupt(ctx, user, sess, err)
	}
	slog.Debug("Engine.Handle: dispatching", "userID", user.ID, "step", sess.Step)

	switch c := stepCtx.(type) {
	case SelectHabitContext:
		return e.handleSelect(ctx, user, sess, c, text)
	case ConfirmContext:
		return e.handleConfirm(ctx, user, sess, c, text)
	case CustomContext:
		return e.handleCustom(ctx, user, sess, c, text)
	case NudgeContext:
		return e.handleNudge(ctx, user, sess, c, text)
	default:
		return e.abandonCorrupt(ctx, user, sess, fmt.Errorf("%w: unhandled step %q", ErrCorruptSession, sess.Step))
	}
}

func (e *Engine) reply(ctx context.Context, user models.Profile, body string) {
	res := e.sender.Send(ctx, user.Phone, body, messaging.WithUser(user.ID, user.FullName()))
	if !res.Success {
		slog.Error("Engine.reply: delivery failed", "userID", user.ID, "phone", user.Phone, "error", res.Error)
	}
}

func (e *Engine) start(ctx context.Context, user models.Profile) error {
	habits, err := e.listHabits(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(habits) == 0 {
		slog.Info("Engine.start: user has no scheduled habits", "userID", user.ID)
		e.reply(ctx, user, noHabitsMessage)
		return nil
	}
	if _, err := e.sessions.StartNew(ctx, user.ID, SelectHabitContext{Habits: habits}); err != nil {
		return err
	}
	e.reply(ctx, user, habitListMessage(user.FirstName, habits))
	return nil
}

// listHabits groups schedule rows by habit name and joins each with its tracking config.
func (e *Engine) listHabits(ctx context.Context, userID string) ([]HabitSummary, error) {
	rows, err := e.habits.ListScheduleRows(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list schedule rows: %w", err)
	}
	configs, err := e.habits.ListTrackingConfigs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list tracking configs: %w", err)
	}
	byName := make(map[string]models.TrackingConfig, len(configs))
	for _, c := range configs {
		byName[c.HabitName] = c
	}

	var habits []HabitSummary
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.HabitName]
		if !ok {
			i = len(habits)
			index[r.HabitName] = i
			h := HabitSummary{Name: r.HabitName}
			if c, ok := byName[r.HabitName]; ok && c.Enabled && c.TrackingType == models.TrackingTypeMetric && c.Target != nil {
				t := *c.Target
				h.Target = &t
				h.Unit = c.Unit
			}
			habits = append(habits, h)
		}
		if !containsInt(habits[i].Weekdays, r.Weekday) {
			habits[i].Weekdays = append(habits[i].Weekdays, r.Weekday)
			habits[i].DaysPerWeek++
		}
	}
	return habits, nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (e *Engine) handleSelect(ctx context.Context, user models.Profile, sess *models.BackupSession, c SelectHabitContext, text string) error {
	i, ok := MatchHabit(text, c.Habits)
	if !ok {
		e.reply(ctx, user, noMatchMessage(c.Habits))
		return nil
	}
	return e.suggestFor(ctx, user, sess, c.Habits, c.Habits[i])
}

func (e *Engine) suggestFor(ctx context.Context, user models.Profile, sess *models.BackupSession, habits []HabitSummary, h HabitSummary) error {
	sug := e.suggester.Suggest(ctx, SuggestionRequest{
		HabitName:     h.Name,
		CurrentTarget: h.Target,
		CurrentUnit:   h.Unit,
		CurrentDays:   h.DaysPerWeek,
		FirstName:     user.FirstName,
	})
	next := ConfirmContext{
		Habits:          habits,
		Habit:           h,
		SuggestedTarget: sug.SuggestedTarget,
		SuggestedDays:   sug.SuggestedDays,
		Reasoning:       sug.Reasoning,
	}
	if err := e.sessions.Advance(ctx, sess.ID, next); err != nil {
		return err
	}
	e.reply(ctx, user, sug.Message)
	return nil
}

func (e *Engine) handleConfirm(ctx context.Context, user models.Profile, sess *models.BackupSession, c ConfirmContext, text string) error {
	switch {
	case IsYes(text):
		e.commit(ctx, user, sess, c.Habit, c.SuggestedTarget, c.SuggestedDays, c.Reasoning)
		return nil
	case IsNo(text):
		if err := e.sessions.Advance(ctx, sess.ID, CustomContext{Habits: c.Habits, Habit: c.Habit}); err != nil {
			return err
		}
		e.reply(ctx, user, customPromptMessage(c.Habit))
		return nil
	default:
		e.reply(ctx, user, replyYesNoMessage)
		return nil
	}
}

func (e *Engine) handleCustom(ctx context.Context, user models.Profile, sess *models.BackupSession, c CustomContext, text string) error {
	if i, ok := DetectHabitSwitch(text, c.Habits, c.Habit.Name); ok {
		slog.Info("Engine.handleCustom: switching habit", "userID", user.ID, "from", c.Habit.Name, "to", c.Habits[i].Name)
		return e.suggestFor(ctx, user, sess, c.Habits, c.Habits[i])
	}
	if IsSkip(text) {
		target, days := MinimalPlan(c.Habit.Target)
		if err := e.sessions.Advance(ctx, sess.ID, NudgeContext{Habit: c.Habit, MinimalTarget: target, MinimalDays: days}); err != nil {
			return err
		}
		e.reply(ctx, user, nudgeMessage(c.Habit, target, days))
		return nil
	}

	parsed := e.suggester.ParseCustom(ctx, CustomRequest{
		Text:          text,
		HabitName:     c.Habit.Name,
		CurrentTarget: c.Habit.Target,
		CurrentUnit:   c.Habit.Unit,
		CurrentDays:   c.Habit.DaysPerWeek,
	})
	if !parsed.Valid {
		e.reply(ctx, user, parsed.Message)
		return nil
	}
	e.commit(ctx, user, sess, c.Habit, parsed.Target, parsed.Days, "User-specified plan: "+strings.TrimSpace(text))
	return nil
}

func (e *Engine) handleNudge(ctx context.Context, user models.Profile, sess *models.BackupSession, c NudgeContext, text string) error {
	switch {
	case IsYes(text):
		e.commit(ctx, user, sess, c.Habit, c.MinimalTarget, c.MinimalDays, "Kept a minimal version instead of removing the habit.")
		return nil
	case IsNo(text):
		e.remove(ctx, user, sess, c.Habit)
		return nil
	default:
		e.reply(ctx, user, nudgeReplyMessage)
		return nil
	}
}

// commit applies the change and ends the session whether or not the change succeeded.
func (e *Engine) commit(ctx context.Context, user models.Profile, sess *models.BackupSession, h HabitSummary, target *float64, days int, reasoning string) {
	res, err := e.planner.Apply(ctx, plan.Change{
		UserID:         user.ID,
		HabitName:      h.Name,
		NewTarget:      target,
		NewDays:        days,
		OriginalTarget: h.Target,
		OriginalUnit:   h.Unit,
		OriginalDays:   h.DaysPerWeek,
		Reasoning:      reasoning,
	})
	if endErr := e.sessions.End(ctx, sess.ID); endErr != nil {
		slog.Error("Engine.commit: failed to end session", "userID", user.ID, "sessionID", sess.ID, "error", endErr)
	}
	if err != nil {
		metrics.DialogueOutcomes.WithLabelValues("commit_failed").Inc()
		slog.Error("Engine.commit: plan update failed", "userID", user.ID, "habit", h.Name, "error", err)
		e.reply(ctx, user, troubleMessage)
		return
	}
	metrics.DialogueOutcomes.WithLabelValues("committed").Inc()
	shown := target
	if shown == nil {
		shown = h.Target
	}
	e.reply(ctx, user, committedMessage(res.NewHabitName, shown, h.Unit, res.KeptDays))
}

func (e *Engine) remove(ctx context.Context, user models.Profile, sess *models.BackupSession, h HabitSummary) {
	original := models.PlanSnapshot{HabitName: h.Name, Target: h.Target, Unit: h.Unit, DaysPerWeek: h.DaysPerWeek, Weekdays: h.Weekdays}
	err := e.planner.Remove(ctx, user.ID, h.Name, original, "User declined a minimal version and removed the habit.")
	if endErr := e.sessions.End(ctx, sess.ID); endErr != nil {
		slog.Error("Engine.remove: failed to end session", "userID", user.ID, "sessionID", sess.ID, "error", endErr)
	}
	if err != nil {
		metrics.DialogueOutcomes.WithLabelValues("commit_failed").Inc()
		slog.Error("Engine.remove: removal failed", "userID", user.ID, "habit", h.Name, "error", err)
		e.reply(ctx, user, troubleMessage)
		return
	}
	metrics.DialogueOutcomes.WithLabelValues("removed").Inc()
	e.reply(ctx, user, removedMessage(h.Name))
}

func (e *Engine) abandonCorrupt(ctx context.Context, user models.Profile, sess *models.BackupSession, cause error) error {
	metrics.DialogueOutcomes.WithLabelValues("corrupt_session").Inc()
	slog.Error("Engine.Handle: corrupt session, deleting", "userID", user.ID, "sessionID", sess.ID, "step", sess.Step, "error", cause)
	if err := e.sessions.End(ctx, sess.ID); err != nil {
		return errors.Join(cause, err)
	}
	e.reply(ctx, user, restartMessage)
	return nil
}
