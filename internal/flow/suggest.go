package flow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/habitkit/smsagent/internal/metrics"
)

// SuggestionRequest describes the habit a reduction is proposed for.
type SuggestionRequest struct {
	HabitName     string
	CurrentTarget *float64
	CurrentUnit   string
	CurrentDays   int
	FirstName     string
}

// Suggestion is a proposed reduction and the SMS that presents it.
type Suggestion struct {
	Message         string
	SuggestedTarget *float64
	SuggestedDays   int
	Reasoning       string
}

// CustomRequest carries a free-text reply with the habit it refers to.
type CustomRequest struct {
	Text          string
	HabitName     string
	CurrentTarget *float64
	CurrentUnit   string
	CurrentDays   int
}

// CustomParse is the result of reading the user's own numbers. Message is the clarifying
// question to send when Valid is false.
type CustomParse struct {
	Valid   bool
	Target  *float64
	Days    int
	Message string
}

// Suggester produces reductions and parses custom replies. Implementations never fail;
// they degrade to deterministic answers instead.
type Suggester interface {
	Suggest(ctx context.Context, req SuggestionRequest) Suggestion
	ParseCustom(ctx context.Context, req CustomRequest) CustomParse
}

// FallbackSuggester computes suggestions from a fixed formula and never parses free text.
type FallbackSuggester struct{}

// Suggest proposes a third of the target and half the days (at least two), never exceeding
// the current values.
func (FallbackSuggester) Suggest(ctx context.Context, req SuggestionRequest) Suggestion {
	metrics.Suggestions.WithLabelValues("fallback").Inc()
	target := fallbackTarget(req.CurrentTarget)
	days := fallbackDays(req.CurrentDays)
	return Suggestion{
		Message:         fallbackSuggestionMessage(req.FirstName, req.HabitName, req.CurrentTarget, req.CurrentUnit, req.CurrentDays, target, days),
		SuggestedTarget: target,
		SuggestedDays:   days,
		Reasoning:       "Scaled back to about a third of the target and half the days so the habit stays doable.",
	}
}

// ParseCustom always asks for a structured answer.
func (FallbackSuggester) ParseCustom(ctx context.Context, req CustomRequest) CustomParse {
	return CustomParse{Message: CustomClarifyMessage(HabitSummary{Name: req.HabitName, Target: req.CurrentTarget})}
}

func fallbackTarget(current *float64) *float64 {
	if current == nil {
		return nil
	}
	t := math.Round(*current / 3)
	if floor := math.Min(1, *current); t < floor {
		t = floor
	}
	if t > *current {
		t = *current
	}
	return &t
}

func fallbackDays(current int) int {
	d := int(math.Round(float64(current) / 2))
	if d < 2 {
		d = 2
	}
	if d > current {
		d = current
	}
	return d
}

// MinimalPlan is the tiny version offered before a habit is removed: a fifth of the target
// (at least 1) once a week.
func MinimalPlan(current *float64) (*float64, int) {
	if current == nil {
		return nil, 1
	}
	t := math.Max(1, math.Round(*current/5))
	return &t, 1
}

// TextGenerator returns a JSON completion decoded into out.
type TextGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error
}

// AISuggester asks a text generator first and falls back to FallbackSuggester on any error
// or out-of-range answer.
type AISuggester struct {
	gen      TextGenerator
	fallback FallbackSuggester
}

func NewAISuggester(gen TextGenerator) *AISuggester {
	return &AISuggester{gen: gen}
}

const suggestSystemPrompt = `You are a supportive habit coach replying by SMS. The user wants to scale back a habit.
Propose a smaller target (lower than current) and fewer days per week (lower than current, at least 1).
Respond with only a JSON object:
{"message": "<SMS under 300 characters that names the habit, proposes the reduction and ends with 'Sound good? (Y/N)'>",
 "suggested_target": <number or null if the habit has no target>,
 "suggested_days": <integer>,
 "reasoning": "<one sentence>"}`

const parseSystemPrompt = `You extract a habit plan from a user's SMS reply.
Find the new target amount and the number of days per week. "3x/week", "3 times a week" and "three days" all mean 3 days.
Respond with only a JSON object:
{"valid": <true only if you are confident about the days, and about the target when the habit has one>,
 "target": <number or null>,
 "days": <integer 1-7 or null>,
 "message": "<if not valid, a short clarifying question with an example like '15 oz, 3x/week'>"}`

type aiSuggestion struct {
	Message         string   `json:"message"`
	SuggestedTarget *float64 `json:"suggested_target"`
	SuggestedDays   *int     `json:"suggested_days"`
	Reasoning       string   `json:"reasoning"`
}

type aiCustomParse struct {
	Valid   bool     `json:"valid"`
	Target  *float64 `json:"target"`
	Days    *int     `json:"days"`
	Message string   `json:"message"`
}

func describeHabit(name string, target *float64, unit string, days int) string {
	return fmt.Sprintf("Habit: %s\nCurrent plan: %s", name, formatPlan(target, unit, days))
}

func (s *AISuggester) Suggest(ctx context.Context, req SuggestionRequest) Suggestion {
	if s.gen == nil {
		return s.fallback.Suggest(ctx, req)
	}
	user := describeHabit(req.HabitName, req.CurrentTarget, req.CurrentUnit, req.CurrentDays)
	if req.FirstName != "" {
		user += "\nFirst name: " + req.FirstName
	}
	var out aiSuggestion
	if err := s.gen.GenerateJSON(ctx, suggestSystemPrompt, user, &out); err != nil {
		slog.Warn("AISuggester.Suggest: generation failed, using fallback", "habit", req.HabitName, "error", err)
		return s.fallback.Suggest(ctx, req)
	}
	sug, err := out.validate(req)
	if err != nil {
		slog.Warn("AISuggester.Suggest: malformed suggestion, using fallback", "habit", req.HabitName, "error", err)
		return s.fallback.Suggest(ctx, req)
	}
	metrics.Suggestions.WithLabelValues("ai").Inc()
	return sug
}

func (a aiSuggestion) validate(req SuggestionRequest) (Suggestion, error) {
	if strings.TrimSpace(a.Message) == "" {
		return Suggestion{}, fmt.Errorf("empty message")
	}
	if a.SuggestedDays == nil || *a.SuggestedDays < 1 || *a.SuggestedDays > req.CurrentDays {
		return Suggestion{}, fmt.Errorf("suggested days out of range")
	}
	var target *float64
	if req.CurrentTarget != nil {
		if a.SuggestedTarget == nil || *a.SuggestedTarget <= 0 || *a.SuggestedTarget > *req.CurrentTarget {
			return Suggestion{}, fmt.Errorf("suggested target out of range")
		}
		t := *a.SuggestedTarget
		target = &t
	}
	msg := strings.TrimSpace(a.Message)
	if !strings.HasSuffix(msg, confirmSuffix) {
		msg += " " + confirmSuffix
	}
	return Suggestion{Message: msg, SuggestedTarget: target, SuggestedDays: *a.SuggestedDays, Reasoning: a.Reasoning}, nil
}

func (s *AISuggester) ParseCustom(ctx context.Context, req CustomRequest) CustomParse {
	if s.gen == nil {
		return s.fallback.ParseCustom(ctx, req)
	}
	user := describeHabit(req.HabitName, req.CurrentTarget, req.CurrentUnit, req.CurrentDays) + "\nReply: " + req.Text
	var out aiCustomParse
	if err := s.gen.GenerateJSON(ctx, parseSystemPrompt, user, &out); err != nil {
		slog.Warn("AISuggester.ParseCustom: generation failed, using fallback", "habit", req.HabitName, "error", err)
		return s.fallback.ParseCustom(ctx, req)
	}
	clarify := strings.TrimSpace(out.Message)
	if clarify == "" {
		clarify = CustomClarifyMessage(HabitSummary{Name: req.HabitName, Target: req.CurrentTarget})
	}
	if !out.Valid || out.Days == nil || *out.Days < 1 || *out.Days > 7 {
		return CustomParse{Message: clarify}
	}
	parsed := CustomParse{Valid: true, Days: *out.Days}
	if req.CurrentTarget != nil {
		if out.Target == nil || *out.Target <= 0 {
			return CustomParse{Message: clarify}
		}
		t := *out.Target
		parsed.Target = &t
	}
	slog.Debug("AISuggester.ParseCustom: parsed", "habit", req.HabitName, "target", formatAmount(parsed.Target, req.CurrentUnit), "days", parsed.Days)
	return parsed
}

