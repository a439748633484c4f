package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/habitkit/smsagent/internal/plan"
)

const (
	confirmSuffix      = "Sound good? (Y/N)"
	replyYesNoMessage  = "Please reply Y or N."
	noHabitsMessage    = "You don't have any habits scheduled right now, so there's nothing to scale back. Add one in the app and text BACKUP any time."
	troubleMessage     = "Sorry, I had trouble updating your plan. Please try again by texting BACKUP."
	restartMessage     = "Sorry, something went wrong with our conversation. Text BACKUP to start over."
	nudgeReplyMessage  = "Reply Y to keep a tiny version, or N to remove it from your plan."
	customExampleWithN = `"15 oz, 3x/week"`
	customExampleDays  = `"3x/week"`
)

// formatAmount renders "9 miles", or "" when there is no target.
func formatAmount(target *float64, unit string) string {
	if target == nil {
		return ""
	}
	s := plan.FormatNumber(*target)
	if unit != "" {
		s += " " + unit
	}
	return s
}

// formatPlan renders "9 miles, 6x/week" or "6x/week".
func formatPlan(target *float64, unit string, days int) string {
	freq := fmt.Sprintf("%dx/week", days)
	if amount := formatAmount(target, unit); amount != "" {
		return amount + ", " + freq
	}
	return freq
}

func greeting(firstName string) string {
	if firstName == "" {
		return "Hi!"
	}
	return "Hi " + firstName + "!"
}

func habitListMessage(firstName string, habits []HabitSummary) string {
	var b strings.Builder
	b.WriteString(greeting(firstName))
	b.WriteString(" Which habit would you like to scale back?\n")
	b.WriteString(habitList(habits))
	b.WriteString("\nReply with the number or name.")
	return b.String()
}

func habitList(habits []HabitSummary) string {
	lines := make([]string, len(habits))
	for i, h := range habits {
		lines[i] = fmt.Sprintf("%d. %s (%s)", i+1, h.Name, formatPlan(h.Target, h.Unit, h.DaysPerWeek))
	}
	return strings.Join(lines, "\n")
}

func noMatchMessage(habits []HabitSummary) string {
	return "I couldn't match that to one of your habits. Reply with a number from the list:\n" + habitList(habits)
}

func fallbackSuggestionMessage(firstName, habit string, currentTarget *float64, unit string, currentDays int, target *float64, days int) string {
	return fmt.Sprintf("%s Let's make %s easier to keep up. Instead of %s, how about %s? Small wins keep the streak alive. %s",
		greeting(firstName), habit, formatPlan(currentTarget, unit, currentDays), formatPlan(target, unit, days), confirmSuffix)
}

func customPromptMessage(h HabitSummary) string {
	example := customExampleWithN
	ask := "an amount and how many days a week"
	if h.Target == nil {
		example = customExampleDays
		ask = "how many days a week"
	}
	return fmt.Sprintf("No problem. What would feel doable for %s? Reply with %s, like %s.", h.Name, ask, example)
}

// CustomClarifyMessage is sent when free-text numbers could not be understood.
func CustomClarifyMessage(h HabitSummary) string {
	example := customExampleWithN
	if h.Target == nil {
		example = customExampleDays
	}
	return fmt.Sprintf("Sorry, I couldn't read that. Reply with your new plan for %s, like %s.", h.Name, example)
}

func nudgeMessage(h HabitSummary, minimalTarget *float64, minimalDays int) string {
	return fmt.Sprintf("Before you drop %s, what about a tiny version: %s? Keeping a small habit is easier than restarting one. %s",
		h.Name, formatPlan(minimalTarget, h.Unit, minimalDays), nudgeReplyMessage)
}

func removedMessage(habit string) string {
	return fmt.Sprintf("Okay, %s is off your plan. You can add it back any time, or text BACKUP to adjust another habit.", habit)
}

var weekdayAbbrev = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

func committedMessage(habit string, target *float64, unit string, keptDays []int) string {
	names := make([]string, 0, len(keptDays))
	for _, d := range keptDays {
		if d >= int(time.Sunday) && d <= int(time.Saturday) {
			names = append(names, weekdayAbbrev[d])
		}
	}
	msg := fmt.Sprintf("Done! %s is now %s", habit, formatPlan(target, unit, len(keptDays)))
	if len(names) > 0 {
		msg += " (" + strings.Join(names, ", ") + ")"
	}
	return msg + ". Consistency beats intensity. You've got this!"
}
