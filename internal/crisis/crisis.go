// Package crisis detects self-harm and suicide risk language in inbound messages and answers
// it with a fixed safety response that bypasses all other processing.
package crisis

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/metrics"
)

// SafetyMessage is sent verbatim whenever a crisis pattern matches.
const SafetyMessage = "It sounds like you might be going through something really hard. You don't have to face it alone. " +
	"Call or text 988 (Suicide & Crisis Lifeline) any time, or text HOME to 741741 to reach the Crisis Text Line. " +
	"If you are in immediate danger, call 911."

// patterns are matched case-insensitively against the whole message.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(kill|hurt|harm|cut)(ing)?\s+(my\s*self|myself)\b`),
	regexp.MustCompile(`(?i)\bsuicid(e|al)\b`),
	regexp.MustCompile(`(?i)\b(want|going|plan(ning)?|ready)\s+to\s+(die|end\s+it(\s+all)?|end\s+my\s+life)\b`),
	regexp.MustCompile(`(?i)\bend(ing)?\s+(it\s+all|my\s+life)\b`),
	regexp.MustCompile(`(?i)\btake\s+my\s+(own\s+)?life\b`),
	regexp.MustCompile(`(?i)\b(overdos(e|ed|ing)|od\s+on)\b`),
	regexp.MustCompile(`(?i)\b(took|take|swallow(ed)?)\s+(all\s+)?(the|my)\s+(pills|meds)\b`),
	regexp.MustCompile(`(?i)\bno\s+(reason|point)\s+(to|in)\s+(live|living|go(ing)?\s+on)\b`),
	regexp.MustCompile(`(?i)\b(better\s+off\s+dead|wish\s+i\s+(was|were)\s+dead|don'?t\s+want\s+to\s+(live|be\s+alive|exist))\b`),
	regexp.MustCompile(`(?i)\b(can'?t|cannot)\s+go\s+on\b`),
	regexp.MustCompile(`(?i)\bself[\s-]?harm(ing)?\b`),
}

// IsCrisis reports whether text matches any risk pattern.
func IsCrisis(text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Sender is the part of the delivery layer the filter needs.
type Sender interface {
	Send(ctx context.Context, to string, body string, opts ...messaging.SendOption) messaging.SendResult
}

// Responder sends the safety message.
type Responder struct {
	sender Sender
}

func NewResponder(sender Sender) *Responder {
	return &Responder{sender: sender}
}

// Respond sends SafetyMessage to phone. It never touches conversation state.
func (r *Responder) Respond(ctx context.Context, phone string, opts ...messaging.SendOption) messaging.SendResult {
	metrics.CrisisInterceptions.Inc()
	slog.Warn("Responder.Respond: crisis language detected, sending safety message", "phone", phone)
	res := r.sender.Send(ctx, phone, SafetyMessage, opts...)
	if !res.Success {
		slog.Error("Responder.Respond: safety message delivery failed", "phone", phone, "error", res.Error)
	}
	return res
}
