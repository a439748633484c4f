package messaging

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var nonDigitRegex = regexp.MustCompile(`\D`)

// ValidateAndCanonicalizeRecipient normalizes a phone number to E.164. Formatting characters
// and an "sms:" scheme are stripped; bare 10-digit numbers are treated as North American.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	trimmed := strings.TrimSpace(recipient)
	trimmed = strings.TrimPrefix(trimmed, "sms:")
	if trimmed == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}

	digits := nonDigitRegex.ReplaceAllString(trimmed, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if !strings.HasPrefix(trimmed, "+") && len(digits) == 10 {
		digits = "1" + digits
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number: %q must have 8 to 15 digits", recipient)
	}

	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("ValidateAndCanonicalizeRecipient: canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
