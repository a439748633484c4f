package flow

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	triggerRegex = regexp.MustCompile(`(?i)^\s*backup\b`)
	skipRegex    = regexp.MustCompile(`(?i)\b(skip|cancel|remove|drop|delete|quit)\b|\bdon'?t\s+want\b|\bdo\s+not\s+want\b|\btake\s+it\s+off\b`)
	wordRegex    = regexp.MustCompile(`[\p{L}\p{N}']+`)

	yesWords = map[string]bool{"y": true, "yes": true, "yeah": true, "yep": true, "sure": true, "ok": true, "okay": true, "👍": true}
	noWords  = map[string]bool{"n": true, "no": true, "nope": true, "nah": true, "👎": true}
)

// minSharedWordLen is the shortest word that counts as naming a habit on its own.
const minSharedWordLen = 4

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IsTrigger reports whether text starts or restarts the backup conversation.
func IsTrigger(text string) bool {
	return triggerRegex.MatchString(text)
}

// IsYes matches the fixed affirmative vocabulary exactly.
func IsYes(text string) bool {
	return yesWords[normalize(text)]
}

// IsNo matches the fixed negative vocabulary exactly.
func IsNo(text string) bool {
	return noWords[normalize(text)]
}

// IsSkip reports whether text asks to drop the habit altogether.
func IsSkip(text string) bool {
	return skipRegex.MatchString(text)
}

// MatchHabit resolves a select_habit reply: list number first, then exact name, then
// substring containment in either direction.
func MatchHabit(reply string, habits []HabitSummary) (int, bool) {
	r := normalize(reply)
	if r == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(r, ".")); err == nil {
		if n >= 1 && n <= len(habits) {
			return n - 1, true
		}
		return 0, false
	}
	for i, h := range habits {
		if normalize(h.Name) == r {
			return i, true
		}
	}
	for i, h := range habits {
		name := normalize(h.Name)
		if strings.Contains(name, r) || strings.Contains(r, name) {
			return i, true
		}
	}
	return 0, false
}

// DetectHabitSwitch finds a habit other than current that the reply names, either by
// containing the whole name as consecutive words or by sharing a word of at least
// minSharedWordLen letters. Words that also occur in current's name do not count.
func DetectHabitSwitch(reply string, habits []HabitSummary, current string) (int, bool) {
	r := normalize(reply)
	if r == "" {
		return 0, false
	}
	tokens := wordRegex.FindAllString(r, -1)

	currentWords := make(map[string]bool)
	for _, w := range wordRegex.FindAllString(normalize(current), -1) {
		currentWords[w] = true
	}
	replyWords := make(map[string]bool)
	for _, w := range tokens {
		if len([]rune(w)) >= minSharedWordLen && !currentWords[w] {
			replyWords[w] = true
		}
	}

	for i, h := range habits {
		name := normalize(h.Name)
		if name == normalize(current) {
			continue
		}
		nameWords := wordRegex.FindAllString(name, -1)
		if containsRun(tokens, nameWords) {
			return i, true
		}
		for _, w := range nameWords {
			if replyWords[w] {
				return i, true
			}
		}
	}
	return 0, false
}

// containsRun reports whether words appears in tokens as a consecutive sequence.
func containsRun(tokens, words []string) bool {
	if len(words) == 0 || len(words) > len(tokens) {
		return false
	}
	for i := 0; i+len(words) <= len(tokens); i++ {
		match := true
		for j, w := range words {
			if tokens[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
