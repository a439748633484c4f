package flow

import "testing"

func TestYesNoVocabulary(t *testing.T) {
	for _, s := range []string{"y", "YES", " yeah ", "Yep", "sure", "ok", "Okay", "👍"} {
		if !IsYes(s) {
			t.Errorf("IsYes(%q) = false", s)
		}
	}
	for _, s := range []string{"n", "No", "nope", "NAH", "👎"} {
		if !IsNo(s) {
			t.Errorf("IsNo(%q) = false", s)
		}
	}
	for _, s := range []string{"yes please", "yess", "no way", "k", "y!"} {
		if IsYes(s) || IsNo(s) {
			t.Errorf("%q must not match the fixed vocabulary", s)
		}
	}
}

func TestIsTrigger(t *testing.T) {
	tests := map[string]bool{
		"BACKUP":            true,
		"backup":            true,
		"  Backup plan pls": true,
		"backups":           false,
		"need a backup":     false,
	}
	for text, want := range tests {
		if got := IsTrigger(text); got != want {
			t.Errorf("IsTrigger(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestIsSkip(t *testing.T) {
	for _, s := range []string{"skip it", "Cancel", "remove this habit", "just drop it", "I don't want to do it", "dont want it", "take it off"} {
		if !IsSkip(s) {
			t.Errorf("IsSkip(%q) = false", s)
		}
	}
	for _, s := range []string{"15 oz, 3x/week", "2 days", "dropping by later"} {
		if IsSkip(s) {
			t.Errorf("IsSkip(%q) = true", s)
		}
	}
}

func TestMatchHabit(t *testing.T) {
	habits := []HabitSummary{{Name: "Drink water"}, {Name: "Run"}, {Name: "10-minute meditation"}}
	tests := []struct {
		reply string
		want  int
		ok    bool
	}{
		{"1", 0, true},
		{"3.", 2, true},
		{"4", 0, false},
		{"0", 0, false},
		{"RUN", 1, true},
		{"water", 0, true},
		{"the 10-minute meditation habit", 2, true},
		{"swimming", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := MatchHabit(tt.reply, habits)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("MatchHabit(%q) = %d, %v; want %d, %v", tt.reply, got, ok, tt.want, tt.ok)
		}
	}
}

func TestMatchHabit_OrdinalBeforeName(t *testing.T) {
	habits := []HabitSummary{{Name: "Walk 2 miles"}, {Name: "2"}}
	got, ok := MatchHabit("2", habits)
	if !ok || got != 1 {
		t.Errorf("expected ordinal 2 to select the second habit, got %d, %v", got, ok)
	}
}

func TestDetectHabitSwitch(t *testing.T) {
	habits := []HabitSummary{{Name: "Drink water"}, {Name: "Run"}, {Name: "Evening meditation"}}
	tests := []struct {
		reply string
		want  int
		ok    bool
	}{
		{"can we do run instead", 1, true},
		{"meditation is the hard one", 2, true},
		{"15 oz, 3x/week", 0, false},
		{"more water please", 0, false},
		{"evening", 2, true},
		{"even less", 0, false},
	}
	for _, tt := range tests {
		got, ok := DetectHabitSwitch(tt.reply, habits, "Drink water")
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("DetectHabitSwitch(%q) = %d, %v; want %d, %v", tt.reply, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDetectHabitSwitchIgnoresCurrentHabitWords(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		habits  []HabitSummary
		current string
		want    int
		ok      bool
	}{
		{"shared unit word", "10 pages, 3x/week", []HabitSummary{{Name: "Read 20 pages"}, {Name: "Write 2 pages"}}, "Read 20 pages", 0, false},
		{"name inside another word", "already doing 15 oz, 3x/week", []HabitSummary{{Name: "Drink water"}, {Name: "Read"}}, "Drink water", 0, false},
		{"distinct word still switches", "actually the write one", []HabitSummary{{Name: "Read 20 pages"}, {Name: "Write 2 pages"}}, "Read 20 pages", 1, true},
		{"short name as a word", "let's do read instead", []HabitSummary{{Name: "Drink water"}, {Name: "Read"}}, "Drink water", 1, true},
		{"multi-word name", "switch to evening walk please", []HabitSummary{{Name: "Run"}, {Name: "Evening walk"}}, "Run", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectHabitSwitch(tt.reply, tt.habits, tt.current)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("DetectHabitSwitch(%q) = %d, %v; want %d, %v", tt.reply, got, ok, tt.want, tt.ok)
			}
		})
	}
}
