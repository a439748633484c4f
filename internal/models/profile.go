package models

import "strings"

// Profile identifies a person reachable over SMS. The core only reads profiles,
// except for the opt-out flag flipped by the STOP keyword.
type Profile struct {
	ID        string `json:"id"`
	Phone     string `json:"phone"` // E.164
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	SMSOptIn  bool   `json:"sms_opt_in"`
}

// FullName joins first and last name, skipping empty parts.
func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// ScheduleRow is one weekly-schedule row. A habit active on three weekdays has three rows
// sharing the same HabitName.
type ScheduleRow struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	HabitName string `json:"habit_name"`
	Weekday   int    `json:"weekday"` // 0 = Sunday ... 6 = Saturday
}

// TrackingType describes how a habit's completion is recorded.
type TrackingType string

const (
	TrackingTypeBoolean TrackingType = "boolean"
	TrackingTypeMetric  TrackingType = "metric"
)

// TrackingConfig holds per-user, per-habit tracking settings.
type TrackingConfig struct {
	UserID       string       `json:"user_id"`
	HabitName    string       `json:"habit_name"`
	Enabled      bool         `json:"enabled"`
	TrackingType TrackingType `json:"tracking_type"`
	Unit         string       `json:"unit,omitempty"`
	Target       *float64     `json:"target,omitempty"`
}

// HabitEntry is a recorded completion of a habit on a given date.
type HabitEntry struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	HabitName string   `json:"habit_name"`
	EntryDate string   `json:"entry_date"` // YYYY-MM-DD
	Value     *float64 `json:"value,omitempty"`
}
