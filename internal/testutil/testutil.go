// Package testutil provides seeding and HTTP helpers shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/habitkit/smsagent/internal/models"
	"github.com/habitkit/smsagent/internal/store"
)

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// SeedProfile stores p and fails the test on error.
func SeedProfile(t *testing.T, s store.Seeder, p models.Profile) {
	t.Helper()
	if err := s.UpsertProfile(context.Background(), p); err != nil {
		t.Fatalf("failed to seed profile %s: %v", p.ID, err)
	}
}

// SeedHabit schedules habit on the given weekdays. A nil target seeds a boolean habit.
func SeedHabit(t *testing.T, s store.Seeder, userID, habit string, weekdays []int, target *float64, unit string) {
	t.Helper()
	ctx := context.Background()
	for _, wd := range weekdays {
		row := models.ScheduleRow{UserID: userID, HabitName: habit, Weekday: wd}
		if err := s.InsertScheduleRow(ctx, row); err != nil {
			t.Fatalf("failed to seed schedule row for %s: %v", habit, err)
		}
	}
	cfg := models.TrackingConfig{UserID: userID, HabitName: habit, Enabled: true, TrackingType: models.TrackingTypeBoolean}
	if target != nil {
		cfg.TrackingType = models.TrackingTypeMetric
		cfg.Target = target
		cfg.Unit = unit
	}
	if err := s.UpsertTrackingConfig(ctx, cfg); err != nil {
		t.Fatalf("failed to seed tracking config for %s: %v", habit, err)
	}
}

// WebhookRequest builds a form-encoded Twilio webhook POST.
func WebhookRequest(t *testing.T, path string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if response.Status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, response.Status)
	}
	return response
}
