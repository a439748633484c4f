package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/habitkit/smsagent/internal/models"
	"github.com/twilio/twilio-go/client"
)

type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type memoryLog struct {
	entries []models.MessageLog
	err     error
}

func (m *memoryLog) InsertMessageLog(ctx context.Context, entry models.MessageLog) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func rateLimited() error {
	return fmt.Errorf("twilio create message: %w", &client.TwilioRestError{Status: 429, Code: 20429, Message: "Too Many Requests"})
}

func TestDeliverer_SendSuccess(t *testing.T) {
	carrier := NewMockCarrier()
	log := &memoryLog{}
	d := NewDeliverer(carrier, WithMessageLog(log))

	res := d.Send(context.Background(), "+15551234567", "hello", WithUser("u1", "Sam Lee"))
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID == "" {
		t.Error("expected carrier message ID")
	}
	if len(log.entries) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(log.entries))
	}
	entry := log.entries[0]
	if entry.Direction != models.DirectionOutbound || entry.Status != models.MessageStatusSent || entry.UserID != "u1" || entry.UserName != "Sam Lee" {
		t.Errorf("unexpected log entry: %+v", entry)
	}
}

func TestDeliverer_RetriesRateLimitWithBackoff(t *testing.T) {
	carrier := NewMockCarrier()
	carrier.Errors = []error{rateLimited(), rateLimited()}
	sleeper := &recordingSleep{}
	d := NewDeliverer(carrier, WithSleep(sleeper.sleep))

	res := d.Send(context.Background(), "+15551234567", "hello")
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(sleeper.delays) != fmt.Sprint(want) {
		t.Errorf("expected delays %v, got %v", want, sleeper.delays)
	}
}

func TestDeliverer_NetworkErrorsExhaustRetries(t *testing.T) {
	carrier := NewMockCarrier()
	netErr := errors.New("dial tcp: connection refused")
	carrier.Errors = []error{netErr, netErr, netErr, netErr, netErr}
	sleeper := &recordingSleep{}
	log := &memoryLog{}
	d := NewDeliverer(carrier, WithSleep(sleeper.sleep), WithMessageLog(log))

	res := d.Send(context.Background(), "+15551234567", "hello")
	if res.Success {
		t.Fatal("expected failure")
	}
	if carrier.Attempts != 4 {
		t.Errorf("expected 4 carrier calls (maxRetries+1), got %d", carrier.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if fmt.Sprint(sleeper.delays) != fmt.Sprint(want) {
		t.Errorf("expected delays %v, got %v", want, sleeper.delays)
	}
	if !strings.Contains(res.Error, "connection refused") {
		t.Errorf("expected last error in result, got %q", res.Error)
	}
	if len(log.entries) != 1 || log.entries[0].Status != models.MessageStatusFailed {
		t.Errorf("expected one failed log row, got %+v", log.entries)
	}
}

func TestDeliverer_NonRetryableFailsImmediately(t *testing.T) {
	carrier := NewMockCarrier()
	carrier.Errors = []error{&client.TwilioRestError{Status: 400, Code: 21211, Message: "Invalid 'To' Phone Number"}}
	sleeper := &recordingSleep{}
	d := NewDeliverer(carrier, WithSleep(sleeper.sleep))

	res := d.Send(context.Background(), "+15551234567", "hello")
	if res.Success {
		t.Fatal("expected failure")
	}
	if carrier.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", carrier.Attempts)
	}
	if len(sleeper.delays) != 0 {
		t.Errorf("expected no backoff, got %v", sleeper.delays)
	}
}

func TestDeliverer_LogFailureDoesNotFailSend(t *testing.T) {
	carrier := NewMockCarrier()
	d := NewDeliverer(carrier, WithMessageLog(&memoryLog{err: errors.New("disk full")}))

	res := d.Send(context.Background(), "+15551234567", "hello")
	if !res.Success {
		t.Fatalf("log failure must not fail the send: %+v", res)
	}
}

func TestDeliverer_CancelledDuringBackoff(t *testing.T) {
	carrier := NewMockCarrier()
	carrier.Errors = []error{rateLimited(), rateLimited()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDeliverer(carrier)

	res := d.Send(ctx, "+15551234567", "hello")
	if res.Success {
		t.Fatal("expected failure on cancelled context")
	}
	if carrier.Attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", carrier.Attempts)
	}
}

func TestDeliverer_InvalidRecipient(t *testing.T) {
	carrier := NewMockCarrier()
	d := NewDeliverer(carrier)
	res := d.Send(context.Background(), "abc", "hello")
	if res.Success || res.Error == "" {
		t.Errorf("expected structured failure, got %+v", res)
	}
	if carrier.Attempts != 0 {
		t.Errorf("carrier should not be called, got %d attempts", carrier.Attempts)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RetryClass
	}{
		{"rate limit", rateLimited(), RetryClassRetryable},
		{"auth failure", &client.TwilioRestError{Status: 401, Code: 20003}, RetryClassNonRetryable},
		{"server error", &client.TwilioRestError{Status: 500}, RetryClassNonRetryable},
		{"network", errors.New("i/o timeout"), RetryClassRetryable},
		{"sentinel", fmt.Errorf("wrapped: %w", ErrNonRetryable), RetryClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateAndCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+15551234567", "+15551234567", false},
		{"(555) 123-4567", "+15551234567", false},
		{"sms:+44 20 7946 0958", "+442079460958", false},
		{"", "", true},
		{"hello", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewTwilioCarrierRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioCarrier(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioCarrier(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewTwilioCarrier(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550001111"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromNumber != "+15550001111" {
		t.Errorf("unexpected from number %q", c.fromNumber)
	}
}
