package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitkit/smsagent/internal/metrics"
	"github.com/habitkit/smsagent/internal/models"
)

// RetryPolicy bounds carrier retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	Multiplier   float64
}

// DefaultRetryPolicy waits 1s, 2s and 4s between four attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	Multiplier:   2,
}

// Delay returns the wait before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// SendResult is the outcome of Deliverer.Send. Failures are reported here, never as errors.
type SendResult struct {
	Success   bool
	MessageID string
	Status    string
	Error     string
	Attempts  int
}

// MessageLogger persists message log rows.
type MessageLogger interface {
	InsertMessageLog(ctx context.Context, entry models.MessageLog) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deliverer sends outbound SMS through a Carrier with bounded retry.
type Deliverer struct {
	carrier Carrier
	policy  RetryPolicy
	logger  MessageLogger
	sleep   SleepFunc
}

// DelivererOption configures a Deliverer.
type DelivererOption func(*Deliverer)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) DelivererOption {
	return func(d *Deliverer) { d.policy = p }
}

// WithMessageLog records one log row per send outcome.
func WithMessageLog(logger MessageLogger) DelivererOption {
	return func(d *Deliverer) { d.logger = logger }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep SleepFunc) DelivererOption {
	return func(d *Deliverer) { d.sleep = sleep }
}

// NewDeliverer creates a Deliverer around carrier.
func NewDeliverer(carrier Carrier, opts ...DelivererOption) *Deliverer {
	d := &Deliverer{carrier: carrier, policy: DefaultRetryPolicy, sleep: contextSleep}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type sendOptions struct {
	userID   string
	userName string
}

// SendOption attaches metadata to a single send.
type SendOption func(*sendOptions)

// WithUser associates the message log row with a known user.
func WithUser(userID, userName string) SendOption {
	return func(o *sendOptions) {
		o.userID = userID
		o.userName = userName
	}
}

// Send delivers body to the recipient. Rate limits and network failures are retried per the
// policy; other carrier errors fail immediately. It makes at most MaxRetries+1 carrier calls.
func (d *Deliverer) Send(ctx context.Context, to string, body string, opts ...SendOption) SendResult {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	canonical, err := ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("Deliverer.Send: invalid recipient", "to", to, "error", err)
		result := SendResult{Error: err.Error()}
		metrics.OutboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
		d.record(ctx, to, body, so, result)
		return result
	}

	result := d.attempt(ctx, canonical, body)
	d.record(ctx, canonical, body, so, result)
	return result
}

func (d *Deliverer) attempt(ctx context.Context, to, body string) SendResult {
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := d.carrier.Send(ctx, to, body)
		if err == nil {
			metrics.DeliveryAttempts.WithLabelValues("ok").Inc()
			metrics.OutboundMessages.WithLabelValues(metrics.OutcomeSent).Inc()
			slog.Debug("Deliverer.Send: delivered", "to", to, "sid", resp.SID, "attempts", attempt+1)
			return SendResult{Success: true, MessageID: resp.SID, Status: resp.Status, Attempts: attempt + 1}
		}
		lastErr = err

		if ClassifyError(err) == RetryClassNonRetryable {
			metrics.DeliveryAttempts.WithLabelValues("non_retryable").Inc()
			metrics.OutboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
			slog.Error("Deliverer.Send: non-retryable failure", "to", to, "error", err)
			return SendResult{Error: err.Error(), Attempts: attempt + 1}
		}
		metrics.DeliveryAttempts.WithLabelValues("retryable").Inc()

		if attempt >= d.policy.MaxRetries {
			break
		}
		delay := d.policy.Delay(attempt)
		slog.Warn("Deliverer.Send: retrying", "to", to, "attempt", attempt+1, "delay", delay, "error", err)
		if err := d.sleep(ctx, delay); err != nil {
			lastErr = fmt.Errorf("retry wait interrupted: %w", errors.Join(err, lastErr))
			metrics.OutboundMessages.WithLabelValues(metrics.OutcomeFailed).Inc()
			return SendResult{Error: lastErr.Error(), Attempts: attempt + 1}
		}
	}

	metrics.OutboundMessages.WithLabelValues(metrics.OutcomeExhausted).Inc()
	slog.Error("Deliverer.Send: retries exhausted", "to", to, "maxRetries", d.policy.MaxRetries, "error", lastErr)
	return SendResult{
		Error:    fmt.Sprintf("failed after %d attempts: %v", d.policy.MaxRetries+1, lastErr),
		Attempts: d.policy.MaxRetries + 1,
	}
}

// record writes the outcome to the message log. Failures are logged and swallowed.
func (d *Deliverer) record(ctx context.Context, to, body string, so sendOptions, result SendResult) {
	if d.logger == nil {
		return
	}
	entry := models.MessageLog{
		Direction:    models.DirectionOutbound,
		Phone:        to,
		Body:         body,
		UserID:       so.userID,
		UserName:     so.userName,
		ProviderID:   result.MessageID,
		Status:       models.MessageStatusSent,
		ErrorMessage: result.Error,
		CreatedAt:    time.Now(),
	}
	if !result.Success {
		entry.Status = models.MessageStatusFailed
	}
	if err := d.logger.InsertMessageLog(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("Deliverer.Send: failed to write message log", "to", to, "error", err)
	}
}
