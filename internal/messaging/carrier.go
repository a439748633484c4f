// Package messaging is the outbound delivery layer: a Twilio SMS carrier client and a
// Deliverer that wraps it with bounded retry and optional message logging.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Carrier sends a single SMS through a provider. It performs exactly one attempt.
type Carrier interface {
	Send(ctx context.Context, to string, body string) (CarrierResponse, error)
}

// CarrierResponse is what the provider reported for an accepted message.
type CarrierResponse struct {
	SID    string
	Status string
}

// Opts holds configuration options for the Twilio SMS carrier.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS carrier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID used for basic auth.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token used for basic auth.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// TwilioCarrier wraps the Twilio REST API for plain SMS.
type TwilioCarrier struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioCarrier builds a carrier from options, falling back to TWILIO_* environment variables.
func NewTwilioCarrier(opts ...Option) (*TwilioCarrier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio carrier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioCarrier{client: client, fromNumber: cfg.FromNumber}, nil
}

// Send posts one message to the Twilio Messages resource.
func (c *TwilioCarrier) Send(ctx context.Context, to string, body string) (CarrierResponse, error) {
	if err := ctx.Err(); err != nil {
		return CarrierResponse{}, err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return CarrierResponse{}, fmt.Errorf("twilio create message to %s: %w", to, err)
	}

	var out CarrierResponse
	if resp.Sid != nil {
		out.SID = *resp.Sid
	}
	if resp.Status != nil {
		out.Status = *resp.Status
	}
	slog.Debug("TwilioCarrier.Send: accepted", "to", to, "sid", out.SID, "status", out.Status)
	return out, nil
}

// MockCarrier records sends instead of calling a provider. Errors, when set, are returned
// in order for successive calls; a nil entry means that call succeeds.
type MockCarrier struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Errors       []error
	Attempts     int
}

// SentMessage is one message accepted by MockCarrier.
type SentMessage struct {
	To   string
	Body string
}

func NewMockCarrier() *MockCarrier {
	return &MockCarrier{SentMessages: []SentMessage{}}
}

func (m *MockCarrier) Send(ctx context.Context, to string, body string) (CarrierResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.Attempts
	m.Attempts++
	if call < len(m.Errors) && m.Errors[call] != nil {
		return CarrierResponse{}, m.Errors[call]
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	slog.Info("MockCarrier.Send: message recorded", "to", to, "length", len(body))
	return CarrierResponse{SID: fmt.Sprintf("SM-mock-%d", len(m.SentMessages)), Status: "queued"}, nil
}

// Messages returns a copy of the recorded messages.
func (m *MockCarrier) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// BodiesTo returns the bodies sent to one recipient, in order.
func (m *MockCarrier) BodiesTo(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.SentMessages {
		if msg.To == to {
			out = append(out, msg.Body)
		}
	}
	return out
}
