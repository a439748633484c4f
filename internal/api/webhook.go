package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/habitkit/smsagent/internal/crisis"
	"github.com/habitkit/smsagent/internal/flow"
	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/metrics"
	"github.com/habitkit/smsagent/internal/models"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// HelpMessage answers the HELP keyword.
const HelpMessage = "Habit coach: text BACKUP to scale back a habit when life gets busy. Reply STOP to unsubscribe. Msg&data rates may apply."

// inbound is one message moving through the dispatch chain.
type inbound struct {
	msg     models.InboundMessage
	phone   string
	profile *models.Profile
}

func (in *inbound) sendOpts() []messaging.SendOption {
	if in.profile == nil {
		return nil
	}
	return []messaging.SendOption{messaging.WithUser(in.profile.ID, in.profile.FullName())}
}

// route is one guarded step of the dispatch chain. The first matching route handles the message.
type route struct {
	name   string
	match  func(ctx context.Context, in *inbound) bool
	handle func(ctx context.Context, in *inbound) error
}

func keyword(body string) string {
	return strings.ToUpper(strings.TrimSpace(body))
}

func (s *Server) dispatchRoutes() []route {
	return []route{
		{
			name:  "crisis",
			match: func(ctx context.Context, in *inbound) bool { return crisis.IsCrisis(in.msg.Body) },
			handle: func(ctx context.Context, in *inbound) error {
				s.deps.Crisis.Respond(ctx, in.phone, in.sendOpts()...)
				return nil
			},
		},
		{
			name: "stop",
			match: func(ctx context.Context, in *inbound) bool {
				k := keyword(in.msg.Body)
				return k == "STOP" || k == "UNSUBSCRIBE"
			},
			handle: func(ctx context.Context, in *inbound) error {
				if in.profile == nil {
					slog.Info("Server.dispatch: opt-out from unknown number", "phone", in.phone)
					return nil
				}
				return s.deps.Store.SetSMSOptIn(ctx, in.profile.ID, false)
			},
		},
		{
			name:  "help",
			match: func(ctx context.Context, in *inbound) bool { return keyword(in.msg.Body) == "HELP" },
			handle: func(ctx context.Context, in *inbound) error {
				s.deps.Sender.Send(ctx, in.phone, HelpMessage, in.sendOpts()...)
				return nil
			},
		},
		{
			name: "backup",
			match: func(ctx context.Context, in *inbound) bool {
				if in.profile == nil {
					return false
				}
				if flow.IsTrigger(in.msg.Body) {
					return true
				}
				live, err := s.deps.Dialogue.HasLiveSession(ctx, in.profile.ID)
				if err != nil {
					slog.Error("Server.dispatch: session lookup failed", "userID", in.profile.ID, "error", err)
					return false
				}
				return live
			},
			handle: func(ctx context.Context, in *inbound) error {
				return s.deps.Dialogue.Handle(ctx, *in.profile, in.msg.Body)
			},
		},
		{
			name:  "habit_confirmation",
			match: func(ctx context.Context, in *inbound) bool { return true },
			handle: func(ctx context.Context, in *inbound) error {
				return s.deps.Confirmations.Respond(ctx, in.profile, in.msg)
			},
		},
	}
}

// requestURL rebuilds the URL Twilio signed when no public URL is configured.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.Validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		url := s.opts.WebhookURL
		if url == "" {
			url = requestURL(r)
		}
		if !s.opts.Validator.Validate(url, params, r.Header.Get(twilioSignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: invalid Twilio signature", "url", url, "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg := models.InboundMessage{
		From:      r.PostForm.Get("From"),
		To:        r.PostForm.Get("To"),
		Body:      r.PostForm.Get("Body"),
		MessageID: r.PostForm.Get("MessageSid"),
	}
	if msg.MessageID == "" {
		msg.MessageID = r.PostForm.Get("SmsMessageSid")
	}

	writeTwiMLAck(w)

	if msg.From == "" {
		slog.Warn("Server.twilioWebhookHandler: webhook missing From", "messageID", msg.MessageID)
		return
	}
	slog.Debug("Server.twilioWebhookHandler: inbound message", "from", msg.From, "messageID", msg.MessageID, "body", msg.Body)

	phone, err := messaging.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: unusable sender", "from", msg.From, "error", err)
		phone = msg.From
	}

	// The queue place is taken here, in arrival order, before any goroutine runs.
	t := s.queue.Enqueue(phone)
	base := context.WithoutCancel(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.Done()
		t.Wait()
		ctx, cancel := context.WithTimeout(base, s.opts.ProcessTimeout)
		defer cancel()
		s.process(ctx, msg, phone)
	}()
}

// process runs one inbound message through dedup, logging and the dispatch chain. The
// caller holds the phone's queue turn.
func (s *Server) process(ctx context.Context, msg models.InboundMessage, phone string) {
	start := time.Now()
	defer func() { metrics.WebhookDuration.Observe(time.Since(start).Seconds()) }()

	if msg.MessageID != "" {
		fresh, err := s.deps.Store.RecordInbound(ctx, msg.MessageID, phone)
		if err != nil {
			slog.Error("Server.process: dedup record failed, processing anyway", "messageID", msg.MessageID, "error", err)
		} else if !fresh {
			metrics.InboundMessages.WithLabelValues("duplicate").Inc()
			slog.Info("Server.process: duplicate webhook ignored", "messageID", msg.MessageID, "phone", phone)
			return
		}
	}

	in := &inbound{msg: msg, phone: phone}
	profile, err := s.deps.Store.GetProfileByPhone(ctx, phone)
	if err != nil {
		slog.Error("Server.process: profile lookup failed", "phone", phone, "error", err)
	}
	in.profile = profile

	if s.opts.LogInbound {
		entry := models.MessageLog{
			Direction:  models.DirectionInbound,
			Phone:      phone,
			Body:       msg.Body,
			ProviderID: msg.MessageID,
			Status:     models.MessageStatusReceived,
			CreatedAt:  time.Now(),
		}
		if profile != nil {
			entry.UserID = profile.ID
			entry.UserName = profile.FullName()
		}
		if err := s.deps.Store.InsertMessageLog(ctx, entry); err != nil {
			slog.Error("Server.process: failed to log inbound message", "phone", phone, "error", err)
		}
	}

	for _, rt := range s.routes {
		if !rt.match(ctx, in) {
			continue
		}
		metrics.InboundMessages.WithLabelValues(rt.name).Inc()
		slog.Debug("Server.process: dispatching", "route", rt.name, "phone", phone)
		if err := rt.handle(ctx, in); err != nil {
			slog.Error("Server.process: handler failed", "route", rt.name, "phone", phone, "error", err)
		}
		break
	}

	if msg.MessageID != "" {
		if err := s.deps.Store.MarkProcessed(ctx, msg.MessageID); err != nil {
			slog.Error("Server.process: failed to mark processed", "messageID", msg.MessageID, "error", err)
		}
	}
}
