// Package api is the inbound side of the SMS agent: the Twilio webhook, its dispatch chain,
// and the health, status and metrics endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/models"
)

// Store is the persistence the router needs.
type Store interface {
	GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error)
	SetSMSOptIn(ctx context.Context, userID string, optIn bool) error
	InsertMessageLog(ctx context.Context, entry models.MessageLog) error
	RecordInbound(ctx context.Context, messageID, participantID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	Ping(ctx context.Context) error
}

// Dialogue is the backup-plan conversation engine.
type Dialogue interface {
	Handle(ctx context.Context, user models.Profile, text string) error
	HasLiveSession(ctx context.Context, userID string) (bool, error)
}

// CrisisResponder sends the crisis safety message.
type CrisisResponder interface {
	Respond(ctx context.Context, phone string, opts ...messaging.SendOption) messaging.SendResult
}

// Sender delivers outbound SMS.
type Sender interface {
	Send(ctx context.Context, to string, body string, opts ...messaging.SendOption) messaging.SendResult
}

// HabitConfirmationResponder handles messages no other route claims, such as replies to
// daily habit check-ins.
type HabitConfirmationResponder interface {
	Respond(ctx context.Context, profile *models.Profile, msg models.InboundMessage) error
}

// NoopConfirmationResponder logs and drops the message.
type NoopConfirmationResponder struct{}

func (NoopConfirmationResponder) Respond(ctx context.Context, profile *models.Profile, msg models.InboundMessage) error {
	userID := ""
	if profile != nil {
		userID = profile.ID
	}
	slog.Info("NoopConfirmationResponder.Respond: unhandled inbound message", "from", msg.From, "userID", userID, "length", len(msg.Body))
	return nil
}

// SignatureValidator checks the X-Twilio-Signature of a webhook request.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// Deps are the collaborators of Server.
type Deps struct {
	Store         Store
	Dialogue      Dialogue
	Crisis        CrisisResponder
	Sender        Sender
	Confirmations HabitConfirmationResponder
}

// Opts holds optional Server settings.
type Opts struct {
	Validator      SignatureValidator
	WebhookURL     string
	LogInbound     bool
	ProcessTimeout time.Duration
}

// Option configures a Server.
type Option func(*Opts)

// WithSignatureValidator enables webhook authentication. Without it requests are accepted
// with a warning.
func WithSignatureValidator(v SignatureValidator) Option {
	return func(o *Opts) { o.Validator = v }
}

// WithWebhookURL sets the public URL Twilio signs. When empty it is rebuilt from the request.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// WithInboundLogging controls whether inbound messages are written to the message log.
func WithInboundLogging(enabled bool) Option {
	return func(o *Opts) { o.LogInbound = enabled }
}

// WithProcessTimeout bounds background processing of one inbound message.
func WithProcessTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProcessTimeout = d }
}

// DefaultProcessTimeout covers delivery retries plus AI generation.
const DefaultProcessTimeout = 60 * time.Second

// Server routes inbound SMS.
type Server struct {
	deps   Deps
	opts   Opts
	queue  *phoneQueue
	routes []route
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(deps Deps, opts ...Option) *Server {
	o := Opts{LogInbound: true, ProcessTimeout: DefaultProcessTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if deps.Confirmations == nil {
		deps.Confirmations = NoopConfirmationResponder{}
	}
	if o.Validator == nil {
		slog.Warn("Server: no Twilio auth token configured, webhook signatures will not be enforced")
	}
	s := &Server{deps: deps, opts: o, queue: newPhoneQueue()}
	s.routes = s.dispatchRoutes()
	return s
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Post("/webhooks/twilio", s.twilioWebhookHandler)
	r.Get("/api/status", s.statusHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Wait blocks until every in-flight inbound message has been processed.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown waits for in-flight processing or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		slog.Error("Server.statusHandler: store unreachable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("store unreachable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"store": "ok"}))
}

// phoneQueue runs work for the same key one at a time in the order Enqueue was called.
// Entries are dropped once the last queued turn is done.
type phoneQueue struct {
	mu    sync.Mutex
	tails map[string]*queueTail
}

type queueTail struct {
	last chan struct{}
	refs int
}

// turn is one place in a key's queue. Wait blocks until every earlier turn is done.
type turn struct {
	prev <-chan struct{}
	done chan struct{}
	key  string
	q    *phoneQueue
}

func newPhoneQueue() *phoneQueue {
	return &phoneQueue{tails: make(map[string]*queueTail)}
}

// Enqueue takes the next place in key's queue without blocking.
func (q *phoneQueue) Enqueue(key string) *turn {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := &turn{done: make(chan struct{}), key: key, q: q}
	tail, ok := q.tails[key]
	if !ok {
		tail = &queueTail{}
		q.tails[key] = tail
	} else {
		t.prev = tail.last
	}
	tail.last = t.done
	tail.refs++
	return t
}

func (t *turn) Wait() {
	if t.prev != nil {
		<-t.prev
	}
}

// Done hands the key to the next turn. It must be called exactly once.
func (t *turn) Done() {
	close(t.done)
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	tail := t.q.tails[t.key]
	tail.refs--
	if tail.refs == 0 {
		delete(t.q.tails, t.key)
	}
}
