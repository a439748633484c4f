package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/habitkit/smsagent/internal/crisis"
	"github.com/habitkit/smsagent/internal/flow"
	"github.com/habitkit/smsagent/internal/messaging"
	"github.com/habitkit/smsagent/internal/models"
	"github.com/habitkit/smsagent/internal/plan"
	"github.com/habitkit/smsagent/internal/store"
	"github.com/habitkit/smsagent/internal/testutil"
)

const (
	testAuthToken  = "test-auth-token"
	testWebhookURL = "https://agent.example.com/webhooks/twilio"
	userPhone      = "+15551230001"
	strangerPhone  = "+15559870000"
)

type recordingConfirmations struct {
	mu       sync.Mutex
	messages []models.InboundMessage
}

func (r *recordingConfirmations) Respond(ctx context.Context, profile *models.Profile, msg models.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

type testEnv struct {
	st       *store.InMemoryStore
	carrier  *messaging.MockCarrier
	confirms *recordingConfirmations
	server   *Server
	handler  http.Handler
	msgSeq   int
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	carrier := messaging.NewMockCarrier()
	deliverer := messaging.NewDeliverer(carrier, messaging.WithMessageLog(st))
	sessions := flow.NewSessionManager(st, time.Hour, nil)
	engine := flow.NewEngine(sessions, st, flow.FallbackSuggester{}, plan.NewPlanner(st), deliverer)
	confirms := &recordingConfirmations{}

	testutil.SeedProfile(t, st, models.Profile{ID: "user-1", Phone: userPhone, FirstName: "Sam", LastName: "Lee", SMSOptIn: true})
	testutil.SeedHabit(t, st, "user-1", "Run", []int{1, 3, 5}, testutil.Float(9), "miles")

	srv := NewServer(Deps{
		Store:         st,
		Dialogue:      engine,
		Crisis:        crisis.NewResponder(deliverer),
		Sender:        deliverer,
		Confirmations: confirms,
	}, opts...)
	return &testEnv{st: st, carrier: carrier, confirms: confirms, server: srv, handler: srv.Router()}
}

func sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// post sends a signed webhook and waits for background processing to finish.
func (e *testEnv) post(t *testing.T, from, body string, mutate ...func(url.Values, http.Header)) *httptest.ResponseRecorder {
	t.Helper()
	e.msgSeq++
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", "+15550001111")
	form.Set("Body", body)
	form.Set("MessageSid", fmt.Sprintf("SM%032d", e.msgSeq))
	header := http.Header{}
	for _, m := range mutate {
		m(form, header)
	}
	req := testutil.WebhookRequest(t, "/webhooks/twilio", form)
	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get(twilioSignatureHeader) == "" {
		req.Header.Set(twilioSignatureHeader, sign(testAuthToken, testWebhookURL, form))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	e.server.Wait()
	return rr
}

func validatorOpts() []Option {
	v := client.NewRequestValidator(testAuthToken)
	return []Option{WithSignatureValidator(&v), WithWebhookURL(testWebhookURL)}
}

func TestWebhook_AcknowledgesWithEmptyTwiML(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	rr := env.post(t, userPhone, "BACKUP")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected text/xml, got %q", ct)
	}
	if rr.Body.String() != emptyTwiML {
		t.Errorf("expected empty TwiML, got %q", rr.Body.String())
	}
	bodies := env.carrier.BodiesTo(userPhone)
	if len(bodies) != 1 || !strings.Contains(bodies[0], "1. Run (9 miles, 3x/week)") {
		t.Errorf("expected habit list reply, got %v", bodies)
	}
}

func TestWebhook_RejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	rr := env.post(t, userPhone, "BACKUP", func(form url.Values, h http.Header) {
		h.Set(twilioSignatureHeader, "bm90LWEtc2lnbmF0dXJl")
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if len(env.carrier.Messages()) != 0 {
		t.Error("nothing should be sent for a rejected webhook")
	}
}

func TestWebhook_WarnAndAllowWithoutValidator(t *testing.T) {
	env := newTestEnv(t)
	rr := env.post(t, userPhone, "HELP", func(form url.Values, h http.Header) {
		h.Set(twilioSignatureHeader, "garbage")
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	bodies := env.carrier.BodiesTo(userPhone)
	if len(bodies) != 1 || bodies[0] != HelpMessage {
		t.Errorf("expected help text, got %v", bodies)
	}
}

func TestWebhook_CrisisTakesPrecedenceOverSession(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, userPhone, "BACKUP")
	env.post(t, userPhone, "1")
	ctx := context.Background()
	before, _ := env.st.GetLatestBackupSession(ctx, "user-1", time.Now())
	if before == nil || before.Step != models.StepConfirm {
		t.Fatalf("expected confirm session, got %+v", before)
	}

	env.post(t, userPhone, "honestly I want to end it all")

	bodies := env.carrier.BodiesTo(userPhone)
	if bodies[len(bodies)-1] != crisis.SafetyMessage {
		t.Fatalf("expected safety message, got %q", bodies[len(bodies)-1])
	}
	after, _ := env.st.GetLatestBackupSession(ctx, "user-1", time.Now())
	if after == nil || after.Step != before.Step || string(after.Context) != string(before.Context) {
		t.Errorf("crisis must not alter the session: before %+v after %+v", before, after)
	}
}

func TestWebhook_CrisisFromUnknownNumber(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, strangerPhone, "I want to kill myself")
	bodies := env.carrier.BodiesTo(strangerPhone)
	if len(bodies) != 1 || bodies[0] != crisis.SafetyMessage {
		t.Errorf("expected safety message for unknown sender, got %v", bodies)
	}
}

func TestWebhook_StopDisablesOptIn(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, userPhone, " stop ")
	p, _ := env.st.GetProfileByPhone(context.Background(), userPhone)
	if p.SMSOptIn {
		t.Error("expected opt-in disabled")
	}
	if len(env.carrier.Messages()) != 0 {
		t.Error("STOP should not trigger a reply")
	}
}

func TestWebhook_FallsThroughToConfirmations(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, userPhone, "done!")
	if len(env.confirms.messages) != 1 || env.confirms.messages[0].Body != "done!" {
		t.Errorf("expected message forwarded to confirmation responder, got %+v", env.confirms.messages)
	}
	if len(env.carrier.Messages()) != 0 {
		t.Error("no reply expected from the dialogue engine")
	}
}

func TestWebhook_DuplicateMessageSidProcessedOnce(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	fixedSid := func(form url.Values, h http.Header) { form.Set("MessageSid", "SM-duplicate") }
	env.post(t, userPhone, "HELP", fixedSid)
	env.post(t, userPhone, "HELP", fixedSid)
	if n := len(env.carrier.BodiesTo(userPhone)); n != 1 {
		t.Errorf("expected one reply for a redelivered webhook, got %d", n)
	}
}

func TestWebhook_LogsInboundAndOutbound(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, userPhone, "BACKUP")
	logs, _ := env.st.ListMessageLogs(context.Background(), userPhone)
	if len(logs) != 2 {
		t.Fatalf("expected inbound and outbound log rows, got %d", len(logs))
	}
	if logs[0].Direction != models.DirectionInbound || logs[0].UserID != "user-1" || logs[0].Body != "BACKUP" {
		t.Errorf("unexpected inbound row: %+v", logs[0])
	}
	if logs[1].Direction != models.DirectionOutbound || logs[1].Status != models.MessageStatusSent {
		t.Errorf("unexpected outbound row: %+v", logs[1])
	}
}

func TestWebhook_FullConversation(t *testing.T) {
	env := newTestEnv(t, validatorOpts()...)
	env.post(t, userPhone, "BACKUP")
	env.post(t, userPhone, "1")
	env.post(t, userPhone, "Y")

	bodies := env.carrier.BodiesTo(userPhone)
	if len(bodies) != 3 || !strings.HasPrefix(bodies[2], "Done!") {
		t.Fatalf("unexpected replies: %v", bodies)
	}
	logs, _ := env.st.ListBackupPlanLogs(context.Background(), "user-1")
	if len(logs) != 1 {
		t.Errorf("expected one audit row, got %d", len(logs))
	}
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("/health returned %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "/api/status")
	testutil.AssertJSONResponse(t, rr, models.APIStatusOK)

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("/metrics returned %d", rr.Code)
	}
}

func TestPhoneQueueSerializesPerKey(t *testing.T) {
	q := newPhoneQueue()
	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		turn := q.Enqueue("+15551230001")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer turn.Done()
			turn.Wait()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxActive)
	}
	if len(q.tails) != 0 {
		t.Errorf("expected queue entries released, %d left", len(q.tails))
	}
}

func TestPhoneQueueRunsInArrivalOrder(t *testing.T) {
	q := newPhoneQueue()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	turns := make([]*turn, 10)
	for i := range turns {
		turns[i] = q.Enqueue("+15551230001")
	}
	// Start goroutines in reverse so scheduling order cannot explain the result.
	for i := len(turns) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer turns[i].Done()
			turns[i].Wait()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected arrival order, got %v", order)
		}
	}
}

func TestPhoneQueueKeysAreIndependent(t *testing.T) {
	q := newPhoneQueue()
	first := q.Enqueue("+15551230001")
	other := q.Enqueue("+15551230002")
	done := make(chan struct{})
	go func() {
		other.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a different phone waited on an unrelated turn")
	}
	other.Done()
	first.Done()
	if len(q.tails) != 0 {
		t.Errorf("expected queue entries released, %d left", len(q.tails))
	}
}
