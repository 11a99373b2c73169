package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSent},
		{"marked permanent", Permanent(errors.New("bad address")), OutcomePermanent},
		{"marked transient", Transient(errors.New("busy")), OutcomeTransient},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), OutcomeTransient},
		{"http 503", &StatusError{Provider: "sms", StatusCode: 503}, OutcomeTransient},
		{"http 429", &StatusError{Provider: "sms", StatusCode: 429}, OutcomeTransient},
		{"http 400", &StatusError{Provider: "sms", StatusCode: 400}, OutcomePermanent},
		{"smtp 421", &textproto.Error{Code: 421, Msg: "try later"}, OutcomeTransient},
		{"smtp 550", fmt.Errorf("wrapped: %w", &textproto.Error{Code: 550, Msg: "no such user"}), OutcomePermanent},
		{"unknown", errors.New("something odd"), OutcomeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifiedErrorsUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, "cause", err.Error())
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: time.Minute, Max: 10 * time.Minute}
	assert.Equal(t, time.Minute, b.Delay(0))
	assert.Equal(t, time.Minute, b.Delay(1))
	assert.Equal(t, 2*time.Minute, b.Delay(2))
	assert.Equal(t, 4*time.Minute, b.Delay(3))
	assert.Equal(t, 8*time.Minute, b.Delay(4))
	assert.Equal(t, 10*time.Minute, b.Delay(5))
	assert.Equal(t, 10*time.Minute, b.Delay(40))
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	fail := func() error { return errors.New("down") }
	ok := func() error { return nil }

	require.Error(t, cb.Execute(fail))
	require.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Execute(fail))
	require.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, ErrTransient)
	require.Zero(t, calls)

	now = now.Add(time.Minute)
	require.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ok))
	require.Equal(t, StateClosed, cb.State())

	// Non-tripping errors are returned but do not count.
	for i := 0; i < 5; i++ {
		err := cb.Execute(func() error { return &nonTripping{err: errors.New("bad address")} })
		require.Error(t, err)
	}
	require.Equal(t, StateClosed, cb.State())
}

type fakeSender struct {
	mu      sync.Mutex
	channel models.StepType
	errs    []error
	sent    []Envelope
}

func (f *fakeSender) Channel() models.StepType { return f.channel }

func (f *fakeSender) Send(_ context.Context, env Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("ext-%d", len(f.sent)), nil
}

func TestAdapterSend(t *testing.T) {
	sender := &fakeSender{channel: models.StepTypeEmail, errs: []error{
		nil,
		Permanent(errors.New("invalid address")),
		&StatusError{Provider: "smtp", StatusCode: 503},
	}}
	adapter := NewAdapter()
	adapter.Register(sender, ChannelOptions{Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}})

	var observed []Outcome
	adapter.OnResult(func(_ models.StepType, o Outcome, _ time.Duration) { observed = append(observed, o) })

	ctx := context.Background()
	env := Envelope{MessageID: "m1", Channel: models.StepTypeEmail, To: "ann@example.org"}

	result := adapter.Send(ctx, env)
	require.Equal(t, OutcomeSent, result.Outcome)
	require.Equal(t, "ext-1", result.ExternalID)

	result = adapter.Send(ctx, env)
	require.Equal(t, OutcomePermanent, result.Outcome)
	state, _ := adapter.BreakerState(models.StepTypeEmail)
	require.Equal(t, StateClosed, state, "permanent failures do not trip the breaker")

	result = adapter.Send(ctx, env)
	require.Equal(t, OutcomeTransient, result.Outcome)
	state, _ = adapter.BreakerState(models.StepTypeEmail)
	require.Equal(t, StateOpen, state)

	result = adapter.Send(ctx, env)
	require.Equal(t, OutcomeTransient, result.Outcome)
	require.ErrorIs(t, result.Err, ErrCircuitOpen)
	require.Len(t, sender.sent, 3)

	result = adapter.Send(ctx, Envelope{Channel: models.StepTypeSMS})
	require.Equal(t, OutcomePermanent, result.Outcome)
	require.ErrorIs(t, result.Err, ErrNoSender)

	require.Equal(t, []Outcome{OutcomeSent, OutcomePermanent, OutcomeTransient, OutcomeTransient}, observed)
}

func TestAdapterRateLimitHonoursContext(t *testing.T) {
	adapter := NewAdapter()
	adapter.Register(&fakeSender{channel: models.StepTypeSMS}, ChannelOptions{RatePerSec: 0.001})

	ctx := context.Background()
	require.Equal(t, OutcomeSent, adapter.Send(ctx, Envelope{Channel: models.StepTypeSMS}).Outcome)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	result := adapter.Send(ctx, Envelope{Channel: models.StepTypeSMS})
	require.Equal(t, OutcomeTransient, result.Outcome)
}

func TestHTTPSMSSender(t *testing.T) {
	var got smsRequest
	var status atomic.Int32
	status.Store(http.StatusCreated)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(int(status.Load()))
		_, _ = io.WriteString(w, `{"sid":"SM123","status":"queued"}`)
	}))
	defer server.Close()

	sender := NewHTTPSMSSender(SMSConfig{APIURL: server.URL, AccountSID: "AC1", AuthToken: "secret", FromNumber: "+15550000"})
	ctx := context.Background()

	id, err := sender.Send(ctx, Envelope{MessageID: "m1", To: "+15550100", Body: "See you Sunday"})
	require.NoError(t, err)
	require.Equal(t, "SM123", id)
	require.Equal(t, "+15550100", got.To)
	require.Equal(t, "+15550000", got.From)
	require.Equal(t, "m1", got.Reference)

	_, err = sender.Send(ctx, Envelope{To: "call me"})
	require.Equal(t, OutcomePermanent, Classify(err))

	status.Store(http.StatusServiceUnavailable)
	_, err = sender.Send(ctx, Envelope{To: "+15550100", Body: "x"})
	require.Equal(t, OutcomeTransient, Classify(err))

	status.Store(http.StatusBadRequest)
	_, err = sender.Send(ctx, Envelope{To: "+15550100", Body: "x"})
	require.Equal(t, OutcomePermanent, Classify(err))
}

func TestWebhookSender(t *testing.T) {
	secret := []byte("s3cret")
	var payload WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("X-Request-ID", "req-9")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sender := NewWebhookSender(time.Second, string(secret))
	id, err := sender.Send(context.Background(), Envelope{
		MessageID:  "m1",
		StepOrder:  2,
		WebhookURL: server.URL,
		Data:       map[string]string{"first_name": "Ann"},
	})
	require.NoError(t, err)
	require.Equal(t, "req-9", id)
	require.Equal(t, "m1", payload.MessageID)
	require.Equal(t, "Ann", payload.Data["first_name"])

	unsigned := NewWebhookSender(time.Second, "")
	_, err = unsigned.Send(context.Background(), Envelope{WebhookURL: server.URL})
	require.Equal(t, OutcomePermanent, Classify(err))

	_, err = sender.Send(context.Background(), Envelope{})
	require.ErrorIs(t, err, ErrPermanent)
}

type fakeDialer struct {
	err  error
	sent []*gomail.Message
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, m...)
	return nil
}

func TestSMTPSender(t *testing.T) {
	d := &fakeDialer{}
	sender := &SMTPSender{cfg: SMTPConfig{FromEmail: "care@church.example", FromName: "Care Team"}, dialer: d}
	ctx := context.Background()

	id, err := sender.Send(ctx, Envelope{MessageID: "m1", To: "ann@example.org", Subject: "Welcome", Body: "Hi Ann"})
	require.NoError(t, err)
	require.Contains(t, id, "@church.example>")
	require.Len(t, d.sent, 1)
	require.Equal(t, []string{"Welcome"}, d.sent[0].GetHeader("Subject"))
	require.Equal(t, []string{"m1"}, d.sent[0].GetHeader("X-Followup-Message-ID"))

	_, err = sender.Send(ctx, Envelope{To: "not-an-address"})
	require.Equal(t, OutcomePermanent, Classify(err))

	d.err = errors.New("gomail: could not send email 1: 550 5.1.1 user unknown")
	_, err = sender.Send(ctx, Envelope{To: "ann@example.org"})
	require.Equal(t, OutcomePermanent, Classify(err))

	d.err = errors.New("dial tcp: i/o timeout")
	_, err = sender.Send(ctx, Envelope{To: "ann@example.org"})
	require.Equal(t, OutcomeTransient, Classify(err))
}

type fakeTasks struct {
	byMessage map[string]*models.Task
}

func (f *fakeTasks) CreateForMessage(_ context.Context, t *models.Task) (*models.Task, error) {
	if existing, ok := f.byMessage[t.MessageID]; ok {
		return existing, nil
	}
	t.ID = fmt.Sprintf("task-%d", len(f.byMessage)+1)
	f.byMessage[t.MessageID] = t
	return t, nil
}

func TestTaskSender(t *testing.T) {
	store := &fakeTasks{byMessage: map[string]*models.Task{}}
	sender := NewTaskSender(store)
	env := Envelope{MessageID: "m1", StepOrder: 3, Body: "Call Ann", Data: map[string]string{"assignee": "pastor-joe", "task_due_days": "2"}}

	id, err := sender.Send(context.Background(), env)
	require.NoError(t, err)
	again, err := sender.Send(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, id, again)

	task := store.byMessage["m1"]
	require.Equal(t, "Follow-up step 3", task.Title)
	require.Equal(t, "pastor-joe", task.Assignee)
	require.NotNil(t, task.DueAt)
}

type memMessages struct {
	byID map[string]*models.SequenceMessage
	// interleave runs once before the first save, standing in for a
	// concurrent writer.
	interleave func(*memMessages)
}

func (m *memMessages) Get(_ context.Context, id string) (*models.SequenceMessage, error) {
	msg, ok := m.byID[id]
	if !ok {
		return nil, db.ErrMessageNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *memMessages) GetByExternalID(_ context.Context, externalID string) (*models.SequenceMessage, error) {
	for _, msg := range m.byID {
		if msg.ExternalID == externalID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, db.ErrMessageNotFound
}

func (m *memMessages) Save(_ context.Context, msg *models.SequenceMessage) error {
	if fn := m.interleave; fn != nil {
		m.interleave = nil
		fn(m)
	}
	stored, ok := m.byID[msg.ID]
	if !ok {
		return db.ErrMessageNotFound
	}
	if stored.Version != msg.Version {
		return db.ErrMessageChanged
	}
	msg.Version++
	cp := *msg
	m.byID[msg.ID] = &cp
	return nil
}

func newReconcilerFixture(msgs ...*models.SequenceMessage) (*Reconciler, *memMessages) {
	store := &memMessages{byID: map[string]*models.SequenceMessage{}}
	for _, m := range msgs {
		store.byID[m.ID] = m
	}
	return NewReconciler(store, nil), store
}

func TestReconcilerProviderOverridesLocalFailure(t *testing.T) {
	r, store := newReconcilerFixture(&models.SequenceMessage{
		ID: "m1", ExternalID: "ext-1", Status: models.MessageStatusFailed, StatusSource: models.StatusSourceLocal,
	})
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	m, changed, err := r.Apply(context.Background(), models.DeliveryStatusWebhook{ExternalID: "ext-1", Status: models.MessageStatusDelivered, OccurredAt: at})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, models.MessageStatusDelivered, m.Status)
	require.Equal(t, models.StatusSourceProvider, store.byID["m1"].StatusSource)
	require.NotNil(t, m.DeliveredAt)
	require.True(t, m.DeliveredAt.Equal(at))
	require.NotNil(t, m.SentAt)
}

func TestReconcilerOutOfOrderCallbacks(t *testing.T) {
	r, store := newReconcilerFixture(&models.SequenceMessage{ID: "m1", Status: models.MessageStatusSent, StatusSource: models.StatusSourceLocal})
	ctx := context.Background()
	clicked := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	delivered := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	_, changed, err := r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusClicked, OccurredAt: clicked})
	require.NoError(t, err)
	require.True(t, changed)

	m, changed, err := r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusDelivered, OccurredAt: delivered})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, models.MessageStatusClicked, m.Status)

	saved := store.byID["m1"]
	require.True(t, saved.ClickedAt.Equal(clicked))
	require.True(t, saved.OpenedAt.Equal(clicked))
	// Already set from the clicked callback.
	require.True(t, saved.DeliveredAt.Equal(clicked))

	_, changed, err = r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusClicked, OccurredAt: clicked.Add(time.Hour)})
	require.NoError(t, err)
	require.False(t, changed)
	require.True(t, store.byID["m1"].ClickedAt.Equal(clicked))
}

func TestReconcilerRereadsAfterConcurrentWrite(t *testing.T) {
	r, store := newReconcilerFixture(&models.SequenceMessage{ID: "m1", Status: models.MessageStatusSent, StatusSource: models.StatusSourceLocal})
	clicked := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	delivered := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// A click callback is saved between this callback's read and write.
	store.interleave = func(m *memMessages) {
		current := m.byID["m1"]
		current.Status = models.MessageStatusClicked
		current.StatusSource = models.StatusSourceProvider
		current.ClickedAt, current.OpenedAt = &clicked, &clicked
		current.Version++
	}

	m, changed, err := r.Apply(context.Background(), models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusDelivered, OccurredAt: delivered})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, models.MessageStatusClicked, m.Status)

	saved := store.byID["m1"]
	require.Equal(t, models.MessageStatusClicked, saved.Status)
	require.True(t, saved.ClickedAt.Equal(clicked))
	require.True(t, saved.DeliveredAt.Equal(delivered))
	require.Equal(t, 2, saved.Version)
}

func TestReconcilerBounce(t *testing.T) {
	r, _ := newReconcilerFixture(&models.SequenceMessage{ID: "m1", Status: models.MessageStatusSent})

	m, changed, err := r.Apply(context.Background(), models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusBounced, BounceReason: "mailbox full"})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "mailbox full", m.BounceReason)
	require.NotNil(t, m.BouncedAt)
}

func TestReconcilerErrors(t *testing.T) {
	r, _ := newReconcilerFixture()
	ctx := context.Background()

	_, _, err := r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "nope", Status: models.MessageStatusDelivered})
	require.ErrorIs(t, err, ErrUnknownMessage)

	_, _, err = r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "m1", Status: "lost"})
	require.ErrorIs(t, err, ErrInvalidWebhookPayload)

	_, _, err = r.Apply(ctx, models.DeliveryStatusWebhook{MessageID: "m1", Status: models.MessageStatusPending})
	require.ErrorIs(t, err, ErrInvalidWebhookPayload)

	_, _, err = r.Apply(ctx, models.DeliveryStatusWebhook{Status: models.MessageStatusDelivered})
	require.ErrorIs(t, err, ErrInvalidWebhookPayload)
}
