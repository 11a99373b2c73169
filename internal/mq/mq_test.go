package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/enrollment"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/suppression"
)

type fakeHandler struct {
	got []*models.TriggerEvent
	err error
}

func (f *fakeHandler) HandleTrigger(_ context.Context, t *models.TriggerEvent) ([]models.TriggerOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f.got = append(f.got, t)
	return []models.TriggerOutcome{{SequenceID: "seq-1", Enrolled: true}}, nil
}

type fakeAck struct {
	acked, nacked, requeued int
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	if requeue {
		f.requeued++
	}
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error { return nil }

func delivery(ack *fakeAck, key, body string) amqp091.Delivery {
	return amqp091.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: key, Body: []byte(body)}
}

func TestHandleDefaultsEventFromRoutingKey(t *testing.T) {
	h := &fakeHandler{}
	c := newConsumer(h)

	err := c.Handle(context.Background(), "trigger.visit_completed", []byte(`{"tenant_id":"t1","visitor_id":"v1","email":"ann@example.com"}`))
	require.NoError(t, err)
	require.Len(t, h.got, 1)
	require.Equal(t, models.TriggerVisitCompleted, h.got[0].TriggerEvent)
	require.Equal(t, "v1", h.got[0].VisitorID)
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		body       string
		wantAck    int
		wantNack   int
	}{
		{"valid", nil, `{"tenant_id":"t1","visitor_id":"v1"}`, 1, 0},
		{"malformed json dropped", nil, `{not json`, 1, 0},
		{"validation error dropped", nil, `{"visitor_id":"v1"}`, 1, 0},
		{"store error requeued", errors.New("database is locked"), `{"tenant_id":"t1","visitor_id":"v1"}`, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConsumer(&fakeHandler{err: tt.handlerErr})
			ack := &fakeAck{}
			c.settle(context.Background(), delivery(ack, "trigger.visit_completed", tt.body))
			require.Equal(t, tt.wantAck, ack.acked)
			require.Equal(t, tt.wantNack, ack.nacked)
			require.Equal(t, tt.wantNack, ack.requeued)
		})
	}
}

func TestSettleRedeliveredTriggerIsAcked(t *testing.T) {
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	sequences := db.NewSequenceRepository(database)
	require.NoError(t, sequences.Create(context.Background(), &models.Sequence{
		TenantID:     "t1",
		Name:         "First Visit",
		SequenceType: models.SequenceTypeVisitorFollowUp,
		TriggerEvent: models.TriggerVisitCompleted,
		IsActive:     true,
		Steps: []models.SequenceStep{
			{StepOrder: 1, StepType: models.StepTypeEmail, Content: models.StepContent{Subject: "Welcome", Body: "Hi"}},
		},
	}))
	preferences := db.NewPreferenceRepository(database)
	manager := enrollment.NewManager(sequences, db.NewEnrollmentRepository(database), suppression.NewChecker(preferences),
		enrollment.WithTriggerStore(db.NewTriggerRepository(database)),
	)

	c := newConsumer(manager)
	ack := &fakeAck{}
	body := `{"id":"trg-1","tenant_id":"t1","visitor_id":"v1","email":"ann@example.com"}`
	for i := 0; i < 3; i++ {
		c.settle(context.Background(), delivery(ack, "trigger.visit_completed", body))
	}
	require.Equal(t, 3, ack.acked)
	require.Zero(t, ack.requeued)
}

type panicHandler struct{}

func (panicHandler) HandleTrigger(context.Context, *models.TriggerEvent) ([]models.TriggerOutcome, error) {
	panic("boom")
}

func TestSettleRecoversPanic(t *testing.T) {
	c := newConsumer(panicHandler{})
	ack := &fakeAck{}
	c.settle(context.Background(), delivery(ack, "trigger.manual", `{"tenant_id":"t1","member_id":"m1"}`))
	require.Equal(t, 0, ack.acked)
	require.Equal(t, 1, ack.requeued)
}

func TestRunNotConnected(t *testing.T) {
	require.Error(t, newConsumer(&fakeHandler{}).Run(context.Background()))
}

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp091.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestPublisherPublish(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{channel: ch}

	event := &models.Event{
		ID:         "ev-1",
		Timestamp:  time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Type:       models.EventTypeEnrollmentCreated,
		TenantID:   "t1",
		EntityType: models.EntityTypeEnrollment,
		EntityID:   "enr-1",
	}
	require.NoError(t, p.Publish(context.Background(), event))
	require.Equal(t, ExchangeName, ch.exchange)
	require.Equal(t, "followup.enrollment.created", ch.key)
	require.Equal(t, amqp091.Persistent, ch.msg.DeliveryMode)
	require.Equal(t, "ev-1", ch.msg.MessageId)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &decoded))
	require.Equal(t, "enr-1", decoded.EntityID)

	ch.err = errors.New("channel closed")
	require.Error(t, p.Publish(context.Background(), event))
	require.False(t, p.IsConnected())
}
