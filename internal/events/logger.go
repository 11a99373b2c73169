// Package events records engine lifecycle events to the event log and fans
// them out to publishers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Append(ctx context.Context, event *models.Event) error
}

// Publisher receives every recorded event.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// Recorder writes lifecycle events. Recording is best effort: failures are
// logged and never returned to the caller's state transition.
type Recorder struct {
	repo       Repository
	publishers []Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRecorder creates a recorder. repo may be nil, in which case events are
// only published.
func NewRecorder(repo Repository, publishers ...Publisher) *Recorder {
	return &Recorder{
		repo:       repo,
		publishers: publishers,
		logger:     logging.Component("events"),
		now:        time.Now,
	}
}

// AddPublisher registers another publisher.
func (r *Recorder) AddPublisher(p Publisher) {
	if r == nil || p == nil {
		return
	}
	r.publishers = append(r.publishers, p)
}

// Record appends and publishes an event.
func (r *Recorder) Record(ctx context.Context, event *models.Event) error {
	if r == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	if r.repo != nil {
		if err := r.repo.Append(ctx, event); err != nil {
			return fmt.Errorf("append event %s: %w", event.Type, err)
		}
	}
	for _, p := range r.publishers {
		if err := p.Publish(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish event")
		}
	}
	return nil
}

// Enrollment records an enrollment.* event.
func (r *Recorder) Enrollment(ctx context.Context, typ models.EventType, e *models.Enrollment, reason string) {
	if r == nil || e == nil {
		return
	}
	r.emit(ctx, typ, e.TenantID, models.EntityTypeEnrollment, e.ID, models.EnrollmentPayload{
		SequenceID:   e.SequenceID,
		RecipientKey: e.RecipientKey,
		Status:       e.Status,
		CurrentStep:  e.CurrentStep,
		VariantID:    e.VariantID,
		Reason:       reason,
	})
}

// Message records a message.* event.
func (r *Recorder) Message(ctx context.Context, typ models.EventType, m *models.SequenceMessage, nextAttempt *time.Time) {
	if r == nil || m == nil {
		return
	}
	r.emit(ctx, typ, m.TenantID, models.EntityTypeMessage, m.ID, models.MessagePayload{
		EnrollmentID: m.EnrollmentID,
		SequenceID:   m.SequenceID,
		StepOrder:    m.StepOrder,
		Channel:      m.Channel,
		Status:       m.Status,
		RetryCount:   m.RetryCount,
		NextAttempt:  nextAttempt,
		Error:        m.ErrorMessage,
	})
}

// Trigger records an accepted trigger.
func (r *Recorder) Trigger(ctx context.Context, t *models.TriggerEvent) {
	if r == nil || t == nil {
		return
	}
	r.emit(ctx, models.EventTypeTriggerReceived, t.TenantID, models.EntityTypeTrigger, t.ID, map[string]string{
		"trigger_event": string(t.TriggerEvent),
		"recipient_key": t.RecipientRef.Key(),
	})
}

// Error records a system error event.
func (r *Recorder) Error(ctx context.Context, tenantID string, err error, where string) {
	if r == nil || err == nil {
		return
	}
	r.emit(ctx, models.EventTypeError, tenantID, models.EntityTypeSystem, "engine", models.ErrorPayload{
		Error:   err.Error(),
		Context: where,
	})
}

func (r *Recorder) emit(ctx context.Context, typ models.EventType, tenantID string, entity models.EntityType, entityID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(typ)).Msg("failed to marshal event payload")
		return
	}
	event := &models.Event{
		Type:       typ,
		TenantID:   tenantID,
		EntityType: entity,
		EntityID:   entityID,
		Payload:    data,
	}
	if err := r.Record(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(typ)).Str("entity_id", entityID).Msg("failed to record event")
	}
}
