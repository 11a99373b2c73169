package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes engine lifecycle events.
type EventType string

const (
	EventTypeEnrollmentCreated   EventType = "enrollment.created"
	EventTypeEnrollmentAdvanced  EventType = "enrollment.advanced"
	EventTypeEnrollmentCompleted EventType = "enrollment.completed"
	EventTypeEnrollmentCancelled EventType = "enrollment.cancelled"
	EventTypeEnrollmentPaused    EventType = "enrollment.paused"
	EventTypeEnrollmentResumed   EventType = "enrollment.resumed"

	EventTypeMessageSent           EventType = "message.sent"
	EventTypeMessageFailed         EventType = "message.failed"
	EventTypeMessageRetryScheduled EventType = "message.retry_scheduled"
	EventTypeMessageDeferred       EventType = "message.deferred"
	EventTypeMessageStatusUpdated  EventType = "message.status_updated"

	EventTypeTriggerReceived EventType = "trigger.received"

	EventTypeError EventType = "error"
)

// EntityType is the kind of record an event is about.
type EntityType string

const (
	EntityTypeEnrollment EntityType = "enrollment"
	EntityTypeMessage    EntityType = "message"
	EntityTypeSequence   EntityType = "sequence"
	EntityTypeTrigger    EntityType = "trigger"
	EntityTypeSystem     EntityType = "system"
)

// Event is an append-only engine log entry. Events are also what the
// broker publisher fans out, so the JSON shape is part of the wire format.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// TenantID is empty for system events.
	TenantID string `json:"tenant_id,omitempty"`

	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`

	// Payload is one of the *Payload types below, encoded.
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate requires a type and an entity reference.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" || strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity", "entity_type and entity_id are required")
	}
	return validation.Err()
}

// EnrollmentPayload is the payload for enrollment.* events.
type EnrollmentPayload struct {
	SequenceID   string           `json:"sequence_id"`
	RecipientKey string           `json:"recipient_key"`
	Status       EnrollmentStatus `json:"status"`
	CurrentStep  int              `json:"current_step"`
	VariantID    string           `json:"variant_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// MessagePayload is the payload for message.* events.
type MessagePayload struct {
	EnrollmentID string        `json:"enrollment_id"`
	SequenceID   string        `json:"sequence_id"`
	StepOrder    int           `json:"step_order"`
	Channel      StepType      `json:"channel"`
	Status       MessageStatus `json:"status"`
	RetryCount   int           `json:"retry_count,omitempty"`
	NextAttempt  *time.Time    `json:"next_attempt,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
