package models

import "time"

// MessageStatus is the delivery state of a sequence message.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusOpened    MessageStatus = "opened"
	MessageStatusClicked   MessageStatus = "clicked"
	MessageStatusBounced   MessageStatus = "bounced"
	MessageStatusFailed    MessageStatus = "failed"
)

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusOpened, MessageStatusClicked, MessageStatusBounced, MessageStatusFailed:
		return true
	}
	return false
}

// Delivered reports whether the message left the engine successfully.
func (s MessageStatus) Delivered() bool {
	switch s {
	case MessageStatusSent, MessageStatusDelivered, MessageStatusOpened, MessageStatusClicked:
		return true
	}
	return false
}

// StatusSource records who last set a message status.
type StatusSource string

const (
	StatusSourceLocal    StatusSource = "local"
	StatusSourceProvider StatusSource = "provider"
)

// SequenceMessage is the single delivery record for an (enrollment, step) pair.
type SequenceMessage struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	EnrollmentID string `json:"enrollment_id"`
	SequenceID   string `json:"sequence_id"`
	StepID       string `json:"step_id"`
	StepOrder    int    `json:"step_order"`
	VariantID    string `json:"variant_id,omitempty"`

	Channel   StepType `json:"channel"`
	Recipient string   `json:"recipient,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body,omitempty"`

	Status       MessageStatus `json:"status"`
	StatusSource StatusSource  `json:"status_source"`

	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// Observed timestamps are set at most once each.
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`
	BouncedAt   *time.Time `json:"bounced_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	ExternalID   string `json:"external_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	BounceReason string `json:"bounce_reason,omitempty"`

	// Version increments on every save.
	Version   int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepFailureSummary aggregates failures for one step of a sequence.
type StepFailureSummary struct {
	StepOrder  int       `json:"step_order"`
	Channel    StepType  `json:"channel"`
	Failed     int       `json:"failed"`
	Bounced    int       `json:"bounced"`
	Retrying   int       `json:"retrying"`
	LastError  string    `json:"last_error,omitempty"`
	LastFailAt time.Time `json:"last_failed_at,omitempty"`
}

// DeliveryStatusWebhook is a normalized provider status callback.
type DeliveryStatusWebhook struct {
	// MessageID is the engine message id, when the provider echoes it.
	MessageID string `json:"message_id,omitempty"`

	// ExternalID is the provider's id for the message.
	ExternalID string `json:"external_id,omitempty"`

	Status       MessageStatus `json:"status" validate:"required"`
	OccurredAt   time.Time     `json:"occurred_at"`
	BounceReason string        `json:"bounce_reason,omitempty"`
	Error        string        `json:"error,omitempty"`
}
