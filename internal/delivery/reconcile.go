package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/events"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// MessageStore reads and writes delivery records.
type MessageStore interface {
	Get(ctx context.Context, id string) (*models.SequenceMessage, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.SequenceMessage, error)
	Save(ctx context.Context, m *models.SequenceMessage) error
}

// Reconciler applies provider status callbacks to messages.
type Reconciler struct {
	messages MessageStore
	recorder *events.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler. recorder may be nil.
func NewReconciler(messages MessageStore, recorder *events.Recorder) *Reconciler {
	return &Reconciler{
		messages: messages,
		recorder: recorder,
		logger:   logging.Component("reconciler"),
		now:      time.Now,
	}
}

// maxApplyAttempts bounds re-reads when a message changes under a callback.
const maxApplyAttempts = 3

// statusRank orders states so a callback can only move a message forward.
// A local failure ranks below every provider-reported state because the
// provider is authoritative about what actually happened.
func statusRank(status models.MessageStatus, source models.StatusSource) int {
	switch status {
	case models.MessageStatusPending:
		return 0
	case models.MessageStatusFailed:
		if source != models.StatusSourceProvider {
			return 5
		}
		return 25
	case models.MessageStatusSent:
		return 10
	case models.MessageStatusDelivered:
		return 20
	case models.MessageStatusBounced:
		return 25
	case models.MessageStatusOpened:
		return 30
	case models.MessageStatusClicked:
		return 40
	default:
		return -1
	}
}

// Apply updates exactly one message from a callback. It returns whether the
// message's status changed. Out-of-order callbacks still fill in their
// observed timestamp but never move the status backwards.
func (r *Reconciler) Apply(ctx context.Context, w models.DeliveryStatusWebhook) (*models.SequenceMessage, bool, error) {
	if !w.Status.Valid() || w.Status == models.MessageStatusPending {
		return nil, false, fmt.Errorf("%w: status %q", ErrInvalidWebhookPayload, w.Status)
	}
	if strings.TrimSpace(w.MessageID) == "" && strings.TrimSpace(w.ExternalID) == "" {
		return nil, false, fmt.Errorf("%w: message_id or external_id is required", ErrInvalidWebhookPayload)
	}

	at := w.OccurredAt.UTC()
	if w.OccurredAt.IsZero() {
		at = r.now().UTC()
	}

	var m *models.SequenceMessage
	changed := false
	for attempt := 1; ; attempt++ {
		var err error
		if m, err = r.find(ctx, w); err != nil {
			return nil, false, err
		}

		observe(m, w, at)
		changed = false
		if statusRank(w.Status, models.StatusSourceProvider) > statusRank(m.Status, m.StatusSource) {
			m.Status = w.Status
			m.StatusSource = models.StatusSourceProvider
			changed = true
		}

		err = r.messages.Save(ctx, m)
		if err == nil {
			break
		}
		if !errors.Is(err, db.ErrMessageChanged) || attempt >= maxApplyAttempts {
			return nil, false, err
		}
	}

	r.logger.Info().
		Str("message_id", m.ID).
		Str("callback_status", string(w.Status)).
		Str("status", string(m.Status)).
		Bool("changed", changed).
		Msg("delivery status applied")
	if changed {
		r.recorder.Message(ctx, models.EventTypeMessageStatusUpdated, m, nil)
	}
	return m, changed, nil
}

func (r *Reconciler) find(ctx context.Context, w models.DeliveryStatusWebhook) (*models.SequenceMessage, error) {
	if w.MessageID != "" {
		m, err := r.messages.Get(ctx, w.MessageID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, db.ErrMessageNotFound) {
			return nil, err
		}
	}
	if w.ExternalID != "" {
		m, err := r.messages.GetByExternalID(ctx, w.ExternalID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, db.ErrMessageNotFound) {
			return nil, err
		}
	}
	return nil, ErrUnknownMessage
}

// observe sets the callback's timestamps. Each is written at most once;
// clicked implies opened, both imply delivered, and any provider report
// implies the message was sent.
func observe(m *models.SequenceMessage, w models.DeliveryStatusWebhook, at time.Time) {
	setOnce := func(field **time.Time) {
		if *field == nil {
			t := at
			*field = &t
		}
	}

	if w.Status != models.MessageStatusFailed {
		setOnce(&m.SentAt)
	}

	switch w.Status {
	case models.MessageStatusDelivered:
		setOnce(&m.DeliveredAt)
	case models.MessageStatusOpened:
		setOnce(&m.DeliveredAt)
		setOnce(&m.OpenedAt)
	case models.MessageStatusClicked:
		setOnce(&m.DeliveredAt)
		setOnce(&m.OpenedAt)
		setOnce(&m.ClickedAt)
	case models.MessageStatusBounced:
		setOnce(&m.BouncedAt)
		if m.BounceReason == "" {
			m.BounceReason = w.BounceReason
		}
	case models.MessageStatusFailed:
		setOnce(&m.FailedAt)
		if w.Error != "" {
			m.ErrorMessage = w.Error
		}
	}
}
