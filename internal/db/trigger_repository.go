package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/visionarychurch/followup/internal/models"
)

// ErrDuplicateTrigger is returned when a trigger with the same id was already recorded.
var ErrDuplicateTrigger = errors.New("trigger already recorded")

// TriggerRepository records accepted trigger events.
type TriggerRepository struct {
	db *DB
}

// NewTriggerRepository creates a new TriggerRepository.
func NewTriggerRepository(db *DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

const triggerColumns = `id, tenant_id, trigger_event, member_id, visitor_id, prayer_request_id,
	recipient_key, email, phone, timezone, context_json, occurred_at`

// Record stores a trigger event. Recording an id twice keeps the first row
// and returns ErrDuplicateTrigger.
func (r *TriggerRepository) Record(ctx context.Context, t *models.TriggerEvent) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}
	contextJSON, err := marshalJSON(t.Context)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_events (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`,
		t.ID,
		t.TenantID,
		string(t.TriggerEvent),
		nullString(t.MemberID),
		nullString(t.VisitorID),
		nullString(t.PrayerRequestID),
		t.RecipientRef.Key(),
		nullString(t.Email),
		nullString(t.Phone),
		nullString(t.Timezone),
		contextJSON,
		formatTime(t.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trigger event: %w", err)
	}
	return requireAffected(result, ErrDuplicateTrigger)
}

// ListForRecipient returns a recipient's triggers of one type since a time.
func (r *TriggerRepository) ListForRecipient(ctx context.Context, tenantID, recipientKey string, trigger models.TriggerEventType, since time.Time) ([]*models.TriggerEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+triggerColumns+` FROM trigger_events
		WHERE tenant_id = ? AND recipient_key = ? AND trigger_event = ? AND occurred_at >= ?
		ORDER BY occurred_at
	`, tenantID, recipientKey, string(trigger), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query trigger events: %w", err)
	}
	defer rows.Close()

	var triggers []*models.TriggerEvent
	for rows.Next() {
		var t models.TriggerEvent
		var trigger, recipientKey, occurredAt string
		var memberID, visitorID, prayerID, email, phone, timezone, contextJSON sql.NullString
		if err := rows.Scan(&t.ID, &t.TenantID, &trigger, &memberID, &visitorID, &prayerID,
			&recipientKey, &email, &phone, &timezone, &contextJSON, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger event: %w", err)
		}
		t.TriggerEvent = models.TriggerEventType(trigger)
		t.MemberID = memberID.String
		t.VisitorID = visitorID.String
		t.PrayerRequestID = prayerID.String
		t.Email = email.String
		t.Phone = phone.String
		t.Timezone = timezone.String
		t.OccurredAt = parseTime(occurredAt)
		if contextJSON.Valid {
			if err := json.Unmarshal([]byte(contextJSON.String), &t.Context); err != nil {
				r.db.logger.Warn().Err(err).Str("trigger_id", t.ID).Msg("failed to parse trigger context")
			}
		}
		triggers = append(triggers, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trigger events: %w", err)
	}
	return triggers, nil
}
