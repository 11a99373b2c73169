package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/visionarychurch/followup/internal/models"
)

var (
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrMessageChanged is returned by Save when the message was written
	// by someone else after the caller read it.
	ErrMessageChanged = errors.New("message changed concurrently")
)

// MessageRepository persists sequence messages, one per (enrollment, step).
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// MessageQuery filters message listings.
type MessageQuery struct {
	SequenceID   string
	EnrollmentID string
	Status       models.MessageStatus
	Limit        int
}

const messageColumns = `id, tenant_id, enrollment_id, sequence_id, step_id, step_order, variant_id,
	channel, recipient, subject, body, status, status_source, retry_count, max_retries,
	scheduled_for, sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at,
	external_id, error_message, bounce_reason, version, created_at, updated_at`

// GetOrCreate returns the message for (m.EnrollmentID, m.StepID), inserting m
// when none exists. created reports whether m was inserted.
func (r *MessageRepository) GetOrCreate(ctx context.Context, m *models.SequenceMessage) (*models.SequenceMessage, bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = models.MessageStatusPending
	}
	if m.StatusSource == "" {
		m.StatusSource = models.StatusSourceLocal
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (enrollment_id, step_id) DO NOTHING
	`, messageArgs(m)...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	stored, err := r.GetByStep(ctx, m.EnrollmentID, m.StepID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// Get retrieves a message by ID.
func (r *MessageRepository) Get(ctx context.Context, id string) (*models.SequenceMessage, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM sequence_messages WHERE id = ?`, id)
	return r.scanMessage(row)
}

// GetByStep retrieves the message for an enrollment step.
func (r *MessageRepository) GetByStep(ctx context.Context, enrollmentID, stepID string) (*models.SequenceMessage, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM sequence_messages WHERE enrollment_id = ? AND step_id = ?
	`, enrollmentID, stepID)
	return r.scanMessage(row)
}

// GetByExternalID retrieves a message by its provider id.
func (r *MessageRepository) GetByExternalID(ctx context.Context, externalID string) (*models.SequenceMessage, error) {
	if externalID == "" {
		return nil, ErrMessageNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM sequence_messages WHERE external_id = ? LIMIT 1
	`, externalID)
	return r.scanMessage(row)
}

// Save writes every mutable field of the message. The write only applies
// to the version m was read at; otherwise it returns ErrMessageChanged.
func (r *MessageRepository) Save(ctx context.Context, m *models.SequenceMessage) error {
	updatedAt := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE sequence_messages SET
			variant_id = ?, recipient = ?, subject = ?, body = ?, status = ?, status_source = ?,
			retry_count = ?, max_retries = ?, scheduled_for = ?, sent_at = ?, delivered_at = ?,
			opened_at = ?, clicked_at = ?, bounced_at = ?, failed_at = ?, external_id = ?,
			error_message = ?, bounce_reason = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		nullString(m.VariantID),
		nullString(m.Recipient),
		nullString(m.Subject),
		nullString(m.Body),
		string(m.Status),
		string(m.StatusSource),
		m.RetryCount,
		m.MaxRetries,
		formatTimePtr(m.ScheduledFor),
		formatTimePtr(m.SentAt),
		formatTimePtr(m.DeliveredAt),
		formatTimePtr(m.OpenedAt),
		formatTimePtr(m.ClickedAt),
		formatTimePtr(m.BouncedAt),
		formatTimePtr(m.FailedAt),
		nullString(m.ExternalID),
		nullString(m.ErrorMessage),
		nullString(m.BounceReason),
		formatTime(updatedAt),
		m.ID,
		m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequence_messages WHERE id = ?`, m.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check message: %w", err)
		}
		if exists == 0 {
			return ErrMessageNotFound
		}
		return ErrMessageChanged
	}
	m.Version++
	m.UpdatedAt = updatedAt
	return nil
}

// List returns messages matching the query ordered by step.
func (r *MessageRepository) List(ctx context.Context, q MessageQuery) ([]*models.SequenceMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM sequence_messages WHERE 1=1`
	args := []any{}

	if q.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, q.SequenceID)
	}
	if q.EnrollmentID != "" {
		query += ` AND enrollment_id = ?`
		args = append(args, q.EnrollmentID)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY created_at, step_order, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.SequenceMessage
	for rows.Next() {
		m, err := r.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// FailureSummary returns failure counts and the latest error per step of a sequence.
func (r *MessageRepository) FailureSummary(ctx context.Context, sequenceID string) ([]*models.StepFailureSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT
			m.step_order,
			m.channel,
			SUM(CASE WHEN m.status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN m.status = 'bounced' THEN 1 ELSE 0 END),
			SUM(CASE WHEN m.status = 'pending' AND m.retry_count > 0 THEN 1 ELSE 0 END),
			(SELECT l.error_message FROM sequence_messages l
			 WHERE l.sequence_id = m.sequence_id AND l.step_order = m.step_order
			   AND l.error_message IS NOT NULL
			 ORDER BY l.updated_at DESC LIMIT 1),
			MAX(COALESCE(m.failed_at, m.bounced_at))
		FROM sequence_messages m
		WHERE m.sequence_id = ?
		GROUP BY m.step_order, m.channel
		HAVING SUM(CASE WHEN m.status IN ('failed', 'bounced') OR m.retry_count > 0 THEN 1 ELSE 0 END) > 0
		ORDER BY m.step_order
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure summary: %w", err)
	}
	defer rows.Close()

	var summaries []*models.StepFailureSummary
	for rows.Next() {
		var s models.StepFailureSummary
		var channel string
		var lastError, lastFailed sql.NullString
		if err := rows.Scan(&s.StepOrder, &channel, &s.Failed, &s.Bounced, &s.Retrying, &lastError, &lastFailed); err != nil {
			return nil, fmt.Errorf("failed to scan failure summary: %w", err)
		}
		s.Channel = models.StepType(channel)
		s.LastError = lastError.String
		if t := parseTimePtr(lastFailed); t != nil {
			s.LastFailAt = *t
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure summary: %w", err)
	}
	return summaries, nil
}

func (r *MessageRepository) scanMessage(row scanner) (*models.SequenceMessage, error) {
	var m models.SequenceMessage
	var variantID, recipient, subject, body, externalID, errorMessage, bounceReason sql.NullString
	var scheduledFor, sentAt, deliveredAt, openedAt, clickedAt, bouncedAt, failedAt sql.NullString
	var channel, status, source, createdAt, updatedAt string

	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.EnrollmentID,
		&m.SequenceID,
		&m.StepID,
		&m.StepOrder,
		&variantID,
		&channel,
		&recipient,
		&subject,
		&body,
		&status,
		&source,
		&m.RetryCount,
		&m.MaxRetries,
		&scheduledFor,
		&sentAt,
		&deliveredAt,
		&openedAt,
		&clickedAt,
		&bouncedAt,
		&failedAt,
		&externalID,
		&errorMessage,
		&bounceReason,
		&m.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	m.VariantID = variantID.String
	m.Channel = models.StepType(channel)
	m.Recipient = recipient.String
	m.Subject = subject.String
	m.Body = body.String
	m.Status = models.MessageStatus(status)
	m.StatusSource = models.StatusSource(source)
	m.ScheduledFor = parseTimePtr(scheduledFor)
	m.SentAt = parseTimePtr(sentAt)
	m.DeliveredAt = parseTimePtr(deliveredAt)
	m.OpenedAt = parseTimePtr(openedAt)
	m.ClickedAt = parseTimePtr(clickedAt)
	m.BouncedAt = parseTimePtr(bouncedAt)
	m.FailedAt = parseTimePtr(failedAt)
	m.ExternalID = externalID.String
	m.ErrorMessage = errorMessage.String
	m.BounceReason = bounceReason.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func messageArgs(m *models.SequenceMessage) []any {
	return []any{
		m.ID,
		m.TenantID,
		m.EnrollmentID,
		m.SequenceID,
		m.StepID,
		m.StepOrder,
		nullString(m.VariantID),
		string(m.Channel),
		nullString(m.Recipient),
		nullString(m.Subject),
		nullString(m.Body),
		string(m.Status),
		string(m.StatusSource),
		m.RetryCount,
		m.MaxRetries,
		formatTimePtr(m.ScheduledFor),
		formatTimePtr(m.SentAt),
		formatTimePtr(m.DeliveredAt),
		formatTimePtr(m.OpenedAt),
		formatTimePtr(m.ClickedAt),
		formatTimePtr(m.BouncedAt),
		formatTimePtr(m.FailedAt),
		nullString(m.ExternalID),
		nullString(m.ErrorMessage),
		nullString(m.BounceReason),
		m.Version,
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	}
}
