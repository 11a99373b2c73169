package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/visionarychurch/followup/internal/models"
)

// Enrollment repository errors.
var (
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrEnrollmentExists is returned when the recipient already has a live
	// enrollment, or completed one within the sequence's enrollment window.
	ErrEnrollmentExists = errors.New("enrollment already exists")

	// ErrEnrollmentCapacity is returned when the sequence's live enrollment cap is reached.
	ErrEnrollmentCapacity = errors.New("enrollment capacity reached")

	// ErrClaimLost is returned when a claimed enrollment is no longer held by the caller.
	ErrClaimLost = errors.New("enrollment claim lost")

	// ErrEnrollmentChanged is returned by SaveIfStatus when the stored status moved.
	ErrEnrollmentChanged = errors.New("enrollment changed concurrently")
)

// EnrollmentRepository handles enrollment persistence and dispatcher claims.
type EnrollmentRepository struct {
	db *DB
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(db *DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// EnrollGuards are the admission checks applied atomically with the insert.
type EnrollGuards struct {
	// MaxEnrollments caps live enrollments in the sequence. Nil is unlimited.
	MaxEnrollments *int

	// CompletedSince blocks re-enrollment when a completion at or after this
	// time exists. Nil disables the window.
	CompletedSince *time.Time
}

const enrollmentColumns = `id, tenant_id, sequence_id, member_id, visitor_id, prayer_request_id,
	recipient_key, email, phone, timezone, data_json, status, current_step, next_send_at,
	priority_boost, variant_id, trigger_event, enrolled_at, last_step_at, completed_at,
	cancelled_at, cancel_reason, processing_token, claimed_at, updated_at`

// Insert applies the guards and inserts the enrollment in one transaction.
func (r *EnrollmentRepository) Insert(ctx context.Context, e *models.Enrollment, guards EnrollGuards) error {
	if e.RecipientKey == "" {
		e.RecipientKey = e.RecipientRef.Key()
	}
	if e.RecipientKey == "" {
		return e.RecipientRef.Validate()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.EnrolledAt.IsZero() {
		e.EnrolledAt = time.Now().UTC()
	}
	e.UpdatedAt = e.EnrolledAt

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var dupes int
		var since any
		if guards.CompletedSince != nil {
			since = formatTime(*guards.CompletedSince)
		}
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM enrollments
			WHERE sequence_id = ? AND recipient_key = ?
			  AND (status IN ('active', 'paused')
			       OR (status = 'completed' AND ? IS NOT NULL AND completed_at >= ?))
		`, e.SequenceID, e.RecipientKey, since, since).Scan(&dupes)
		if err != nil {
			return fmt.Errorf("failed to check existing enrollments: %w", err)
		}
		if dupes > 0 {
			return ErrEnrollmentExists
		}

		if guards.MaxEnrollments != nil {
			var live int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM enrollments WHERE sequence_id = ? AND status IN ('active', 'paused')
			`, e.SequenceID).Scan(&live)
			if err != nil {
				return fmt.Errorf("failed to count live enrollments: %w", err)
			}
			if live >= *guards.MaxEnrollments {
				return ErrEnrollmentCapacity
			}
		}

		args, err := enrollmentArgs(e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO enrollments (`+enrollmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, args...)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrEnrollmentExists
			}
			return fmt.Errorf("failed to insert enrollment: %w", err)
		}
		return nil
	})
}

// Get retrieves an enrollment by ID.
func (r *EnrollmentRepository) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	return r.scanEnrollment(row)
}

// Save writes every mutable field of the enrollment.
func (r *EnrollmentRepository) Save(ctx context.Context, e *models.Enrollment) error {
	return r.save(ctx, e, "", ErrEnrollmentNotFound)
}

// SaveIfStatus writes the enrollment only while its stored status is still
// expected, so a concurrent cancel is never overwritten.
func (r *EnrollmentRepository) SaveIfStatus(ctx context.Context, e *models.Enrollment, expected models.EnrollmentStatus) error {
	return r.save(ctx, e, string(expected), ErrEnrollmentChanged)
}

func (r *EnrollmentRepository) save(ctx context.Context, e *models.Enrollment, expected string, notFound error) error {
	e.UpdatedAt = time.Now().UTC()
	data, err := marshalJSON(e.Data)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollments SET
			email = ?, phone = ?, timezone = ?, data_json = ?, status = ?, current_step = ?,
			next_send_at = ?, priority_boost = ?, variant_id = ?, last_step_at = ?, completed_at = ?,
			cancelled_at = ?, cancel_reason = ?, processing_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND (? = '' OR status = ?)
	`,
		nullString(e.Email),
		nullString(e.Phone),
		nullString(e.Timezone),
		data,
		string(e.Status),
		e.CurrentStep,
		formatTimePtr(e.NextSendAt),
		e.PriorityBoost,
		nullString(e.VariantID),
		formatTimePtr(e.LastStepAt),
		formatTimePtr(e.CompletedAt),
		formatTimePtr(e.CancelledAt),
		nullString(e.CancelReason),
		nullString(e.ProcessingToken),
		formatTimePtr(e.ClaimedAt),
		formatTime(e.UpdatedAt),
		e.ID,
		expected,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}
	return requireAffected(result, notFound)
}

// List returns enrollments matching the filters, newest first.
func (r *EnrollmentRepository) List(ctx context.Context, f models.EnrollmentFilters) ([]*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE 1=1`
	args := []any{}

	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, f.SequenceID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.RecipientKey != "" {
		query += ` AND recipient_key = ?`
		args = append(args, f.RecipientKey)
	}
	if f.Email != "" {
		query += ` AND email = ?`
		args = append(args, f.Email)
	}
	if f.Phone != "" {
		query += ` AND phone = ?`
		args = append(args, f.Phone)
	}
	if f.EnrolledFrom != nil {
		query += ` AND enrolled_at >= ?`
		args = append(args, formatTime(*f.EnrolledFrom))
	}
	if f.EnrolledTo != nil {
		query += ` AND enrolled_at < ?`
		args = append(args, formatTime(*f.EnrolledTo))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY enrolled_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	return r.list(ctx, query, args...)
}

// ListLiveByContact returns a tenant's live enrollments sent to email or phone.
func (r *EnrollmentRepository) ListLiveByContact(ctx context.Context, tenantID, email, phone string) ([]*models.Enrollment, error) {
	if email == "" && phone == "" {
		return nil, nil
	}
	return r.list(ctx, `
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE tenant_id = ? AND status IN ('active', 'paused')
		  AND ((? <> '' AND lower(email) = ?) OR (? <> '' AND phone = ?))
		ORDER BY enrolled_at
	`, tenantID, email, normalizeEmail(email), phone, phone)
}

// ListDue returns active enrollments due at now, highest effective priority
// first, then oldest due time. Claimed enrollments are skipped unless the
// claim is older than staleBefore.
func (r *EnrollmentRepository) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+prefixColumns(enrollmentColumns, "e")+`
		FROM enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		WHERE e.status = 'active'
		  AND e.next_send_at IS NOT NULL AND e.next_send_at <= ?
		  AND (e.processing_token IS NULL OR e.claimed_at < ?)
		ORDER BY (s.priority + e.priority_boost) DESC, e.next_send_at ASC, e.id
		LIMIT ?
	`, formatTime(now), formatTime(staleBefore), limit)
}

// Claim marks a due enrollment as owned by token. It returns false when
// another worker holds a fresh claim, the enrollment is no longer due, or
// another enrollment of the same recipient is claimed.
func (r *EnrollmentRepository) Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollments SET processing_token = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'
		  AND next_send_at IS NOT NULL AND next_send_at <= ?
		  AND (processing_token IS NULL OR claimed_at < ?)
		  AND NOT EXISTS (
			SELECT 1 FROM enrollments other
			WHERE other.tenant_id = enrollments.tenant_id
			  AND other.recipient_key = enrollments.recipient_key
			  AND other.id <> enrollments.id
			  AND other.processing_token IS NOT NULL AND other.claimed_at >= ?
		  )
	`, token, formatTime(now), formatTime(now), id, formatTime(now), formatTime(staleBefore), formatTime(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim enrollment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Release clears a claim held by token, optionally moving next_send_at.
// Enrollments that reached a terminal status while claimed return ErrClaimLost.
func (r *EnrollmentRepository) Release(ctx context.Context, id, token string, nextSendAt *time.Time) error {
	query := `UPDATE enrollments SET processing_token = NULL, claimed_at = NULL, updated_at = ?`
	args := []any{formatTime(time.Now())}
	if nextSendAt != nil {
		query += `, next_send_at = ?`
		args = append(args, formatTime(*nextSendAt))
	}
	query += ` WHERE id = ? AND processing_token = ? AND status IN ('active', 'paused')`
	args = append(args, id, token)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to release enrollment: %w", err)
	}
	return requireAffected(result, ErrClaimLost)
}

// CountLive returns the number of active and paused enrollments in a sequence.
func (r *EnrollmentRepository) CountLive(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enrollments WHERE sequence_id = ? AND status IN ('active', 'paused')
	`, sequenceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrollments: %w", err)
	}
	return n, nil
}

// CountByStatus returns enrollment counts per status, optionally for one tenant.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, tenantID string) (map[models.EnrollmentStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM enrollments`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}
	defer rows.Close()

	counts := map[models.EnrollmentStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[models.EnrollmentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *EnrollmentRepository) list(ctx context.Context, query string, args ...any) ([]*models.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*models.Enrollment
	for rows.Next() {
		e, err := r.scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}
	return enrollments, nil
}

func (r *EnrollmentRepository) scanEnrollment(row scanner) (*models.Enrollment, error) {
	var e models.Enrollment
	var memberID, visitorID, prayerID, email, phone, timezone, dataJSON sql.NullString
	var nextSendAt, variantID, trigger, lastStepAt, completedAt, cancelledAt sql.NullString
	var cancelReason, token, claimedAt sql.NullString
	var status, enrolledAt, updatedAt string

	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.SequenceID,
		&memberID,
		&visitorID,
		&prayerID,
		&e.RecipientKey,
		&email,
		&phone,
		&timezone,
		&dataJSON,
		&status,
		&e.CurrentStep,
		&nextSendAt,
		&e.PriorityBoost,
		&variantID,
		&trigger,
		&enrolledAt,
		&lastStepAt,
		&completedAt,
		&cancelledAt,
		&cancelReason,
		&token,
		&claimedAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	e.MemberID = memberID.String
	e.VisitorID = visitorID.String
	e.PrayerRequestID = prayerID.String
	e.Email = email.String
	e.Phone = phone.String
	e.Timezone = timezone.String
	e.Status = models.EnrollmentStatus(status)
	e.NextSendAt = parseTimePtr(nextSendAt)
	e.VariantID = variantID.String
	e.TriggerEvent = models.TriggerEventType(trigger.String)
	e.EnrolledAt = parseTime(enrolledAt)
	e.LastStepAt = parseTimePtr(lastStepAt)
	e.CompletedAt = parseTimePtr(completedAt)
	e.CancelledAt = parseTimePtr(cancelledAt)
	e.CancelReason = cancelReason.String
	e.ProcessingToken = token.String
	e.ClaimedAt = parseTimePtr(claimedAt)
	e.UpdatedAt = parseTime(updatedAt)
	if dataJSON.Valid {
		if err := json.Unmarshal([]byte(dataJSON.String), &e.Data); err != nil {
			r.db.logger.Warn().Err(err).Str("enrollment_id", e.ID).Msg("failed to parse enrollment data")
		}
	}
	return &e, nil
}

func enrollmentArgs(e *models.Enrollment) ([]any, error) {
	data, err := marshalJSON(e.Data)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID,
		e.TenantID,
		e.SequenceID,
		nullString(e.MemberID),
		nullString(e.VisitorID),
		nullString(e.PrayerRequestID),
		e.RecipientKey,
		nullString(e.Email),
		nullString(e.Phone),
		nullString(e.Timezone),
		data,
		string(e.Status),
		e.CurrentStep,
		formatTimePtr(e.NextSendAt),
		e.PriorityBoost,
		nullString(e.VariantID),
		nullString(string(e.TriggerEvent)),
		formatTime(e.EnrolledAt),
		formatTimePtr(e.LastStepAt),
		formatTimePtr(e.CompletedAt),
		formatTimePtr(e.CancelledAt),
		nullString(e.CancelReason),
		nullString(e.ProcessingToken),
		formatTimePtr(e.ClaimedAt),
		formatTime(e.UpdatedAt),
	}, nil
}

// prefixColumns qualifies a comma separated column list with a table alias.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
