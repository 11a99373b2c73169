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

// Sequence repository errors.
var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrVariantNotFound  = errors.New("variant not found")
)

// SequenceRepository persists sequences with their steps and variants.
type SequenceRepository struct {
	db *DB
}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository(db *DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// SequenceQuery filters sequence listings.
type SequenceQuery struct {
	TenantID     string
	TriggerEvent models.TriggerEventType
	ActiveOnly   bool
	SequenceType models.SequenceType
}

const sequenceColumns = `id, tenant_id, name, description, sequence_type, trigger_event,
	trigger_conditions_json, is_active, start_delay_minutes, max_enrollments,
	enrollment_window_hours, priority, conversion_event, send_window_json, created_at, updated_at`

const stepColumns = `id, sequence_id, step_order, step_type, name, delay_after_previous,
	template_id, subject, body, webhook_url, send_conditions_json, max_retries`

// Create validates and inserts a sequence with its steps.
func (r *SequenceRepository) Create(ctx context.Context, seq *models.Sequence) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	seq.CreatedAt, seq.UpdatedAt = now, now
	seq.SortSteps()

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		args, err := sequenceArgs(seq)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sequences (`+sequenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, append([]any{seq.ID}, append(args, formatTime(seq.CreatedAt), formatTime(seq.UpdatedAt))...)...)
		if err != nil {
			return fmt.Errorf("failed to insert sequence: %w", err)
		}
		return insertSteps(ctx, tx, seq, nil)
	})
}

// Update validates the sequence and replaces its fields and steps atomically.
// Steps keep their ids by step_order so existing messages stay attached.
func (r *SequenceRepository) Update(ctx context.Context, seq *models.Sequence) error {
	if err := seq.Validate(); err != nil {
		return err
	}
	seq.UpdatedAt = time.Now().UTC()
	seq.SortSteps()

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		args, err := sequenceArgs(seq)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE sequences SET
				tenant_id = ?, name = ?, description = ?, sequence_type = ?, trigger_event = ?,
				trigger_conditions_json = ?, is_active = ?, start_delay_minutes = ?, max_enrollments = ?,
				enrollment_window_hours = ?, priority = ?, conversion_event = ?, send_window_json = ?,
				updated_at = ?
			WHERE id = ?
		`, append(args, formatTime(seq.UpdatedAt), seq.ID)...)
		if err != nil {
			return fmt.Errorf("failed to update sequence: %w", err)
		}
		if err := requireAffected(result, ErrSequenceNotFound); err != nil {
			return err
		}

		existing := map[int]string{}
		rows, err := tx.QueryContext(ctx, `SELECT step_order, id FROM sequence_steps WHERE sequence_id = ?`, seq.ID)
		if err != nil {
			return fmt.Errorf("failed to query steps: %w", err)
		}
		for rows.Next() {
			var order int
			var id string
			if err := rows.Scan(&order, &id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan step: %w", err)
			}
			existing[order] = id
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM sequence_steps WHERE sequence_id = ?`, seq.ID); err != nil {
			return fmt.Errorf("failed to delete steps: %w", err)
		}
		return insertSteps(ctx, tx, seq, existing)
	})
}

// SetActive toggles a sequence's active flag.
func (r *SequenceRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, `UPDATE sequences SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}
	return requireAffected(result, ErrSequenceNotFound)
}

// Delete removes a sequence and, by cascade, its steps, variants and enrollments.
func (r *SequenceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sequence: %w", err)
	}
	return requireAffected(result, ErrSequenceNotFound)
}

// Get retrieves a sequence with its steps ordered by step_order.
func (r *SequenceRepository) Get(ctx context.Context, id string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id)
	seq, err := r.scanSequence(row)
	if err != nil {
		return nil, err
	}
	steps, err := r.loadSteps(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	seq.Steps = steps
	return seq, nil
}

// List returns sequences matching the query, highest priority first.
func (r *SequenceRepository) List(ctx context.Context, q SequenceQuery) ([]*models.Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE 1=1`
	args := []any{}

	if q.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, q.TenantID)
	}
	if q.TriggerEvent != "" {
		query += ` AND trigger_event = ?`
		args = append(args, string(q.TriggerEvent))
	}
	if q.SequenceType != "" {
		query += ` AND sequence_type = ?`
		args = append(args, string(q.SequenceType))
	}
	if q.ActiveOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY priority DESC, created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	var sequences []*models.Sequence
	for rows.Next() {
		seq, err := r.scanSequence(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating sequences: %w", err)
	}
	rows.Close()

	for _, seq := range sequences {
		steps, err := r.loadSteps(ctx, seq.ID)
		if err != nil {
			return nil, err
		}
		seq.Steps = steps
	}
	return sequences, nil
}

// ListActiveByTrigger returns a tenant's active sequences for a trigger.
func (r *SequenceRepository) ListActiveByTrigger(ctx context.Context, tenantID string, trigger models.TriggerEventType) ([]*models.Sequence, error) {
	return r.List(ctx, SequenceQuery{TenantID: tenantID, TriggerEvent: trigger, ActiveOnly: true})
}

func (r *SequenceRepository) loadSteps(ctx context.Context, sequenceID string) ([]models.SequenceStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM sequence_steps WHERE sequence_id = ? ORDER BY step_order
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []models.SequenceStep
	for rows.Next() {
		var step models.SequenceStep
		var stepType string
		var name, templateID, subject, body, webhookURL, conditionsJSON sql.NullString
		if err := rows.Scan(
			&step.ID,
			&step.SequenceID,
			&step.StepOrder,
			&stepType,
			&name,
			&step.DelayAfterPrevious,
			&templateID,
			&subject,
			&body,
			&webhookURL,
			&conditionsJSON,
			&step.MaxRetries,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.StepType = models.StepType(stepType)
		step.Name = name.String
		step.Content = models.StepContent{TemplateID: templateID.String, Subject: subject.String, Body: body.String}
		step.WebhookURL = webhookURL.String
		if conditionsJSON.Valid {
			if err := json.Unmarshal([]byte(conditionsJSON.String), &step.SendConditions); err != nil {
				r.db.logger.Warn().Err(err).Str("step_id", step.ID).Msg("failed to parse send conditions")
			}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

func (r *SequenceRepository) scanSequence(row scanner) (*models.Sequence, error) {
	var seq models.Sequence
	var seqType, trigger, createdAt, updatedAt string
	var description, conditionsJSON, conversion, windowJSON sql.NullString
	var isActive int
	var maxEnrollments sql.NullInt64

	err := row.Scan(
		&seq.ID,
		&seq.TenantID,
		&seq.Name,
		&description,
		&seqType,
		&trigger,
		&conditionsJSON,
		&isActive,
		&seq.StartDelayMinutes,
		&maxEnrollments,
		&seq.EnrollmentWindowHours,
		&seq.Priority,
		&conversion,
		&windowJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSequenceNotFound
		}
		return nil, fmt.Errorf("failed to scan sequence: %w", err)
	}

	seq.Description = description.String
	seq.SequenceType = models.SequenceType(seqType)
	seq.TriggerEvent = models.TriggerEventType(trigger)
	seq.IsActive = isActive != 0
	seq.ConversionEvent = models.TriggerEventType(conversion.String)
	seq.CreatedAt = parseTime(createdAt)
	seq.UpdatedAt = parseTime(updatedAt)
	if maxEnrollments.Valid {
		v := int(maxEnrollments.Int64)
		seq.MaxEnrollments = &v
	}
	if conditionsJSON.Valid {
		if err := json.Unmarshal([]byte(conditionsJSON.String), &seq.TriggerConditions); err != nil {
			r.db.logger.Warn().Err(err).Str("sequence_id", seq.ID).Msg("failed to parse trigger conditions")
		}
	}
	if windowJSON.Valid {
		var w models.SendWindow
		if err := json.Unmarshal([]byte(windowJSON.String), &w); err != nil {
			r.db.logger.Warn().Err(err).Str("sequence_id", seq.ID).Msg("failed to parse send window")
		} else {
			seq.SendWindow = &w
		}
	}
	return &seq, nil
}

// sequenceArgs returns the column values after id, up to but excluding the timestamps.
func sequenceArgs(seq *models.Sequence) ([]any, error) {
	conditions, err := marshalJSON(seq.TriggerConditions)
	if err != nil {
		return nil, err
	}
	var window sql.NullString
	if seq.SendWindow != nil {
		if window, err = marshalJSON(seq.SendWindow); err != nil {
			return nil, err
		}
	}
	var maxEnrollments any
	if seq.MaxEnrollments != nil {
		maxEnrollments = *seq.MaxEnrollments
	}
	return []any{
		seq.TenantID,
		seq.Name,
		nullString(seq.Description),
		string(seq.SequenceType),
		string(seq.TriggerEvent),
		conditions,
		boolToInt(seq.IsActive),
		seq.StartDelayMinutes,
		maxEnrollments,
		seq.EnrollmentWindowHours,
		seq.Priority,
		nullString(string(seq.ConversionEvent)),
		window,
	}, nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, seq *models.Sequence, existingIDs map[int]string) error {
	for i := range seq.Steps {
		step := &seq.Steps[i]
		if step.ID == "" {
			if id, ok := existingIDs[step.StepOrder]; ok {
				step.ID = id
			} else {
				step.ID = uuid.New().String()
			}
		}
		step.SequenceID = seq.ID

		conditions, err := marshalJSON(step.SendConditions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sequence_steps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.ID,
			step.SequenceID,
			step.StepOrder,
			string(step.StepType),
			nullString(step.Name),
			step.DelayAfterPrevious,
			nullString(step.Content.TemplateID),
			nullString(step.Content.Subject),
			nullString(step.Content.Body),
			nullString(step.WebhookURL),
			conditions,
			step.MaxRetries,
		)
		if err != nil {
			return fmt.Errorf("failed to insert step %d: %w", step.StepOrder, err)
		}
	}
	return nil
}

const variantColumns = `id, sequence_id, name, traffic_percentage, is_active, overrides_json, created_at`

// CreateVariant inserts a variant, keeping active traffic at or below 100%.
func (r *SequenceRepository) CreateVariant(ctx context.Context, v *models.SequenceVariant) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = time.Now().UTC()

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sequences WHERE id = ?`, v.SequenceID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check sequence: %w", err)
		}
		if exists == 0 {
			return ErrSequenceNotFound
		}
		variants, err := r.listVariants(ctx, tx, v.SequenceID)
		if err != nil {
			return err
		}
		if err := models.ValidateVariantTraffic(append(variants, v)); err != nil {
			return err
		}
		overrides, err := marshalJSON(v.Overrides)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sequence_variants (`+variantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.ID, v.SequenceID, v.Name, v.TrafficPercentage, boolToInt(v.IsActive), overrides, formatTime(v.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert variant: %w", err)
		}
		return nil
	})
}

// UpdateVariant replaces a variant, keeping active traffic at or below 100%.
func (r *SequenceRepository) UpdateVariant(ctx context.Context, v *models.SequenceVariant) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		variants, err := r.listVariants(ctx, tx, v.SequenceID)
		if err != nil {
			return err
		}
		found := false
		for i, existing := range variants {
			if existing.ID == v.ID {
				variants[i] = v
				found = true
			}
		}
		if !found {
			return ErrVariantNotFound
		}
		if err := models.ValidateVariantTraffic(variants); err != nil {
			return err
		}
		overrides, err := marshalJSON(v.Overrides)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sequence_variants SET name = ?, traffic_percentage = ?, is_active = ?, overrides_json = ?
			WHERE id = ?
		`, v.Name, v.TrafficPercentage, boolToInt(v.IsActive), overrides, v.ID)
		if err != nil {
			return fmt.Errorf("failed to update variant: %w", err)
		}
		return nil
	})
}

// DeleteVariant removes a variant.
func (r *SequenceRepository) DeleteVariant(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sequence_variants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete variant: %w", err)
	}
	return requireAffected(result, ErrVariantNotFound)
}

// GetVariant retrieves a variant by ID.
func (r *SequenceRepository) GetVariant(ctx context.Context, id string) (*models.SequenceVariant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+variantColumns+` FROM sequence_variants WHERE id = ?`, id)
	v, err := r.scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVariantNotFound
	}
	return v, err
}

// ListVariants returns a sequence's variants in creation order.
func (r *SequenceRepository) ListVariants(ctx context.Context, sequenceID string) ([]*models.SequenceVariant, error) {
	return r.listVariants(ctx, r.db, sequenceID)
}

func (r *SequenceRepository) listVariants(ctx context.Context, q querier, sequenceID string) ([]*models.SequenceVariant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+variantColumns+` FROM sequence_variants WHERE sequence_id = ? ORDER BY created_at, id
	`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	var variants []*models.SequenceVariant
	for rows.Next() {
		v, err := r.scanVariant(rows)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variants: %w", err)
	}
	return variants, nil
}

func (r *SequenceRepository) scanVariant(row scanner) (*models.SequenceVariant, error) {
	var v models.SequenceVariant
	var isActive int
	var overridesJSON sql.NullString
	var createdAt string

	if err := row.Scan(&v.ID, &v.SequenceID, &v.Name, &v.TrafficPercentage, &isActive, &overridesJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}
	v.IsActive = isActive != 0
	v.CreatedAt = parseTime(createdAt)
	if overridesJSON.Valid {
		if err := json.Unmarshal([]byte(overridesJSON.String), &v.Overrides); err != nil {
			r.db.logger.Warn().Err(err).Str("variant_id", v.ID).Msg("failed to parse variant overrides")
		}
	}
	return &v, nil
}
