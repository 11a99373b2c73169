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

// ErrTemplateNotFound is returned when a template does not exist.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateRepository handles template persistence.
type TemplateRepository struct {
	db *DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, tenant_id, name, channel, subject, body, variables_json, created_at, updated_at`

// Create inserts a new template.
func (r *TemplateRepository) Create(ctx context.Context, t *models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	vars, err := marshalJSON(t.Variables)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.Name, string(t.Channel), nullString(t.Subject), t.Body, vars,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID.
func (r *TemplateRepository) Get(ctx context.Context, id string) (*models.Template, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	return r.scanTemplate(row)
}

// List returns a tenant's templates ordered by name.
func (r *TemplateRepository) List(ctx context.Context, tenantID string) ([]*models.Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM templates WHERE tenant_id = ? ORDER BY name, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// Update replaces a template's content.
func (r *TemplateRepository) Update(ctx context.Context, t *models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	vars, err := marshalJSON(t.Variables)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE templates SET name = ?, channel = ?, subject = ?, body = ?, variables_json = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?
	`, t.Name, string(t.Channel), nullString(t.Subject), t.Body, vars, formatTime(t.UpdatedAt), t.ID, t.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	return requireAffected(result, ErrTemplateNotFound)
}

// Delete removes a template.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return requireAffected(result, ErrTemplateNotFound)
}

func (r *TemplateRepository) scanTemplate(row scanner) (*models.Template, error) {
	var t models.Template
	var channel, createdAt, updatedAt string
	var subject, varsJSON sql.NullString

	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &channel, &subject, &t.Body, &varsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	t.Channel = models.StepType(channel)
	t.Subject = subject.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if varsJSON.Valid {
		if err := json.Unmarshal([]byte(varsJSON.String), &t.Variables); err != nil {
			r.db.logger.Warn().Err(err).Str("template_id", t.ID).Msg("failed to parse template variables")
		}
	}
	return &t, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal json: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func requireAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
