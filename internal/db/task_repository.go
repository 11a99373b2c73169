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

// ErrTaskNotFound is returned when a task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository persists staff tasks created by internal_task steps.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, tenant_id, enrollment_id, message_id, title, description, assignee, status, due_at, created_at`

// CreateForMessage inserts a task unless one already exists for the message,
// and returns the stored task either way.
func (r *TaskRepository) CreateForMessage(ctx context.Context, t *models.Task) (*models.Task, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING
	`, t.ID, t.TenantID, t.EnrollmentID, t.MessageID, t.Title, nullString(t.Description),
		nullString(t.Assignee), string(t.Status), formatTimePtr(t.DueAt), formatTime(t.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE message_id = ?`, t.MessageID)
	return scanTask(row)
}

// List returns a tenant's tasks, optionally by status, newest first.
func (r *TaskRepository) List(ctx context.Context, tenantID string, status models.TaskStatus) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var description, assignee, dueAt sql.NullString
	var status, createdAt string
	if err := row.Scan(&t.ID, &t.TenantID, &t.EnrollmentID, &t.MessageID, &t.Title, &description,
		&assignee, &status, &dueAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	t.Description = description.String
	t.Assignee = assignee.String
	t.Status = models.TaskStatus(status)
	t.DueAt = parseTimePtr(dueAt)
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}
