package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/visionarychurch/followup/internal/models"
)

// TaskStore creates staff tasks.
type TaskStore interface {
	CreateForMessage(ctx context.Context, t *models.Task) (*models.Task, error)
}

// TaskSender turns internal_task steps into staff tasks. The rendered
// subject is the title and the body the description.
type TaskSender struct {
	store TaskStore
	now   func() time.Time
}

// NewTaskSender creates a task sender.
func NewTaskSender(store TaskStore) *TaskSender {
	return &TaskSender{store: store, now: time.Now}
}

// Channel implements Sender.
func (s *TaskSender) Channel() models.StepType { return models.StepTypeInternalTask }

// Send implements Sender. Repeated sends for one message return the same task.
func (s *TaskSender) Send(ctx context.Context, env Envelope) (string, error) {
	title := strings.TrimSpace(env.Subject)
	if title == "" {
		title = fmt.Sprintf("Follow-up step %d", env.StepOrder)
	}

	task := &models.Task{
		TenantID:     env.TenantID,
		EnrollmentID: env.EnrollmentID,
		MessageID:    env.MessageID,
		Title:        title,
		Description:  env.Body,
		Assignee:     env.Data["assignee"],
		Status:       models.TaskStatusOpen,
	}
	if due := env.Data["task_due_days"]; due != "" {
		var days int
		if _, err := fmt.Sscanf(due, "%d", &days); err == nil && days > 0 {
			at := s.now().UTC().AddDate(0, 0, days)
			task.DueAt = &at
		}
	}

	created, err := s.store.CreateForMessage(ctx, task)
	if err != nil {
		return "", Transient(fmt.Errorf("create task: %w", err))
	}
	return created.ID, nil
}
