package models

import "time"

// TaskStatus is the state of a staff task.
type TaskStatus string

const (
	TaskStatusOpen TaskStatus = "open"
	TaskStatusDone TaskStatus = "done"
)

// Task is a staff to-do created by an internal_task step.
type Task struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	EnrollmentID string     `json:"enrollment_id"`
	MessageID    string     `json:"message_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Status       TaskStatus `json:"status"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
