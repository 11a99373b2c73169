package models

import (
	"strings"
	"time"
)

// Template is reusable message content with {{ name }} placeholders.
type Template struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name" validate:"required"`
	Channel   StepType  `json:"channel" validate:"required"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body" validate:"required"`
	Variables []string  `json:"variables,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the template.
func (t *Template) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(t.TenantID) == "" {
		validation.AddMessage("tenant_id", "tenant_id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		validation.AddMessage("name", "name is required")
	}
	if !t.Channel.Valid() {
		validation.Addf("channel", "unknown channel %q", t.Channel)
	}
	if strings.TrimSpace(t.Body) == "" {
		validation.AddMessage("body", "body is required")
	}
	return validation.Err()
}
