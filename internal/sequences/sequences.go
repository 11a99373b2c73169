// Package sequences loads follow-up sequence definitions from YAML and
// imports them into the sequence store.
package sequences

import "github.com/visionarychurch/followup/internal/models"

// Definition is the file form of a sequence.
type Definition struct {
	Name              string             `yaml:"name"`
	Description       string             `yaml:"description"`
	Type              string             `yaml:"type"`
	Trigger           string             `yaml:"trigger"`
	TriggerConditions []models.Condition `yaml:"trigger_conditions,omitempty"`
	Active            *bool              `yaml:"active,omitempty"`
	StartDelay        string             `yaml:"start_delay,omitempty"`
	MaxEnrollments    *int               `yaml:"max_enrollments,omitempty"`
	EnrollmentWindow  string             `yaml:"enrollment_window,omitempty"`
	Priority          int                `yaml:"priority,omitempty"`
	ConversionEvent   string             `yaml:"conversion_event,omitempty"`
	SendWindow        *models.SendWindow `yaml:"send_window,omitempty"`
	Steps             []StepDefinition   `yaml:"steps"`
	Source            string             `yaml:"-"` // file path or "builtin"
}

// StepDefinition is the file form of a sequence step.
type StepDefinition struct {
	Type           string             `yaml:"type"`
	Name           string             `yaml:"name,omitempty"`
	Delay          string             `yaml:"delay,omitempty"`
	Template       string             `yaml:"template,omitempty"`
	Subject        string             `yaml:"subject,omitempty"`
	Body           string             `yaml:"body,omitempty"`
	WebhookURL     string             `yaml:"webhook_url,omitempty"`
	SendConditions []models.Condition `yaml:"send_conditions,omitempty"`
	MaxRetries     int                `yaml:"max_retries,omitempty"`
}
