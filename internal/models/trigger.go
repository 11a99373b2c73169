package models

import (
	"strings"
	"time"
)

// TriggerEvent is an external occurrence that may enroll a recipient.
type TriggerEvent struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	TriggerEvent TriggerEventType `json:"trigger_event"`
	RecipientRef
	Contact
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Validate checks the trigger.
func (t *TriggerEvent) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(t.TenantID) == "" {
		validation.AddMessage("tenant_id", "tenant_id is required")
	}
	if strings.TrimSpace(string(t.TriggerEvent)) == "" {
		validation.AddMessage("trigger_event", "trigger_event is required")
	}
	if kind, _ := t.RecipientRef.Kind(); kind == "" {
		validation.AddMessage("recipient", "exactly one of member_id, visitor_id, prayer_request_id is required")
	}
	return validation.Err()
}

// ConditionInput returns the flat map trigger conditions are evaluated over.
func (t *TriggerEvent) ConditionInput() map[string]string {
	input := make(map[string]string, len(t.Context)+3)
	for k, v := range t.Context {
		input[k] = v
	}
	if t.Email != "" {
		input["email"] = t.Email
	}
	if t.Phone != "" {
		input["phone"] = t.Phone
	}
	if kind, _ := t.RecipientRef.Kind(); kind != "" {
		input["recipient_type"] = string(kind)
	}
	return input
}

// TriggerOutcome reports what happened for one matching sequence.
type TriggerOutcome struct {
	SequenceID   string `json:"sequence_id"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	Enrolled     bool   `json:"enrolled"`
	Reason       string `json:"reason,omitempty"`
}
