// Package models defines the follow-up engine's domain types.
package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// SequenceType groups sequences for unsubscribe scoping and reporting.
type SequenceType string

const (
	SequenceTypeVisitorFollowUp SequenceType = "visitor_followup"
	SequenceTypePrayerFollowUp  SequenceType = "prayer_followup"
	SequenceTypeEventFollowUp   SequenceType = "event_followup"
	SequenceTypeMemberCare      SequenceType = "member_care"
	SequenceTypeNurture         SequenceType = "nurture"
	SequenceTypeCustom          SequenceType = "custom"
)

// TriggerEventType names an external occurrence that can start a sequence.
type TriggerEventType string

const (
	TriggerVisitCompleted       TriggerEventType = "visit_completed"
	TriggerVisitScheduled       TriggerEventType = "visit_scheduled"
	TriggerPrayerRequestCreated TriggerEventType = "prayer_request_created"
	TriggerEventRegistered      TriggerEventType = "event_registered"
	TriggerChatCompleted        TriggerEventType = "chat_completed"
	TriggerMemberJoined         TriggerEventType = "member_joined"
	TriggerManual               TriggerEventType = "manual"
)

// DefaultConversionEvent is the follow-up trigger counted as a conversion.
const DefaultConversionEvent = TriggerVisitScheduled

// StepType is the action a step performs.
type StepType string

const (
	StepTypeEmail        StepType = "email"
	StepTypeSMS          StepType = "sms"
	StepTypeInternalTask StepType = "internal_task"
	StepTypeWebhook      StepType = "webhook"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeEmail, StepTypeSMS, StepTypeInternalTask, StepTypeWebhook:
		return true
	}
	return false
}

// ConditionOperator compares a field against a value.
type ConditionOperator string

const (
	OpEquals    ConditionOperator = "eq"
	OpNotEquals ConditionOperator = "neq"
	OpExists    ConditionOperator = "exists"
	OpNotExists ConditionOperator = "not_exists"
	OpContains  ConditionOperator = "contains"
	OpIn        ConditionOperator = "in"
	OpGreater   ConditionOperator = "gt"
	OpLess      ConditionOperator = "lt"
)

// Condition is one predicate over a flat string map.
type Condition struct {
	Field    string            `json:"field" yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    string            `json:"value,omitempty" yaml:"value,omitempty"`
}

// SendWindow restricts sends to a recipient-local hour range [StartHour, EndHour).
type SendWindow struct {
	StartHour int `json:"start_hour" yaml:"start_hour"`
	EndHour   int `json:"end_hour" yaml:"end_hour"`
}

// StepContent references a template or carries inline content.
type StepContent struct {
	TemplateID string `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Body       string `json:"body,omitempty" yaml:"body,omitempty"`
}

// Sequence is a trigger-started, ordered list of steps.
type Sequence struct {
	// ID is the unique identifier for the sequence.
	ID string `json:"id"`

	// TenantID is the owning church.
	TenantID string `json:"tenant_id" validate:"required"`

	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`

	SequenceType SequenceType     `json:"sequence_type" validate:"required"`
	TriggerEvent TriggerEventType `json:"trigger_event" validate:"required"`

	// TriggerConditions must all hold on the trigger context for enrollment.
	TriggerConditions []Condition `json:"trigger_conditions,omitempty"`

	IsActive bool `json:"is_active"`

	// StartDelayMinutes is added to the first step's delay.
	StartDelayMinutes int `json:"start_delay_minutes" validate:"gte=0"`

	// MaxEnrollments caps live (active or paused) enrollments. Nil is unlimited.
	MaxEnrollments *int `json:"max_enrollments,omitempty"`

	// EnrollmentWindowHours blocks re-enrollment after completion for this long.
	EnrollmentWindowHours int `json:"enrollment_window_hours" validate:"gte=0"`

	// Priority orders concurrent sends; higher goes first.
	Priority int `json:"priority"`

	// ConversionEvent is the follow-up trigger counted by analytics.
	ConversionEvent TriggerEventType `json:"conversion_event,omitempty"`

	// SendWindow optionally limits send hours in the recipient's timezone.
	SendWindow *SendWindow `json:"send_window,omitempty"`

	Steps []SequenceStep `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SequenceStep is one scheduled action within a sequence.
type SequenceStep struct {
	ID         string `json:"id"`
	SequenceID string `json:"sequence_id"`

	// StepOrder is 1-based and contiguous within a sequence.
	StepOrder int      `json:"step_order"`
	StepType  StepType `json:"step_type"`
	Name      string   `json:"name,omitempty"`

	// DelayAfterPrevious is measured in minutes from the previous step's completion.
	DelayAfterPrevious int `json:"delay_after_previous"`

	Content StepContent `json:"content_template"`

	// WebhookURL is the target of webhook steps.
	WebhookURL string `json:"webhook_url,omitempty"`

	// SendConditions are re-evaluated at send time; false skips the step.
	SendConditions []Condition `json:"send_conditions,omitempty"`

	// MaxRetries overrides the engine default when positive.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Delay returns the step delay as a duration.
func (s SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayAfterPrevious) * time.Minute
}

// ConversionTrigger returns the conversion event, defaulting when unset.
func (s *Sequence) ConversionTrigger() TriggerEventType {
	if s.ConversionEvent == "" {
		return DefaultConversionEvent
	}
	return s.ConversionEvent
}

// SortSteps orders steps by StepOrder.
func (s *Sequence) SortSteps() {
	sort.SliceStable(s.Steps, func(i, j int) bool {
		return s.Steps[i].StepOrder < s.Steps[j].StepOrder
	})
}

// StepAt returns the step at a zero-based index.
func (s *Sequence) StepAt(index int) (SequenceStep, bool) {
	if index < 0 || index >= len(s.Steps) {
		return SequenceStep{}, false
	}
	return s.Steps[index], true
}

// Validate checks the sequence, including the contiguous step order invariant.
func (s *Sequence) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(s.TenantID) == "" {
		validation.AddMessage("tenant_id", "tenant_id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		validation.AddMessage("name", "name is required")
	}
	if strings.TrimSpace(string(s.SequenceType)) == "" {
		validation.AddMessage("sequence_type", "sequence_type is required")
	}
	if strings.TrimSpace(string(s.TriggerEvent)) == "" {
		validation.AddMessage("trigger_event", "trigger_event is required")
	}
	if s.StartDelayMinutes < 0 {
		validation.AddMessage("start_delay_minutes", "must not be negative")
	}
	if s.EnrollmentWindowHours < 0 {
		validation.AddMessage("enrollment_window_hours", "must not be negative")
	}
	if s.MaxEnrollments != nil && *s.MaxEnrollments < 0 {
		validation.AddMessage("max_enrollments", "must not be negative")
	}
	if w := s.SendWindow; w != nil {
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 || w.StartHour == w.EndHour {
			validation.AddMessage("send_window", "hours must be within 0-24 and differ")
		}
	}
	validateConditions(validation, "trigger_conditions", s.TriggerConditions)

	if len(s.Steps) == 0 {
		validation.AddMessage("steps", "at least one step is required")
	}

	orders := make([]int, 0, len(s.Steps))
	for i, step := range s.Steps {
		field := "steps[" + strconv.Itoa(i) + "]"
		if !step.StepType.Valid() {
			validation.Addf(field+".step_type", "unknown step type %q", step.StepType)
		}
		if step.DelayAfterPrevious < 0 {
			validation.AddMessage(field+".delay_after_previous", "must not be negative")
		}
		if step.MaxRetries < 0 {
			validation.AddMessage(field+".max_retries", "must not be negative")
		}
		switch step.StepType {
		case StepTypeWebhook:
			if strings.TrimSpace(step.WebhookURL) == "" {
				validation.AddMessage(field+".webhook_url", "webhook steps require a url")
			}
		case StepTypeEmail, StepTypeSMS, StepTypeInternalTask:
			if step.Content.TemplateID == "" && strings.TrimSpace(step.Content.Body) == "" {
				validation.AddMessage(field+".content_template", "template_id or body is required")
			}
		}
		validateConditions(validation, field+".send_conditions", step.SendConditions)
		orders = append(orders, step.StepOrder)
	}

	sort.Ints(orders)
	for i, order := range orders {
		if order != i+1 {
			validation.AddMessage("steps", "step_order must be unique and contiguous starting at 1")
			break
		}
	}

	return validation.Err()
}

func validateConditions(validation *ValidationErrors, field string, conditions []Condition) {
	for i, c := range conditions {
		name := field + "[" + strconv.Itoa(i) + "]"
		if strings.TrimSpace(c.Field) == "" {
			validation.AddMessage(name+".field", "field is required")
		}
		switch c.Operator {
		case OpEquals, OpNotEquals, OpExists, OpNotExists, OpContains, OpIn, OpGreater, OpLess:
		default:
			validation.Addf(name+".operator", "unknown operator %q", c.Operator)
		}
	}
}

// SequenceVariant is an A/B alternative for a sequence's step content.
type SequenceVariant struct {
	ID         string `json:"id"`
	SequenceID string `json:"sequence_id"`
	Name       string `json:"name" validate:"required"`

	// TrafficPercentage is the share of new enrollments routed here (0-100).
	TrafficPercentage int  `json:"traffic_percentage" validate:"gte=0,lte=100"`
	IsActive          bool `json:"is_active"`

	Overrides []VariantOverride `json:"overrides,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// VariantOverride replaces a step's content for enrollments in the variant.
type VariantOverride struct {
	StepOrder int    `json:"step_order"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
}

// Override returns the override for a step, if any.
func (v *SequenceVariant) Override(stepOrder int) (VariantOverride, bool) {
	if v == nil {
		return VariantOverride{}, false
	}
	for _, o := range v.Overrides {
		if o.StepOrder == stepOrder {
			return o, true
		}
	}
	return VariantOverride{}, false
}

// ValidateVariantTraffic checks that active variant percentages sum to at most 100.
func ValidateVariantTraffic(variants []*SequenceVariant) error {
	validation := &ValidationErrors{}
	total := 0
	for _, v := range variants {
		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 {
			validation.Addf("traffic_percentage", "variant %q percentage must be within 0-100", v.Name)
		}
		if v.IsActive {
			total += v.TrafficPercentage
		}
	}
	if total > 100 {
		validation.Addf("traffic_percentage", "active variants sum to %d, must be <= 100", total)
	}
	return validation.Err()
}
