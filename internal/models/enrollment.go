package models

import (
	"strings"
	"time"
)

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
)

// Live reports whether the enrollment still counts against capacity.
func (s EnrollmentStatus) Live() bool {
	return s == EnrollmentStatusActive || s == EnrollmentStatusPaused
}

// Terminal reports whether no further transitions are possible.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusCancelled
}

// Cancel reasons with engine meaning.
const (
	CancelReasonUnsubscribe = "unsubscribe"
	CancelReasonManual      = "manual"
)

// RecipientKind names which reference identifies the recipient.
type RecipientKind string

const (
	RecipientMember        RecipientKind = "member"
	RecipientVisitor       RecipientKind = "visitor"
	RecipientPrayerRequest RecipientKind = "prayer_request"
)

// RecipientRef identifies the recipient. Exactly one field is set.
type RecipientRef struct {
	MemberID        string `json:"member_id,omitempty"`
	VisitorID       string `json:"visitor_id,omitempty"`
	PrayerRequestID string `json:"prayer_request_id,omitempty"`
}

// Kind returns the reference kind and id, or empty values if the reference
// does not set exactly one field.
func (r RecipientRef) Kind() (RecipientKind, string) {
	count := 0
	var kind RecipientKind
	var id string
	if strings.TrimSpace(r.MemberID) != "" {
		count++
		kind, id = RecipientMember, r.MemberID
	}
	if strings.TrimSpace(r.VisitorID) != "" {
		count++
		kind, id = RecipientVisitor, r.VisitorID
	}
	if strings.TrimSpace(r.PrayerRequestID) != "" {
		count++
		kind, id = RecipientPrayerRequest, r.PrayerRequestID
	}
	if count != 1 {
		return "", ""
	}
	return kind, id
}

// Key returns a stable "kind:id" key, or "" when the reference is invalid.
func (r RecipientRef) Key() string {
	kind, id := r.Kind()
	if kind == "" {
		return ""
	}
	return string(kind) + ":" + id
}

// Validate checks the exactly-one invariant.
func (r RecipientRef) Validate() error {
	validation := &ValidationErrors{}
	if kind, _ := r.Kind(); kind == "" {
		validation.AddMessage("recipient", "exactly one of member_id, visitor_id, prayer_request_id is required")
	}
	return validation.Err()
}

// Contact is the delivery snapshot for a recipient.
type Contact struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Location returns the contact's timezone, falling back to UTC.
func (c Contact) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Enrollment is one recipient's progress through a sequence.
type Enrollment struct {
	// ID is the unique identifier for the enrollment.
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	SequenceID string `json:"sequence_id"`

	RecipientRef
	// RecipientKey is the "kind:id" form of the recipient reference.
	RecipientKey string `json:"recipient_key"`

	Contact

	// Data is the template context and condition input.
	Data map[string]string `json:"enrollment_data,omitempty"`

	Status EnrollmentStatus `json:"status"`

	// CurrentStep is the number of steps processed; the pending step is
	// Steps[CurrentStep].
	CurrentStep int `json:"current_step"`

	// NextSendAt is nil when no further sends are scheduled.
	NextSendAt *time.Time `json:"next_send_at,omitempty"`

	PriorityBoost int    `json:"priority_boost"`
	VariantID     string `json:"variant_id,omitempty"`

	TriggerEvent TriggerEventType `json:"trigger_event"`

	EnrolledAt   time.Time  `json:"enrolled_at"`
	LastStepAt   *time.Time `json:"last_step_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	// ProcessingToken marks a dispatcher claim.
	ProcessingToken string     `json:"-"`
	ClaimedAt       *time.Time `json:"-"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TemplateContext returns a copy of the enrollment data merged with contact
// fields. Enrollment data wins on conflicts.
func (e *Enrollment) TemplateContext() map[string]string {
	ctx := make(map[string]string, len(e.Data)+4)
	if e.Email != "" {
		ctx["email"] = e.Email
	}
	if e.Phone != "" {
		ctx["phone"] = e.Phone
	}
	if kind, id := e.RecipientRef.Kind(); kind != "" {
		ctx["recipient_type"] = string(kind)
		ctx["recipient_id"] = id
	}
	for k, v := range e.Data {
		ctx[k] = v
	}
	return ctx
}

// EnrollmentFilters narrows enrollment listings.
type EnrollmentFilters struct {
	TenantID     string
	SequenceID   string
	Status       EnrollmentStatus
	RecipientKey string
	Email        string
	Phone        string
	EnrolledFrom *time.Time
	EnrolledTo   *time.Time
	Limit        int
	Offset       int
}
