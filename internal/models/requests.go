package models

// EnrollRequest asks the engine to enroll one recipient in a sequence.
type EnrollRequest struct {
	SequenceID string `json:"sequence_id" validate:"required"`
	RecipientRef
	Contact
	TriggerEvent   TriggerEventType  `json:"trigger_event,omitempty"`
	EnrollmentData map[string]string `json:"enrollment_data,omitempty"`
	PriorityBoost  int               `json:"priority_boost,omitempty"`
}

// BulkRecipient is one entry of a bulk enrollment.
type BulkRecipient struct {
	RecipientRef
	Contact
	EnrollmentData map[string]string `json:"enrollment_data,omitempty"`
}

// BulkEnrollRequest enrolls many recipients in one sequence.
type BulkEnrollRequest struct {
	SequenceID    string           `json:"sequence_id" validate:"required"`
	Recipients    []BulkRecipient  `json:"recipients" validate:"required,min=1,max=1000,dive"`
	TriggerEvent  TriggerEventType `json:"trigger_event,omitempty"`
	PriorityBoost int              `json:"priority_boost,omitempty"`
}

// BulkEnrollResult is the outcome for one recipient of a bulk enrollment.
type BulkEnrollResult struct {
	RecipientKey string `json:"recipient_key"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// BulkEnrollResponse summarizes a bulk enrollment.
type BulkEnrollResponse struct {
	Enrolled int                `json:"enrolled"`
	Skipped  int                `json:"skipped"`
	Results  []BulkEnrollResult `json:"results"`
}

// TestSequenceRequest renders and sends a sequence's steps to a test contact
// without creating an enrollment.
type TestSequenceRequest struct {
	Contact
	EnrollmentData map[string]string `json:"enrollment_data,omitempty"`
	VariantID      string            `json:"variant_id,omitempty"`
	// StepOrders limits the steps sent; empty sends every step.
	StepOrders []int `json:"step_orders,omitempty"`
}

// TestStepResult is the outcome of one test send.
type TestStepResult struct {
	StepOrder  int      `json:"step_order"`
	Channel    StepType `json:"channel"`
	Recipient  string   `json:"recipient,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body"`
	Outcome    string   `json:"outcome"`
	ExternalID string   `json:"external_id,omitempty"`
	Error      string   `json:"error,omitempty"`
}
