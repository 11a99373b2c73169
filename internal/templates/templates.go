// Package templates renders {{ name }} placeholders in message content and
// resolves the content a sequence step sends.
package templates

import (
	"context"
	"strconv"

	"github.com/visionarychurch/followup/internal/models"
)

// System variable names merged into every render context.
const (
	VarUnsubscribeURL = "unsubscribe_url"
	VarSequenceName   = "sequence_name"
	VarStepOrder      = "step_order"
)

// TemplateGetter loads stored templates by ID.
type TemplateGetter interface {
	Get(ctx context.Context, id string) (*models.Template, error)
}

// Content is rendered message content.
type Content struct {
	Subject string
	Body    string
}

// BuildContext merges system variables into the enrollment's context.
// Enrollment data wins on conflicts except for the unsubscribe link.
func BuildContext(e *models.Enrollment, seq *models.Sequence, step models.SequenceStep, unsubscribeURL string) map[string]string {
	ctx := map[string]string{
		VarSequenceName: seq.Name,
		VarStepOrder:    strconv.Itoa(step.StepOrder),
	}
	for k, v := range e.TemplateContext() {
		ctx[k] = v
	}
	if unsubscribeURL != "" {
		ctx[VarUnsubscribeURL] = unsubscribeURL
	}
	return ctx
}
