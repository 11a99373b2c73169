package sequences

import (
	"context"
	"fmt"
	"time"

	"github.com/visionarychurch/followup/internal/conditions"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

// PreviewStep is one rendered step of a sequence preview.
type PreviewStep struct {
	StepOrder int             `json:"step_order"`
	Channel   models.StepType `json:"channel"`
	Name      string          `json:"name,omitempty"`
	Offset    time.Duration   `json:"offset"` // from enrollment
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
}

// Preview renders every step of seq against data without sending anything.
// Steps whose send conditions fail are marked skipped.
func Preview(ctx context.Context, seq *models.Sequence, resolver *templates.Resolver, variant *models.SequenceVariant, data map[string]string) ([]PreviewStep, error) {
	if seq == nil {
		return nil, fmt.Errorf("sequence is required")
	}
	if resolver == nil {
		resolver = templates.NewResolver(nil)
	}

	enrollment := &models.Enrollment{Data: data}
	offset := time.Duration(seq.StartDelayMinutes) * time.Minute

	steps := make([]PreviewStep, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		offset += step.Delay()
		ps := PreviewStep{
			StepOrder: step.StepOrder,
			Channel:   step.StepType,
			Name:      step.Name,
			Offset:    offset,
		}
		vars := templates.BuildContext(enrollment, seq, step, "")
		if !conditions.Match(step.SendConditions, vars) {
			ps.Skipped = true
			steps = append(steps, ps)
			continue
		}
		if step.StepType == models.StepTypeWebhook {
			ps.Body = step.WebhookURL
			steps = append(steps, ps)
			continue
		}
		content, err := resolver.Resolve(ctx, step, variant, vars)
		if err != nil {
			return nil, fmt.Errorf("preview sequence %q step %d: %w", seq.Name, step.StepOrder, err)
		}
		ps.Subject, ps.Body = content.Subject, content.Body
		steps = append(steps, ps)
	}
	return steps, nil
}
