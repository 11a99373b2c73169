package scheduler

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/visionarychurch/followup/internal/delivery"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

// Test send outcomes.
const (
	TestOutcomeSent     = "sent"
	TestOutcomeFailed   = "failed"
	TestOutcomeRendered = "rendered"
	TestOutcomeSkipped  = "skipped"
)

// TestSend renders the sequence's steps for a test contact and delivers the
// email and SMS steps to it. Nothing is persisted: no enrollment, message
// or event is written. Task and webhook steps are rendered only.
func (s *Scheduler) TestSend(ctx context.Context, seq *models.Sequence, req models.TestSequenceRequest) ([]models.TestStepResult, error) {
	var variant *models.SequenceVariant
	if req.VariantID != "" {
		v, err := s.deps.Sequences.GetVariant(ctx, req.VariantID)
		if err != nil {
			return nil, err
		}
		if v.SequenceID != seq.ID {
			return nil, fmt.Errorf("variant %s does not belong to sequence %s", v.ID, seq.ID)
		}
		variant = v
	}

	e := &models.Enrollment{
		ID:           "test-" + uuid.New().String(),
		TenantID:     seq.TenantID,
		SequenceID:   seq.ID,
		RecipientRef: models.RecipientRef{VisitorID: "test"},
		RecipientKey: "test",
		Contact:      req.Contact,
		Data:         req.EnrollmentData,
		Status:       models.EnrollmentStatusActive,
		TriggerEvent: models.TriggerManual,
		EnrolledAt:   s.now().UTC(),
	}
	if variant != nil {
		e.VariantID = variant.ID
	}

	results := make([]models.TestStepResult, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		if len(req.StepOrders) > 0 && !slices.Contains(req.StepOrders, step.StepOrder) {
			continue
		}
		results = append(results, s.testStep(ctx, e, seq, step, variant))
	}
	s.logger.Info().
		Str("sequence_id", seq.ID).
		Int("steps", len(results)).
		Msg("test send completed")
	return results, nil
}

func (s *Scheduler) testStep(ctx context.Context, e *models.Enrollment, seq *models.Sequence, step models.SequenceStep, variant *models.SequenceVariant) models.TestStepResult {
	res := models.TestStepResult{
		StepOrder: step.StepOrder,
		Channel:   step.StepType,
		Recipient: recipient(e, step),
	}

	vars := templates.BuildContext(e, seq, step, s.unsubscribeURL(e))
	content, err := s.deps.Content.Resolve(ctx, step, variant, vars)
	if err != nil {
		res.Outcome = TestOutcomeFailed
		res.Error = err.Error()
		return res
	}
	res.Subject, res.Body = content.Subject, content.Body

	switch step.StepType {
	case models.StepTypeEmail, models.StepTypeSMS:
	default:
		res.Outcome = TestOutcomeRendered
		return res
	}
	if res.Recipient == "" {
		res.Outcome = TestOutcomeSkipped
		res.Error = ErrNoRecipient.Error()
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	defer cancel()

	result := s.deps.Delivery.Send(sendCtx, delivery.Envelope{
		MessageID:  e.ID + "-" + fmt.Sprint(step.StepOrder),
		TenantID:   e.TenantID,
		SequenceID: seq.ID,
		StepOrder:  step.StepOrder,
		Channel:    step.StepType,
		To:         res.Recipient,
		Subject:    content.Subject,
		Body:       content.Body,
		Data:       vars,
	})
	if result.Outcome == delivery.OutcomeSent {
		res.Outcome = TestOutcomeSent
		res.ExternalID = result.ExternalID
		return res
	}
	res.Outcome = TestOutcomeFailed
	if result.Err != nil {
		res.Error = result.Err.Error()
	}
	return res
}
