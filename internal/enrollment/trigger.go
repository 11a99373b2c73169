package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"

	"github.com/visionarychurch/followup/internal/conditions"
	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

// Outcome reasons reported for triggers and bulk enrollments.
const (
	ReasonDuplicate    = "duplicate"
	ReasonCapacity     = "capacity_exceeded"
	ReasonSuppressed   = "suppressed"
	ReasonInactive     = "inactive"
	ReasonInvalidEmail = "invalid_email"
)

// Reason maps an enrollment error to its outcome reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateEnrollment):
		return ReasonDuplicate
	case errors.Is(err, ErrCapacityExceeded):
		return ReasonCapacity
	case errors.Is(err, ErrSuppressed):
		return ReasonSuppressed
	case errors.Is(err, ErrSequenceInactive):
		return ReasonInactive
	default:
		return err.Error()
	}
}

func enrollResult(err error) string {
	switch {
	case err == nil:
		return "enrolled"
	case errors.Is(err, ErrDuplicateEnrollment):
		return ReasonDuplicate
	case errors.Is(err, ErrCapacityExceeded):
		return ReasonCapacity
	case errors.Is(err, ErrSuppressed):
		return ReasonSuppressed
	default:
		return "error"
	}
}

// HandleTrigger records the trigger and enrolls the recipient into every
// active sequence for the event whose trigger conditions match, in priority
// order. A failure for one sequence is reported in its outcome and does not
// stop the others.
func (m *Manager) HandleTrigger(ctx context.Context, t *models.TriggerEvent) ([]models.TriggerOutcome, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = m.now().UTC()
	}
	t.Email = normalizeEmail(t.Email)

	redelivered := false
	if m.triggers != nil {
		if err := m.triggers.Record(ctx, t); err != nil {
			if !errors.Is(err, db.ErrDuplicateTrigger) {
				return nil, fmt.Errorf("record trigger: %w", err)
			}
			// Enrollments the first attempt made are rejected as duplicates below.
			redelivered = true
			m.logger.Debug().Str("trigger_id", t.ID).Msg("trigger already recorded, resuming enrollment")
		}
	}
	if !redelivered {
		m.recorder.Trigger(ctx, t)
	}

	seqs, err := m.sequences.ListActiveByTrigger(ctx, t.TenantID, t.TriggerEvent)
	if err != nil {
		return nil, err
	}

	input := t.ConditionInput()
	outcomes := make([]models.TriggerOutcome, 0, len(seqs))
	for _, seq := range seqs {
		if !conditions.Match(seq.TriggerConditions, input) {
			continue
		}
		outcome := models.TriggerOutcome{SequenceID: seq.ID}
		e, err := m.enroll(ctx, seq, models.EnrollRequest{
			SequenceID:     seq.ID,
			RecipientRef:   t.RecipientRef,
			Contact:        t.Contact,
			TriggerEvent:   t.TriggerEvent,
			EnrollmentData: t.Context,
		})
		if err != nil {
			outcome.Reason = Reason(err)
			m.logger.Debug().
				Err(err).
				Str("sequence_id", seq.ID).
				Str("trigger_event", string(t.TriggerEvent)).
				Msg("trigger did not enroll")
		} else {
			outcome.Enrolled = true
			outcome.EnrollmentID = e.ID
		}
		outcomes = append(outcomes, outcome)
	}

	m.logger.Info().
		Str("tenant_id", t.TenantID).
		Str("trigger_event", string(t.TriggerEvent)).
		Int("matched", len(outcomes)).
		Msg("trigger handled")
	return outcomes, nil
}

// BulkEnroll enrolls many recipients into one sequence. Per-recipient
// admission failures are counted as skipped.
func (m *Manager) BulkEnroll(ctx context.Context, tenantID string, req models.BulkEnrollRequest) (*models.BulkEnrollResponse, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid bulk enroll request: %w", err)
	}
	seq, err := m.loadSequence(ctx, tenantID, req.SequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.IsActive {
		return nil, ErrSequenceInactive
	}

	trigger := req.TriggerEvent
	if trigger == "" {
		trigger = models.TriggerManual
	}

	started := time.Now()
	resp := &models.BulkEnrollResponse{Results: make([]models.BulkEnrollResult, 0, len(req.Recipients))}
	for _, r := range req.Recipients {
		result := models.BulkEnrollResult{RecipientKey: r.RecipientRef.Key()}
		if err := r.RecipientRef.Validate(); err != nil {
			result.Reason = err.Error()
			resp.Skipped++
			resp.Results = append(resp.Results, result)
			continue
		}
		if r.Email != "" {
			if err := checkmail.ValidateFormat(r.Email); err != nil {
				result.Reason = ReasonInvalidEmail
				resp.Skipped++
				resp.Results = append(resp.Results, result)
				continue
			}
		}

		e, err := m.enroll(ctx, seq, models.EnrollRequest{
			SequenceID:     seq.ID,
			RecipientRef:   r.RecipientRef,
			Contact:        r.Contact,
			TriggerEvent:   trigger,
			EnrollmentData: r.EnrollmentData,
			PriorityBoost:  req.PriorityBoost,
		})
		if err != nil {
			result.Reason = Reason(err)
			resp.Skipped++
		} else {
			result.EnrollmentID = e.ID
			resp.Enrolled++
		}
		resp.Results = append(resp.Results, result)
	}

	m.logger.Info().
		Str("sequence_id", seq.ID).
		Int("enrolled", resp.Enrolled).
		Int("skipped", resp.Skipped).
		Dur("duration", time.Since(started)).
		Msg("bulk enrollment finished")
	return resp, nil
}
