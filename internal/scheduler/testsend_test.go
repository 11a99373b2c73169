package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

func TestTestSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.scheduler()
	seq := h.sequence(t, func(seq *models.Sequence) {
		seq.Steps = append(seq.Steps,
			models.SequenceStep{StepOrder: 3, StepType: models.StepTypeSMS, Content: models.StepContent{Body: "Text {{ first_name }}"}},
			models.SequenceStep{StepOrder: 4, StepType: models.StepTypeInternalTask, Content: models.StepContent{Subject: "Call {{ first_name }}", Body: "Follow up"}},
		)
	})

	variant := &models.SequenceVariant{
		SequenceID:        seq.ID,
		Name:              "B",
		TrafficPercentage: 50,
		IsActive:          true,
		Overrides:         []models.VariantOverride{{StepOrder: 1, Subject: "Hey {{ first_name }}"}},
	}
	require.NoError(t, h.sequences.CreateVariant(ctx, variant))

	h.sms.errs = []error{errors.New("provider unavailable")}

	results, err := s.TestSend(ctx, seq, models.TestSequenceRequest{
		Contact:        models.Contact{Email: "pastor@example.org", Phone: "+15550199"},
		EnrollmentData: map[string]string{"first_name": "Ann"},
		VariantID:      variant.ID,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	require.Equal(t, TestOutcomeSent, results[0].Outcome)
	require.Equal(t, "Hey Ann", results[0].Subject)
	require.Equal(t, "pastor@example.org", results[0].Recipient)
	require.NotEmpty(t, results[0].ExternalID)

	require.Equal(t, TestOutcomeSent, results[1].Outcome)
	require.Equal(t, "Checking in", results[1].Subject)

	require.Equal(t, TestOutcomeFailed, results[2].Outcome)
	require.Equal(t, "+15550199", results[2].Recipient)
	require.NotEmpty(t, results[2].Error)

	require.Equal(t, TestOutcomeRendered, results[3].Outcome)
	require.Equal(t, "Call Ann", results[3].Subject)

	// No enrollment state is written.
	enrollments, err := h.enrollments.List(ctx, models.EnrollmentFilters{TenantID: seq.TenantID})
	require.NoError(t, err)
	require.Empty(t, enrollments)
	msgs, err := h.messages.List(ctx, db.MessageQuery{SequenceID: seq.ID})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestTestSendFiltersSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.scheduler()
	seq := h.sequence(t, nil)

	results, err := s.TestSend(ctx, seq, models.TestSequenceRequest{
		StepOrders: []int{2},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 2, results[0].StepOrder)
	require.Equal(t, TestOutcomeSkipped, results[0].Outcome)
	require.Empty(t, h.email.calls())
}

func TestTestSendRejectsForeignVariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.scheduler()
	seq := h.sequence(t, nil)
	other := h.sequence(t, nil)

	variant := &models.SequenceVariant{SequenceID: other.ID, Name: "B", TrafficPercentage: 10, IsActive: true}
	require.NoError(t, h.sequences.CreateVariant(ctx, variant))

	_, err := s.TestSend(ctx, seq, models.TestSequenceRequest{VariantID: variant.ID})
	require.Error(t, err)
}
