package enrollment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/events"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/suppression"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

type harness struct {
	db          *db.DB
	sequences   *db.SequenceRepository
	enrollments *db.EnrollmentRepository
	preferences *db.PreferenceRepository
	events      *db.EventRepository
	clock       *clock
	manager     *Manager
}

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		db:          database,
		sequences:   db.NewSequenceRepository(database),
		enrollments: db.NewEnrollmentRepository(database),
		preferences: db.NewPreferenceRepository(database),
		events:      db.NewEventRepository(database),
		clock:       &clock{t: t0},
	}
	h.manager = NewManager(h.sequences, h.enrollments, suppression.NewChecker(h.preferences),
		WithClock(h.clock.now),
		WithRecorder(events.NewRecorder(h.events)),
		WithTriggerStore(db.NewTriggerRepository(database)),
		WithPreferenceStore(h.preferences),
	)
	return h
}

// twoStepSequence has delays of 0 and 1440 minutes.
func (h *harness) twoStepSequence(t *testing.T, mutate func(*models.Sequence)) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{
		TenantID:     "church-1",
		Name:         fmt.Sprintf("Follow-up %d", time.Now().UnixNano()),
		SequenceType: models.SequenceTypeVisitorFollowUp,
		TriggerEvent: models.TriggerVisitCompleted,
		IsActive:     true,
		Steps: []models.SequenceStep{
			{StepOrder: 1, StepType: models.StepTypeEmail, Content: models.StepContent{Subject: "Welcome", Body: "Hi {{ first_name }}"}},
			{StepOrder: 2, StepType: models.StepTypeEmail, DelayAfterPrevious: 1440, Content: models.StepContent{Body: "Checking in"}},
		},
	}
	if mutate != nil {
		mutate(seq)
	}
	require.NoError(t, h.sequences.Create(context.Background(), seq))
	return seq
}

func enrollReq(seq *models.Sequence, visitorID string) models.EnrollRequest {
	return models.EnrollRequest{
		SequenceID:     seq.ID,
		RecipientRef:   models.RecipientRef{VisitorID: visitorID},
		Contact:        models.Contact{Email: visitorID + "@example.org"},
		TriggerEvent:   models.TriggerVisitCompleted,
		EnrollmentData: map[string]string{"first_name": "Ann"},
	}
}

func TestEnrollAndAdvanceTwoSteps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, nil)

	e, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusActive, e.Status)
	require.Equal(t, 0, e.CurrentStep)
	require.NotNil(t, e.NextSendAt)
	require.True(t, e.NextSendAt.Equal(t0))

	advanced, err := h.manager.Advance(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 1, advanced.CurrentStep)
	require.True(t, advanced.NextSendAt.Equal(t0.Add(1440*time.Minute)))

	h.clock.t = t0.Add(24 * time.Hour)
	done, err := h.manager.Advance(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, done.Status)
	require.Equal(t, 2, done.CurrentStep)
	require.Nil(t, done.NextSendAt)
	require.NotNil(t, done.CompletedAt)

	stored, err := h.enrollments.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, stored.Status)
	require.Nil(t, stored.NextSendAt)

	// Advancing a completed enrollment is a no-op.
	again, err := h.manager.Advance(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 2, again.CurrentStep)

	evs, err := h.events.Timeline(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, evs, 3)
}

func TestEnrollStartDelayAndSendWindow(t *testing.T) {
	h := newHarness(t)
	seq := h.twoStepSequence(t, func(s *models.Sequence) {
		s.StartDelayMinutes = 60
		s.Steps[0].DelayAfterPrevious = 30
		s.SendWindow = &models.SendWindow{StartHour: 9, EndHour: 16}
	})

	e, err := h.manager.Enroll(context.Background(), "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)
	// 15:00 + 90m lands at 16:30, after the window closes.
	require.True(t, e.NextSendAt.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)), "got %v", e.NextSendAt)
}

func TestEnrollDuplicateAndWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, func(s *models.Sequence) {
		s.EnrollmentWindowHours = 72
		s.Steps = s.Steps[:1]
	})

	e, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)

	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.ErrorIs(t, err, ErrDuplicateEnrollment)

	_, err = h.manager.Advance(ctx, e.ID)
	require.NoError(t, err)

	h.clock.t = t0.Add(48 * time.Hour)
	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.ErrorIs(t, err, ErrDuplicateEnrollment, "completion inside the window blocks re-enrollment")

	h.clock.t = t0.Add(73 * time.Hour)
	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)
}

func TestEnrollCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	capacity := 1
	seq := h.twoStepSequence(t, func(s *models.Sequence) { s.MaxEnrollments = &capacity })

	_, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)
	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v2"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestEnrollErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, func(s *models.Sequence) { s.IsActive = false })

	_, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.ErrorIs(t, err, ErrSequenceInactive)

	_, err = h.manager.Enroll(ctx, "church-2", enrollReq(seq, "v1"))
	require.ErrorIs(t, err, ErrSequenceNotFound)

	req := enrollReq(seq, "v1")
	req.MemberID = "m1"
	_, err = h.manager.Enroll(ctx, "church-1", req)
	var validation *models.ValidationErrors
	require.True(t, errors.As(err, &validation))
}

func TestGlobalUnsubscribeBlocksAndCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.twoStepSequence(t, nil)
	second := h.twoStepSequence(t, nil)

	a, err := h.manager.Enroll(ctx, "church-1", enrollReq(first, "v1"))
	require.NoError(t, err)
	b, err := h.manager.Enroll(ctx, "church-1", enrollReq(second, "v1"))
	require.NoError(t, err)

	result, err := h.manager.Unsubscribe(ctx, models.UnsubscribeRequest{TenantID: "church-1", Email: "V1@Example.org", Global: true})
	require.NoError(t, err)
	require.Equal(t, 2, result.Cancelled)
	require.True(t, result.Preferences.GlobalUnsubscribe)

	for _, id := range []string{a.ID, b.ID} {
		e, err := h.enrollments.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.EnrollmentStatusCancelled, e.Status)
		require.Equal(t, models.CancelReasonUnsubscribe, e.CancelReason)
		require.Nil(t, e.NextSendAt)
	}

	third := h.twoStepSequence(t, nil)
	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(third, "v1"))
	require.ErrorIs(t, err, ErrSuppressed)
}

func TestScopedUnsubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keep := h.twoStepSequence(t, nil)
	drop := h.twoStepSequence(t, nil)

	kept, err := h.manager.Enroll(ctx, "church-1", enrollReq(keep, "v1"))
	require.NoError(t, err)
	dropped, err := h.manager.Enroll(ctx, "church-1", enrollReq(drop, "v1"))
	require.NoError(t, err)

	result, err := h.manager.Unsubscribe(ctx, models.UnsubscribeRequest{TenantID: "church-1", Email: "v1@example.org", SequenceID: drop.ID})
	require.NoError(t, err)
	require.Equal(t, 1, result.Cancelled)

	e, err := h.enrollments.Get(ctx, kept.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusActive, e.Status)
	e, err = h.enrollments.Get(ctx, dropped.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCancelled, e.Status)

	_, err = h.manager.Enroll(ctx, "church-1", enrollReq(drop, "v2"))
	require.NoError(t, err, "other contacts are not affected")

	_, err = h.manager.Unsubscribe(ctx, models.UnsubscribeRequest{TenantID: "church-1"})
	require.ErrorIs(t, err, ErrInvalidUnsubscribe)
}

func TestAdvanceSkipsFalseConditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, func(s *models.Sequence) {
		s.Steps[1].SendConditions = []models.Condition{{Field: "sms_opt_in", Operator: models.OpEquals, Value: "true"}}
		s.Steps = append(s.Steps, models.SequenceStep{StepOrder: 3, StepType: models.StepTypeInternalTask, DelayAfterPrevious: 10, Content: models.StepContent{Body: "Call"}})
	})

	e, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)

	advanced, err := h.manager.Advance(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, 2, advanced.CurrentStep, "step 2 is skipped")
	require.True(t, advanced.NextSendAt.Equal(t0.Add(10*time.Minute)))
}

func TestPauseResumeCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, nil)

	e, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, "v1"))
	require.NoError(t, err)

	paused, err := h.manager.Pause(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusPaused, paused.Status)
	require.True(t, paused.NextSendAt.Equal(*e.NextSendAt))

	due, err := h.enrollments.ListDue(ctx, t0.Add(time.Hour), t0, 10)
	require.NoError(t, err)
	require.Empty(t, due, "paused enrollments are not due")

	resumed, err := h.manager.Resume(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusActive, resumed.Status)
	require.Equal(t, 0, resumed.CurrentStep)

	cancelled, err := h.manager.Cancel(ctx, e.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.CancelReasonManual, cancelled.CancelReason)

	again, err := h.manager.Cancel(ctx, e.ID, "other")
	require.NoError(t, err)
	require.Equal(t, models.CancelReasonManual, again.CancelReason, "cancel is idempotent")

	_, err = h.manager.Resume(ctx, e.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.manager.Cancel(ctx, "missing", "")
	require.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestHandleTrigger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	low := h.twoStepSequence(t, func(s *models.Sequence) { s.Priority = 1 })
	high := h.twoStepSequence(t, func(s *models.Sequence) {
		s.Priority = 5
		s.TriggerConditions = []models.Condition{{Field: "first_visit", Operator: models.OpEquals, Value: "true"}}
	})
	h.twoStepSequence(t, func(s *models.Sequence) {
		s.TriggerConditions = []models.Condition{{Field: "campus", Operator: models.OpEquals, Value: "south"}}
	})
	h.twoStepSequence(t, func(s *models.Sequence) { s.TriggerEvent = models.TriggerEventRegistered })

	trigger := &models.TriggerEvent{
		TenantID:     "church-1",
		TriggerEvent: models.TriggerVisitCompleted,
		RecipientRef: models.RecipientRef{VisitorID: "v1"},
		Contact:      models.Contact{Email: "v1@example.org"},
		Context:      map[string]string{"first_visit": "true", "campus": "north"},
	}
	outcomes, err := h.manager.HandleTrigger(ctx, trigger)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Equal(t, high.ID, outcomes[0].SequenceID)
	require.Equal(t, low.ID, outcomes[1].SequenceID)
	require.True(t, outcomes[0].Enrolled)
	require.True(t, outcomes[1].Enrolled)

	repeat := *trigger
	repeat.ID = ""
	outcomes, err = h.manager.HandleTrigger(ctx, &repeat)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.False(t, outcomes[0].Enrolled)
	require.Equal(t, ReasonDuplicate, outcomes[0].Reason)

	_, err = h.manager.HandleTrigger(ctx, &models.TriggerEvent{TenantID: "church-1", TriggerEvent: models.TriggerVisitCompleted})
	require.Error(t, err)
}

func TestHandleTriggerRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	triggers := db.NewTriggerRepository(h.db)

	trigger := func() *models.TriggerEvent {
		return &models.TriggerEvent{
			ID:           "trg-1",
			TenantID:     "church-1",
			TriggerEvent: models.TriggerVisitCompleted,
			RecipientRef: models.RecipientRef{VisitorID: "v1"},
			Contact:      models.Contact{Email: "v1@example.org"},
			OccurredAt:   t0,
		}
	}

	// The first attempt records the trigger before any sequence matches.
	outcomes, err := h.manager.HandleTrigger(ctx, trigger())
	require.NoError(t, err)
	require.Empty(t, outcomes)

	seq := h.twoStepSequence(t, nil)

	outcomes, err = h.manager.HandleTrigger(ctx, trigger())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Enrolled)
	require.Equal(t, seq.ID, outcomes[0].SequenceID)

	outcomes, err = h.manager.HandleTrigger(ctx, trigger())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Enrolled)
	require.Equal(t, ReasonDuplicate, outcomes[0].Reason)

	recorded, err := triggers.ListForRecipient(ctx, "church-1", "visitor:v1", models.TriggerVisitCompleted, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recorded, 1)
}

func TestBulkEnroll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, nil)

	_, err := h.preferences.Get(ctx, "church-1", "v3@example.org", "")
	require.ErrorIs(t, err, db.ErrPreferencesNotFound)
	require.NoError(t, h.preferences.Upsert(ctx, &models.CommunicationPreferences{TenantID: "church-1", Email: "v3@example.org", GlobalUnsubscribe: true}))

	resp, err := h.manager.BulkEnroll(ctx, "church-1", models.BulkEnrollRequest{
		SequenceID: seq.ID,
		Recipients: []models.BulkRecipient{
			{RecipientRef: models.RecipientRef{VisitorID: "v1"}, Contact: models.Contact{Email: "v1@example.org"}},
			{RecipientRef: models.RecipientRef{VisitorID: "v2"}, Contact: models.Contact{Email: "not-an-email"}},
			{RecipientRef: models.RecipientRef{VisitorID: "v3"}, Contact: models.Contact{Email: "v3@example.org"}},
			{RecipientRef: models.RecipientRef{VisitorID: "v1"}, Contact: models.Contact{Email: "v1@example.org"}},
			{Contact: models.Contact{Email: "nobody@example.org"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Enrolled)
	require.Equal(t, 4, resp.Skipped)
	require.Equal(t, ReasonInvalidEmail, resp.Results[1].Reason)
	require.Equal(t, ReasonSuppressed, resp.Results[2].Reason)
	require.Equal(t, ReasonDuplicate, resp.Results[3].Reason)

	_, err = h.manager.BulkEnroll(ctx, "church-1", models.BulkEnrollRequest{SequenceID: seq.ID})
	require.Error(t, err)
}

func TestVariantAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.twoStepSequence(t, nil)

	variant := &models.SequenceVariant{SequenceID: seq.ID, Name: "B", TrafficPercentage: 50, IsActive: true}
	require.NoError(t, h.sequences.CreateVariant(ctx, variant))

	inVariant := 0
	for i := 0; i < 40; i++ {
		e, err := h.manager.Enroll(ctx, "church-1", enrollReq(seq, fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		want := AssignVariant(seq.ID, e.RecipientKey, []*models.SequenceVariant{variant})
		if want == nil {
			require.Empty(t, e.VariantID)
		} else {
			require.Equal(t, variant.ID, e.VariantID)
			inVariant++
		}
	}
	require.Greater(t, inVariant, 5)
	require.Less(t, inVariant, 35)
}

func TestAssignVariantSticky(t *testing.T) {
	variants := []*models.SequenceVariant{
		{ID: "a", TrafficPercentage: 30, IsActive: true, CreatedAt: t0},
		{ID: "b", TrafficPercentage: 30, IsActive: true, CreatedAt: t0.Add(time.Minute)},
		{ID: "off", TrafficPercentage: 40, IsActive: false},
	}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("visitor:%d", i)
		first := AssignVariant("seq-1", key, variants)
		second := AssignVariant("seq-1", key, variants)
		require.Equal(t, first, second)

		bucket := Bucket("seq-1", key)
		switch {
		case bucket < 30:
			require.Equal(t, "a", first.ID)
		case bucket < 60:
			require.Equal(t, "b", first.ID)
		default:
			require.Nil(t, first)
		}
	}
	require.Nil(t, AssignVariant("seq-1", "visitor:1", nil))
}
