package db

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/visionarychurch/followup/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createTestSequence(t *testing.T, database *DB) *models.Sequence {
	t.Helper()

	seq := &models.Sequence{
		TenantID:     "church-1",
		Name:         "First Visit",
		SequenceType: models.SequenceTypeVisitorFollowUp,
		TriggerEvent: models.TriggerVisitCompleted,
		IsActive:     true,
		Priority:     1,
		Steps: []models.SequenceStep{
			{StepOrder: 1, StepType: models.StepTypeEmail, Content: models.StepContent{Subject: "Welcome", Body: "Hi {{ first_name }}"}},
			{StepOrder: 2, StepType: models.StepTypeSMS, DelayAfterPrevious: 60, Content: models.StepContent{Body: "See you"}},
		},
	}
	if err := NewSequenceRepository(database).Create(context.Background(), seq); err != nil {
		t.Fatalf("create sequence: %v", err)
	}
	return seq
}

func newEnrollment(seq *models.Sequence, visitorID string, nextSend time.Time) *models.Enrollment {
	return &models.Enrollment{
		TenantID:     seq.TenantID,
		SequenceID:   seq.ID,
		RecipientRef: models.RecipientRef{VisitorID: visitorID},
		Contact:      models.Contact{Email: visitorID + "@example.org"},
		Status:       models.EnrollmentStatusActive,
		NextSendAt:   &nextSend,
		EnrolledAt:   nextSend.Add(-time.Hour),
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	applied, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestSequenceRepository_CreateAndGet(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewSequenceRepository(database)

	max := 10
	seq := createTestSequence(t, database)
	seq.MaxEnrollments = &max
	seq.SendWindow = &models.SendWindow{StartHour: 9, EndHour: 17}
	seq.TriggerConditions = []models.Condition{{Field: "campus", Operator: models.OpEquals, Value: "north"}}
	require.NoError(t, repo.Update(ctx, seq))

	got, err := repo.Get(ctx, seq.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	require.Equal(t, 1, got.Steps[0].StepOrder)
	require.Equal(t, 2, got.Steps[1].StepOrder)
	require.Equal(t, 60, got.Steps[1].DelayAfterPrevious)
	require.NotNil(t, got.MaxEnrollments)
	require.Equal(t, 10, *got.MaxEnrollments)
	require.Equal(t, 9, got.SendWindow.StartHour)
	require.Len(t, got.TriggerConditions, 1)
	require.True(t, got.IsActive)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrSequenceNotFound)
}

func TestSequenceRepository_UpdateKeepsStepIDs(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewSequenceRepository(database)

	seq := createTestSequence(t, database)
	firstID := seq.Steps[0].ID

	seq.Steps[0].ID = ""
	seq.Steps[0].Content.Subject = "Updated"
	require.NoError(t, repo.Update(ctx, seq))

	got, err := repo.Get(ctx, seq.ID)
	require.NoError(t, err)
	require.Equal(t, firstID, got.Steps[0].ID)
	require.Equal(t, "Updated", got.Steps[0].Content.Subject)
}

func TestSequenceRepository_RejectsGapInSteps(t *testing.T) {
	database := setupTestDB(t)
	seq := &models.Sequence{
		TenantID:     "church-1",
		Name:         "Broken",
		SequenceType: models.SequenceTypeCustom,
		TriggerEvent: models.TriggerManual,
		Steps: []models.SequenceStep{
			{StepOrder: 1, StepType: models.StepTypeEmail, Content: models.StepContent{Body: "a"}},
			{StepOrder: 3, StepType: models.StepTypeEmail, Content: models.StepContent{Body: "b"}},
		},
	}
	err := NewSequenceRepository(database).Create(context.Background(), seq)
	var verr *models.ValidationErrors
	require.True(t, errors.As(err, &verr))
}

func TestSequenceRepository_VariantTrafficCap(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewSequenceRepository(database)
	seq := createTestSequence(t, database)

	a := &models.SequenceVariant{SequenceID: seq.ID, Name: "A", TrafficPercentage: 60, IsActive: true}
	require.NoError(t, repo.CreateVariant(ctx, a))

	b := &models.SequenceVariant{SequenceID: seq.ID, Name: "B", TrafficPercentage: 50, IsActive: true}
	require.Error(t, repo.CreateVariant(ctx, b))

	b.TrafficPercentage = 40
	require.NoError(t, repo.CreateVariant(ctx, b))

	a.TrafficPercentage = 70
	require.Error(t, repo.UpdateVariant(ctx, a))

	variants, err := repo.ListVariants(ctx, seq.ID)
	require.NoError(t, err)
	require.Len(t, variants, 2)
}

func TestEnrollmentRepository_InsertGuards(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEnrollmentRepository(database)
	seq := createTestSequence(t, database)
	now := time.Now().UTC()

	first := newEnrollment(seq, "v1", now)
	require.NoError(t, repo.Insert(ctx, first, EnrollGuards{}))
	require.Equal(t, "visitor:v1", first.RecipientKey)

	dup := newEnrollment(seq, "v1", now)
	require.ErrorIs(t, repo.Insert(ctx, dup, EnrollGuards{}), ErrEnrollmentExists)

	one := 1
	other := newEnrollment(seq, "v2", now)
	require.ErrorIs(t, repo.Insert(ctx, other, EnrollGuards{MaxEnrollments: &one}), ErrEnrollmentCapacity)

	// Completed within the window blocks; outside the window is allowed.
	completedAt := now.Add(-2 * time.Hour)
	first.Status = models.EnrollmentStatusCompleted
	first.CompletedAt = &completedAt
	first.NextSendAt = nil
	require.NoError(t, repo.Save(ctx, first))

	windowStart := now.Add(-24 * time.Hour)
	again := newEnrollment(seq, "v1", now)
	require.ErrorIs(t, repo.Insert(ctx, again, EnrollGuards{CompletedSince: &windowStart}), ErrEnrollmentExists)

	windowStart = now.Add(-time.Hour)
	again = newEnrollment(seq, "v1", now)
	require.NoError(t, repo.Insert(ctx, again, EnrollGuards{CompletedSince: &windowStart}))
}

func TestEnrollmentRepository_ListDueOrdering(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEnrollmentRepository(database)
	seq := createTestSequence(t, database)
	now := time.Now().UTC()

	older := newEnrollment(seq, "old", now.Add(-2*time.Hour))
	newer := newEnrollment(seq, "new", now.Add(-time.Hour))
	boosted := newEnrollment(seq, "boost", now.Add(-time.Minute))
	boosted.PriorityBoost = 5
	future := newEnrollment(seq, "future", now.Add(time.Hour))
	for _, e := range []*models.Enrollment{older, newer, boosted, future} {
		require.NoError(t, repo.Insert(ctx, e, EnrollGuards{}))
	}

	due, err := repo.ListDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.Equal(t, boosted.ID, due[0].ID)
	require.Equal(t, older.ID, due[1].ID)
	require.Equal(t, newer.ID, due[2].ID)
}

func TestEnrollmentRepository_ClaimIsExclusive(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEnrollmentRepository(database)
	seq := createTestSequence(t, database)
	now := time.Now().UTC()

	e := newEnrollment(seq, "v1", now.Add(-time.Minute))
	require.NoError(t, repo.Insert(ctx, e, EnrollGuards{}))

	stale := now.Add(-5 * time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, token := range []string{"worker-a", "worker-b", "worker-c"} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			ok, err := repo.Claim(ctx, e.ID, token, now, stale)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(token)
	}
	wg.Wait()
	require.Equal(t, 1, wins)

	// A stale claim can be taken over.
	later := now.Add(10 * time.Minute)
	ok, err := repo.Claim(ctx, e.ID, "worker-d", later, later.Add(-5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, repo.Release(ctx, e.ID, "worker-a", nil), ErrClaimLost)
	require.NoError(t, repo.Release(ctx, e.ID, "worker-d", nil))
}

func TestMessageRepository_GetOrCreateIsUnique(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	seq := createTestSequence(t, database)
	e := newEnrollment(seq, "v1", time.Now().UTC())
	require.NoError(t, NewEnrollmentRepository(database).Insert(ctx, e, EnrollGuards{}))

	repo := NewMessageRepository(database)
	msg := func() *models.SequenceMessage {
		return &models.SequenceMessage{
			TenantID:     seq.TenantID,
			EnrollmentID: e.ID,
			SequenceID:   seq.ID,
			StepID:       seq.Steps[0].ID,
			StepOrder:    1,
			Channel:      models.StepTypeEmail,
		}
	}

	first, created, err := repo.GetOrCreate(ctx, msg())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := repo.GetOrCreate(ctx, msg())
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	now := time.Now().UTC()
	first.Status = models.MessageStatusFailed
	first.FailedAt = &now
	first.ErrorMessage = "mailbox unavailable"
	require.NoError(t, repo.Save(ctx, first))
	require.Equal(t, 1, first.Version)

	// second was read before first was saved.
	second.Status = models.MessageStatusSent
	require.ErrorIs(t, repo.Save(ctx, second), ErrMessageChanged)
	require.ErrorIs(t, repo.Save(ctx, &models.SequenceMessage{ID: "missing"}), ErrMessageNotFound)

	stored, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusFailed, stored.Status)
	require.Equal(t, 1, stored.Version)

	summary, err := repo.FailureSummary(ctx, seq.ID)
	require.NoError(t, err)
	require.Len(t, summary, 1)
	require.Equal(t, 1, summary[0].Failed)
	require.Equal(t, "mailbox unavailable", summary[0].LastError)
}

func TestPreferenceRepository_Upsert(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewPreferenceRepository(database)

	p := &models.CommunicationPreferences{TenantID: "church-1", Email: "Ann@Example.org"}
	p.AddScope("seq-1")
	require.NoError(t, repo.Upsert(ctx, p))

	update := &models.CommunicationPreferences{TenantID: "church-1", Email: "ann@example.org", GlobalUnsubscribe: true}
	require.NoError(t, repo.Upsert(ctx, update))
	require.Equal(t, p.ID, update.ID)

	found, err := repo.FindByContact(ctx, "church-1", "ANN@example.org", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.True(t, found[0].GlobalUnsubscribe)

	_, err = repo.Get(ctx, "church-2", "ann@example.org", "")
	require.ErrorIs(t, err, ErrPreferencesNotFound)
}

func TestAnalyticsRepository_UpsertReplaces(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewAnalyticsRepository(database)
	seq := createTestSequence(t, database)

	row := &models.SequenceAnalytics{SequenceID: seq.ID, Date: "2026-03-01", MessagesSent: 3}
	require.NoError(t, repo.Upsert(ctx, row))
	row.MessagesSent = 5
	require.NoError(t, repo.Upsert(ctx, row))

	rows, err := repo.Query(ctx, models.AnalyticsFilters{TenantID: seq.TenantID, SequenceID: seq.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 5, rows[0].MessagesSent)
}

func TestEventRepository_TimelineAndFeed(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewEventRepository(database)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	appendEvent := func(offset time.Duration, typ models.EventType, entity models.EntityType, id, payload string) {
		t.Helper()
		require.NoError(t, repo.Append(ctx, &models.Event{
			Timestamp:  base.Add(offset),
			Type:       typ,
			TenantID:   "church-1",
			EntityType: entity,
			EntityID:   id,
			Payload:    json.RawMessage(payload),
			Metadata:   map[string]string{"source": "test"},
		}))
	}
	appendEvent(0, models.EventTypeEnrollmentCreated, models.EntityTypeEnrollment, "enr-1", `{"sequence_id":"s1"}`)
	appendEvent(time.Minute, models.EventTypeMessageSent, models.EntityTypeMessage, "msg-1", `{"enrollment_id":"enr-1","step_order":1}`)
	appendEvent(2*time.Minute, models.EventTypeMessageSent, models.EntityTypeMessage, "msg-2", `{"enrollment_id":"enr-2","step_order":1}`)
	appendEvent(3*time.Minute, models.EventTypeEnrollmentCompleted, models.EntityTypeEnrollment, "enr-1", `{"sequence_id":"s1"}`)

	err := repo.Append(ctx, &models.Event{EntityType: models.EntityTypeEnrollment, EntityID: "enr-1"})
	require.ErrorIs(t, err, ErrInvalidEvent)

	timeline, err := repo.Timeline(ctx, "enr-1", 10)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	require.Equal(t, models.EventTypeEnrollmentCreated, timeline[0].Type)
	require.Equal(t, "msg-1", timeline[1].EntityID)
	require.Equal(t, "test", timeline[2].Metadata["source"])

	page, err := repo.Feed(ctx, EventFeedQuery{TenantID: "church-1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	require.NotEmpty(t, page.NextCursor)

	rest, err := repo.Feed(ctx, EventFeedQuery{TenantID: "church-1", After: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest.Events, 1)
	require.Empty(t, rest.NextCursor)
	require.Equal(t, models.EventTypeEnrollmentCompleted, rest.Events[0].Type)

	sent, err := repo.Feed(ctx, EventFeedQuery{TenantID: "church-1", Types: []models.EventType{models.EventTypeMessageSent}})
	require.NoError(t, err)
	require.Len(t, sent.Events, 2)

	since := base.Add(2 * time.Minute)
	late, err := repo.Feed(ctx, EventFeedQuery{TenantID: "church-1", Since: &since})
	require.NoError(t, err)
	require.Len(t, late.Events, 2)

	other, err := repo.Feed(ctx, EventFeedQuery{TenantID: "church-2"})
	require.NoError(t, err)
	require.Empty(t, other.Events)

	_, err = repo.Feed(ctx, EventFeedQuery{})
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestTaskRepository_CreateForMessageIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	repo := NewTaskRepository(database)

	first, err := repo.CreateForMessage(ctx, &models.Task{TenantID: "church-1", EnrollmentID: "e1", MessageID: "m1", Title: "Call Ann"})
	require.NoError(t, err)
	second, err := repo.CreateForMessage(ctx, &models.Task{TenantID: "church-1", EnrollmentID: "e1", MessageID: "m1", Title: "Call Ann"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	tasks, err := repo.List(ctx, "church-1", models.TaskStatusOpen)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestEnrollmentRepository_SaveIfStatus(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	seq := createTestSequence(t, database)
	repo := NewEnrollmentRepository(database)

	e := newEnrollment(seq, "v1", time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, e, EnrollGuards{}))

	stale, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)

	e.Status = models.EnrollmentStatusCancelled
	e.CancelReason = models.CancelReasonManual
	require.NoError(t, repo.SaveIfStatus(ctx, e, models.EnrollmentStatusActive))

	stale.CurrentStep = 1
	err = repo.SaveIfStatus(ctx, stale, models.EnrollmentStatusActive)
	require.ErrorIs(t, err, ErrEnrollmentChanged)

	stored, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCancelled, stored.Status)
	require.Equal(t, 0, stored.CurrentStep)
}
