// Package enrollment owns the enrollment lifecycle: admission, step
// advancement, pause/resume and cancellation.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/conditions"
	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/events"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/suppression"
)

// Enrollment errors. The first three are expected outcomes of admission and
// are reported to the trigger caller rather than retried.
var (
	ErrDuplicateEnrollment = errors.New("duplicate enrollment")
	ErrCapacityExceeded    = errors.New("sequence enrollment capacity exceeded")
	ErrSuppressed          = errors.New("recipient suppressed for sequence")
	ErrSequenceInactive    = errors.New("sequence is not active")
	ErrSequenceNotFound    = errors.New("sequence not found")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrInvalidTransition   = errors.New("invalid enrollment transition")
)

// SequenceStore reads sequence definitions.
type SequenceStore interface {
	Get(ctx context.Context, id string) (*models.Sequence, error)
	ListActiveByTrigger(ctx context.Context, tenantID string, trigger models.TriggerEventType) ([]*models.Sequence, error)
	ListVariants(ctx context.Context, sequenceID string) ([]*models.SequenceVariant, error)
}

// EnrollmentStore persists enrollments.
type EnrollmentStore interface {
	Insert(ctx context.Context, e *models.Enrollment, guards db.EnrollGuards) error
	Get(ctx context.Context, id string) (*models.Enrollment, error)
	SaveIfStatus(ctx context.Context, e *models.Enrollment, expected models.EnrollmentStatus) error
	ListLiveByContact(ctx context.Context, tenantID, email, phone string) ([]*models.Enrollment, error)
}

// TriggerStore records accepted triggers for conversion analytics.
type TriggerStore interface {
	Record(ctx context.Context, t *models.TriggerEvent) error
}

// PreferenceStore reads and writes communication preferences.
type PreferenceStore interface {
	Get(ctx context.Context, tenantID, email, phone string) (*models.CommunicationPreferences, error)
	Upsert(ctx context.Context, p *models.CommunicationPreferences) error
}

// Suppressor decides whether a send may happen and when.
type Suppressor interface {
	Check(ctx context.Context, tenantID string, contact models.Contact, seq *models.Sequence, at time.Time) (suppression.Decision, error)
}

// Manager is the only writer of enrollment state outside dispatcher claims.
type Manager struct {
	sequences   SequenceStore
	enrollments EnrollmentStore
	suppressor  Suppressor
	triggers    TriggerStore
	preferences PreferenceStore
	recorder    *events.Recorder
	validate    *validator.Validate
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRecorder sets the lifecycle event recorder.
func WithRecorder(r *events.Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithTriggerStore enables trigger recording in HandleTrigger.
func WithTriggerStore(t TriggerStore) Option {
	return func(m *Manager) {
		m.triggers = t
	}
}

// WithPreferenceStore enables Unsubscribe.
func WithPreferenceStore(p PreferenceStore) Option {
	return func(m *Manager) {
		m.preferences = p
	}
}

// NewManager creates an enrollment manager.
func NewManager(sequences SequenceStore, enrollments EnrollmentStore, suppressor Suppressor, opts ...Option) *Manager {
	m := &Manager{
		sequences:   sequences,
		enrollments: enrollments,
		suppressor:  suppressor,
		validate:    validator.New(),
		logger:      logging.Component("enrollment"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enroll admits a recipient into a sequence.
func (m *Manager) Enroll(ctx context.Context, tenantID string, req models.EnrollRequest) (*models.Enrollment, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid enroll request: %w", err)
	}
	if err := req.RecipientRef.Validate(); err != nil {
		return nil, err
	}

	seq, err := m.loadSequence(ctx, tenantID, req.SequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.IsActive {
		return nil, ErrSequenceInactive
	}
	return m.enroll(ctx, seq, req)
}

func (m *Manager) enroll(ctx context.Context, seq *models.Sequence, req models.EnrollRequest) (e *models.Enrollment, err error) {
	defer func() { metrics.IncEnrollment(enrollResult(err)) }()

	now := m.now().UTC()
	contact := req.Contact
	contact.Email = normalizeEmail(contact.Email)
	contact.Phone = strings.TrimSpace(contact.Phone)

	firstDelay := time.Duration(0)
	if len(seq.Steps) > 0 {
		firstDelay = seq.Steps[0].Delay()
	}
	next := now.Add(time.Duration(seq.StartDelayMinutes)*time.Minute + firstDelay)

	decision, err := m.suppressor.Check(ctx, seq.TenantID, contact, seq, next)
	if err != nil {
		return nil, err
	}
	if decision.Suppressed {
		return nil, fmt.Errorf("%w: %s", ErrSuppressed, decision.Reason)
	}
	if decision.DeferUntil != nil {
		next = *decision.DeferUntil
	}

	trigger := req.TriggerEvent
	if trigger == "" {
		trigger = models.TriggerManual
	}

	e = &models.Enrollment{
		TenantID:      seq.TenantID,
		SequenceID:    seq.ID,
		RecipientRef:  req.RecipientRef,
		RecipientKey:  req.RecipientRef.Key(),
		Contact:       contact,
		Data:          req.EnrollmentData,
		Status:        models.EnrollmentStatusActive,
		CurrentStep:   0,
		NextSendAt:    &next,
		PriorityBoost: req.PriorityBoost,
		TriggerEvent:  trigger,
		EnrolledAt:    now,
	}

	variants, err := m.sequences.ListVariants(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	if v := AssignVariant(seq.ID, e.RecipientKey, variants); v != nil {
		e.VariantID = v.ID
	}

	guards := db.EnrollGuards{MaxEnrollments: seq.MaxEnrollments}
	if seq.EnrollmentWindowHours > 0 {
		since := now.Add(-time.Duration(seq.EnrollmentWindowHours) * time.Hour)
		guards.CompletedSince = &since
	}

	if err := m.enrollments.Insert(ctx, e, guards); err != nil {
		switch {
		case errors.Is(err, db.ErrEnrollmentExists):
			return nil, ErrDuplicateEnrollment
		case errors.Is(err, db.ErrEnrollmentCapacity):
			return nil, ErrCapacityExceeded
		}
		return nil, err
	}

	m.logger.Info().
		Str("enrollment_id", e.ID).
		Str("sequence_id", seq.ID).
		Str("recipient_key", e.RecipientKey).
		Str("variant_id", e.VariantID).
		Time("next_send_at", next).
		Msg("enrollment created")
	m.recorder.Enrollment(ctx, models.EventTypeEnrollmentCreated, e, decision.Reason)
	return e, nil
}

// Advance moves an enrollment past its pending step. Following steps whose
// send conditions no longer hold are skipped; when none remain the
// enrollment completes. Terminal enrollments are returned unchanged.
func (m *Manager) Advance(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	e, err := m.getEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() {
		return e, nil
	}
	seq, err := m.loadSequence(ctx, e.TenantID, e.SequenceID)
	if err != nil {
		return nil, err
	}

	prior := e.Status
	now := m.now().UTC()
	skipped := advanceSteps(e, seq, now)

	if err := m.enrollments.SaveIfStatus(ctx, e, prior); err != nil {
		if errors.Is(err, db.ErrEnrollmentChanged) {
			return m.getEnrollment(ctx, enrollmentID)
		}
		return nil, err
	}

	log := m.logger.Info().
		Str("enrollment_id", e.ID).
		Str("sequence_id", e.SequenceID).
		Int("current_step", e.CurrentStep).
		Int("skipped", skipped)
	if e.Status == models.EnrollmentStatusCompleted {
		log.Msg("enrollment completed")
		m.recorder.Enrollment(ctx, models.EventTypeEnrollmentCompleted, e, "")
	} else {
		log.Time("next_send_at", *e.NextSendAt).Msg("enrollment advanced")
		m.recorder.Enrollment(ctx, models.EventTypeEnrollmentAdvanced, e, "")
	}
	return e, nil
}

// advanceSteps applies one step completion at now and returns how many
// following steps were skipped on their send conditions.
func advanceSteps(e *models.Enrollment, seq *models.Sequence, now time.Time) int {
	input := e.TemplateContext()
	next := e.CurrentStep + 1
	skipped := 0
	for next < len(seq.Steps) && !conditions.Match(seq.Steps[next].SendConditions, input) {
		next++
		skipped++
	}

	e.LastStepAt = &now
	e.ProcessingToken = ""
	e.ClaimedAt = nil

	if next >= len(seq.Steps) {
		e.CurrentStep = len(seq.Steps)
		e.Status = models.EnrollmentStatusCompleted
		e.CompletedAt = &now
		e.NextSendAt = nil
		return skipped
	}

	e.CurrentStep = next
	sendAt := now.Add(seq.Steps[next].Delay())
	e.NextSendAt = &sendAt
	return skipped
}

// Cancel stops an enrollment. Cancelling a terminal enrollment is a no-op.
func (m *Manager) Cancel(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	e, err := m.getEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return m.cancel(ctx, e, reason)
}

func (m *Manager) cancel(ctx context.Context, e *models.Enrollment, reason string) (*models.Enrollment, error) {
	if e.Status.Terminal() {
		return e, nil
	}
	if reason == "" {
		reason = models.CancelReasonManual
	}

	prior := e.Status
	now := m.now().UTC()
	e.Status = models.EnrollmentStatusCancelled
	e.CancelledAt = &now
	e.CancelReason = reason
	e.NextSendAt = nil
	e.ProcessingToken = ""
	e.ClaimedAt = nil

	if err := m.enrollments.SaveIfStatus(ctx, e, prior); err != nil {
		if errors.Is(err, db.ErrEnrollmentChanged) {
			current, getErr := m.getEnrollment(ctx, e.ID)
			if getErr != nil {
				return nil, getErr
			}
			return m.cancel(ctx, current, reason)
		}
		return nil, err
	}

	m.logger.Info().
		Str("enrollment_id", e.ID).
		Str("sequence_id", e.SequenceID).
		Str("reason", reason).
		Msg("enrollment cancelled")
	m.recorder.Enrollment(ctx, models.EventTypeEnrollmentCancelled, e, reason)
	return e, nil
}

// Pause hides an active enrollment from the scheduler. Its step and due
// time are kept.
func (m *Manager) Pause(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return m.toggle(ctx, enrollmentID, models.EnrollmentStatusActive, models.EnrollmentStatusPaused, models.EventTypeEnrollmentPaused)
}

// Resume makes a paused enrollment visible to the scheduler again. An
// overdue next_send_at is sent on the next poll.
func (m *Manager) Resume(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return m.toggle(ctx, enrollmentID, models.EnrollmentStatusPaused, models.EnrollmentStatusActive, models.EventTypeEnrollmentResumed)
}

func (m *Manager) toggle(ctx context.Context, enrollmentID string, from, to models.EnrollmentStatus, typ models.EventType) (*models.Enrollment, error) {
	e, err := m.getEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status == to {
		return e, nil
	}
	if e.Status != from {
		return nil, fmt.Errorf("%w: %s enrollment cannot become %s", ErrInvalidTransition, e.Status, to)
	}

	e.Status = to
	if err := m.enrollments.SaveIfStatus(ctx, e, from); err != nil {
		if errors.Is(err, db.ErrEnrollmentChanged) {
			return nil, fmt.Errorf("%w: enrollment changed concurrently", ErrInvalidTransition)
		}
		return nil, err
	}

	m.logger.Info().Str("enrollment_id", e.ID).Str("status", string(to)).Msg("enrollment status changed")
	m.recorder.Enrollment(ctx, typ, e, "")
	return e, nil
}

// Get returns an enrollment.
func (m *Manager) Get(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return m.getEnrollment(ctx, enrollmentID)
}

func (m *Manager) getEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	e, err := m.enrollments.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrEnrollmentNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return e, nil
}

func (m *Manager) loadSequence(ctx context.Context, tenantID, id string) (*models.Sequence, error) {
	seq, err := m.sequences.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrSequenceNotFound) {
			return nil, ErrSequenceNotFound
		}
		return nil, err
	}
	if tenantID != "" && seq.TenantID != tenantID {
		return nil, ErrSequenceNotFound
	}
	return seq, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
