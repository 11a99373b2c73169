// Package scheduler provides the polling dispatcher that sends due sequence steps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/visionarychurch/followup/internal/conditions"
	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/delivery"
	"github.com/visionarychurch/followup/internal/events"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/suppression"
	"github.com/visionarychurch/followup/internal/templates"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
	ErrNoRecipient             = errors.New("enrollment has no address for channel")
)

// maxSaveAttempts bounds re-reads when a message is written concurrently.
const maxSaveAttempts = 3

// Config contains scheduler configuration.
type Config struct {
	// PollInterval is how often the scheduler checks for due enrollments.
	// Default: 15 seconds.
	PollInterval time.Duration

	// BatchSize bounds the due enrollments fetched per tick.
	// Default: 100.
	BatchSize int

	// MaxConcurrency limits how many enrollments are dispatched at once.
	// Default: 10.
	MaxConcurrency int

	// ClaimTTL is how long a claim is honoured before another worker may
	// take the enrollment over.
	// Default: 5 minutes.
	ClaimTTL time.Duration

	// DispatchTimeout is the maximum time allowed for a single dispatch.
	// Default: 30 seconds.
	DispatchTimeout time.Duration

	// MaxRetries applies to steps that do not set their own.
	// Default: 3.
	MaxRetries int

	// Backoff spaces transient retries.
	Backoff delivery.Backoff
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    15 * time.Second,
		BatchSize:       100,
		MaxConcurrency:  10,
		ClaimTTL:        5 * time.Minute,
		DispatchTimeout: 30 * time.Second,
		MaxRetries:      3,
		Backoff:         delivery.Backoff{Base: time.Minute, Max: time.Hour},
	}
}

// Result names what a dispatch did with an enrollment.
type Result string

const (
	ResultSent      Result = "sent"
	ResultFailed    Result = "failed"
	ResultRetry     Result = "retry"
	ResultDeferred  Result = "deferred"
	ResultSkipped   Result = "skipped"
	ResultCancelled Result = "cancelled"
	ResultCompleted Result = "completed"
	ResultError     Result = "error"
)

// DispatchEvent represents one enrollment processed by the scheduler.
type DispatchEvent struct {
	EnrollmentID string
	SequenceID   string
	StepOrder    int
	Channel      models.StepType
	MessageID    string
	Result       Result
	Error        string
	Timestamp    time.Time
	Duration     time.Duration
}

// SchedulerStats contains scheduler statistics.
type SchedulerStats struct {
	Running   bool
	Paused    bool
	StartedAt *time.Time

	Ticks           int64
	TotalDispatches int64
	Sent            int64
	Failed          int64
	Retried         int64
	Deferred        int64
	Skipped         int64
	Cancelled       int64
	Errors          int64

	LastTickAt     *time.Time
	LastDispatchAt *time.Time
}

// EnrollmentStore is the claim protocol over due enrollments.
type EnrollmentStore interface {
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.Enrollment, error)
	Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (bool, error)
	Release(ctx context.Context, id, token string, nextSendAt *time.Time) error
}

// SequenceStore reads sequence definitions.
type SequenceStore interface {
	Get(ctx context.Context, id string) (*models.Sequence, error)
	GetVariant(ctx context.Context, id string) (*models.SequenceVariant, error)
}

// MessageStore keeps the single message row per (enrollment, step).
type MessageStore interface {
	GetOrCreate(ctx context.Context, m *models.SequenceMessage) (*models.SequenceMessage, bool, error)
	Get(ctx context.Context, id string) (*models.SequenceMessage, error)
	Save(ctx context.Context, m *models.SequenceMessage) error
}

// Lifecycle moves enrollments through their sequence.
type Lifecycle interface {
	Advance(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	Cancel(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error)
}

// Suppressor decides whether a send may happen now.
type Suppressor interface {
	Check(ctx context.Context, tenantID string, contact models.Contact, seq *models.Sequence, at time.Time) (suppression.Decision, error)
}

// Deliverer sends rendered steps.
type Deliverer interface {
	Send(ctx context.Context, env delivery.Envelope) delivery.Result
}

// ContentResolver renders a step's subject and body.
type ContentResolver interface {
	Resolve(ctx context.Context, step models.SequenceStep, variant *models.SequenceVariant, vars map[string]string) (templates.Content, error)
}

// LinkBuilder produces unsubscribe links for rendered content.
type LinkBuilder interface {
	URL(e *models.Enrollment) string
}

// Deps are the collaborators a scheduler dispatches through.
type Deps struct {
	Enrollments EnrollmentStore
	Sequences   SequenceStore
	Messages    MessageStore
	Lifecycle   Lifecycle
	Suppressor  Suppressor
	Delivery    Deliverer
	Content     ContentResolver
	Links       LinkBuilder
	Recorder    *events.Recorder
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithWorkerID names the claim tokens this scheduler writes.
func WithWorkerID(id string) Option {
	return func(s *Scheduler) {
		if id != "" {
			s.workerID = id
		}
	}
}

// Scheduler polls for due enrollments and dispatches their pending step.
type Scheduler struct {
	config   Config
	deps     Deps
	logger   zerolog.Logger
	now      func() time.Time
	workerID string

	// Runtime state
	mu          sync.RWMutex
	running     bool
	paused      bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	tickMu      sync.Mutex
	scheduleNow chan struct{}

	// Stats
	stats      SchedulerStats
	statsMu    sync.RWMutex
	dispatchCh chan DispatchEvent
}

// New creates a new Scheduler.
func New(config Config, deps Deps, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaults.MaxConcurrency
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = defaults.Backoff
	}

	s := &Scheduler{
		config:      config,
		deps:        deps,
		logger:      logging.Component("scheduler"),
		now:         time.Now,
		workerID:    "scheduler",
		scheduleNow: make(chan struct{}, 1),
		dispatchCh:  make(chan DispatchEvent, 100),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler's background processing loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.paused = false

	now := s.now().UTC()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.Paused = false
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().
		Dur("poll_interval", s.config.PollInterval).
		Int("batch_size", s.config.BatchSize).
		Int("max_concurrency", s.config.MaxConcurrency).
		Msg("scheduler starting")

	s.wg.Add(1)
	go s.runLoop()

	return nil
}

// Stop halts the scheduler and waits for in-flight dispatches to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}

	s.logger.Info().Msg("scheduler stopping")

	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Running reports whether the loop is active and not paused.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running && !s.paused
}

// ScheduleNow requests a tick ahead of the poll interval.
func (s *Scheduler) ScheduleNow() error {
	s.mu.RLock()
	running := s.running
	paused := s.paused
	s.mu.RUnlock()

	if !running || paused {
		return ErrSchedulerNotRunning
	}

	select {
	case s.scheduleNow <- struct{}{}:
		s.logger.Debug().Msg("immediate tick triggered")
	default:
		// A tick is already pending.
	}
	return nil
}

// Pause temporarily suspends the scheduler without stopping it.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if s.paused {
		return nil
	}

	s.paused = true
	s.statsMu.Lock()
	s.stats.Paused = true
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler paused")
	return nil
}

// Resume resumes a paused scheduler.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if !s.paused {
		return nil
	}

	s.paused = false
	s.statsMu.Lock()
	s.stats.Paused = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler resumed")
	return nil
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// DispatchEvents returns the channel of dispatch events.
// Events are dropped when nobody reads the channel.
func (s *Scheduler) DispatchEvents() <-chan DispatchEvent {
	return s.dispatchCh
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.scheduleNow:
		case <-ticker.C:
		}

		s.mu.RLock()
		paused := s.paused
		s.mu.RUnlock()
		if paused {
			continue
		}

		if _, err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler tick failed")
		}
	}
}

// RunOnce performs a single scheduling cycle and returns how many
// enrollments it processed. Individual dispatch failures are recorded on
// their message and never fail the tick.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	started := time.Now()
	now := s.now().UTC()
	staleBefore := now.Add(-s.config.ClaimTTL)

	due, err := s.deps.Enrollments.ListDue(ctx, now, staleBefore, s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due enrollments: %w", err)
	}
	metrics.DueEnrollments.Set(float64(len(due)))

	// One enrollment per recipient per tick; due is already in priority order.
	seen := make(map[string]struct{}, len(due))
	batch := due[:0]
	for _, e := range due {
		key := e.TenantID + "/" + e.RecipientKey
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, e)
	}

	var (
		g         errgroup.Group
		processed int
		countMu   sync.Mutex
	)
	g.SetLimit(s.config.MaxConcurrency)
	for _, e := range batch {
		g.Go(func() error {
			if s.dispatch(ctx, e, now, staleBefore) {
				countMu.Lock()
				processed++
				countMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	tickAt := now
	s.statsMu.Lock()
	s.stats.Ticks++
	s.stats.LastTickAt = &tickAt
	s.statsMu.Unlock()
	metrics.TickDuration.Observe(time.Since(started).Seconds())

	if len(batch) > 0 {
		s.logger.Debug().
			Int("due", len(due)).
			Int("batch", len(batch)).
			Int("processed", processed).
			Msg("scheduler tick")
	}
	return processed, ctx.Err()
}

// dispatch claims and processes one enrollment. It returns false when
// another worker holds the enrollment.
func (s *Scheduler) dispatch(parent context.Context, e *models.Enrollment, now, staleBefore time.Time) bool {
	ctx, cancel := context.WithTimeout(parent, s.config.DispatchTimeout)
	defer cancel()

	token := s.workerID + ":" + uuid.New().String()
	claimed, err := s.deps.Enrollments.Claim(ctx, e.ID, token, now, staleBefore)
	if err != nil {
		s.logger.Error().Err(err).Str("enrollment_id", e.ID).Msg("failed to claim enrollment")
		return false
	}
	if !claimed {
		return false
	}

	started := time.Now()
	event := DispatchEvent{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		Timestamp:    now,
	}
	err = s.process(ctx, e, token, now, &event)
	if err != nil {
		event.Result = ResultError
		event.Error = err.Error()
		s.logger.Error().
			Err(err).
			Str("enrollment_id", e.ID).
			Str("sequence_id", e.SequenceID).
			Msg("dispatch failed")
		s.deps.Recorder.Error(ctx, e.TenantID, err, "dispatch "+e.ID)

		// Keep the enrollment due but out of the next few ticks.
		retryAt := now.Add(s.config.Backoff.Delay(1))
		if relErr := s.deps.Enrollments.Release(context.WithoutCancel(ctx), e.ID, token, &retryAt); relErr != nil && !errors.Is(relErr, db.ErrClaimLost) {
			s.logger.Warn().Err(relErr).Str("enrollment_id", e.ID).Msg("failed to release enrollment")
		}
	}
	event.Duration = time.Since(started)
	s.recordDispatch(event)
	return true
}

func (s *Scheduler) process(ctx context.Context, e *models.Enrollment, token string, now time.Time, event *DispatchEvent) error {
	seq, err := s.deps.Sequences.Get(ctx, e.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	if e.CurrentStep >= len(seq.Steps) {
		event.Result = ResultCompleted
		return s.advance(ctx, e)
	}

	decision, err := s.deps.Suppressor.Check(ctx, e.TenantID, e.Contact, seq, now)
	if err != nil {
		return fmt.Errorf("suppression check: %w", err)
	}
	if decision.Suppressed {
		event.Result = ResultCancelled
		if _, err := s.deps.Lifecycle.Cancel(ctx, e.ID, models.CancelReasonUnsubscribe); err != nil {
			return fmt.Errorf("cancel suppressed enrollment: %w", err)
		}
		return nil
	}
	if decision.Deferred() {
		event.Result = ResultDeferred
		if err := s.deps.Enrollments.Release(ctx, e.ID, token, decision.DeferUntil); err != nil {
			if errors.Is(err, db.ErrClaimLost) {
				s.logger.Debug().Str("enrollment_id", e.ID).Msg("enrollment changed while claimed, defer dropped")
				return nil
			}
			return fmt.Errorf("defer enrollment: %w", err)
		}
		s.logger.Debug().
			Str("enrollment_id", e.ID).
			Str("reason", decision.Reason).
			Time("defer_until", *decision.DeferUntil).
			Msg("send deferred")
		s.deps.Recorder.Enrollment(ctx, models.EventTypeMessageDeferred, e, decision.Reason)
		return nil
	}

	step := seq.Steps[e.CurrentStep]
	event.StepOrder = step.StepOrder
	event.Channel = step.StepType

	if !conditions.Match(step.SendConditions, e.TemplateContext()) {
		event.Result = ResultSkipped
		s.logger.Debug().
			Str("enrollment_id", e.ID).
			Int("step_order", step.StepOrder).
			Msg("send conditions false, skipping step")
		return s.advance(ctx, e)
	}

	variant := s.variant(ctx, e)
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.MaxRetries
	}
	scheduled := now
	if e.NextSendAt != nil {
		scheduled = *e.NextSendAt
	}

	msg, _, err := s.deps.Messages.GetOrCreate(ctx, &models.SequenceMessage{
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		SequenceID:   seq.ID,
		StepID:       step.ID,
		StepOrder:    step.StepOrder,
		VariantID:    e.VariantID,
		Channel:      step.StepType,
		Recipient:    recipient(e, step),
		MaxRetries:   maxRetries,
		ScheduledFor: &scheduled,
	})
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	event.MessageID = msg.ID

	// A previous worker finished this step but did not advance.
	if msg.Status != models.MessageStatusPending {
		event.Result = ResultCompleted
		return s.advance(ctx, e)
	}

	vars := templates.BuildContext(e, seq, step, s.unsubscribeURL(e))
	content, err := s.deps.Content.Resolve(ctx, step, variant, vars)
	if err != nil {
		event.Result = ResultFailed
		return s.fail(ctx, e, msg, now, fmt.Errorf("render step: %w", err))
	}
	msg.Subject = content.Subject
	msg.Body = content.Body

	if msg.Recipient == "" && (step.StepType == models.StepTypeEmail || step.StepType == models.StepTypeSMS) {
		event.Result = ResultFailed
		return s.fail(ctx, e, msg, now, fmt.Errorf("%w %s", ErrNoRecipient, step.StepType))
	}

	result := s.deps.Delivery.Send(ctx, delivery.Envelope{
		MessageID:    msg.ID,
		TenantID:     e.TenantID,
		EnrollmentID: e.ID,
		SequenceID:   seq.ID,
		StepOrder:    step.StepOrder,
		Channel:      step.StepType,
		To:           msg.Recipient,
		Subject:      content.Subject,
		Body:         content.Body,
		WebhookURL:   step.WebhookURL,
		Data:         vars,
	})

	switch result.Outcome {
	case delivery.OutcomeSent:
		event.Result = ResultSent
		return s.sent(ctx, e, msg, result.ExternalID, now)
	case delivery.OutcomePermanent:
		event.Result = ResultFailed
		return s.fail(ctx, e, msg, now, result.Err)
	default:
		msg.RetryCount++
		if msg.RetryCount >= msg.MaxRetries {
			event.Result = ResultFailed
			return s.fail(ctx, e, msg, now, fmt.Errorf("retries exhausted after %d attempts: %w", msg.RetryCount, result.Err))
		}
		event.Result = ResultRetry
		return s.retry(ctx, e, msg, token, now, result.Err)
	}
}

func (s *Scheduler) sent(ctx context.Context, e *models.Enrollment, msg *models.SequenceMessage, externalID string, now time.Time) error {
	subject, body := msg.Subject, msg.Body
	msg, err := s.updateMessage(ctx, msg, func(m *models.SequenceMessage) {
		m.Subject, m.Body = subject, body
		// A status callback may have landed while the send was in flight.
		if m.Status == models.MessageStatusPending {
			m.Status = models.MessageStatusSent
			m.StatusSource = models.StatusSourceLocal
		}
		if m.ExternalID == "" {
			m.ExternalID = externalID
		}
		if m.SentAt == nil {
			m.SentAt = &now
		}
		m.ErrorMessage = ""
	})
	if err != nil {
		return fmt.Errorf("save sent message: %w", err)
	}
	s.deps.Recorder.Message(ctx, models.EventTypeMessageSent, msg, nil)
	return s.advance(ctx, e)
}

func (s *Scheduler) fail(ctx context.Context, e *models.Enrollment, msg *models.SequenceMessage, now time.Time, cause error) error {
	subject, body, retries := msg.Subject, msg.Body, msg.RetryCount
	msg, err := s.updateMessage(ctx, msg, func(m *models.SequenceMessage) {
		m.Subject, m.Body = subject, body
		m.RetryCount = retries
		if m.Status != models.MessageStatusPending {
			return
		}
		m.Status = models.MessageStatusFailed
		m.StatusSource = models.StatusSourceLocal
		if m.FailedAt == nil {
			m.FailedAt = &now
		}
		if cause != nil {
			m.ErrorMessage = cause.Error()
		}
	})
	if err != nil {
		return fmt.Errorf("save failed message: %w", err)
	}

	if msg.Status == models.MessageStatusFailed {
		s.logger.Warn().
			Str("enrollment_id", e.ID).
			Str("message_id", msg.ID).
			Int("step_order", msg.StepOrder).
			Int("retry_count", msg.RetryCount).
			Str("error", msg.ErrorMessage).
			Msg("step delivery failed")
		s.deps.Recorder.Message(ctx, models.EventTypeMessageFailed, msg, nil)
	}

	// A failed step does not block the rest of the sequence.
	return s.advance(ctx, e)
}

func (s *Scheduler) retry(ctx context.Context, e *models.Enrollment, msg *models.SequenceMessage, token string, now time.Time, cause error) error {
	next := now.Add(s.config.Backoff.Delay(msg.RetryCount))
	retries := msg.RetryCount
	msg, err := s.updateMessage(ctx, msg, func(m *models.SequenceMessage) {
		if m.Status != models.MessageStatusPending {
			return
		}
		m.RetryCount = retries
		m.ScheduledFor = &next
		if cause != nil {
			m.ErrorMessage = cause.Error()
		}
	})
	if err != nil {
		return fmt.Errorf("save retrying message: %w", err)
	}
	if msg.Status != models.MessageStatusPending {
		// The provider reported the message after all.
		return s.advance(ctx, e)
	}
	if err := s.deps.Enrollments.Release(ctx, e.ID, token, &next); err != nil {
		if errors.Is(err, db.ErrClaimLost) {
			// Cancelled or completed during the send.
			s.logger.Debug().Str("enrollment_id", e.ID).Msg("enrollment changed while claimed, retry dropped")
			return nil
		}
		return fmt.Errorf("reschedule enrollment: %w", err)
	}

	s.logger.Info().
		Str("enrollment_id", e.ID).
		Str("message_id", msg.ID).
		Int("retry_count", msg.RetryCount).
		Time("next_attempt", next).
		Msg("transient delivery failure, retry scheduled")
	s.deps.Recorder.Message(ctx, models.EventTypeMessageRetryScheduled, msg, &next)
	return nil
}

// updateMessage applies change to msg and saves it. When a status callback
// wrote the row in between, change is reapplied to the stored copy.
func (s *Scheduler) updateMessage(ctx context.Context, msg *models.SequenceMessage, change func(*models.SequenceMessage)) (*models.SequenceMessage, error) {
	current := msg
	for attempt := 1; ; attempt++ {
		change(current)
		err := s.deps.Messages.Save(ctx, current)
		if err == nil {
			return current, nil
		}
		if !errors.Is(err, db.ErrMessageChanged) || attempt >= maxSaveAttempts {
			return nil, err
		}
		if current, err = s.deps.Messages.Get(ctx, msg.ID); err != nil {
			return nil, err
		}
	}
}

func (s *Scheduler) advance(ctx context.Context, e *models.Enrollment) error {
	if _, err := s.deps.Lifecycle.Advance(ctx, e.ID); err != nil {
		return fmt.Errorf("advance enrollment: %w", err)
	}
	return nil
}

func (s *Scheduler) variant(ctx context.Context, e *models.Enrollment) *models.SequenceVariant {
	if e.VariantID == "" {
		return nil
	}
	v, err := s.deps.Sequences.GetVariant(ctx, e.VariantID)
	if err != nil {
		// Deleted variants fall back to the control content.
		s.logger.Warn().Err(err).Str("variant_id", e.VariantID).Msg("variant unavailable")
		return nil
	}
	return v
}

func (s *Scheduler) unsubscribeURL(e *models.Enrollment) string {
	if s.deps.Links == nil {
		return ""
	}
	return s.deps.Links.URL(e)
}

// recipient is the address a step is delivered to.
func recipient(e *models.Enrollment, step models.SequenceStep) string {
	switch step.StepType {
	case models.StepTypeEmail:
		return e.Email
	case models.StepTypeSMS:
		return e.Phone
	case models.StepTypeWebhook:
		return step.WebhookURL
	default:
		return e.Data["assignee"]
	}
}

// recordDispatch records a dispatch event in stats.
func (s *Scheduler) recordDispatch(event DispatchEvent) {
	s.statsMu.Lock()
	s.stats.TotalDispatches++
	switch event.Result {
	case ResultSent:
		s.stats.Sent++
	case ResultFailed:
		s.stats.Failed++
	case ResultRetry:
		s.stats.Retried++
	case ResultDeferred:
		s.stats.Deferred++
	case ResultSkipped:
		s.stats.Skipped++
	case ResultCancelled:
		s.stats.Cancelled++
	case ResultError:
		s.stats.Errors++
	}
	at := event.Timestamp
	s.stats.LastDispatchAt = &at
	s.statsMu.Unlock()

	metrics.IncDispatch(string(event.Result))

	select {
	case s.dispatchCh <- event:
	default:
		// Channel full, drop event
	}
}
