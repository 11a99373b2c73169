// Package delivery sends rendered step content through per-channel
// providers and reconciles provider status callbacks.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
)

// Delivery errors.
var (
	// ErrTransient marks failures worth retrying with backoff.
	ErrTransient = errors.New("transient delivery failure")

	// ErrPermanent marks failures that must not be retried.
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrNoSender is returned when no sender serves a channel.
	ErrNoSender = errors.New("no sender for channel")

	// ErrInvalidWebhookPayload is returned for provider callbacks that cannot
	// be applied. Callers log and drop it.
	ErrInvalidWebhookPayload = errors.New("invalid delivery webhook payload")

	// ErrUnknownMessage is returned for callbacks naming no stored message.
	ErrUnknownMessage = errors.New("delivery webhook for unknown message")
)

// Outcome is the classified result of a send.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeTransient Outcome = "transient"
	OutcomePermanent Outcome = "permanent"
)

// Envelope is one rendered message ready to send.
type Envelope struct {
	MessageID    string
	TenantID     string
	EnrollmentID string
	SequenceID   string
	StepOrder    int
	Channel      models.StepType

	// To is an email address or phone number; empty for task and webhook steps.
	To      string
	Subject string
	Body    string

	WebhookURL string

	// Data is the render context, forwarded to webhooks and tasks.
	Data map[string]string
}

// Result is what a send produced.
type Result struct {
	Outcome    Outcome
	ExternalID string
	Err        error
}

// Sender delivers envelopes for one channel. Send returns the provider's id
// for the message.
type Sender interface {
	Channel() models.StepType
	Send(ctx context.Context, env Envelope) (string, error)
}

// Adapter routes envelopes to channel senders behind a per-channel rate
// limit and circuit breaker.
type Adapter struct {
	senders  map[models.StepType]*channel
	logger   zerolog.Logger
	observer func(models.StepType, Outcome, time.Duration)
}

type channel struct {
	sender  Sender
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// ChannelOptions configure pacing and breaking for one channel.
type ChannelOptions struct {
	// RatePerSec limits sends; zero or negative is unlimited.
	RatePerSec float64
	Breaker    BreakerConfig
}

// NewAdapter creates an adapter with no senders.
func NewAdapter() *Adapter {
	return &Adapter{
		senders: make(map[models.StepType]*channel),
		logger:  logging.Component("delivery"),
	}
}

// Register installs the sender for its channel, replacing any previous one.
func (a *Adapter) Register(s Sender, opts ChannelOptions) {
	limit := rate.Inf
	burst := 1
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
		burst = max(1, int(opts.RatePerSec))
	}
	a.senders[s.Channel()] = &channel{
		sender:  s,
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewCircuitBreaker(opts.Breaker),
	}
}

// OnResult installs a hook called after every send.
func (a *Adapter) OnResult(fn func(models.StepType, Outcome, time.Duration)) {
	a.observer = fn
}

// Channels lists registered channels.
func (a *Adapter) Channels() []models.StepType {
	out := make([]models.StepType, 0, len(a.senders))
	for ch := range a.senders {
		out = append(out, ch)
	}
	return out
}

// BreakerState reports a channel's circuit state.
func (a *Adapter) BreakerState(ch models.StepType) (State, bool) {
	c, ok := a.senders[ch]
	if !ok {
		return StateClosed, false
	}
	return c.breaker.State(), true
}

// Send delivers env and classifies the result. It never panics on provider
// errors; every failure is folded into the Result.
func (a *Adapter) Send(ctx context.Context, env Envelope) Result {
	c, ok := a.senders[env.Channel]
	if !ok {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("%w %q", ErrNoSender, env.Channel)}
	}

	started := time.Now()
	result := a.send(ctx, c, env)
	if a.observer != nil {
		a.observer(env.Channel, result.Outcome, time.Since(started))
	}

	event := a.logger.Debug()
	if result.Outcome != OutcomeSent {
		event = a.logger.Warn().Err(result.Err)
	}
	event.
		Str("message_id", env.MessageID).
		Str("channel", string(env.Channel)).
		Str("outcome", string(result.Outcome)).
		Str("external_id", result.ExternalID).
		Msg("delivery attempt")
	return result
}

func (a *Adapter) send(ctx context.Context, c *channel, env Envelope) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Outcome: OutcomeTransient, Err: Transient(fmt.Errorf("rate limited: %w", err))}
	}

	var externalID string
	err := c.breaker.Execute(func() error {
		id, err := c.sender.Send(ctx, env)
		if err != nil {
			// Permanent failures describe the message, not provider health.
			if Classify(err) == OutcomePermanent {
				return &nonTripping{err: err}
			}
			return err
		}
		externalID = id
		return nil
	})

	var nt *nonTripping
	if errors.As(err, &nt) {
		err = nt.err
	}
	if err == nil {
		return Result{Outcome: OutcomeSent, ExternalID: externalID}
	}
	return Result{Outcome: Classify(err), Err: err}
}

// nonTripping carries an error through the breaker without counting it as
// a provider failure.
type nonTripping struct {
	err error
}

func (n *nonTripping) Error() string { return n.err.Error() }
func (n *nonTripping) Unwrap() error { return n.err }
