package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/analytics"
	"github.com/visionarychurch/followup/internal/api"
	"github.com/visionarychurch/followup/internal/config"
	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/delivery"
	"github.com/visionarychurch/followup/internal/enrollment"
	"github.com/visionarychurch/followup/internal/events"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/mq"
	"github.com/visionarychurch/followup/internal/ratelimit"
	"github.com/visionarychurch/followup/internal/scheduler"
	"github.com/visionarychurch/followup/internal/suppression"
	"github.com/visionarychurch/followup/internal/templates"
)

// Engine holds the wired engine components. It carries no network
// listeners; the daemon and one-shot CLI commands share it.
type Engine struct {
	Config *config.Config
	DB     *db.DB

	Sequences   *db.SequenceRepository
	Templates   *db.TemplateRepository
	Enrollments *db.EnrollmentRepository
	Messages    *db.MessageRepository
	Preferences *db.PreferenceRepository
	Triggers    *db.TriggerRepository
	Analytics   *db.AnalyticsRepository
	Events      *db.EventRepository

	Recorder   *events.Recorder
	Manager    *enrollment.Manager
	Adapter    *delivery.Adapter
	Reconciler *delivery.Reconciler
	Scheduler  *scheduler.Scheduler
	Aggregator *analytics.Aggregator
	Links      enrollment.Links

	Redis     *redis.Client
	Limiter   *ratelimit.Limiter
	Publisher *mq.Publisher

	logger zerolog.Logger
}

// BuildOptions tune Build.
type BuildOptions struct {
	// DB replaces the configured database, e.g. an in-memory one in tests.
	DB *db.DB

	// SkipBrokers leaves redis and RabbitMQ unconnected.
	SkipBrokers bool
}

// Build opens the database, applies migrations and wires every component.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	e := &Engine{Config: cfg, logger: logging.Component("engine")}

	database := opts.DB
	if database == nil {
		var err error
		database, err = db.Open(db.DefaultConfig(cfg.Database.Path))
		if err != nil {
			return nil, err
		}
	}
	e.DB = database
	if err := database.Migrate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	e.Sequences = db.NewSequenceRepository(database)
	e.Templates = db.NewTemplateRepository(database)
	e.Enrollments = db.NewEnrollmentRepository(database)
	e.Messages = db.NewMessageRepository(database)
	e.Preferences = db.NewPreferenceRepository(database)
	e.Triggers = db.NewTriggerRepository(database)
	e.Analytics = db.NewAnalyticsRepository(database)
	e.Events = db.NewEventRepository(database)

	e.Recorder = events.NewRecorder(e.Events)

	if !opts.SkipBrokers {
		if err := e.connectBrokers(); err != nil {
			e.Close()
			return nil, err
		}
	}

	checker := suppression.NewChecker(e.Preferences)
	e.Manager = enrollment.NewManager(e.Sequences, e.Enrollments, checker,
		enrollment.WithRecorder(e.Recorder),
		enrollment.WithTriggerStore(e.Triggers),
		enrollment.WithPreferenceStore(e.Preferences),
	)

	e.Adapter = e.buildAdapter()
	e.Reconciler = delivery.NewReconciler(e.Messages, e.Recorder)
	e.Links = enrollment.NewLinks(cfg.Unsubscribe.BaseURL, cfg.Unsubscribe.Secret)

	e.Scheduler = scheduler.New(schedulerConfig(cfg), scheduler.Deps{
		Enrollments: e.Enrollments,
		Sequences:   e.Sequences,
		Messages:    e.Messages,
		Lifecycle:   e.Manager,
		Suppressor:  checker,
		Delivery:    e.Adapter,
		Content:     templates.NewResolver(e.Templates),
		Links:       e.Links,
		Recorder:    e.Recorder,
	}, scheduler.WithWorkerID(workerID()))

	e.Aggregator = analytics.NewAggregator(e.Analytics, e.Sequences)
	return e, nil
}

func (e *Engine) connectBrokers() error {
	cfg := e.Config
	if cfg.Redis.Addr != "" {
		e.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		var opts []ratelimit.Option
		if cfg.Redis.RateLimit > 0 && cfg.Redis.RateWindow > 0 {
			opts = append(opts, ratelimit.WithRouteLimits(map[string]ratelimit.Limit{
				"unsubscribe": {Requests: cfg.Redis.RateLimit, Window: cfg.Redis.RateWindow},
			}))
		}
		e.Limiter = ratelimit.New(e.Redis, opts...)
	}

	if cfg.AMQP.URL != "" {
		publisher, err := mq.NewPublisher(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		e.Publisher = publisher
		e.Recorder.AddPublisher(publisher)
	}
	return nil
}

func (e *Engine) buildAdapter() *delivery.Adapter {
	cfg := e.Config
	breaker := delivery.DefaultBreakerConfig()
	breaker.FailureThreshold = cfg.Delivery.BreakerFailures
	if cfg.Delivery.BreakerCooldown > 0 {
		breaker.Cooldown = cfg.Delivery.BreakerCooldown
	}

	adapter := delivery.NewAdapter()

	var email delivery.Sender = delivery.NewLogSender(models.StepTypeEmail)
	if cfg.SMTP.Enabled() && !cfg.Delivery.DryRun {
		email = delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			FromEmail: cfg.SMTP.FromEmail,
			FromName:  cfg.SMTP.FromName,
		})
	} else {
		e.logger.Warn().Msg("SMTP not configured, email steps are logged only")
	}
	adapter.Register(email, delivery.ChannelOptions{RatePerSec: cfg.Delivery.EmailRatePerSec, Breaker: breaker})

	var sms delivery.Sender = delivery.NewLogSender(models.StepTypeSMS)
	if cfg.SMS.Enabled() && !cfg.Delivery.DryRun {
		sms = delivery.NewHTTPSMSSender(delivery.SMSConfig{
			APIURL:     cfg.SMS.APIURL,
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			FromNumber: cfg.SMS.FromNumber,
			Timeout:    cfg.SMS.Timeout,
		})
	} else {
		e.logger.Warn().Msg("SMS provider not configured, SMS steps are logged only")
	}
	adapter.Register(sms, delivery.ChannelOptions{RatePerSec: cfg.Delivery.SMSRatePerSec, Breaker: breaker})

	var webhook delivery.Sender = delivery.NewWebhookSender(cfg.Delivery.WebhookTimeout, cfg.Delivery.WebhookSecret)
	if cfg.Delivery.DryRun {
		webhook = delivery.NewLogSender(models.StepTypeWebhook)
	}
	adapter.Register(webhook, delivery.ChannelOptions{Breaker: breaker})
	adapter.Register(delivery.NewTaskSender(db.NewTaskRepository(e.DB)), delivery.ChannelOptions{})

	adapter.OnResult(func(ch models.StepType, outcome delivery.Outcome, d time.Duration) {
		metrics.ObserveDelivery(string(ch), string(outcome), d)
		if state, ok := adapter.BreakerState(ch); ok {
			metrics.SetBreakerOpen(string(ch), state == delivery.StateOpen)
		}
	})
	return adapter
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.DefaultConfig()
	sc.PollInterval = cfg.Scheduler.PollInterval
	sc.BatchSize = cfg.Scheduler.BatchSize
	sc.MaxConcurrency = cfg.Scheduler.MaxConcurrency
	sc.ClaimTTL = cfg.Scheduler.ClaimTTL
	if cfg.Scheduler.DispatchTimeout > 0 {
		sc.DispatchTimeout = cfg.Scheduler.DispatchTimeout
	}
	sc.MaxRetries = cfg.Delivery.MaxRetries
	sc.Backoff = delivery.Backoff{Base: cfg.Delivery.BackoffBase, Max: cfg.Delivery.BackoffMax}
	return sc
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "followup"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// APIServer builds the HTTP API over the engine.
func (e *Engine) APIServer() *api.Server {
	deps := api.Deps{
		Enrollments:      e.Manager,
		EnrollmentLister: e.Enrollments,
		Sequences:        e.Sequences,
		Templates:        e.Templates,
		Analytics:        e.Analytics,
		Failures:         e.Messages,
		Events:           e.Events,
		Reconciler:       e.Reconciler,
		Tester:           e.Scheduler,
		Links:            e.Links,
		Health:           e.Health,
	}
	if e.Limiter != nil {
		deps.Limiter = e.Limiter
	}
	return api.NewServer(deps, api.WithWebhookSecret(e.Config.Delivery.CallbackSecret))
}

// Health reports the database, broker and scheduler state.
func (e *Engine) Health(ctx context.Context) (map[string]string, error) {
	status := map[string]string{}
	var errs []error

	if err := e.DB.PingContext(ctx); err != nil {
		status["database"] = "unavailable"
		errs = append(errs, fmt.Errorf("database: %w", err))
	} else {
		status["database"] = "ok"
	}

	if e.Redis != nil {
		if err := e.Redis.Ping(ctx).Err(); err != nil {
			// Rate limiting fails open, so redis is not fatal.
			status["redis"] = "degraded"
		} else {
			status["redis"] = "ok"
		}
	}
	if e.Publisher != nil {
		if e.Publisher.IsConnected() {
			status["amqp"] = "ok"
		} else {
			status["amqp"] = "degraded"
		}
	}

	stats := e.Scheduler.Stats()
	switch {
	case stats.Paused:
		status["scheduler"] = "paused"
	case stats.Running:
		status["scheduler"] = "running"
	default:
		status["scheduler"] = "stopped"
	}
	return status, errors.Join(errs...)
}

// Close releases the engine's connections.
func (e *Engine) Close() {
	if e.Publisher != nil {
		e.Publisher.Close()
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.DB != nil {
		_ = e.DB.Close()
	}
}
