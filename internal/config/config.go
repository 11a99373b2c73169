// Package config loads follow-up engine configuration from files, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. FOLLOWUP_HTTP_ADDR.
const EnvPrefix = "FOLLOWUP"

// Config is the root configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	SMS         SMSConfig         `mapstructure:"sms"`
	Redis       RedisConfig       `mapstructure:"redis"`
	AMQP        AMQPConfig        `mapstructure:"amqp"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Analytics   AnalyticsConfig   `mapstructure:"analytics"`
	Unsubscribe UnsubscribeConfig `mapstructure:"unsubscribe"`
}

// DatabaseConfig points at the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	// PollInterval is how often due enrollments are scanned.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// BatchSize bounds the number of enrollments claimed per tick.
	BatchSize int `mapstructure:"batch_size"`

	// MaxConcurrency bounds in-flight deliveries per tick.
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// ClaimTTL is how long a claim is honoured before another worker may
	// take the enrollment over.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`

	// DispatchTimeout bounds a single enrollment's processing.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// DeliveryConfig controls retries and provider pacing.
type DeliveryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	EmailRatePerSec float64       `mapstructure:"email_rate_per_sec"`
	SMSRatePerSec   float64       `mapstructure:"sms_rate_per_sec"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
	WebhookSecret   string        `mapstructure:"webhook_secret"`
	CallbackSecret  string        `mapstructure:"callback_secret"`
	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// SMTPConfig configures the email provider.
type SMTPConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

// Enabled reports whether SMTP delivery is configured.
func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.FromEmail != ""
}

// SMSConfig configures the SMS provider HTTP API.
type SMSConfig struct {
	APIURL     string        `mapstructure:"api_url"`
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	FromNumber string        `mapstructure:"from_number"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether SMS delivery is configured.
func (c SMSConfig) Enabled() bool {
	return c.APIURL != "" && c.FromNumber != ""
}

// RedisConfig configures the shared counter store.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
}

// AMQPConfig configures trigger ingestion.
type AMQPConfig struct {
	URL         string   `mapstructure:"url"`
	Queue       string   `mapstructure:"queue"`
	RoutingKeys []string `mapstructure:"routing_keys"`
}

// HTTPConfig configures the admin/webhook HTTP server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GRPCConfig configures the health service listener.
type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// AnalyticsConfig controls the periodic rollup.
type AnalyticsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// UnsubscribeConfig controls unsubscribe links.
type UnsubscribeConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Secret  string `mapstructure:"secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "followup.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{
			PollInterval:    30 * time.Second,
			BatchSize:       200,
			MaxConcurrency:  10,
			ClaimTTL:        5 * time.Minute,
			DispatchTimeout: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			MaxRetries:      3,
			BackoffBase:     time.Minute,
			BackoffMax:      time.Hour,
			EmailRatePerSec: 10,
			SMSRatePerSec:   1,
			WebhookTimeout:  10 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		SMTP: SMTPConfig{Port: 587, FromName: "VisionaryChurch"},
		SMS:  SMSConfig{Timeout: 10 * time.Second},
		Redis: RedisConfig{
			RateLimit:  60,
			RateWindow: time.Minute,
		},
		AMQP: AMQPConfig{
			Queue:       "followup.triggers.q",
			RoutingKeys: []string{"trigger.#"},
		},
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		GRPC:      GRPCConfig{Addr: ":9090"},
		Analytics: AnalyticsConfig{Interval: 15 * time.Minute},
	}
}

// Load reads configuration. path may be empty, in which case only defaults,
// a .env file and the environment are used.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would stall or spin the engine.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	if c.Scheduler.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("scheduler.max_concurrency must be positive"))
	}
	if c.Scheduler.ClaimTTL <= 0 {
		errs = append(errs, errors.New("scheduler.claim_ttl must be positive"))
	}
	if c.Delivery.MaxRetries < 0 {
		errs = append(errs, errors.New("delivery.max_retries must not be negative"))
	}
	if c.Delivery.BackoffBase <= 0 {
		errs = append(errs, errors.New("delivery.backoff_base must be positive"))
	}
	if c.Delivery.BackoffMax < c.Delivery.BackoffBase {
		errs = append(errs, errors.New("delivery.backoff_max must be >= delivery.backoff_base"))
	}
	if c.Analytics.Interval <= 0 {
		errs = append(errs, errors.New("analytics.interval must be positive"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("scheduler.poll_interval", d.Scheduler.PollInterval)
	v.SetDefault("scheduler.batch_size", d.Scheduler.BatchSize)
	v.SetDefault("scheduler.max_concurrency", d.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.claim_ttl", d.Scheduler.ClaimTTL)
	v.SetDefault("scheduler.dispatch_timeout", d.Scheduler.DispatchTimeout)

	v.SetDefault("delivery.max_retries", d.Delivery.MaxRetries)
	v.SetDefault("delivery.backoff_base", d.Delivery.BackoffBase)
	v.SetDefault("delivery.backoff_max", d.Delivery.BackoffMax)
	v.SetDefault("delivery.email_rate_per_sec", d.Delivery.EmailRatePerSec)
	v.SetDefault("delivery.sms_rate_per_sec", d.Delivery.SMSRatePerSec)
	v.SetDefault("delivery.webhook_timeout", d.Delivery.WebhookTimeout)
	v.SetDefault("delivery.webhook_secret", d.Delivery.WebhookSecret)
	v.SetDefault("delivery.callback_secret", d.Delivery.CallbackSecret)
	v.SetDefault("delivery.breaker_failures", d.Delivery.BreakerFailures)
	v.SetDefault("delivery.breaker_cooldown", d.Delivery.BreakerCooldown)
	v.SetDefault("delivery.dry_run", d.Delivery.DryRun)

	v.SetDefault("smtp.host", d.SMTP.Host)
	v.SetDefault("smtp.port", d.SMTP.Port)
	v.SetDefault("smtp.username", d.SMTP.Username)
	v.SetDefault("smtp.password", d.SMTP.Password)
	v.SetDefault("smtp.from_email", d.SMTP.FromEmail)
	v.SetDefault("smtp.from_name", d.SMTP.FromName)

	v.SetDefault("sms.api_url", d.SMS.APIURL)
	v.SetDefault("sms.account_sid", d.SMS.AccountSID)
	v.SetDefault("sms.auth_token", d.SMS.AuthToken)
	v.SetDefault("sms.from_number", d.SMS.FromNumber)
	v.SetDefault("sms.timeout", d.SMS.Timeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.rate_limit", d.Redis.RateLimit)
	v.SetDefault("redis.rate_window", d.Redis.RateWindow)

	v.SetDefault("amqp.url", d.AMQP.URL)
	v.SetDefault("amqp.queue", d.AMQP.Queue)
	v.SetDefault("amqp.routing_keys", d.AMQP.RoutingKeys)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("grpc.addr", d.GRPC.Addr)
	v.SetDefault("analytics.interval", d.Analytics.Interval)

	v.SetDefault("unsubscribe.base_url", d.Unsubscribe.BaseURL)
	v.SetDefault("unsubscribe.secret", d.Unsubscribe.Secret)
}
