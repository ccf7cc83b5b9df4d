package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the email pipeline. It is built once at
// startup and passed by pointer to each component; nothing reads the
// environment after Load returns.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Database       DatabaseConfig  `yaml:"database"`
	Redis          RedisConfig     `yaml:"redis"`
	Log            LogConfig       `yaml:"log"`
	Delivery       DeliveryConfig  `yaml:"delivery"`
	SystemProvider string          `yaml:"system_provider" env:"SYSTEM_PROVIDER"`
	Mailgun        MailgunConfig   `yaml:"mailgun"`
	SES            SESConfig       `yaml:"ses"`
	Google         OAuthConfig     `yaml:"google" envPrefix:"GOOGLE_"`
	Microsoft      MicrosoftConfig `yaml:"microsoft" envPrefix:"MICROSOFT_"`
	Events         EventsConfig    `yaml:"events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port" env:"SERVER_PORT"`
	Host           string   `yaml:"host" env:"SERVER_HOST"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds the Postgres connection settings. An empty URL runs
// the pipeline on in-memory stores.
type DatabaseConfig struct {
	URL          string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis connection used for locks, webhook
// dedup and the event stream.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level     string `yaml:"level" env:"LOG_LEVEL"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// DeliveryConfig holds the scheduling and retry knobs of the pipeline.
type DeliveryConfig struct {
	BatchSize               int `yaml:"batch_size" env:"DELIVERY_BATCH_SIZE"`
	MaxRetries              int `yaml:"max_retries" env:"DELIVERY_MAX_RETRIES"`
	RetryBaseDelayMinutes   int `yaml:"retry_base_delay_minutes" env:"DELIVERY_RETRY_BASE_DELAY_MINUTES"`
	RetentionDays           int `yaml:"retention_days" env:"DELIVERY_RETENTION_DAYS"`
	SweepIntervalMinutes    int `yaml:"sweep_interval_minutes" env:"DELIVERY_SWEEP_INTERVAL_MINUTES"`
	RecoveryIntervalMinutes int `yaml:"recovery_interval_minutes"`
	StaleClaimMinutes       int `yaml:"stale_claim_minutes"`
	CleanupIntervalHours    int `yaml:"cleanup_interval_hours"`
	DuplicateWindowHours    int `yaml:"duplicate_window_hours"`
	Concurrency             int `yaml:"concurrency" env:"DELIVERY_CONCURRENCY"`
}

// RetryBaseDelay returns the backoff unit; attempt n waits n times this.
func (c DeliveryConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMinutes) * time.Minute
}

// Retention returns how long terminal messages are kept.
func (c DeliveryConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// SweepInterval returns the delivery sweep period.
func (c DeliveryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// RecoveryInterval returns the stale-claim recovery period.
func (c DeliveryConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalMinutes) * time.Minute
}

// StaleClaim returns how long a message may stay processing before recovery.
func (c DeliveryConfig) StaleClaim() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

// CleanupInterval returns the retention sweep period.
func (c DeliveryConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// DuplicateWindow returns the window for duplicate suppression.
func (c DeliveryConfig) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowHours) * time.Hour
}

// MailgunConfig holds Mailgun API configuration
type MailgunConfig struct {
	APIKey            string `yaml:"api_key" env:"MAILGUN_API_KEY"`
	BaseURL           string `yaml:"base_url" env:"MAILGUN_BASE_URL"`
	Domain            string `yaml:"domain" env:"MAILGUN_DOMAIN"`
	From              string `yaml:"from" env:"MAILGUN_FROM"`
	WebhookSigningKey string `yaml:"webhook_signing_key" env:"MAILGUN_WEBHOOK_SIGNING_KEY"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MailgunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region    string `yaml:"region" env:"AWS_SES_REGION"`
	AccessKey string `yaml:"access_key" env:"AWS_SES_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"AWS_SES_SECRET_KEY"`
	From      string `yaml:"from" env:"AWS_SES_FROM"`
}

// OAuthConfig holds an OAuth client used to refresh coach mailbox tokens.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"`
}

// Configured reports whether both halves of the client credentials are set.
func (c OAuthConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// MicrosoftConfig adds the Azure AD tenant to the OAuth client.
type MicrosoftConfig struct {
	OAuthConfig `yaml:",inline"`
	Tenant      string `yaml:"tenant" env:"TENANT"`
}

// EventsConfig selects the transport for outbound domain events.
type EventsConfig struct {
	Transport   string `yaml:"transport" env:"EVENTS_TRANSPORT"`
	Stream      string `yaml:"stream" env:"EVENTS_STREAM"`
	MaxLen      int64  `yaml:"max_len"`
	SQSQueueURL string `yaml:"sqs_queue_url" env:"EVENTS_SQS_QUEUE_URL"`
	Region      string `yaml:"region" env:"EVENTS_REGION"`
}

// Event transports.
const (
	TransportLog   = "log"
	TransportRedis = "redis"
	TransportSQS   = "sqs"
)

// Load reads and parses the configuration file. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	d := &cfg.Delivery
	if d.BatchSize == 0 {
		d.BatchSize = 50
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryBaseDelayMinutes == 0 {
		d.RetryBaseDelayMinutes = 30
	}
	if d.RetentionDays == 0 {
		d.RetentionDays = 90
	}
	if d.SweepIntervalMinutes == 0 {
		d.SweepIntervalMinutes = 5
	}
	if d.RecoveryIntervalMinutes == 0 {
		d.RecoveryIntervalMinutes = 2
	}
	if d.StaleClaimMinutes == 0 {
		d.StaleClaimMinutes = 15
	}
	if d.CleanupIntervalHours == 0 {
		d.CleanupIntervalHours = 24
	}
	if d.DuplicateWindowHours == 0 {
		d.DuplicateWindowHours = 24
	}
	if d.Concurrency == 0 {
		d.Concurrency = 10
	}

	if cfg.SystemProvider == "" {
		cfg.SystemProvider = "mailgun"
	}
	if cfg.Mailgun.TimeoutSeconds == 0 {
		cfg.Mailgun.TimeoutSeconds = 30
	}
	if cfg.Mailgun.BaseURL == "" {
		cfg.Mailgun.BaseURL = "https://api.mailgun.net"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Microsoft.Tenant == "" {
		cfg.Microsoft.Tenant = "common"
	}
	if cfg.Events.Transport == "" {
		cfg.Events.Transport = TransportLog
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "email-events"
	}
	if cfg.Events.MaxLen == 0 {
		cfg.Events.MaxLen = 100000
	}
	if cfg.Events.Region == "" {
		cfg.Events.Region = cfg.SES.Region
	}
}

// Validate rejects combinations the pipeline cannot start with.
func (cfg *Config) Validate() error {
	switch cfg.SystemProvider {
	case "mailgun", "ses":
	default:
		return fmt.Errorf("system_provider must be mailgun or ses, got %q", cfg.SystemProvider)
	}
	switch cfg.Events.Transport {
	case TransportLog:
	case TransportRedis:
		if cfg.Redis.URL == "" {
			return fmt.Errorf("events transport redis requires redis.url")
		}
	case TransportSQS:
		if cfg.Events.SQSQueueURL == "" {
			return fmt.Errorf("events transport sqs requires events.sqs_queue_url")
		}
	default:
		return fmt.Errorf("unknown events transport %q", cfg.Events.Transport)
	}
	if cfg.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1")
	}
	if cfg.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery.batch_size must be at least 1")
	}
	return nil
}
