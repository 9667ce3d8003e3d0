package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Transport TransportConfig `yaml:"transport"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// GetHost returns the listen host, forcing all interfaces inside ECS.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr is host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig selects Postgres. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL          string `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
}

// RedisConfig enables the distributed lock and rate limiter when URL is set.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// DispatchConfig tunes the delivery worker pool.
type DispatchConfig struct {
	Concurrency    int           `yaml:"concurrency" env:"DISPATCH_CONCURRENCY"`
	MaxAttempts    int           `yaml:"max_attempts" env:"DISPATCH_MAX_ATTEMPTS"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"DISPATCH_ATTEMPT_TIMEOUT"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"DISPATCH_BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"DISPATCH_MAX_DELAY"`
	RatePerSecond  int           `yaml:"rate_per_second" env:"DISPATCH_RATE_PER_SECOND"`
	RatePerMinute  int           `yaml:"rate_per_minute" env:"DISPATCH_RATE_PER_MINUTE"`
	RatePerDay     int           `yaml:"rate_per_day" env:"DISPATCH_RATE_PER_DAY"`
}

// RateLimited reports whether any send budget is configured.
func (c DispatchConfig) RateLimited() bool {
	return c.RatePerSecond > 0 || c.RatePerMinute > 0 || c.RatePerDay > 0
}

// TransportConfig selects the outbound mail transport.
type TransportConfig struct {
	Kind      string     `yaml:"kind" env:"TRANSPORT_KIND"`
	FromName  string     `yaml:"from_name" env:"FROM_NAME"`
	FromEmail string     `yaml:"from_email" env:"FROM_EMAIL"`
	SMTP      SMTPConfig `yaml:"smtp"`
	SES       SESConfig  `yaml:"ses"`
}

type SMTPConfig struct {
	URL  string `yaml:"url" env:"SMTP_URL"`
	User string `yaml:"user" env:"SMTP_USER"`
	Pass string `yaml:"pass" env:"SMTP_PASS"`
}

type SESConfig struct {
	Region           string `yaml:"region" env:"AWS_SES_REGION"`
	AccessKey        string `yaml:"access_key" env:"AWS_SES_ACCESS_KEY"`
	SecretKey        string `yaml:"secret_key" env:"AWS_SES_SECRET_KEY"`
	ConfigurationSet string `yaml:"configuration_set" env:"AWS_SES_CONFIGURATION_SET"`
}

// TrackingConfig covers inbound engagement events.
type TrackingConfig struct {
	Port       int    `yaml:"port" env:"TRACKING_PORT"`
	SigningKey string `yaml:"signing_key" env:"TRACKING_SIGNING_KEY"`
	QueueURL   string `yaml:"queue_url" env:"SQS_TRACKING_QUEUE_URL"`
	Region     string `yaml:"region" env:"AWS_REGION"`
	// auto, always or never
	DeliveredTracking string `yaml:"delivered_tracking" env:"DELIVERED_TRACKING"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled" env:"SCHEDULER_ENABLED"`
	Interval time.Duration `yaml:"interval" env:"SCHEDULER_INTERVAL"`
}

// AuditConfig controls archival of finished campaigns. Type is "", "local"
// or "aws"; empty disables archiving.
type AuditConfig struct {
	Type      string `yaml:"type" env:"AUDIT_TYPE"`
	LocalPath string `yaml:"local_path" env:"AUDIT_LOCAL_PATH"`
	Bucket    string `yaml:"bucket" env:"AUDIT_S3_BUCKET"`
	Table     string `yaml:"table" env:"AUDIT_DYNAMODB_TABLE"`
	Region    string `yaml:"region" env:"AUDIT_REGION"`
	Profile   string `yaml:"profile" env:"AWS_PROFILE"`
	Prefix    string `yaml:"prefix" env:"AUDIT_PREFIX"`
}

type LogConfig struct {
	Level     string `yaml:"level" env:"LOG_LEVEL"`
	RedactPII *bool  `yaml:"redact_pii" env:"LOG_REDACT_PII"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads the YAML file at path, applies environment overrides (a .env
// file in the working directory is loaded first if present), fills defaults
// and validates the result. A missing file is not an error so the service
// can run from the environment alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 5
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.AttemptTimeout == 0 {
		c.Dispatch.AttemptTimeout = 30 * time.Second
	}
	if c.Dispatch.BaseDelay == 0 {
		c.Dispatch.BaseDelay = 500 * time.Millisecond
	}
	if c.Dispatch.MaxDelay == 0 {
		c.Dispatch.MaxDelay = 10 * time.Second
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "dryrun"
	}
	if c.Transport.SES.Region == "" {
		c.Transport.SES.Region = "us-west-2"
	}
	if c.Tracking.Port == 0 {
		c.Tracking.Port = 8081
	}
	if c.Tracking.Region == "" {
		c.Tracking.Region = "us-west-2"
	}
	if c.Tracking.DeliveredTracking == "" {
		c.Tracking.DeliveredTracking = "auto"
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Audit.Region == "" {
		c.Audit.Region = "us-west-2"
	}
	if c.Audit.LocalPath == "" {
		c.Audit.LocalPath = "./data/audit"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects settings the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "dryrun":
	case "smtp":
		if c.Transport.SMTP.URL == "" {
			return errors.New("transport.smtp.url is required for the smtp transport")
		}
	case "ses":
	default:
		return fmt.Errorf("transport.kind %q must be dryrun, smtp or ses", c.Transport.Kind)
	}
	if c.Transport.Kind != "dryrun" && c.Transport.FromEmail == "" {
		return errors.New("transport.from_email is required")
	}

	switch c.Tracking.DeliveredTracking {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("tracking.delivered_tracking %q must be auto, always or never", c.Tracking.DeliveredTracking)
	}

	switch c.Audit.Type {
	case "", "local":
	case "aws":
		if c.Audit.Bucket == "" {
			return errors.New("audit.bucket is required for the aws audit store")
		}
	default:
		return fmt.Errorf("audit.type %q must be local or aws", c.Audit.Type)
	}

	if c.Dispatch.Concurrency < 1 || c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.concurrency and dispatch.max_attempts must be positive")
	}
	return nil
}
