// Package config defines the process configuration for the birthday greeter.
// Configuration is loaded once at process initialization (Lambda cold start or
// local runner boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
package config

import (
	"time"

	"birthdaygreeter/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"birthday-greeter"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	// Offline swaps in faster timing constants for local runs. It never
	// changes dedup or retry semantics.
	Offline bool `envconfig:"OFFLINE" default:"false"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Tracker       TrackerConfig
	Scheduler     SchedulerConfig
	Webhook       WebhookConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings for the user API.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	GreetingQueueURL   string `envconfig:"SQS_GREETINGS" validate:"required,url"`
	DeadLetterQueueURL string `envconfig:"SQS_GREETINGS_DLQ" validate:"required,url"`

	// DeliveryTable is the DynamoDB table used when Tracker.Backend is dynamodb.
	DeliveryTable string `envconfig:"DELIVERY_TABLE" default:"delivery_records"`

	// ArchiveBucket receives purged delivery records. Empty disables archiving.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// TrackerConfig selects and tunes the delivery tracker store.
type TrackerConfig struct {
	Backend   types.TrackerBackend `envconfig:"TRACKER_BACKEND" default:"postgres" validate:"oneof=postgres dynamodb memory"`
	RecordTTL time.Duration        `envconfig:"DELIVERY_RECORD_TTL" default:"48h" validate:"min=24h,max=48h"`
}

// SchedulerConfig holds the polling, delivery window and retry constants.
type SchedulerConfig struct {
	DeliveryHour int           `envconfig:"DELIVERY_HOUR" default:"9" validate:"min=0,max=23"`
	Window       time.Duration `envconfig:"DELIVERY_WINDOW" default:"15m"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"10m"`

	RetryInterval   time.Duration   `envconfig:"RETRY_INTERVAL" default:"1h"`
	RetryBatchSize  int32           `envconfig:"RETRY_BATCH_SIZE" default:"10" validate:"min=1,max=10"`
	RetryMaxBatches int             `envconfig:"RETRY_MAX_BATCHES" default:"10" validate:"min=1"`
	RetryMode       types.RetryMode `envconfig:"RETRY_MODE" default:"redeliver" validate:"oneof=redeliver resubmit"`

	MaxAttempts      int `envconfig:"MAX_DELIVERY_ATTEMPTS" default:"3" validate:"min=1"`
	EnqueueBatchSize int `envconfig:"ENQUEUE_BATCH_SIZE" default:"200" validate:"min=1"`
	Concurrency      int `envconfig:"POLL_CONCURRENCY" default:"16" validate:"min=1"`
}

// WebhookConfig holds settings for the outbound greeting webhook.
type WebhookConfig struct {
	URL             string        `envconfig:"WEBHOOK_URL" validate:"required,url"`
	Timeout         time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"10s"`
	UserAgent       string        `envconfig:"WEBHOOK_USER_AGENT" default:"BirthdayGreeter-Webhook/1.0"`
	MaxRedirects    int           `envconfig:"WEBHOOK_MAX_REDIRECTS" default:"3"`
	SigningSecret   SecretString  `envconfig:"WEBHOOK_SIGNING_SECRET"`
	MessageTemplate string        `envconfig:"GREETING_TEMPLATE" default:"Hey, %s %s it's your birthday"`

	// AllowPrivateNetworks disables the SSRF blocklist so a local mock
	// endpoint on localhost can be reached.
	AllowPrivateNetworks bool `envconfig:"WEBHOOK_ALLOW_PRIVATE_NETWORKS" default:"false"`
}

// SecurityConfig holds API access control settings.
type SecurityConfig struct {
	// AdminAPIKeyHash is a bcrypt hash. When empty, /v1 is unauthenticated.
	AdminAPIKeyHash    SecretString `envconfig:"ADMIN_API_KEY_HASH"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BirthdayGreeter"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Timing is the resolved set of timing constants for the scheduler stages.
type Timing struct {
	DeliveryHour  int
	Window        time.Duration
	PollInterval  time.Duration
	RetryInterval time.Duration
	LeaseDuration time.Duration
}

// Offline timing constants.
const (
	offlinePollInterval  = time.Minute
	offlineRetryInterval = 2 * time.Minute
)

// Timing returns the effective timing constants. In offline mode the poll and
// retry cadence is shortened; the delivery window is kept so that the same
// users are selected either way.
func (c *Config) Timing() Timing {
	t := Timing{
		DeliveryHour:  c.Scheduler.DeliveryHour,
		Window:        c.Scheduler.Window,
		PollInterval:  c.Scheduler.PollInterval,
		RetryInterval: c.Scheduler.RetryInterval,
	}
	if c.Offline {
		t.PollInterval = offlinePollInterval
		t.RetryInterval = offlineRetryInterval
	}
	// A dispatcher that dies mid-call releases its claim after two webhook
	// timeouts.
	t.LeaseDuration = 2 * c.Webhook.Timeout
	return t
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
