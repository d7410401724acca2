// Package config loads subsyncd settings from a .env file and the process
// environment. Process variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendBolt      = "bolt"
	BackendSQLite    = "sqlite"
)

// Config is the daemon configuration.
type Config struct {
	Env        string `validate:"oneof=dev test prod"`
	ListenAddr string `validate:"required"`
	LogLevel   string `validate:"oneof=debug info warn error"`
	LogFormat  string `validate:"oneof=json console"`

	// CustomerHeader carries the authenticated customer id on account routes,
	// set by the auth proxy in front of the daemon.
	CustomerHeader   string `validate:"required"`
	MetricsNamespace string `validate:"required"`
	ShutdownTimeout  time.Duration

	Storage   StorageConfig
	Stripe    StripeConfig
	Pipeline  PipelineConfig
	Reconcile ReconcileConfig
	Sinks     SinksConfig
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `validate:"oneof=memory redis postgres firestore bolt sqlite"`

	RedisURL         string `validate:"required_if=Backend redis"`
	RedisKeyPrefix   string
	PostgresDSN      string `validate:"required_if=Backend postgres"`
	AutoMigrate      bool
	FirestoreProject string `validate:"required_if=Backend firestore"`
	Path             string `validate:"required_if=Backend bolt,required_if=Backend sqlite"`
	PurgeInterval    time.Duration
}

// StripeConfig holds processor credentials and session URLs.
type StripeConfig struct {
	APIKey          string
	WebhookSecret   string
	SignatureHeader string
	BaseURL         string `validate:"omitempty,url"`
	Tolerance       time.Duration
	RateLimit       int `validate:"gte=0"`
	AutomaticTax    bool
	RequireAddress  bool
}

// PipelineConfig tunes event application.
type PipelineConfig struct {
	Async                bool
	Workers              int `validate:"gte=1"`
	QueueSize            int `validate:"gte=1"`
	EventRetention       time.Duration
	ApplyTimeout         time.Duration
	MaxConflictRetries   int   `validate:"gte=1"`
	SuspendAfterAttempts int64 `validate:"gte=1"`
	RetryMaxAttempts     int   `validate:"gte=1"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	Enabled     bool
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int `validate:"gte=1"`
	Concurrency int `validate:"gte=1,lte=64"`
}

// SinksConfig configures optional side-effect transports. A sink is enabled
// when its address is set.
type SinksConfig struct {
	KafkaBrokers []string
	KafkaTopic   string `validate:"required_with=KafkaBrokers"`

	AMQPURL   string `validate:"omitempty,url"`
	AMQPQueue string

	SMTPHost     string
	SMTPPort     string `validate:"omitempty,numeric"`
	SMTPUsername string
	SMTPPassword string
	SMTPSender   string `validate:"omitempty,email"`
	AppName      string

	S3Bucket          string
	S3Prefix          string
	S3Region          string `validate:"required_with=S3Bucket"`
	S3Endpoint        string `validate:"omitempty,url"`
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// Load reads envFile (if it exists; empty means ".env") and the process
// environment, applies defaults and validates the result.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	fileVars := map[string]string{}
	if _, err := os.Stat(envFile); err == nil {
		fileVars, err = godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	})
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := &reader{lookup: lookup}

	cfg := &Config{
		Env:              r.str("SUBSYNC_ENV", "prod"),
		ListenAddr:       r.str("SUBSYNC_LISTEN_ADDR", ":8080"),
		LogLevel:         strings.ToLower(r.str("SUBSYNC_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(r.str("SUBSYNC_LOG_FORMAT", "json")),
		CustomerHeader:   r.str("SUBSYNC_CUSTOMER_HEADER", "X-Customer-ID"),
		MetricsNamespace: r.str("SUBSYNC_METRICS_NAMESPACE", "subsync"),
		ShutdownTimeout:  r.duration("SUBSYNC_SHUTDOWN_TIMEOUT", 15*time.Second),
		Storage: StorageConfig{
			Backend:          strings.ToLower(r.str("SUBSYNC_STORAGE", BackendMemory)),
			RedisURL:         r.str("REDIS_URL", ""),
			RedisKeyPrefix:   r.str("REDIS_KEY_PREFIX", "subsync:"),
			PostgresDSN:      r.str("DATABASE_URL", ""),
			AutoMigrate:      r.boolean("DATABASE_AUTO_MIGRATE", true),
			FirestoreProject: r.str("FIRESTORE_PROJECT_ID", ""),
			Path:             r.str("SUBSYNC_DB_PATH", ""),
			PurgeInterval:    r.duration("SUBSYNC_PURGE_INTERVAL", time.Hour),
		},
		Stripe: StripeConfig{
			APIKey:          r.str("STRIPE_SECRET_KEY", ""),
			WebhookSecret:   r.str("STRIPE_WEBHOOK_SECRET", ""),
			SignatureHeader: r.str("STRIPE_SIGNATURE_HEADER", "Stripe-Signature"),
			BaseURL:         r.str("SUBSYNC_BASE_URL", ""),
			Tolerance:       r.duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			RateLimit:       r.integer("STRIPE_WEBHOOK_RATE_LIMIT", 100),
			AutomaticTax:    r.boolean("STRIPE_AUTOMATIC_TAX", true),
			RequireAddress:  r.boolean("STRIPE_REQUIRE_BILLING_ADDRESS", true),
		},
		Pipeline: PipelineConfig{
			Async:                r.boolean("SUBSYNC_ASYNC", false),
			Workers:              r.integer("SUBSYNC_WORKERS", 4),
			QueueSize:            r.integer("SUBSYNC_QUEUE_SIZE", 256),
			EventRetention:       r.duration("SUBSYNC_EVENT_RETENTION", 35*24*time.Hour),
			ApplyTimeout:         r.duration("SUBSYNC_APPLY_TIMEOUT", 30*time.Second),
			MaxConflictRetries:   r.integer("SUBSYNC_MAX_CONFLICT_RETRIES", 3),
			SuspendAfterAttempts: int64(r.integer("SUBSYNC_SUSPEND_AFTER_ATTEMPTS", 3)),
			RetryMaxAttempts:     r.integer("SUBSYNC_RETRY_MAX_ATTEMPTS", 5),
		},
		Reconcile: ReconcileConfig{
			Enabled:     r.boolean("SUBSYNC_RECONCILE", true),
			Interval:    r.duration("SUBSYNC_RECONCILE_INTERVAL", 15*time.Minute),
			StaleAfter:  r.duration("SUBSYNC_RECONCILE_STALE_AFTER", 24*time.Hour),
			BatchSize:   r.integer("SUBSYNC_RECONCILE_BATCH", 100),
			Concurrency: r.integer("SUBSYNC_RECONCILE_CONCURRENCY", 4),
		},
		Sinks: SinksConfig{
			KafkaBrokers:      r.list("KAFKA_BROKERS"),
			KafkaTopic:        r.str("KAFKA_ACCESS_TOPIC", ""),
			AMQPURL:           r.str("AMQP_URL", ""),
			AMQPQueue:         r.str("AMQP_NOTIFICATION_QUEUE", "subsync.notifications"),
			SMTPHost:          r.str("SMTP_HOST", ""),
			SMTPPort:          r.str("SMTP_PORT", "587"),
			SMTPUsername:      r.str("SMTP_USERNAME", ""),
			SMTPPassword:      r.str("SMTP_PASSWORD", ""),
			SMTPSender:        r.str("SMTP_SENDER", ""),
			AppName:           r.str("SUBSYNC_APP_NAME", ""),
			S3Bucket:          r.str("S3_AUDIT_BUCKET", ""),
			S3Prefix:          r.str("S3_AUDIT_PREFIX", "audit"),
			S3Region:          r.str("S3_REGION", ""),
			S3Endpoint:        r.str("S3_ENDPOINT_URL", ""),
			S3AccessKeyID:     r.str("S3_ACCESS_KEY_ID", ""),
			S3SecretAccessKey: r.str("S3_SECRET_ACCESS_KEY", ""),
		},
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and reports every violated field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s: failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// IsDev reports whether the daemon runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: not an integer: %q", key, v))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: not a boolean: %q", key, v))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s: not a duration: %q", key, v))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v := r.str(key, "")
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
