package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MetricsToken       string
	AdminToken         string

	Obs       Obs
	Auth      Auth
	RateLimit RateLimit
	Queue     Queue
	PhonePe   PhonePe
	Notify    Notify
	Scheduler Scheduler
}

// Obs configures logging, metrics and tracing.
type Obs struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	TracingExporter  string
	TracingEndpoint  string
	TracingSampling  float64
}

// Auth configures bearer-token verification for user commands.
type Auth struct {
	JWTSecret string
	Issuer    string
}

// RateLimit holds ulule limiter formatted rates, e.g. "60-M".
type RateLimit struct {
	Commands string
	Webhooks string
}

// Queue configures the Redis work queues.
type Queue struct {
	Prefix            string
	DedupTTL          time.Duration
	MaxAttempts       int
	VisibilityTimeout time.Duration
	RetryBase         time.Duration
	// Concurrency per queue kind.
	DebitConcurrency      int
	NotifyConcurrency     int
	StatusConcurrency     int
	UserNotifyConcurrency int
	ExpiryConcurrency     int
}

// PhonePe configures the reference PSP adapter.
type PhonePe struct {
	BaseURL              string
	AuthURL              string
	ClientID             string
	ClientSecret         string
	ClientVersion        string
	MerchantID           string
	WebhookSecret        string
	RedirectURL          string
	HTTPTimeout          time.Duration
	TokenRefreshInterval time.Duration
	WebhookReplayTTL     time.Duration
}

// Notify configures delivery of user-facing notifications.
type Notify struct {
	ServiceURL string
	Secret     string
	Timeout    time.Duration
	ReplayTTL  time.Duration
}

// Scheduler is the single injected value that drives every background scan.
type Scheduler struct {
	Enabled bool
	// BufferDays is how far ahead of endAt renewals are notified.
	BufferDays int
	// RetryAfterDays re-notifies when the latest notification is older than this.
	RetryAfterDays           int
	SecondMonthFrequencyDays int
	ThirdMonthFrequencyDays  int
	TotalRetryWindowDays     int
	NotifyBatchSize          int
	DebitBatchSize           int
	ReconcileBatchSize       int
	FanoutConcurrency        int
	MandateValidityYears     int
	PreDebitLeadTime         time.Duration
	NotificationStaleAfter   time.Duration
	ExpiryBuffer             time.Duration
	NotifyCron               string
	DebitCron                string
	ReconcileCron            string
}

// DefaultScheduler returns the production cadence.
func DefaultScheduler() Scheduler {
	return Scheduler{
		Enabled:                  true,
		BufferDays:               3,
		RetryAfterDays:           1,
		SecondMonthFrequencyDays: 7,
		ThirdMonthFrequencyDays:  15,
		TotalRetryWindowDays:     90,
		NotifyBatchSize:          500,
		DebitBatchSize:           500,
		ReconcileBatchSize:       200,
		FanoutConcurrency:        100,
		MandateValidityYears:     30,
		PreDebitLeadTime:         24*time.Hour + 30*time.Minute,
		NotificationStaleAfter:   30 * time.Minute,
		ExpiryBuffer:             15 * time.Minute,
		NotifyCron:               "@every 1h",
		DebitCron:                "@every 15m",
		ReconcileCron:            "@every 10m",
	}
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	def := DefaultScheduler()
	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MetricsToken:       strings.TrimSpace(k.String("METRICS_TOKEN")),
		AdminToken:         strings.TrimSpace(k.String("ADMIN_TOKEN")),
		Obs: Obs{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "autopay"),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "none"),
			TracingEndpoint:  k.String("OBS_TRACING_ENDPOINT"),
			TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1),
		},
		Auth: Auth{
			JWTSecret: k.String("JWT_SECRET"),
			Issuer:    strings.TrimSpace(k.String("JWT_ISSUER")),
		},
		RateLimit: RateLimit{
			Commands: valueOrDefault(k.String("RATE_LIMIT_COMMANDS"), "30-M"),
			Webhooks: valueOrDefault(k.String("RATE_LIMIT_WEBHOOKS"), "6000-M"),
		},
		Queue: Queue{
			Prefix:                valueOrDefault(k.String("QUEUE_PREFIX"), "autopay"),
			DedupTTL:              parseDuration(k.String("QUEUE_DEDUP_TTL"), "24h"),
			MaxAttempts:           parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
			VisibilityTimeout:     parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
			RetryBase:             parseDuration(k.String("QUEUE_RETRY_BASE"), "2s"),
			DebitConcurrency:      parseInt(k.String("QUEUE_DEBIT_CONCURRENCY"), 100),
			NotifyConcurrency:     parseInt(k.String("QUEUE_NOTIFY_CONCURRENCY"), 1000),
			StatusConcurrency:     parseInt(k.String("QUEUE_STATUS_CONCURRENCY"), 100),
			UserNotifyConcurrency: parseInt(k.String("QUEUE_USER_NOTIFY_CONCURRENCY"), 200),
			ExpiryConcurrency:     parseInt(k.String("QUEUE_EXPIRY_CONCURRENCY"), 100),
		},
		PhonePe: PhonePe{
			BaseURL:              valueOrDefault(k.String("PHONEPE_BASE_URL"), "https://api.phonepe.com/apis/pg"),
			AuthURL:              valueOrDefault(k.String("PHONEPE_AUTH_URL"), "https://api.phonepe.com/apis/identity-manager"),
			ClientID:             k.String("PHONEPE_CLIENT_ID"),
			ClientSecret:         k.String("PHONEPE_CLIENT_SECRET"),
			ClientVersion:        valueOrDefault(k.String("PHONEPE_CLIENT_VERSION"), "1"),
			MerchantID:           k.String("PHONEPE_MERCHANT_ID"),
			WebhookSecret:        k.String("PHONEPE_WEBHOOK_SECRET"),
			RedirectURL:          k.String("PHONEPE_REDIRECT_URL"),
			HTTPTimeout:          parseDuration(k.String("PHONEPE_HTTP_TIMEOUT"), "10s"),
			TokenRefreshInterval: parseDuration(k.String("PHONEPE_TOKEN_REFRESH_INTERVAL"), "10m"),
			WebhookReplayTTL:     parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "72h"),
		},
		Notify: Notify{
			ServiceURL: strings.TrimSpace(k.String("NOTIFY_SERVICE_URL")),
			Secret:     k.String("NOTIFY_SERVICE_SECRET"),
			Timeout:    parseDuration(k.String("NOTIFY_SERVICE_TIMEOUT"), "5s"),
			ReplayTTL:  parseDuration(k.String("NOTIFY_REPLAY_TTL"), "24h"),
		},
		Scheduler: Scheduler{
			Enabled:                  parseBoolDefault(k.String("SCHEDULER_ENABLED"), def.Enabled),
			BufferDays:               parseInt(k.String("NOTIFY_BUFFER_DAYS"), def.BufferDays),
			RetryAfterDays:           parseInt(k.String("NOTIFY_RETRY_AFTER_DAYS"), def.RetryAfterDays),
			SecondMonthFrequencyDays: parseInt(k.String("NOTIFY_SECOND_MONTH_FREQUENCY_DAYS"), def.SecondMonthFrequencyDays),
			ThirdMonthFrequencyDays:  parseInt(k.String("NOTIFY_THIRD_MONTH_FREQUENCY_DAYS"), def.ThirdMonthFrequencyDays),
			TotalRetryWindowDays:     parseInt(k.String("NOTIFY_TOTAL_RETRY_WINDOW_DAYS"), def.TotalRetryWindowDays),
			NotifyBatchSize:          parseInt(k.String("NOTIFY_BATCH_SIZE"), def.NotifyBatchSize),
			DebitBatchSize:           parseInt(k.String("DEBIT_BATCH_SIZE"), def.DebitBatchSize),
			ReconcileBatchSize:       parseInt(k.String("RECONCILE_BATCH_SIZE"), def.ReconcileBatchSize),
			FanoutConcurrency:        parseInt(k.String("NOTIFY_FANOUT_CONCURRENCY"), def.FanoutConcurrency),
			MandateValidityYears:     parseInt(k.String("MANDATE_VALIDITY_YEARS"), def.MandateValidityYears),
			PreDebitLeadTime:         time.Duration(parseInt(k.String("PRE_DEBIT_LEAD_TIME_MINUTES"), int(def.PreDebitLeadTime/time.Minute))) * time.Minute,
			NotificationStaleAfter:   parseDuration(k.String("NOTIFICATION_STALE_AFTER"), def.NotificationStaleAfter.String()),
			ExpiryBuffer:             parseDuration(k.String("SUBSCRIPTION_EXPIRY_BUFFER"), def.ExpiryBuffer.String()),
			NotifyCron:               valueOrDefault(k.String("NOTIFY_SCAN_CRON"), def.NotifyCron),
			DebitCron:                valueOrDefault(k.String("DEBIT_SCAN_CRON"), def.DebitCron),
			ReconcileCron:            valueOrDefault(k.String("RECONCILE_SCAN_CRON"), def.ReconcileCron),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects cadences that would make the notification tiers overlap or vanish.
func (s Scheduler) Validate() error {
	switch {
	case s.BufferDays < 0:
		return errors.New("NOTIFY_BUFFER_DAYS must not be negative")
	case s.SecondMonthFrequencyDays <= 0 || s.ThirdMonthFrequencyDays <= 0:
		return errors.New("notification frequencies must be positive")
	case s.TotalRetryWindowDays <= 0:
		return errors.New("NOTIFY_TOTAL_RETRY_WINDOW_DAYS must be positive")
	case s.MandateValidityYears <= 0:
		return errors.New("MANDATE_VALIDITY_YEARS must be positive")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	d, err := time.ParseDuration(valueOrDefault(value, fallback))
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
