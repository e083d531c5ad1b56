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
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Default rates used when no explicit rate config row covers a work
	// date; both in basis points.
	DefaultCommissionRateBps int32
	DefaultInsuranceRateBps  int32

	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	QueueRedisPrefix       string
	QueueConcurrency       int
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffJitter     float64
	QueueMaxAttempts       int

	StatementFrom        string
	StatementEmailOn     bool
	RendererWebhookURL   string
	RendererTimeout      time.Duration
	RendererMaxAttempts  int
	CircuitMinRequests   int
	CircuitFailureRate   float64
	CircuitOpenFor       time.Duration
	StatementCronSpec    string
	AsynqConcurrency     int
	MigrateOnStart       bool
	AuthRateLimitPerMin  int
	DefaultPageSize      int
	HealthDBTimeout      time.Duration
	HealthRedisTimeout   time.Duration
	MaxRequestBodyBytes  int64
	ObsMetricsNamespace  string
	ObsEnablePrometheus  bool
	ObsEnableTracing     bool
	ObsTracingSampling   float64
	ObsOTLPEndpoint      string
	ObsLogFormat         string
	ObsLogLevel          string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          valueOrDefault(k.String("JWT_ISSUER"), "helper-api"),
		JWTAudience:        valueOrDefault(k.String("JWT_AUDIENCE"), "helper-clients"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		AccessTokenTTL:  parseDuration(k.String("ACCESS_TOKEN_TTL"), "15m"),
		RefreshTokenTTL: parseDuration(k.String("REFRESH_TOKEN_TTL"), "720h"),

		DefaultCommissionRateBps: int32(parseInt(k.String("DEFAULT_COMMISSION_RATE_BPS"), 500)),
		DefaultInsuranceRateBps:  int32(parseInt(k.String("DEFAULT_INSURANCE_RATE_BPS"), 70)),

		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		QueueRedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "helper"),
		QueueConcurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
		QueueVisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
		QueueBackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "500ms"),
		QueueBackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		QueueMaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),

		StatementFrom:       valueOrDefault(k.String("STATEMENT_EMAIL_FROM"), "no-reply@jimkkun.io"),
		StatementEmailOn:    parseBool(k.String("STATEMENT_EMAIL_ENABLED")),
		RendererWebhookURL:  strings.TrimSpace(k.String("RENDERER_WEBHOOK_URL")),
		RendererTimeout:     parseDuration(k.String("RENDERER_TIMEOUT"), "5s"),
		RendererMaxAttempts: parseInt(k.String("RENDERER_MAX_ATTEMPTS"), 5),
		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate:  parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		StatementCronSpec:   valueOrDefault(k.String("STATEMENT_CRON_SPEC"), "0 2 1 * *"),
		AsynqConcurrency:    parseInt(k.String("ASYNQ_CONCURRENCY"), 4),
		MigrateOnStart:      parseBool(valueOrDefault(k.String("MIGRATE_ON_START"), "true")),
		AuthRateLimitPerMin: parseInt(k.String("AUTH_RATE_LIMIT_PER_MIN"), 20),
		DefaultPageSize:     parseInt(k.String("DEFAULT_PAGE_SIZE"), 20),
		HealthDBTimeout:     parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisTimeout:  parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
		MaxRequestBodyBytes: int64(parseInt(k.String("MAX_REQUEST_BODY_BYTES"), 1<<20)),
		ObsMetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "helper"),
		ObsEnablePrometheus: parseBool(valueOrDefault(k.String("OBS_ENABLE_PROMETHEUS"), "true")),
		ObsEnableTracing:    parseBool(valueOrDefault(k.String("OBS_ENABLE_TRACING"), "true")),
		ObsTracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		ObsOTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		ObsLogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		ObsLogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return cfg, nil
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
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

// LoadForTests allows tests to override environment variables without
// leaking into the real environment.
func LoadForTests(vars map[string]string) (*Config, error) {
	original := make(map[string]string, len(vars))
	for key := range vars {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, vars[key]); err != nil {
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
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
