// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// QueueConfig provides settings for the asynq task queue.
type QueueConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetQueueConcurrency() int
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetWebhookSharedSecret() string
	GetWebhookRatePerSecond() float64
	GetWebhookRateBurst() int
}

// FSMConfig provides settings for the external field-service-management API.
type FSMConfig interface {
	GetFSMAPIURL() string
	GetFSMTokenURL() string
	GetFSMClientID() string
	GetFSMClientSecret() string
	GetFSMRequestsPerSecond() float64
	GetFSMFieldCacheTTL() time.Duration
}

// PipelineConfig provides retry and dead-letter settings.
type PipelineConfig interface {
	GetMaxAttempts() int
	GetRetryBaseBackoff() time.Duration
	GetDLQMaxRetries() int
	GetDLQSweepInterval() time.Duration
	GetDLQSweepBatch() int
}

// PolicyConfig provides the quote/job auto-apply rule policy.
type PolicyConfig interface {
	GetMaxItemDeltaCents() int64
	GetMaxQuantityChangePct() float64
	GetMaxUnitPriceChangePct() float64
	GetMaxTotalChangePct() float64
	GetBlockedCategories() []string
	GetAllowAdditions() bool
	GetAllowRemovals() bool
}

// EmailConfig provides settings for operator alert email.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetOperatorEmail() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                   string
	HTTPAddr              string
	DatabaseURL           string
	RedisURL              string
	RedisTLSInsecure      bool
	QueueConcurrency      int
	CORSAllowAll          bool
	CORSOrigins           []string
	WebhookSharedSecret   string
	WebhookRatePerSecond  float64
	WebhookRateBurst      int
	FSMAPIURL             string
	FSMTokenURL           string
	FSMClientID           string
	FSMClientSecret       string
	FSMRequestsPerSecond  float64
	FSMFieldCacheTTL      time.Duration
	MaxAttempts           int
	RetryBaseBackoff      time.Duration
	DLQMaxRetries         int
	DLQSweepInterval      time.Duration
	DLQSweepBatch         int
	MaxItemDeltaCents     int64
	MaxQuantityChangePct  float64
	MaxUnitPriceChangePct float64
	MaxTotalChangePct     float64
	BlockedCategories     []string
	AllowAdditions        bool
	AllowRemovals         bool
	EmailEnabled          bool
	SMTPHost              string
	SMTPPort              int
	SMTPUsername          string
	SMTPPassword          string
	EmailFromName         string
	EmailFromAddress      string
	OperatorEmail         string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// QueueConfig implementation
func (c *Config) GetRedisURL() string      { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetQueueConcurrency() int  { return c.QueueConcurrency }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string             { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool           { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string        { return c.CORSOrigins }
func (c *Config) GetWebhookSharedSecret() string  { return c.WebhookSharedSecret }
func (c *Config) GetWebhookRatePerSecond() float64 { return c.WebhookRatePerSecond }
func (c *Config) GetWebhookRateBurst() int        { return c.WebhookRateBurst }

// FSMConfig implementation
func (c *Config) GetFSMAPIURL() string              { return c.FSMAPIURL }
func (c *Config) GetFSMTokenURL() string            { return c.FSMTokenURL }
func (c *Config) GetFSMClientID() string            { return c.FSMClientID }
func (c *Config) GetFSMClientSecret() string        { return c.FSMClientSecret }
func (c *Config) GetFSMRequestsPerSecond() float64  { return c.FSMRequestsPerSecond }
func (c *Config) GetFSMFieldCacheTTL() time.Duration { return c.FSMFieldCacheTTL }

// PipelineConfig implementation
func (c *Config) GetMaxAttempts() int                 { return c.MaxAttempts }
func (c *Config) GetRetryBaseBackoff() time.Duration  { return c.RetryBaseBackoff }
func (c *Config) GetDLQMaxRetries() int               { return c.DLQMaxRetries }
func (c *Config) GetDLQSweepInterval() time.Duration  { return c.DLQSweepInterval }
func (c *Config) GetDLQSweepBatch() int               { return c.DLQSweepBatch }

// PolicyConfig implementation
func (c *Config) GetMaxItemDeltaCents() int64      { return c.MaxItemDeltaCents }
func (c *Config) GetMaxQuantityChangePct() float64 { return c.MaxQuantityChangePct }
func (c *Config) GetMaxUnitPriceChangePct() float64 { return c.MaxUnitPriceChangePct }
func (c *Config) GetMaxTotalChangePct() float64    { return c.MaxTotalChangePct }
func (c *Config) GetBlockedCategories() []string   { return c.BlockedCategories }
func (c *Config) GetAllowAdditions() bool          { return c.AllowAdditions }
func (c *Config) GetAllowRemovals() bool           { return c.AllowRemovals }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool      { return c.EmailEnabled }
func (c *Config) GetSMTPHost() string        { return c.SMTPHost }
func (c *Config) GetSMTPPort() int           { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string    { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string    { return c.SMTPPassword }
func (c *Config) GetEmailFromName() string   { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetOperatorEmail() string   { return c.OperatorEmail }

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration from the environment, optionally seeded by a .env
// file. Missing required values return an error; tunables fall back to
// documented defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:                   getEnv("APP_ENV", "development"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisTLSInsecure:      getBoolEnv("REDIS_TLS_INSECURE", false),
		QueueConcurrency:      getIntEnv("QUEUE_CONCURRENCY", 5),
		CORSAllowAll:          getBoolEnv("CORS_ALLOW_ALL", false),
		CORSOrigins:           getCSVEnv("CORS_ORIGINS"),
		WebhookSharedSecret:   os.Getenv("WEBHOOK_SHARED_SECRET"),
		WebhookRatePerSecond:  getFloatEnv("WEBHOOK_RATE_PER_SECOND", 50),
		WebhookRateBurst:      getIntEnv("WEBHOOK_RATE_BURST", 100),
		FSMAPIURL:             os.Getenv("FSM_API_URL"),
		FSMTokenURL:           os.Getenv("FSM_TOKEN_URL"),
		FSMClientID:           os.Getenv("FSM_CLIENT_ID"),
		FSMClientSecret:       os.Getenv("FSM_CLIENT_SECRET"),
		FSMRequestsPerSecond:  getFloatEnv("FSM_REQUESTS_PER_SECOND", 2.5),
		FSMFieldCacheTTL:      getDurationEnv("FSM_FIELD_CACHE_TTL", 15*time.Minute),
		MaxAttempts:           getIntEnv("PIPELINE_MAX_ATTEMPTS", 3),
		RetryBaseBackoff:      getDurationEnv("PIPELINE_RETRY_BASE_BACKOFF", 30*time.Second),
		DLQMaxRetries:         getIntEnv("DLQ_MAX_RETRIES", 5),
		DLQSweepInterval:      getDurationEnv("DLQ_SWEEP_INTERVAL", time.Minute),
		DLQSweepBatch:         getIntEnv("DLQ_SWEEP_BATCH", 25),
		MaxItemDeltaCents:     int64(getIntEnv("POLICY_MAX_ITEM_DELTA_CENTS", 50000)),
		MaxQuantityChangePct:  getFloatEnv("POLICY_MAX_QUANTITY_CHANGE_PCT", 50),
		MaxUnitPriceChangePct: getFloatEnv("POLICY_MAX_UNIT_PRICE_CHANGE_PCT", 25),
		MaxTotalChangePct:     getFloatEnv("POLICY_MAX_TOTAL_CHANGE_PCT", 30),
		BlockedCategories:     getCSVEnvDefault("POLICY_BLOCKED_CATEGORIES", []string{"hardscape", "irrigation install", "tree removal"}),
		AllowAdditions:        getBoolEnv("POLICY_ALLOW_ADDITIONS", true),
		AllowRemovals:         getBoolEnv("POLICY_ALLOW_REMOVALS", true),
		EmailEnabled:          getBoolEnv("EMAIL_ENABLED", false),
		SMTPHost:              os.Getenv("SMTP_HOST"),
		SMTPPort:              getIntEnv("SMTP_PORT", 587),
		SMTPUsername:          os.Getenv("SMTP_USERNAME"),
		SMTPPassword:          os.Getenv("SMTP_PASSWORD"),
		EmailFromName:         getEnv("EMAIL_FROM_NAME", "FieldSync"),
		EmailFromAddress:      getEnv("EMAIL_FROM_ADDRESS", "alerts@fieldsync.local"),
		OperatorEmail:         os.Getenv("OPERATOR_EMAIL"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.WebhookSharedSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SHARED_SECRET is required")
	}
	if cfg.FSMAPIURL == "" {
		return nil, fmt.Errorf("FSM_API_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getCSVEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getCSVEnvDefault(key string, fallback []string) []string {
	if v := getCSVEnv(key); v != nil {
		return v
	}
	return fallback
}
