package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	Provider           string
	GeminiAPIKey       string
	GeminiAPIKeySecret string
	GeminiKeyCacheTTL  time.Duration
	GeminiBaseURL      string
	GeminiModel        string
	BedrockModelID     string
	AWSRegion          string

	OTLPEndpoint  string
	PodName       string
	SessionSecret string
	StaticAPIKeys string

	DailyUserTokenLimit   int64
	DailyGlobalTokenLimit int64
	QuotaAlertTopicARN    string
	UsageRetention        time.Duration

	UpstreamConnectTimeout time.Duration
	StreamIdleTimeout      time.Duration

	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                   getEnv("ADDR", ":8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		RedisURL:               getEnv("REDIS_URL", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		Provider:               getEnv("PROVIDER", "gemini"),
		GeminiAPIKey:           getEnv("GEMINI_API_KEY", ""),
		GeminiAPIKeySecret:     getEnv("GEMINI_API_KEY_SECRET", ""),
		GeminiKeyCacheTTL:      getDurationEnv("GEMINI_API_KEY_CACHE_TTL", 5*time.Minute),
		GeminiBaseURL:          getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiModel:            getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID:         getEnv("BEDROCK_MODEL_ID", ""),
		AWSRegion:              getEnv("AWS_REGION", ""),
		OTLPEndpoint:           getEnv("OTLP_ENDPOINT", ""),
		PodName:                getEnv("POD_NAME", hostname()),
		SessionSecret:          getEnv("SESSION_SECRET", ""),
		StaticAPIKeys:          getEnv("STATIC_API_KEYS", ""),
		DailyUserTokenLimit:    getInt64Env("DAILY_USER_TOKEN_LIMIT", 3_000_000),
		DailyGlobalTokenLimit:  getInt64Env("DAILY_GLOBAL_TOKEN_LIMIT", 5_000_000),
		QuotaAlertTopicARN:     getEnv("QUOTA_ALERT_TOPIC_ARN", ""),
		UsageRetention:         getDurationEnv("USAGE_RETENTION", 8*24*time.Hour),
		UpstreamConnectTimeout: getDurationEnv("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		StreamIdleTimeout:      getDurationEnv("STREAM_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:        getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		BreakerFailureThreshold: int(getInt64Env("BREAKER_FAILURE_THRESHOLD", 5)),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	switch c.Provider {
	case "gemini":
	case "bedrock":
		if c.AWSRegion == "" {
			errs = append(errs, errors.New("AWS_REGION is required for PROVIDER=bedrock"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROVIDER %q", c.Provider))
	}

	if c.GeminiAPIKeySecret != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required with GEMINI_API_KEY_SECRET"))
	}
	if c.QuotaAlertTopicARN != "" && c.AWSRegion == "" {
		errs = append(errs, errors.New("AWS_REGION is required with QUOTA_ALERT_TOPIC_ARN"))
	}
	if c.DailyUserTokenLimit <= 0 {
		errs = append(errs, errors.New("DAILY_USER_TOKEN_LIMIT must be positive"))
	}
	if c.DailyGlobalTokenLimit <= 0 {
		errs = append(errs, errors.New("DAILY_GLOBAL_TOKEN_LIMIT must be positive"))
	}
	if c.SessionSecret == "" && c.StaticAPIKeys == "" {
		errs = append(errs, errors.New("SESSION_SECRET or STATIC_API_KEYS must be set"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts either Go duration syntax ("90s") or whole seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
