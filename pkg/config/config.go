// Package config loads gateway configuration from the process environment.
// The environment is read once at startup; required values are validated
// eagerly so a misconfigured process fails before it binds a socket.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds gateway configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	// TokenHMACSecret signs agent tokens. At least 32 bytes.
	TokenHMACSecret []byte
	// KEK is the key-encryption key wrapping per-credential data keys.
	// Exactly 32 bytes, decoded from KEK_BASE64.
	KEK []byte

	SecretsBackend string
	UpstreamMode   string

	HTTPTimeout time.Duration

	CacheEnabled    bool
	RetryEnabled    bool
	BreakersEnabled bool
	PolicyEnabled   bool
	ChaosEnabled    bool

	MockFailRate float64

	PolicyFile     string
	AdminJWTSecret string

	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheTTL        time.Duration

	BreakerFailureThreshold int
	BreakerWindowSize       int
	BreakerOpenFor          time.Duration

	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration

	ToolConcurrency    int64
	CoalesceMaxWaiters int

	TelemetryQueueSize int
	ArchiveURL         string

	OTLPEndpoint string
}

// Load reads configuration from environment variables. Missing or invalid
// required values return a descriptive error; callers are expected to treat
// that as a configuration failure (exit code 2).
func Load() (*Config, error) {
	cfg := &Config{
		Port:           envString("PORT", "8080"),
		LogLevel:       envString("LOG_LEVEL", "INFO"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SecretsBackend: envString("SECRETS_BACKEND", "env"),
		UpstreamMode:   envString("UPSTREAM_MODE", "mock"),
		PolicyFile:     os.Getenv("POLICY_FILE"),
		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		ArchiveURL:     os.Getenv("ARCHIVE_URL"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	secret := os.Getenv("TOKEN_HMAC_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("TOKEN_HMAC_SECRET is required")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("TOKEN_HMAC_SECRET must be at least 32 bytes, got %d", len(secret))
	}
	cfg.TokenHMACSecret = []byte(secret)

	kekB64 := os.Getenv("KEK_BASE64")
	if kekB64 == "" {
		return nil, fmt.Errorf("KEK_BASE64 is required")
	}
	kek, err := base64.StdEncoding.DecodeString(kekB64)
	if err != nil {
		return nil, fmt.Errorf("KEK_BASE64 is not valid base64: %w", err)
	}
	if len(kek) != 32 {
		return nil, fmt.Errorf("KEK_BASE64 must decode to exactly 32 bytes, got %d", len(kek))
	}
	cfg.KEK = kek

	switch cfg.SecretsBackend {
	case "env", "vault":
	default:
		return nil, fmt.Errorf("SECRETS_BACKEND must be \"env\" or \"vault\", got %q", cfg.SecretsBackend)
	}
	switch cfg.UpstreamMode {
	case "live", "mock":
	default:
		return nil, fmt.Errorf("UPSTREAM_MODE must be \"live\" or \"mock\", got %q", cfg.UpstreamMode)
	}

	if cfg.HTTPTimeout, err = envDurationMS("HTTP_TIMEOUT_MS", 6000); err != nil {
		return nil, err
	}

	if cfg.CacheEnabled, err = envBool("FF_CACHE", true); err != nil {
		return nil, err
	}
	if cfg.RetryEnabled, err = envBool("FF_RETRY", true); err != nil {
		return nil, err
	}
	if cfg.BreakersEnabled, err = envBool("FF_BREAKERS", true); err != nil {
		return nil, err
	}
	if cfg.PolicyEnabled, err = envBool("FF_POLICY", true); err != nil {
		return nil, err
	}
	if cfg.ChaosEnabled, err = envBool("FF_CHAOS", false); err != nil {
		return nil, err
	}

	if cfg.MockFailRate, err = envFloat("MOCK_FAIL_RATE", 0); err != nil {
		return nil, err
	}
	if cfg.MockFailRate < 0 || cfg.MockFailRate > 1 {
		return nil, fmt.Errorf("MOCK_FAIL_RATE must be in [0,1], got %v", cfg.MockFailRate)
	}

	if cfg.CacheMaxEntries, err = envInt("CACHE_MAX_ENTRIES", 2048); err != nil {
		return nil, err
	}
	if cfg.CacheMaxBytes, err = envInt64("CACHE_MAX_BYTES", 64<<20); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDurationMS("CACHE_TTL_MS", 30000); err != nil {
		return nil, err
	}

	if cfg.BreakerFailureThreshold, err = envInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerWindowSize, err = envInt("BREAKER_WINDOW_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.BreakerOpenFor, err = envDurationMS("BREAKER_OPEN_MS", 30000); err != nil {
		return nil, err
	}

	if cfg.RetryMaxAttempts, err = envInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBase, err = envDurationMS("RETRY_BASE_MS", 100); err != nil {
		return nil, err
	}
	if cfg.RetryCap, err = envDurationMS("RETRY_CAP_MS", 2000); err != nil {
		return nil, err
	}

	if cfg.ToolConcurrency, err = envInt64("TOOL_CONCURRENCY", 32); err != nil {
		return nil, err
	}
	if cfg.CoalesceMaxWaiters, err = envInt("COALESCE_MAX_WAITERS", 64); err != nil {
		return nil, err
	}
	if cfg.TelemetryQueueSize, err = envInt("TELEMETRY_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func envDurationMS(key string, fallback int) (time.Duration, error) {
	n, err := envInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
