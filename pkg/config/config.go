// Package config loads intentd's runtime configuration from environment
// variables, following the teacher's 12-factor cmd/helm config.Load idiom:
// sensible local defaults, explicit overrides via env vars, no config files.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable intentd needs at startup.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL is a Postgres DSN. Empty falls back to an embedded
	// sqlite "lite mode" database, matching the teacher's dev fallback.
	DatabaseURL string
	RedisURL    string

	// AuditSigningKey is the master HMAC key audit.StaticKeyProvider
	// derives per-tenant signing keys from.
	AuditSigningKey []byte

	// JWTPublicKeyPEM (or JWTHMACSecret) authenticates inbound bearer
	// tokens. Exactly one should be set; HMAC is the lite-mode default.
	JWTPublicKeyPEM string
	JWTHMACSecret   []byte

	S3Bucket string
	S3Region string

	TrustServiceURL     string
	TrustServiceTimeout time.Duration

	CORSOrigins []string

	DedupeWindow        time.Duration
	EscalationTimeout   time.Duration
	DefaultRateLimitRPM int

	SchedulerLeaseTTL      time.Duration
	SchedulerSweepInterval time.Duration

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
}

// Load reads configuration from the environment, applying the same
// "safe local defaults, explicit production overrides" posture as the
// teacher's config.Load.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: os.Getenv("DATABASE_URL"), // empty => sqlite lite mode
		RedisURL:    getenv("REDIS_URL", "redis://localhost:6379/0"),

		AuditSigningKey: []byte(getenv("AUDIT_SIGNING_KEY", "dev-insecure-signing-key")),

		JWTPublicKeyPEM: os.Getenv("JWT_PUBLIC_KEY_PEM"),
		JWTHMACSecret:   []byte(getenv("JWT_HMAC_SECRET", "dev-insecure-jwt-secret")),

		S3Bucket: os.Getenv("AUDIT_ARCHIVE_S3_BUCKET"),
		S3Region: getenv("AWS_REGION", "us-east-1"),

		TrustServiceURL:     getenv("TRUST_SERVICE_URL", "http://localhost:9090/trust"),
		TrustServiceTimeout: getDuration("TRUST_SERVICE_TIMEOUT", 2*time.Second),

		CORSOrigins: splitNonEmpty(os.Getenv("CORS_ORIGINS"), ","),

		DedupeWindow:        getDuration("INTENT_DEDUPE_WINDOW", 5*time.Minute),
		EscalationTimeout:   getDuration("ESCALATION_DEFAULT_TIMEOUT", 30*time.Minute),
		DefaultRateLimitRPM: getInt("DEFAULT_RATE_LIMIT_RPM", 600),

		SchedulerLeaseTTL:      getDuration("SCHEDULER_LEASE_TTL", 15*time.Second),
		SchedulerSweepInterval: getDuration("SCHEDULER_SWEEP_INTERVAL", 10*time.Second),

		RetryBaseDelay:   getDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getDuration("RETRY_MAX_DELAY", 5*time.Minute),
		RetryMaxAttempts: getInt("RETRY_MAX_ATTEMPTS", 8),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
