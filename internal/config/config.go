// Package config loads runtime tunables for the messaging relay from the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":8443"
	// DefaultMaxPayloadBytes is the default for Config.MaxPayloadBytes
	// (RELAY_MAX_PAYLOAD_BYTES). Nothing outside this package reads that
	// field; the WebSocket read limit is a fixed constant in internal/httpapi.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 90
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultConversationTTLSeconds is the membership store TTL applied to
	// conversations absent an explicit override (§3, §6 constants table).
	DefaultConversationTTLSeconds = 1800

	// MaxParticipants bounds the number of devices in a single conversation.
	MaxParticipants = 50
	// MaxPayloadBytes bounds the opaque ciphertext size accepted per message.
	MaxPayloadBytes = 50 * 1024
	// DefaultMessageTTL is the default message expiration horizon.
	DefaultMessageTTL = 7 * 24 * time.Hour
	// MaxDeliveryRetries bounds ACK-timeout driven retry attempts.
	MaxDeliveryRetries = 5
	// AckTimeout is the deadline for a recipient to ACK a delivered frame.
	AckTimeout = 30 * time.Second
	// RetryBackoffBase is the base of the exponential retry backoff.
	RetryBackoffBase = 1 * time.Second
	// RetryBackoffCap bounds the maximum backoff between retries.
	RetryBackoffCap = 60 * time.Second
	// RestPollInterval is the interval clients are expected to poll at.
	RestPollInterval = 30 * time.Second
	// ClockSkewTolerance bounds acceptable clock drift for expiry checks.
	ClockSkewTolerance = 2 * time.Minute
	// LogRetention bounds how long operational/audit log entries survive.
	LogRetention = 90 * 24 * time.Hour
	// MetricsWindow is the bucket width used for windowed counters.
	MetricsWindow = time.Hour
	// FailedDeliveryAlertThreshold triggers an alert once crossed within a window.
	FailedDeliveryAlertThreshold = 5
	// StoreCallTimeout bounds individual membership-store backend calls.
	StoreCallTimeout = 5 * time.Second
	// OptimisticLockRetries bounds optimistic-transaction retry attempts.
	OptimisticLockRetries = 3
)

// EncryptionMode selects how the relay treats inbound message payloads.
type EncryptionMode string

const (
	// EncryptionModeClient requires inbound payloads to already be encoded
	// ciphertext (base64 or hex); plaintext is rejected.
	EncryptionModeClient EncryptionMode = "client"
	// EncryptionModeServer accepts plaintext and encrypts it locally before
	// persistence. Development only.
	EncryptionModeServer EncryptionMode = "server"
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address         string
	MaxPayloadBytes int64
	FrontendOrigin  string
	Environment     string

	RedisURL          string
	ConversationTTL   time.Duration
	ControllerAPIKeys []string
	EncryptionMode    EncryptionMode
	EncryptionKeySeed string
	DemoMode          bool

	Logging LoggingConfig
}

// Load reads the relay configuration from environment variables, applying
// sane defaults and returning one aggregated error describing every
// invalid override found.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("RELAY_ADDR", DefaultAddr),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		FrontendOrigin:  strings.TrimSpace(os.Getenv("FRONTEND_ORIGIN")),
		Environment:     getString("ENVIRONMENT", "development"),

		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		ConversationTTL:   DefaultConversationTTLSeconds * time.Second,
		ControllerAPIKeys: parseList(os.Getenv("CONTROLLER_API_KEYS")),
		EncryptionMode:    EncryptionModeClient,
		EncryptionKeySeed: strings.TrimSpace(os.Getenv("ENCRYPTION_KEY_SEED")),

		Logging: LoggingConfig{
			Level:      getString("RELAY_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("RELAY_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("CONVERSATION_TTL_SECONDS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CONVERSATION_TTL_SECONDS must be a positive integer, got %q", raw))
		} else {
			cfg.ConversationTTL = time.Duration(value) * time.Second
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ENCRYPTION_MODE")); raw != "" {
		switch EncryptionMode(strings.ToLower(raw)) {
		case EncryptionModeClient:
			cfg.EncryptionMode = EncryptionModeClient
		case EncryptionModeServer:
			cfg.EncryptionMode = EncryptionModeServer
		default:
			problems = append(problems, fmt.Sprintf("ENCRYPTION_MODE must be one of client|server, got %q", raw))
		}
	}

	if cfg.EncryptionMode == EncryptionModeServer && cfg.EncryptionKeySeed == "" {
		problems = append(problems, "ENCRYPTION_KEY_SEED is required when ENCRYPTION_MODE=server")
	}

	if raw := strings.TrimSpace(os.Getenv("DEMO_MODE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("DEMO_MODE must be a boolean value, got %q", raw))
		} else {
			cfg.DemoMode = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("RELAY_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("RELAY_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	switch cfg.Environment {
	case "development", "production":
	default:
		problems = append(problems, fmt.Sprintf("ENVIRONMENT must be one of development|production, got %q", cfg.Environment))
	}

	if cfg.Environment == "production" && cfg.DemoMode {
		problems = append(problems, "DEMO_MODE must not be enabled when ENVIRONMENT=production")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
