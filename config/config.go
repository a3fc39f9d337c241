package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	LogLevel string

	// Root directory for per-session credential directories.
	CredsRoot string

	// Socket timeouts.
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	QRTimeout      time.Duration

	// Protocol version metadata lookup.
	VersionURL     string
	VersionTimeout time.Duration

	// Reconnect policy.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	LogoutRemoveDelay    time.Duration
	CleanupGraceDelay    time.Duration

	// Dispatch policy.
	SendPacing     time.Duration
	SendRetryDelay time.Duration
	MaxSendRetries int

	// Connection health policy.
	FailureWindow    time.Duration
	FailureThreshold int
}

func Load() *Config {
	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		CredsRoot: getEnv("WASEL_CREDS_DIR", "./sessions"),

		ConnectTimeout: getEnvDuration("WASEL_CONNECT_TIMEOUT", 60*time.Second),
		QueryTimeout:   getEnvDuration("WASEL_QUERY_TIMEOUT", 60*time.Second),
		QRTimeout:      getEnvDuration("WASEL_QR_TIMEOUT", 3*time.Minute),

		VersionURL:     getEnv("WASEL_VERSION_URL", ""),
		VersionTimeout: getEnvDuration("WASEL_VERSION_TIMEOUT", 10*time.Second),

		ReconnectBaseDelay:   getEnvDuration("WASEL_RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectMaxDelay:    getEnvDuration("WASEL_RECONNECT_MAX_DELAY", 60*time.Second),
		MaxReconnectAttempts: getEnvInt("WASEL_MAX_RECONNECT_ATTEMPTS", 2),
		LogoutRemoveDelay:    getEnvDuration("WASEL_LOGOUT_REMOVE_DELAY", 2*time.Second),
		CleanupGraceDelay:    getEnvDuration("WASEL_CLEANUP_GRACE_DELAY", 500*time.Millisecond),

		SendPacing:     getEnvDuration("WASEL_SEND_PACING", 3*time.Second),
		SendRetryDelay: getEnvDuration("WASEL_SEND_RETRY_DELAY", 2*time.Second),
		MaxSendRetries: getEnvInt("WASEL_MAX_SEND_RETRIES", 2),

		FailureWindow:    getEnvDuration("WASEL_FAILURE_WINDOW", 5*time.Minute),
		FailureThreshold: getEnvInt("WASEL_FAILURE_THRESHOLD", 5),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
