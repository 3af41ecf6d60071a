// Package config holds the daemon's configuration surface: the engine
// options recognised under their bare spec names (MAX_CONCURRENT_TARGETS,
// CONNECTION_TIMEOUT, ...) and the DROVER_-prefixed infrastructure options.
// Values are resolved once at startup — environment first, then defaults —
// and validated before anything is wired.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/drover-io/drover/internal/retry"
)

// Config is the resolved configuration for one daemon process.
type Config struct {
	// Engine options. These bound the execution engine itself and are read
	// from unprefixed environment variables.
	MaxConcurrentTargets int           // MAX_CONCURRENT_TARGETS
	ConnectionTimeout    time.Duration // CONNECTION_TIMEOUT (seconds)
	CommandTimeout       time.Duration // COMMAND_TIMEOUT (seconds)
	EnableRetry          bool          // ENABLE_RETRY
	MaxRetries           int           // MAX_RETRIES
	RetryBackoffBase     float64       // RETRY_BACKOFF_BASE (seconds)

	// Infrastructure options, DROVER_-prefixed.
	DBDriver      string // DROVER_DB_DRIVER
	DBDSN         string // DROVER_DB_DSN
	SecretKey     string // DROVER_SECRET_KEY
	LogLevel      string // DROVER_LOG_LEVEL
	WebhookURL    string // DROVER_WEBHOOK_URL
	WebhookSecret string // DROVER_WEBHOOK_SECRET

	// PollInterval is the scheduler's cadence for picking up due scheduled
	// jobs. Flag-only; not part of the recognised environment surface.
	PollInterval time.Duration
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		MaxConcurrentTargets: 50,
		ConnectionTimeout:    30 * time.Second,
		CommandTimeout:       300 * time.Second,
		EnableRetry:          true,
		MaxRetries:           3,
		RetryBackoffBase:     2.0,

		DBDriver:     "sqlite",
		DBDSN:        "./drover.db",
		LogLevel:     "info",
		PollInterval: 15 * time.Second,
	}
}

// FromEnv resolves the configuration from the environment on top of the
// defaults. Unset variables keep their default; a set-but-unparsable value is
// an error rather than a silent fallback.
func FromEnv() (Config, error) {
	cfg := Default()

	var err error
	if cfg.MaxConcurrentTargets, err = envInt("MAX_CONCURRENT_TARGETS", cfg.MaxConcurrentTargets); err != nil {
		return cfg, err
	}
	if cfg.ConnectionTimeout, err = envSeconds("CONNECTION_TIMEOUT", cfg.ConnectionTimeout); err != nil {
		return cfg, err
	}
	if cfg.CommandTimeout, err = envSeconds("COMMAND_TIMEOUT", cfg.CommandTimeout); err != nil {
		return cfg, err
	}
	if cfg.EnableRetry, err = envBool("ENABLE_RETRY", cfg.EnableRetry); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoffBase, err = envFloat("RETRY_BACKOFF_BASE", cfg.RetryBackoffBase); err != nil {
		return cfg, err
	}

	cfg.DBDriver = envOrDefault("DROVER_DB_DRIVER", cfg.DBDriver)
	cfg.DBDSN = envOrDefault("DROVER_DB_DSN", cfg.DBDSN)
	cfg.SecretKey = envOrDefault("DROVER_SECRET_KEY", cfg.SecretKey)
	cfg.LogLevel = envOrDefault("DROVER_LOG_LEVEL", cfg.LogLevel)
	cfg.WebhookURL = envOrDefault("DROVER_WEBHOOK_URL", cfg.WebhookURL)
	cfg.WebhookSecret = envOrDefault("DROVER_WEBHOOK_SECRET", cfg.WebhookSecret)

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentTargets < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT_TARGETS must be at least 1, got %d", c.MaxConcurrentTargets)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("config: CONNECTION_TIMEOUT must be positive, got %s", c.ConnectionTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: COMMAND_TIMEOUT must be positive, got %s", c.CommandTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("config: RETRY_BACKOFF_BASE must be positive, got %g", c.RetryBackoffBase)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported DROVER_DB_DRIVER %q (sqlite or postgres)", c.DBDriver)
	}
	if len(c.SecretKey) != 32 {
		return fmt.Errorf("config: DROVER_SECRET_KEY must be exactly 32 bytes (AES-256), got %d", len(c.SecretKey))
	}
	return nil
}

// RetryPolicy derives the per-execution retry policy from the engine options.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Enabled:     c.EnableRetry,
		MaxRetries:  c.MaxRetries,
		BackoffBase: c.RetryBackoffBase,
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

// envSeconds reads an integer number of seconds, matching how the engine
// options express their timeouts.
func envSeconds(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s %q: %w", key, v, err)
	}
	return time.Duration(n) * time.Second, nil
}
