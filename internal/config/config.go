// Package config loads the immutable per-process settings from the
// environment (with optional .env support) and validates them at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ibkr-flex-ledger/internal/flex"
)

// Defaults for tunable settings.
const (
	DefaultInitialWaitSeconds  = 5.0
	DefaultRetryAttempts       = 7
	DefaultBackoffBaseSeconds  = 10.0
	DefaultBackoffMaxSeconds   = 60.0
	DefaultJitterMinMultiplier = 0.5
	DefaultJitterMaxMultiplier = 1.5
	DefaultBaseCurrency        = "USD"
	DefaultLocalZone           = "Asia/Jerusalem"
	DefaultServerAddr          = ":8080"
)

// Config holds the resolved process configuration. It is built once at
// startup and never mutated.
type Config struct {
	AccountID   string
	FlexToken   string
	FlexQueryID string
	DatabaseURL string

	InitialWaitSeconds  float64
	RetryAttempts       int
	BackoffBaseSeconds  float64
	BackoffMaxSeconds   float64
	JitterMinMultiplier float64
	JitterMaxMultiplier float64

	BaseCurrency          string
	LocalZoneName         string
	ReconciliationEnabled bool
	ServerAddr            string
}

// Load reads .env when present, then the environment, validating required
// settings. Missing required settings abort startup with a clear message.
func Load() (*Config, error) {
	// .env is optional; OS environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		AccountID:             strings.TrimSpace(os.Getenv("ACCOUNT_ID")),
		FlexToken:             strings.TrimSpace(os.Getenv("IBKR_FLEX_TOKEN")),
		FlexQueryID:           strings.TrimSpace(os.Getenv("IBKR_FLEX_QUERY_ID")),
		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BaseCurrency:          envOr("BASE_CURRENCY", DefaultBaseCurrency),
		LocalZoneName:         envOr("LOCAL_ZONE", DefaultLocalZone),
		ServerAddr:            envOr("SERVER_ADDR", DefaultServerAddr),
		ReconciliationEnabled: envBool("RECONCILIATION_ENABLED", false),
	}

	var err error
	if cfg.InitialWaitSeconds, err = envFloat("IBKR_FLEX_INITIAL_WAIT_SECONDS", DefaultInitialWaitSeconds); err != nil {
		return nil, err
	}
	if cfg.RetryAttempts, err = envInt("IBKR_FLEX_RETRY_ATTEMPTS", DefaultRetryAttempts); err != nil {
		return nil, err
	}
	if cfg.BackoffBaseSeconds, err = envFloat("IBKR_FLEX_BACKOFF_BASE_SECONDS", DefaultBackoffBaseSeconds); err != nil {
		return nil, err
	}
	if cfg.BackoffMaxSeconds, err = envFloat("IBKR_FLEX_BACKOFF_MAX_SECONDS", DefaultBackoffMaxSeconds); err != nil {
		return nil, err
	}
	if cfg.JitterMinMultiplier, err = envFloat("IBKR_FLEX_JITTER_MIN_MULTIPLIER", DefaultJitterMinMultiplier); err != nil {
		return nil, err
	}
	if cfg.JitterMaxMultiplier, err = envFloat("IBKR_FLEX_JITTER_MAX_MULTIPLIER", DefaultJitterMaxMultiplier); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"ACCOUNT_ID", c.AccountID},
		{"IBKR_FLEX_TOKEN", c.FlexToken},
		{"IBKR_FLEX_QUERY_ID", c.FlexQueryID},
		{"DATABASE_URL", c.DatabaseURL},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("startup configuration validation failed: missing required settings %s", strings.Join(missing, ", "))
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("IBKR_FLEX_RETRY_ATTEMPTS must be >= 1")
	}
	if c.InitialWaitSeconds < 0 {
		return fmt.Errorf("IBKR_FLEX_INITIAL_WAIT_SECONDS must be >= 0")
	}
	if c.BackoffMaxSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("IBKR_FLEX_BACKOFF_MAX_SECONDS must be >= IBKR_FLEX_BACKOFF_BASE_SECONDS")
	}
	if c.JitterMinMultiplier <= 0 || c.JitterMaxMultiplier < c.JitterMinMultiplier {
		return fmt.Errorf("jitter multipliers must satisfy 0 < min <= max")
	}
	if _, err := time.LoadLocation(c.LocalZoneName); err != nil {
		return fmt.Errorf("LOCAL_ZONE %q is not a valid IANA zone: %w", c.LocalZoneName, err)
	}
	return nil
}

// RetryStrategy builds the Flex poll retry tuning from the configuration.
func (c *Config) RetryStrategy() flex.RetryStrategy {
	return flex.RetryStrategy{
		InitialWait: time.Duration(c.InitialWaitSeconds * float64(time.Second)),
		Attempts:    c.RetryAttempts,
		BackoffBase: time.Duration(c.BackoffBaseSeconds * float64(time.Second)),
		BackoffMax:  time.Duration(c.BackoffMaxSeconds * float64(time.Second)),
		JitterMin:   c.JitterMinMultiplier,
		JitterMax:   c.JitterMaxMultiplier,
	}
}

// LocalZone resolves the configured local business zone.
func (c *Config) LocalZone() *time.Location {
	zone, err := time.LoadLocation(c.LocalZoneName)
	if err != nil {
		// validate() already checked the zone at startup.
		return time.UTC
	}
	return zone
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envFloat(key string, fallback float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, value)
	}
	return parsed, nil
}

func envInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, value)
	}
	return parsed, nil
}

func envBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
