// Package config defines ksid's configuration surface: defaults, environment
// variables (KSI_ prefix), and functional options, applied in that priority
// order — the same three-layer model the completion broker's teacher uses,
// with GOMIND_ swapped for KSI_.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ksi-daemon/ksid/internal/logger"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the completion broker reads at startup.
type Config struct {
	// Completion timeouts (spec.md §6).
	CompletionTimeoutDefault time.Duration `yaml:"completion_timeout_default"`
	CompletionTimeoutMin     time.Duration `yaml:"completion_timeout_min"`
	CompletionTimeoutMax     time.Duration `yaml:"completion_timeout_max"`

	// Retry policy (spec.md §4.5.3).
	RetryMaxAttempts      int           `yaml:"retry_max_attempts"`
	RetryInitialDelay     time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay         time.Duration `yaml:"retry_max_delay"`
	RetryBackoffMultiplier float64      `yaml:"retry_backoff_multiplier"`

	// Circuit breaker (spec.md §4.2).
	CircuitBreakerFailureThreshold int           `yaml:"circuit_breaker_failure_threshold"`
	CircuitBreakerTimeoutWindow    time.Duration `yaml:"circuit_breaker_timeout_window"`

	// Session cleanup (spec.md §4.3).
	SessionInactiveMinutes int           `yaml:"session_inactive_minutes"`
	SessionCleanupInterval time.Duration `yaml:"session_cleanup_interval"`

	// Response store (spec.md §4.1).
	ResponsesDir     string `yaml:"responses_dir"`
	RecoveryCapacity int    `yaml:"recovery_capacity"`

	// Ambient.
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	RedisURL    string `yaml:"redis_url"`
	OTELEndpoint string `yaml:"otel_endpoint"`

	log logger.Logger
}

// Option mutates a Config during New. Options are applied after
// environment variables and therefore win.
type Option func(*Config) error

// Default returns the spec-prescribed defaults (spec.md §4.2, §4.3, §4.5.3, §6).
func Default() *Config {
	return &Config{
		CompletionTimeoutDefault: 300 * time.Second,
		CompletionTimeoutMin:     60 * time.Second,
		CompletionTimeoutMax:     1800 * time.Second,

		RetryMaxAttempts:       3,
		RetryInitialDelay:      2 * time.Second,
		RetryMaxDelay:          60 * time.Second,
		RetryBackoffMultiplier: 2.0,

		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerTimeoutWindow:    5 * time.Minute,

		SessionInactiveMinutes: 60,
		SessionCleanupInterval: 5 * time.Minute,

		ResponsesDir:     "responses",
		RecoveryCapacity: 1000,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadFromEnv overlays KSI_-prefixed environment variables onto cfg.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("KSI_COMPLETION_TIMEOUT_DEFAULT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_COMPLETION_TIMEOUT_DEFAULT: %w", err)
		}
		c.CompletionTimeoutDefault = d
	}
	if v := os.Getenv("KSI_COMPLETION_TIMEOUT_MIN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_COMPLETION_TIMEOUT_MIN: %w", err)
		}
		c.CompletionTimeoutMin = d
	}
	if v := os.Getenv("KSI_COMPLETION_TIMEOUT_MAX"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_COMPLETION_TIMEOUT_MAX: %w", err)
		}
		c.CompletionTimeoutMax = d
	}
	if v := os.Getenv("KSI_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KSI_RETRY_MAX_ATTEMPTS: %w", err)
		}
		c.RetryMaxAttempts = n
	}
	if v := os.Getenv("KSI_RETRY_INITIAL_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_RETRY_INITIAL_DELAY: %w", err)
		}
		c.RetryInitialDelay = d
	}
	if v := os.Getenv("KSI_RETRY_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_RETRY_MAX_DELAY: %w", err)
		}
		c.RetryMaxDelay = d
	}
	if v := os.Getenv("KSI_RETRY_BACKOFF_MULTIPLIER"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("KSI_RETRY_BACKOFF_MULTIPLIER: %w", err)
		}
		c.RetryBackoffMultiplier = f
	}
	if v := os.Getenv("KSI_CIRCUIT_BREAKER_FAILURE_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KSI_CIRCUIT_BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		c.CircuitBreakerFailureThreshold = n
	}
	if v := os.Getenv("KSI_CIRCUIT_BREAKER_TIMEOUT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_CIRCUIT_BREAKER_TIMEOUT_WINDOW: %w", err)
		}
		c.CircuitBreakerTimeoutWindow = d
	}
	if v := os.Getenv("KSI_SESSION_INACTIVE_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KSI_SESSION_INACTIVE_MINUTES: %w", err)
		}
		c.SessionInactiveMinutes = n
	}
	if v := os.Getenv("KSI_SESSION_CLEANUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KSI_SESSION_CLEANUP_INTERVAL: %w", err)
		}
		c.SessionCleanupInterval = d
	}
	if v := os.Getenv("KSI_RESPONSES_DIR"); v != "" {
		c.ResponsesDir = v
	}
	if v := os.Getenv("KSI_RECOVERY_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KSI_RECOVERY_CAPACITY: %w", err)
		}
		c.RecoveryCapacity = n
	}
	if v := os.Getenv("KSI_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KSI_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("KSI_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("KSI_OTEL_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
	if path := os.Getenv("KSI_CONFIG_FILE"); path != "" {
		if err := c.mergeYAMLFile(path); err != nil {
			return fmt.Errorf("KSI_CONFIG_FILE: %w", err)
		}
	}
	return nil
}

func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// New builds a Config from defaults, environment, then opts, matching the
// teacher's NewConfig layering.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if cfg.log == nil {
		cfg.log = logger.New(cfg.LogLevel, cfg.LogFormat, "completion/config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would violate spec.md's timeout
// ordering or non-positive capacities.
func (c *Config) Validate() error {
	if c.CompletionTimeoutMin > c.CompletionTimeoutMax {
		return fmt.Errorf("completion_timeout_min (%s) exceeds completion_timeout_max (%s)", c.CompletionTimeoutMin, c.CompletionTimeoutMax)
	}
	if c.CompletionTimeoutDefault < c.CompletionTimeoutMin || c.CompletionTimeoutDefault > c.CompletionTimeoutMax {
		return fmt.Errorf("completion_timeout_default (%s) outside [%s, %s]", c.CompletionTimeoutDefault, c.CompletionTimeoutMin, c.CompletionTimeoutMax)
	}
	if c.RecoveryCapacity <= 0 {
		return fmt.Errorf("recovery_capacity must be positive, got %d", c.RecoveryCapacity)
	}
	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts must be non-negative, got %d", c.RetryMaxAttempts)
	}
	return nil
}

// Logger returns the logger resolved during New (or a default if Config was
// constructed directly, e.g. in tests via Default()).
func (c *Config) Logger() logger.Logger {
	if c.log == nil {
		return logger.NoOp{}
	}
	return c.log
}

func WithResponsesDir(dir string) Option {
	return func(c *Config) error {
		c.ResponsesDir = dir
		return nil
	}
}

func WithRecoveryCapacity(n int) Option {
	return func(c *Config) error {
		c.RecoveryCapacity = n
		return nil
	}
}

func WithRetryPolicy(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64) Option {
	return func(c *Config) error {
		c.RetryMaxAttempts = maxAttempts
		c.RetryInitialDelay = initialDelay
		c.RetryMaxDelay = maxDelay
		c.RetryBackoffMultiplier = multiplier
		return nil
	}
}

func WithCircuitBreaker(failureThreshold int, timeoutWindow time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreakerFailureThreshold = failureThreshold
		c.CircuitBreakerTimeoutWindow = timeoutWindow
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) error {
		c.log = l
		return nil
	}
}
