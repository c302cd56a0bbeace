// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file in the working directory is
// loaded into the process environment first when present.
//
// ROUTER_API_KEY and at least one vendor API key are required; everything
// else has a sensible default. Redis is optional — without REDIS_URL all
// shared state (breaker, rate limits, queue results) lives in process memory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ai-router/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the listen address. Default: 0.0.0.0.
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 3000.
	Port int

	// APIKey is the router's own API key; clients must present it on every
	// inference request. Required.
	APIKey string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Vendor credentials — at least one must be non-empty.
	OpenAI    VendorConfig
	Anthropic VendorConfig
	Google    VendorConfig

	// Priority is the vendor failover order. Vendors without a configured key
	// are skipped at runtime. Default: openai, anthropic, google.
	Priority []string

	// Redis holds the connection URL for shared state. Optional.
	Redis RedisConfig

	// Queue controls the deferred-retry queue.
	Queue QueueConfig

	// CircuitBreaker controls per-vendor circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls proactive rate-limit avoidance.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// VendorConfig holds the credentials for a single upstream vendor.
type VendorConfig struct {
	// APIKey is the vendor API key. Leave empty to disable the vendor.
	APIKey string

	// BaseURL overrides the vendor's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// Configured reports whether the vendor has credentials.
func (v VendorConfig) Configured() bool { return v.APIKey != "" }

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// QueueConfig controls the deferred-retry queue.
type QueueConfig struct {
	// MaxSize is the maximum number of parked requests. Default: 100.
	MaxSize int

	// Timeout is how long a queued request may wait before expiring.
	// Default: 30s.
	Timeout time.Duration

	// AsyncThreshold is the predicted-wait cutoff between holding the request
	// open (sync) and returning a 202 poll handle (async). Default: 5s.
	AsyncThreshold time.Duration
}

// CircuitBreakerConfig controls per-vendor circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 60s.
	Cooldown time.Duration
}

// RateLimitConfig controls proactive rate-limit avoidance.
type RateLimitConfig struct {
	// LowRequestsThreshold — vendors whose remaining-request counter drops
	// below this value are deprioritized until their window resets.
	// Default: 5.
	LowRequestsThreshold int
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 3000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDER_PRIORITY", strings.Join(providers.DefaultPriority, ","))
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Queue defaults.
	v.SetDefault("QUEUE_MAX_SIZE", 100)
	v.SetDefault("QUEUE_TIMEOUT_MS", 30_000)
	v.SetDefault("QUEUE_ASYNC_THRESHOLD_MS", 5_000)

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN_MS", 60_000)

	// Rate limit tracker defaults.
	v.SetDefault("RATE_LIMIT_LOW_REQUESTS_THRESHOLD", 5)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:     v.GetString("HOST"),
		Port:     v.GetInt("PORT"),
		APIKey:   v.GetString("ROUTER_API_KEY"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    VendorConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: VendorConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:    VendorConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},

		Priority: splitList(v.GetString("PROVIDER_PRIORITY")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Queue: QueueConfig{
			MaxSize:        v.GetInt("QUEUE_MAX_SIZE"),
			Timeout:        time.Duration(v.GetInt("QUEUE_TIMEOUT_MS")) * time.Millisecond,
			AsyncThreshold: time.Duration(v.GetInt("QUEUE_ASYNC_THRESHOLD_MS")) * time.Millisecond,
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:         time.Duration(v.GetInt("CB_COOLDOWN_MS")) * time.Millisecond,
		},

		RateLimit: RateLimitConfig{
			LowRequestsThreshold: v.GetInt("RATE_LIMIT_LOW_REQUESTS_THRESHOLD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("config: ROUTER_API_KEY is required")
	}

	if !c.OpenAI.Configured() && !c.Anthropic.Configured() && !c.Google.Configured() {
		return fmt.Errorf(
			"config: at least one vendor API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, or GOOGLE_API_KEY)",
		)
	}

	if len(c.Priority) == 0 {
		return fmt.Errorf("config: PROVIDER_PRIORITY must name at least one vendor")
	}
	seen := map[string]bool{}
	for _, vendor := range c.Priority {
		switch vendor {
		case providers.VendorOpenAI, providers.VendorAnthropic, providers.VendorGoogle:
		default:
			return fmt.Errorf(
				"config: unknown vendor %q in PROVIDER_PRIORITY; must be one of: %s",
				vendor, strings.Join(providers.DefaultPriority, ", "),
			)
		}
		if seen[vendor] {
			return fmt.Errorf("config: vendor %q listed twice in PROVIDER_PRIORITY", vendor)
		}
		seen[vendor] = true
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("config: QUEUE_MAX_SIZE must be ≥ 1, got %d", c.Queue.MaxSize)
	}
	if c.Queue.Timeout <= 0 {
		return fmt.Errorf("config: QUEUE_TIMEOUT_MS must be a positive duration")
	}
	if c.Queue.AsyncThreshold <= 0 {
		return fmt.Errorf("config: QUEUE_ASYNC_THRESHOLD_MS must be a positive duration")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN_MS must be a positive duration")
	}
	if c.RateLimit.LowRequestsThreshold < 0 {
		return fmt.Errorf("config: RATE_LIMIT_LOW_REQUESTS_THRESHOLD must be ≥ 0, got %d", c.RateLimit.LowRequestsThreshold)
	}

	return nil
}

// splitList splits a comma-separated value into trimmed non-empty elements.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
