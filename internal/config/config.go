// Package config aggregates the tunables for every component of the
// crawler into a single immutable struct, built once at startup from
// environment variables (prefix SCRAPER_) and threaded by the caller into
// each component's constructor.
package config

import (
	"time"

	"github.com/arkcrawl/webcrawler/env"
)

// RateLimitConfig holds the token bucket and jitter settings for the
// per-domain rate limiter.
type RateLimitConfig struct {
	MaxTokens      int
	RefillRate     float64
	MinDelay       time.Duration
	MaxDelay       time.Duration
	StrictMinDelay time.Duration
	StrictMaxDelay time.Duration
}

// ProxyConfig holds the proxy pool settings.
type ProxyConfig struct {
	Enabled              bool
	RotationStrategy     string
	HealthCheckInterval  time.Duration
	MaxFailures          int
}

// BrowserConfig holds the headless-browser (dynamic fetch) settings.
type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	BlockImages    bool
	BlockFonts     bool
	BlockMedia     bool
	BlockAnalytics bool
	BlockedDomains []string
}

// StorageConfig holds the raw-content store layout settings.
type StorageConfig struct {
	BasePath     string
	RawSubdir    string
	ExportSubdir string
}

// RawPath returns the directory used by RawStore.
func (s StorageConfig) RawPath() string {
	return s.BasePath + "/" + s.RawSubdir
}

// ExportPath returns the directory left for external exporters.
func (s StorageConfig) ExportPath() string {
	return s.BasePath + "/" + s.ExportSubdir
}

// Config is the aggregate, immutable configuration for a crawl run.
type Config struct {
	RateLimit RateLimitConfig
	Proxy     ProxyConfig
	Browser   BrowserConfig
	Storage   StorageConfig

	RespectRobotsTxt bool
	RobotsCacheTTL   time.Duration

	MaxRetries   int
	RetryBackoff float64

	HaltOn403     time.Duration
	HaltOn429     time.Duration
	HaltOnCaptcha time.Duration

	// MaxBytesPerSec caps the read rate of a single fetch response body.
	// Zero means unlimited.
	MaxBytesPerSec int64

	LogLevel string
}

var defaultBlockedDomains = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"facebook.com",
	"doubleclick.net",
	"analytics.",
	"tracker.",
	"ads.",
}

// FromEnv builds a Config from environment variables, falling back to the
// defaults from the original scraper's configuration surface wherever an
// override is absent.
func FromEnv() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			MaxTokens:      env.GetEnvAsInt("SCRAPER_RATE_MAX_TOKENS", 5),
			RefillRate:     env.GetEnvAsFloat64("SCRAPER_RATE_REFILL_RATE", 0.5),
			MinDelay:       env.GetEnvAsDuration("SCRAPER_RATE_MIN_DELAY", 2*time.Second),
			MaxDelay:       env.GetEnvAsDuration("SCRAPER_RATE_MAX_DELAY", 5*time.Second),
			StrictMinDelay: env.GetEnvAsDuration("SCRAPER_RATE_STRICT_MIN_DELAY", 10*time.Second),
			StrictMaxDelay: env.GetEnvAsDuration("SCRAPER_RATE_STRICT_MAX_DELAY", 30*time.Second),
		},
		Proxy: ProxyConfig{
			Enabled:             env.GetEnvAsBool("SCRAPER_PROXY_ENABLED", false),
			RotationStrategy:    env.GetEnv("SCRAPER_PROXY_ROTATION_STRATEGY", "random"),
			HealthCheckInterval: env.GetEnvAsDuration("SCRAPER_PROXY_HEALTH_CHECK_INTERVAL", 300*time.Second),
			MaxFailures:         env.GetEnvAsInt("SCRAPER_PROXY_MAX_FAILURES", 3),
		},
		Browser: BrowserConfig{
			Headless:       env.GetEnvAsBool("SCRAPER_BROWSER_HEADLESS", true),
			Timeout:        time.Duration(env.GetEnvAsInt("SCRAPER_BROWSER_TIMEOUT", 30000)) * time.Millisecond,
			BlockImages:    env.GetEnvAsBool("SCRAPER_BROWSER_BLOCK_IMAGES", true),
			BlockFonts:     env.GetEnvAsBool("SCRAPER_BROWSER_BLOCK_FONTS", true),
			BlockMedia:     env.GetEnvAsBool("SCRAPER_BROWSER_BLOCK_MEDIA", true),
			BlockAnalytics: env.GetEnvAsBool("SCRAPER_BROWSER_BLOCK_ANALYTICS", true),
			BlockedDomains: env.GetEnvAsStringSlice("SCRAPER_BROWSER_BLOCKED_DOMAINS", defaultBlockedDomains),
		},
		Storage: StorageConfig{
			BasePath:     env.GetEnv("SCRAPER_STORAGE_BASE_PATH", "storage"),
			RawSubdir:    env.GetEnv("SCRAPER_STORAGE_RAW_SUBDIR", "raw"),
			ExportSubdir: env.GetEnv("SCRAPER_STORAGE_EXPORT_SUBDIR", "exports"),
		},
		RespectRobotsTxt: env.GetEnvAsBool("SCRAPER_RESPECT_ROBOTS_TXT", true),
		RobotsCacheTTL:   env.GetEnvAsDuration("SCRAPER_ROBOTS_CACHE_TTL", 3600*time.Second),
		MaxRetries:       env.GetEnvAsInt("SCRAPER_MAX_RETRIES", 3),
		RetryBackoff:     env.GetEnvAsFloat64("SCRAPER_RETRY_BACKOFF", 2.0),
		HaltOn403:        env.GetEnvAsDuration("SCRAPER_HALT_ON_403", 60*time.Second),
		HaltOn429:        env.GetEnvAsDuration("SCRAPER_HALT_ON_429", 60*time.Second),
		HaltOnCaptcha:    env.GetEnvAsDuration("SCRAPER_HALT_ON_CAPTCHA", 120*time.Second),
		MaxBytesPerSec:   int64(env.GetEnvAsInt("SCRAPER_RATE_MAX_BYTES_PER_SEC", 0)),
		LogLevel:         env.GetEnv("SCRAPER_LOG_LEVEL", "INFO"),
	}
}

// Default returns a Config populated entirely with defaults, ignoring the
// environment. Useful for tests and for embedding as a library.
func Default() *Config {
	for k := range map[string]struct{}{} {
		_ = k
	}
	return &Config{
		RateLimit: RateLimitConfig{
			MaxTokens:      5,
			RefillRate:     0.5,
			MinDelay:       2 * time.Second,
			MaxDelay:       5 * time.Second,
			StrictMinDelay: 10 * time.Second,
			StrictMaxDelay: 30 * time.Second,
		},
		Proxy: ProxyConfig{
			RotationStrategy:    "random",
			HealthCheckInterval: 300 * time.Second,
			MaxFailures:         3,
		},
		Browser: BrowserConfig{
			Headless:       true,
			Timeout:        30 * time.Second,
			BlockImages:    true,
			BlockFonts:     true,
			BlockMedia:     true,
			BlockAnalytics: true,
			BlockedDomains: defaultBlockedDomains,
		},
		Storage: StorageConfig{
			BasePath:     "storage",
			RawSubdir:    "raw",
			ExportSubdir: "exports",
		},
		RespectRobotsTxt: true,
		RobotsCacheTTL:   3600 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     2.0,
		HaltOn403:        60 * time.Second,
		HaltOn429:        60 * time.Second,
		HaltOnCaptcha:    120 * time.Second,
		LogLevel:         "INFO",
	}
}
