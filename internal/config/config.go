package config

import (
	"os"
	"strconv"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// AdminKey guards account provisioning endpoints. If empty,
	// provisioning over HTTP is disabled.
	AdminKey string

	// BootstrapAccountKey, if set, is ensured to exist as an active
	// account at startup. Useful for first-run setups and smoke tests.
	BootstrapAccountKey string

	// RateLimitPerMin is the default per-account request budget for a
	// single rate-limit window. Accounts may override it individually.
	RateLimitPerMin int

	// RateWindowSeconds is the length of the fixed rate-limit window.
	RateWindowSeconds int

	// HourlyScanMaxDays bounds the date range accepted for hourly
	// aggregate queries that have to fall back to raw event scans.
	HourlyScanMaxDays int

	// RequestLogVerbosity controls which completed requests get a raw
	// request-log row: "all", "errors" or "none". Rollup counters are
	// maintained regardless.
	RequestLogVerbosity string

	// RequestLogRetentionDays is how long raw request-log rows are kept
	// before the retention worker prunes them.
	RequestLogRetentionDays int
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	return &Config{
		DatabaseURL:             os.Getenv("APP_DATABASE_URL"),
		ListenAddr:              getenv("APP_LISTEN_ADDR", ":8080"),
		AdminKey:                getenv("APP_ADMIN_KEY", ""),
		BootstrapAccountKey:     getenv("APP_BOOTSTRAP_ACCOUNT_KEY", ""),
		RateLimitPerMin:         intenv("APP_RATE_LIMIT", 120),
		RateWindowSeconds:       intenv("APP_RATE_WINDOW_SECONDS", 60),
		HourlyScanMaxDays:       intenv("APP_HOURLY_SCAN_MAX_DAYS", 7),
		RequestLogVerbosity:     getenv("APP_REQUEST_LOG_VERBOSITY", "all"),
		RequestLogRetentionDays: intenv("APP_REQUEST_LOG_RETENTION_DAYS", 30),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
