package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv reads HANGAR_ESI_* environment variables over the defaults and
// returns a validated Config. Unset variables keep their default values.
func FromEnv() (*Config, error) {
	cfg := NewDefault()
	var errs []string

	cfg.BaseURL = envStr("HANGAR_ESI_BASE_URL", cfg.BaseURL)
	cfg.CompatibilityDate = envStr("HANGAR_ESI_COMPATIBILITY_DATE", cfg.CompatibilityDate)
	cfg.UserAgent = envStr("HANGAR_ESI_USER_AGENT", cfg.UserAgent)

	cfg.CacheMaxEntries = envInt("HANGAR_ESI_CACHE_MAX_ENTRIES", cfg.CacheMaxEntries, &errs)
	cfg.CacheSaveDebounce = envDuration("HANGAR_ESI_CACHE_SAVE_DEBOUNCE", cfg.CacheSaveDebounce, &errs)
	cfg.RateLimitSaveDebounce = envDuration("HANGAR_ESI_RATE_LIMIT_SAVE_DEBOUNCE", cfg.RateLimitSaveDebounce, &errs)

	cfg.RequestTimeout = envDuration("HANGAR_ESI_REQUEST_TIMEOUT", cfg.RequestTimeout, &errs)
	cfg.HealthRequestTimeout = envDuration("HANGAR_ESI_HEALTH_REQUEST_TIMEOUT", cfg.HealthRequestTimeout, &errs)
	cfg.HealthCacheTTL = envDuration("HANGAR_ESI_HEALTH_CACHE_TTL", cfg.HealthCacheTTL, &errs)

	cfg.MaxRetries = envInt("HANGAR_ESI_MAX_RETRIES", cfg.MaxRetries, &errs)
	cfg.MaxTimeoutRetries = envInt("HANGAR_ESI_MAX_TIMEOUT_RETRIES", cfg.MaxTimeoutRetries, &errs)
	cfg.MaxConcurrentPages = envInt("HANGAR_ESI_MAX_CONCURRENT_PAGES", cfg.MaxConcurrentPages, &errs)
	cfg.ContractItemsPerWindow = envInt("HANGAR_ESI_CONTRACT_ITEMS_PER_WINDOW", cfg.ContractItemsPerWindow, &errs)

	cfg.DataDir = envStr("HANGAR_ESI_DATA_DIR", cfg.DataDir)
	cfg.PersistBackend = envStr("HANGAR_ESI_PERSIST_BACKEND", cfg.PersistBackend)
	cfg.MaintenanceSchedule = envStr("HANGAR_ESI_MAINTENANCE_SCHEDULE", cfg.MaintenanceSchedule)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal Duration, errs *[]string) Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return Duration(d)
}
