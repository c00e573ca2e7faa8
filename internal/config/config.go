// Package config handles environment- and file-based configuration loading
// for the ESI client core.
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
)

// GroupOverride adjusts the rate-limit slowdown thresholds for one group.
// WarnAt and SlowdownAt are fractions of the remaining/limit ratio.
type GroupOverride struct {
	WarnAt     float64 `json:"warn_at" yaml:"warn_at"`
	SlowdownAt float64 `json:"slowdown_at" yaml:"slowdown_at"`
}

// Config holds all tunables of the ESI client core. Values are static for
// the process lifetime; construct via NewDefault, FromEnv, or LoadFile.
type Config struct {
	// Upstream
	BaseURL           string `json:"base_url" yaml:"base_url"`
	CompatibilityDate string `json:"compatibility_date" yaml:"compatibility_date"`
	UserAgent         string `json:"user_agent" yaml:"user_agent"`

	// Cache
	CacheMaxEntries       int      `json:"cache_max_entries" yaml:"cache_max_entries"`
	CacheSaveDebounce     Duration `json:"cache_save_debounce" yaml:"cache_save_debounce"`
	RateLimitSaveDebounce Duration `json:"rate_limit_save_debounce" yaml:"rate_limit_save_debounce"`

	// Transport
	RequestTimeout       Duration `json:"request_timeout" yaml:"request_timeout"`
	HealthRequestTimeout Duration `json:"health_request_timeout" yaml:"health_request_timeout"`
	HealthCacheTTL       Duration `json:"health_cache_ttl" yaml:"health_cache_ttl"`

	// Retry
	MaxRetries        int `json:"max_retries" yaml:"max_retries"`
	MaxTimeoutRetries int `json:"max_timeout_retries" yaml:"max_timeout_retries"`

	// Pagination
	MaxConcurrentPages int `json:"max_concurrent_pages" yaml:"max_concurrent_pages"`

	// Contract-items sliding window (requests per 10s per principal).
	ContractItemsPerWindow int `json:"contract_items_per_window" yaml:"contract_items_per_window"`

	// Rate-limit threshold overrides, keyed by group name. Merged over the
	// built-in wallet overrides.
	GroupOverrides map[string]GroupOverride `json:"group_overrides" yaml:"group_overrides"`

	// Persistence
	DataDir             string `json:"data_dir" yaml:"data_dir"`
	PersistBackend      string `json:"persist_backend" yaml:"persist_backend"` // "file" or "sqlite"
	MaintenanceSchedule string `json:"maintenance_schedule" yaml:"maintenance_schedule"`
}

// NewDefault returns a Config populated with production defaults.
func NewDefault() *Config {
	return &Config{
		BaseURL:           "https://esi.evetech.net",
		CompatibilityDate: "2025-11-06",
		UserAgent:         "hangar/1.0 (+https://github.com/evehangar/hangar)",

		CacheMaxEntries:       1000,
		CacheSaveDebounce:     Duration(1 * time.Second),
		RateLimitSaveDebounce: Duration(5 * time.Second),

		RequestTimeout:       Duration(30 * time.Second),
		HealthRequestTimeout: Duration(5 * time.Second),
		HealthCacheTTL:       Duration(60 * time.Second),

		MaxRetries:        3,
		MaxTimeoutRetries: 2,

		MaxConcurrentPages:     5,
		ContractItemsPerWindow: 20,

		GroupOverrides: map[string]GroupOverride{},

		DataDir:             ".",
		PersistBackend:      "file",
		MaintenanceSchedule: "@every 10m",
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior. Returns the first violation found.
func (c *Config) Validate() error {
	if _, err := url.Parse(c.BaseURL); err != nil || c.BaseURL == "" {
		return fmt.Errorf("config: invalid base_url %q", c.BaseURL)
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("config: cache_max_entries must be positive, got %d", c.CacheMaxEntries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive")
	}
	if c.MaxConcurrentPages <= 0 {
		return fmt.Errorf("config: max_concurrent_pages must be positive, got %d", c.MaxConcurrentPages)
	}
	if c.ContractItemsPerWindow <= 0 {
		return fmt.Errorf("config: contract_items_per_window must be positive, got %d", c.ContractItemsPerWindow)
	}
	switch c.PersistBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config: unknown persist_backend %q", c.PersistBackend)
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			return fmt.Errorf("config: invalid maintenance_schedule %q: %w", c.MaintenanceSchedule, err)
		}
	}
	return nil
}
