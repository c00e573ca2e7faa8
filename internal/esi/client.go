// Package esi implements the shared ESI client core: one authenticated
// HTTP pipeline with adaptive rate limiting, request deduplication, an
// ETag response cache, health gating, and persisted state.
package esi

import (
	"context"
	"log"
	"math/rand"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/net/http2"

	"github.com/evehangar/hangar/internal/config"
	"github.com/evehangar/hangar/internal/esicache"
	"github.com/evehangar/hangar/internal/health"
	"github.com/evehangar/hangar/internal/ratelimit"
	"github.com/evehangar/hangar/internal/state"
)

// ClientConfig configures a Client. Only Config is commonly set; the rest
// are injection points for persistence and tests.
type ClientConfig struct {
	// Config holds the tunables; nil uses config.NewDefault().
	Config *config.Config
	// Store persists the cache and rate-limit blobs; nil disables
	// persistence entirely.
	Store state.BlobStore
	// TokenProvider supplies access tokens for authenticated requests.
	// May also be set later via SetTokenProvider.
	TokenProvider TokenProvider
	// NowFn supplies the clock; nil uses time.Now.
	NowFn func() time.Time
	// Rand supplies rate-limit jitter; nil uses a time-seeded source.
	Rand *rand.Rand
	// Transport overrides the HTTP transport; nil builds an HTTP/2-enabled
	// default.
	Transport http.RoundTripper
	// HealthFetch overrides the /meta/status fetcher; nil probes over HTTP.
	HealthFetch health.Fetcher
}

// Client is the shared ESI pipeline. All fetches from all call sites go
// through one Client so that rate-limit state, deduplication, and the
// response cache observe the full request stream.
type Client struct {
	cfg *config.Config

	http   *http.Client
	nowFn  func() time.Time
	health *health.Checker
	cache  *esicache.Cache
	limits *ratelimit.Tracker

	store      state.BlobStore
	cacheSaver *state.Saver
	limitSaver *state.Saver

	inflight *xsync.Map[string, *inflightCall]

	tokenMu sync.RWMutex
	token   TokenProvider

	paused atomic.Bool
	active atomic.Int64

	cron *cron.Cron
}

type inflightCall struct {
	done chan struct{}
	res  *Result
	err  error
}

// New builds a Client, restoring persisted cache and rate-limit state from
// the store when present.
func New(cc ClientConfig) (*Client, error) {
	cfg := cc.Config
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nowFn := cc.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}

	transport := cc.Transport
	if transport == nil {
		tr := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		}
		if err := http2.ConfigureTransport(tr); err != nil {
			log.Printf("[esi] http2 transport setup: %v", err)
		}
		transport = tr
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport},
		nowFn:    nowFn,
		store:    cc.Store,
		inflight: xsync.NewMap[string, *inflightCall](),
		token:    cc.TokenProvider,
	}

	c.cache = esicache.New(cfg.CacheMaxEntries, nowFn)

	overrides := make(map[string]ratelimit.Thresholds, len(cfg.GroupOverrides))
	for group, o := range cfg.GroupOverrides {
		overrides[group] = ratelimit.Thresholds{WarnAt: o.WarnAt, SlowdownAt: o.SlowdownAt}
	}
	c.limits = ratelimit.New(ratelimit.Config{
		NowFn:                  nowFn,
		Rand:                   cc.Rand,
		ContractItemsPerWindow: cfg.ContractItemsPerWindow,
		Overrides:              overrides,
		OnUpdate:               func() { c.limitSaver.Schedule() },
	})

	c.health = health.New(health.Config{
		Fetch:     cc.HealthFetch,
		BaseURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Client:    c.http,
		Timeout:   func() time.Duration { return cfg.HealthRequestTimeout.Std() },
		TTL:       func() time.Duration { return cfg.HealthCacheTTL.Std() },
		NowFn:     nowFn,
	})

	c.cacheSaver = state.NewSaver(state.BlobCache, cc.Store,
		func() time.Duration { return cfg.CacheSaveDebounce.Std() },
		c.cache.Export)
	c.limitSaver = state.NewSaver(state.BlobRateLimits, cc.Store,
		func() time.Duration { return cfg.RateLimitSaveDebounce.Std() },
		c.limits.ExportJSON)

	c.restoreState()
	c.cache.SetOnMutate(func() { c.cacheSaver.Schedule() })

	c.startMaintenance()
	return c, nil
}

// restoreState loads the persisted blobs. A missing or corrupt blob only
// costs warm state, so failures are logged and ignored.
func (c *Client) restoreState() {
	if c.store == nil {
		return
	}
	if data, err := c.store.Load(state.BlobCache); err != nil {
		log.Printf("[esi] load cache blob: %v", err)
	} else if data != nil {
		if err := c.cache.Restore(data); err != nil {
			log.Printf("[esi] restore cache: %v", err)
		} else {
			log.Printf("[esi] restored %d cached responses", c.cache.Len())
		}
	}
	if data, err := c.store.Load(state.BlobRateLimits); err != nil {
		log.Printf("[esi] load rate-limit blob: %v", err)
	} else if data != nil {
		if err := c.limits.RestoreJSON(data); err != nil {
			log.Printf("[esi] restore rate limits: %v", err)
		}
	}
}

// startMaintenance schedules the periodic janitor that prunes expired cache
// entries and elapsed rate-limit windows.
func (c *Client) startMaintenance() {
	if c.cfg.MaintenanceSchedule == "" {
		return
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.cfg.MaintenanceSchedule, c.sweep); err != nil {
		log.Printf("[esi] maintenance schedule %q: %v", c.cfg.MaintenanceSchedule, err)
		c.cron = nil
		return
	}
	c.cron.Start()
}

func (c *Client) sweep() {
	entries := c.cache.PruneExpired()
	windows := c.limits.PruneElapsed()
	if entries > 0 || windows > 0 {
		log.Printf("[esi] maintenance sweep: pruned %d cache entries, %d rate-limit windows", entries, windows)
	}
}

// SetTokenProvider installs or replaces the token provider.
func (c *Client) SetTokenProvider(tp TokenProvider) {
	c.tokenMu.Lock()
	c.token = tp
	c.tokenMu.Unlock()
}

func (c *Client) tokenProvider() TokenProvider {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// Pause stops new requests from dispatching until Resume. Requests already
// past the gate are unaffected.
func (c *Client) Pause() { c.paused.Store(true) }

// Resume lifts a Pause.
func (c *Client) Resume() { c.paused.Store(false) }

// SaveImmediately flushes both persistence savers synchronously, bypassing
// the debounce.
func (c *Client) SaveImmediately() {
	c.cacheSaver.Flush()
	c.limitSaver.Flush()
}

// Close stops maintenance, flushes state, and releases the store if it is
// closeable.
func (c *Client) Close() error {
	if c.cron != nil {
		c.cron.Stop()
	}
	c.SaveImmediately()
	if closer, ok := c.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// RateLimitInfo reports the current global cooldown and in-flight count.
func (c *Client) RateLimitInfo() RateLimitInfo {
	info := RateLimitInfo{ActiveRequests: c.active.Load()}
	if wait, ok := c.limits.GlobalRetryAfter(); ok {
		info.GlobalRetryAfter = wait
	}
	return info
}

// HealthStatus returns the current health snapshot, probing if stale.
func (c *Client) HealthStatus(ctx context.Context) *health.Snapshot {
	return c.health.Status(ctx)
}

// CachedHealthStatus returns the last health snapshot without probing.
func (c *Client) CachedHealthStatus() *health.Snapshot {
	return c.health.CachedStatus()
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// ClearCacheByPattern drops cached responses whose fingerprint contains
// pattern and returns the number removed.
func (c *Client) ClearCacheByPattern(pattern string) int {
	return c.cache.ClearByPattern(pattern)
}

// CacheLen returns the number of cached responses, expired included.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

// OpenStore builds the BlobStore named by cfg.PersistBackend.
func OpenStore(cfg *config.Config) (state.BlobStore, error) {
	switch cfg.PersistBackend {
	case "sqlite":
		return state.OpenSQLiteStore(filepath.Join(cfg.DataDir, "esi-state.db"))
	default:
		return state.NewFileStore(cfg.DataDir)
	}
}
