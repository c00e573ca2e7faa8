// Package health maintains a cached snapshot of ESI route health from the
// /meta/status probe and gates request dispatch on it.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/evehangar/hangar/internal/esiroute"
)

// RouteStatus is the per-route status reported by /meta/status.
type RouteStatus string

const (
	RouteOK         RouteStatus = "OK"
	RouteRecovering RouteStatus = "Recovering"
	RouteDegraded   RouteStatus = "Degraded"
	RouteUnknown    RouteStatus = "Unknown"
	RouteDown       RouteStatus = "Down"
)

// statusRank orders route statuses from best to worst for the per-base
// worst-status aggregation.
var statusRank = map[RouteStatus]int{
	RouteOK:         0,
	RouteRecovering: 1,
	RouteDegraded:   2,
	RouteUnknown:    3,
	RouteDown:       4,
}

// normalizeRouteStatus maps unrecognized upstream strings to Unknown.
func normalizeRouteStatus(s string) RouteStatus {
	rs := RouteStatus(s)
	if _, ok := statusRank[rs]; !ok {
		return RouteUnknown
	}
	return rs
}

// OverallStatus is the derived service-wide status.
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
	OverallDown     OverallStatus = "down"
	OverallUnknown  OverallStatus = "unknown"
)

// Route is one probed route.
type Route struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Status RouteStatus `json:"status"`
}

// Snapshot is one point-in-time probe result.
type Snapshot struct {
	FetchedAt  time.Time
	Overall    OverallStatus
	Routes     []Route
	BaseStatus map[string]RouteStatus
}

// Fetcher retrieves the raw /meta/status body. Injectable for testing.
type Fetcher func(ctx context.Context) ([]byte, error)

// Config configures a Checker.
type Config struct {
	// Fetch retrieves the status document; nil builds an HTTP fetcher from
	// BaseURL, Client, Timeout, and UserAgent.
	Fetch Fetcher

	BaseURL   string
	UserAgent string
	Client    *http.Client
	Timeout   func() time.Duration
	TTL       func() time.Duration
	NowFn     func() time.Time
}

// Checker probes /meta/status at most once per TTL and shares the result.
// At most one probe is ever in flight; concurrent callers join it.
type Checker struct {
	fetch Fetcher
	ttl   func() time.Duration
	nowFn func() time.Time

	mu      sync.Mutex
	snap    *Snapshot
	pending *probeCall
}

type probeCall struct {
	done chan struct{}
	snap *Snapshot
}

// New creates a Checker.
func New(cfg Config) *Checker {
	if cfg.TTL == nil {
		panic("health: New requires non-nil TTL")
	}
	if cfg.NowFn == nil {
		panic("health: New requires non-nil NowFn")
	}
	fetch := cfg.Fetch
	if fetch == nil {
		fetch = newHTTPFetcher(cfg)
	}
	return &Checker{
		fetch: fetch,
		ttl:   cfg.TTL,
		nowFn: cfg.NowFn,
	}
}

func newHTTPFetcher(cfg Config) Fetcher {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) ([]byte, error) {
		if cfg.Timeout != nil {
			if t := cfg.Timeout(); t > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, t)
				defer cancel()
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/meta/status", nil)
		if err != nil {
			return nil, err
		}
		if cfg.UserAgent != "" {
			req.Header.Set("User-Agent", cfg.UserAgent)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("health: status probe returned %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}

// Status returns the current snapshot, probing if the cached one is older
// than the TTL. Concurrent callers share a single probe.
func (c *Checker) Status(ctx context.Context) *Snapshot {
	c.mu.Lock()
	if c.snap != nil && c.nowFn().Sub(c.snap.FetchedAt) < c.ttl() {
		snap := c.snap
		c.mu.Unlock()
		return snap
	}
	if c.pending != nil {
		call := c.pending
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.snap
		case <-ctx.Done():
			return c.permissiveSnapshot()
		}
	}
	call := &probeCall{done: make(chan struct{})}
	c.pending = call
	c.mu.Unlock()

	call.snap = c.probe(ctx)

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	close(call.done)
	return call.snap
}

// CachedStatus returns the last snapshot without probing, or nil.
func (c *Checker) CachedStatus() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// probe fetches and derives a fresh snapshot. On failure it reuses the
// previous snapshot for up to 5x the TTL, then falls back to a permissive
// neutral value so a dead status endpoint cannot wedge all traffic.
func (c *Checker) probe(ctx context.Context) *Snapshot {
	body, err := c.fetch(ctx)
	if err != nil {
		log.Printf("[health] status probe failed: %v", err)
		c.mu.Lock()
		prev := c.snap
		c.mu.Unlock()
		if prev != nil && c.nowFn().Sub(prev.FetchedAt) < 5*c.ttl() {
			return prev
		}
		return c.permissiveSnapshot()
	}

	snap, err := c.parseSnapshot(body)
	if err != nil {
		log.Printf("[health] parse status body: %v", err)
		c.mu.Lock()
		prev := c.snap
		c.mu.Unlock()
		if prev != nil && c.nowFn().Sub(prev.FetchedAt) < 5*c.ttl() {
			return prev
		}
		return c.permissiveSnapshot()
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
	return snap
}

func (c *Checker) parseSnapshot(body []byte) (*Snapshot, error) {
	var doc struct {
		Routes []struct {
			Method string `json:"method"`
			Path   string `json:"path"`
			Status string `json:"status"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	routes := make([]Route, 0, len(doc.Routes))
	for _, r := range doc.Routes {
		routes = append(routes, Route{
			Method: r.Method,
			Path:   r.Path,
			Status: normalizeRouteStatus(r.Status),
		})
	}

	return &Snapshot{
		FetchedAt:  c.nowFn(),
		Overall:    deriveOverall(routes),
		Routes:     routes,
		BaseStatus: deriveBaseStatus(routes),
	}, nil
}

// permissiveSnapshot is the neutral "unknown but allow" value returned when
// no usable snapshot exists. It is deliberately not cached so the next call
// probes again.
func (c *Checker) permissiveSnapshot() *Snapshot {
	return &Snapshot{
		FetchedAt:  c.nowFn(),
		Overall:    OverallUnknown,
		Routes:     []Route{},
		BaseStatus: map[string]RouteStatus{},
	}
}

// deriveOverall aggregates per-route statuses into the service-wide status.
func deriveOverall(routes []Route) OverallStatus {
	if len(routes) == 0 {
		return OverallUnknown
	}
	var down, degraded, unknown int
	for _, r := range routes {
		switch r.Status {
		case RouteDown:
			down++
		case RouteDegraded:
			degraded++
		case RouteUnknown:
			unknown++
		}
	}
	total := len(routes)
	switch {
	case float64(down)/float64(total) > 0.5:
		return OverallDown
	case down > 0 || degraded > 0:
		return OverallDegraded
	case unknown > total/2:
		return OverallUnknown
	default:
		return OverallHealthy
	}
}

// deriveBaseStatus records the worst status per base path segment.
func deriveBaseStatus(routes []Route) map[string]RouteStatus {
	out := make(map[string]RouteStatus)
	for _, r := range routes {
		base := esiroute.ExtractBase(r.Path)
		if cur, ok := out[base]; !ok || statusRank[r.Status] > statusRank[cur] {
			out[base] = r.Status
		}
	}
	return out
}

// GateError is returned by EnsureHealthy when dispatch should be refused.
type GateError struct {
	Base    string
	Overall OverallStatus
	Status  RouteStatus
}

func (e *GateError) Error() string {
	if e.Overall == OverallDown {
		return "health: service is down"
	}
	return fmt.Sprintf("health: routes under %s are %s", e.Base, e.Status)
}

// EnsureHealthy reports whether requests to endpoint may be dispatched.
// It refuses when the service is down overall, or when the endpoint's base
// segment is Down or Unknown.
func (c *Checker) EnsureHealthy(ctx context.Context, endpoint string) error {
	snap := c.Status(ctx)
	if snap.Overall == OverallDown {
		return &GateError{Overall: OverallDown}
	}
	base := esiroute.ExtractBase(endpoint)
	if st, ok := snap.BaseStatus[base]; ok && (st == RouteDown || st == RouteUnknown) {
		return &GateError{Base: base, Overall: snap.Overall, Status: st}
	}
	return nil
}
