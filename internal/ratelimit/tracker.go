// Package ratelimit tracks per-(principal, group) ESI rate-limit windows
// from response-header feedback, the global 429/420 cooldown, and the
// contract-items sliding window, and turns them into pre-request delays.
package ratelimit

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// Defaults applied when the X-Ratelimit-Limit header is absent.
	defaultLimit    = 150
	defaultWindowMs = int64(15 * 60 * 1000)

	// Baseline pacing delay applied to every request with no window pressure.
	baselineDelay = 100 * time.Millisecond

	contractItemsWindowMs = int64(10_000)
)

// GroupState is the tracked window for one "<principal>:<group>" key.
// All timestamps are epoch milliseconds.
type GroupState struct {
	Remaining   int   `json:"remaining"`
	Limit       int   `json:"limit"`
	WindowMs    int64 `json:"windowMs"`
	WindowStart int64 `json:"windowStart"`
}

// Thresholds are the remaining/limit ratios below which delays ramp up.
type Thresholds struct {
	WarnAt     float64
	SlowdownAt float64
}

var defaultThresholds = Thresholds{WarnAt: 0.2, SlowdownAt: 0.15}

// Wallet endpoints burn through their buckets fastest in practice, so they
// start slowing down earlier than the generic thresholds.
var builtinOverrides = map[string]Thresholds{
	"char-wallet": {WarnAt: 0.3, SlowdownAt: 0.2},
	"corp-wallet": {WarnAt: 0.25, SlowdownAt: 0.15},
}

// Config configures a Tracker.
type Config struct {
	// NowFn supplies the clock; required.
	NowFn func() time.Time
	// Rand supplies jitter; nil falls back to a time-seeded source.
	// Tests inject a fixed-seed source for deterministic delays.
	Rand *rand.Rand
	// ContractItemsPerWindow caps contract-items requests per principal
	// per 10-second window.
	ContractItemsPerWindow int
	// Overrides are merged over the built-in wallet thresholds.
	Overrides map[string]Thresholds
	// OnUpdate is called after every header-driven state change; the owner
	// wires it to the debounced persistence saver.
	OnUpdate func()
}

// Tracker holds all rate-limit state. Group states live in an xsync.Map so
// header updates and delay reads from concurrent requests never serialize
// on a single lock; the contract-items windows are a small mutex-guarded
// map of per-principal deques.
type Tracker struct {
	states *xsync.Map[string, GroupState]

	// globalRetryAfter is the absolute epoch-ms deadline of the global
	// 429/420 cooldown; 0 means none.
	globalRetryAfter atomic.Int64

	cwMu            sync.Mutex
	contractWindows map[int64][]int64
	perWindow       int

	overrides map[string]Thresholds

	nowFn func() time.Time

	randMu sync.Mutex
	rng    *rand.Rand

	onUpdate func()
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.NowFn == nil {
		panic("ratelimit: New requires non-nil NowFn")
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	perWindow := cfg.ContractItemsPerWindow
	if perWindow <= 0 {
		perWindow = 20
	}

	overrides := make(map[string]Thresholds, len(builtinOverrides)+len(cfg.Overrides))
	for g, t := range builtinOverrides {
		overrides[g] = t
	}
	for g, t := range cfg.Overrides {
		overrides[g] = t
	}

	return &Tracker{
		states:          xsync.NewMap[string, GroupState](),
		contractWindows: make(map[int64][]int64),
		perWindow:       perWindow,
		overrides:       overrides,
		nowFn:           cfg.NowFn,
		rng:             rng,
		onUpdate:        cfg.OnUpdate,
	}
}

func stateKey(principal int64, group string) string {
	return strconv.FormatInt(principal, 10) + ":" + group
}

// UpdateFromHeaders ingests the X-Ratelimit-* headers of a response for the
// given principal (0 for unauthenticated calls). Responses without both a
// group and a remaining count are ignored.
func (t *Tracker) UpdateFromHeaders(principal int64, h http.Header) {
	group := h.Get("X-Ratelimit-Group")
	remainingStr := h.Get("X-Ratelimit-Remaining")
	if group == "" || remainingStr == "" {
		return
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(remainingStr))
	if err != nil || remaining < 0 {
		return
	}

	limit, windowMs, ok := ParseLimitHeader(h.Get("X-Ratelimit-Limit"))
	if !ok {
		limit, windowMs = defaultLimit, defaultWindowMs
	}

	now := t.nowFn().UnixMilli()
	t.states.Compute(stateKey(principal, group), func(old GroupState, loaded bool) (GroupState, xsync.ComputeOp) {
		windowStart := now
		// A remaining count that went UP means the upstream window rolled
		// over; anything else stays in the window we already track.
		if loaded && remaining <= old.Remaining {
			windowStart = old.WindowStart
		}
		return GroupState{
			Remaining:   remaining,
			Limit:       limit,
			WindowMs:    windowMs,
			WindowStart: windowStart,
		}, xsync.UpdateOp
	})

	if t.onUpdate != nil {
		t.onUpdate()
	}
}

// ParseLimitHeader parses the "N/Ku" limit header shape, e.g. "150/15m"
// into (150, 900000). Unit is one of s, m, h.
func ParseLimitHeader(s string) (limit int, windowMs int64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return 0, 0, false
	}
	limit, err := strconv.Atoi(s[:slash])
	if err != nil || limit <= 0 {
		return 0, 0, false
	}

	window := s[slash+1:]
	unit := window[len(window)-1]
	k, err := strconv.Atoi(window[:len(window)-1])
	if err != nil || k <= 0 {
		return 0, 0, false
	}
	switch unit {
	case 's':
		windowMs = int64(k) * 1000
	case 'm':
		windowMs = int64(k) * 60_000
	case 'h':
		windowMs = int64(k) * 3_600_000
	default:
		return 0, 0, false
	}
	return limit, windowMs, true
}

// SetGlobalRetryAfter records a global cooldown ending seconds from now.
func (t *Tracker) SetGlobalRetryAfter(seconds int) {
	t.globalRetryAfter.Store(t.nowFn().UnixMilli() + int64(seconds)*1000)
}

// GlobalRetryAfter returns the remaining global cooldown, if any. A
// cooldown already in the past is cleared lazily.
func (t *Tracker) GlobalRetryAfter() (time.Duration, bool) {
	deadline := t.globalRetryAfter.Load()
	if deadline == 0 {
		return 0, false
	}
	remaining := deadline - t.nowFn().UnixMilli()
	if remaining <= 0 {
		t.globalRetryAfter.CompareAndSwap(deadline, 0)
		return 0, false
	}
	return time.Duration(remaining) * time.Millisecond, true
}

// Delay returns how long a request for (principal, group) should wait
// before dispatch.
func (t *Tracker) Delay(principal int64, group string) time.Duration {
	if wait, ok := t.GlobalRetryAfter(); ok {
		return wait
	}

	key := stateKey(principal, group)
	st, ok := t.states.Load(key)
	if !ok {
		return baselineDelay
	}

	now := t.nowFn().UnixMilli()
	elapsed := now - st.WindowStart
	if elapsed >= st.WindowMs {
		t.states.Delete(key)
		return baselineDelay
	}

	th := defaultThresholds
	if o, found := t.overrides[group]; found {
		th = o
	}

	pct := float64(st.Remaining) / float64(st.Limit)
	switch {
	case st.Remaining == 0:
		return time.Duration(st.WindowMs-elapsed) * time.Millisecond
	case pct < 0.05:
		return t.jitter(2000, 5000)
	case pct < th.SlowdownAt:
		return t.jitter(500, 2000)
	case pct < th.WarnAt:
		return t.jitter(100, 500)
	default:
		return baselineDelay
	}
}

// jitter returns a uniform random duration in [minMs, maxMs] milliseconds.
func (t *Tracker) jitter(minMs, maxMs int) time.Duration {
	t.randMu.Lock()
	n := minMs + t.rng.Intn(maxMs-minMs+1)
	t.randMu.Unlock()
	return time.Duration(n) * time.Millisecond
}

// RecordContractItemsRequest appends a request timestamp to the principal's
// contract-items window, dropping entries older than 10 seconds.
func (t *Tracker) RecordContractItemsRequest(principal int64) {
	now := t.nowFn().UnixMilli()
	t.cwMu.Lock()
	t.contractWindows[principal] = appendTrimmed(t.contractWindows[principal], now)
	t.cwMu.Unlock()
}

// ContractItemsDelay returns how long a contract-items request must wait
// for the principal's 10-second window to free a slot, or 0.
func (t *Tracker) ContractItemsDelay(principal int64) time.Duration {
	now := t.nowFn().UnixMilli()

	t.cwMu.Lock()
	window := trimWindow(t.contractWindows[principal], now)
	t.contractWindows[principal] = window
	var delayMs int64
	if len(window) >= t.perWindow {
		delayMs = contractItemsWindowMs - (now - window[0])
	}
	t.cwMu.Unlock()

	if delayMs <= 0 {
		return 0
	}
	if delayMs > contractItemsWindowMs+100 {
		delayMs = contractItemsWindowMs + 100
	}
	return time.Duration(delayMs) * time.Millisecond
}

func appendTrimmed(window []int64, now int64) []int64 {
	return append(trimWindow(window, now), now)
}

func trimWindow(window []int64, now int64) []int64 {
	cutoff := now - contractItemsWindowMs
	i := 0
	for i < len(window) && window[i] <= cutoff {
		i++
	}
	return window[i:]
}

// PruneElapsed drops every group state whose window has fully elapsed and
// returns the number removed. Called by the maintenance janitor; Delay
// also drops elapsed states lazily.
func (t *Tracker) PruneElapsed() int {
	now := t.nowFn().UnixMilli()
	removed := 0
	t.states.Range(func(key string, st GroupState) bool {
		if now-st.WindowStart >= st.WindowMs {
			t.states.Delete(key)
			removed++
		}
		return true
	})
	return removed
}
