package esi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/evehangar/hangar/internal/esicache"
	"github.com/evehangar/hangar/internal/esiroute"
)

// pausePollInterval is how often a gated request re-checks the pause flag.
const pausePollInterval = 100 * time.Millisecond

// execute runs one logical request through the full pipeline: pause gate,
// health gate, deduplication, throttling, then the retrying transport loop.
func (c *Client) execute(ctx context.Context, endpoint string, opts RequestOptions) (*Result, error) {
	if err := c.waitUnpaused(ctx); err != nil {
		return nil, err
	}
	if err := c.health.EnsureHealthy(ctx, endpoint); err != nil {
		return nil, &Error{Message: err.Error(), Status: http.StatusServiceUnavailable, RetryAfter: 60}
	}

	key := esicache.MakeKey(opts.CharacterID, endpoint, opts.Language)

	// POSTs carry bodies and side effects; only safe methods coalesce.
	if opts.method() == http.MethodPost {
		return c.dispatch(ctx, endpoint, opts, key)
	}

	call := &inflightCall{done: make(chan struct{})}
	if existing, loaded := c.inflight.LoadOrStore(key, call); loaded {
		select {
		case <-existing.done:
			return existing.res, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call.res, call.err = c.dispatch(ctx, endpoint, opts, key)
	c.inflight.Delete(key)
	close(call.done)
	return call.res, call.err
}

// waitUnpaused blocks while the client is paused.
func (c *Client) waitUnpaused(ctx context.Context) error {
	for c.paused.Load() {
		if err := c.sleep(ctx, pausePollInterval); err != nil {
			return err
		}
	}
	return nil
}

// dispatch applies pre-request throttling and runs the transport loop.
func (c *Client) dispatch(ctx context.Context, endpoint string, opts RequestOptions, key string) (*Result, error) {
	principal := opts.CharacterID

	if esiroute.IsContractItems(endpoint) {
		if wait := c.limits.ContractItemsDelay(principal); wait > 0 {
			log.Printf("[esi] contract-items window full for %d, waiting %s", principal, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		c.limits.RecordContractItemsRequest(principal)
	}

	group := esiroute.Classify(endpoint)
	if wait := c.limits.Delay(principal, string(group)); wait > 0 {
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return c.executeRequest(ctx, endpoint, opts, key, 0, false)
}

// executeRequest performs one transport attempt and recurses for retries.
// etagStripped marks the single conditional-request fallback after a 304
// with no stale cache entry; the attempt counter is not consumed by it.
func (c *Client) executeRequest(ctx context.Context, endpoint string, opts RequestOptions, key string, attempt int, etagStripped bool) (*Result, error) {
	c.active.Add(1)
	defer c.active.Add(-1)

	reqID := uuid.NewString()[:8]

	var body io.Reader
	if opts.Body != nil {
		encoded, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, &Error{Message: "encode request body: " + err.Error()}
		}
		body = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, opts.method(), c.cfg.BaseURL+endpoint, body)
	if err != nil {
		return nil, &Error{Message: "build request: " + err.Error()}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Compatibility-Date", c.cfg.CompatibilityDate)
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	req.Header.Set("Accept-Language", lang)

	if opts.CharacterID != 0 && !opts.SkipAuth {
		tp := c.tokenProvider()
		if tp == nil {
			return nil, &Error{Message: "Failed to get access token", Status: http.StatusUnauthorized}
		}
		token, err := tp(opts.CharacterID)
		if err != nil {
			return nil, &Error{Message: "Token provider error: " + err.Error(), Status: http.StatusUnauthorized}
		}
		if token == "" {
			return nil, &Error{Message: "Failed to get access token", Status: http.StatusUnauthorized}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// Caller etags win; otherwise a GET revalidates with the stored etag so
	// an expired cache entry costs a 304 instead of a full body.
	sentETag := ""
	if !etagStripped {
		sentETag = opts.ETag
		if sentETag == "" && opts.method() == http.MethodGet {
			if etag, ok := c.cache.GetETag(key); ok {
				sentETag = etag
			}
		}
		if sentETag != "" {
			req.Header.Set("If-None-Match", sentETag)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.retryTransportError(ctx, endpoint, opts, key, attempt, etagStripped, reqID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.retryTransportError(ctx, endpoint, opts, key, attempt, etagStripped, reqID, err)
	}

	// Every response updates window tracking, success or not.
	c.limits.UpdateFromHeaders(opts.CharacterID, resp.Header)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 420:
		return c.handleRateLimited(ctx, endpoint, opts, key, attempt, etagStripped, reqID, resp)

	case resp.StatusCode == http.StatusNotModified:
		return c.handleNotModified(ctx, endpoint, opts, key, attempt, etagStripped, sentETag, reqID, resp)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		etag := resp.Header.Get("Etag")
		expiresAt := parseExpires(resp.Header)
		if etag != "" && expiresAt != 0 {
			c.cache.Set(key, data, etag, expiresAt)
		}
		return &Result{
			Data:      data,
			ExpiresAt: expiresAt,
			ETag:      etag,
			Pages:     parsePages(resp.Header),
		}, nil

	default:
		msg := decodeErrorBody(data)
		if msg == "" {
			msg = fmt.Sprintf("ESI error: %d", resp.StatusCode)
		}
		log.Printf("[esi] %s %s %s -> %d: %s", reqID, opts.method(), endpoint, resp.StatusCode, msg)
		return nil, &Error{Message: msg, Status: resp.StatusCode}
	}
}

// retryTransportError retries network failures and timeouts with
// exponential backoff. Timeouts get their own, smaller budget.
func (c *Client) retryTransportError(ctx context.Context, endpoint string, opts RequestOptions, key string, attempt int, etagStripped bool, reqID string, cause error) (*Result, error) {
	timeout := isTimeout(cause)
	budget := c.cfg.MaxRetries
	if timeout {
		budget = c.cfg.MaxTimeoutRetries
	}

	if attempt >= budget {
		if timeout {
			return nil, &Error{Message: "Request timeout"}
		}
		return nil, &Error{Message: "Network error: " + cause.Error()}
	}

	wait := backoff(attempt)
	log.Printf("[esi] %s %s %s attempt %d failed (%v), retrying in %s", reqID, opts.method(), endpoint, attempt+1, cause, wait)
	if err := c.sleep(ctx, wait); err != nil {
		return nil, err
	}
	return c.executeRequest(ctx, endpoint, opts, key, attempt+1, etagStripped)
}

// handleRateLimited records the global cooldown from a 429/420, then either
// waits it out and retries or surfaces the rate-limit error.
func (c *Client) handleRateLimited(ctx context.Context, endpoint string, opts RequestOptions, key string, attempt int, etagStripped bool, reqID string, resp *http.Response) (*Result, error) {
	retryAfter := parseRetryAfter(resp.Header)
	c.limits.SetGlobalRetryAfter(retryAfter)
	log.Printf("[esi] %s %s %s rate limited (%d), retry after %ds", reqID, opts.method(), endpoint, resp.StatusCode, retryAfter)

	if attempt >= c.cfg.MaxRetries {
		return nil, &Error{Message: "Rate limited", Status: resp.StatusCode, RetryAfter: retryAfter}
	}
	if err := c.sleep(ctx, time.Duration(retryAfter)*time.Second); err != nil {
		return nil, err
	}
	return c.executeRequest(ctx, endpoint, opts, key, attempt+1, etagStripped)
}

// handleNotModified serves a 304 from the stale cache entry, refreshing its
// expiry. When the entry is gone (evicted since the caller read its etag),
// the request is replayed once without If-None-Match to force a full body.
func (c *Client) handleNotModified(ctx context.Context, endpoint string, opts RequestOptions, key string, attempt int, etagStripped bool, sentETag, reqID string, resp *http.Response) (*Result, error) {
	stale, ok := c.cache.GetStale(key)
	if !ok {
		if sentETag != "" && !etagStripped {
			log.Printf("[esi] %s 304 for %s with no cached body, refetching without etag", reqID, endpoint)
			return c.executeRequest(ctx, endpoint, opts, key, attempt, true)
		}
		return nil, &Error{Message: "Not modified but no cached data", Status: http.StatusNotModified}
	}

	expiresAt := parseExpires(resp.Header)
	if expiresAt != 0 {
		c.cache.UpdateExpires(key, expiresAt)
	} else {
		expiresAt = stale.ExpiresAt
	}

	etag := resp.Header.Get("Etag")
	if etag == "" {
		etag = stale.ETag
	}

	return &Result{
		Data:        stale.Data,
		ExpiresAt:   expiresAt,
		ETag:        etag,
		NotModified: true,
		Pages:       parsePages(resp.Header),
	}, nil
}

// sleep waits for d or until ctx is done.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff is the exponential retry delay: 1s, 2s, 4s, ... capped at 10s.
func backoff(attempt int) time.Duration {
	ms := int64(1000) << attempt
	if ms > 10_000 || ms <= 0 {
		ms = 10_000
	}
	return time.Duration(ms) * time.Millisecond
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseRetryAfter reads the Retry-After header in seconds, defaulting to 60.
func parseRetryAfter(h http.Header) int {
	if v := h.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 60
}

// parseExpires converts the Expires header to epoch milliseconds, 0 if
// absent or unparseable.
func parseExpires(h http.Header) int64 {
	v := h.Get("Expires")
	if v == "" {
		return 0
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// parsePages reads the X-Pages header, 0 if absent.
func parsePages(h http.Header) int {
	v := h.Get("X-Pages")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// decodeErrorBody extracts the "error" field from an ESI error payload.
func decodeErrorBody(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Error
}
