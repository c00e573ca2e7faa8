package esi

import "time"

// TokenProvider supplies an OAuth access token for a character. Returning
// an empty token or an error aborts the request with a 401.
type TokenProvider func(characterID int64) (string, error)

// RequestOptions tunes a single facade call. The zero value is a public
// (unauthenticated) GET in English.
type RequestOptions struct {
	// Method defaults to GET. POST requests are never deduplicated.
	Method string
	// CharacterID selects the authenticated principal; 0 means public.
	CharacterID int64
	// Language sets Accept-Language and is part of the cache fingerprint.
	Language string
	// ETag is sent as If-None-Match; the caller opts into revalidation.
	ETag string
	// Body is JSON-encoded for POST requests.
	Body any
	// SkipAuth suppresses the Authorization header even when CharacterID
	// is set.
	SkipAuth bool
}

func (o RequestOptions) method() string {
	if o.Method == "" {
		return "GET"
	}
	return o.Method
}

// Result is a successful response with its caching metadata.
type Result struct {
	// Data is the raw JSON body; decoding is the caller's concern.
	Data []byte
	// ExpiresAt is the upstream Expires header as epoch ms, 0 if absent.
	ExpiresAt int64
	// ETag is the upstream entity tag, empty if absent.
	ETag string
	// NotModified reports whether Data came from cache (fast path or 304).
	NotModified bool
	// Pages is the X-Pages header value, 0 if absent.
	Pages int
}

// Progress reports pagination completion to the caller's callback.
type Progress struct {
	Current int
	Total   int
}

// ProgressFunc receives pagination progress. It may be invoked from
// multiple page-fetching goroutines; calls are serialized by the driver.
type ProgressFunc func(Progress)

// PaginatedResult is the combined outcome of a multi-page fetch. Records
// holds the concatenated array elements of all pages in page order.
type PaginatedResult struct {
	Records     [][]byte
	ExpiresAt   int64
	ETag        string
	NotModified bool
}

// RateLimitInfo is a point-in-time view of client load for diagnostics.
type RateLimitInfo struct {
	// GlobalRetryAfter is the remaining global 429/420 cooldown, 0 if none.
	GlobalRetryAfter time.Duration
	// ActiveRequests counts transport attempts currently in flight.
	ActiveRequests int64
}
