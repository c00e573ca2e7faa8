// Package esicache implements the ETag-aware response cache: a bounded
// fingerprint -> entry map with expiry-ordered eviction and a versioned
// snapshot codec for persistence.
package esicache

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one cached response. Data is kept opaque; decoding is the
// caller's concern. ExpiresAt is an absolute epoch-millisecond timestamp.
type Entry struct {
	Data      []byte
	ETag      string
	ExpiresAt int64
}

// Cache is a bounded, mutex-guarded response cache. Expired entries are
// served as misses by Get but retained for GetStale (304 revalidation);
// they are only removed by eviction, pruning, or explicit deletes.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]Entry
	maxEntries int
	nowFn      func() time.Time

	// onMutate is called after every mutation, outside any I/O. The owner
	// wires it to the debounced persistence saver.
	onMutate func()
}

// New creates an empty cache bounded to maxEntries.
func New(maxEntries int, nowFn func() time.Time) *Cache {
	if maxEntries <= 0 {
		panic("esicache: New requires positive maxEntries")
	}
	if nowFn == nil {
		panic("esicache: New requires non-nil nowFn")
	}
	return &Cache{
		entries:    make(map[string]Entry),
		maxEntries: maxEntries,
		nowFn:      nowFn,
	}
}

// SetOnMutate registers the mutation callback. Must be called before the
// cache is shared across goroutines.
func (c *Cache) SetOnMutate(fn func()) {
	c.onMutate = fn
}

// MakeKey builds the cache fingerprint "<principal>:<lang>:<endpoint>".
// characterID 0 means an unauthenticated call ("public" principal);
// language defaults to "en".
func MakeKey(characterID int64, endpoint, language string) string {
	principal := "public"
	if characterID != 0 {
		principal = strconv.FormatInt(characterID, 10)
	}
	if language == "" {
		language = "en"
	}
	return principal + ":" + language + ":" + endpoint
}

// Get returns the entry for key if present and not yet expired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.nowFn().UnixMilli() >= e.ExpiresAt {
		return Entry{}, false
	}
	return e, true
}

// GetStale returns the entry for key regardless of expiry.
func (c *Cache) GetStale(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// GetETag returns the stored etag for key, if any entry exists.
func (c *Cache) GetETag(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	return e.ETag, true
}

// Set stores an entry, evicting first if inserting a new key would push the
// cache over its bound.
func (c *Cache) Set(key string, data []byte, etag string, expiresAt int64) {
	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries)+1 > c.maxEntries {
		c.evictLocked()
	}
	c.entries[key] = Entry{Data: data, ETag: etag, ExpiresAt: expiresAt}
	c.mu.Unlock()
	c.notifyMutate()
}

// UpdateExpires rewrites only the expiry of an existing entry. Used on 304
// responses to extend cache life without replacing data. No-op if absent.
func (c *Cache) UpdateExpires(key string, expiresAt int64) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.ExpiresAt = expiresAt
		c.entries[key] = e
	}
	c.mu.Unlock()
	if ok {
		c.notifyMutate()
	}
}

// Delete removes the entry for key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.notifyMutate()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
	c.notifyMutate()
}

// ClearByPattern removes every entry whose key contains pattern as a
// substring and returns the number removed.
func (c *Cache) ClearByPattern(pattern string) int {
	c.mu.Lock()
	removed := 0
	for k := range c.entries {
		if strings.Contains(k, pattern) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.notifyMutate()
	}
	return removed
}

// Len returns the current number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PruneExpired removes every entry whose expiry has passed and returns the
// number removed. Called by the maintenance janitor.
func (c *Cache) PruneExpired() int {
	now := c.nowFn().UnixMilli()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if e.ExpiresAt < now {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		c.notifyMutate()
	}
	return removed
}

// evictLocked shrinks the cache to 90% of its bound: expired entries go
// first, then entries by earliest expiry. Caller holds c.mu.
func (c *Cache) evictLocked() {
	now := c.nowFn().UnixMilli()
	target := c.maxEntries * 9 / 10

	for k, e := range c.entries {
		if e.ExpiresAt < now {
			delete(c.entries, k)
		}
	}
	if len(c.entries) <= target {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].ExpiresAt < c.entries[keys[j]].ExpiresAt
	})
	for _, k := range keys {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, k)
	}
}

func (c *Cache) notifyMutate() {
	if c.onMutate != nil {
		c.onMutate()
	}
}
