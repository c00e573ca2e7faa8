package esicache

import (
	"fmt"
	"testing"
	"time"
)

// testClock returns a nowFn backed by a mutable epoch-ms value.
func testClock(startMs int64) (func() time.Time, *int64) {
	now := startMs
	return func() time.Time { return time.UnixMilli(now) }, &now
}

func TestMakeKey(t *testing.T) {
	cases := []struct {
		characterID int64
		endpoint    string
		language    string
		want        string
	}{
		{0, "/markets/prices", "", "public:en:/markets/prices"},
		{90000001, "/characters/90000001/assets", "", "90000001:en:/characters/90000001/assets"},
		{90000001, "/universe/types/587", "de", "90000001:de:/universe/types/587"},
		{0, "/universe/types/587", "fr", "public:fr:/universe/types/587"},
	}
	for _, tc := range cases {
		if got := MakeKey(tc.characterID, tc.endpoint, tc.language); got != tc.want {
			t.Errorf("MakeKey(%d, %q, %q) = %q, want %q", tc.characterID, tc.endpoint, tc.language, got, tc.want)
		}
	}
}

// TestGetExpiry verifies that Get treats expired entries as misses while
// GetStale still returns them.
func TestGetExpiry(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)

	c.Set("k", []byte(`{"a":1}`), `"e1"`, 5000)

	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry should hit")
	}

	*now = 5000
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry at expiry boundary should miss")
	}
	stale, ok := c.GetStale("k")
	if !ok {
		t.Fatal("expired entry should still be available stale")
	}
	if string(stale.Data) != `{"a":1}` || stale.ETag != `"e1"` {
		t.Fatalf("stale entry mismatch: %+v", stale)
	}
}

// TestGetETag verifies the etag lookup works for expired entries too;
// revalidation is its whole point.
func TestGetETag(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)
	c.Set("k", []byte("data"), `"e1"`, 2000)

	*now = 5000
	etag, ok := c.GetETag("k")
	if !ok || etag != `"e1"` {
		t.Fatalf("GetETag = (%q, %v)", etag, ok)
	}
	if _, ok := c.GetETag("missing"); ok {
		t.Fatal("GetETag on missing key should report absence")
	}
}

func TestUpdateExpires(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)

	c.Set("k", []byte("data"), `"e1"`, 2000)
	*now = 3000
	c.UpdateExpires("k", 9000)

	e, ok := c.Get("k")
	if !ok {
		t.Fatal("entry should be fresh again after expiry update")
	}
	if e.ExpiresAt != 9000 || string(e.Data) != "data" {
		t.Fatalf("entry after update: %+v", e)
	}

	// Absent keys are a no-op, not an insert.
	c.UpdateExpires("missing", 9000)
	if _, ok := c.GetStale("missing"); ok {
		t.Fatal("UpdateExpires must not create entries")
	}
}

// TestEvictionOrder verifies the bound: inserting past maxEntries shrinks
// the cache to 90%, removing expired entries first, then earliest expiry.
func TestEvictionOrder(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)

	// Two already-expired entries plus eight live ones fill the cache.
	c.Set("expired-a", []byte("x"), `"e"`, 500)
	c.Set("expired-b", []byte("x"), `"e"`, 600)
	for i := 0; i < 8; i++ {
		c.Set(fmt.Sprintf("live-%d", i), []byte("x"), `"e"`, int64(10000+i*1000))
	}
	*now = 900

	c.Set("new", []byte("x"), `"e"`, 99000)

	// Expired entries go first; 8 live + 1 new = 9 == floor(0.9*10), so no
	// live entry is touched.
	if _, ok := c.GetStale("expired-a"); ok {
		t.Fatal("expired entry should be evicted first")
	}
	if _, ok := c.GetStale("expired-b"); ok {
		t.Fatal("expired entry should be evicted first")
	}
	for i := 0; i < 8; i++ {
		if _, ok := c.GetStale(fmt.Sprintf("live-%d", i)); !ok {
			t.Fatalf("live-%d should have survived eviction", i)
		}
	}
	if c.Len() != 9 {
		t.Fatalf("len after eviction = %d, want 9", c.Len())
	}
}

// TestEvictionEarliestExpiry verifies live entries are evicted in expiry
// order when removing expired ones is not enough.
func TestEvictionEarliestExpiry(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("live-%d", i), []byte("x"), `"e"`, int64(10000+i*1000))
	}

	c.Set("new", []byte("x"), `"e"`, 99000)

	// Evicted down to 9 before inserting, so the earliest-expiring entry is
	// gone and the cache sits back at its bound.
	if c.Len() != 10 {
		t.Fatalf("len after eviction = %d, want 10", c.Len())
	}
	if _, ok := c.GetStale("live-0"); ok {
		t.Fatal("earliest-expiring entry should be evicted")
	}
	if _, ok := c.GetStale("live-1"); !ok {
		t.Fatal("second-earliest entry should survive")
	}
	if _, ok := c.GetStale("new"); !ok {
		t.Fatal("newly inserted entry must survive")
	}
}

// TestSetExistingKeyNoEviction verifies overwriting a present key never
// triggers eviction even at the bound.
func TestSetExistingKeyNoEviction(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(5, nowFn)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k-%d", i), []byte("x"), `"e"`, int64(10000+i))
	}
	c.Set("k-0", []byte("y"), `"e2"`, 50000)

	if c.Len() != 5 {
		t.Fatalf("len = %d, want 5", c.Len())
	}
	e, _ := c.GetStale("k-0")
	if string(e.Data) != "y" {
		t.Fatalf("overwrite lost: %q", e.Data)
	}
}

func TestClearByPattern(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)

	c.Set("public:en:/markets/prices", []byte("x"), `"e"`, 9000)
	c.Set("90000001:en:/characters/90000001/assets", []byte("x"), `"e"`, 9000)
	c.Set("90000001:en:/characters/90000001/wallet", []byte("x"), `"e"`, 9000)

	if n := c.ClearByPattern("/characters/"); n != 2 {
		t.Fatalf("ClearByPattern removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if n := c.ClearByPattern("nothing"); n != 0 {
		t.Fatalf("ClearByPattern removed %d, want 0", n)
	}
}

func TestPruneExpired(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)

	c.Set("old", []byte("x"), `"e"`, 2000)
	c.Set("fresh", []byte("x"), `"e"`, 9000)

	*now = 5000
	if n := c.PruneExpired(); n != 1 {
		t.Fatalf("PruneExpired = %d, want 1", n)
	}
	if _, ok := c.GetStale("old"); ok {
		t.Fatal("pruned entry still present")
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("fresh entry lost")
	}
}

// TestOnMutate verifies the mutation callback fires for every mutating
// operation and not for reads.
func TestOnMutate(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)
	calls := 0
	c.SetOnMutate(func() { calls++ })

	c.Set("k", []byte("x"), `"e"`, 9000)
	c.Get("k")
	c.GetStale("k")
	c.UpdateExpires("k", 9500)
	c.Delete("k")

	if calls != 3 {
		t.Fatalf("onMutate calls = %d, want 3", calls)
	}
}
