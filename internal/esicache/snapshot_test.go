package esicache

import (
	"encoding/json"
	"testing"
)

// TestExportRestoreRoundTrip verifies live entries survive a save/load
// cycle and expired entries are dropped at save time.
func TestExportRestoreRoundTrip(t *testing.T) {
	nowFn, now := testClock(1000)
	c := New(10, nowFn)
	c.Set("live", []byte(`{"a":1}`), `"e1"`, 9000)
	c.Set("dead", []byte(`{"b":2}`), `"e2"`, 2000)

	*now = 3000
	blob, err := c.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored := New(10, nowFn)
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Len() != 1 {
		t.Fatalf("restored len = %d, want 1", restored.Len())
	}
	e, ok := restored.Get("live")
	if !ok {
		t.Fatal("live entry missing after restore")
	}
	if string(e.Data) != `{"a":1}` || e.ETag != `"e1"` || e.ExpiresAt != 9000 {
		t.Fatalf("restored entry mismatch: %+v", e)
	}
}

// TestExportSkipsNonJSONBodies verifies one entry with a body that is not
// standalone JSON (an empty 2xx response cached for its etag) cannot break
// the whole snapshot: Export succeeds and carries the representable entries.
func TestExportSkipsNonJSONBodies(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)
	c.Set("public:en:/empty", []byte(""), `"b"`, 9000)
	c.Set("public:en:/truncated", []byte(`{"a":`), `"c"`, 9000)
	c.Set("public:en:/status", []byte(`{"players":30000}`), `"a"`, 9000)

	blob, err := c.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored := New(10, nowFn)
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Len() != 1 {
		t.Fatalf("restored len = %d, want 1", restored.Len())
	}
	if _, ok := restored.Get("public:en:/status"); !ok {
		t.Fatal("representable entry missing after round trip")
	}
}

// TestExportFormat pins the version-1 blob shape.
func TestExportFormat(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)
	c.Set("public:en:/status", []byte(`{"players":30000}`), `"abc"`, 9000)

	blob, err := c.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var doc struct {
		Version int `json:"version"`
		Entries []struct {
			Key   string `json:"key"`
			Entry struct {
				Data    json.RawMessage `json:"data"`
				ETag    string          `json:"etag"`
				Expires int64           `json:"expires"`
			} `json:"entry"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(blob, &doc); err != nil {
		t.Fatalf("unmarshal blob: %v", err)
	}
	if doc.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Version)
	}
	if len(doc.Entries) != 1 || doc.Entries[0].Key != "public:en:/status" {
		t.Fatalf("entries = %+v", doc.Entries)
	}
	if doc.Entries[0].Entry.ETag != `"abc"` || doc.Entries[0].Entry.Expires != 9000 {
		t.Fatalf("entry payload = %+v", doc.Entries[0].Entry)
	}
}

// TestRestoreUnknownVersion verifies future blob versions are ignored
// rather than half-loaded.
func TestRestoreUnknownVersion(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)

	blob := []byte(`{"version":2,"entries":[{"key":"k","entry":{"data":{},"etag":"\"e\"","expires":9000}}]}`)
	if err := c.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d, want 0 for unknown version", c.Len())
	}
}

func TestRestoreMalformed(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)
	if err := c.Restore([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed blob")
	}
}

// TestRestoreSkipsEmptyETag verifies entries without an etag are not
// loaded; they cannot serve conditional requests.
func TestRestoreSkipsEmptyETag(t *testing.T) {
	nowFn, _ := testClock(1000)
	c := New(10, nowFn)

	blob := []byte(`{"version":1,"entries":[{"key":"k","entry":{"data":{},"etag":"","expires":9000}}]}`)
	if err := c.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d, want 0", c.Len())
	}
}

// TestRestoreRespectsBound verifies a blob larger than maxEntries loads
// only up to the bound.
func TestRestoreRespectsBound(t *testing.T) {
	nowFn, _ := testClock(1000)
	big := New(100, nowFn)
	for i := 0; i < 20; i++ {
		big.Set(string(rune('a'+i)), []byte("{}"), `"e"`, 9000)
	}
	blob, err := big.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	small := New(5, nowFn)
	if err := small.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if small.Len() != 5 {
		t.Fatalf("len = %d, want 5", small.Len())
	}
}
