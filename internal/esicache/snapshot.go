package esicache

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion is the on-disk format version of the cache blob.
const snapshotVersion = 1

type snapshotEntry struct {
	Key   string        `json:"key"`
	Entry snapshotValue `json:"entry"`
}

type snapshotValue struct {
	Data    json.RawMessage `json:"data"`
	ETag    string          `json:"etag"`
	Expires int64           `json:"expires"`
}

type snapshot struct {
	Version int             `json:"version"`
	Entries []snapshotEntry `json:"entries"`
}

// Export serializes all live (unexpired) entries into the version-1 blob
// format. Expired entries are dropped at save time, as are entries whose
// body is not standalone JSON (an empty 2xx body, for example): the blob
// embeds bodies raw, and one unrepresentable entry must not poison the
// whole snapshot.
func (c *Cache) Export() ([]byte, error) {
	now := c.nowFn().UnixMilli()

	c.mu.Lock()
	snap := snapshot{Version: snapshotVersion, Entries: make([]snapshotEntry, 0, len(c.entries))}
	for k, e := range c.entries {
		if e.ExpiresAt <= now {
			continue
		}
		if !json.Valid(e.Data) {
			continue
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:   k,
			Entry: snapshotValue{Data: json.RawMessage(e.Data), ETag: e.ETag, Expires: e.ExpiresAt},
		})
	}
	c.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("esicache: export: %w", err)
	}
	return data, nil
}

// Restore loads a previously exported blob. Unknown versions are ignored
// silently; entries already expired at load time are skipped. The mutation
// callback is not invoked (restoring is not a mutation worth persisting).
func (c *Cache) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("esicache: restore: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil
	}

	now := c.nowFn().UnixMilli()
	c.mu.Lock()
	for _, se := range snap.Entries {
		if se.Entry.Expires <= now || se.Entry.ETag == "" {
			continue
		}
		if len(c.entries) >= c.maxEntries {
			break
		}
		c.entries[se.Key] = Entry{
			Data:      []byte(se.Entry.Data),
			ETag:      se.Entry.ETag,
			ExpiresAt: se.Entry.Expires,
		}
	}
	c.mu.Unlock()
	return nil
}
