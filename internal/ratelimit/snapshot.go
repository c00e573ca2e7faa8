package ratelimit

import (
	"encoding/json"
	"fmt"
)

// Export returns a copy of all tracked group states keyed by
// "<principal>:<group>", for persistence.
func (t *Tracker) Export() map[string]GroupState {
	out := make(map[string]GroupState)
	t.states.Range(func(key string, st GroupState) bool {
		out[key] = st
		return true
	})
	return out
}

// ExportJSON serializes the tracked states as the rate-limits blob.
func (t *Tracker) ExportJSON() ([]byte, error) {
	data, err := json.Marshal(t.Export())
	if err != nil {
		return nil, fmt.Errorf("ratelimit: export: %w", err)
	}
	return data, nil
}

// RestoreJSON loads a previously exported blob. States whose window has
// already elapsed are skipped; tracking them would only delay the first
// request of a fresh window.
func (t *Tracker) RestoreJSON(data []byte) error {
	var states map[string]GroupState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("ratelimit: restore: %w", err)
	}

	now := t.nowFn().UnixMilli()
	for key, st := range states {
		if st.WindowMs <= 0 || st.Limit <= 0 {
			continue
		}
		if now-st.WindowStart >= st.WindowMs {
			continue
		}
		t.states.Store(key, st)
	}
	return nil
}
