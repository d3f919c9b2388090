package latency

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Level selects how aggressively envelope payloads are trimmed before
// delivery. Higher levels trade client-side reconstruction work for smaller
// frames on slow links.
type Level int

const (
	// LevelNone passes the payload through untouched.
	LevelNone Level = iota
	// LevelLow drops nil fields.
	LevelLow
	// LevelMedium also drops default-valued fields (zero, false, empty).
	LevelMedium
	// LevelHigh sends only the fields that changed since the last payload
	// delivered to that channel for that entity.
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	default:
		return "none"
	}
}

// MarshalJSON writes the level in its string form so tuning frames stay
// readable on the client side.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "none":
		*l = LevelNone
	case "low":
		*l = LevelLow
	case "medium":
		*l = LevelMedium
	case "high":
		*l = LevelHigh
	default:
		return fmt.Errorf("latency: unknown compression level %q", s)
	}
	return nil
}

// Compressor trims payloads per level. For LevelHigh it remembers the last
// payload delivered per (channel, entity key) so it can emit a genuine delta.
type Compressor struct {
	mu   sync.Mutex
	last map[string]map[string]any
}

// NewCompressor constructs an empty Compressor.
func NewCompressor() *Compressor {
	return &Compressor{last: make(map[string]map[string]any)}
}

// Encode returns the payload to deliver for the given channel, entity key and
// level. The input map is never mutated.
func (c *Compressor) Encode(channelID, entityKey string, level Level, data map[string]any) map[string]any {
	switch level {
	case LevelLow:
		return dropFields(data, func(v any) bool { return v == nil })
	case LevelMedium:
		return dropFields(data, isDefaultValue)
	case LevelHigh:
		return c.delta(channelID+"|"+entityKey, data)
	default:
		return data
	}
}

// Forget releases the delta baselines held for a disconnected channel.
func (c *Compressor) Forget(channelID string) {
	prefix := channelID + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.last {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.last, key)
		}
	}
}

// delta emits only changed or new fields relative to the last delivered
// snapshot. Removed fields are carried as explicit nils so receivers can drop
// them. The first payload on a baseline-less key goes out whole.
func (c *Compressor) delta(baselineKey string, data map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous, ok := c.last[baselineKey]
	snapshot := make(map[string]any, len(data))
	for k, v := range data {
		snapshot[k] = v
	}
	c.last[baselineKey] = snapshot

	if !ok {
		return data
	}

	diff := make(map[string]any)
	for k, v := range data {
		if prev, exists := previous[k]; !exists || !reflect.DeepEqual(prev, v) {
			diff[k] = v
		}
	}
	for k := range previous {
		if _, exists := data[k]; !exists {
			diff[k] = nil
		}
	}
	return diff
}

func dropFields(data map[string]any, drop func(any) bool) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if drop(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// isDefaultValue reports whether v is nil, zero, false, empty string, or an
// empty collection.
func isDefaultValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case bool:
		return !val
	case string:
		return val == ""
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	case float32:
		return val == 0
	case uint64:
		return val == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	default:
		return false
	}
}
