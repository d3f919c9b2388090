package push

import "sync"

// Registry is the bidirectional index between entity keys and subscriber
// channels. The reverse index exists so a channel disconnect cleans up all of
// its subscriptions without scanning the forward map.
type Registry struct {
	mu      sync.RWMutex
	forward map[Key]map[string]struct{}
	reverse map[string]map[Key]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		forward: make(map[Key]map[string]struct{}),
		reverse: make(map[string]map[Key]struct{}),
	}
}

// Add registers the (channel, key) pair in both directions and reports whether
// this was the first subscriber for the key.
func (r *Registry) Add(channelID string, key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels, ok := r.forward[key]
	if !ok {
		channels = make(map[string]struct{})
		r.forward[key] = channels
	}
	first := len(channels) == 0
	channels[channelID] = struct{}{}

	keys, ok := r.reverse[channelID]
	if !ok {
		keys = make(map[Key]struct{})
		r.reverse[channelID] = keys
	}
	keys[key] = struct{}{}
	return first
}

// Remove deletes the (channel, key) pair from both directions and reports
// whether the key's subscriber set became empty.
func (r *Registry) Remove(channelID string, key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(channelID, key)
}

// DropChannel destroys every subscription held by a channel and returns the
// keys whose subscriber sets became empty.
func (r *Registry) DropChannel(channelID string) []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	var emptied []Key
	for key := range r.reverse[channelID] {
		if r.removeLocked(channelID, key) {
			emptied = append(emptied, key)
		}
	}
	return emptied
}

// Channels snapshots the subscriber set for a key.
func (r *Registry) Channels(key Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := r.forward[key]
	out := make([]string, 0, len(channels))
	for channelID := range channels {
		out = append(out, channelID)
	}
	return out
}

// HasSubscribers reports whether any channel is subscribed to the key.
func (r *Registry) HasSubscribers(key Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward[key]) > 0
}

// KeysForEntity snapshots the keys of one entity type that have subscribers.
func (r *Registry) KeysForEntity(entity string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Key
	for key, channels := range r.forward {
		if key.Entity == entity && len(channels) > 0 {
			out = append(out, key)
		}
	}
	return out
}

// Counts returns the total subscription count and the per-entity-type
// breakdown.
func (r *Registry) Counts() (int, map[string]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	perEntity := make(map[string]int)
	for key, channels := range r.forward {
		total += len(channels)
		perEntity[key.Entity] += len(channels)
	}
	return total, perEntity
}

func (r *Registry) removeLocked(channelID string, key Key) bool {
	if channels, ok := r.forward[key]; ok {
		delete(channels, channelID)
		if len(channels) == 0 {
			delete(r.forward, key)
		}
	}
	if keys, ok := r.reverse[channelID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(r.reverse, channelID)
		}
	}
	_, stillThere := r.forward[key]
	return !stillThere
}
