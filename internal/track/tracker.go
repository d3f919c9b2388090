package track

import (
	"log/slog"
	"sync"
	"time"
)

// Change records one resource delta for one entity. Immutable once recorded.
type Change struct {
	EntityID string    `json:"entityId"`
	Resource string    `json:"resource"`
	Old      float64   `json:"old"`
	New      float64   `json:"new"`
	Delta    float64   `json:"delta"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Batch aggregates the changes of one multi-field write. A batch produces
// exactly one outbound notification, never one per field.
type Batch struct {
	EntityID string    `json:"entityId"`
	Changes  []Change  `json:"changes"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Notifier receives significant changes for onward delivery. Implementations
// must not call back into the Tracker from these methods.
type Notifier interface {
	ResourceChanged(c Change)
	ResourcesChanged(b Batch)
}

// Options configures a Tracker.
type Options struct {
	HistoryLimit int
	Logger       *slog.Logger
	Notifier     Notifier
}

// Tracker holds the last known value of every (entity, resource) pair plus a
// bounded change history per entity. One mutex serializes every mutation, so
// check-then-act sequences such as Consume cannot interleave and double-spend.
type Tracker struct {
	mu         sync.Mutex
	values     map[string]map[string]float64
	history    map[string][]Change
	thresholds map[string]Threshold

	historyLimit int
	notifier     Notifier
	logger       *slog.Logger
}

// New constructs a Tracker.
func New(opts Options) *Tracker {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		values:       make(map[string]map[string]float64),
		history:      make(map[string][]Change),
		thresholds:   make(map[string]Threshold),
		historyLimit: opts.HistoryLimit,
		notifier:     opts.Notifier,
		logger:       opts.Logger.With(slog.String("subsystem", "track")),
	}
}

// SetThreshold installs or replaces the significance rule for a resource.
func (t *Tracker) SetThreshold(resource string, th Threshold) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thresholds[resource] = th
}

// UpdateResource records the transition of one resource to newValue. A zero
// delta is a no-op: nothing is recorded and nothing is pushed. Significant
// changes are forwarded to the notifier immediately; insignificant ones stay
// visible through History only.
func (t *Tracker) UpdateResource(entityID, resource string, newValue float64, reason string) (Change, bool) {
	t.mu.Lock()
	change, ok := t.applyLocked(entityID, resource, newValue, reason)
	significant := ok && t.significantLocked(change)
	t.mu.Unlock()

	if significant && t.notifier != nil {
		t.notifier.ResourceChanged(change)
	}
	return change, ok
}

// Adjust applies a relative delta to one resource. The read of the current
// value and the write of the new one happen under one lock, so concurrent
// adjustments never lose updates the way a read-then-UpdateResource sequence
// would.
func (t *Tracker) Adjust(entityID, resource string, delta float64, reason string) (Change, bool) {
	t.mu.Lock()
	current := t.valueLocked(entityID, resource)
	change, ok := t.applyLocked(entityID, resource, current+delta, reason)
	significant := ok && t.significantLocked(change)
	t.mu.Unlock()

	if significant && t.notifier != nil {
		t.notifier.ResourceChanged(change)
	}
	return change, ok
}

// BatchUpdate applies a set of deltas to one entity through the same path as
// single updates, then emits at most one aggregate notification summarizing
// every recorded delta. This is what keeps multi-field writes from turning
// into one message per field.
func (t *Tracker) BatchUpdate(entityID string, deltas map[string]float64, reason string) []Change {
	now := time.Now()
	t.mu.Lock()
	changes := make([]Change, 0, len(deltas))
	for resource, delta := range deltas {
		current := t.valueLocked(entityID, resource)
		if change, ok := t.applyLocked(entityID, resource, current+delta, reason); ok {
			changes = append(changes, change)
		}
	}
	t.mu.Unlock()

	if len(changes) > 0 && t.notifier != nil {
		t.notifier.ResourcesChanged(Batch{EntityID: entityID, Changes: changes, Reason: reason, At: now})
	}
	return changes
}

// Consume decrements a resource by amount. It fails without touching state
// when the current balance is insufficient; the boolean result is the only
// failure signal and callers must branch on it. The check and the decrement
// run under one lock, so two concurrent Consume calls can never both succeed
// past the combined balance.
func (t *Tracker) Consume(entityID, resource string, amount float64) bool {
	if amount <= 0 {
		return false
	}
	t.mu.Lock()
	current := t.valueLocked(entityID, resource)
	if current < amount {
		t.mu.Unlock()
		return false
	}
	change, ok := t.applyLocked(entityID, resource, current-amount, "consume")
	significant := ok && t.significantLocked(change)
	t.mu.Unlock()

	if significant && t.notifier != nil {
		t.notifier.ResourceChanged(change)
	}
	return true
}

// Gain increments a resource by amount and returns the new balance. Gains
// always succeed.
func (t *Tracker) Gain(entityID, resource string, amount float64) float64 {
	t.mu.Lock()
	current := t.valueLocked(entityID, resource)
	change, ok := t.applyLocked(entityID, resource, current+amount, "gain")
	significant := ok && t.significantLocked(change)
	newValue := t.valueLocked(entityID, resource)
	t.mu.Unlock()

	if significant && t.notifier != nil {
		t.notifier.ResourceChanged(change)
	}
	return newValue
}

// Value returns the last known value of one resource.
func (t *Tracker) Value(entityID, resource string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resources, ok := t.values[entityID]
	if !ok {
		return 0, false
	}
	v, ok := resources[resource]
	return v, ok
}

// State snapshots every known resource of one entity.
func (t *Tracker) State(entityID string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	resources := t.values[entityID]
	out := make(map[string]float64, len(resources))
	for resource, v := range resources {
		out[resource] = v
	}
	return out
}

// History returns the most recent changes for one entity, newest last. A
// non-positive limit returns the full retained window.
func (t *Tracker) History(entityID string, limit int) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.history[entityID]
	if limit > 0 && limit < len(records) {
		records = records[len(records)-limit:]
	}
	out := make([]Change, len(records))
	copy(out, records)
	return out
}

// applyLocked runs the shared update path: delta computation, the zero-delta
// no-op, history append with retention, and the value table write.
func (t *Tracker) applyLocked(entityID, resource string, newValue float64, reason string) (Change, bool) {
	old := t.valueLocked(entityID, resource)
	delta := newValue - old
	if delta == 0 {
		return Change{}, false
	}

	change := Change{
		EntityID: entityID,
		Resource: resource,
		Old:      old,
		New:      newValue,
		Delta:    delta,
		Reason:   reason,
		At:       time.Now(),
	}

	resources, ok := t.values[entityID]
	if !ok {
		resources = make(map[string]float64)
		t.values[entityID] = resources
	}
	resources[resource] = newValue

	records := append(t.history[entityID], change)
	if len(records) > t.historyLimit {
		records = records[len(records)-t.historyLimit:]
	}
	t.history[entityID] = records

	return change, true
}

func (t *Tracker) valueLocked(entityID, resource string) float64 {
	if resources, ok := t.values[entityID]; ok {
		return resources[resource]
	}
	return 0
}

func (t *Tracker) significantLocked(c Change) bool {
	if th, ok := t.thresholds[c.Resource]; ok {
		return th.significant(c.Old, c.New, c.Delta)
	}
	return defaultSignificant(c.Resource, c.New, c.Delta)
}
