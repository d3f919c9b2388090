package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsseer/battle-sub000/internal/metrics"
)

// Priority ranks entries for eviction. It is a cache-tuning concept only and is
// deliberately distinct from push.Urgency, which ranks delivery.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// ParsePriority maps a config token onto a Priority, rejecting unknown values
// eagerly so the hot path never sees them.
func ParsePriority(raw string) (Priority, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "", "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityLow, fmt.Errorf("cache: priority unsupported: %q", raw)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "low"
	}
}

type entry struct {
	value        any
	createdAt    time.Time
	ttl          time.Duration
	priority     Priority
	lastAccessed time.Time
	accessCount  uint64
	version      uint64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats snapshots the store counters for the introspection surface.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expiries    uint64  `json:"expiries"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	HitRate     float64 `json:"hitRate"`
	Utilization float64 `json:"utilization"`
}

// Options configures a Store. OnInvalidate, when set, is called after every
// hard invalidation so a bus can fan the key out to peer instances.
type Options struct {
	MaxEntries      int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	OnInvalidate    func(key string)
}

// Store is a keyed in-memory cache with TTL expiry and priority-ranked
// eviction. All operations are atomic under one mutex, so a caller never
// observes an in-progress eviction-then-insert.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxEntries int
	defaultTTL time.Duration

	hits      uint64
	misses    uint64
	evictions uint64
	expiries  uint64

	logger       *slog.Logger
	metrics      *metrics.Recorder
	onInvalidate func(key string)

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Store and starts its expiry sweep. Close must be called to
// stop the sweep goroutine.
func New(opts Options) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		entries:      make(map[string]*entry),
		maxEntries:   opts.MaxEntries,
		defaultTTL:   opts.DefaultTTL,
		logger:       opts.Logger.With(slog.String("subsystem", "cache")),
		metrics:      opts.Metrics,
		onInvalidate: opts.OnInvalidate,
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.sweep(opts.CleanupInterval)
	return s
}

// SetOption customizes a single Set call.
type SetOption func(*entry)

// WithTTL overrides the store default TTL for one entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(e *entry) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithPriority assigns the eviction tier for one entry.
func WithPriority(p Priority) SetOption {
	return func(e *entry) { e.priority = p }
}

// WithVersion stamps the entry with an upstream version counter.
func WithVersion(v uint64) SetOption {
	return func(e *entry) { e.version = v }
}

// Set inserts or replaces the entry for key. When the store is at capacity the
// lowest (priority, lastAccessed) tenth of configured capacity is evicted
// before the insert; CRITICAL entries go last.
func (s *Store) Set(key string, value any, opts ...SetOption) {
	now := time.Now()
	e := &entry{
		value:        value,
		createdAt:    now,
		ttl:          s.defaultTTL,
		priority:     PriorityLow,
		lastAccessed: now,
	}
	for _, opt := range opts {
		opt(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		s.evictLocked()
	}
	s.entries[key] = e
}

// Get returns the live value for key. An expired entry is treated as a miss
// and removed on the spot.
func (s *Store) Get(key string) (any, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		s.misses++
		s.metrics.ObserveCacheRead(metrics.CacheMiss)
		return nil, false
	}
	if e.expired(now) {
		delete(s.entries, key)
		s.expiries++
		s.misses++
		s.metrics.ObserveCacheRead(metrics.CacheMiss)
		s.metrics.ObserveCacheRemoval(metrics.CacheExpired)
		return nil, false
	}
	e.lastAccessed = now
	e.accessCount++
	s.hits++
	s.metrics.ObserveCacheRead(metrics.CacheHit)
	return e.value, true
}

// Has reports whether a live entry exists without counting a read or bumping
// access recency.
func (s *Store) Has(key string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		delete(s.entries, key)
		s.expiries++
		s.metrics.ObserveCacheRemoval(metrics.CacheExpired)
		return false
	}
	return true
}

// Delete removes the entry for key, reporting whether one was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Invalidate hard-deletes the entry and notifies the invalidation hook so peer
// instances drop the key too.
func (s *Store) Invalidate(key string) {
	s.Delete(key)
	if s.onInvalidate != nil {
		s.onInvalidate(key)
	}
}

// Revalidate is the soft form of invalidation: the entry is kept but its clock
// and version are rewritten so the next read is treated as fresh-on-arrival.
// Useful when an upstream recompute is already in flight. Returns false when no
// entry exists for key.
func (s *Store) Revalidate(key string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.createdAt = time.Now()
	e.version = version
	return true
}

// DeleteMatching removes every entry whose key satisfies match and returns the
// removal count.
func (s *Store) DeleteMatching(match func(key string) bool) int {
	if match == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if match(key) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// DeletePrefix removes every entry under prefix and returns the removal count.
func (s *Store) DeletePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}
	return s.DeleteMatching(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Clear drops every entry. Counters are kept so hit-rate history survives.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Version returns the stored version for key, or zero when absent.
func (s *Store) Version(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.version
	}
	return 0
}

// Stats snapshots the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Expiries:  s.expiries,
		Size:      len(s.entries),
		Capacity:  s.maxEntries,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	if st.Capacity > 0 {
		st.Utilization = float64(st.Size) / float64(st.Capacity)
	}
	return st
}

// Close stops the expiry sweep.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

// evictLocked removes roughly a tenth of configured capacity, lowest priority
// first and least recently accessed within a tier. CRITICAL entries sort last,
// so they are only touched once every lower tier is gone.
func (s *Store) evictLocked() {
	target := s.maxEntries / 10
	if target < 1 {
		target = 1
	}

	type candidate struct {
		key string
		e   *entry
	}
	candidates := make([]candidate, 0, len(s.entries))
	for key, e := range s.entries {
		candidates = append(candidates, candidate{key: key, e: e})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].e.priority != candidates[j].e.priority {
			return candidates[i].e.priority < candidates[j].e.priority
		}
		return candidates[i].e.lastAccessed.Before(candidates[j].e.lastAccessed)
	})

	if target > len(candidates) {
		target = len(candidates)
	}
	for _, c := range candidates[:target] {
		delete(s.entries, c.key)
		s.evictions++
		s.metrics.ObserveCacheRemoval(metrics.CacheEvicted)
	}
	s.logger.Debug("evicted entries under capacity pressure", slog.Int("count", target))
}

// sweep removes expired entries on a fixed interval so memory stays bounded
// even for keys nobody polls again.
func (s *Store) sweep(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
					s.expiries++
					s.metrics.ObserveCacheRemoval(metrics.CacheExpired)
				}
			}
			s.mu.Unlock()
		}
	}
}
