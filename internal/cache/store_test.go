package cache

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func TestStoreSetGetWithTTL(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 10})

	s.Set("battle:b1", map[string]any{"hp": 42}, WithTTL(30*time.Millisecond))

	got, ok := s.Get("battle:b1")
	if !ok {
		t.Fatalf("expected hit for live entry")
	}
	state, ok := got.(map[string]any)
	if !ok || state["hp"] != 42 {
		t.Fatalf("unexpected value: %#v", got)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Get("battle:b1"); ok {
		t.Fatalf("expected entry to expire")
	}
	if s.Has("battle:b1") {
		t.Fatalf("expected Has to report expiry")
	}

	st := s.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Expiries != 1 {
		t.Fatalf("unexpected counters: %#v", st)
	}
}

func TestStoreHasDoesNotCountReads(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 10})
	s.Set("k", 1)

	if !s.Has("k") {
		t.Fatalf("expected live entry")
	}
	st := s.Stats()
	if st.Hits != 0 || st.Misses != 0 {
		t.Fatalf("Has must not touch read counters: %#v", st)
	}
}

func TestStoreEvictsLowestPriorityLeastRecent(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 10})

	s.Set("keep:critical", "c", WithPriority(PriorityCritical))
	for i := 0; i < 9; i++ {
		s.Set(fmt.Sprintf("low:%d", i), i, WithPriority(PriorityLow))
	}
	// low:0 is the least recently accessed low entry; touch the rest so it
	// stays the eviction candidate.
	time.Sleep(2 * time.Millisecond)
	for i := 1; i < 9; i++ {
		if _, ok := s.Get(fmt.Sprintf("low:%d", i)); !ok {
			t.Fatalf("expected low:%d to be live", i)
		}
	}

	s.Set("low:new", "n", WithPriority(PriorityLow))

	if !s.Has("keep:critical") {
		t.Fatalf("critical entry must survive eviction while lower tiers exist")
	}
	if s.Has("low:0") {
		t.Fatalf("expected least recently accessed low entry to be evicted")
	}
	if !s.Has("low:new") {
		t.Fatalf("expected inserted entry to be present")
	}
	if st := s.Stats(); st.Evictions != 1 || st.Size != 10 {
		t.Fatalf("unexpected stats after eviction: %#v", st)
	}
}

func TestStoreEvictsCriticalWhenNothingElseLeft(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 2})
	s.Set("a", 1, WithPriority(PriorityCritical))
	s.Set("b", 2, WithPriority(PriorityCritical))

	s.Set("c", 3, WithPriority(PriorityLow))

	if st := s.Stats(); st.Evictions != 1 || st.Size != 2 {
		t.Fatalf("expected one critical eviction, got %#v", st)
	}
	if !s.Has("c") {
		t.Fatalf("expected new entry to be inserted")
	}
}

func TestStoreReplaceDoesNotEvict(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 2})
	s.Set("a", 1)
	s.Set("b", 2)

	s.Set("a", 10)

	if st := s.Stats(); st.Evictions != 0 || st.Size != 2 {
		t.Fatalf("replacing an existing key must not evict: %#v", st)
	}
	if got, _ := s.Get("a"); got != 10 {
		t.Fatalf("expected replacement value, got %v", got)
	}
}

func TestStoreRevalidateExtendsLifetime(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 10})
	s.Set("character:c1", "sheet", WithTTL(60*time.Millisecond), WithVersion(1))

	time.Sleep(40 * time.Millisecond)
	if !s.Revalidate("character:c1", 7) {
		t.Fatalf("expected revalidation of live entry")
	}

	// Past the original deadline but within the refreshed one.
	time.Sleep(40 * time.Millisecond)
	if _, ok := s.Get("character:c1"); !ok {
		t.Fatalf("revalidated entry must be treated as fresh")
	}
	if v := s.Version("character:c1"); v != 7 {
		t.Fatalf("expected version 7, got %d", v)
	}

	if s.Revalidate("missing", 1) {
		t.Fatalf("revalidating an absent key must report false")
	}
}

func TestStoreInvalidateNotifiesHook(t *testing.T) {
	var invalidated []string
	s := newTestStore(t, Options{
		MaxEntries:   10,
		OnInvalidate: func(key string) { invalidated = append(invalidated, key) },
	})
	s.Set("battle:b1", 1)

	s.Invalidate("battle:b1")

	if s.Has("battle:b1") {
		t.Fatalf("expected entry removed")
	}
	if len(invalidated) != 1 || invalidated[0] != "battle:b1" {
		t.Fatalf("expected hook call for battle:b1, got %v", invalidated)
	}

	if s.Delete("battle:b1") {
		t.Fatalf("expected delete of absent key to report false")
	}
}

func TestStoreDeletePrefix(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 10})
	s.Set("battle:b1", 1)
	s.Set("battle:b2", 2)
	s.Set("character:c1", 3)

	if removed := s.DeletePrefix("battle:"); removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
	if !s.Has("character:c1") {
		t.Fatalf("unrelated key must survive prefix delete")
	}
	if removed := s.DeletePrefix(""); removed != 0 {
		t.Fatalf("empty prefix must be a no-op, got %d", removed)
	}
}

func TestStoreSweepRemovesUnreadExpiredEntries(t *testing.T) {
	s := New(Options{MaxEntries: 10, CleanupInterval: 10 * time.Millisecond})
	defer s.Close()

	s.Set("stale", 1, WithTTL(10*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	if st := s.Stats(); st.Size != 0 || st.Expiries != 1 {
		t.Fatalf("expected sweep to expire the entry, got %#v", st)
	}
}

func TestStoreStatsRates(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 4})
	s.Set("a", 1)
	s.Get("a")
	s.Get("a")
	s.Get("missing")
	s.Get("missing")

	st := s.Stats()
	if st.HitRate != 0.5 {
		t.Fatalf("expected hit rate 0.5, got %v", st.HitRate)
	}
	if st.Utilization != 0.25 {
		t.Fatalf("expected utilization 0.25, got %v", st.Utilization)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":         PriorityLow,
		"low":      PriorityLow,
		"Medium":   PriorityMedium,
		" high ":   PriorityHigh,
		"critical": PriorityCritical,
	}
	for raw, want := range cases {
		got, err := ParsePriority(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", raw, want, got)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Fatalf("expected unknown priority to be rejected")
	}
}
