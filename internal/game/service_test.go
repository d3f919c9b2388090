package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fsseer/battle-sub000/internal/cache"
	"github.com/fsseer/battle-sub000/internal/push"
)

type captureTransport struct {
	mu        sync.Mutex
	byChannel map[string][]push.Envelope
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{byChannel: make(map[string][]push.Envelope)}
}

func (c *captureTransport) Deliver(_ context.Context, channelID string, env push.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChannel[channelID] = append(c.byChannel[channelID], env)
	return nil
}

func (c *captureTransport) envelopes(channelID string) []push.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]push.Envelope, len(c.byChannel[channelID]))
	copy(out, c.byChannel[channelID])
	return out
}

func (c *captureTransport) waitFor(t *testing.T, channelID string, n int, timeout time.Duration) []push.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if envs := c.envelopes(channelID); len(envs) >= n {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %d envelopes, have %d", channelID, n, len(c.envelopes(channelID)))
	return nil
}

func newTestService(t *testing.T, strategies map[string]push.Strategy) (*Service, *cache.Store, *captureTransport) {
	t.Helper()
	transport := newCaptureTransport()
	store := cache.New(cache.Options{MaxEntries: 100, CleanupInterval: time.Hour})
	t.Cleanup(store.Close)
	orch := push.New(push.Options{
		Transport:     transport,
		FlushInterval: 10 * time.Millisecond,
		Strategies:    strategies,
	})
	t.Cleanup(orch.Close)
	svc := New(Options{Cache: store, Orchestrator: orch})

	// Attach the subscriptions the tests rely on through the orchestrator.
	orch.Subscribe("viewer", EntityBattle, "b1")
	orch.Subscribe("viewer", EntityCharacter, "c9")
	return svc, store, transport
}

func realtimeStrategies() map[string]push.Strategy {
	return map[string]push.Strategy{
		EntityBattle:    {Mode: push.ModeRealtime, Urgency: push.UrgencyCritical},
		EntityCharacter: {Mode: push.ModeRealtime, Urgency: push.UrgencyLow},
	}
}

func TestPushBattleStateCachesAndDelivers(t *testing.T) {
	svc, store, transport := newTestService(t, realtimeStrategies())

	svc.PushBattleState("b1", map[string]any{"hp": 77, "turn": 3})

	envs := transport.waitFor(t, "viewer", 1, time.Second)
	if envs[0].Entity != EntityBattle || envs[0].Type != push.EventUpdate {
		t.Fatalf("unexpected envelope: %#v", envs[0])
	}
	if envs[0].Data["hp"] != 77 {
		t.Fatalf("unexpected payload: %#v", envs[0].Data)
	}
	if !store.Has("battle:b1") {
		t.Fatalf("battle snapshot must be cached for late joiners")
	}
}

func TestEndBattlePublishesDeleteAndInvalidates(t *testing.T) {
	svc, store, transport := newTestService(t, realtimeStrategies())
	svc.PushBattleState("b1", map[string]any{"hp": 1})

	svc.EndBattle("b1", map[string]any{"winner": "c9"})

	envs := transport.waitFor(t, "viewer", 2, time.Second)
	last := envs[len(envs)-1]
	if last.Type != push.EventDelete || last.Data["winner"] != "c9" {
		t.Fatalf("expected terminal delete envelope, got %#v", last)
	}
	if store.Has("battle:b1") {
		t.Fatalf("ended battles must not linger in the cache")
	}
}

func TestSpendActionPointsGuardsBalance(t *testing.T) {
	svc, store, _ := newTestService(t, realtimeStrategies())
	svc.Tracker().UpdateResource("c9", ResourceAP, 20, "seed")
	store.Set("character:c9", map[string]any{"ap": 20})

	if svc.SpendActionPoints("c9", 30) {
		t.Fatalf("spending beyond the balance must fail")
	}
	if !store.Has("character:c9") {
		t.Fatalf("a failed spend must not invalidate the sheet")
	}

	if !svc.SpendActionPoints("c9", 15) {
		t.Fatalf("spending within the balance must succeed")
	}
	if v, _ := svc.Tracker().Value("c9", ResourceAP); v != 5 {
		t.Fatalf("expected ap 5, got %v", v)
	}
	if store.Has("character:c9") {
		t.Fatalf("a successful spend must invalidate the cached sheet")
	}
}

func TestGoldWrappers(t *testing.T) {
	svc, _, _ := newTestService(t, realtimeStrategies())

	if balance := svc.GainGold("c9", 500); balance != 500 {
		t.Fatalf("expected balance 500, got %v", balance)
	}
	if svc.SpendGold("c9", 600) {
		t.Fatalf("overdraw must fail")
	}
	if !svc.SpendGold("c9", 200) {
		t.Fatalf("affordable spend must succeed")
	}
	if v, _ := svc.Tracker().Value("c9", ResourceGold); v != 300 {
		t.Fatalf("expected gold 300, got %v", v)
	}
}

func TestAddStressNeverLosesConcurrentUpdates(t *testing.T) {
	svc, _, _ := newTestService(t, realtimeStrategies())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.AddStress("c9", 1, "battle")
		}()
	}
	wg.Wait()

	if v, _ := svc.Tracker().Value("c9", ResourceStress); v != 200 {
		t.Fatalf("expected stress 200 after 200 increments, got %v", v)
	}
}

func TestServiceRunsWithoutOrchestrator(t *testing.T) {
	store := cache.New(cache.Options{MaxEntries: 10, CleanupInterval: time.Hour})
	t.Cleanup(store.Close)
	svc := New(Options{Cache: store})

	if balance := svc.GainGold("c9", 100); balance != 100 {
		t.Fatalf("expected balance 100, got %v", balance)
	}
	svc.AddStress("c9", 50, "battle")
	svc.PushBattleState("b1", map[string]any{"hp": 1})
	svc.EndBattle("b1", map[string]any{"winner": "c9"})
	svc.PushTrainingResult("s1", map[string]any{"xp": 10})
	if changes := svc.ApplyTrainingOutcome("c9", 0, 50, -10); len(changes) != 2 {
		t.Fatalf("expected 2 recorded changes, got %d", len(changes))
	}

	if v, _ := svc.Tracker().Value("c9", ResourceGold); v != 150 {
		t.Fatalf("accounting must keep working without a push layer, got %v", v)
	}
}

func TestApplyTrainingOutcomeEmitsOneAggregateEnvelope(t *testing.T) {
	svc, _, transport := newTestService(t, realtimeStrategies())
	svc.Tracker().UpdateResource("c9", ResourceAP, 50, "seed")
	svc.Tracker().UpdateResource("c9", ResourceGold, 200, "seed")
	seeded := len(transport.waitFor(t, "viewer", 2, time.Second))

	changes := svc.ApplyTrainingOutcome("c9", 10, 50, 5)
	if len(changes) != 3 {
		t.Fatalf("expected 3 recorded changes, got %d", len(changes))
	}

	envs := transport.waitFor(t, "viewer", seeded+1, time.Second)
	if len(envs) != seeded+1 {
		t.Fatalf("a training outcome must produce exactly one envelope, got %d extra", len(envs)-seeded)
	}

	last := envs[len(envs)-1]
	resources, ok := last.Data["resources"].(map[string]any)
	if !ok {
		t.Fatalf("aggregate envelope must carry a resources map: %#v", last.Data)
	}
	deltas, ok := last.Data["deltas"].(map[string]any)
	if !ok {
		t.Fatalf("aggregate envelope must carry a deltas map: %#v", last.Data)
	}
	if resources[ResourceAP] != 40.0 || resources[ResourceGold] != 250.0 || resources[ResourceStress] != 5.0 {
		t.Fatalf("unexpected resources: %#v", resources)
	}
	if deltas[ResourceAP] != -10.0 || deltas[ResourceGold] != 50.0 {
		t.Fatalf("unexpected deltas: %#v", deltas)
	}
	if last.Data["reason"] != "training" {
		t.Fatalf("expected training reason, got %v", last.Data["reason"])
	}
}

func TestPollingRefreshServesCharacterSheet(t *testing.T) {
	strategies := realtimeStrategies()
	strategies[EntityCharacter] = push.Strategy{
		Mode:         push.ModePolling,
		Urgency:      push.UrgencyLow,
		PollInterval: 20 * time.Millisecond,
	}
	svc, store, transport := newTestService(t, strategies)

	svc.GainGold("c9", 300)

	var refresh *push.Envelope
	deadline := time.Now().Add(time.Second)
	for refresh == nil && time.Now().Before(deadline) {
		for _, env := range transport.envelopes("viewer") {
			if env.Entity == EntityCharacter {
				refresh = &env
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if refresh == nil {
		t.Fatalf("no character refresh arrived")
	}
	if refresh.Type != push.EventReplace {
		t.Fatalf("polling refreshes must be replace events, got %#v", refresh)
	}
	if refresh.Data["gold"] != 300.0 {
		t.Fatalf("refresh must carry the tracker state, got %#v", refresh.Data)
	}
	if !store.Has("character:c9") {
		t.Fatalf("the reader must cache the synthesized sheet")
	}
}
