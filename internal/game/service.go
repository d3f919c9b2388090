package game

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsseer/battle-sub000/internal/cache"
	"github.com/fsseer/battle-sub000/internal/push"
	"github.com/fsseer/battle-sub000/internal/track"
)

// Entity types pinned to specific strategies by configuration.
const (
	EntityBattle    = "battle"
	EntityTraining  = "training"
	EntityCharacter = "character"
)

// Well-known resource names.
const (
	ResourceAP     = "ap"
	ResourceGold   = "gold"
	ResourceStress = "stress"
)

const battleStateTTL = 10 * time.Second

// Options wires the Service to the engine's core components.
type Options struct {
	Cache        *cache.Store
	Orchestrator *push.Orchestrator
	HistoryLimit int
	Logger       *slog.Logger
}

// Service is the domain-pinned facade over the engine: fixed entity types,
// fixed resource semantics, convenience wrappers over the orchestrator, and
// the bridge that turns tracker notifications into envelopes.
type Service struct {
	cache   *cache.Store
	tracker *track.Tracker
	orch    *push.Orchestrator
	logger  *slog.Logger
}

// New constructs a Service, its ChangeTracker, and registers the character
// sheet reader used by polling refreshes.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		cache:  opts.Cache,
		orch:   opts.Orchestrator,
		logger: opts.Logger.With(slog.String("subsystem", "game")),
	}
	s.tracker = track.New(track.Options{
		HistoryLimit: opts.HistoryLimit,
		Logger:       opts.Logger,
		Notifier:     s,
	})
	if s.orch != nil {
		s.orch.RegisterReader(EntityCharacter, s.readCharacter)
	}
	return s
}

// Tracker exposes the underlying ChangeTracker for threshold configuration.
func (s *Service) Tracker() *track.Tracker {
	return s.tracker
}

// publish forwards to the orchestrator when one is attached. The Service also
// runs orchestrator-less in tools that only need resource accounting.
func (s *Service) publish(entity, id string, eventType push.EventType, data map[string]any) {
	if s.orch == nil {
		return
	}
	s.orch.Publish(entity, id, eventType, data)
}

// PushBattleState publishes a live battle snapshot. Battles run REALTIME, so
// every push reaches subscribers immediately; the snapshot is also cached at
// critical priority for late joiners re-pulling state.
func (s *Service) PushBattleState(battleID string, state map[string]any) {
	if s.cache != nil {
		s.cache.Set(battleKey(battleID), state,
			cache.WithTTL(battleStateTTL),
			cache.WithPriority(cache.PriorityCritical))
	}
	s.publish(EntityBattle, battleID, push.EventUpdate, state)
}

// EndBattle publishes the terminal battle envelope and drops the cached
// snapshot everywhere.
func (s *Service) EndBattle(battleID string, result map[string]any) {
	s.publish(EntityBattle, battleID, push.EventDelete, result)
	if s.cache != nil {
		s.cache.Invalidate(battleKey(battleID))
	}
}

// PushTrainingResult publishes a training outcome. Training runs EVENT_DRIVEN,
// so bursts collapse to the most recent result per batch window.
func (s *Service) PushTrainingResult(sessionID string, result map[string]any) {
	s.publish(EntityTraining, sessionID, push.EventUpdate, result)
}

// SpendActionPoints consumes AP, reporting false without state change when the
// balance is insufficient. On success the cached character sheet is
// invalidated so the spend cannot be served stale.
func (s *Service) SpendActionPoints(characterID string, amount float64) bool {
	if !s.tracker.Consume(characterID, ResourceAP, amount) {
		return false
	}
	s.invalidateCharacter(characterID)
	return true
}

// GainGold credits gold and returns the new balance.
func (s *Service) GainGold(characterID string, amount float64) float64 {
	balance := s.tracker.Gain(characterID, ResourceGold, amount)
	s.invalidateCharacter(characterID)
	return balance
}

// SpendGold debits gold, reporting false when the balance is insufficient.
func (s *Service) SpendGold(characterID string, amount float64) bool {
	if !s.tracker.Consume(characterID, ResourceGold, amount) {
		return false
	}
	s.invalidateCharacter(characterID)
	return true
}

// AddStress raises or lowers stress by delta. The adjustment is applied under
// the tracker lock so concurrent stress events cannot lose updates.
func (s *Service) AddStress(characterID string, delta float64, reason string) {
	s.tracker.Adjust(characterID, ResourceStress, delta, reason)
	s.invalidateCharacter(characterID)
}

// ApplyTrainingOutcome settles a training session against the character in one
// multi-field write, producing a single aggregate notification.
func (s *Service) ApplyTrainingOutcome(characterID string, apCost, goldReward, stressDelta float64) []track.Change {
	changes := s.tracker.BatchUpdate(characterID, map[string]float64{
		ResourceAP:     -apCost,
		ResourceGold:   goldReward,
		ResourceStress: stressDelta,
	}, "training")
	if len(changes) > 0 {
		s.invalidateCharacter(characterID)
	}
	return changes
}

// ResourceChanged bridges a significant single-resource change into a
// character envelope.
func (s *Service) ResourceChanged(c track.Change) {
	s.publish(EntityCharacter, c.EntityID, push.EventUpdate, map[string]any{
		c.Resource: c.New,
		"delta":    c.Delta,
		"reason":   c.Reason,
	})
}

// ResourcesChanged bridges one aggregate batch into exactly one envelope
// describing every delta.
func (s *Service) ResourcesChanged(b track.Batch) {
	resources := make(map[string]any, len(b.Changes))
	deltas := make(map[string]any, len(b.Changes))
	for _, c := range b.Changes {
		resources[c.Resource] = c.New
		deltas[c.Resource] = c.Delta
	}
	s.publish(EntityCharacter, b.EntityID, push.EventUpdate, map[string]any{
		"resources": resources,
		"deltas":    deltas,
		"reason":    b.Reason,
	})
}

// readCharacter synthesizes the current character sheet for polling
// refreshes: the cached sheet when live, the tracker state otherwise.
func (s *Service) readCharacter(_ context.Context, characterID string) (map[string]any, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(characterKey(characterID)); ok {
			if sheet, ok := cached.(map[string]any); ok {
				return sheet, nil
			}
		}
	}
	state := s.tracker.State(characterID)
	if len(state) == 0 {
		return nil, fmt.Errorf("game: character %s unknown", characterID)
	}
	sheet := make(map[string]any, len(state))
	for resource, v := range state {
		sheet[resource] = v
	}
	if s.cache != nil {
		s.cache.Set(characterKey(characterID), sheet, cache.WithPriority(cache.PriorityMedium))
	}
	return sheet, nil
}

func (s *Service) invalidateCharacter(characterID string) {
	if s.cache != nil {
		s.cache.Invalidate(characterKey(characterID))
	}
}

func battleKey(id string) string    { return "battle:" + id }
func characterKey(id string) string { return "character:" + id }
