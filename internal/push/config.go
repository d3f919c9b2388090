package push

import (
	"fmt"
	"strings"

	"github.com/fsseer/battle-sub000/internal/config"
)

// StrategyFromConfig converts one validated config declaration into a runtime
// Strategy.
func StrategyFromConfig(cfg config.StrategyConfig) (Strategy, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(cfg.Mode)))
	urgency, err := ParseUrgency(cfg.Urgency)
	if err != nil {
		return Strategy{}, err
	}
	interval, err := config.Duration(cfg.PollInterval, 0)
	if err != nil {
		return Strategy{}, fmt.Errorf("push: poll interval invalid: %w", err)
	}
	strat := Strategy{
		Mode:         mode,
		Urgency:      urgency,
		BatchSize:    cfg.BatchSize,
		PollInterval: interval,
	}
	if err := strat.Validate(); err != nil {
		return Strategy{}, err
	}
	return strat, nil
}

// StrategiesFromConfig converts a whole strategy table.
func StrategiesFromConfig(cfgs map[string]config.StrategyConfig) (map[string]Strategy, error) {
	strategies := make(map[string]Strategy, len(cfgs))
	for entity, cfg := range cfgs {
		strat, err := StrategyFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("push: strategy %q: %w", entity, err)
		}
		strategies[entity] = strat
	}
	return strategies, nil
}
