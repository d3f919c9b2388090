package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"cache.maxentries":       "cache.maxEntries",
			"cache.defaultttl":       "cache.defaultTTL",
			"cache.cleanupinterval":  "cache.cleanupInterval",
			"sync.strategiesfile":    "sync.strategiesFile",
			"sync.flushinterval":     "sync.flushInterval",
			"latency.probeinterval":  "latency.probeInterval",
			"latency.probetimeout":   "latency.probeTimeout",
			"latency.samplewindow":   "latency.sampleWindow",
			"track.historylimit":     "track.historyLimit",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (CACHE__MAX_ENTRIES -> cache.maxEntries).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ReplaceAll(key, "_", "")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Sync.StrategiesFile != "" {
		strategies, err := loadStrategiesFile(cfg.Sync.StrategiesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Sync.Strategies = mergeStrategies(cfg.Sync.Strategies, strategies)
	}
	return cfg, nil
}

// loadStrategiesFile parses and validates a standalone strategy table document.
func loadStrategiesFile(path string) (map[string]StrategyConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load strategies %s: %w", path, err)
	}
	var strategies map[string]StrategyConfig
	if err := k.Unmarshal("strategies", &strategies); err != nil {
		return nil, fmt.Errorf("config: unmarshal strategies %s: %w", path, err)
	}
	for entity, strat := range strategies {
		if err := strat.Validate(); err != nil {
			return nil, fmt.Errorf("config: strategies %s: %q: %w", path, entity, err)
		}
	}
	return strategies, nil
}

func mergeStrategies(base, overlay map[string]StrategyConfig) map[string]StrategyConfig {
	merged := make(map[string]StrategyConfig, len(base)+len(overlay))
	for entity, strat := range base {
		merged[entity] = strat
	}
	for entity, strat := range overlay {
		merged[entity] = strat
	}
	return merged
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	strategies := make(map[string]any, len(cfg.Sync.Strategies))
	for entity, strat := range cfg.Sync.Strategies {
		strategies[entity] = map[string]any{
			"mode":         strat.Mode,
			"urgency":      strat.Urgency,
			"batchSize":    strat.BatchSize,
			"pollInterval": strat.PollInterval,
		}
	}
	thresholds := make(map[string]any, len(cfg.Track.Thresholds))
	for resource, th := range cfg.Track.Thresholds {
		thresholds[resource] = map[string]any{
			"kind":  th.Kind,
			"value": th.Value,
			"expr":  th.Expr,
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"cache": map[string]any{
			"maxEntries":      cfg.Cache.MaxEntries,
			"defaultTTL":      cfg.Cache.DefaultTTL,
			"cleanupInterval": cfg.Cache.CleanupInterval,
			"bus": map[string]any{
				"address":  cfg.Cache.Bus.Address,
				"username": cfg.Cache.Bus.Username,
				"password": cfg.Cache.Bus.Password,
				"db":       cfg.Cache.Bus.DB,
				"channel":  cfg.Cache.Bus.Channel,
			},
		},
		"sync": map[string]any{
			"strategiesFile": cfg.Sync.StrategiesFile,
			"flushInterval":  cfg.Sync.FlushInterval,
			"strategies":     strategies,
		},
		"latency": map[string]any{
			"probeInterval": cfg.Latency.ProbeInterval,
			"probeTimeout":  cfg.Latency.ProbeTimeout,
			"sampleWindow":  cfg.Latency.SampleWindow,
		},
		"track": map[string]any{
			"historyLimit": cfg.Track.HistoryLimit,
			"thresholds":   thresholds,
		},
	}
}
