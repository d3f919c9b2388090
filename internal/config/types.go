package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every engine-level option once the loader has hydrated it.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Cache   CacheConfig   `koanf:"cache"`
	Sync    SyncConfig    `koanf:"sync"`
	Latency LatencyConfig `koanf:"latency"`
	Track   TrackConfig   `koanf:"track"`
}

// ServerConfig collects the bootstrap knobs for the HTTP listener and logging.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CacheConfig tunes the in-memory store and the optional cross-instance
// invalidation bus.
type CacheConfig struct {
	MaxEntries      int            `koanf:"maxEntries"`
	DefaultTTL      string         `koanf:"defaultTTL"`
	CleanupInterval string         `koanf:"cleanupInterval"`
	Bus             CacheBusConfig `koanf:"bus"`
}

// CacheBusConfig points at the valkey instance used to broadcast hard
// invalidations between engine instances. An empty address disables the bus.
type CacheBusConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Channel  string `koanf:"channel"`
}

// SyncConfig carries the per-entity-type delivery strategy table. StrategiesFile,
// when set, names a yaml document that is watched and hot-reloaded.
type SyncConfig struct {
	StrategiesFile string                    `koanf:"strategiesFile"`
	FlushInterval  string                    `koanf:"flushInterval"`
	Strategies     map[string]StrategyConfig `koanf:"strategies"`
}

// StrategyConfig declares how updates for one entity type reach subscribers.
type StrategyConfig struct {
	Mode         string `koanf:"mode"`
	Urgency      string `koanf:"urgency"`
	BatchSize    int    `koanf:"batchSize"`
	PollInterval string `koanf:"pollInterval"`
}

// LatencyConfig shapes the per-channel echo probing loop.
type LatencyConfig struct {
	ProbeInterval string `koanf:"probeInterval"`
	ProbeTimeout  string `koanf:"probeTimeout"`
	SampleWindow  int    `koanf:"sampleWindow"`
}

// TrackConfig bounds the change history and seeds significance thresholds.
type TrackConfig struct {
	HistoryLimit int                        `koanf:"historyLimit"`
	Thresholds   map[string]ThresholdConfig `koanf:"thresholds"`
}

// ThresholdConfig declares when a resource delta counts as significant. Either
// Kind/Value or a CEL Expr over {old, new, delta} may be supplied.
type ThresholdConfig struct {
	Kind  string  `koanf:"kind"`
	Value float64 `koanf:"value"`
	Expr  string  `koanf:"expr"`
}

var (
	validModes     = map[string]bool{"realtime": true, "event_driven": true, "polling": true}
	validUrgencies = map[string]bool{"": true, "low": true, "medium": true, "high": true, "critical": true}
	validKinds     = map[string]bool{"above": true, "below": true, "change": true}
)

// Duration parses a config duration string, returning fallback for empty input.
func Duration(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// Validate enforces invariants eagerly so the hot paths stay free of
// validation branches.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.maxEntries invalid: %d", c.Cache.MaxEntries)
	}
	if _, err := Duration(c.Cache.DefaultTTL, 0); err != nil {
		return fmt.Errorf("config: cache.defaultTTL invalid: %w", err)
	}
	if _, err := Duration(c.Cache.CleanupInterval, 0); err != nil {
		return fmt.Errorf("config: cache.cleanupInterval invalid: %w", err)
	}
	if _, err := Duration(c.Sync.FlushInterval, 0); err != nil {
		return fmt.Errorf("config: sync.flushInterval invalid: %w", err)
	}
	if _, err := Duration(c.Latency.ProbeInterval, 0); err != nil {
		return fmt.Errorf("config: latency.probeInterval invalid: %w", err)
	}
	if _, err := Duration(c.Latency.ProbeTimeout, 0); err != nil {
		return fmt.Errorf("config: latency.probeTimeout invalid: %w", err)
	}
	if c.Latency.SampleWindow < 0 {
		return fmt.Errorf("config: latency.sampleWindow invalid: %d", c.Latency.SampleWindow)
	}
	if c.Track.HistoryLimit < 0 {
		return fmt.Errorf("config: track.historyLimit invalid: %d", c.Track.HistoryLimit)
	}
	for entity, strat := range c.Sync.Strategies {
		if err := strat.Validate(); err != nil {
			return fmt.Errorf("config: strategy %q: %w", entity, err)
		}
	}
	for resource, th := range c.Track.Thresholds {
		if err := th.Validate(); err != nil {
			return fmt.Errorf("config: threshold %q: %w", resource, err)
		}
	}
	return nil
}

// Validate rejects malformed strategy declarations before they reach the
// orchestrator.
func (s StrategyConfig) Validate() error {
	mode := strings.TrimSpace(strings.ToLower(s.Mode))
	if !validModes[mode] {
		return fmt.Errorf("mode unsupported: %q", s.Mode)
	}
	if !validUrgencies[strings.TrimSpace(strings.ToLower(s.Urgency))] {
		return fmt.Errorf("urgency unsupported: %q", s.Urgency)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("batchSize invalid: %d", s.BatchSize)
	}
	interval, err := Duration(s.PollInterval, 0)
	if err != nil {
		return fmt.Errorf("pollInterval invalid: %w", err)
	}
	if mode == "polling" && interval <= 0 {
		return errors.New("pollInterval required for polling mode")
	}
	return nil
}

// Validate rejects threshold declarations that would otherwise fail silently
// during significance evaluation.
func (t ThresholdConfig) Validate() error {
	kind := strings.TrimSpace(strings.ToLower(t.Kind))
	if t.Expr != "" {
		if kind != "" {
			return errors.New("kind and expr are mutually exclusive")
		}
		return nil
	}
	if !validKinds[kind] {
		return fmt.Errorf("kind unsupported: %q", t.Kind)
	}
	return nil
}

// DefaultConfig returns the baseline values the engine boots with when no file
// or environment override is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Cache: CacheConfig{
			MaxEntries:      1000,
			DefaultTTL:      "1m",
			CleanupInterval: "30s",
			Bus:             CacheBusConfig{Channel: "engine:invalidate"},
		},
		Sync: SyncConfig{
			FlushInterval: "100ms",
			Strategies: map[string]StrategyConfig{
				"battle":    {Mode: "realtime", Urgency: "critical"},
				"training":  {Mode: "event_driven", Urgency: "medium", BatchSize: 3},
				"character": {Mode: "polling", Urgency: "low", PollInterval: "2s"},
			},
		},
		Latency: LatencyConfig{
			ProbeInterval: "5s",
			ProbeTimeout:  "5s",
			SampleWindow:  10,
		},
		Track: TrackConfig{
			HistoryLimit: 50,
			Thresholds: map[string]ThresholdConfig{
				"gold":   {Kind: "change", Value: 100},
				"stress": {Kind: "above", Value: 80},
			},
		},
	}
}
