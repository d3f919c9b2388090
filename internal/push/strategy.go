package push

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the delivery policy assigned to an entity type.
type Mode string

const (
	// ModeRealtime pushes immediately with no batching.
	ModeRealtime Mode = "realtime"
	// ModeEventDriven accumulates updates per entity key and flushes the most
	// recent value once the batch window fills.
	ModeEventDriven Mode = "event_driven"
	// ModePolling makes the orchestrator the producer of ticks: a per-key
	// timer synthesizes refresh pushes while subscribers exist.
	ModePolling Mode = "polling"
)

// Urgency ranks delivery importance. It is a sync-tuning concept only and is
// deliberately distinct from cache.Priority, which ranks eviction.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyMedium
	UrgencyHigh
	UrgencyCritical
)

// ParseUrgency maps a config token onto an Urgency.
func ParseUrgency(raw string) (Urgency, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "", "low":
		return UrgencyLow, nil
	case "medium":
		return UrgencyMedium, nil
	case "high":
		return UrgencyHigh, nil
	case "critical":
		return UrgencyCritical, nil
	default:
		return UrgencyLow, fmt.Errorf("push: urgency unsupported: %q", raw)
	}
}

func (u Urgency) String() string {
	switch u {
	case UrgencyMedium:
		return "medium"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return "low"
	}
}

// Strategy declares how updates for one entity type reach subscribers.
type Strategy struct {
	Mode         Mode
	Urgency      Urgency
	BatchSize    int
	PollInterval time.Duration
}

// Validate rejects malformed strategies at configuration time.
func (s Strategy) Validate() error {
	switch s.Mode {
	case ModeRealtime, ModeEventDriven:
	case ModePolling:
		if s.PollInterval <= 0 {
			return fmt.Errorf("push: poll interval required for polling strategy")
		}
	default:
		return fmt.Errorf("push: mode unsupported: %q", s.Mode)
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("push: batch size invalid: %d", s.BatchSize)
	}
	return nil
}

// defaultStrategy covers entity types with no configured strategy: an unknown
// type falls through to immediate delivery rather than failing.
var defaultStrategy = Strategy{Mode: ModeRealtime, Urgency: UrgencyMedium}
