package track

import (
	"fmt"
	"math"
	"strings"
)

// ThresholdKind selects the comparison a threshold applies.
type ThresholdKind string

const (
	// ThresholdAbove fires when the new value rises to or past the bound.
	ThresholdAbove ThresholdKind = "above"
	// ThresholdBelow fires when the new value falls to or past the bound.
	ThresholdBelow ThresholdKind = "below"
	// ThresholdChange fires when the delta magnitude reaches the bound.
	ThresholdChange ThresholdKind = "change"
)

// Threshold declares when a resource delta counts as significant. Either
// Kind/Value or a CEL Expr over {old, new, delta} is supplied; Expr wins when
// both are present at construction.
type Threshold struct {
	Kind  ThresholdKind
	Value float64
	Expr  string

	compiled predicate
}

// NewThreshold validates and, for expression thresholds, compiles the rule.
func NewThreshold(kind ThresholdKind, value float64, expr string) (Threshold, error) {
	th := Threshold{Kind: kind, Value: value, Expr: strings.TrimSpace(expr)}
	if th.Expr != "" {
		compiled, err := compilePredicate(th.Expr)
		if err != nil {
			return Threshold{}, err
		}
		th.compiled = compiled
		return th, nil
	}
	switch kind {
	case ThresholdAbove, ThresholdBelow, ThresholdChange:
		return th, nil
	default:
		return Threshold{}, fmt.Errorf("track: threshold kind unsupported: %q", kind)
	}
}

// significant evaluates the threshold against one change.
func (th Threshold) significant(old, newValue, delta float64) bool {
	if th.Expr != "" {
		ok, err := th.compiled.eval(old, newValue, delta)
		if err != nil {
			return false
		}
		return ok
	}
	switch th.Kind {
	case ThresholdAbove:
		return newValue >= th.Value
	case ThresholdBelow:
		return newValue <= th.Value
	case ThresholdChange:
		return math.Abs(delta) >= th.Value
	default:
		return false
	}
}

// defaultSignificant applies the built-in per-resource rules used when no
// configured threshold matches. Action points and hit points move the game
// state machine, so any change is push-worthy; gold and stress only matter in
// bulk.
func defaultSignificant(resource string, newValue, delta float64) bool {
	switch strings.ToLower(resource) {
	case "ap", "hp":
		return delta != 0
	case "gold":
		return math.Abs(delta) >= 100
	case "stress":
		return newValue >= 80 || math.Abs(delta) >= 20
	default:
		return math.Abs(delta) >= 50
	}
}
