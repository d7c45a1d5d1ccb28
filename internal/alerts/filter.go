package alerts

import (
	"fmt"
	"math"

	"github.com/driftline/driftline/internal/signal"
)

// Filter decides whether a channel wants an aggregate at all. Filters
// run before cooldown and dedup checks.
type Filter func(ag signal.AggregatedSignal) bool

// FilterSpec is the declarative predicate a channel's filter is
// compiled from. Zero values mean "no constraint", except Directions:
// an empty direction list admits LONG and SHORT but drops NEUTRAL, so
// a channel has to opt in to be told about flat consensus.
type FilterSpec struct {
	MinConfidence float64  `yaml:"min_confidence" json:"min_confidence"`
	Directions    []string `yaml:"directions" json:"directions"`
	Assets        []string `yaml:"assets" json:"assets"`
	Strengths     []string `yaml:"strengths" json:"strengths"`
}

// Compile validates the spec and returns the predicate.
func (s FilterSpec) Compile() (Filter, error) {
	if math.IsNaN(s.MinConfidence) || s.MinConfidence < 0 || s.MinConfidence > 1 {
		return nil, fmt.Errorf("alerts: filter min_confidence %v outside [0,1]", s.MinConfidence)
	}

	directions := make(map[signal.Direction]bool, len(s.Directions))
	if len(s.Directions) == 0 {
		directions[signal.Long] = true
		directions[signal.Short] = true
	}
	for _, d := range s.Directions {
		dir := signal.Direction(d)
		switch dir {
		case signal.Long, signal.Short, signal.Neutral:
			directions[dir] = true
		default:
			return nil, fmt.Errorf("alerts: filter direction %q unknown", d)
		}
	}

	strengths := make(map[signal.Strength]bool, len(s.Strengths))
	for _, v := range s.Strengths {
		st := signal.Strength(v)
		switch st {
		case signal.Weak, signal.Moderate, signal.Strong:
			strengths[st] = true
		default:
			return nil, fmt.Errorf("alerts: filter strength %q unknown", v)
		}
	}

	assets := make(map[string]bool, len(s.Assets))
	for _, a := range s.Assets {
		if a == "" {
			return nil, fmt.Errorf("alerts: filter lists an empty asset")
		}
		assets[a] = true
	}

	minConfidence := s.MinConfidence
	return func(ag signal.AggregatedSignal) bool {
		if ag.Confidence < minConfidence {
			return false
		}
		if !directions[ag.Direction] {
			return false
		}
		if len(strengths) > 0 && !strengths[ag.Strength] {
			return false
		}
		if len(assets) > 0 && !assets[ag.AssetID] {
			return false
		}
		return true
	}, nil
}

// DefaultFilter admits every LONG and SHORT aggregate and drops
// NEUTRAL. The zero spec always compiles.
func DefaultFilter() Filter {
	f, _ := FilterSpec{}.Compile()
	return f
}
