package config

import (
	"fmt"
	"math"
	"os"

	yamlv2 "gopkg.in/yaml.v2"

	"github.com/driftline/driftline/internal/strategy"
)

// Profile is the strategies profile file: the enabled set, the vote
// weights behind weighted consensus, and the specs that build each
// strategy instance.
type Profile struct {
	Enabled    []string           `yaml:"enabled"`
	Weights    map[string]float64 `yaml:"weights"`
	Validation ProfileValidation  `yaml:"validation"`
	Strategies []strategy.Spec    `yaml:"strategies"`
}

// ProfileValidation bounds the weight table.
type ProfileValidation struct {
	WeightSumTolerance float64 `yaml:"weight_sum_tolerance"`
	MinWeight          float64 `yaml:"min_weight"`
	MaxWeight          float64 `yaml:"max_weight"`
}

// LoadProfile reads and validates the strategies profile.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read strategies profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile behaves like LoadProfile on in-memory bytes.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yamlv2.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse strategies profile: %w", err)
	}
	if p.Validation.WeightSumTolerance == 0 {
		p.Validation.WeightSumTolerance = 0.01
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("invalid strategies profile: %w", err)
	}
	return p, nil
}

// Validate checks the profile's internal consistency: enabled ids
// resolve to specs, spec ids are unique, and when weights are present
// they cover only enabled strategies and sum to 1 within tolerance.
// Whether weights are required at all depends on the aggregation
// method, so that check stays with the aggregator.
func (p Profile) Validate() error {
	if len(p.Enabled) == 0 {
		return fmt.Errorf("enabled cannot be empty")
	}

	specs := make(map[string]bool, len(p.Strategies))
	for i, s := range p.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d]: id cannot be empty", i)
		}
		if specs[s.ID] {
			return fmt.Errorf("strategies[%d]: duplicate id %q", i, s.ID)
		}
		specs[s.ID] = true
	}

	seen := make(map[string]bool, len(p.Enabled))
	for _, id := range p.Enabled {
		if seen[id] {
			return fmt.Errorf("strategy %s enabled twice", id)
		}
		seen[id] = true
		if !specs[id] {
			return fmt.Errorf("enabled strategy %s has no spec", id)
		}
	}

	if len(p.Weights) == 0 {
		return nil
	}
	sum := 0.0
	for id, w := range p.Weights {
		if !seen[id] {
			return fmt.Errorf("weight for %s but strategy is not enabled", id)
		}
		if p.Validation.MinWeight > 0 && w < p.Validation.MinWeight {
			return fmt.Errorf("weight for %s (%.3f) below minimum (%.3f)", id, w, p.Validation.MinWeight)
		}
		if p.Validation.MaxWeight > 0 && w > p.Validation.MaxWeight {
			return fmt.Errorf("weight for %s (%.3f) above maximum (%.3f)", id, w, p.Validation.MaxWeight)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > p.Validation.WeightSumTolerance {
		return fmt.Errorf("weights sum to %.4f, expected 1.0 ± %.3f", sum, p.Validation.WeightSumTolerance)
	}
	return nil
}
