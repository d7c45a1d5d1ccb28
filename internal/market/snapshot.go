package market

// Snapshot is a read-only window of observations keyed by series id,
// the input handed to strategies. Each slice is sorted by timestamp
// ascending; strategies must not mutate it.
type Snapshot map[string][]Observation

// Series returns the observations for one series, nil when absent.
func (s Snapshot) Series(id string) []Observation { return s[id] }

// Len reports how many observations a series carries.
func (s Snapshot) Len(id string) int { return len(s[id]) }

// Last returns the most recent observation of a series.
func (s Snapshot) Last(id string) (Observation, bool) {
	obs := s[id]
	if len(obs) == 0 {
		return Observation{}, false
	}
	return obs[len(obs)-1], true
}

// Prices extracts the representative price of every observation in a
// series, oldest first.
func (s Snapshot) Prices(id string) []float64 {
	obs := s[id]
	if len(obs) == 0 {
		return nil
	}
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = o.Price()
	}
	return out
}
