package alerts

import (
	"github.com/driftline/driftline/internal/signal"
)

// Record categories, used both inside the record and as the filename
// prefix.
const (
	CategorySignal      = "signal"
	CategoryOperational = "operational"
)

// Record is the self-contained alert document written to the alert
// store and pushed to downstream consumers. One record per aggregated
// signal.
type Record struct {
	Category     string           `json:"category"`
	TimestampMs  int64            `json:"timestamp_ms"`
	CycleID      string           `json:"cycle_id"`
	Asset        string           `json:"asset"`
	Direction    signal.Direction `json:"direction"`
	Confidence   float64          `json:"confidence"`
	Strength     signal.Strength  `json:"strength"`
	Price        float64          `json:"price"`
	PositionSize float64          `json:"position_size"`
	StopLoss     float64          `json:"stop_loss"`
	TakeProfit   float64          `json:"take_profit"`
	Contributors []string         `json:"contributors"`
	Method       signal.Method    `json:"method"`
	Context      map[string]any   `json:"context,omitempty"`
}

// NewRecord maps an aggregated signal onto the alert document schema.
func NewRecord(ag signal.AggregatedSignal) Record {
	contributors := ag.Contributors
	if contributors == nil {
		contributors = []string{}
	}
	return Record{
		Category:     CategorySignal,
		TimestampMs:  ag.Timestamp,
		CycleID:      ag.CycleID,
		Asset:        ag.AssetID,
		Direction:    ag.Direction,
		Confidence:   ag.Confidence,
		Strength:     ag.Strength,
		Price:        ag.Price,
		PositionSize: ag.PositionSize,
		StopLoss:     ag.StopLoss,
		TakeProfit:   ag.TakeProfit,
		Contributors: contributors,
		Method:       ag.Method,
		Context:      ag.Context,
	}
}

// OperationalRecord is the alert document for pipeline incidents, for
// example a strategy excluded from a cycle. It shares the alert store
// with signal records.
type OperationalRecord struct {
	Category    string         `json:"category"`
	TimestampMs int64          `json:"timestamp_ms"`
	Component   string         `json:"component"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
}
