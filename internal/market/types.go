// Package market holds the normalized domain types shared across the
// pipeline: observations collected from providers and the payload
// variants they carry. All timestamps are epoch milliseconds UTC,
// normalized at ingress.
package market

import "fmt"

// PayloadKind identifies which variant an Observation carries.
type PayloadKind string

const (
	KindOHLCV PayloadKind = "ohlcv"
	KindMacro PayloadKind = "macro"
	KindBook  PayloadKind = "book"
)

// OHLCV is one candle for an asset series.
type OHLCV struct {
	Open   float64 `json:"open" db:"open"`
	High   float64 `json:"high" db:"high"`
	Low    float64 `json:"low" db:"low"`
	Close  float64 `json:"close" db:"close"`
	Volume float64 `json:"volume" db:"volume"`
}

// MacroPoint is one scalar macro indicator reading (VIX, DXY, rates).
type MacroPoint struct {
	Value float64 `json:"value" db:"value"`
}

// BookSnapshot is a top-of-book snapshot.
type BookSnapshot struct {
	BidPrice float64 `json:"bid_price" db:"bid_price"`
	BidSize  float64 `json:"bid_size" db:"bid_size"`
	AskPrice float64 `json:"ask_price" db:"ask_price"`
	AskSize  float64 `json:"ask_size" db:"ask_size"`
}

// Payload is the tagged union of observation bodies. Exactly one field
// is set.
type Payload struct {
	OHLCV *OHLCV        `json:"ohlcv,omitempty"`
	Macro *MacroPoint   `json:"macro,omitempty"`
	Book  *BookSnapshot `json:"book,omitempty"`
}

// Kind reports which variant is set, or "" when none is.
func (p Payload) Kind() PayloadKind {
	switch {
	case p.OHLCV != nil:
		return KindOHLCV
	case p.Macro != nil:
		return KindMacro
	case p.Book != nil:
		return KindBook
	}
	return ""
}

func (p Payload) validate() error {
	set := 0
	if p.OHLCV != nil {
		set++
	}
	if p.Macro != nil {
		set++
	}
	if p.Book != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("payload must carry exactly one variant, has %d", set)
	}
	return nil
}

// Observation is the unit of collected data. (SeriesID, Timestamp) is
// unique in the store; observations are never mutated after creation.
type Observation struct {
	SeriesID  string  `json:"series_id" db:"series_id"`
	Timestamp int64   `json:"timestamp_ms" db:"timestamp_ms"`
	Payload   Payload `json:"payload"`
}

// Validate enforces the ingress invariants: non-empty series id, a
// positive epoch-millisecond timestamp, exactly one payload variant.
func (o Observation) Validate() error {
	if o.SeriesID == "" {
		return fmt.Errorf("observation: empty series_id")
	}
	if o.Timestamp <= 0 {
		return fmt.Errorf("observation %s: non-positive timestamp %d", o.SeriesID, o.Timestamp)
	}
	if err := o.Payload.validate(); err != nil {
		return fmt.Errorf("observation %s@%d: %w", o.SeriesID, o.Timestamp, err)
	}
	return nil
}

// Price returns the representative price of the observation: close for
// candles, value for macro points, mid for book snapshots.
func (o Observation) Price() float64 {
	switch {
	case o.Payload.OHLCV != nil:
		return o.Payload.OHLCV.Close
	case o.Payload.Macro != nil:
		return o.Payload.Macro.Value
	case o.Payload.Book != nil:
		return (o.Payload.Book.BidPrice + o.Payload.Book.AskPrice) / 2
	}
	return 0
}

// NewOHLCV builds a candle observation.
func NewOHLCV(seriesID string, tsMs int64, o, h, l, c, v float64) Observation {
	return Observation{
		SeriesID:  seriesID,
		Timestamp: tsMs,
		Payload:   Payload{OHLCV: &OHLCV{Open: o, High: h, Low: l, Close: c, Volume: v}},
	}
}

// NewMacro builds a scalar macro observation.
func NewMacro(seriesID string, tsMs int64, value float64) Observation {
	return Observation{
		SeriesID:  seriesID,
		Timestamp: tsMs,
		Payload:   Payload{Macro: &MacroPoint{Value: value}},
	}
}

// NewBook builds a top-of-book observation.
func NewBook(seriesID string, tsMs int64, bidPx, bidSz, askPx, askSz float64) Observation {
	return Observation{
		SeriesID:  seriesID,
		Timestamp: tsMs,
		Payload: Payload{Book: &BookSnapshot{
			BidPrice: bidPx, BidSize: bidSz, AskPrice: askPx, AskSize: askSz,
		}},
	}
}
