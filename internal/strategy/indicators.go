package strategy

import (
	"math"

	"github.com/driftline/driftline/internal/market"
)

// rsi computes the relative strength index over the trailing period.
// Returns the neutral 50 when there is not enough history.
func rsi(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}
	gains := 0.0
	losses := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses += math.Abs(change)
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// atr computes the average true range over the trailing period from
// candle observations. Returns 0 when there is not enough history or
// the series is not candles.
func atr(obs []market.Observation, period int) float64 {
	if len(obs) < period+1 {
		return 0.0
	}
	trSum := 0.0
	for i := len(obs) - period; i < len(obs); i++ {
		cur := obs[i].Payload.OHLCV
		prev := obs[i-1].Payload.OHLCV
		if cur == nil || prev == nil {
			return 0.0
		}
		tr := math.Max(
			cur.High-cur.Low,
			math.Max(
				math.Abs(cur.High-prev.Close),
				math.Abs(cur.Low-prev.Close),
			),
		)
		trSum += tr
	}
	return trSum / float64(period)
}

// meanStd computes the mean and population standard deviation of the
// trailing window.
func meanStd(values []float64, window int) (mean, std float64) {
	if window <= 0 || len(values) < window {
		return 0, 0
	}
	tail := values[len(values)-window:]
	for _, v := range tail {
		mean += v
	}
	mean /= float64(window)
	for _, v := range tail {
		d := v - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(window))
	return mean, std
}

// lookbackReturn is the relative change from n bars ago to the last
// close. Returns 0 when history is short or the anchor is zero.
func lookbackReturn(closes []float64, n int) float64 {
	if n <= 0 || len(closes) < n+1 {
		return 0
	}
	anchor := closes[len(closes)-1-n]
	if anchor == 0 {
		return 0
	}
	return (closes[len(closes)-1] - anchor) / anchor
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
