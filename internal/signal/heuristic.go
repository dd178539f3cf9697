package signal

import (
	"github.com/cinar/indicator/v2/momentum"
)

// Heuristic scores features with RSI over the price window. The score is
// 1 - RSI/100, so neutral RSI 50 maps to 0.5 and the classic 30/70 bands
// fall out of a theta of 0.7. Used when no trained model is deployed.
type Heuristic struct {
	period int
}

// NewHeuristic creates an RSI-based predictor. period defaults to 14.
func NewHeuristic(period int) *Heuristic {
	if period <= 0 {
		period = 14
	}
	return &Heuristic{period: period}
}

// Predict computes RSI over the feature window. Too few samples for a
// stable RSI scores neutral.
func (h *Heuristic) Predict(features []float64) float64 {
	if len(features) <= h.period {
		return 0.5
	}

	prices := make(chan float64, len(features))
	for _, p := range features {
		prices <- p
	}
	close(prices)

	rsi := momentum.NewRsiWithPeriod[float64](h.period)
	var last float64
	seen := false
	for v := range rsi.Compute(prices) {
		last = v
		seen = true
	}
	if !seen {
		return 0.5
	}

	score := 1 - last/100
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
