package signal

import (
	"github.com/shopspring/decimal"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/stats"
)

// Inputs is one evaluation's feature snapshot and sizing context.
type Inputs struct {
	Features     []float64
	Balance      float64
	CurrentPrice float64
	// Coefficient scales position sizing (admission gate and launch ramp).
	// Zero or negative means no sizing authority: signals still classify
	// but no intent is produced.
	Coefficient float64
}

// Intent is a sized order proposal. Symbol, magic number and
// client_order_id are attached by the symbol loop.
type Intent struct {
	Volume     float64
	StopLoss   float64
	TakeProfit float64
}

// Result is one evaluation outcome. Intent is nil when Signal is 0 or when
// sizing produced no tradable volume.
type Result struct {
	Signal     int
	Score      float64
	Confidence float64
	Intent     *Intent
}

// Adapter is the pure scoring-and-sizing function. It holds the predictor
// and the sizing parameters fixed at construction; Evaluate performs no I/O.
type Adapter struct {
	pred Predictor
	cfg  config.TradingConfig
}

// NewAdapter creates an Adapter from a predictor and the trading settings.
func NewAdapter(pred Predictor, cfg config.TradingConfig) *Adapter {
	return &Adapter{pred: pred, cfg: cfg}
}

// Evaluate scores the features and classifies: score > theta is long,
// score < 1-theta is short, anything else is flat. Non-zero signals carry a
// sized intent unless the inputs cannot support one.
func (a *Adapter) Evaluate(in Inputs) Result {
	score := clamp01(a.pred.Predict(in.Features))

	res := Result{
		Score:      score,
		Confidence: clamp01(2 * abs(score-0.5)),
	}
	switch {
	case score > a.cfg.Theta:
		res.Signal = 1
	case score < 1-a.cfg.Theta:
		res.Signal = -1
	default:
		return res
	}

	if !stats.IsFinite(in.CurrentPrice) || in.CurrentPrice <= 0 ||
		!stats.IsFinite(in.Balance) || in.Balance <= 0 ||
		in.Coefficient <= 0 {
		return res
	}

	volume := a.sizeVolume(in.Balance, in.Coefficient)
	if volume <= 0 {
		return res
	}

	intent := &Intent{Volume: volume}
	if a.cfg.StopDistance > 0 {
		if res.Signal > 0 {
			intent.StopLoss = in.CurrentPrice - a.cfg.StopDistance
		} else {
			intent.StopLoss = in.CurrentPrice + a.cfg.StopDistance
		}
	}
	res.Intent = intent
	return res
}

// sizeVolume computes lots risked per trade: balance x risk_per_trade spread
// over the stop distance, scaled by the coefficient, floored to the volume
// step and capped at the position limit. Decimal arithmetic keeps the
// flooring exact so equal inputs always size identically.
func (a *Adapter) sizeVolume(balance, coefficient float64) float64 {
	denom := a.cfg.StopDistance * a.cfg.ContractSize
	if denom <= 0 || a.cfg.VolumeStep <= 0 {
		return 0
	}

	raw := decimal.NewFromFloat(balance).
		Mul(decimal.NewFromFloat(a.cfg.RiskPerTrade)).
		Div(decimal.NewFromFloat(denom)).
		Mul(decimal.NewFromFloat(coefficient))

	step := decimal.NewFromFloat(a.cfg.VolumeStep)
	volume := raw.Div(step).Floor().Mul(step)

	if a.cfg.MaxPositionSize > 0 {
		limit := decimal.NewFromFloat(a.cfg.MaxPositionSize)
		if volume.GreaterThan(limit) {
			volume = limit.Div(step).Floor().Mul(step)
		}
	}
	v, _ := volume.Float64()
	return v
}

func clamp01(v float64) float64 {
	if !stats.IsFinite(v) {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
