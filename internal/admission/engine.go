// Package admission decides whether a model generation may trade live. It
// derives evidence metrics from the shadow session, judges them against the
// gate rules, and emits a decision artifact whose hash the launcher must
// recompute before any order leaves the process.
package admission

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/shadow"
)

// Gate failure reasons. The first failing rule's reason is the primary one.
const (
	ReasonCriticalLatency = "Critical latency event detected"
	ReasonP99Latency      = "P99 latency limit exceeded"
	ReasonDriftBudget     = "Drift event budget exceeded"
	ReasonChallengerF1    = "Challenger F1 below minimum"
	ReasonDiversity       = "Diversity index below minimum"
)

// warningPenalty is subtracted from full confidence per failed WARNING rule.
const warningPenalty = 0.15

// Engine evaluates shadow sessions against the admission gate.
type Engine struct {
	cfg    config.AdmissionConfig
	drift  config.DriftSensorConfig
	logger zerolog.Logger
}

// NewEngine applies gate defaults for zero-valued fields: 100ms critical
// latency, 100ms P99 ceiling, 5 drift events, challenger F1 0.5, diversity
// 0.4, position coefficient 0.1; drift replay defaults to a 500-signal
// window at PSI 0.25.
func NewEngine(cfg config.AdmissionConfig, drift config.DriftSensorConfig) *Engine {
	if cfg.CriticalLatencyMs <= 0 {
		cfg.CriticalLatencyMs = 100.0
	}
	if cfg.P99LimitMs <= 0 {
		cfg.P99LimitMs = 100.0
	}
	if cfg.DriftEventLimit <= 0 {
		cfg.DriftEventLimit = 5
	}
	if cfg.ChallengerF1Min <= 0 {
		cfg.ChallengerF1Min = 0.5
	}
	if cfg.DiversityMin <= 0 {
		cfg.DiversityMin = 0.4
	}
	if cfg.PositionCoefficient <= 0 {
		cfg.PositionCoefficient = 0.1
	}
	if drift.Window <= 0 {
		drift.Window = 500
	}
	if drift.PSIThreshold <= 0 {
		drift.PSIThreshold = 0.25
	}
	return &Engine{
		cfg:    cfg,
		drift:  drift,
		logger: log.With().Str("component", "admission").Logger(),
	}
}

// Decide derives metrics from the session, applies the gate rules in order,
// and returns the built decision.
func (e *Engine) Decide(records []shadow.Record, report *ComparisonReport) (*Decision, error) {
	if report == nil {
		return nil, fmt.Errorf("admission requires a comparison report")
	}
	if err := report.Validate(); err != nil {
		return nil, fmt.Errorf("invalid comparison report: %w", err)
	}

	m := e.DeriveMetrics(records)
	outcome, confidence, reasons := e.evaluate(m, report)

	coefficient := e.cfg.PositionCoefficient
	if outcome == DecisionNoGo {
		coefficient = 0
	}

	decision, err := NewDecisionBuilder().
		WithMetrics(m).
		WithReport(report).
		WithOutcome(outcome, confidence, reasons).
		WithPositionCoefficient(coefficient).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build admission decision: %w", err)
	}

	metrics.RecordAdmissionDecision(outcome)
	evt := e.logger.Info()
	if outcome == DecisionNoGo {
		evt = e.logger.Error()
	}
	evt.
		Str("decision", outcome).
		Float64("confidence", confidence).
		Strs("reasons", reasons).
		Str("hash", decision.DecisionHash).
		Msg("Admission decision")
	return decision, nil
}

// evaluate runs the gate rules in order. Hard rules reject outright; soft
// rules each shave warningPenalty off the approval confidence. Every failure
// is collected so the report shows the full picture, with the first failure
// primary.
func (e *Engine) evaluate(m Metrics, report *ComparisonReport) (string, float64, []string) {
	var reasons []string
	nogo := false
	warnings := 0

	if m.CriticalErrors != 0 {
		reasons = append(reasons, ReasonCriticalLatency)
		nogo = true
	}
	if m.P99LatencyMs >= e.cfg.P99LimitMs {
		reasons = append(reasons, ReasonP99Latency)
		nogo = true
	}
	if m.DriftEvents24h >= e.cfg.DriftEventLimit {
		reasons = append(reasons, ReasonDriftBudget)
		nogo = true
	}
	if report.ChallengerF1 <= e.cfg.ChallengerF1Min {
		reasons = append(reasons, ReasonChallengerF1)
		warnings++
	}
	if report.DiversityIndex <= e.cfg.DiversityMin {
		reasons = append(reasons, ReasonDiversity)
		warnings++
	}

	switch {
	case nogo:
		return DecisionNoGo, 0, reasons
	case warnings > 0:
		confidence := 1.0 - warningPenalty*float64(warnings)
		if confidence < 0 {
			confidence = 0
		}
		return DecisionWarning, confidence, reasons
	default:
		return DecisionGo, 1.0, nil
	}
}
