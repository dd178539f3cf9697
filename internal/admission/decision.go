package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mt5-crs/executor/internal/stats"
)

// Decision outcomes.
const (
	DecisionGo      = "GO"
	DecisionNoGo    = "NO-GO"
	DecisionWarning = "WARNING"
)

// Decision is the admission artifact: the metrics a model generation was
// judged on, the outcome, and the hash the launcher must recompute before
// trading. challenger_f1 is part of the hash input, so it travels in the
// artifact even though only diversity_index is surfaced in reports.
type Decision struct {
	Timestamp           float64  `json:"timestamp"`
	Decision            string   `json:"decision"`
	ApprovalConfidence  float64  `json:"approval_confidence"`
	CriticalErrors      int      `json:"critical_errors"`
	P95LatencyMs        float64  `json:"p95_latency_ms"`
	P99LatencyMs        float64  `json:"p99_latency_ms"`
	DriftEvents24h      int      `json:"drift_events_24h"`
	PnLNetReturn        float64  `json:"pnl_net_return"`
	DiversityIndex      float64  `json:"diversity_index"`
	ChallengerF1        float64  `json:"challenger_f1"`
	RejectionReasons    []string `json:"rejection_reasons"`
	DecisionHash        string   `json:"decision_hash"`
	PositionCoefficient float64  `json:"position_coefficient"`
}

// ComputeHash returns the first 16 hex characters of the SHA-256 digest of
// the canonical metric serialization. Field order and float formatting are
// fixed: the hash is the authorization token the launcher verifies, so two
// runs over identical inputs must agree byte for byte.
func ComputeHash(criticalErrors int, p95, p99 float64, drift24h int, challengerF1, diversity float64, decision string) string {
	canonical := fmt.Sprintf(
		"critical_errors=%d|p95=%.6f|p99=%.6f|drift_24h=%d|challenger_f1=%.6f|diversity=%.6f|decision=%s",
		criticalErrors, p95, p99, drift24h, challengerF1, diversity, decision,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// Verify recomputes the hash from the decision's own fields and compares it
// to the stored one. A mismatch means the artifact was edited after it was
// issued.
func (d *Decision) Verify() error {
	want := ComputeHash(d.CriticalErrors, d.P95LatencyMs, d.P99LatencyMs,
		d.DriftEvents24h, d.ChallengerF1, d.DiversityIndex, d.Decision)
	if d.DecisionHash != want {
		return fmt.Errorf("decision hash mismatch: artifact says %s, metrics say %s", d.DecisionHash, want)
	}
	return nil
}

// DecisionBuilder assembles and validates a Decision. Build computes the
// hash last, after every field it covers is final.
type DecisionBuilder struct {
	d Decision
}

// NewDecisionBuilder starts a builder stamped with the current time.
func NewDecisionBuilder() *DecisionBuilder {
	return &DecisionBuilder{d: Decision{
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}}
}

// At overrides the artifact timestamp.
func (b *DecisionBuilder) At(ts time.Time) *DecisionBuilder {
	b.d.Timestamp = float64(ts.UnixNano()) / float64(time.Second)
	return b
}

// WithMetrics fills the derived-metric fields.
func (b *DecisionBuilder) WithMetrics(m Metrics) *DecisionBuilder {
	b.d.CriticalErrors = m.CriticalErrors
	b.d.P95LatencyMs = m.P95LatencyMs
	b.d.P99LatencyMs = m.P99LatencyMs
	b.d.DriftEvents24h = m.DriftEvents24h
	b.d.PnLNetReturn = m.PnLNetReturn
	return b
}

// WithReport fills the fields passed through from the comparison report.
func (b *DecisionBuilder) WithReport(r *ComparisonReport) *DecisionBuilder {
	b.d.ChallengerF1 = r.ChallengerF1
	b.d.DiversityIndex = r.DiversityIndex
	return b
}

// WithOutcome sets the verdict. reasons must be empty for GO and non-empty
// otherwise; the first reason is the primary one.
func (b *DecisionBuilder) WithOutcome(decision string, confidence float64, reasons []string) *DecisionBuilder {
	b.d.Decision = decision
	b.d.ApprovalConfidence = confidence
	b.d.RejectionReasons = reasons
	return b
}

// WithPositionCoefficient sets the initial sizing coefficient the launcher
// seeds into the adapter.
func (b *DecisionBuilder) WithPositionCoefficient(c float64) *DecisionBuilder {
	b.d.PositionCoefficient = c
	return b
}

// Build validates the assembled decision and stamps its hash.
func (b *DecisionBuilder) Build() (*Decision, error) {
	d := b.d

	switch d.Decision {
	case DecisionGo, DecisionNoGo, DecisionWarning:
	default:
		return nil, fmt.Errorf("invalid decision %q", d.Decision)
	}
	if !stats.IsFinite(d.ApprovalConfidence) || d.ApprovalConfidence < 0 || d.ApprovalConfidence > 1 {
		return nil, fmt.Errorf("approval confidence %v out of [0, 1]", d.ApprovalConfidence)
	}
	if d.Decision == DecisionGo && len(d.RejectionReasons) > 0 {
		return nil, fmt.Errorf("GO decision cannot carry rejection reasons")
	}
	if d.Decision != DecisionGo && len(d.RejectionReasons) == 0 {
		return nil, fmt.Errorf("%s decision requires at least one reason", d.Decision)
	}
	if d.CriticalErrors < 0 || d.DriftEvents24h < 0 {
		return nil, fmt.Errorf("negative metric counts")
	}
	for name, v := range map[string]float64{
		"p95_latency_ms":       d.P95LatencyMs,
		"p99_latency_ms":       d.P99LatencyMs,
		"pnl_net_return":       d.PnLNetReturn,
		"diversity_index":      d.DiversityIndex,
		"challenger_f1":        d.ChallengerF1,
		"position_coefficient": d.PositionCoefficient,
	} {
		if !stats.IsFinite(v) {
			return nil, fmt.Errorf("%s is not a finite number", name)
		}
	}
	if d.P95LatencyMs < 0 || d.P99LatencyMs < 0 {
		return nil, fmt.Errorf("negative latency percentiles")
	}
	if d.Timestamp <= 0 {
		return nil, fmt.Errorf("missing timestamp")
	}
	if d.RejectionReasons == nil {
		d.RejectionReasons = []string{}
	}

	d.DecisionHash = ComputeHash(d.CriticalErrors, d.P95LatencyMs, d.P99LatencyMs,
		d.DriftEvents24h, d.ChallengerF1, d.DiversityIndex, d.Decision)
	return &d, nil
}
