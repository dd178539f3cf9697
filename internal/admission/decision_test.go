package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestDecision(t *testing.T) *Decision {
	t.Helper()
	d, err := NewDecisionBuilder().
		At(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)).
		WithMetrics(Metrics{P95LatencyMs: 12.5, P99LatencyMs: 30.0, PnLNetReturn: 0.004}).
		WithReport(testReport()).
		WithOutcome(DecisionGo, 1.0, nil).
		WithPositionCoefficient(0.1).
		Build()
	require.NoError(t, err)
	return d
}

func TestComputeHashMatchesCanonicalSerialization(t *testing.T) {
	canonical := fmt.Sprintf(
		"critical_errors=%d|p95=%.6f|p99=%.6f|drift_24h=%d|challenger_f1=%.6f|diversity=%.6f|decision=%s",
		0, 0.0, 0.0, 0, 0.5985, 0.593, DecisionGo,
	)
	sum := sha256.Sum256([]byte(canonical))
	want := hex.EncodeToString(sum[:])[:16]

	assert.Equal(t, want, ComputeHash(0, 0, 0, 0, 0.5985, 0.593, DecisionGo))
	assert.Len(t, ComputeHash(0, 0, 0, 0, 0.5985, 0.593, DecisionGo), 16)
}

func TestComputeHashIsSensitiveToEveryField(t *testing.T) {
	base := ComputeHash(0, 1, 2, 3, 0.6, 0.5, DecisionGo)
	assert.NotEqual(t, base, ComputeHash(1, 1, 2, 3, 0.6, 0.5, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1.000001, 2, 3, 0.6, 0.5, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1, 2.000001, 3, 0.6, 0.5, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1, 2, 4, 0.6, 0.5, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1, 2, 3, 0.600001, 0.5, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1, 2, 3, 0.6, 0.500001, DecisionGo))
	assert.NotEqual(t, base, ComputeHash(0, 1, 2, 3, 0.6, 0.5, DecisionNoGo))
}

func TestBuilderStampsVerifiableHash(t *testing.T) {
	d := buildTestDecision(t)
	assert.Regexp(t, "^[0-9a-f]{16}$", d.DecisionHash)
	assert.NoError(t, d.Verify())
	assert.NotNil(t, d.RejectionReasons, "artifact serializes [] rather than null")
}

func TestVerifyDetectsTampering(t *testing.T) {
	d := buildTestDecision(t)

	tampered := *d
	tampered.P95LatencyMs = 99.0
	assert.Error(t, tampered.Verify())

	forged := *d
	forged.DecisionHash = "0123456789abcdef"
	assert.Error(t, forged.Verify())
}

func TestBuilderValidation(t *testing.T) {
	valid := func() *DecisionBuilder {
		return NewDecisionBuilder().
			WithMetrics(Metrics{}).
			WithReport(testReport()).
			WithPositionCoefficient(0.1)
	}

	tests := []struct {
		name    string
		builder *DecisionBuilder
	}{
		{"unknown decision", valid().WithOutcome("MAYBE", 1.0, []string{"x"})},
		{"GO with reasons", valid().WithOutcome(DecisionGo, 1.0, []string{"leftover"})},
		{"NO-GO without reasons", valid().WithOutcome(DecisionNoGo, 0, nil)},
		{"WARNING without reasons", valid().WithOutcome(DecisionWarning, 0.85, nil)},
		{"confidence above one", valid().WithOutcome(DecisionGo, 1.2, nil)},
		{"confidence below zero", valid().WithOutcome(DecisionGo, -0.1, nil)},
		{"nan confidence", valid().WithOutcome(DecisionGo, math.NaN(), nil)},
		{
			"nan metric",
			valid().WithMetrics(Metrics{P95LatencyMs: math.NaN()}).WithOutcome(DecisionGo, 1.0, nil),
		},
		{
			"negative latency",
			valid().WithMetrics(Metrics{P99LatencyMs: -1}).WithOutcome(DecisionGo, 1.0, nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			assert.Error(t, err)
		})
	}

	d, err := valid().WithOutcome(DecisionWarning, 0.85, []string{ReasonDiversity}).Build()
	require.NoError(t, err)
	assert.Equal(t, DecisionWarning, d.Decision)
}
