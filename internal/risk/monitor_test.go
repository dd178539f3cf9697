package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/config"
)

type engagement struct {
	reason string
	meta   map[string]string
}

// captureEngage returns an EngageFunc that records every call.
func captureEngage() (EngageFunc, *[]engagement) {
	calls := &[]engagement{}
	fn := func(reason string, metadata map[string]string) error {
		*calls = append(*calls, engagement{reason: reason, meta: metadata})
		return nil
	}
	return fn, calls
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyDrawdown:    0.02,
		DrawdownWarning:     0.015,
		MaxAccountLeverage:  5.0,
		LeverageWarning:     4.0,
		KillSwitchMode:      "auto",
		AccountPollInterval: 5 * time.Second,
	}
}

// TestMonitorTracksPeakAndDrawdown tests peak equity monotonicity and the
// derived drawdown and leverage figures
func TestMonitorTracksPeakAndDrawdown(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 20000, FreeMargin: 80000})
	s := m.Snapshot()
	assert.Equal(t, 100000.0, s.PeakEquity)
	assert.Equal(t, 0.0, s.DrawdownPct)
	assert.Equal(t, 0.2, s.Leverage)

	// Equity rises, peak follows
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 102000, Margin: 20000, FreeMargin: 82000})
	s = m.Snapshot()
	assert.Equal(t, 102000.0, s.PeakEquity)
	assert.Equal(t, 0.0, s.DrawdownPct)

	// Equity dips, peak holds
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 101000, Margin: 20000, FreeMargin: 81000})
	s = m.Snapshot()
	assert.Equal(t, 102000.0, s.PeakEquity)
	assert.InDelta(t, 1000.0/102000.0, s.DrawdownPct, 1e-12)
	assert.Equal(t, uint64(3), s.Updates)

	assert.Empty(t, *calls)
	assert.False(t, m.Tripped())
}

// TestMonitorEngagesOnCriticalDrawdown tests the flash-crash path: a drop
// past the hard limit engages with the rendered drawdown detail
func TestMonitorEngagesOnCriticalDrawdown(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 97290, Margin: 10000, FreeMargin: 87290})

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, ReasonDrawdown, call.reason)
	assert.Equal(t, "Drawdown 0.0271 exceeded 0.0200", call.meta["detail"])
	assert.Regexp(t, `Drawdown .* exceeded 0\.0200`, call.meta["detail"])
	assert.True(t, m.Tripped())

	s := m.Snapshot()
	assert.InDelta(t, 0.0271, s.DrawdownPct, 1e-9)
}

// TestMonitorEngagesOnLeverageBreach tests the leverage path with the
// rendered multiplier detail
func TestMonitorEngagesOnLeverageBreach(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 640000, FreeMargin: 0})

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, ReasonLeverage, call.reason)
	assert.Equal(t, "Leverage 6.4x exceeded 5.0x", call.meta["detail"])
	assert.True(t, m.Tripped())
}

// TestMonitorKeepsBookkeepingAfterTrip tests that state updates continue
// after engagement but thresholds are no longer evaluated
func TestMonitorKeepsBookkeepingAfterTrip(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 95000, Margin: 10000, FreeMargin: 85000})
	require.Len(t, *calls, 1)

	// Worse figures afterwards update state without re-engaging
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 90000, Margin: 700000, FreeMargin: 0})
	assert.Len(t, *calls, 1)

	s := m.Snapshot()
	assert.Equal(t, 90000.0, s.Equity)
	assert.Equal(t, uint64(3), s.Updates)
	assert.InDelta(t, 0.10, s.DrawdownPct, 1e-12)
}

// TestMonitorWarningBandDoesNotEngage tests the soft band between warning
// and hard limit
func TestMonitorWarningBandDoesNotEngage(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	// Drawdown 1.8%: above the 1.5% warning, below the 2% hard limit
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 98200, Margin: 10000, FreeMargin: 88200})
	// Leverage 4.5x: above the 4x warning, below the 5x hard limit
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 98200, Margin: 441900, FreeMargin: 0})

	assert.Empty(t, *calls)
	assert.False(t, m.Tripped())
}

// TestMonitorManualKillSwitchAlertsWithoutEngaging tests kill_switch_mode=manual
func TestMonitorManualKillSwitchAlertsWithoutEngaging(t *testing.T) {
	cfg := testRiskConfig()
	cfg.KillSwitchMode = "manual"
	engage, calls := captureEngage()
	m := NewMonitor(cfg, engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 95000, Margin: 10000, FreeMargin: 85000})

	assert.Empty(t, *calls, "manual mode must not engage the breaker")
	assert.True(t, m.Tripped(), "manual mode still latches the monitor")
}

// TestMonitorRejectsNonFiniteUpdate tests that garbage polls do not poison state
func TestMonitorRejectsNonFiniteUpdate(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: math.NaN(), Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: math.Inf(1), Equity: 100000, Margin: 10000, FreeMargin: 90000})

	s := m.Snapshot()
	assert.Equal(t, uint64(1), s.Updates)
	assert.Equal(t, 100000.0, s.Equity)
	assert.Empty(t, *calls)
}

// TestMonitorNegativeEquityTripsDrawdown tests that a blown account is caught
// by the drawdown sensor rather than producing an absurd leverage figure
func TestMonitorNegativeEquityTripsDrawdown(t *testing.T) {
	engage, calls := captureEngage()
	m := NewMonitor(testRiskConfig(), engage)

	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: -500, Margin: 10000, FreeMargin: 0})

	require.Len(t, *calls, 1)
	assert.Equal(t, ReasonDrawdown, (*calls)[0].reason)

	s := m.Snapshot()
	assert.Equal(t, 0.0, s.Leverage)
	assert.Greater(t, s.DrawdownPct, 1.0)
}

// TestMonitorNilEngageFuncIsSafe tests pure-bookkeeping construction
func TestMonitorNilEngageFuncIsSafe(t *testing.T) {
	m := NewMonitor(testRiskConfig(), nil)
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 100000, Margin: 10000, FreeMargin: 90000})
	m.OnTick(AccountUpdate{Balance: 100000, Equity: 90000, Margin: 10000, FreeMargin: 80000})
	assert.True(t, m.Tripped())
}
