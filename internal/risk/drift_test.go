package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/config"
)

func testDriftConfig() config.DriftSensorConfig {
	return config.DriftSensorConfig{
		Window:       9,
		PSIThreshold: 0.25,
		EventLimit:   2,
		EventWindow:  time.Hour,
	}
}

// feedDrift observes the given signal classes one second apart and returns
// the timestamp after the last observation.
func feedDrift(s *DriftSensor, start time.Time, signals []int) time.Time {
	ts := start
	for _, sig := range signals {
		s.Observe(ts, sig, 0.8)
		ts = ts.Add(time.Second)
	}
	return ts
}

// balancedSignals cycles through -1, 0, +1.
func balancedSignals(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i%3 - 1
	}
	return out
}

func repeatSignal(n, class int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = class
	}
	return out
}

// TestDriftSensorQuietWhileStable tests that a distribution matching the
// session reference produces no events
func TestDriftSensorQuietWhileStable(t *testing.T) {
	engage, calls := captureEngage()
	s := NewDriftSensor("EURUSD", testDriftConfig(), engage)

	feedDrift(s, time.Unix(1700000000, 0), balancedSignals(27))

	assert.Less(t, s.PSI(), 0.25)
	assert.Equal(t, 0, s.Events())
	assert.Empty(t, *calls)
}

// TestDriftSensorDetectsRegimeChange tests a single edge-triggered event when
// the signal distribution collapses to one class
func TestDriftSensorDetectsRegimeChange(t *testing.T) {
	engage, calls := captureEngage()
	s := NewDriftSensor("EURUSD", testDriftConfig(), engage)

	ts := feedDrift(s, time.Unix(1700000000, 0), balancedSignals(9))
	feedDrift(s, ts, repeatSignal(9, 0))

	assert.GreaterOrEqual(t, s.PSI(), 0.25)
	assert.Equal(t, 1, s.Events(), "one event per excursion above the threshold")
	assert.Empty(t, *calls)
	assert.False(t, s.Tripped())
}

// TestDriftSensorRearmsBelowThreshold tests that returning to the reference
// distribution re-arms the edge trigger
func TestDriftSensorRearmsBelowThreshold(t *testing.T) {
	engage, calls := captureEngage()
	s := NewDriftSensor("EURUSD", testDriftConfig(), engage)

	ts := feedDrift(s, time.Unix(1700000000, 0), balancedSignals(9))
	ts = feedDrift(s, ts, repeatSignal(9, 0))
	require.Equal(t, 1, s.Events())

	// Back to the reference mix: PSI drops, trigger re-arms
	ts = feedDrift(s, ts, balancedSignals(9))
	assert.Less(t, s.PSI(), 0.25)

	feedDrift(s, ts, repeatSignal(9, 0))
	assert.Equal(t, 2, s.Events())
	assert.Empty(t, *calls, "two events stay within the limit")
}

// TestDriftSensorEngagesPastEventLimit tests that exceeding the event limit
// inside the rolling window engages exactly once
func TestDriftSensorEngagesPastEventLimit(t *testing.T) {
	engage, calls := captureEngage()
	s := NewDriftSensor("EURUSD", testDriftConfig(), engage)

	ts := feedDrift(s, time.Unix(1700000000, 0), balancedSignals(9))
	for i := 0; i < 3; i++ {
		ts = feedDrift(s, ts, repeatSignal(9, 0))
		ts = feedDrift(s, ts, balancedSignals(9))
	}

	assert.Equal(t, 3, s.Events())
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, ReasonSignalDrift, call.reason)
	assert.Equal(t, "EURUSD", call.meta["symbol"])
	assert.Equal(t, "3", call.meta["events"])
	assert.True(t, s.Tripped())

	// Another full excursion does not re-engage
	ts = feedDrift(s, ts, repeatSignal(9, 0))
	feedDrift(s, ts, balancedSignals(9))
	assert.Len(t, *calls, 1)
}

// TestDriftSensorPrunesExpiredEvents tests the rolling event window
func TestDriftSensorPrunesExpiredEvents(t *testing.T) {
	cfg := testDriftConfig()
	cfg.EventLimit = 1
	cfg.EventWindow = 10 * time.Second
	engage, calls := captureEngage()
	s := NewDriftSensor("EURUSD", cfg, engage)

	// Two excursions 18 seconds apart: the first event has expired by the
	// time the second lands, so the window never holds more than one.
	ts := feedDrift(s, time.Unix(1700000000, 0), balancedSignals(9))
	ts = feedDrift(s, ts, repeatSignal(9, 0))
	ts = feedDrift(s, ts, balancedSignals(9))
	feedDrift(s, ts, repeatSignal(9, 0))

	assert.Equal(t, 1, s.Events())
	assert.Empty(t, *calls)
	assert.False(t, s.Tripped())
}

// TestDriftSensorRejectsInvalidTuples tests input validation
func TestDriftSensorRejectsInvalidTuples(t *testing.T) {
	s := NewDriftSensor("EURUSD", testDriftConfig(), nil)

	ts := time.Unix(1700000000, 0)
	s.Observe(ts, 2, 0.8)
	s.Observe(ts, -2, 0.8)
	s.Observe(ts, 1, math.NaN())
	s.Observe(ts, 1, 1.5)
	s.Observe(ts, 1, -0.1)

	assert.Equal(t, 0.0, s.PSI())
	assert.Equal(t, 0, s.Events())
}

// TestDriftSensorDefaults tests the documented fallbacks for a zero config
func TestDriftSensorDefaults(t *testing.T) {
	s := NewDriftSensor("EURUSD", config.DriftSensorConfig{}, nil)
	assert.Equal(t, 500, s.cfg.Window)
	assert.Equal(t, 0.25, s.cfg.PSIThreshold)
	assert.Equal(t, 5, s.cfg.EventLimit)
	assert.Equal(t, 24*time.Hour, s.cfg.EventWindow)
}
