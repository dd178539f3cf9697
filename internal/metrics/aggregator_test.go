package metrics

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator() *Aggregator {
	return NewAggregator([]string{"EURUSD", "GBPUSD", "XAUUSD.s"})
}

func TestAggregatorRecordTrade(t *testing.T) {
	agg := newTestAggregator()

	require.NoError(t, agg.RecordTrade("EURUSD", 12.50, 0.10))
	require.NoError(t, agg.RecordTrade("EURUSD", -4.25, 0.10))
	require.NoError(t, agg.RecordTrade("GBPUSD", 3.00, 0.05))

	snap, err := agg.SymbolMetrics("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Trades)
	assert.Equal(t, int64(1), snap.Wins)
	assert.InDelta(t, 8.25, snap.PnL, 1e-9)
	assert.InDelta(t, 0.20, snap.Volume, 1e-9)
	assert.False(t, snap.LastTradeAt.IsZero())
}

func TestAggregatorTotalsMatchPerSymbolSum(t *testing.T) {
	agg := newTestAggregator()

	require.NoError(t, agg.RecordTrade("EURUSD", 10, 0.1))
	require.NoError(t, agg.RecordTrade("GBPUSD", -3, 0.2))
	require.NoError(t, agg.RecordTrade("XAUUSD.s", 7.5, 0.05))
	require.NoError(t, agg.SetExposure("EURUSD", 12000))
	require.NoError(t, agg.SetExposure("GBPUSD", 6500))

	result := agg.AggregateMetrics()

	var pnlSum, exposureSum float64
	for _, s := range result.Symbols {
		pnlSum += s.PnL
		exposureSum += s.Exposure
	}
	assert.InDelta(t, pnlSum, result.TotalPnL, 1e-9)
	assert.InDelta(t, exposureSum, result.TotalExposure, 1e-9)
	assert.InDelta(t, 14.5, result.TotalPnL, 1e-9)
	assert.InDelta(t, 18500, result.TotalExposure, 1e-9)
}

func TestAggregatorRejectsBadSamples(t *testing.T) {
	agg := newTestAggregator()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "nan pnl",
			call: func() error { return agg.RecordTrade("EURUSD", math.NaN(), 0.1) },
			want: ErrInvalidSample,
		},
		{
			name: "positive infinity pnl",
			call: func() error { return agg.RecordTrade("EURUSD", math.Inf(1), 0.1) },
			want: ErrInvalidSample,
		},
		{
			name: "negative volume",
			call: func() error { return agg.RecordTrade("EURUSD", 5, -0.1) },
			want: ErrInvalidSample,
		},
		{
			name: "unknown symbol trade",
			call: func() error { return agg.RecordTrade("USDJPY", 5, 0.1) },
			want: ErrUnknownSymbol,
		},
		{
			name: "nan exposure",
			call: func() error { return agg.SetExposure("EURUSD", math.NaN()) },
			want: ErrInvalidSample,
		},
		{
			name: "negative exposure",
			call: func() error { return agg.SetExposure("EURUSD", -100) },
			want: ErrInvalidSample,
		},
		{
			name: "unknown symbol exposure",
			call: func() error { return agg.SetExposure("USDJPY", 100) },
			want: ErrUnknownSymbol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Rejected samples leave no trace in the aggregates
	result := agg.AggregateMetrics()
	assert.Zero(t, result.TotalPnL)
	assert.Zero(t, result.TotalExposure)
	for _, s := range result.Symbols {
		assert.Zero(t, s.Trades)
	}
}

func TestAggregatorSnapshotIsDeepCopy(t *testing.T) {
	agg := newTestAggregator()
	require.NoError(t, agg.RecordTrade("EURUSD", 10, 0.1))

	result := agg.AggregateMetrics()
	mutated := result.Symbols["EURUSD"]
	mutated.PnL = 9999
	result.Symbols["EURUSD"] = mutated

	// The aggregator's own state is unaffected
	snap, err := agg.SymbolMetrics("EURUSD")
	require.NoError(t, err)
	assert.InDelta(t, 10, snap.PnL, 1e-9)
}

func TestAggregatorUnknownSymbolRead(t *testing.T) {
	agg := newTestAggregator()
	_, err := agg.SymbolMetrics("USDJPY")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestAggregatorRegisterSymbol(t *testing.T) {
	agg := newTestAggregator()

	require.ErrorIs(t, agg.RecordTrade("USDJPY", 5, 0.1), ErrUnknownSymbol)
	agg.RegisterSymbol("USDJPY")
	require.NoError(t, agg.RecordTrade("USDJPY", 5, 0.1))

	// Re-registering does not reset statistics
	agg.RegisterSymbol("USDJPY")
	snap, err := agg.SymbolMetrics("USDJPY")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Trades)
}

func TestAggregatorConcurrentAccess(t *testing.T) {
	agg := newTestAggregator()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = agg.RecordTrade("EURUSD", 1, 0.01)
				_ = agg.SetExposure("GBPUSD", float64(j))
				_ = agg.AggregateMetrics()
			}
		}()
	}
	wg.Wait()

	snap, err := agg.SymbolMetrics("EURUSD")
	require.NoError(t, err)
	assert.Equal(t, int64(800), snap.Trades)
	assert.InDelta(t, 800, snap.PnL, 1e-9)
}
