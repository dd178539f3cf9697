package metrics

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Aggregator validation errors.
var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrInvalidSample = errors.New("invalid sample")
)

// SymbolSnapshot is a point-in-time copy of one symbol's trading statistics.
type SymbolSnapshot struct {
	Symbol      string    `json:"symbol"`
	Trades      int64     `json:"trades"`
	Wins        int64     `json:"wins"`
	PnL         float64   `json:"pnl"`
	Volume      float64   `json:"volume"`
	Exposure    float64   `json:"exposure"`
	LastTradeAt time.Time `json:"last_trade_at,omitempty"`
}

// AggregateSnapshot is a point-in-time copy of the whole book. Totals are
// computed from the per-symbol rows under the same lock, so the sum identity
// holds in every snapshot.
type AggregateSnapshot struct {
	TotalPnL      float64                   `json:"total_pnl"`
	TotalExposure float64                   `json:"total_exposure"`
	Symbols       map[string]SymbolSnapshot `json:"symbols"`
	GeneratedAt   time.Time                 `json:"generated_at"`
}

// Aggregator collects per-symbol trading statistics from the symbol loops.
// One mutex guards all state; every reader gets a deep copy. Inputs are
// validated before they touch the state: the loops are trusted code, but the
// numbers they carry come from the gateway and the model, and a single NaN
// would poison every aggregate after it.
type Aggregator struct {
	mu      sync.Mutex
	symbols map[string]*symbolStats
}

type symbolStats struct {
	trades      int64
	wins        int64
	pnl         float64
	volume      float64
	exposure    float64
	lastTradeAt time.Time
}

// NewAggregator creates an aggregator for the given symbol set.
func NewAggregator(symbols []string) *Aggregator {
	a := &Aggregator{
		symbols: make(map[string]*symbolStats, len(symbols)),
	}
	for _, s := range symbols {
		a.symbols[s] = &symbolStats{}
	}
	return a
}

// RegisterSymbol adds a symbol to the set. Safe to call for an already
// registered symbol.
func (a *Aggregator) RegisterSymbol(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.symbols[symbol]; !ok {
		a.symbols[symbol] = &symbolStats{}
	}
}

// RecordTrade records a completed trade for a symbol.
func (a *Aggregator) RecordTrade(symbol string, pnl, volume float64) error {
	if !isFinite(pnl) {
		MetricsRejected.WithLabelValues("non_finite").Inc()
		return fmt.Errorf("%w: pnl %v for %s", ErrInvalidSample, pnl, symbol)
	}
	if !isFinite(volume) || volume < 0 {
		MetricsRejected.WithLabelValues("negative_volume").Inc()
		return fmt.Errorf("%w: volume %v for %s", ErrInvalidSample, volume, symbol)
	}

	a.mu.Lock()
	stats, ok := a.symbols[symbol]
	if !ok {
		a.mu.Unlock()
		MetricsRejected.WithLabelValues("unknown_symbol").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	stats.trades++
	if pnl > 0 {
		stats.wins++
	}
	stats.pnl += pnl
	stats.volume += volume
	stats.lastTradeAt = time.Now().UTC()
	totalPnL := a.totalPnLLocked()
	symbolPnL := stats.pnl
	a.mu.Unlock()

	// Prometheus mirrors update outside the lock
	Trades.WithLabelValues(symbol).Inc()
	PnLBySymbol.WithLabelValues(symbol).Set(symbolPnL)
	TotalPnL.Set(totalPnL)

	return nil
}

// SetExposure sets the current open notional exposure for a symbol.
func (a *Aggregator) SetExposure(symbol string, notional float64) error {
	if !isFinite(notional) || notional < 0 {
		MetricsRejected.WithLabelValues("non_finite").Inc()
		return fmt.Errorf("%w: exposure %v for %s", ErrInvalidSample, notional, symbol)
	}

	a.mu.Lock()
	stats, ok := a.symbols[symbol]
	if !ok {
		a.mu.Unlock()
		MetricsRejected.WithLabelValues("unknown_symbol").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	stats.exposure = notional
	totalExposure := a.totalExposureLocked()
	a.mu.Unlock()

	ExposureBySymbol.WithLabelValues(symbol).Set(notional)
	TotalExposure.Set(totalExposure)

	return nil
}

// SymbolMetrics returns a copy of one symbol's statistics.
func (a *Aggregator) SymbolMetrics(symbol string) (SymbolSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats, ok := a.symbols[symbol]
	if !ok {
		return SymbolSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return stats.snapshot(symbol), nil
}

// AggregateMetrics returns a deep copy of the whole book. Totals are the sum
// of the returned per-symbol rows.
func (a *Aggregator) AggregateMetrics() AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg := AggregateSnapshot{
		Symbols:     make(map[string]SymbolSnapshot, len(a.symbols)),
		GeneratedAt: time.Now().UTC(),
	}
	for symbol, stats := range a.symbols {
		snap := stats.snapshot(symbol)
		agg.Symbols[symbol] = snap
		agg.TotalPnL += snap.PnL
		agg.TotalExposure += snap.Exposure
	}
	return agg
}

func (s *symbolStats) snapshot(symbol string) SymbolSnapshot {
	return SymbolSnapshot{
		Symbol:      symbol,
		Trades:      s.trades,
		Wins:        s.wins,
		PnL:         s.pnl,
		Volume:      s.volume,
		Exposure:    s.exposure,
		LastTradeAt: s.lastTradeAt,
	}
}

func (a *Aggregator) totalPnLLocked() float64 {
	var total float64
	for _, s := range a.symbols {
		total += s.pnl
	}
	return total
}

func (a *Aggregator) totalExposureLocked() float64 {
	var total float64
	for _, s := range a.symbols {
		total += s.exposure
	}
	return total
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
