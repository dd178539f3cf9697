// Package replay simulates the trades a recorded shadow session would have
// produced. Each non-zero signal opens a one-unit position at the recorded
// price; the position closes at the next opposite or zero signal (an
// opposite signal also opens the reverse position) and anything still open
// is liquidated at the symbol's last recorded price. Slippage is deducted
// once per round trip.
package replay

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/shadow"
	"github.com/mt5-crs/executor/internal/stats"
)

// DefaultSlippage is one pip, the round-trip cost assumed when the config
// leaves it zero.
const DefaultSlippage = 0.0001

// Config holds simulation parameters.
type Config struct {
	Slippage float64 `json:"slippage"` // price units per round trip
}

// RoundTrip is one completed simulated trade.
type RoundTrip struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // LONG or SHORT
	EntryID    int64   `json:"entry_id"`
	ExitID     int64   `json:"exit_id"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`    // price units, net of slippage
	Return     float64 `json:"return"` // PnL / EntryPrice
	Forced     bool    `json:"forced,omitempty"`
}

// SymbolResult aggregates the trades of one symbol.
type SymbolResult struct {
	Trades    int     `json:"trades"`
	NetPnL    float64 `json:"net_pnl"`
	NetReturn float64 `json:"net_return"`
}

// Result is the outcome of a replay run.
type Result struct {
	Trades       []RoundTrip             `json:"trades"`
	GrossPnL     float64                 `json:"gross_pnl"`
	SlippagePaid float64                 `json:"slippage_paid"`
	NetPnL       float64                 `json:"net_pnl"`
	NetReturn    float64                 `json:"net_return"`
	PerSymbol    map[string]SymbolResult `json:"per_symbol"`
	Wins         int                     `json:"wins"`
	Losses       int                     `json:"losses"`
	Skipped      int                     `json:"skipped"`
}

// position is an open one-unit position during the walk.
type position struct {
	side       int // +1 or -1
	entryID    int64
	entryPrice float64
}

// Simulator replays shadow records into round trips.
type Simulator struct {
	slippage float64
	logger   zerolog.Logger
}

// NewSimulator applies the default slippage when the config leaves it unset.
func NewSimulator(cfg Config) *Simulator {
	slippage := cfg.Slippage
	if slippage <= 0 || !stats.IsFinite(slippage) {
		slippage = DefaultSlippage
	}
	return &Simulator{
		slippage: slippage,
		logger:   log.With().Str("component", "replay").Logger(),
	}
}

// Run walks the records in log-time order and returns the simulated result.
// Records with an out-of-range signal or a non-positive price are counted
// and skipped.
func (s *Simulator) Run(records []shadow.Record) *Result {
	ordered := make([]shadow.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TimestampLog != ordered[j].TimestampLog {
			return ordered[i].TimestampLog < ordered[j].TimestampLog
		}
		return ordered[i].ID < ordered[j].ID
	})

	res := &Result{PerSymbol: make(map[string]SymbolResult)}
	open := make(map[string]*position)
	last := make(map[string]shadow.Record)

	for _, rec := range ordered {
		if rec.Signal < -1 || rec.Signal > 1 || rec.Price <= 0 || !stats.IsFinite(rec.Price) {
			res.Skipped++
			s.logger.Warn().
				Int64("id", rec.ID).
				Str("symbol", rec.Symbol).
				Int("signal", rec.Signal).
				Float64("price", rec.Price).
				Msg("Skipping unusable shadow record")
			continue
		}
		last[rec.Symbol] = rec

		pos := open[rec.Symbol]
		switch {
		case pos == nil:
			if rec.Signal != 0 {
				open[rec.Symbol] = &position{side: rec.Signal, entryID: rec.ID, entryPrice: rec.Price}
			}
		case rec.Signal == pos.side:
			// Same direction while holding: no pyramiding.
		default:
			s.close(res, rec.Symbol, pos, rec, false)
			delete(open, rec.Symbol)
			if rec.Signal != 0 {
				open[rec.Symbol] = &position{side: rec.Signal, entryID: rec.ID, entryPrice: rec.Price}
			}
		}
	}

	// Liquidate leftovers at each symbol's last price, in a stable order.
	symbols := make([]string, 0, len(open))
	for sym := range open {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		s.close(res, sym, open[sym], last[sym], true)
	}

	s.logger.Debug().
		Int("records", len(ordered)).
		Int("trades", len(res.Trades)).
		Int("skipped", res.Skipped).
		Float64("net_return", res.NetReturn).
		Msg("Replay complete")
	return res
}

// close books one round trip against the result.
func (s *Simulator) close(res *Result, symbol string, pos *position, exit shadow.Record, forced bool) {
	gross := exit.Price - pos.entryPrice
	if pos.side < 0 {
		gross = -gross
	}
	pnl := gross - s.slippage

	side := "LONG"
	if pos.side < 0 {
		side = "SHORT"
	}
	trade := RoundTrip{
		Symbol:     symbol,
		Side:       side,
		EntryID:    pos.entryID,
		ExitID:     exit.ID,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exit.Price,
		PnL:        pnl,
		Return:     pnl / pos.entryPrice,
		Forced:     forced,
	}
	res.Trades = append(res.Trades, trade)

	res.GrossPnL += gross
	res.SlippagePaid += s.slippage
	res.NetPnL += pnl
	res.NetReturn += trade.Return
	switch {
	case pnl > 0:
		res.Wins++
	case pnl < 0:
		res.Losses++
	}

	agg := res.PerSymbol[symbol]
	agg.Trades++
	agg.NetPnL += pnl
	agg.NetReturn += trade.Return
	res.PerSymbol[symbol] = agg
}
