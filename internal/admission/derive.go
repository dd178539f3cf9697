package admission

import (
	"sort"
	"time"

	"github.com/mt5-crs/executor/internal/shadow"
	"github.com/mt5-crs/executor/internal/stats"
	"github.com/mt5-crs/executor/pkg/replay"
)

// Metrics are the figures derived from a shadow session, the evidence half
// of an admission decision.
type Metrics struct {
	CriticalErrors int     `json:"critical_errors"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
	DriftEvents24h int     `json:"drift_events_24h"`
	PnLNetReturn   float64 `json:"pnl_net_return"`
}

// DeriveMetrics computes the evidence metrics over a full shadow session.
// Latency is timestamp_log - timestamp_signal in milliseconds; drift events
// come from replaying the runtime drift detection over each symbol's signal
// stream; pnl comes from the one-unit replay simulator.
func (e *Engine) DeriveMetrics(records []shadow.Record) Metrics {
	m := Metrics{}
	if len(records) == 0 {
		e.logger.Warn().Msg("Deriving admission metrics from an empty shadow session")
		return m
	}

	latencies := make([]float64, 0, len(records))
	for _, rec := range records {
		ms := (rec.TimestampLog - rec.TimestampSignal) * 1000.0
		if !stats.IsFinite(ms) {
			continue
		}
		latencies = append(latencies, ms)
		if ms > e.cfg.CriticalLatencyMs {
			m.CriticalErrors++
		}
	}
	if len(latencies) > 0 {
		// Percentile only errors on empty input or a bad p.
		m.P95LatencyMs, _ = stats.Percentile(latencies, 95)
		m.P99LatencyMs, _ = stats.Percentile(latencies, 99)
	}

	m.DriftEvents24h = stats.MaxEventsInWindow(e.driftEvents(records), 24*time.Hour)

	sim := replay.NewSimulator(replay.Config{Slippage: e.cfg.Slippage})
	m.PnLNetReturn = sim.Run(records).NetReturn

	e.logger.Info().
		Int("records", len(records)).
		Int("critical_errors", m.CriticalErrors).
		Float64("p95_ms", m.P95LatencyMs).
		Float64("p99_ms", m.P99LatencyMs).
		Int("drift_events_24h", m.DriftEvents24h).
		Float64("pnl_net_return", m.PnLNetReturn).
		Msg("Derived admission metrics")
	return m
}

// driftEvents replays drift detection over the session and returns every
// PSI-crossing timestamp across all symbols.
func (e *Engine) driftEvents(records []shadow.Record) []time.Time {
	ordered := make([]shadow.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].TimestampLog != ordered[j].TimestampLog {
			return ordered[i].TimestampLog < ordered[j].TimestampLog
		}
		return ordered[i].ID < ordered[j].ID
	})

	replayers := make(map[string]*driftReplayer)
	var events []time.Time
	for _, rec := range ordered {
		if rec.Signal < -1 || rec.Signal > 1 {
			continue
		}
		dr := replayers[rec.Symbol]
		if dr == nil {
			dr = newDriftReplayer(e.drift.Window, e.drift.PSIThreshold)
			replayers[rec.Symbol] = dr
		}
		if ts, crossed := dr.observe(rec.LogTime(), rec.Signal); crossed {
			events = append(events, ts)
		}
	}
	return events
}

// driftReplayer is the offline twin of the runtime drift sensor: same frozen
// reference, same rolling window, same edge-triggered crossing, but it keeps
// every event instead of pruning, because the rolling-24h maximum needs the
// full history.
type driftReplayer struct {
	window    int
	threshold float64

	ref     [3]int
	refSize int

	ring  []int
	cur   [3]int
	next  int
	size  int
	above bool
}

func newDriftReplayer(window int, threshold float64) *driftReplayer {
	return &driftReplayer{
		window:    window,
		threshold: threshold,
		ring:      make([]int, window),
	}
}

// observe feeds one signal and reports whether it produced a drift event.
func (d *driftReplayer) observe(ts time.Time, signal int) (time.Time, bool) {
	idx := signal + 1

	if d.refSize < d.window {
		d.ref[idx]++
		d.refSize++
		return time.Time{}, false
	}

	if d.size == d.window {
		d.cur[d.ring[d.next]+1]--
	} else {
		d.size++
	}
	d.ring[d.next] = signal
	d.cur[idx]++
	d.next = (d.next + 1) % d.window

	if d.size < d.window {
		return time.Time{}, false
	}

	psi, err := stats.PSI(d.cur[:], d.ref[:])
	if err != nil {
		return time.Time{}, false
	}
	if psi < d.threshold {
		d.above = false
		return time.Time{}, false
	}
	if d.above {
		return time.Time{}, false
	}
	d.above = true
	return ts, true
}
