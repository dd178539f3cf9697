// Package engine is the execution core: it owns the per-symbol trading
// loops and the shared runtime around them (market data fan-out, account
// polling, risk sensors, breaker watching, the launch ramp and the
// liveness heartbeat). The engine never decides whether trading is allowed
// at all; that is the launcher's job. Once running, the durable circuit
// breaker is the only thing that stops order flow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/marketdata"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/risk"
	"github.com/mt5-crs/executor/internal/shadow"
	"github.com/mt5-crs/executor/internal/signal"
)

// shutdownGrace is how long Run waits for subsystems to drain after a
// cancel before it force-closes the gateway socket to break a wedged
// round trip.
const shutdownGrace = 5 * time.Second

// Deps bundles the shared infrastructure the engine is built on. Breaker
// and Broker are required; Journal and Recorder may be nil (journal
// disabled, live mode).
type Deps struct {
	Center     *config.Center
	Breaker    *breaker.Breaker
	Broker     gateway.Broker
	Journal    *journal.Journal
	Recorder   *shadow.Recorder
	Aggregator *metrics.Aggregator
}

// Status is the engine snapshot served by the ops surface.
type Status struct {
	Instance    string                   `json:"instance"`
	Mode        string                   `json:"mode"`
	Coefficient float64                  `json:"position_coefficient"`
	Breaker     breaker.Snapshot         `json:"breaker"`
	Account     risk.AccountState        `json:"account"`
	LatencyP95  float64                  `json:"latency_p95_ms"`
	LatencyP99  float64                  `json:"latency_p99_ms"`
	Loops       []LoopStatus             `json:"loops"`
	Aggregate   metrics.AggregateSnapshot `json:"aggregate"`
}

// Engine wires the symbol loops to the shared runtime and supervises them.
type Engine struct {
	cfg  *config.Config
	deps Deps

	monitor    *risk.Monitor
	latency    *risk.LatencySensor
	adapter    *signal.Adapter
	subscriber *marketdata.Subscriber
	source     marketdata.Source
	loops      []*Loop

	// coefficient is the live position-sizing authority, stored as
	// float64 bits. Seeded by the launcher from the admission artifact,
	// advanced by the ramp ladder.
	coefficient atomic.Uint64

	logger zerolog.Logger
}

// New assembles the engine from the current configuration. The predictor,
// sensors, subscriber and loops are fixed for the process lifetime; config
// reloads adjust risk limits and symbol enablement in place.
func New(deps Deps) (*Engine, error) {
	if deps.Center == nil {
		return nil, fmt.Errorf("engine requires a config center")
	}
	if deps.Breaker == nil {
		return nil, fmt.Errorf("engine requires the durable circuit breaker")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("engine requires a gateway client")
	}
	cfg := deps.Center.Current()
	if !cfg.Trading.IsLive() && deps.Recorder == nil {
		return nil, fmt.Errorf("shadow mode requires a shadow recorder")
	}

	enabled := cfg.EnabledSymbols()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled symbols configured")
	}
	names := cfg.SymbolNames()

	pred, err := signal.NewPredictor(cfg.Trading.Predictor)
	if err != nil {
		return nil, fmt.Errorf("predictor init failed: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		adapter: signal.NewAdapter(pred, cfg.Trading),
		logger:  log.With().Str("component", "engine").Logger(),
	}
	e.SetCoefficient(1.0)

	engage := deps.Breaker.Engage
	e.monitor = risk.NewMonitor(cfg.Risk, engage)
	e.latency = risk.NewLatencySensor(cfg.Risk.Latency, engage)
	e.subscriber = marketdata.NewSubscriber(cfg.MarketData, names, marketdata.WithEngageFunc(engage))

	e.source, err = marketdata.NewSource(cfg.MarketData, names)
	if err != nil {
		return nil, fmt.Errorf("market data source init failed: %w", err)
	}

	if deps.Aggregator == nil {
		deps.Aggregator = metrics.NewAggregator(names)
		e.deps.Aggregator = deps.Aggregator
	}

	for _, sym := range enabled {
		sym := sym
		drift := risk.NewDriftSensor(sym.Symbol, cfg.Risk.Drift, engage)
		loop := NewLoop(LoopDeps{
			SymbolCfg:      sym,
			Trading:        cfg.Trading,
			Adapter:        e.adapter,
			Broker:         deps.Broker,
			Breaker:        deps.Breaker,
			Engage:         engage,
			Monitor:        e.monitor,
			Latency:        e.latency,
			Drift:          drift,
			Recorder:       deps.Recorder,
			Journal:        deps.Journal,
			Aggregator:     deps.Aggregator,
			Ticks:          e.subscriber.Ticks(sym.Symbol),
			LagCount:       func() int64 { return e.subscriber.LagCount(sym.Symbol) },
			Coefficient:    e.Coefficient,
			RefreshAccount: e.refreshAccount,
		})
		e.loops = append(e.loops, loop)
	}

	deps.Center.Subscribe(e.applyReload)
	return e, nil
}

// Coefficient returns the current position-sizing coefficient.
func (e *Engine) Coefficient() float64 {
	return math.Float64frombits(e.coefficient.Load())
}

// SetCoefficient replaces the position-sizing coefficient. Values are
// clamped to [0, 1].
func (e *Engine) SetCoefficient(c float64) {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	e.coefficient.Store(math.Float64bits(c))
	metrics.PositionCoefficient.Set(c)
}

// Monitor exposes the account monitor for the launcher and ops surface.
func (e *Engine) Monitor() *risk.Monitor { return e.monitor }

// Run starts every subsystem and blocks until the context is cancelled or
// a subsystem fails. The first account poll happens before any loop starts
// so sizing and exposure checks never see a zero-equity account.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("mode", e.cfg.Trading.Mode).
		Strs("symbols", e.cfg.SymbolNames()).
		Float64("coefficient", e.Coefficient()).
		Msg("Execution engine starting")

	if err := e.primeAccount(ctx); err != nil {
		return err
	}
	if e.cfg.Trading.IsLive() {
		if err := e.adoptPositions(ctx); err != nil {
			return err
		}
	}

	var hb *Heartbeat
	if topic := e.cfg.Common.HeartbeatTopic; topic != "" && e.cfg.MarketData.Transport == "nats" {
		var err error
		hb, err = NewHeartbeat(
			e.cfg.MarketData.URL, topic, e.cfg.Common.HeartbeatInterval,
			e.cfg.Common.InstanceID, e.cfg.Trading.Mode, e.heartbeatStatus,
		)
		if err != nil {
			return fmt.Errorf("heartbeat init failed: %w", err)
		}
		defer hb.Close()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return e.subscriber.Run(egCtx, e.source) })
	for _, loop := range e.loops {
		loop := loop
		eg.Go(func() error { return loop.Run(egCtx) })
	}
	eg.Go(func() error { return e.pollAccount(egCtx) })
	eg.Go(func() error {
		e.deps.Breaker.Watch(egCtx, e.cfg.Breaker.WatchInterval)
		return nil
	})
	if hb != nil {
		eg.Go(func() error { return hb.Run(egCtx) })
	}
	if e.cfg.Trading.IsLive() {
		eg.Go(func() error { return e.runRamp(egCtx) })
	}

	done := make(chan error, 1)
	go func() { done <- eg.Wait() }()

	select {
	case err := <-done:
		return e.finish(err)
	case <-ctx.Done():
	}

	select {
	case err := <-done:
		return e.finish(err)
	case <-time.After(shutdownGrace):
		e.logger.Warn().Msg("Shutdown grace expired, forcing gateway connection closed")
		if err := e.deps.Broker.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Gateway close failed")
		}
	}
	return e.finish(<-done)
}

// finish collapses cancellation into a clean exit.
func (e *Engine) finish(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Msg("Execution engine stopped with error")
		return err
	}
	e.logger.Info().Msg("Execution engine stopped")
	return nil
}

// primeAccount seeds the risk monitor with the first account snapshot.
// Failing here is fatal: an engine that cannot see equity cannot size or
// guard anything.
func (e *Engine) primeAccount(ctx context.Context) error {
	acct, err := e.deps.Broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("initial account poll failed: %w", err)
	}
	e.monitor.OnTick(risk.AccountUpdate{
		Balance:    acct.Balance,
		Equity:     acct.Equity,
		Margin:     acct.Margin,
		FreeMargin: acct.FreeMargin,
	})
	e.logger.Info().
		Float64("balance", acct.Balance).
		Float64("equity", acct.Equity).
		Str("currency", acct.Currency).
		Msg("Account state primed")
	return nil
}

// adoptPositions seeds each loop's book with positions left open by a
// previous session, matched by magic number. A live restart that cannot
// enumerate its own positions must not trade blind, so errors are fatal.
func (e *Engine) adoptPositions(ctx context.Context) error {
	for _, loop := range e.loops {
		positions, err := e.deps.Broker.GetPositions(ctx, loop.Symbol())
		if err != nil {
			return fmt.Errorf("position adoption failed for %s: %w", loop.Symbol(), err)
		}
		for _, p := range positions {
			if p.Magic != loop.symbolCfg.MagicNumber {
				continue
			}
			loop.AdoptPosition(p)
			notional := loop.notional(p.Volume, p.OpenPrice)
			if err := e.deps.Aggregator.SetExposure(p.Symbol, notional); err != nil {
				e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("Exposure seed rejected")
			}
			break
		}
	}
	return nil
}

// pollAccount refreshes the risk monitor on a fixed cadence. Fills trigger
// an extra refresh through the loop callback.
func (e *Engine) pollAccount(ctx context.Context) error {
	interval := e.cfg.Risk.AccountPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.refreshAccount(ctx)
		}
	}
}

func (e *Engine) refreshAccount(ctx context.Context) {
	acct, err := e.deps.Broker.GetAccount(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn().Err(err).Msg("Account poll failed")
		metrics.RecordError("account_poll", "engine")
		return
	}
	e.monitor.OnTick(risk.AccountUpdate{
		Balance:    acct.Balance,
		Equity:     acct.Equity,
		Margin:     acct.Margin,
		FreeMargin: acct.FreeMargin,
	})
}

// runRamp advances the position coefficient up the configured ladder after
// each uneventful hold period. Any breaker engagement freezes the ladder
// for the rest of the session.
func (e *Engine) runRamp(ctx context.Context) error {
	steps := e.cfg.Trading.Ramp.Steps
	hold := e.cfg.Trading.Ramp.Hold
	if len(steps) == 0 || hold <= 0 {
		return nil
	}

	ticker := time.NewTicker(hold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if e.deps.Breaker.ShouldHalt() {
				e.logger.Warn().Msg("Breaker engaged, ramp ladder frozen")
				return nil
			}
			cur := e.Coefficient()
			next, ok := nextStep(steps, cur)
			if !ok {
				e.logger.Info().Float64("coefficient", cur).Msg("Ramp ladder complete")
				return nil
			}
			e.SetCoefficient(next)
			e.logger.Info().
				Float64("from", cur).
				Float64("to", next).
				Dur("hold", hold).
				Msg("Position coefficient advanced")
		}
	}
}

// nextStep returns the smallest ladder step strictly above cur.
func nextStep(steps []float64, cur float64) (float64, bool) {
	best := math.Inf(1)
	for _, s := range steps {
		if s > cur && s < best {
			best = s
		}
	}
	if math.IsInf(best, 1) {
		return 0, false
	}
	return best, true
}

// applyReload reacts to a validated config swap: risk limits change in
// place, symbols flip enablement. Everything else the validator allowed is
// picked up by components that read the center directly.
func (e *Engine) applyReload(_, next *config.Config) {
	e.monitor.UpdateLimits(next.Risk)

	known := make(map[string]bool, len(e.loops))
	for _, loop := range e.loops {
		known[loop.Symbol()] = true
		sym, found := next.FindSymbol(loop.Symbol())
		loop.SetEnabled(found && sym.Enabled)
	}
	for _, sym := range next.EnabledSymbols() {
		if !known[sym.Symbol] {
			e.logger.Warn().
				Str("symbol", sym.Symbol).
				Msg("Symbol added by reload, restart required to trade it")
		}
	}
}

// heartbeatStatus renders the engine state for the liveness beacon.
func (e *Engine) heartbeatStatus() (string, string) {
	snap := e.deps.Breaker.Snapshot()
	status := "trading"
	if snap.State == breaker.StateEngaged {
		status = "halted"
	}
	return status, string(snap.State)
}

// Status snapshots the engine for the ops surface.
func (e *Engine) Status() Status {
	p95, p99, _ := e.latency.Stats()
	st := Status{
		Instance:    e.cfg.Common.InstanceID,
		Mode:        e.cfg.Trading.Mode,
		Coefficient: e.Coefficient(),
		Breaker:     e.deps.Breaker.Snapshot(),
		Account:     e.monitor.Snapshot(),
		LatencyP95:  p95,
		LatencyP99:  p99,
		Aggregate:   e.deps.Aggregator.AggregateMetrics(),
	}
	for _, loop := range e.loops {
		st.Loops = append(st.Loops, loop.Status())
	}
	return st
}
