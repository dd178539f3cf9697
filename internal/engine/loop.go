package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/marketdata"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/risk"
	"github.com/mt5-crs/executor/internal/shadow"
	"github.com/mt5-crs/executor/internal/signal"
)

// LoopState names one state of the per-symbol trading loop.
type LoopState string

const (
	StateIdle     LoopState = "IDLE"
	StateWaitTick LoopState = "WAIT_TICK"
	StateEval     LoopState = "EVAL"
	StateSubmit   LoopState = "SUBMIT"
	StateSettle   LoopState = "SETTLE"
	StateHalt     LoopState = "HALT"
)

// Engagement reasons raised by the loop itself.
const (
	ReasonLoopInstability = "LOOP_INSTABILITY"
	ReasonGatewayBlocked  = "GATEWAY_BLOCKED"
)

// instabilityLimit engages the breaker when this many loop-cycle failures
// land inside instabilityWindow.
const (
	instabilityLimit  = 5
	instabilityWindow = time.Minute
)

// position is the loop-local book: at most one open position per symbol.
type position struct {
	Ticket        int64
	ClientOrderID string
	Side          gateway.Side
	Volume        float64
	OpenPrice     float64
}

// PositionStatus is the externally visible view of the loop's book.
type PositionStatus struct {
	Ticket    int64        `json:"ticket"`
	Side      gateway.Side `json:"side"`
	Volume    float64      `json:"volume"`
	OpenPrice float64      `json:"open_price"`
}

// LoopStatus is one loop's snapshot for the ops surface.
type LoopStatus struct {
	Symbol     string          `json:"symbol"`
	State      LoopState       `json:"state"`
	Enabled    bool            `json:"enabled"`
	Position   *PositionStatus `json:"position,omitempty"`
	LagDrops   int64           `json:"lag_drops"`
	Iterations uint64          `json:"iterations"`
	Failures   int             `json:"recent_failures"`
}

// halter is the slice of the breaker the loop needs.
type halter interface {
	ShouldHalt() bool
}

// Loop runs one symbol's trading cycle: consume a tick, evaluate the signal,
// submit or record, settle. The loop owns its position book and feature
// window; everything shared (account state, breaker, gateway) is injected.
// One goroutine per loop, run under the engine's group.
type Loop struct {
	symbolCfg config.SymbolConfig
	trading   config.TradingConfig
	shadowed  bool

	adapter  *signal.Adapter
	broker   gateway.Broker
	breaker  halter
	engage   risk.EngageFunc
	monitor  *risk.Monitor
	latency  *risk.LatencySensor
	drift    *risk.DriftSensor
	recorder *shadow.Recorder
	journal  *journal.Journal
	agg      *metrics.Aggregator
	ticks    <-chan marketdata.Tick
	lagCount func() int64

	// coefficient yields the current position-sizing authority (admission
	// seed plus ramp ladder).
	coefficient func() float64
	// refreshAccount triggers an immediate account poll after a fill so the
	// risk monitor sees the new margin without waiting for the next cycle.
	// May be nil.
	refreshAccount func(context.Context)

	enabled atomic.Bool
	logger  zerolog.Logger

	mu         sync.Mutex
	state      LoopState
	pos        *position
	features   []float64
	iterations uint64
	failures   []time.Time
}

// LoopDeps bundles the collaborators a symbol loop is built from.
type LoopDeps struct {
	SymbolCfg      config.SymbolConfig
	Trading        config.TradingConfig
	Adapter        *signal.Adapter
	Broker         gateway.Broker
	Breaker        halter
	Engage         risk.EngageFunc
	Monitor        *risk.Monitor
	Latency        *risk.LatencySensor
	Drift          *risk.DriftSensor
	Recorder       *shadow.Recorder
	Journal        *journal.Journal
	Aggregator     *metrics.Aggregator
	Ticks          <-chan marketdata.Tick
	LagCount       func() int64
	Coefficient    func() float64
	RefreshAccount func(context.Context)
}

// NewLoop builds a symbol loop. The loop starts enabled; the engine flips
// enablement on config reloads.
func NewLoop(deps LoopDeps) *Loop {
	l := &Loop{
		symbolCfg:      deps.SymbolCfg,
		trading:        deps.Trading,
		shadowed:       !deps.Trading.IsLive(),
		adapter:        deps.Adapter,
		broker:         deps.Broker,
		breaker:        deps.Breaker,
		engage:         deps.Engage,
		monitor:        deps.Monitor,
		latency:        deps.Latency,
		drift:          deps.Drift,
		recorder:       deps.Recorder,
		journal:        deps.Journal,
		agg:            deps.Aggregator,
		ticks:          deps.Ticks,
		lagCount:       deps.LagCount,
		coefficient:    deps.Coefficient,
		refreshAccount: deps.RefreshAccount,
		logger:         config.NewSymbolLogger(deps.SymbolCfg.Symbol),
		state:          StateIdle,
	}
	l.enabled.Store(true)
	if l.coefficient == nil {
		l.coefficient = func() float64 { return 1.0 }
	}
	if l.lagCount == nil {
		l.lagCount = func() int64 { return 0 }
	}
	return l
}

// Symbol returns the symbol this loop trades.
func (l *Loop) Symbol() string { return l.symbolCfg.Symbol }

// SetEnabled flips whether the loop acts on ticks. A disabled loop keeps
// draining its channel so the subscriber buffer does not back up.
func (l *Loop) SetEnabled(on bool) {
	was := l.enabled.Swap(on)
	if was != on {
		l.logger.Info().Bool("enabled", on).Msg("Loop enablement changed")
	}
}

// Enabled reports whether the loop currently acts on ticks.
func (l *Loop) Enabled() bool { return l.enabled.Load() }

// AdoptPosition seeds the loop book from a broker position discovered at
// startup, so a restart mid-position closes or holds instead of doubling up.
func (l *Loop) AdoptPosition(p gateway.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pos = &position{
		Ticket:        p.Ticket,
		ClientOrderID: p.Comment,
		Side:          p.Side,
		Volume:        p.Volume,
		OpenPrice:     p.OpenPrice,
	}
	l.logger.Info().
		Int64("ticket", p.Ticket).
		Str("side", string(p.Side)).
		Float64("volume", p.Volume).
		Msg("Adopted existing broker position")
}

// Status returns the loop's snapshot for the ops surface.
func (l *Loop) Status() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LoopStatus{
		Symbol:     l.symbolCfg.Symbol,
		State:      l.state,
		Enabled:    l.enabled.Load(),
		LagDrops:   l.lagCount(),
		Iterations: l.iterations,
		Failures:   len(l.failures),
	}
	if l.pos != nil {
		st.Position = &PositionStatus{
			Ticket:    l.pos.Ticket,
			Side:      l.pos.Side,
			Volume:    l.pos.Volume,
			OpenPrice: l.pos.OpenPrice,
		}
	}
	return st
}

// Run consumes ticks until the context is cancelled, the tick channel closes,
// or the breaker engages. An engaged breaker parks the loop in HALT; HALT is
// terminal for the session, only a restart leaves it.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Float64("lot_size", l.symbolCfg.LotSize).
		Int64("magic", l.symbolCfg.MagicNumber).
		Bool("shadow", l.shadowed).
		Msg("Symbol loop started")
	metrics.ActiveLoops.Inc()
	defer metrics.ActiveLoops.Dec()

	l.transition(StateWaitTick)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Symbol loop stopped")
			return nil
		case tick, ok := <-l.ticks:
			if !ok {
				l.logger.Warn().Msg("Tick channel closed, loop exiting")
				return nil
			}
			if l.breaker.ShouldHalt() {
				l.transition(StateHalt)
				l.logger.Warn().Msg("Circuit breaker engaged, loop halted")
				return nil
			}
			if !l.enabled.Load() {
				continue
			}
			l.iterate(ctx, tick)
			if l.currentState() == StateHalt {
				return nil
			}
		}
	}
}

// iterate runs one full cycle for one tick. Panics and cycle errors are
// contained here: the loop logs, counts the failure, and returns to
// WAIT_TICK so one bad tick cannot take the symbol down. Too many failures
// in a short window engage the breaker instead.
func (l *Loop) iterate(ctx context.Context, tick marketdata.Tick) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Float64("bid", tick.Bid).
				Float64("ask", tick.Ask).
				Msg("Loop cycle panicked")
			l.noteFailure()
			l.transition(StateWaitTick)
		}
	}()

	l.mu.Lock()
	l.iterations++
	l.mu.Unlock()

	l.transition(StateEval)
	signalAt := time.Now()

	features := l.pushFeature(tick.Mid())
	account := l.monitor.Snapshot()
	res := l.adapter.Evaluate(signal.Inputs{
		Features:     features,
		Balance:      account.Balance,
		CurrentPrice: tick.Mid(),
		Coefficient:  l.coefficient(),
	})
	metrics.RecordSignal(l.symbolCfg.Symbol, res.Signal)
	l.drift.Observe(tick.Time(), res.Signal, res.Confidence)

	if l.shadowed {
		l.recordShadow(tick, res, signalAt)
		l.transition(StateSettle)
		l.transition(StateWaitTick)
		return
	}

	if err := l.act(ctx, tick, res, signalAt); err != nil {
		if errors.Is(err, gateway.ErrBlocked) {
			l.onBlocked(err)
			return
		}
		// Broker rejections and timeouts are settled outcomes, not loop
		// failures; they were already journaled and counted by act.
		l.logger.Warn().Err(err).Msg("Order action failed")
	}
	l.transition(StateSettle)
	l.transition(StateWaitTick)
}

// recordShadow appends the evaluation to the shadow log instead of trading.
func (l *Loop) recordShadow(tick marketdata.Tick, res signal.Result, signalAt time.Time) {
	rec := shadow.Record{
		TimestampSignal: float64(signalAt.UnixNano()) / 1e9,
		Symbol:          l.symbolCfg.Symbol,
		Signal:          res.Signal,
		Price:           tick.Mid(),
		Confidence:      res.Confidence,
		TickRef:         fmt.Sprintf("%s:%d", tick.Symbol, int64(tick.Timestamp*1e3)),
	}
	if _, err := l.recorder.Append(rec); err != nil {
		l.logger.Warn().Err(err).Msg("Shadow append failed")
	}
	l.latency.Observe(time.Since(signalAt))
}

// act applies the position policy for a live evaluation: open when flat and
// the signal is directional, close when positioned against the signal, and
// hold on agreement or a flat signal. At most one gateway action per tick.
func (l *Loop) act(ctx context.Context, tick marketdata.Tick, res signal.Result, signalAt time.Time) error {
	pos := l.currentPosition()

	if res.Signal == 0 {
		l.latency.Observe(time.Since(signalAt))
		return nil
	}
	side := gateway.SideBuy
	if res.Signal < 0 {
		side = gateway.SideSell
	}

	switch {
	case pos == nil:
		return l.open(ctx, tick, res, side, signalAt)
	case pos.Side != side:
		l.latency.Observe(time.Since(signalAt))
		return l.close(ctx, pos)
	default:
		// Same direction as the open position: hold, never pyramid.
		l.latency.Observe(time.Since(signalAt))
		return nil
	}
}

// open sizes and submits an OPEN_ORDER, journaling the intent before the
// frame leaves the process and the outcome after the reply.
func (l *Loop) open(ctx context.Context, tick marketdata.Tick, res signal.Result, side gateway.Side, signalAt time.Time) error {
	if res.Intent == nil {
		l.latency.Observe(time.Since(signalAt))
		return nil
	}
	intent := *res.Intent

	account := l.monitor.Snapshot()
	entry := tick.Ask
	if side == gateway.SideSell {
		entry = tick.Bid
	}
	if !l.withinExposure(intent.Volume, entry, account.Equity) {
		metrics.RecordRiskBlocked(l.symbolCfg.Symbol)
		l.logger.Warn().
			Float64("volume", intent.Volume).
			Float64("equity", account.Equity).
			Float64("cap", l.symbolCfg.MaxPerSymbolExposure).
			Msg("Intent rejected by exposure check")
		l.latency.Observe(time.Since(signalAt))
		return nil
	}

	l.transition(StateSubmit)
	clientID := uuid.NewString()
	req := gateway.OpenOrderRequest{
		Symbol:        l.symbolCfg.Symbol,
		Side:          side,
		Volume:        intent.Volume,
		StopLoss:      intent.StopLoss,
		TakeProfit:    intent.TakeProfit,
		Magic:         l.symbolCfg.MagicNumber,
		ClientOrderID: clientID,
		Comment:       clientID,
	}

	l.journalIntent(ctx, req, entry, res)
	l.latency.Observe(time.Since(signalAt))

	data, err := l.broker.OpenOrder(ctx, req)
	if err != nil {
		metrics.RecordOrderFailed(l.symbolCfg.Symbol)
		l.journalReject(ctx, clientID, err)
		return err
	}

	l.setPosition(&position{
		Ticket:        data.Ticket,
		ClientOrderID: clientID,
		Side:          side,
		Volume:        intent.Volume,
		OpenPrice:     data.Price,
	})
	metrics.RecordOrderSubmitted(l.symbolCfg.Symbol, string(side))
	l.journalFill(ctx, clientID, data)
	if err := l.agg.SetExposure(l.symbolCfg.Symbol, l.notional(intent.Volume, data.Price)); err != nil {
		l.logger.Warn().Err(err).Msg("Exposure update rejected")
	}
	l.logger.Info().
		Int64("ticket", data.Ticket).
		Str("side", string(side)).
		Float64("volume", intent.Volume).
		Float64("price", data.Price).
		Str("client_order_id", clientID).
		Msg("Position opened")

	if l.refreshAccount != nil {
		l.refreshAccount(ctx)
	}
	return nil
}

// close unwinds the open position after an opposite signal.
func (l *Loop) close(ctx context.Context, pos *position) error {
	l.transition(StateSubmit)
	data, err := l.broker.CloseOrder(ctx, pos.Ticket)
	if err != nil {
		metrics.RecordOrderFailed(l.symbolCfg.Symbol)
		return err
	}

	l.setPosition(nil)
	if err := l.agg.RecordTrade(l.symbolCfg.Symbol, data.Profit, pos.Volume); err != nil {
		l.logger.Warn().Err(err).Msg("Trade sample rejected")
	}
	if err := l.agg.SetExposure(l.symbolCfg.Symbol, 0); err != nil {
		l.logger.Warn().Err(err).Msg("Exposure update rejected")
	}
	if l.journal != nil {
		if err := l.journal.RecordClose(ctx, pos.Ticket, data.Price, data.Profit, time.Now().UTC()); err != nil {
			l.logger.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Journal close failed")
		}
	}
	l.logger.Info().
		Int64("ticket", pos.Ticket).
		Float64("close_price", data.Price).
		Float64("profit", data.Profit).
		Msg("Position closed")

	if l.refreshAccount != nil {
		l.refreshAccount(ctx)
	}
	return nil
}

// onBlocked handles the gateway's BLOCKED trade-mode guard: this process is
// pointed at an account it must not trade, so the breaker engages and the
// loop parks.
func (l *Loop) onBlocked(err error) {
	l.logger.Error().Err(err).Msg("Gateway refused order: trading blocked for this account")
	if l.engage != nil {
		meta := map[string]string{
			"symbol": l.symbolCfg.Symbol,
			"detail": err.Error(),
		}
		if engageErr := l.engage(ReasonGatewayBlocked, meta); engageErr != nil {
			l.logger.Error().Err(engageErr).Msg("Breaker engagement failed")
		}
	}
	l.transition(StateHalt)
}

// withinExposure enforces the per-symbol notional cap:
// open notional + intent notional <= max_per_symbol_exposure * equity.
func (l *Loop) withinExposure(volume, price, equity float64) bool {
	if equity <= 0 {
		return false
	}
	open := 0.0
	if pos := l.currentPosition(); pos != nil {
		open = l.notional(pos.Volume, pos.OpenPrice)
	}
	return open+l.notional(volume, price) <= l.symbolCfg.MaxPerSymbolExposure*equity
}

func (l *Loop) notional(volume, price float64) float64 {
	return volume * l.trading.ContractSize * price
}

// pushFeature appends one mid price to the rolling window and returns a
// copy sized to the configured feature window.
func (l *Loop) pushFeature(mid float64) []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.features = append(l.features, mid)
	if n := l.trading.FeatureWindow; n > 0 && len(l.features) > n {
		l.features = l.features[len(l.features)-n:]
	}
	out := make([]float64, len(l.features))
	copy(out, l.features)
	return out
}

// noteFailure records one failed cycle and engages the breaker when the
// rolling window fills up.
func (l *Loop) noteFailure() {
	metrics.RecordLoopFailure(l.symbolCfg.Symbol)

	l.mu.Lock()
	now := time.Now()
	l.failures = append(l.failures, now)
	cutoff := now.Add(-instabilityWindow)
	kept := l.failures[:0]
	for _, t := range l.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.failures = kept
	count := len(l.failures)
	l.mu.Unlock()

	if count < instabilityLimit || l.engage == nil {
		return
	}
	l.logger.Error().
		Int("failures", count).
		Dur("window", instabilityWindow).
		Msg("Loop unstable, engaging circuit breaker")
	meta := map[string]string{
		"symbol":   l.symbolCfg.Symbol,
		"failures": fmt.Sprintf("%d", count),
		"window":   instabilityWindow.String(),
	}
	if err := l.engage(ReasonLoopInstability, meta); err != nil {
		l.logger.Error().Err(err).Msg("Breaker engagement failed")
	}
}

func (l *Loop) journalIntent(ctx context.Context, req gateway.OpenOrderRequest, price float64, res signal.Result) {
	if l.journal == nil {
		return
	}
	comment := fmt.Sprintf("signal=%d confidence=%.4f", res.Signal, res.Confidence)
	ord := &journal.Order{
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           string(req.Side),
		Volume:         req.Volume,
		RequestedPrice: &price,
		StopLoss:       &req.StopLoss,
		TakeProfit:     &req.TakeProfit,
		Magic:          req.Magic,
		Comment:        &comment,
	}
	if err := l.journal.RecordIntent(ctx, ord); err != nil {
		l.logger.Error().Err(err).Str("client_order_id", req.ClientOrderID).Msg("Journal intent failed")
	}
}

func (l *Loop) journalFill(ctx context.Context, clientID string, data *gateway.OpenOrderData) {
	if l.journal == nil {
		return
	}
	err := l.journal.RecordFill(ctx, clientID, data.Ticket, data.Price, data.Commission, data.Swap, time.Now().UTC())
	if err != nil {
		l.logger.Error().Err(err).Str("client_order_id", clientID).Msg("Journal fill failed")
	}
}

func (l *Loop) journalReject(ctx context.Context, clientID string, cause error) {
	if l.journal == nil {
		return
	}
	if err := l.journal.RecordReject(ctx, clientID, cause.Error()); err != nil {
		l.logger.Error().Err(err).Str("client_order_id", clientID).Msg("Journal reject failed")
	}
}

func (l *Loop) transition(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	metrics.RecordLoopTransition(l.symbolCfg.Symbol, string(s))
}

func (l *Loop) currentState() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) currentPosition() *position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos == nil {
		return nil
	}
	p := *l.pos
	return &p
}

func (l *Loop) setPosition(p *position) {
	l.mu.Lock()
	l.pos = p
	l.mu.Unlock()
}
