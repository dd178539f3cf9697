// Package launcher is the admissible entry point into trading. Live mode
// walks the go-live sequence in order: verify the admission artifact, check
// the account is real, seed the position coefficient, optionally reconcile
// the order log against the broker, start the engine and prove the order
// path with a canary order. Every gate maps to its own process exit code so
// a supervisor can tell which one refused. Shadow mode skips the admission
// and canary gates and runs the engine in observation-only form.
package launcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mt5-crs/executor/internal/admission"
	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/engine"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/reconcile"
)

// Process exit codes. The supervisor's restart policy keys off these.
const (
	ExitOK             = 0
	ExitConfig         = 1 // unreadable or tampered artifact, bad config
	ExitAdmission      = 2 // admission decision is NO-GO
	ExitBlocked        = 3 // non-real account, demo/beta server, engaged breaker
	ExitCanary         = 4 // canary order did not fill (or did not close)
	ExitReconciliation = 5 // order log disagrees with broker history
)

// ReasonCanaryFailed is the breaker reason when the proving order fails.
const ReasonCanaryFailed = "CANARY_FAILED"

// canaryTimeout bounds the canary's open and close round trips.
const canaryTimeout = 30 * time.Second

// Deps bundles what the launcher drives. Journal may be nil.
type Deps struct {
	Config  *config.Config
	Engine  *engine.Engine
	Breaker *breaker.Breaker
	Broker  gateway.Broker
	Journal *journal.Journal
}

// Launcher runs the startup sequence and supervises the engine.
type Launcher struct {
	cfg     *config.Config
	eng     *engine.Engine
	brk     *breaker.Breaker
	broker  gateway.Broker
	journal *journal.Journal
	logger  zerolog.Logger
}

func New(deps Deps) (*Launcher, error) {
	if deps.Config == nil || deps.Engine == nil || deps.Breaker == nil || deps.Broker == nil {
		return nil, fmt.Errorf("launcher requires config, engine, breaker and broker")
	}
	return &Launcher{
		cfg:     deps.Config,
		eng:     deps.Engine,
		brk:     deps.Breaker,
		broker:  deps.Broker,
		journal: deps.Journal,
		logger:  config.NewLogger("launcher"),
	}, nil
}

// Run executes the startup sequence, then blocks on the engine until ctx is
// cancelled. The return value is the process exit code.
func (l *Launcher) Run(ctx context.Context) int {
	if l.brk.ShouldHalt() {
		snap := l.brk.Snapshot()
		l.logger.Error().
			Str("reason", snap.Reason).
			Time("engaged_at", snap.EngagedAt).
			Msg("Circuit breaker engaged, refusing to start; disengage it first")
		return ExitBlocked
	}
	if !l.cfg.Trading.IsLive() {
		return l.runShadow(ctx)
	}
	return l.runLive(ctx)
}

func (l *Launcher) runShadow(ctx context.Context) int {
	l.logger.Info().Msg("Shadow launch, admission and canary gates skipped")
	l.audit(ctx, journal.EventLaunch, "shadow", nil)
	if err := l.eng.Run(ctx); err != nil {
		return ExitConfig
	}
	return ExitOK
}

func (l *Launcher) runLive(ctx context.Context) int {
	decision, code := l.admit(ctx)
	if code != ExitOK {
		return code
	}
	if code := l.verifyAccount(ctx); code != ExitOK {
		return code
	}

	l.eng.SetCoefficient(decision.PositionCoefficient)
	l.logger.Info().
		Float64("coefficient", decision.PositionCoefficient).
		Msg("Position coefficient seeded from admission artifact")

	if l.cfg.Journal.ReconcileOnStart {
		if code := l.reconcile(ctx); code != ExitOK {
			return code
		}
	}

	l.audit(ctx, journal.EventLaunch, "live", map[string]string{
		"decision_hash": decision.DecisionHash,
		"coefficient":   fmt.Sprintf("%.2f", decision.PositionCoefficient),
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	engineErr := make(chan error, 1)
	go func() { engineErr <- l.eng.Run(runCtx) }()

	if code := l.canary(runCtx); code != ExitOK {
		cancel()
		<-engineErr
		return code
	}
	l.logger.Info().Msg("Launch sequence complete, trading")

	if err := <-engineErr; err != nil {
		return ExitConfig
	}
	return ExitOK
}

// admit loads the admission artifact and recomputes its hash from the
// metrics it carries; a hand-edited artifact cannot authorize a launch.
func (l *Launcher) admit(ctx context.Context) (*admission.Decision, int) {
	path := l.cfg.Admission.ArtifactPath
	decision, err := admission.ReadArtifact(path)
	if err != nil {
		l.logger.Error().Err(err).Str("path", path).Msg("Admission artifact unreadable")
		return nil, ExitConfig
	}
	if err := decision.Verify(); err != nil {
		l.logger.Error().Err(err).Str("path", path).Msg("Admission artifact rejected")
		l.audit(ctx, journal.EventAdmission, "hash mismatch", map[string]string{"path": path})
		return nil, ExitConfig
	}

	l.audit(ctx, journal.EventAdmission, decision.Decision, map[string]string{
		"hash":       decision.DecisionHash,
		"confidence": fmt.Sprintf("%.2f", decision.ApprovalConfidence),
	})
	switch decision.Decision {
	case admission.DecisionNoGo:
		l.logger.Error().
			Strs("reasons", decision.RejectionReasons).
			Msg("Admission decision is NO-GO, live launch refused")
		return nil, ExitAdmission
	case admission.DecisionWarning:
		l.logger.Warn().
			Float64("confidence", decision.ApprovalConfidence).
			Strs("reasons", decision.RejectionReasons).
			Msg("Admission passed with warnings")
	}
	return decision, ExitOK
}

// verifyAccount confirms the gateway fronts a real-money account. Brokers
// run demo and beta environments that still answer GET_ACCOUNT, so the
// server name is checked alongside the trade mode.
func (l *Launcher) verifyAccount(ctx context.Context) int {
	acct, err := l.broker.GetAccount(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Account verification failed")
		return ExitConfig
	}
	if acct.TradeMode != gateway.TradeModeReal {
		l.logger.Error().
			Str("trade_mode", acct.TradeMode).
			Msg("Account is not real, live launch blocked")
		return ExitBlocked
	}
	if strings.Contains(acct.ServerName, "Demo") || strings.Contains(acct.ServerName, "Beta") {
		l.logger.Error().
			Str("server", acct.ServerName).
			Msg("Server name marks a non-production environment, live launch blocked")
		return ExitBlocked
	}
	l.logger.Info().
		Str("server", acct.ServerName).
		Float64("equity", acct.Equity).
		Str("currency", acct.Currency).
		Msg("Real trading account verified")
	return ExitOK
}

// reconcile replays the order log against broker history before any new
// order is placed. A dirty book means the previous session's trades cannot
// be trusted; the engage hook has already raised the halt flag by the time
// this returns.
func (l *Launcher) reconcile(ctx context.Context) int {
	if l.journal == nil {
		l.logger.Error().Msg("Pre-start reconciliation requires the journal")
		return ExitConfig
	}
	lookback := l.cfg.Journal.ReconcileLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	now := time.Now()

	report, err := reconcile.New(l.journal, l.broker, l.brk.Engage, l.cfg.Symbols).
		Run(ctx, now.Add(-lookback), now)
	if err != nil {
		// A gate that cannot evaluate fails closed.
		l.logger.Error().Err(err).Msg("Pre-start reconciliation could not complete")
		return ExitReconciliation
	}

	outcome := "clean"
	if !report.Clean {
		outcome = "dirty"
	}
	l.audit(ctx, journal.EventReconcile, outcome, map[string]string{
		"orders":     fmt.Sprintf("%d", report.Orders),
		"mismatches": fmt.Sprintf("%d", report.Mismatches),
		"ghosts":     fmt.Sprintf("%d", report.Ghosts),
		"orphans":    fmt.Sprintf("%d", report.Orphans),
	})
	if !report.Clean {
		l.logger.Error().
			Int("mismatches", report.Mismatches).
			Int("ghosts", report.Ghosts).
			Msg("Order log disagrees with broker history, live launch refused")
		return ExitReconciliation
	}
	l.logger.Info().
		Int("orders", report.Orders).
		Float64("match_rate", report.MatchRate).
		Dur("lookback", lookback).
		Msg("Pre-start reconciliation clean")
	return ExitOK
}

// canary proves the live order path end to end with one minimum-volume
// order. The engine is already running; the canary shares the gateway lock
// with the loops like any other order.
func (l *Launcher) canary(ctx context.Context) int {
	symbols := l.cfg.EnabledSymbols()
	if len(symbols) == 0 {
		return ExitConfig
	}
	sym := symbols[0]

	volume := l.cfg.Trading.CanaryVolume
	if volume <= 0 {
		volume = l.cfg.Trading.VolumeStep
	}

	cctx, cancel := context.WithTimeout(ctx, canaryTimeout)
	defer cancel()

	clientID := uuid.NewString()
	req := gateway.OpenOrderRequest{
		Symbol:        sym.Symbol,
		Side:          gateway.SideBuy,
		Volume:        volume,
		Magic:         sym.MagicNumber,
		ClientOrderID: clientID,
		Comment:       "canary",
	}
	l.journalCanaryIntent(cctx, req)

	fill, err := l.broker.OpenOrder(cctx, req)
	if err != nil {
		if jerr := l.journal.RecordReject(cctx, clientID, err.Error()); jerr != nil {
			l.logger.Error().Err(jerr).Msg("Journal reject failed")
		}
		l.failCanary(ctx, sym.Symbol, err)
		return ExitCanary
	}
	if jerr := l.journal.RecordFill(cctx, clientID, fill.Ticket, fill.Price, fill.Commission, fill.Swap, time.Now().UTC()); jerr != nil {
		l.logger.Error().Err(jerr).Msg("Journal fill failed")
	}
	l.logger.Info().
		Int64("ticket", fill.Ticket).
		Str("symbol", sym.Symbol).
		Float64("volume", volume).
		Float64("price", fill.Price).
		Msg("Canary order filled")

	if l.cfg.Trading.CanaryClose {
		closed, err := l.broker.CloseOrder(cctx, fill.Ticket)
		if err != nil {
			l.failCanary(ctx, sym.Symbol,
				fmt.Errorf("canary filled but close failed, position %d left open: %w", fill.Ticket, err))
			return ExitCanary
		}
		if jerr := l.journal.RecordClose(cctx, fill.Ticket, closed.Price, closed.Profit, time.Now().UTC()); jerr != nil {
			l.logger.Error().Err(jerr).Msg("Journal close failed")
		}
		l.logger.Info().Int64("ticket", fill.Ticket).Float64("profit", closed.Profit).Msg("Canary position closed")
	}

	l.audit(ctx, journal.EventCanary, "filled", map[string]string{
		"symbol": sym.Symbol,
		"ticket": fmt.Sprintf("%d", fill.Ticket),
	})
	return ExitOK
}

func (l *Launcher) journalCanaryIntent(ctx context.Context, req gateway.OpenOrderRequest) {
	comment := "canary"
	ord := &journal.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Volume:        req.Volume,
		Magic:         req.Magic,
		Comment:       &comment,
	}
	if err := l.journal.RecordIntent(ctx, ord); err != nil {
		l.logger.Error().Err(err).Str("client_order_id", req.ClientOrderID).Msg("Journal intent failed")
	}
}

func (l *Launcher) failCanary(ctx context.Context, symbol string, cause error) {
	l.logger.Error().Err(cause).Str("symbol", symbol).Msg("Canary failed, engaging circuit breaker")
	meta := map[string]string{"symbol": symbol, "error": cause.Error()}
	if err := l.brk.Engage(ReasonCanaryFailed, meta); err != nil {
		l.logger.Error().Err(err).Msg("Breaker engagement failed")
	}
	l.audit(ctx, journal.EventCanary, "failed", meta)
}

func (l *Launcher) audit(ctx context.Context, kind, detail string, meta map[string]string) {
	if err := l.journal.RecordEvent(ctx, kind, "launcher", detail, meta); err != nil {
		l.logger.Warn().Err(err).Str("kind", kind).Msg("Audit event not recorded")
	}
}
