// Package risk holds the runtime guardian sensors: the account-state monitor
// (drawdown and leverage), the signal-latency tail sensor, and the
// signal-distribution drift sensor. Each sensor evaluates on every update it
// receives and engages the durable breaker through an injected hook, so none
// of them depends on the breaker package directly.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/stats"
)

// Engagement reasons raised by the sensors in this package.
const (
	ReasonDrawdown      = "CRITICAL_DRAWDOWN"
	ReasonLeverage      = "LEVERAGE_BREACH"
	ReasonLatencySpikes = "LATENCY_SPIKES"
	ReasonSignalDrift   = "SIGNAL_DRIFT"
)

// EngageFunc engages the durable breaker. Wired by the engine.
type EngageFunc func(reason string, metadata map[string]string) error

// AccountUpdate carries the raw account fields from a GET_ACCOUNT poll or a
// post-fill refresh. Values are in the account currency.
type AccountUpdate struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
}

// AccountState is the derived account view maintained by the monitor.
// PeakEquity is monotonically non-decreasing within a session; DrawdownPct
// and Leverage are recomputed on every update.
type AccountState struct {
	Balance     float64
	Equity      float64
	Margin      float64
	FreeMargin  float64
	PeakEquity  float64
	DrawdownPct float64
	Leverage    float64
	Updates     uint64
	UpdatedAt   time.Time
}

// Monitor tracks account state and engages the breaker on a drawdown or
// leverage breach. The monitor is the only writer of its state; readers get
// immutable copies via Snapshot. Once the monitor has engaged it keeps
// maintaining state for bookkeeping but stops evaluating thresholds.
type Monitor struct {
	cfg    config.RiskConfig
	engage EngageFunc
	logger zerolog.Logger

	mu        sync.RWMutex
	state     AccountState
	tripped   bool
	ddWarned  bool
	levWarned bool
}

// NewMonitor creates an account monitor with the given risk limits. engage
// may be nil when no breaker is attached (pure bookkeeping).
func NewMonitor(cfg config.RiskConfig, engage EngageFunc) *Monitor {
	return &Monitor{
		cfg:    cfg,
		engage: engage,
		logger: log.With().Str("component", "risk_monitor").Logger(),
	}
}

// OnTick ingests one account snapshot: updates balance, equity and margin,
// recomputes peak equity, drawdown and leverage, then evaluates the limits.
// Non-finite inputs are rejected so one garbage poll cannot poison the peak.
func (m *Monitor) OnTick(u AccountUpdate) {
	if !stats.IsFinite(u.Balance) || !stats.IsFinite(u.Equity) ||
		!stats.IsFinite(u.Margin) || !stats.IsFinite(u.FreeMargin) {
		m.logger.Warn().
			Float64("balance", u.Balance).
			Float64("equity", u.Equity).
			Float64("margin", u.Margin).
			Msg("Rejected non-finite account update")
		metrics.RecordError("malformed_account", "risk_monitor")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.state
	s.Balance = u.Balance
	s.Equity = u.Equity
	s.Margin = u.Margin
	s.FreeMargin = u.FreeMargin
	if u.Equity > s.PeakEquity {
		s.PeakEquity = u.Equity
	}
	if s.PeakEquity > 0 {
		s.DrawdownPct = (s.PeakEquity - s.Equity) / s.PeakEquity
	} else {
		s.DrawdownPct = 0
	}
	// Equity at or below zero already shows up as a full drawdown breach;
	// leverage is left at zero rather than dividing by a dead account.
	if s.Equity > 0 {
		s.Leverage = s.Margin / s.Equity
	} else {
		s.Leverage = 0
	}
	s.Updates++
	s.UpdatedAt = time.Now().UTC()

	marginLevel := 0.0
	if s.Margin > 0 {
		marginLevel = s.Equity / s.Margin * 100
	}
	metrics.UpdateAccount(s.Balance, s.Equity, marginLevel, s.Leverage, s.DrawdownPct)

	if m.tripped {
		return
	}
	m.evaluateLocked()
}

// evaluateLocked checks hard limits before warnings. A single update that
// crosses both thresholds of one sensor produces only the engagement.
func (m *Monitor) evaluateLocked() {
	s := m.state

	switch {
	case s.DrawdownPct >= m.cfg.MaxDailyDrawdown:
		m.breachLocked(ReasonDrawdown,
			fmt.Sprintf("Drawdown %.4f exceeded %.4f", s.DrawdownPct, m.cfg.MaxDailyDrawdown),
			map[string]string{
				"drawdown_pct": fmt.Sprintf("%.6f", s.DrawdownPct),
				"peak_equity":  fmt.Sprintf("%.2f", s.PeakEquity),
				"equity":       fmt.Sprintf("%.2f", s.Equity),
			})
		return
	case s.DrawdownPct >= m.cfg.DrawdownWarning:
		if !m.ddWarned {
			m.ddWarned = true
			m.logger.Warn().
				Float64("drawdown_pct", s.DrawdownPct).
				Float64("warning", m.cfg.DrawdownWarning).
				Float64("hard_limit", m.cfg.MaxDailyDrawdown).
				Msg("Drawdown above warning threshold")
			metrics.RecordRiskWarning("drawdown")
		}
	default:
		m.ddWarned = false
	}

	switch {
	case s.Leverage >= m.cfg.MaxAccountLeverage:
		m.breachLocked(ReasonLeverage,
			fmt.Sprintf("Leverage %.1fx exceeded %.1fx", s.Leverage, m.cfg.MaxAccountLeverage),
			map[string]string{
				"leverage": fmt.Sprintf("%.4f", s.Leverage),
				"margin":   fmt.Sprintf("%.2f", s.Margin),
				"equity":   fmt.Sprintf("%.2f", s.Equity),
			})
	case s.Leverage >= m.cfg.LeverageWarning:
		if !m.levWarned {
			m.levWarned = true
			m.logger.Warn().
				Float64("leverage", s.Leverage).
				Float64("warning", m.cfg.LeverageWarning).
				Float64("hard_limit", m.cfg.MaxAccountLeverage).
				Msg("Leverage above warning threshold")
			metrics.RecordRiskWarning("leverage")
		}
	default:
		m.levWarned = false
	}
}

// breachLocked handles a hard-limit crossing. In auto mode it engages the
// breaker; in manual mode it raises a fatal-level alert and leaves the switch
// to the operator. Either way the monitor latches and stops evaluating.
func (m *Monitor) breachLocked(reason, detail string, metadata map[string]string) {
	m.tripped = true
	metadata["detail"] = detail

	if m.cfg.KillSwitchMode == "manual" {
		m.logger.WithLevel(zerolog.FatalLevel).
			Str("reason", reason).
			Str("detail", detail).
			Msg("FATAL ALERT: risk limit breached, kill switch is manual")
		metrics.RecordRiskWarning("manual_kill_switch")
		return
	}

	m.logger.Error().
		Str("reason", reason).
		Str("detail", detail).
		Msg("Risk limit breached, engaging circuit breaker")
	if m.engage == nil {
		return
	}
	if err := m.engage(reason, metadata); err != nil {
		m.logger.Error().Err(err).Str("reason", reason).Msg("Breaker engagement failed")
	}
}

// UpdateLimits swaps the risk limits in place on a config reload. Warning
// latches are re-armed so the new thresholds are evaluated fresh; a tripped
// monitor stays tripped.
func (m *Monitor) UpdateLimits(cfg config.RiskConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.ddWarned = false
	m.levWarned = false
	m.logger.Info().
		Float64("max_daily_drawdown", cfg.MaxDailyDrawdown).
		Float64("max_account_leverage", cfg.MaxAccountLeverage).
		Msg("Risk limits updated")
	if !m.tripped {
		m.evaluateLocked()
	}
}

// Tripped reports whether the monitor has crossed a hard limit this session.
func (m *Monitor) Tripped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tripped
}

// Snapshot returns a copy of the current account state.
func (m *Monitor) Snapshot() AccountState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
