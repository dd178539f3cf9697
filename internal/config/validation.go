package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// symbolPattern is the accepted shape of broker symbol identifiers,
// e.g. EURUSD, BTCUSD.s, XAUUSD.
var symbolPattern = regexp.MustCompile(`^[A-Z]{3,8}(\.[a-z])?$`)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateCommon()...)
	errors = append(errors, c.validateSymbols()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateRisk()...)
	errors = append(errors, c.validateGateway()...)
	errors = append(errors, c.validateMarketData()...)
	errors = append(errors, c.validateBreaker()...)
	errors = append(errors, c.validateShadow()...)
	errors = append(errors, c.validateJournal()...)
	errors = append(errors, c.validateAdmission()...)
	errors = append(errors, c.validateAdmin()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetadata()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateCommon() ValidationErrors {
	var errors ValidationErrors

	if c.Common.AppName == "" {
		errors = append(errors, ValidationError{
			Field:   "common.app_name",
			Message: "Application name is required",
		})
	}

	if c.Common.Environment != "" {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.Common.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "common.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.Common.Environment, validEnvs),
			})
		}
	}

	if c.Common.HeartbeatTopic != "" && c.Common.HeartbeatInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "common.heartbeat_interval",
			Message: "Heartbeat interval must be positive when a heartbeat topic is set",
		})
	}

	return errors
}

func (c *Config) validateSymbols() ValidationErrors {
	var errors ValidationErrors

	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		field := fmt.Sprintf("symbols[%d]", i)

		if !symbolPattern.MatchString(s.Symbol) {
			errors = append(errors, ValidationError{
				Field:   field + ".symbol",
				Message: fmt.Sprintf("Symbol '%s' does not match the accepted identifier shape", s.Symbol),
			})
		}
		if seen[s.Symbol] {
			errors = append(errors, ValidationError{
				Field:   field + ".symbol",
				Message: fmt.Sprintf("Symbol '%s' appears more than once in the active set", s.Symbol),
			})
		}
		seen[s.Symbol] = true

		if s.LotSize <= 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".lot_size",
				Message: "Lot size must be positive",
			})
		}
		if s.MagicNumber <= 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".magic_number",
				Message: "Magic number must be positive",
			})
		}
		if s.MaxPerSymbolExposure <= 0 || s.MaxPerSymbolExposure >= 1 {
			errors = append(errors, ValidationError{
				Field:   field + ".max_per_symbol_exposure",
				Message: "Per-symbol exposure limit must be a fraction of equity in (0, 1)",
			})
		}
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if c.Trading.Mode != "shadow" && c.Trading.Mode != "live" {
		errors = append(errors, ValidationError{
			Field:   "trading.mode",
			Message: fmt.Sprintf("Invalid mode '%s'. Must be 'shadow' or 'live'", c.Trading.Mode),
		})
	}

	if c.Trading.Theta <= 0 || c.Trading.Theta >= 1 {
		errors = append(errors, ValidationError{
			Field:   "trading.theta",
			Message: "Signal threshold theta must be in (0, 1)",
		})
	}

	if c.Trading.RiskPerTrade <= 0 || c.Trading.RiskPerTrade >= 1 {
		errors = append(errors, ValidationError{
			Field:   "trading.risk_per_trade",
			Message: "Risk per trade must be a fraction of balance in (0, 1)",
		})
	}

	if c.Trading.StopDistance <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.stop_distance",
			Message: "Stop distance must be positive",
		})
	}

	if c.Trading.ContractSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.contract_size",
			Message: "Contract size must be positive",
		})
	}

	if c.Trading.VolumeStep <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.volume_step",
			Message: "Volume step must be positive",
		})
	}

	if c.Trading.MaxPositionSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.max_position_size",
			Message: "Maximum position size must be positive",
		})
	}

	if c.Trading.FeatureWindow < 2 {
		errors = append(errors, ValidationError{
			Field:   "trading.feature_window",
			Message: "Feature window must hold at least two ticks",
		})
	}

	switch c.Trading.Predictor.Kind {
	case "linear":
		if c.Trading.Predictor.ModelPath == "" {
			errors = append(errors, ValidationError{
				Field:   "trading.predictor.model_path",
				Message: "Linear predictor requires a model artifact path",
			})
		}
	case "heuristic":
		if c.Trading.Predictor.RSIPeriod < 2 {
			errors = append(errors, ValidationError{
				Field:   "trading.predictor.rsi_period",
				Message: "Heuristic predictor requires an RSI period of at least 2",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "trading.predictor.kind",
			Message: fmt.Sprintf("Invalid predictor kind '%s'. Must be 'linear' or 'heuristic'", c.Trading.Predictor.Kind),
		})
	}

	prev := 0.0
	for i, step := range c.Trading.Ramp.Steps {
		if step <= prev || step > 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("trading.ramp.steps[%d]", i),
				Message: "Ramp steps must be strictly increasing within (0, 1]",
			})
			break
		}
		prev = step
	}
	if len(c.Trading.Ramp.Steps) > 0 && c.Trading.Ramp.Hold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.ramp.hold",
			Message: "Ramp hold duration must be positive",
		})
	}

	return errors
}

func (c *Config) validateRisk() ValidationErrors {
	var errors ValidationErrors

	if c.Risk.MaxDailyDrawdown <= 0 || c.Risk.MaxDailyDrawdown >= 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_daily_drawdown",
			Message: "Maximum daily drawdown must be a fraction in (0, 1)",
		})
	}

	if c.Risk.DrawdownWarning <= 0 || c.Risk.DrawdownWarning >= 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.drawdown_warning",
			Message: "Drawdown warning threshold must be a fraction in (0, 1)",
		})
	} else if c.Risk.DrawdownWarning >= c.Risk.MaxDailyDrawdown {
		errors = append(errors, ValidationError{
			Field:   "risk.drawdown_warning",
			Message: "Drawdown warning threshold must be below the hard limit",
		})
	}

	if c.Risk.MaxAccountLeverage <= 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.max_account_leverage",
			Message: "Maximum account leverage must exceed 1x",
		})
	}

	if c.Risk.LeverageWarning <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.leverage_warning",
			Message: "Leverage warning threshold must be positive",
		})
	} else if c.Risk.LeverageWarning >= c.Risk.MaxAccountLeverage {
		errors = append(errors, ValidationError{
			Field:   "risk.leverage_warning",
			Message: "Leverage warning threshold must be below the hard limit",
		})
	}

	if c.Risk.KillSwitchMode != "auto" && c.Risk.KillSwitchMode != "manual" {
		errors = append(errors, ValidationError{
			Field:   "risk.kill_switch_mode",
			Message: fmt.Sprintf("Invalid kill switch mode '%s'. Must be 'auto' or 'manual'", c.Risk.KillSwitchMode),
		})
	}

	if c.Risk.AccountPollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.account_poll_interval",
			Message: "Account poll interval must be positive",
		})
	}

	if c.Risk.Latency.Window <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.latency.window",
			Message: "Latency sample window must be positive",
		})
	}

	if c.Risk.Latency.CriticalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.latency.critical_ms",
			Message: "Critical latency threshold must be positive",
		})
	}

	if c.Risk.Latency.WarningMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.latency.warning_ms",
			Message: "Latency warning threshold must be positive",
		})
	} else if c.Risk.Latency.WarningMs >= c.Risk.Latency.CriticalMs {
		errors = append(errors, ValidationError{
			Field:   "risk.latency.warning_ms",
			Message: "Latency warning threshold must be below the critical threshold",
		})
	}

	if c.Risk.Latency.SpikeLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.latency.spike_limit",
			Message: "Latency spike limit must be at least 1",
		})
	}

	if c.Risk.Drift.Window <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.drift.window",
			Message: "Drift window must be positive",
		})
	}

	if c.Risk.Drift.PSIThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.drift.psi_threshold",
			Message: "Drift PSI threshold must be positive",
		})
	}

	if c.Risk.Drift.EventLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "risk.drift.event_limit",
			Message: "Drift event limit must be at least 1",
		})
	}

	if c.Risk.Drift.EventWindow <= 0 {
		errors = append(errors, ValidationError{
			Field:   "risk.drift.event_window",
			Message: "Drift event window must be positive",
		})
	}

	return errors
}

func (c *Config) validateGateway() ValidationErrors {
	var errors ValidationErrors

	if err := validateHostPort(c.Gateway.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "gateway.addr",
			Message: err.Error(),
		})
	}

	if c.Gateway.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.timeout",
			Message: "Request timeout must be positive",
		})
	}

	if c.Gateway.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.max_retries",
			Message: "Retry count cannot be negative",
		})
	}

	if c.Gateway.MaxFrameBytes < 1024 {
		errors = append(errors, ValidationError{
			Field:   "gateway.max_frame_bytes",
			Message: "Maximum frame size must be at least 1024 bytes",
		})
	}

	return errors
}

func (c *Config) validateMarketData() ValidationErrors {
	var errors ValidationErrors

	switch c.MarketData.Transport {
	case "nats", "websocket":
	default:
		errors = append(errors, ValidationError{
			Field:   "market_data.transport",
			Message: fmt.Sprintf("Invalid transport '%s'. Must be 'nats' or 'websocket'", c.MarketData.Transport),
		})
	}

	if c.MarketData.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "market_data.url",
			Message: "Market data URL is required",
		})
	}

	if c.MarketData.BufferSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "market_data.buffer_size",
			Message: "Per-symbol tick buffer size must be positive",
		})
	}

	if c.MarketData.LagEngageThreshold <= 0 {
		errors = append(errors, ValidationError{
			Field:   "market_data.lag_engage_threshold",
			Message: "Lag engagement threshold must be positive",
		})
	}

	return errors
}

func (c *Config) validateBreaker() ValidationErrors {
	var errors ValidationErrors

	if c.Breaker.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "breaker.path",
			Message: "Circuit breaker file path is required",
		})
	}

	if c.Breaker.WatchInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "breaker.watch_interval",
			Message: "Breaker watch interval must be positive",
		})
	}

	if c.Breaker.Fanout.Enabled {
		if err := validateHostPort(c.Breaker.Fanout.Addr); err != nil {
			errors = append(errors, ValidationError{
				Field:   "breaker.fanout.addr",
				Message: err.Error(),
			})
		}
		if c.Breaker.Fanout.Channel == "" || c.Breaker.Fanout.Key == "" {
			errors = append(errors, ValidationError{
				Field:   "breaker.fanout",
				Message: "Fan-out requires both a channel and a key",
			})
		}
	}

	return errors
}

func (c *Config) validateShadow() ValidationErrors {
	var errors ValidationErrors

	if c.Shadow.Dir == "" {
		errors = append(errors, ValidationError{
			Field:   "shadow.dir",
			Message: "Shadow record directory is required",
		})
	}

	if c.Shadow.FlushRecords <= 0 {
		errors = append(errors, ValidationError{
			Field:   "shadow.flush_records",
			Message: "Flush record threshold must be positive",
		})
	}

	if c.Shadow.FlushInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "shadow.flush_interval",
			Message: "Flush interval must be positive",
		})
	}

	return errors
}

func (c *Config) validateJournal() ValidationErrors {
	var errors ValidationErrors

	if !c.Journal.Enabled {
		if c.Journal.ReconcileOnStart {
			errors = append(errors, ValidationError{
				Field:   "journal.reconcile_on_start",
				Message: "Pre-start reconciliation requires the journal to be enabled",
			})
		}
		return errors
	}

	if c.Journal.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "journal.host",
			Message: "Journal host is required when the journal is enabled",
		})
	}
	if c.Journal.Port <= 0 || c.Journal.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "journal.port",
			Message: "Journal port must be a valid TCP port",
		})
	}
	if c.Journal.User == "" {
		errors = append(errors, ValidationError{
			Field:   "journal.user",
			Message: "Journal user is required when the journal is enabled",
		})
	}
	if c.Journal.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "journal.database",
			Message: "Journal database name is required when the journal is enabled",
		})
	}

	return errors
}

func (c *Config) validateAdmission() ValidationErrors {
	var errors ValidationErrors

	if c.Admission.ArtifactPath == "" {
		errors = append(errors, ValidationError{
			Field:   "admission.artifact_path",
			Message: "Admission artifact path is required",
		})
	}

	if c.Admission.PositionCoefficient <= 0 || c.Admission.PositionCoefficient > 1 {
		errors = append(errors, ValidationError{
			Field:   "admission.position_coefficient",
			Message: "Position coefficient must be in (0, 1]",
		})
	}

	if c.Admission.Slippage < 0 {
		errors = append(errors, ValidationError{
			Field:   "admission.slippage",
			Message: "Slippage cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateAdmin() ValidationErrors {
	var errors ValidationErrors

	if !c.Admin.Enabled {
		return errors
	}

	if err := validateHostPort(c.Admin.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "admin.addr",
			Message: err.Error(),
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("Invalid log level '%s'", c.Logging.Level),
		})
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.Logging.Format),
		})
	}

	return errors
}

func (c *Config) validateMetadata() ValidationErrors {
	var errors ValidationErrors

	if err := CheckSchemaVersion(c.Metadata.SchemaVersion); err != nil {
		errors = append(errors, ValidationError{
			Field:   "metadata.schema_version",
			Message: err.Error(),
		})
	}

	return errors
}

// validateHostPort checks that addr parses as host:port with a numeric port.
func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address '%s' must be host:port", addr)
	}
	if host == "" || port == "" {
		return fmt.Errorf("address '%s' must include both host and port", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("address '%s' has an invalid port", addr)
	}
	return nil
}
