package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all executor configuration
type Config struct {
	Common     CommonConfig     `mapstructure:"common"`
	Symbols    []SymbolConfig   `mapstructure:"symbols"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Shadow     ShadowConfig     `mapstructure:"shadow"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Metadata   MetadataConfig   `mapstructure:"metadata"`
}

// CommonConfig contains process-level settings
type CommonConfig struct {
	AppName           string        `mapstructure:"app_name"`
	Environment       string        `mapstructure:"environment"` // development, staging, production
	InstanceID        string        `mapstructure:"instance_id"`
	HeartbeatTopic    string        `mapstructure:"heartbeat_topic"` // empty disables the publisher
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SymbolConfig describes one tradable symbol in the active set
type SymbolConfig struct {
	Symbol               string  `mapstructure:"symbol"`
	LotSize              float64 `mapstructure:"lot_size"`
	MagicNumber          int64   `mapstructure:"magic_number"`
	MaxPerSymbolExposure float64 `mapstructure:"max_per_symbol_exposure"` // fraction of equity
	Enabled              bool    `mapstructure:"enabled"`
}

// TradingConfig contains execution and sizing settings
type TradingConfig struct {
	Mode            string          `mapstructure:"mode"`  // "shadow" or "live"
	Theta           float64         `mapstructure:"theta"` // signal threshold
	RiskPerTrade    float64         `mapstructure:"risk_per_trade"`
	StopDistance    float64         `mapstructure:"stop_distance"` // price units
	ContractSize    float64         `mapstructure:"contract_size"`
	VolumeStep      float64         `mapstructure:"volume_step"`
	MaxPositionSize float64         `mapstructure:"max_position_size"` // lots
	CanaryVolume    float64         `mapstructure:"canary_volume"`
	CanaryClose     bool            `mapstructure:"canary_close"`
	FeatureWindow   int             `mapstructure:"feature_window"`
	Predictor       PredictorConfig `mapstructure:"predictor"`
	Ramp            RampConfig      `mapstructure:"ramp"`
}

// PredictorConfig selects the score source for the signal adapter
type PredictorConfig struct {
	Kind      string `mapstructure:"kind"` // "linear" or "heuristic"
	ModelPath string `mapstructure:"model_path"`
	RSIPeriod int    `mapstructure:"rsi_period"`
}

// RampConfig drives the position-coefficient ladder after launch
type RampConfig struct {
	Steps []float64     `mapstructure:"steps"` // e.g. [0.1, 0.25, 0.5, 1.0]
	Hold  time.Duration `mapstructure:"hold"`  // uneventful time before advancing
}

// RiskConfig contains the process-wide risk limits
type RiskConfig struct {
	MaxDailyDrawdown    float64             `mapstructure:"max_daily_drawdown"`
	DrawdownWarning     float64             `mapstructure:"drawdown_warning"`
	MaxAccountLeverage  float64             `mapstructure:"max_account_leverage"`
	LeverageWarning     float64             `mapstructure:"leverage_warning"`
	KillSwitchMode      string              `mapstructure:"kill_switch_mode"` // "auto" or "manual"
	AccountPollInterval time.Duration       `mapstructure:"account_poll_interval"`
	Latency             LatencySensorConfig `mapstructure:"latency"`
	Drift               DriftSensorConfig   `mapstructure:"drift"`
}

// LatencySensorConfig tunes the signal-latency tail sensor
type LatencySensorConfig struct {
	Window     int     `mapstructure:"window"`      // samples
	CriticalMs float64 `mapstructure:"critical_ms"` // per-sample spike threshold
	WarningMs  float64 `mapstructure:"warning_ms"`  // P95 warning threshold
	SpikeLimit int     `mapstructure:"spike_limit"` // spikes in window before engagement
}

// DriftSensorConfig tunes the signal-distribution drift sensor
type DriftSensorConfig struct {
	Window       int           `mapstructure:"window"` // signals per PSI window
	PSIThreshold float64       `mapstructure:"psi_threshold"`
	EventLimit   int           `mapstructure:"event_limit"`  // events tolerated inside event_window
	EventWindow  time.Duration `mapstructure:"event_window"` // rolling window for event counting
}

// GatewayConfig contains broker gateway transport settings
type GatewayConfig struct {
	Addr              string                   `mapstructure:"addr"`
	Timeout           time.Duration            `mapstructure:"timeout"`
	ActionTimeouts    map[string]time.Duration `mapstructure:"action_timeouts"`
	MaxRetries        int                      `mapstructure:"max_retries"`
	RetryBackoff      time.Duration            `mapstructure:"retry_backoff"`
	MaxFrameBytes     int                      `mapstructure:"max_frame_bytes"`
	RequestsPerSecond float64                  `mapstructure:"requests_per_second"` // 0 disables pacing
	Burst             int                      `mapstructure:"burst"`
	Breaker           TransportBreakerConfig   `mapstructure:"breaker"`
}

// TransportBreakerConfig tunes the fast-fail breaker on the request path.
// This is transport protection, separate from the durable halt flag.
type TransportBreakerConfig struct {
	MinRequests         uint32        `mapstructure:"min_requests"`
	FailureRatio        float64       `mapstructure:"failure_ratio"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	MaxHalfOpenRequests uint32        `mapstructure:"max_half_open_requests"`
}

// MarketDataConfig contains tick stream settings
type MarketDataConfig struct {
	Transport          string `mapstructure:"transport"` // "nats" or "websocket"
	URL                string `mapstructure:"url"`
	TopicPrefix        string `mapstructure:"topic_prefix"`
	BufferSize         int    `mapstructure:"buffer_size"`
	LagEngageThreshold int64  `mapstructure:"lag_engage_threshold"`
}

// BreakerConfig contains durable circuit-breaker settings
type BreakerConfig struct {
	Path          string        `mapstructure:"path"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
	Fanout        FanoutConfig  `mapstructure:"fanout"`
}

// FanoutConfig enables cross-host engagement broadcast over Redis.
// The breaker file stays authoritative; the fan-out is advisory.
type FanoutConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	Key      string `mapstructure:"key"`
}

// ShadowConfig contains shadow recorder settings
type ShadowConfig struct {
	Dir           string        `mapstructure:"dir"`
	FlushRecords  int           `mapstructure:"flush_records"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// JournalConfig contains the PostgreSQL order-log settings
type JournalConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
	// ReconcileOnStart runs a journal-vs-broker reconciliation before the
	// launcher hands control to the engine. Requires Enabled.
	ReconcileOnStart  bool          `mapstructure:"reconcile_on_start"`
	ReconcileLookback time.Duration `mapstructure:"reconcile_lookback"`
}

// AdmissionConfig contains admission-gate settings
type AdmissionConfig struct {
	ArtifactPath        string  `mapstructure:"artifact_path"`
	Slippage            float64 `mapstructure:"slippage"` // price units per round trip
	PositionCoefficient float64 `mapstructure:"position_coefficient"`
	CriticalLatencyMs   float64 `mapstructure:"critical_latency_ms"`
	P99LimitMs          float64 `mapstructure:"p99_limit_ms"`
	DriftEventLimit     int     `mapstructure:"drift_event_limit"`
	ChallengerF1Min     float64 `mapstructure:"challenger_f1_min"`
	DiversityMin        float64 `mapstructure:"diversity_min"`
}

// AdminConfig contains the operational HTTP surface settings
type AdminConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	OperatorToken string `mapstructure:"operator_token"`
}

// MetricsConfig contains Prometheus exposure settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig contains log output settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// MetadataConfig carries configuration provenance
type MetadataConfig struct {
	SchemaVersion string `mapstructure:"schema_version"`
	Description   string `mapstructure:"description"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	return LoadWithOverrides(configPath, nil)
}

// LoadWithOverrides loads configuration and applies explicit key overrides on
// top (command-line flags). Precedence: overrides > env > file > defaults.
func LoadWithOverrides(configPath string, overrides map[string]interface{}) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("MT5CRS")
	v.SetEnvKeyReplacer(envKeyReplacer)

	// Set defaults
	setDefaults(v)

	if configPath != "" {
		// Expand ${NAME} / ${NAME:default} references before parsing
		raw, err := readAndSubstitute(configPath)
		if err != nil {
			return nil, err
		}
		if err := v.ReadConfig(raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No config file; defaults and environment variables apply
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Common.Environment == "production" {
		if errs := ValidateProductionSecrets(&cfg); len(errs) > 0 {
			return nil, errs
		}
	}

	return &cfg, nil
}

// setDefaults sets the compiled default configuration values
func setDefaults(v *viper.Viper) {
	// Common defaults
	v.SetDefault("common.app_name", "mt5crs-executor")
	v.SetDefault("common.environment", "development")
	v.SetDefault("common.instance_id", "executor-1")
	v.SetDefault("common.heartbeat_topic", "mt5crs.executor.heartbeat")
	v.SetDefault("common.heartbeat_interval", "30s")

	// Trading defaults
	v.SetDefault("trading.mode", "shadow")
	v.SetDefault("trading.theta", 0.5)
	v.SetDefault("trading.risk_per_trade", 0.01)
	v.SetDefault("trading.stop_distance", 0.0050)
	v.SetDefault("trading.contract_size", 100000.0)
	v.SetDefault("trading.volume_step", 0.01)
	v.SetDefault("trading.max_position_size", 1.0)
	v.SetDefault("trading.canary_volume", 0.01)
	v.SetDefault("trading.canary_close", true)
	v.SetDefault("trading.feature_window", 32)
	v.SetDefault("trading.predictor.kind", "heuristic")
	v.SetDefault("trading.predictor.rsi_period", 14)
	v.SetDefault("trading.ramp.steps", []float64{0.1, 0.25, 0.5, 1.0})
	v.SetDefault("trading.ramp.hold", "4h")

	// Risk defaults
	v.SetDefault("risk.max_daily_drawdown", 0.02)
	v.SetDefault("risk.drawdown_warning", 0.015)
	v.SetDefault("risk.max_account_leverage", 5.0)
	v.SetDefault("risk.leverage_warning", 4.0)
	v.SetDefault("risk.kill_switch_mode", "auto")
	v.SetDefault("risk.account_poll_interval", "5s")
	v.SetDefault("risk.latency.window", 100)
	v.SetDefault("risk.latency.critical_ms", 100.0)
	v.SetDefault("risk.latency.warning_ms", 50.0)
	v.SetDefault("risk.latency.spike_limit", 3)
	v.SetDefault("risk.drift.window", 500)
	v.SetDefault("risk.drift.psi_threshold", 0.25)
	v.SetDefault("risk.drift.event_limit", 5)
	v.SetDefault("risk.drift.event_window", "24h")

	// Gateway defaults
	v.SetDefault("gateway.addr", "127.0.0.1:5555")
	v.SetDefault("gateway.timeout", "2s")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.retry_backoff", "1s")
	v.SetDefault("gateway.max_frame_bytes", 4194304)
	v.SetDefault("gateway.requests_per_second", 0.0)
	v.SetDefault("gateway.burst", 1)
	v.SetDefault("gateway.breaker.min_requests", 5)
	v.SetDefault("gateway.breaker.failure_ratio", 0.6)
	v.SetDefault("gateway.breaker.open_timeout", "30s")
	v.SetDefault("gateway.breaker.max_half_open_requests", 2)

	// Market data defaults
	v.SetDefault("market_data.transport", "nats")
	v.SetDefault("market_data.url", "nats://localhost:4222")
	v.SetDefault("market_data.topic_prefix", "ticks.")
	v.SetDefault("market_data.buffer_size", 1024)
	v.SetDefault("market_data.lag_engage_threshold", 256)

	// Breaker defaults
	v.SetDefault("breaker.path", "./circuit_breaker.engaged")
	v.SetDefault("breaker.watch_interval", "1s")
	v.SetDefault("breaker.fanout.enabled", false)
	v.SetDefault("breaker.fanout.addr", "localhost:6379")
	v.SetDefault("breaker.fanout.db", 0)
	v.SetDefault("breaker.fanout.channel", "mt5crs.breaker")
	v.SetDefault("breaker.fanout.key", "mt5crs:breaker:engaged")

	// Shadow defaults
	v.SetDefault("shadow.dir", "./shadow")
	v.SetDefault("shadow.flush_records", 1000)
	v.SetDefault("shadow.flush_interval", "5s")
	v.SetDefault("shadow.queue_size", 4096)

	// Journal defaults
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.user", "postgres")
	v.SetDefault("journal.database", "mt5crs")
	v.SetDefault("journal.ssl_mode", "disable")
	v.SetDefault("journal.pool_size", 10)
	v.SetDefault("journal.reconcile_on_start", false)
	v.SetDefault("journal.reconcile_lookback", "24h")

	// Admission defaults
	v.SetDefault("admission.artifact_path", "./admission_decision.json")
	v.SetDefault("admission.slippage", 0.0001)
	v.SetDefault("admission.position_coefficient", 0.1)
	v.SetDefault("admission.critical_latency_ms", 100.0)
	v.SetDefault("admission.p99_limit_ms", 100.0)
	v.SetDefault("admission.drift_event_limit", 5)
	v.SetDefault("admission.challenger_f1_min", 0.5)
	v.SetDefault("admission.diversity_min", 0.4)

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.addr", "127.0.0.1:8787")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "mt5crs/executor")

	// Metadata defaults
	v.SetDefault("metadata.schema_version", SchemaVersion)
}

// EnabledSymbols returns the enabled subset of the symbol set.
func (c *Config) EnabledSymbols() []SymbolConfig {
	out := make([]SymbolConfig, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// SymbolNames returns the identifiers of the enabled symbols.
func (c *Config) SymbolNames() []string {
	enabled := c.EnabledSymbols()
	names := make([]string, 0, len(enabled))
	for _, s := range enabled {
		names = append(names, s.Symbol)
	}
	return names
}

// FindSymbol returns the configuration for a symbol identifier.
func (c *Config) FindSymbol(symbol string) (SymbolConfig, bool) {
	for _, s := range c.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolConfig{}, false
}

// IsLive reports whether the executor submits real orders.
func (c *TradingConfig) IsLive() bool {
	return c.Mode == "live"
}

// GetDSN returns the PostgreSQL connection string for the journal.
func (c *JournalConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// ActionTimeout returns the request budget for a gateway action, falling back
// to the global timeout.
func (c *GatewayConfig) ActionTimeout(action string) time.Duration {
	if d, ok := c.ActionTimeouts[action]; ok && d > 0 {
		return d
	}
	return c.Timeout
}
