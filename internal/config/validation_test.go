//nolint:goconst // Test files use repeated strings for clarity
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		Common: CommonConfig{
			AppName:     "mt5crs-executor",
			Environment: "development",
			InstanceID:  "executor-1",
		},
		Symbols: []SymbolConfig{
			{Symbol: "EURUSD", LotSize: 0.01, MagicNumber: 860001, MaxPerSymbolExposure: 0.10, Enabled: true},
			{Symbol: "XAUUSD.s", LotSize: 0.01, MagicNumber: 860002, MaxPerSymbolExposure: 0.10, Enabled: true},
		},
		Trading: TradingConfig{
			Mode:            "shadow",
			Theta:           0.5,
			RiskPerTrade:    0.01,
			StopDistance:    0.0050,
			ContractSize:    100000,
			VolumeStep:      0.01,
			MaxPositionSize: 5.0,
			CanaryVolume:    0.01,
			FeatureWindow:   32,
			Predictor:       PredictorConfig{Kind: "heuristic", RSIPeriod: 14},
			Ramp:            RampConfig{Steps: []float64{0.1, 0.25, 0.5, 1.0}, Hold: time.Hour},
		},
		Risk: RiskConfig{
			MaxDailyDrawdown:    0.02,
			DrawdownWarning:     0.015,
			MaxAccountLeverage:  5.0,
			LeverageWarning:     4.0,
			KillSwitchMode:      "auto",
			AccountPollInterval: 5 * time.Second,
			Latency:             LatencySensorConfig{Window: 100, CriticalMs: 100, WarningMs: 50, SpikeLimit: 3},
			Drift:               DriftSensorConfig{Window: 500, PSIThreshold: 0.25, EventLimit: 5, EventWindow: 24 * time.Hour},
		},
		Gateway: GatewayConfig{
			Addr:          "127.0.0.1:5555",
			Timeout:       2 * time.Second,
			MaxRetries:    3,
			RetryBackoff:  time.Second,
			MaxFrameBytes: 4194304,
		},
		MarketData: MarketDataConfig{
			Transport:          "nats",
			URL:                "nats://localhost:4222",
			TopicPrefix:        "ticks.",
			BufferSize:         1024,
			LagEngageThreshold: 256,
		},
		Breaker: BreakerConfig{
			Path:          "./circuit_breaker.engaged",
			WatchInterval: time.Second,
		},
		Shadow: ShadowConfig{
			Dir:           "./shadow",
			FlushRecords:  1000,
			FlushInterval: 5 * time.Second,
			QueueSize:     4096,
		},
		Journal: JournalConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "executor",
			Database: "mt5crs",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Admission: AdmissionConfig{
			ArtifactPath:        "./admission_decision.json",
			Slippage:            0.0001,
			PositionCoefficient: 0.1,
			CriticalLatencyMs:   100,
			P99LimitMs:          100,
			DriftEventLimit:     5,
			ChallengerF1Min:     0.5,
			DiversityMin:        0.4,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metadata: MetadataConfig{
			SchemaVersion: SchemaVersion,
		},
	}
}

func TestValidateValidConfig(t *testing.T) {
	cfg := getValidConfig()
	err := cfg.Validate()
	assert.NoError(t, err, "Valid configuration should not produce errors")
}

func TestValidateSymbols(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "lowercase symbol",
			modify: func(c *Config) {
				c.Symbols[0].Symbol = "eurusd"
			},
			expectError: "identifier shape",
		},
		{
			name: "symbol too short",
			modify: func(c *Config) {
				c.Symbols[0].Symbol = "EU"
			},
			expectError: "identifier shape",
		},
		{
			name: "symbol too long",
			modify: func(c *Config) {
				c.Symbols[0].Symbol = "EURUSDEUR"
			},
			expectError: "identifier shape",
		},
		{
			name: "uppercase suffix",
			modify: func(c *Config) {
				c.Symbols[0].Symbol = "EURUSD.S"
			},
			expectError: "identifier shape",
		},
		{
			name: "multi-letter suffix",
			modify: func(c *Config) {
				c.Symbols[0].Symbol = "EURUSD.sx"
			},
			expectError: "identifier shape",
		},
		{
			name: "duplicate symbol",
			modify: func(c *Config) {
				c.Symbols[1].Symbol = "EURUSD"
			},
			expectError: "more than once",
		},
		{
			name: "zero lot size",
			modify: func(c *Config) {
				c.Symbols[0].LotSize = 0
			},
			expectError: "lot_size",
		},
		{
			name: "exposure not a fraction",
			modify: func(c *Config) {
				c.Symbols[0].MaxPerSymbolExposure = 1.5
			},
			expectError: "max_per_symbol_exposure",
		},
		{
			name: "zero magic number",
			modify: func(c *Config) {
				c.Symbols[0].MagicNumber = 0
			},
			expectError: "magic_number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateSymbolsAcceptedShapes(t *testing.T) {
	for _, symbol := range []string{"EURUSD", "XAU", "BTCUSD.s", "EURUSDFX", "GBPJPY.m"} {
		t.Run(symbol, func(t *testing.T) {
			cfg := getValidConfig()
			cfg.Symbols = []SymbolConfig{
				{Symbol: symbol, LotSize: 0.01, MagicNumber: 860001, MaxPerSymbolExposure: 0.10, Enabled: true},
			}
			assert.NoError(t, cfg.Validate())
		})
	}
}

func TestValidateTrading(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "invalid mode",
			modify: func(c *Config) {
				c.Trading.Mode = "paper"
			},
			expectError: "trading.mode",
		},
		{
			name: "theta zero",
			modify: func(c *Config) {
				c.Trading.Theta = 0
			},
			expectError: "trading.theta",
		},
		{
			name: "theta one",
			modify: func(c *Config) {
				c.Trading.Theta = 1
			},
			expectError: "trading.theta",
		},
		{
			name: "risk per trade too large",
			modify: func(c *Config) {
				c.Trading.RiskPerTrade = 1.0
			},
			expectError: "trading.risk_per_trade",
		},
		{
			name: "zero stop distance",
			modify: func(c *Config) {
				c.Trading.StopDistance = 0
			},
			expectError: "trading.stop_distance",
		},
		{
			name: "zero volume step",
			modify: func(c *Config) {
				c.Trading.VolumeStep = 0
			},
			expectError: "trading.volume_step",
		},
		{
			name: "unknown predictor",
			modify: func(c *Config) {
				c.Trading.Predictor.Kind = "oracle"
			},
			expectError: "trading.predictor.kind",
		},
		{
			name: "linear predictor without model path",
			modify: func(c *Config) {
				c.Trading.Predictor = PredictorConfig{Kind: "linear"}
			},
			expectError: "trading.predictor.model_path",
		},
		{
			name: "ramp steps not increasing",
			modify: func(c *Config) {
				c.Trading.Ramp.Steps = []float64{0.5, 0.25, 1.0}
			},
			expectError: "trading.ramp.steps",
		},
		{
			name: "ramp step above one",
			modify: func(c *Config) {
				c.Trading.Ramp.Steps = []float64{0.5, 1.5}
			},
			expectError: "trading.ramp.steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateRisk(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "drawdown not a fraction",
			modify: func(c *Config) {
				c.Risk.MaxDailyDrawdown = 2.0
			},
			expectError: "risk.max_daily_drawdown",
		},
		{
			name: "warning above hard limit",
			modify: func(c *Config) {
				c.Risk.DrawdownWarning = 0.03
			},
			expectError: "below the hard limit",
		},
		{
			name: "warning equal to hard limit",
			modify: func(c *Config) {
				c.Risk.DrawdownWarning = c.Risk.MaxDailyDrawdown
			},
			expectError: "below the hard limit",
		},
		{
			name: "leverage at most 1x",
			modify: func(c *Config) {
				c.Risk.MaxAccountLeverage = 1.0
			},
			expectError: "risk.max_account_leverage",
		},
		{
			name: "leverage warning above hard limit",
			modify: func(c *Config) {
				c.Risk.LeverageWarning = 6.0
			},
			expectError: "below the hard limit",
		},
		{
			name: "invalid kill switch mode",
			modify: func(c *Config) {
				c.Risk.KillSwitchMode = "maybe"
			},
			expectError: "risk.kill_switch_mode",
		},
		{
			name: "latency warning above critical",
			modify: func(c *Config) {
				c.Risk.Latency.WarningMs = 150
			},
			expectError: "risk.latency.warning_ms",
		},
		{
			name: "zero latency window",
			modify: func(c *Config) {
				c.Risk.Latency.Window = 0
			},
			expectError: "risk.latency.window",
		},
		{
			name: "zero drift event window",
			modify: func(c *Config) {
				c.Risk.Drift.EventWindow = 0
			},
			expectError: "risk.drift.event_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateEndpoints(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Config)
		expectError string
	}{
		{
			name: "gateway addr without port",
			modify: func(c *Config) {
				c.Gateway.Addr = "127.0.0.1"
			},
			expectError: "gateway.addr",
		},
		{
			name: "gateway addr bad port",
			modify: func(c *Config) {
				c.Gateway.Addr = "127.0.0.1:notaport"
			},
			expectError: "gateway.addr",
		},
		{
			name: "admin addr without host",
			modify: func(c *Config) {
				c.Admin.Addr = ":"
			},
			expectError: "admin.addr",
		},
		{
			name: "unknown market data transport",
			modify: func(c *Config) {
				c.MarketData.Transport = "kafka"
			},
			expectError: "market_data.transport",
		},
		{
			name: "zero buffer size",
			modify: func(c *Config) {
				c.MarketData.BufferSize = 0
			},
			expectError: "market_data.buffer_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestValidateJournal(t *testing.T) {
	cfg := getValidConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal.host")

	// Disabled journal skips connection checks entirely
	cfg = getValidConfig()
	cfg.Journal.Enabled = false
	cfg.Journal.Host = ""
	assert.NoError(t, cfg.Validate())
}

func TestValidateMetadata(t *testing.T) {
	cfg := getValidConfig()
	cfg.Metadata.SchemaVersion = "2.0.0"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata.schema_version")
}

func TestValidationErrorsFormat(t *testing.T) {
	cfg := getValidConfig()
	cfg.Trading.Theta = 0
	cfg.Risk.KillSwitchMode = "maybe"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), "2 error(s)")
	assert.Contains(t, err.Error(), "1. trading.theta")
}
