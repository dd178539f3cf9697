package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
common:
  app_name: mt5crs-executor
  environment: development
  instance_id: executor-test

symbols:
  - symbol: EURUSD
    lot_size: 0.01
    magic_number: 860001
    max_per_symbol_exposure: 0.10
    enabled: true
  - symbol: XAUUSD.s
    lot_size: 0.01
    magic_number: 860002
    max_per_symbol_exposure: 0.05
    enabled: false

trading:
  mode: shadow
  theta: 0.55
  risk_per_trade: 0.01
  stop_distance: 0.0040
  feature_window: 32

gateway:
  addr: 127.0.0.1:5555
  timeout: 2s
  action_timeouts:
    GET_HISTORY: 10s

risk:
  max_daily_drawdown: 0.02
  drawdown_warning: 0.015
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "shadow", cfg.Trading.Mode)
	assert.InDelta(t, 0.5, cfg.Trading.Theta, 1e-9)
	assert.Equal(t, "127.0.0.1:5555", cfg.Gateway.Addr)
	assert.Equal(t, 2*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "auto", cfg.Risk.KillSwitchMode)
	assert.Equal(t, SchemaVersion, cfg.Metadata.SchemaVersion)
	assert.False(t, cfg.Trading.IsLive())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "executor-test", cfg.Common.InstanceID)
	assert.InDelta(t, 0.55, cfg.Trading.Theta, 1e-9)
	assert.InDelta(t, 0.0040, cfg.Trading.StopDistance, 1e-9)
	require.Len(t, cfg.Symbols, 2)
	assert.Equal(t, int64(860002), cfg.Symbols[1].MagicNumber)

	// Only EURUSD is enabled
	enabled := cfg.EnabledSymbols()
	require.Len(t, enabled, 1)
	assert.Equal(t, "EURUSD", enabled[0].Symbol)
	assert.Equal(t, []string{"EURUSD"}, cfg.SymbolNames())

	// Per-action timeout override, default for the rest
	assert.Equal(t, 10*time.Second, cfg.Gateway.ActionTimeout("GET_HISTORY"))
	assert.Equal(t, 2*time.Second, cfg.Gateway.ActionTimeout("OPEN_ORDER"))
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)
	t.Setenv("MT5CRS_TRADING_THETA", "0.6")
	t.Setenv("MT5CRS_GATEWAY_MAX_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.6, cfg.Trading.Theta, 1e-9)
	assert.Equal(t, 5, cfg.Gateway.MaxRetries)
}

func TestLoadOverridePrecedence(t *testing.T) {
	path := writeConfigFile(t, testConfigYAML)
	t.Setenv("MT5CRS_TRADING_THETA", "0.6")

	// Explicit overrides (flags) beat the environment
	cfg, err := LoadWithOverrides(path, map[string]interface{}{
		"trading.theta": 0.7,
	})
	require.NoError(t, err)

	assert.InDelta(t, 0.7, cfg.Trading.Theta, 1e-9)
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_GATEWAY_ADDR", "10.1.2.3:7777")

	path := writeConfigFile(t, `
gateway:
  addr: ${TEST_GATEWAY_ADDR}
admin:
  addr: ${TEST_ADMIN_ADDR:127.0.0.1:9999}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3:7777", cfg.Gateway.Addr)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Addr)
}

func TestLoadEnvSubstitutionUnset(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  addr: ${THIS_VAR_IS_NOT_SET}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "THIS_VAR_IS_NOT_SET")
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
trading:
  theta: 1.5
`)

	_, err := Load(path)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, err.Error(), "trading.theta")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "trading: [this is: not yaml")

	_, err := Load(path)
	require.Error(t, err)
}

func TestGetDSN(t *testing.T) {
	cfg := getValidConfig()
	cfg.Journal = JournalConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "executor",
		Password: "pw",
		Database: "mt5crs",
		SSLMode:  "require",
	}

	dsn := cfg.Journal.GetDSN()
	assert.Contains(t, dsn, "host=db.internal")
	assert.Contains(t, dsn, "port=5433")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestFindSymbol(t *testing.T) {
	cfg := getValidConfig()

	sym, ok := cfg.FindSymbol("EURUSD")
	require.True(t, ok)
	assert.Equal(t, int64(860001), sym.MagicNumber)

	_, ok = cfg.FindSymbol("GBPUSD")
	assert.False(t, ok)
}
