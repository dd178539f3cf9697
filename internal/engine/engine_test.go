package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/marketdata"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/risk"
	"github.com/mt5-crs/executor/internal/shadow"
	"github.com/mt5-crs/executor/internal/signal"
)

const engineConfigYAML = `
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
  - symbol: GBPUSD
    lot_size: 0.01
    magic_number: 860002
    max_per_symbol_exposure: 0.10
    enabled: true

trading:
  mode: shadow
  theta: 0.55
  risk_per_trade: 0.002
  stop_distance: 0.0050
  feature_window: 16
`

func startEngineNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func testCenter(t *testing.T, yaml string, overrides map[string]interface{}) *config.Center {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	center, err := config.NewCenter(path, overrides)
	require.NoError(t, err)
	return center
}

func TestEngineNewRequiresRecorderInShadowMode(t *testing.T) {
	center := testCenter(t, engineConfigYAML, map[string]interface{}{
		"breaker.path": filepath.Join(t.TempDir(), "breaker.engaged"),
	})
	brk := testBreaker(t)

	_, err := New(Deps{
		Center:  center,
		Breaker: brk,
		Broker:  gateway.NewMockBroker(100_000),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shadow")
}

func TestEngineNewRequiresEnabledSymbols(t *testing.T) {
	allDisabled := strings.ReplaceAll(engineConfigYAML, "enabled: true", "enabled: false")
	center := testCenter(t, allDisabled, map[string]interface{}{
		"trading.mode": "live",
		"breaker.path": filepath.Join(t.TempDir(), "breaker.engaged"),
	})
	brk := testBreaker(t)

	_, err := New(Deps{
		Center:  center,
		Breaker: brk,
		Broker:  gateway.NewMockBroker(100_000),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no enabled symbols")
}

// TestEngineRunShadow drives a full shadow-mode engine over an embedded
// NATS server: ticks in, shadow records out, no orders, heartbeats on the
// wire.
func TestEngineRunShadow(t *testing.T) {
	ns := startEngineNATS(t)
	shadowDir := t.TempDir()

	center := testCenter(t, engineConfigYAML, map[string]interface{}{
		"market_data.url":           ns.ClientURL(),
		"breaker.path":              filepath.Join(t.TempDir(), "breaker.engaged"),
		"shadow.dir":                shadowDir,
		"shadow.flush_records":      1,
		"common.heartbeat_topic":    "mt5crs.executor.heartbeat",
		"common.heartbeat_interval": "50ms",
		"risk.account_poll_interval": "100ms",
	})
	cfg := center.Current()

	brk, err := breaker.New(cfg.Breaker.Path)
	require.NoError(t, err)
	broker := gateway.NewMockBroker(100_000)

	rec, err := shadow.NewRecorder(cfg.Shadow)
	require.NoError(t, err)

	eng, err := New(Deps{
		Center:   center,
		Breaker:  brk,
		Broker:   broker,
		Recorder: rec,
	})
	require.NoError(t, err)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	heartbeats := make(chan *nats.Msg, 8)
	_, err = nc.ChanSubscribe("mt5crs.executor.heartbeat", heartbeats)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	// Let the subscriptions settle, then stream ticks for both symbols.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 10; i++ {
		for _, sym := range []string{"EURUSD", "GBPUSD"} {
			tick := marketdata.Tick{
				Symbol:    sym,
				Bid:       1.1000 + float64(i)*0.0001,
				Ask:       1.1002 + float64(i)*0.0001,
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
			}
			data, err := json.Marshal(tick)
			require.NoError(t, err)
			require.NoError(t, nc.Publish("ticks."+sym, data))
		}
	}
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool {
		if err := rec.Flush(); err != nil {
			return false
		}
		records, _, err := shadow.ReadDir(shadowDir)
		return err == nil && len(records) >= 20
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case msg := <-heartbeats:
		var hb HeartbeatMessage
		require.NoError(t, json.Unmarshal(msg.Data, &hb))
		assert.Equal(t, "executor-test", hb.Instance)
		assert.Equal(t, "shadow", hb.Mode)
		assert.Equal(t, "trading", hb.Status)
		assert.Equal(t, string(breaker.StateSafe), hb.Breaker)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat published")
	}

	// Shadow mode never touches the order path.
	assert.Empty(t, broker.OpenRequests())

	st := eng.Status()
	assert.Equal(t, "shadow", st.Mode)
	assert.Len(t, st.Loops, 2)
	assert.True(t, st.Account.Updates >= 1)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	require.NoError(t, rec.Close())
}

func TestNextStep(t *testing.T) {
	steps := []float64{0.1, 0.25, 0.5, 1.0}

	next, ok := nextStep(steps, 0.1)
	require.True(t, ok)
	assert.Equal(t, 0.25, next)

	next, ok = nextStep(steps, 0.25)
	require.True(t, ok)
	assert.Equal(t, 0.5, next)

	// Seeded between steps climbs to the nearest rung above.
	next, ok = nextStep(steps, 0.3)
	require.True(t, ok)
	assert.Equal(t, 0.5, next)

	_, ok = nextStep(steps, 1.0)
	assert.False(t, ok)
}

func TestEngineRampAdvancesToFullSize(t *testing.T) {
	brk := testBreaker(t)
	e := &Engine{
		cfg: &config.Config{
			Trading: config.TradingConfig{
				Mode: "live",
				Ramp: config.RampConfig{Steps: []float64{0.1, 0.25, 0.5, 1.0}, Hold: 20 * time.Millisecond},
			},
		},
		deps:   Deps{Breaker: brk},
		logger: config.NewLogger("engine"),
	}
	e.SetCoefficient(0.1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.runRamp(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ramp did not complete")
	}
	assert.Equal(t, 1.0, e.Coefficient())
}

func TestEngineRampFreezesWhenBreakerEngaged(t *testing.T) {
	brk := testBreaker(t)
	require.NoError(t, brk.Engage("CRITICAL_DRAWDOWN", nil))

	e := &Engine{
		cfg: &config.Config{
			Trading: config.TradingConfig{
				Mode: "live",
				Ramp: config.RampConfig{Steps: []float64{0.1, 1.0}, Hold: 10 * time.Millisecond},
			},
		},
		deps:   Deps{Breaker: brk},
		logger: config.NewLogger("engine"),
	}
	e.SetCoefficient(0.1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.runRamp(ctx))
	assert.Equal(t, 0.1, e.Coefficient())
}

func TestEngineSetCoefficientClamps(t *testing.T) {
	e := &Engine{}
	e.SetCoefficient(1.7)
	assert.Equal(t, 1.0, e.Coefficient())
	e.SetCoefficient(-0.2)
	assert.Equal(t, 0.0, e.Coefficient())
	e.SetCoefficient(0.25)
	assert.Equal(t, 0.25, e.Coefficient())
}

func TestEngineReloadTogglesLoopsAndLimits(t *testing.T) {
	brk := testBreaker(t)
	broker := gateway.NewMockBroker(100_000)
	broker.SetPrice("EURUSD", 1.1000)

	monitor, latency, drift := testSensors(t, brk.Engage)
	monitor.OnTick(risk.AccountUpdate{Balance: 100_000, Equity: 100_000, Margin: 5_000, FreeMargin: 95_000})

	trading := testLoopTradingCfg("live")
	mkLoop := func(symbol string) *Loop {
		cfg := testSymbolCfg()
		cfg.Symbol = symbol
		return NewLoop(LoopDeps{
			SymbolCfg:  cfg,
			Trading:    trading,
			Adapter:    signal.NewAdapter(signal.NewReplayer(nil), trading),
			Broker:     broker,
			Breaker:    brk,
			Engage:     brk.Engage,
			Monitor:    monitor,
			Latency:    latency,
			Drift:      drift,
			Aggregator: metrics.NewAggregator([]string{symbol}),
			Ticks:      make(chan marketdata.Tick),
		})
	}

	e := &Engine{
		cfg:     &config.Config{},
		deps:    Deps{Breaker: brk, Broker: broker},
		monitor: monitor,
		loops:   []*Loop{mkLoop("EURUSD"), mkLoop("GBPUSD")},
		logger:  config.NewLogger("engine"),
	}

	next := &config.Config{
		Symbols: []config.SymbolConfig{
			{Symbol: "EURUSD", Enabled: true},
			{Symbol: "GBPUSD", Enabled: false},
			{Symbol: "USDJPY", Enabled: true},
		},
		Risk: config.RiskConfig{
			MaxDailyDrawdown:   0.05,
			DrawdownWarning:    0.04,
			MaxAccountLeverage: 10,
			LeverageWarning:    8,
			KillSwitchMode:     "auto",
		},
	}
	e.applyReload(nil, next)

	assert.True(t, e.loops[0].Enabled())
	assert.False(t, e.loops[1].Enabled())

	// The old 2% hard limit no longer trips at a 3% dip.
	monitor.OnTick(risk.AccountUpdate{Balance: 100_000, Equity: 97_000, Margin: 5_000, FreeMargin: 92_000})
	assert.False(t, monitor.Tripped())
	assert.False(t, brk.ShouldHalt())

	// The new 5% limit still does.
	monitor.OnTick(risk.AccountUpdate{Balance: 100_000, Equity: 94_900, Margin: 5_000, FreeMargin: 89_900})
	assert.True(t, monitor.Tripped())
	assert.True(t, brk.ShouldHalt())
}

func TestHeartbeatPublishesBeacon(t *testing.T) {
	ns := startEngineNATS(t)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe("hb.test", msgs)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	hb, err := NewHeartbeat(ns.ClientURL(), "hb.test", 25*time.Millisecond, "exec-9", "live",
		func() (string, string) { return "halted", "ENGAGED" })
	require.NoError(t, err)
	defer hb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	select {
	case msg := <-msgs:
		var beacon HeartbeatMessage
		require.NoError(t, json.Unmarshal(msg.Data, &beacon))
		assert.Equal(t, "exec-9", beacon.Instance)
		assert.Equal(t, "live", beacon.Mode)
		assert.Equal(t, "halted", beacon.Status)
		assert.Equal(t, "ENGAGED", beacon.Breaker)
		assert.WithinDuration(t, time.Now(), beacon.Timestamp, 5*time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestEngineStatusSnapshot(t *testing.T) {
	brk := testBreaker(t)
	broker := gateway.NewMockBroker(50_000)
	monitor, latency, drift := testSensors(t, brk.Engage)
	monitor.OnTick(risk.AccountUpdate{Balance: 50_000, Equity: 50_000, Margin: 1_000, FreeMargin: 49_000})

	trading := testLoopTradingCfg("live")
	loop := NewLoop(LoopDeps{
		SymbolCfg:  testSymbolCfg(),
		Trading:    trading,
		Adapter:    signal.NewAdapter(signal.NewReplayer(nil), trading),
		Broker:     broker,
		Breaker:    brk,
		Monitor:    monitor,
		Latency:    latency,
		Drift:      drift,
		Aggregator: metrics.NewAggregator([]string{"EURUSD"}),
		Ticks:      make(chan marketdata.Tick),
	})

	e := &Engine{
		cfg: &config.Config{
			Common:  config.CommonConfig{InstanceID: "exec-2"},
			Trading: config.TradingConfig{Mode: "live"},
		},
		deps:    Deps{Breaker: brk, Broker: broker, Aggregator: metrics.NewAggregator([]string{"EURUSD"})},
		monitor: monitor,
		latency: latency,
		loops:   []*Loop{loop},
		logger:  config.NewLogger("engine"),
	}
	e.SetCoefficient(0.5)

	st := e.Status()
	assert.Equal(t, "exec-2", st.Instance)
	assert.Equal(t, "live", st.Mode)
	assert.Equal(t, 0.5, st.Coefficient)
	assert.Equal(t, breaker.StateSafe, st.Breaker.State)
	assert.Equal(t, 50_000.0, st.Account.Equity)
	require.Len(t, st.Loops, 1)
	assert.Equal(t, "EURUSD", st.Loops[0].Symbol)
	assert.Equal(t, StateIdle, st.Loops[0].State)
}
