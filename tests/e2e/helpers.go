// Shared harness for end-to-end tests: an embedded NATS server for the tick
// stream, the protocol v1 gateway simulator for the broker side, and a real
// engine wired between them through a config center.
package e2e

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/engine"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/gatewaysim"
	"github.com/mt5-crs/executor/internal/marketdata"
)

const tickPrefix = "ticks."

// startEmbeddedNATS starts an in-process NATS server on a random port.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

// startGatewaySim starts the broker-side simulator on a random port.
func startGatewaySim(t *testing.T, opts gatewaysim.Options) *gatewaysim.Simulator {
	t.Helper()
	sim := gatewaysim.New(opts)
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { _ = sim.Close() })
	return sim
}

// breakerPath returns a per-test location for the durable breaker flag file.
func breakerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "breaker.engaged")
}

// newTickPublisher connects a plain NATS client used to publish quotes.
func newTickPublisher(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// publishTick publishes one quote on the symbol's tick subject and flushes so
// the server has routed it before the helper returns.
func publishTick(t *testing.T, nc *nats.Conn, symbol string, bid, ask float64) {
	t.Helper()
	tick := marketdata.Tick{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	data, err := json.Marshal(tick)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(tickPrefix+symbol, data))
	require.NoError(t, nc.Flush())
}

// newCenter writes the scenario config to disk and loads it through the
// config center with the endpoint overrides for this test run.
func newCenter(t *testing.T, yaml string, overrides map[string]interface{}) *config.Center {
	t.Helper()
	base := map[string]interface{}{
		"breaker.path":             filepath.Join(t.TempDir(), "breaker.engaged"),
		"common.heartbeat_topic":   "",
		"market_data.topic_prefix": tickPrefix,
	}
	for k, v := range overrides {
		base[k] = v
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	center, err := config.NewCenter(path, base)
	require.NoError(t, err)
	return center
}

// startEngine runs the engine in the background and registers a cleanup that
// cancels it and waits for a clean exit.
func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("engine did not stop within the shutdown window")
		}
	})
}

// waitSubscribed blocks until the server has registered want tick
// subscriptions beyond base. Core NATS drops messages published before the
// subscription exists, so tests wait here before the first quote.
func waitSubscribed(t *testing.T, ns *natsserver.Server, base uint32, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ns.NumSubscriptions() >= base+uint32(want)
	}, 5*time.Second, 10*time.Millisecond, "tick subscriptions never registered")
}

// loopStatus returns the named symbol loop's snapshot.
func loopStatus(t *testing.T, eng *engine.Engine, symbol string) engine.LoopStatus {
	t.Helper()
	for _, ls := range eng.Status().Loops {
		if ls.Symbol == symbol {
			return ls
		}
	}
	t.Fatalf("no loop for symbol %s", symbol)
	return engine.LoopStatus{}
}

// awaitIterations blocks until the symbol loop has consumed at least n ticks.
func awaitIterations(t *testing.T, eng *engine.Engine, symbol string, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return loopStatus(t, eng, symbol).Iterations >= n
	}, 5*time.Second, 10*time.Millisecond, "loop never reached %d iterations", n)
}

// awaitEquity blocks until the account poller has observed the given equity,
// which proves the risk monitor evaluated its limits at that quote level.
func awaitEquity(t *testing.T, eng *engine.Engine, equity float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := eng.Status().Account.Equity
		return got > equity-0.01 && got < equity+0.01
	}, 5*time.Second, 10*time.Millisecond, "account poller never observed equity %.2f", equity)
}

// seedPosition opens a position through a throwaway gateway client, standing
// in for a position left open by a previous session.
func seedPosition(t *testing.T, addr string, req gateway.OpenOrderRequest) int64 {
	t.Helper()
	client := gateway.New(config.GatewayConfig{Addr: addr})
	defer func() { require.NoError(t, client.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Connect(ctx)
	require.NoError(t, err)

	data, err := client.OpenOrder(ctx, req)
	require.NoError(t, err)
	return data.Ticket
}
