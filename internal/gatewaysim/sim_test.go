package gatewaysim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
)

func startSim(t *testing.T, opts Options) *Simulator {
	t.Helper()
	sim := New(opts)
	require.NoError(t, sim.Start("127.0.0.1:0"))
	t.Cleanup(func() { sim.Close() })
	return sim
}

func simClient(t *testing.T, sim *Simulator) *gateway.Client {
	t.Helper()
	c := gateway.New(config.GatewayConfig{
		Addr:         sim.Addr(),
		Timeout:      time.Second,
		MaxRetries:   2,
		RetryBackoff: 10 * time.Millisecond,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSimulatorServesRealClient(t *testing.T) {
	sim := startSim(t, Options{Balance: 100000})
	sim.SetQuote("EURUSD", 1.08500, 1.08502)

	c := simClient(t, sim)
	acct, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateway.TradeModeReal, acct.TradeMode)
	assert.Equal(t, 100000.0, acct.Balance)

	require.NoError(t, c.Heartbeat(context.Background()))
}

func TestSimulatorFillsBuyAtAskSellAtBid(t *testing.T) {
	sim := startSim(t, Options{})
	sim.SetQuote("EURUSD", 1.08500, 1.08502)

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	buy, err := c.OpenOrder(context.Background(), gateway.OpenOrderRequest{
		Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 0.10, ClientOrderID: "buy-1", Magic: 20001,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.08502, buy.Price)

	sell, err := c.OpenOrder(context.Background(), gateway.OpenOrderRequest{
		Symbol: "EURUSD", Side: gateway.SideSell, Volume: 0.10, ClientOrderID: "sell-1", Magic: 20001,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.08500, sell.Price)

	// Sequential tickets.
	assert.Equal(t, buy.Ticket+1, sell.Ticket)
	assert.Len(t, sim.OpenPositions(), 2)
}

func TestSimulatorCloseRealizesProfit(t *testing.T) {
	sim := startSim(t, Options{Balance: 100000})
	sim.SetQuote("EURUSD", 1.08500, 1.08502)

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	open, err := c.OpenOrder(context.Background(), gateway.OpenOrderRequest{
		Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 0.10, ClientOrderID: "p-1",
	})
	require.NoError(t, err)

	sim.SetQuote("EURUSD", 1.08602, 1.08604)
	closed, err := c.CloseOrder(context.Background(), open.Ticket)
	require.NoError(t, err)
	assert.InDelta(t, (1.08602-1.08502)*0.10, closed.Profit, 1e-12)
	assert.InDelta(t, 100000+closed.Profit, sim.Balance(), 1e-9)

	deals, err := c.GetHistory(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute), "EURUSD")
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "p-1", deals[0].ClientOrderID)
	assert.Equal(t, "p-1", deals[1].ClientOrderID)
}

func TestSimulatorAccountEquityTracksFloatingPnL(t *testing.T) {
	sim := startSim(t, Options{Balance: 100000})
	sim.SetQuote("EURUSD", 1.08500, 1.08502)

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	_, err = c.OpenOrder(context.Background(), gateway.OpenOrderRequest{
		Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 1.0, ClientOrderID: "f-1",
	})
	require.NoError(t, err)

	// Bid moves against the long position.
	sim.SetQuote("EURUSD", 1.08402, 1.08404)

	acct, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000+(1.08402-1.08502)*1.0, acct.Equity, 1e-9)
	assert.Equal(t, 100000.0, acct.Balance)
}

func TestSimulatorDemoModeReportedToClient(t *testing.T) {
	sim := startSim(t, Options{TradeMode: gateway.TradeModeDemo})
	sim.SetQuote("EURUSD", 1.085, 1.08502)

	c := simClient(t, sim)
	acct, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gateway.TradeModeDemo, acct.TradeMode)

	_, err = c.OpenOrder(context.Background(), gateway.OpenOrderRequest{
		Symbol: "EURUSD", Side: gateway.SideBuy, Volume: 0.01,
	})
	assert.ErrorIs(t, err, gateway.ErrBlocked)
	assert.Equal(t, 0, sim.RequestCount(gateway.ActionOpenOrder))
}

func TestSimulatorFailureInjection(t *testing.T) {
	sim := startSim(t, Options{})
	sim.SetQuote("EURUSD", 1.085, 1.08502)
	sim.FailNext(gateway.ActionGetPositions, 1)

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	// First attempt eats the injected failure, the retry succeeds.
	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 2, sim.RequestCount(gateway.ActionGetPositions))
}

func TestSimulatorRequestLog(t *testing.T) {
	sim := startSim(t, Options{})
	sim.SetQuote("EURUSD", 1.085, 1.08502)

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Heartbeat(context.Background()))

	reqs := sim.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, gateway.ActionGetAccount, reqs[0].Action)
	assert.Equal(t, gateway.ActionHeartbeat, reqs[1].Action)
	assert.NotEmpty(t, reqs[0].ReqID)
}

func TestSimulatorSeededDealsAppearInHistory(t *testing.T) {
	sim := startSim(t, Options{})
	now := gateway.EpochSeconds(time.Now())
	sim.SeedDeal(gateway.Deal{
		Ticket: 1100000002, ClientOrderID: "ghost-1", Symbol: "EURUSD",
		Side: gateway.SideBuy, Volume: 0.01, Price: 1.08765, Profit: 10, Time: now,
	})

	c := simClient(t, sim)
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	deals, err := c.GetHistory(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, deals, 1)
	assert.Equal(t, int64(1100000002), deals[0].Ticket)
	assert.Equal(t, 10.0, deals[0].Profit)
}
