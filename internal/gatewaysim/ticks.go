package gatewaysim

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/marketdata"
)

// TickFeed publishes quotes on the tick subjects the executor subscribes to.
type TickFeed struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewTickFeed connects the publisher to NATS.
func NewTickFeed(url, prefix string) (*TickFeed, error) {
	if prefix == "" {
		prefix = "ticks."
	}

	nc, err := nats.Connect(
		url,
		nats.Name("mt5crs-gateway-sim"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect tick feed to NATS at %s: %w", url, err)
	}

	return &TickFeed{
		nc:     nc,
		prefix: prefix,
		logger: log.With().Str("component", "gateway-sim-ticks").Logger(),
	}, nil
}

// Publish sends one tick and flushes, so tests observe it deterministically.
func (f *TickFeed) Publish(tick marketdata.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to marshal tick: %w", err)
	}
	if err := f.nc.Publish(f.prefix+tick.Symbol, data); err != nil {
		return fmt.Errorf("failed to publish tick: %w", err)
	}
	return f.nc.Flush()
}

// PublishQuote publishes the given two-sided quote stamped now.
func (f *TickFeed) PublishQuote(symbol string, bid, ask float64) error {
	return f.Publish(marketdata.Tick{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

// Walk drives a seeded random walk for the dev harness: each interval every
// symbol steps by up to ±spread*5, the simulator's book is updated first and
// the tick published after, so fills and quotes agree.
func (f *TickFeed) Walk(ctx context.Context, sim *Simulator, start map[string]float64, spread float64, interval time.Duration) error {
	rng := rand.New(rand.NewSource(42))

	prices := make(map[string]float64, len(start))
	for symbol, price := range start {
		prices[symbol] = price
		sim.SetQuote(symbol, price, price+spread)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for symbol, price := range prices {
				step := (rng.Float64()*2 - 1) * spread * 5
				price += step
				if price <= spread {
					price = start[symbol]
				}
				prices[symbol] = price

				sim.SetQuote(symbol, price, price+spread)
				if err := f.PublishQuote(symbol, price, price+spread); err != nil {
					f.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to publish tick")
				}
			}
		}
	}
}

// Close drains the NATS connection.
func (f *TickFeed) Close() {
	f.nc.Close()
}
