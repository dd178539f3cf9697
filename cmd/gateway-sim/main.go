// gateway-sim runs a standalone broker gateway simulator: the protocol v1
// TCP server plus a random-walk tick feed on NATS. It exists for local
// development and demos; the e2e tests embed the simulator directly.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/gatewaysim"
)

var (
	addr     = flag.String("addr", "127.0.0.1:5555", "Listen address for the protocol v1 server")
	natsURL  = flag.String("nats", "nats://127.0.0.1:4222", "NATS URL for the tick feed")
	prefix   = flag.String("prefix", "ticks.", "Tick subject prefix")
	symbols  = flag.String("symbols", "EURUSD:1.08500,BTCUSD.s:60000", "Comma-separated symbol:price pairs")
	spread   = flag.Float64("spread", 0.00002, "Quote spread")
	interval = flag.Duration("interval", 250*time.Millisecond, "Tick publish interval")
	mode     = flag.String("mode", gateway.TradeModeReal, "Reported trade mode (REAL, DEMO, CONTEST)")
	balance  = flag.Float64("balance", 100000, "Starting account balance")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	start, err := parseSymbols(*symbols)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -symbols")
	}

	sim := gatewaysim.New(gatewaysim.Options{
		TradeMode: *mode,
		Balance:   *balance,
	})
	if err := sim.Start(*addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to start gateway simulator")
	}
	defer sim.Close()

	feed, err := gatewaysim.NewTickFeed(*natsURL, *prefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect tick feed")
	}
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	walkErr := make(chan error, 1)
	go func() {
		walkErr <- feed.Walk(ctx, sim, start, *spread, *interval)
	}()

	log.Info().
		Str("addr", sim.Addr()).
		Str("nats", *natsURL).
		Str("mode", *mode).
		Int("symbols", len(start)).
		Msg("Gateway simulator running")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-walkErr:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Tick feed stopped")
		}
	}
}

func parseSymbols(spec string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		price := 1.0
		if len(parts) == 2 {
			p, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return nil, err
			}
			price = p
		}
		out[parts[0]] = price
	}
	return out, nil
}
