package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
)

// ReasonMarketDataLag is the engagement reason when a symbol's cumulative
// tick drops cross the configured threshold.
const ReasonMarketDataLag = "MARKET_DATA_LAG"

const defaultBufferSize = 1024

// EngageFunc engages the durable breaker. Wired by the engine so this
// package does not depend on the breaker directly.
type EngageFunc func(reason string, metadata map[string]string) error

// Source delivers raw ticks from one transport (NATS or WebSocket) into the
// subscriber until ctx is done.
type Source interface {
	Run(ctx context.Context, deliver func(Tick)) error
	Close() error
}

// Subscriber fans ticks out to one bounded channel per enabled symbol. When
// a consumer falls behind, the oldest buffered tick is dropped and the
// symbol's lag counter increments; crossing the lag threshold engages the
// breaker exactly once.
type Subscriber struct {
	logger       zerolog.Logger
	bufferSize   int
	lagThreshold int64
	engage       EngageFunc
	engaged      atomic.Bool

	// channels and lag are fixed at construction; symbol enablement changes
	// rebuild the subscriber rather than mutating it.
	channels map[string]chan Tick
	lag      map[string]*atomic.Int64
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithEngageFunc registers the breaker hook for lag engagement.
func WithEngageFunc(fn EngageFunc) Option {
	return func(s *Subscriber) { s.engage = fn }
}

// NewSubscriber builds the fan-out for the given enabled symbols.
func NewSubscriber(cfg config.MarketDataConfig, symbols []string, opts ...Option) *Subscriber {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	s := &Subscriber{
		logger:       log.With().Str("component", "marketdata").Logger(),
		bufferSize:   bufferSize,
		lagThreshold: cfg.LagEngageThreshold,
		channels:     make(map[string]chan Tick, len(symbols)),
		lag:          make(map[string]*atomic.Int64, len(symbols)),
	}
	for _, symbol := range symbols {
		s.channels[symbol] = make(chan Tick, bufferSize)
		s.lag[symbol] = &atomic.Int64{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ticks returns the delivery channel for one symbol, nil if the symbol is
// not enabled.
func (s *Subscriber) Ticks(symbol string) <-chan Tick {
	return s.channels[symbol]
}

// Symbols returns the enabled symbol set, in no particular order.
func (s *Subscriber) Symbols() []string {
	out := make([]string, 0, len(s.channels))
	for symbol := range s.channels {
		out = append(out, symbol)
	}
	return out
}

// LagCount returns cumulative drops for one symbol.
func (s *Subscriber) LagCount(symbol string) int64 {
	counter, ok := s.lag[symbol]
	if !ok {
		return 0
	}
	return counter.Load()
}

// Dispatch routes one tick to its symbol channel, dropping the oldest
// buffered tick on overflow. Ticks for disabled symbols are discarded.
func (s *Subscriber) Dispatch(tick Tick) {
	if err := tick.Validate(); err != nil {
		s.logger.Warn().Err(err).Msg("Discarding malformed tick")
		metrics.RecordError("malformed_tick", "marketdata")
		return
	}

	ch, ok := s.channels[tick.Symbol]
	if !ok {
		return
	}
	metrics.RecordTick(tick.Symbol)

	for {
		select {
		case ch <- tick:
			return
		default:
		}
		// Full: make room by dropping the oldest tick. The consumer always
		// sees the freshest quotes.
		select {
		case <-ch:
			s.recordLag(tick.Symbol)
		default:
		}
	}
}

func (s *Subscriber) recordLag(symbol string) {
	metrics.RecordTickDrop(symbol)
	drops := s.lag[symbol].Add(1)

	if s.lagThreshold > 0 && drops >= s.lagThreshold && s.engaged.CompareAndSwap(false, true) {
		s.logger.Error().
			Str("symbol", symbol).
			Int64("drops", drops).
			Int64("threshold", s.lagThreshold).
			Msg("Market data lag crossed engagement threshold")
		if s.engage != nil {
			if err := s.engage(ReasonMarketDataLag, map[string]string{
				"symbol": symbol,
				"drops":  strconv.FormatInt(drops, 10),
			}); err != nil {
				s.logger.Error().Err(err).Msg("Failed to engage breaker on market data lag")
			}
		}
	}
}

// Run drives a source until ctx is done, dispatching every delivered tick.
func (s *Subscriber) Run(ctx context.Context, source Source) error {
	if source == nil {
		return fmt.Errorf("no market data source configured")
	}
	return source.Run(ctx, s.Dispatch)
}

// NewSource selects the transport named by the config.
func NewSource(cfg config.MarketDataConfig, symbols []string) (Source, error) {
	switch cfg.Transport {
	case "", "nats":
		return NewNATSSource(cfg, symbols), nil
	case "websocket":
		return NewWSSource(cfg, symbols), nil
	default:
		return nil, fmt.Errorf("unknown market data transport %q", cfg.Transport)
	}
}
