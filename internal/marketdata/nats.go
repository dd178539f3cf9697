package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
)

const defaultTopicPrefix = "ticks."

// NATSSource subscribes to one tick subject per enabled symbol.
type NATSSource struct {
	url     string
	prefix  string
	symbols []string
	logger  zerolog.Logger

	nc *nats.Conn
}

// NewNATSSource builds the source; the connection is made in Run.
func NewNATSSource(cfg config.MarketDataConfig, symbols []string) *NATSSource {
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &NATSSource{
		url:     cfg.URL,
		prefix:  prefix,
		symbols: symbols,
		logger:  log.With().Str("component", "marketdata-nats").Logger(),
	}
}

// Run connects, subscribes the enabled symbols, and blocks until ctx is
// done. NATS handles reconnects itself; subscriptions survive them.
func (s *NATSSource) Run(ctx context.Context, deliver func(Tick)) error {
	nc, err := nats.Connect(
		s.url,
		nats.Name("mt5crs-executor-ticks"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("Tick stream disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Tick stream reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to tick stream at %s: %w", s.url, err)
	}
	s.nc = nc
	defer nc.Close()

	for _, symbol := range s.symbols {
		subject := s.prefix + symbol
		if _, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			var tick Tick
			if err := json.Unmarshal(msg.Data, &tick); err != nil {
				s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable tick payload")
				return
			}
			deliver(tick)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.logger.Info().Str("subject", subject).Msg("Subscribed to tick subject")
	}

	if err := nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush tick subscriptions: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close drains the connection if Run is still holding it open.
func (s *NATSSource) Close() error {
	if s.nc != nil && !s.nc.IsClosed() {
		s.nc.Close()
	}
	return nil
}
