package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/config"
)

const (
	wsReadTimeout      = 90 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// wsSubscribeMsg is the subscription request sent after each (re)connect.
type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// WSSource consumes the tick feed over a single WebSocket. It reconnects
// with exponential backoff (1s doubling to 30s) and re-subscribes the full
// symbol set on every reconnect.
type WSSource struct {
	url     string
	symbols []string
	logger  zerolog.Logger

	connMu sync.Mutex // protects conn for Close racing the read loop
	conn   *websocket.Conn
}

// NewWSSource builds the source; the connection is made in Run.
func NewWSSource(cfg config.MarketDataConfig, symbols []string) *WSSource {
	return &WSSource{
		url:     cfg.URL,
		symbols: symbols,
		logger:  log.With().Str("component", "marketdata-ws").Logger(),
	}
}

// Run maintains the connection until ctx is done.
func (s *WSSource) Run(ctx context.Context, deliver func(Tick)) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("Tick feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (s *WSSource) connectAndRead(ctx context.Context, deliver func(Tick)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsSubscribeMsg{Op: "subscribe", Symbols: s.symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info().Int("symbols", len(s.symbols)).Msg("Tick feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Read deadline detects a silently dead feed.
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var tick Tick
		if err := json.Unmarshal(msg, &tick); err != nil {
			s.logger.Warn().Err(err).Msg("Undecodable tick payload")
			continue
		}
		deliver(tick)
	}
}

// Close breaks the read loop.
func (s *WSSource) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
