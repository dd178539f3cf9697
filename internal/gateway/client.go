package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/metrics"
)

// Transport breaker defaults, applied when the config leaves them zero.
const (
	defaultTimeout             = 2 * time.Second
	defaultRetryBackoff        = 1 * time.Second
	defaultMaxRetries          = 3
	defaultBreakerMinRequests  = 5
	defaultBreakerFailureRatio = 0.6
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultBreakerHalfOpenReqs = 3
)

// Broker is the capability the symbol loops and sensors program against.
// Client implements it over protocol v1; MockBroker implements it in memory.
type Broker interface {
	Heartbeat(ctx context.Context) error
	OpenOrder(ctx context.Context, req OpenOrderRequest) (*OpenOrderData, error)
	CloseOrder(ctx context.Context, ticket int64) (*CloseOrderData, error)
	GetAccount(ctx context.Context) (*AccountData, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetHistory(ctx context.Context, from, to time.Time, symbol string) ([]Deal, error)
	TradeMode() string
	Close() error
}

// Client is the protocol v1 gateway client. One lock serializes round trips:
// whoever holds it owns the socket for exactly one send-receive pair, so
// request and reply frames never interleave on the wire.
type Client struct {
	cfg    config.GatewayConfig
	logger zerolog.Logger

	// mu is the gateway lock. Held for one round trip at a time.
	mu               sync.Mutex
	lockAcquisitions atomic.Uint64

	// connMu guards the connection fields so Close can break a wedged
	// round trip without waiting for the gateway lock.
	connMu sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	acct   *AccountData
	dials  int
	closed bool

	tradeMode  atomic.Value // string, cached from the last GET_ACCOUNT
	serverName atomic.Value // string

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

var _ Broker = (*Client)(nil)

// New builds a client for the configured gateway endpoint. No connection is
// made until Connect or the first request.
func New(cfg config.GatewayConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}

	c := &Client{
		cfg:    cfg,
		logger: log.With().Str("component", "gateway").Str("addr", cfg.Addr).Logger(),
	}
	c.tradeMode.Store("")
	c.serverName.Store("")

	bcfg := cfg.Breaker
	if bcfg.MinRequests == 0 {
		bcfg.MinRequests = defaultBreakerMinRequests
	}
	if bcfg.FailureRatio <= 0 {
		bcfg.FailureRatio = defaultBreakerFailureRatio
	}
	if bcfg.OpenTimeout <= 0 {
		bcfg.OpenTimeout = defaultBreakerOpenTimeout
	}
	if bcfg.MaxHalfOpenRequests == 0 {
		bcfg.MaxHalfOpenRequests = defaultBreakerHalfOpenReqs
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: bcfg.MaxHalfOpenRequests,
		Timeout:     bcfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= bcfg.MinRequests && failureRatio >= bcfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.GatewayBreakerState.Set(breakerStateValue(to))
			c.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Gateway transport breaker changed state")
		},
	})

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Connect dials the gateway and verifies the account with GET_ACCOUNT. The
// returned snapshot seeds the risk monitor; trade_mode and server_name stay
// cached for the life of the connection and are re-verified on reconnect.
func (c *Client) Connect(ctx context.Context) (*AccountData, error) {
	c.mu.Lock()
	c.lockAcquisitions.Add(1)
	defer c.mu.Unlock()

	conn, reader, dialed, err := c.ensureConnLocked(ctx)
	if err != nil {
		return nil, err
	}
	if dialed {
		// ensureConnLocked already verified the fresh connection.
		acct := c.lastAccount()
		if acct != nil {
			return acct, nil
		}
	}
	acct, err := c.verify(ctx, conn, reader)
	if err != nil {
		c.recycle(conn)
		return nil, err
	}
	return acct, nil
}

// TradeMode returns the cached broker trade mode, empty before the first
// successful GET_ACCOUNT.
func (c *Client) TradeMode() string {
	return c.tradeMode.Load().(string)
}

// ServerName returns the cached broker server name.
func (c *Client) ServerName() string {
	return c.serverName.Load().(string)
}

// LockAcquisitions returns how many times the gateway lock has been taken.
func (c *Client) LockAcquisitions() uint64 {
	return c.lockAcquisitions.Load()
}

// Heartbeat checks liveness of the gateway service.
func (c *Client) Heartbeat(ctx context.Context) error {
	var data HeartbeatData
	err := c.do(ctx, ActionHeartbeat, struct{}{}, &data)
	metrics.RecordHeartbeat(err)
	return err
}

// OpenOrder submits a market order. Never retried: a timed-out OPEN_ORDER may
// have executed, and only reconciliation can tell. Fails with ErrBlocked
// before touching the wire when the cached trade mode is not REAL.
func (c *Client) OpenOrder(ctx context.Context, req OpenOrderRequest) (*OpenOrderData, error) {
	if mode := c.TradeMode(); mode != "" && mode != TradeModeReal {
		return nil, fmt.Errorf("%w (trade_mode=%s)", ErrBlocked, mode)
	}
	var data OpenOrderData
	if err := c.do(ctx, ActionOpenOrder, req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// CloseOrder closes the position behind ticket. Never retried.
func (c *Client) CloseOrder(ctx context.Context, ticket int64) (*CloseOrderData, error) {
	if mode := c.TradeMode(); mode != "" && mode != TradeModeReal {
		return nil, fmt.Errorf("%w (trade_mode=%s)", ErrBlocked, mode)
	}
	var data CloseOrderData
	if err := c.do(ctx, ActionCloseOrder, CloseOrderRequest{Ticket: ticket}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAccount fetches the account snapshot and refreshes the cached trade
// mode and server name.
func (c *Client) GetAccount(ctx context.Context) (*AccountData, error) {
	var data AccountData
	if err := c.do(ctx, ActionGetAccount, struct{}{}, &data); err != nil {
		return nil, err
	}
	c.cacheAccount(&data)
	return &data, nil
}

// GetPositions lists open positions, optionally filtered to one symbol.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	var data PositionsData
	if err := c.do(ctx, ActionGetPositions, PositionsRequest{Symbol: symbol}, &data); err != nil {
		return nil, err
	}
	return data.Positions, nil
}

// GetHistory fetches executed deals in [from, to], optionally filtered to one
// symbol.
func (c *Client) GetHistory(ctx context.Context, from, to time.Time, symbol string) ([]Deal, error) {
	req := HistoryRequest{
		From:   EpochSeconds(from),
		To:     EpochSeconds(to),
		Symbol: symbol,
	}
	var data HistoryData
	if err := c.do(ctx, ActionGetHistory, req, &data); err != nil {
		return nil, err
	}
	return data.Deals, nil
}

// Close shuts the connection down. It intentionally does not wait for the
// gateway lock: shutdown uses it to break a round trip wedged on a stuck
// broker.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.reader = nil
		return err
	}
	return nil
}

// do runs one action with retry policy: idempotent actions retry with
// exponential backoff, order actions get exactly one attempt.
func (c *Client) do(ctx context.Context, action Action, payload, out interface{}) error {
	attempts := 1
	if action.IsIdempotent() {
		attempts = c.cfg.MaxRetries + 1
	}
	backoff := c.cfg.RetryBackoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.RecordGatewayRetry(string(action))
			c.logger.Warn().
				Err(lastErr).
				Str("action", string(action)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("Retrying gateway request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		start := time.Now()
		data, err := c.dispatch(ctx, action, payload)
		metrics.RecordGatewayRequest(string(action), float64(time.Since(start).Microseconds())/1000.0, err)

		if err != nil {
			lastErr = err
			if errors.Is(err, ErrBlocked) || errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
				return err
			}
			continue
		}

		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("failed to decode %s data: %w", action, err)
			}
		}
		return nil
	}

	if attempts > 1 {
		return fmt.Errorf("%s failed after %d attempts: %w", action, attempts, lastErr)
	}
	return lastErr
}

// dispatch sends one attempt through the transport breaker.
func (c *Client) dispatch(ctx context.Context, action Action, payload interface{}) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return c.exchange(ctx, action, payload)
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.(json.RawMessage)
	return data, nil
}

// exchange performs exactly one send-receive round trip under the gateway
// lock.
func (c *Client) exchange(ctx context.Context, action Action, payload interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.lockAcquisitions.Add(1)
	defer c.mu.Unlock()

	conn, reader, _, err := c.ensureConnLocked(ctx)
	if err != nil {
		return nil, err
	}

	// Post-dial check: a reconnect may have landed on a demoted account.
	if action.IsOrder() && c.TradeMode() != TradeModeReal {
		return nil, fmt.Errorf("%w (trade_mode=%s)", ErrBlocked, c.TradeMode())
	}

	reply, err := c.sendRecv(ctx, conn, reader, action, payload)
	if err != nil {
		// Transport-level failure: the connection state is unknown, so
		// recycle it and let the next exchange re-dial.
		c.recycle(conn)
		return nil, err
	}

	switch reply.Status {
	case StatusSuccess:
		return reply.Data, nil
	case StatusPending:
		return nil, &BrokerError{Action: action, Status: StatusPending, Message: reply.Error}
	default:
		return nil, &BrokerError{Action: action, Status: reply.Status, Message: reply.Error}
	}
}

// sendRecv writes one request frame and reads one reply frame within the
// action's budget. Correlation is strict: a reply with a foreign req_id fails
// the exchange.
func (c *Client) sendRecv(ctx context.Context, conn net.Conn, reader *bufio.Reader, action Action, payload interface{}) (*Reply, error) {
	budget := c.cfg.ActionTimeout(string(action))
	if budget <= 0 {
		budget = defaultTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < budget {
			budget = remaining
		}
	}
	if budget <= 0 {
		return nil, ctx.Err()
	}

	reqID := uuid.NewString()
	req := Request{
		Action:    action,
		ReqID:     reqID,
		Timestamp: EpochSeconds(time.Now()),
		Payload:   payload,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", action, err)
	}

	if err := conn.SetDeadline(time.Now().Add(budget)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := WriteFrame(conn, data); err != nil {
		return nil, c.classifyTransportErr(action, budget, err)
	}

	raw, err := ReadFrame(reader, c.cfg.MaxFrameBytes)
	if err != nil {
		return nil, c.classifyTransportErr(action, budget, err)
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode %s reply: %w", action, err)
	}
	if reply.ReqID != reqID {
		c.logger.Error().
			Str("action", string(action)).
			Str("sent", reqID).
			Str("received", reply.ReqID).
			Msg("Discarding mismatched reply, recycling connection")
		return nil, fmt.Errorf("%w: sent %s, received %s", ErrReplyMismatch, reqID, reply.ReqID)
	}
	return &reply, nil
}

func (c *Client) classifyTransportErr(action Action, budget time.Duration, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Action: action, Budget: budget.String(), Err: err}
	}
	return err
}

// ensureConnLocked returns a live connection, dialing and verifying a new one
// when needed. Caller must hold the gateway lock. The returned dialed flag
// reports whether a fresh connection (already verified) was established.
func (c *Client) ensureConnLocked(ctx context.Context) (net.Conn, *bufio.Reader, bool, error) {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil, nil, false, ErrClientClosed
	}
	if c.conn != nil {
		conn, reader := c.conn, c.reader
		c.connMu.Unlock()
		return conn, reader, false, nil
	}
	c.connMu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to connect to gateway at %s: %w", c.cfg.Addr, err)
	}
	reader := bufio.NewReader(conn)

	// Every fresh connection is verified before any other traffic, so a
	// gateway restart onto a demo account is caught immediately.
	if _, err := c.verify(ctx, conn, reader); err != nil {
		conn.Close()
		return nil, nil, false, fmt.Errorf("gateway connection verify failed: %w", err)
	}

	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		conn.Close()
		return nil, nil, false, ErrClientClosed
	}
	c.conn = conn
	c.reader = reader
	c.dials++
	reconnect := c.dials > 1
	c.connMu.Unlock()

	if reconnect {
		metrics.GatewayReconnects.Inc()
		c.logger.Warn().Int("dials", c.dials).Msg("Reconnected to gateway")
	} else {
		c.logger.Info().Msg("Connected to gateway")
	}
	return conn, reader, true, nil
}

// verify issues GET_ACCOUNT on the given connection and caches the verdict.
func (c *Client) verify(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*AccountData, error) {
	reply, err := c.sendRecv(ctx, conn, reader, ActionGetAccount, struct{}{})
	if err != nil {
		return nil, err
	}
	if reply.Status != StatusSuccess {
		return nil, &BrokerError{Action: ActionGetAccount, Status: reply.Status, Message: reply.Error}
	}

	var acct AccountData
	if err := json.Unmarshal(reply.Data, &acct); err != nil {
		return nil, fmt.Errorf("failed to decode account data: %w", err)
	}
	c.cacheAccount(&acct)

	if acct.TradeMode != TradeModeReal {
		c.logger.Error().
			Str("trade_mode", acct.TradeMode).
			Str("server", acct.ServerName).
			Msg("Gateway account is not REAL, order submission will be blocked")
	}
	return &acct, nil
}

func (c *Client) cacheAccount(acct *AccountData) {
	c.tradeMode.Store(acct.TradeMode)
	c.serverName.Store(acct.ServerName)
	c.connMu.Lock()
	c.acct = acct
	c.connMu.Unlock()
}

func (c *Client) lastAccount() *AccountData {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.acct == nil {
		return nil
	}
	acct := *c.acct
	return &acct
}

// recycle drops the connection after a transport failure so protocol state
// cannot leak into the next exchange.
func (c *Client) recycle(conn net.Conn) {
	conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.reader = nil
	}
	c.connMu.Unlock()
}
