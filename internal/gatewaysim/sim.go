// Package gatewaysim is an in-process broker gateway: a protocol v1 TCP
// server with deterministic fills, failure injection, and a request log. It
// backs the end-to-end scenarios and doubles as a local development harness
// via cmd/gateway-sim.
package gatewaysim

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/gateway"
)

// Quote is the current two-sided market for one symbol.
type Quote struct {
	Bid float64
	Ask float64
}

// Options seed the simulated account.
type Options struct {
	TradeMode   string  // default REAL
	Balance     float64 // default 100000
	Currency    string  // default USD
	ServiceName string  // default gateway-sim
	ServerName  string  // default GatewaySim-Live
	StartTicket int64   // default 1100000001
	Commission  float64 // flat commission per fill
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.TradeMode == "" {
		out.TradeMode = gateway.TradeModeReal
	}
	if out.Balance == 0 {
		out.Balance = 100000
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}
	if out.ServiceName == "" {
		out.ServiceName = "gateway-sim"
	}
	if out.ServerName == "" {
		out.ServerName = "GatewaySim-Live"
	}
	if out.StartTicket == 0 {
		out.StartTicket = 1100000001
	}
	return out
}

// Simulator implements the broker side of protocol v1. BUY fills at ask,
// SELL fills at bid, tickets are sequential, and every executed order leaves
// a deal in history carrying its client_order_id.
type Simulator struct {
	opts   Options
	logger zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu         sync.Mutex
	balance    float64
	quotes     map[string]Quote
	positions  map[int64]gateway.Position
	deals      []gateway.Deal
	nextTicket int64
	requests   []gateway.Request
	failures   map[gateway.Action]int
	delays     map[gateway.Action]time.Duration
	tradeMode  string
	closed     bool
}

// New builds a simulator; Start brings up the listener.
func New(opts Options) *Simulator {
	o := opts.withDefaults()
	return &Simulator{
		opts:       o,
		logger:     log.With().Str("component", "gateway-sim").Logger(),
		balance:    o.Balance,
		quotes:     make(map[string]Quote),
		positions:  make(map[int64]gateway.Position),
		nextTicket: o.StartTicket,
		failures:   make(map[gateway.Action]int),
		delays:     make(map[gateway.Action]time.Duration),
		tradeMode:  o.TradeMode,
	}
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves until
// Close.
func (s *Simulator) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway simulator listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address.
func (s *Simulator) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the listener and waits for connection handlers to finish.
func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Simulator) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		raw, err := gateway.ReadFrame(reader, gateway.DefaultMaxFrameBytes)
		if err != nil {
			return
		}

		var req gateway.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Warn().Err(err).Msg("Undecodable request frame")
			return
		}

		reply := s.dispatch(req)
		reply.ReqID = req.ReqID
		reply.Timestamp = gateway.EpochSeconds(time.Now())

		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		if err := gateway.WriteFrame(conn, data); err != nil {
			return
		}
	}
}

func (s *Simulator) dispatch(req gateway.Request) gateway.Reply {
	s.mu.Lock()
	s.requests = append(s.requests, req)

	if d := s.delays[req.Action]; d > 0 {
		s.mu.Unlock()
		time.Sleep(d)
		s.mu.Lock()
	}

	if s.failures[req.Action] > 0 {
		s.failures[req.Action]--
		s.mu.Unlock()
		return gateway.Reply{Status: gateway.StatusError, Error: "injected failure"}
	}
	defer s.mu.Unlock()

	switch req.Action {
	case gateway.ActionHeartbeat:
		return successReply(gateway.HeartbeatData{Status: "alive", Service: s.opts.ServiceName})
	case gateway.ActionGetAccount:
		return successReply(s.accountLocked())
	case gateway.ActionOpenOrder:
		return s.openOrderLocked(req)
	case gateway.ActionCloseOrder:
		return s.closeOrderLocked(req)
	case gateway.ActionGetPositions:
		return s.positionsLocked(req)
	case gateway.ActionGetHistory:
		return s.historyLocked(req)
	default:
		return gateway.Reply{Status: gateway.StatusError, Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func successReply(data interface{}) gateway.Reply {
	raw, _ := json.Marshal(data)
	return gateway.Reply{Status: gateway.StatusSuccess, Data: raw}
}

func errorReply(format string, args ...interface{}) gateway.Reply {
	return gateway.Reply{Status: gateway.StatusError, Error: fmt.Sprintf(format, args...)}
}

// decodePayload re-marshals the request payload into the action's schema.
func decodePayload(req gateway.Request, out interface{}) error {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Simulator) accountLocked() gateway.AccountData {
	equity := s.balance
	margin := 0.0
	for _, pos := range s.positions {
		equity += s.floatingProfitLocked(pos)
		margin += pos.Volume * pos.OpenPrice
	}
	return gateway.AccountData{
		Balance:    s.balance,
		Equity:     equity,
		Margin:     margin,
		FreeMargin: equity - margin,
		Currency:   s.opts.Currency,
		TradeMode:  s.tradeMode,
		ServerName: s.opts.ServerName,
	}
}

func (s *Simulator) floatingProfitLocked(pos gateway.Position) float64 {
	quote, ok := s.quotes[pos.Symbol]
	if !ok {
		return 0
	}
	if pos.Side == gateway.SideBuy {
		return (quote.Bid - pos.OpenPrice) * pos.Volume
	}
	return (pos.OpenPrice - quote.Ask) * pos.Volume
}

func (s *Simulator) openOrderLocked(req gateway.Request) gateway.Reply {
	var order gateway.OpenOrderRequest
	if err := decodePayload(req, &order); err != nil {
		return errorReply("bad OPEN_ORDER payload: %v", err)
	}
	if order.Volume <= 0 {
		return errorReply("invalid volume %v", order.Volume)
	}

	quote, ok := s.quotes[order.Symbol]
	if !ok {
		return errorReply("no market for %s", order.Symbol)
	}

	price := quote.Ask
	if order.Side == gateway.SideSell {
		price = quote.Bid
	}

	ticket := s.nextTicket
	s.nextTicket++

	s.positions[ticket] = gateway.Position{
		Ticket:       ticket,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Volume:       order.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		Magic:        order.Magic,
		Comment:      order.ClientOrderID,
	}
	s.deals = append(s.deals, gateway.Deal{
		Ticket:        ticket,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Volume:        order.Volume,
		Price:         price,
		Commission:    -s.opts.Commission,
		Magic:         order.Magic,
		Time:          gateway.EpochSeconds(time.Now()),
	})

	s.logger.Info().
		Int64("ticket", ticket).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("volume", order.Volume).
		Float64("price", price).
		Msg("Order filled")

	return successReply(gateway.OpenOrderData{
		Ticket:     ticket,
		Price:      price,
		Commission: -s.opts.Commission,
	})
}

func (s *Simulator) closeOrderLocked(req gateway.Request) gateway.Reply {
	var closeReq gateway.CloseOrderRequest
	if err := decodePayload(req, &closeReq); err != nil {
		return errorReply("bad CLOSE_ORDER payload: %v", err)
	}

	pos, ok := s.positions[closeReq.Ticket]
	if !ok {
		return errorReply("unknown ticket %d", closeReq.Ticket)
	}
	delete(s.positions, closeReq.Ticket)

	quote := s.quotes[pos.Symbol]
	price := quote.Bid
	if pos.Side == gateway.SideSell {
		price = quote.Ask
	}

	profit := (price - pos.OpenPrice) * pos.Volume
	if pos.Side == gateway.SideSell {
		profit = -profit
	}
	s.balance += profit - s.opts.Commission

	s.deals = append(s.deals, gateway.Deal{
		Ticket:        pos.Ticket,
		ClientOrderID: pos.Comment,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Volume:        pos.Volume,
		Price:         price,
		Profit:        profit,
		Commission:    -s.opts.Commission,
		Magic:         pos.Magic,
		Time:          gateway.EpochSeconds(time.Now()),
	})

	return successReply(gateway.CloseOrderData{Ticket: pos.Ticket, Price: price, Profit: profit})
}

func (s *Simulator) positionsLocked(req gateway.Request) gateway.Reply {
	var filter gateway.PositionsRequest
	if err := decodePayload(req, &filter); err != nil {
		return errorReply("bad GET_POSITIONS payload: %v", err)
	}

	data := gateway.PositionsData{Positions: []gateway.Position{}}
	for _, pos := range s.positions {
		if filter.Symbol != "" && pos.Symbol != filter.Symbol {
			continue
		}
		if quote, ok := s.quotes[pos.Symbol]; ok {
			pos.CurrentPrice = quote.Bid
			pos.Profit = s.floatingProfitLocked(pos)
		}
		data.Positions = append(data.Positions, pos)
	}
	return successReply(data)
}

func (s *Simulator) historyLocked(req gateway.Request) gateway.Reply {
	var filter gateway.HistoryRequest
	if err := decodePayload(req, &filter); err != nil {
		return errorReply("bad GET_HISTORY payload: %v", err)
	}

	data := gateway.HistoryData{Deals: []gateway.Deal{}}
	for _, deal := range s.deals {
		if deal.Time < filter.From || deal.Time > filter.To {
			continue
		}
		if filter.Symbol != "" && deal.Symbol != filter.Symbol {
			continue
		}
		data.Deals = append(data.Deals, deal)
	}
	return successReply(data)
}

// SetQuote updates the two-sided market for a symbol.
func (s *Simulator) SetQuote(symbol string, bid, ask float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = Quote{Bid: bid, Ask: ask}
}

// SetTradeMode flips the reported account mode, e.g. to simulate a gateway
// restarted against a demo terminal.
func (s *Simulator) SetTradeMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradeMode = mode
}

// FailNext makes the next n requests of the given action fail with an ERROR
// reply.
func (s *Simulator) FailNext(action gateway.Action, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = n
}

// DelayReplies delays every reply to the given action, for timeout tests.
func (s *Simulator) DelayReplies(action gateway.Action, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[action] = d
}

// SeedDeal injects a broker-side deal directly, for reconciliation cases the
// order flow cannot produce (ghosts, doctored profits).
func (s *Simulator) SeedDeal(deal gateway.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals = append(s.deals, deal)
}

// Requests returns a copy of the forensic request log.
func (s *Simulator) Requests() []gateway.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestCount counts logged requests for one action.
func (s *Simulator) RequestCount(action gateway.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Action == action {
			n++
		}
	}
	return n
}

// OpenPositions returns a copy of the open position book.
func (s *Simulator) OpenPositions() []gateway.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out
}

// Deals returns a copy of the deal history.
func (s *Simulator) Deals() []gateway.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Deal, len(s.deals))
	copy(out, s.deals)
	return out
}

// Balance returns the current simulated balance.
func (s *Simulator) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}
