package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is an in-memory Broker for unit tests. Fills are immediate at
// the configured price; deals accumulate for GetHistory so reconciliation
// paths can run against it.
type MockBroker struct {
	mu         sync.Mutex
	account    AccountData
	prices     map[string]float64
	positions  map[int64]Position
	deals      []Deal
	nextTicket int64

	// Error injection, applied once per call while set.
	OpenErr  error
	CloseErr error
	AcctErr  error

	openRequests []OpenOrderRequest
}

// NewMockBroker builds a mock on a REAL account with the given equity.
func NewMockBroker(equity float64) *MockBroker {
	return &MockBroker{
		account: AccountData{
			Balance:    equity,
			Equity:     equity,
			FreeMargin: equity,
			Currency:   "USD",
			TradeMode:  TradeModeReal,
			ServerName: "MockBroker-Live",
		},
		prices:     make(map[string]float64),
		positions:  make(map[int64]Position),
		nextTicket: 1100000001,
	}
}

var _ Broker = (*MockBroker)(nil)

// SetPrice sets the fill price for a symbol.
func (m *MockBroker) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetTradeMode overrides the reported trade mode.
func (m *MockBroker) SetTradeMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account.TradeMode = mode
}

// SetAccount replaces the reported account snapshot.
func (m *MockBroker) SetAccount(acct AccountData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = acct
}

// OpenRequests returns every OPEN_ORDER payload received, in order.
func (m *MockBroker) OpenRequests() []OpenOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenOrderRequest, len(m.openRequests))
	copy(out, m.openRequests)
	return out
}

func (m *MockBroker) Heartbeat(ctx context.Context) error {
	return nil
}

func (m *MockBroker) OpenOrder(ctx context.Context, req OpenOrderRequest) (*OpenOrderData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.OpenErr != nil {
		err := m.OpenErr
		m.OpenErr = nil
		return nil, err
	}
	if m.account.TradeMode != TradeModeReal {
		return nil, fmt.Errorf("%w (trade_mode=%s)", ErrBlocked, m.account.TradeMode)
	}

	m.openRequests = append(m.openRequests, req)

	price, ok := m.prices[req.Symbol]
	if !ok {
		return nil, &BrokerError{Action: ActionOpenOrder, Status: StatusError, Message: "no market for " + req.Symbol}
	}

	ticket := m.nextTicket
	m.nextTicket++

	m.positions[ticket] = Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		Magic:        req.Magic,
		Comment:      req.ClientOrderID,
	}
	m.deals = append(m.deals, Deal{
		Ticket:        ticket,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Volume:        req.Volume,
		Price:         price,
		Magic:         req.Magic,
		Time:          EpochSeconds(time.Now()),
	})

	return &OpenOrderData{Ticket: ticket, Price: price}, nil
}

func (m *MockBroker) CloseOrder(ctx context.Context, ticket int64) (*CloseOrderData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CloseErr != nil {
		err := m.CloseErr
		m.CloseErr = nil
		return nil, err
	}

	pos, ok := m.positions[ticket]
	if !ok {
		return nil, &BrokerError{Action: ActionCloseOrder, Status: StatusError, Message: fmt.Sprintf("unknown ticket %d", ticket)}
	}
	delete(m.positions, ticket)

	price, ok := m.prices[pos.Symbol]
	if !ok {
		price = pos.OpenPrice
	}

	// Contract-size-free PnL: direction times price delta times volume.
	profit := (price - pos.OpenPrice) * pos.Volume
	if pos.Side == SideSell {
		profit = -profit
	}

	m.deals = append(m.deals, Deal{
		Ticket:        ticket,
		ClientOrderID: pos.Comment,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Volume:        pos.Volume,
		Price:         price,
		Profit:        profit,
		Magic:         pos.Magic,
		Time:          EpochSeconds(time.Now()),
	})

	m.account.Balance += profit
	m.account.Equity = m.account.Balance

	return &CloseOrderData{Ticket: ticket, Price: price, Profit: profit}, nil
}

func (m *MockBroker) GetAccount(ctx context.Context) (*AccountData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AcctErr != nil {
		err := m.AcctErr
		m.AcctErr = nil
		return nil, err
	}
	acct := m.account
	return &acct, nil
}

func (m *MockBroker) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Position
	for _, pos := range m.positions {
		if symbol == "" || pos.Symbol == symbol {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *MockBroker) GetHistory(ctx context.Context, from, to time.Time, symbol string) ([]Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fromTs, toTs := EpochSeconds(from), EpochSeconds(to)
	var out []Deal
	for _, deal := range m.deals {
		if deal.Time < fromTs || deal.Time > toTs {
			continue
		}
		if symbol != "" && deal.Symbol != symbol {
			continue
		}
		out = append(out, deal)
	}
	return out, nil
}

// AddDeal injects a broker-side deal directly, bypassing order flow. Used to
// fabricate ghost and mismatch cases in reconciliation tests.
func (m *MockBroker) AddDeal(deal Deal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals = append(m.deals, deal)
}

func (m *MockBroker) TradeMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account.TradeMode
}

func (m *MockBroker) Close() error {
	return nil
}
