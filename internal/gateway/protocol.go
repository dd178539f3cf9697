// Package gateway implements protocol v1, the request/reply contract between
// the execution core and the broker-side adapter: length-prefixed UTF-8 JSON
// frames over a single TCP connection, serialized by a process-wide lock.
package gateway

import (
	"encoding/json"
	"time"
)

// Action identifies a gateway request type.
type Action string

const (
	ActionHeartbeat    Action = "HEARTBEAT"
	ActionOpenOrder    Action = "OPEN_ORDER"
	ActionCloseOrder   Action = "CLOSE_ORDER"
	ActionGetAccount   Action = "GET_ACCOUNT"
	ActionGetPositions Action = "GET_POSITIONS"
	ActionGetHistory   Action = "GET_HISTORY"
)

// IsIdempotent reports whether the action may be retried automatically.
// Order placement and closure are not: a timed-out OPEN_ORDER may have
// executed on the broker side, so the caller decides.
func (a Action) IsIdempotent() bool {
	return a != ActionOpenOrder && a != ActionCloseOrder
}

// IsOrder reports whether the action submits or closes a position and is
// therefore subject to the trade-mode guard and the durable breaker.
func (a Action) IsOrder() bool {
	return a == ActionOpenOrder || a == ActionCloseOrder
}

// Status is the reply disposition reported by the gateway.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
	StatusPending Status = "PENDING"
)

// Side is the order direction as the wire encodes it.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade modes reported in GET_ACCOUNT. Order submission requires REAL.
const (
	TradeModeReal    = "REAL"
	TradeModeDemo    = "DEMO"
	TradeModeContest = "CONTEST"
)

// Request is one protocol v1 frame sent to the gateway.
type Request struct {
	Action    Action      `json:"action"`
	ReqID     string      `json:"req_id"`
	Timestamp float64     `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Reply is one protocol v1 frame received from the gateway. Data is left raw
// so each action can decode its own schema.
type Reply struct {
	ReqID     string          `json:"req_id"`
	Status    Status          `json:"status"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// OpenOrderRequest is the OPEN_ORDER payload.
type OpenOrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Volume        float64 `json:"volume"`
	StopLoss      float64 `json:"sl,omitempty"`
	TakeProfit    float64 `json:"tp,omitempty"`
	Magic         int64   `json:"magic"`
	ClientOrderID string  `json:"client_order_id"`
	Comment       string  `json:"comment,omitempty"`
}

// OpenOrderData is the OPEN_ORDER success result.
type OpenOrderData struct {
	Ticket     int64   `json:"ticket"`
	Price      float64 `json:"price"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
}

// CloseOrderRequest is the CLOSE_ORDER payload.
type CloseOrderRequest struct {
	Ticket int64 `json:"ticket"`
}

// CloseOrderData is the CLOSE_ORDER success result.
type CloseOrderData struct {
	Ticket int64   `json:"ticket"`
	Price  float64 `json:"price"`
	Profit float64 `json:"profit"`
}

// AccountData is the GET_ACCOUNT result. TradeMode gates order submission.
type AccountData struct {
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Currency   string  `json:"currency"`
	TradeMode  string  `json:"trade_mode"`
	ServerName string  `json:"server_name"`
}

// PositionsRequest is the GET_POSITIONS payload. An empty symbol requests
// every open position on the account.
type PositionsRequest struct {
	Symbol string `json:"symbol,omitempty"`
}

// Position is one open position as the broker reports it.
type Position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Side         Side    `json:"side"`
	Volume       float64 `json:"volume"`
	OpenPrice    float64 `json:"open_price"`
	CurrentPrice float64 `json:"current_price"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Magic        int64   `json:"magic"`
	Comment      string  `json:"comment,omitempty"`
}

// PositionsData is the GET_POSITIONS success result.
type PositionsData struct {
	Positions []Position `json:"positions"`
}

// HistoryRequest is the GET_HISTORY payload. From and To are epoch seconds.
type HistoryRequest struct {
	From   float64 `json:"from"`
	To     float64 `json:"to"`
	Symbol string  `json:"symbol,omitempty"`
}

// Deal is one executed deal from broker history. ClientOrderID round-trips
// from the OPEN_ORDER that produced the deal and anchors reconciliation.
type Deal struct {
	Ticket        int64   `json:"ticket"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Volume        float64 `json:"volume"`
	Price         float64 `json:"price"`
	Profit        float64 `json:"profit"`
	Commission    float64 `json:"commission"`
	Swap          float64 `json:"swap"`
	Magic         int64   `json:"magic"`
	Time          float64 `json:"time"`
}

// HistoryData is the GET_HISTORY success result.
type HistoryData struct {
	Deals []Deal `json:"deals"`
}

// HeartbeatData is the HEARTBEAT success result.
type HeartbeatData struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// EpochSeconds converts t to the protocol's float seconds representation.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromEpoch converts protocol float seconds back to a UTC time.
func TimeFromEpoch(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second))).UTC()
}
