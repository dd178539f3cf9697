// Package marketdata consumes the gateway's publish side: one quote stream
// per enabled symbol, fanned out to bounded per-symbol channels. Delivery is
// at-least-once and per-symbol ordered; consumers tolerate duplicates.
package marketdata

import (
	"fmt"
	"time"

	"github.com/mt5-crs/executor/internal/stats"
)

// Tick is one quote update. Timestamp is epoch seconds as published by the
// gateway.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Timestamp float64 `json:"timestamp"`
}

// Mid returns the quote midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Time converts the epoch-seconds timestamp to a UTC time.
func (t Tick) Time() time.Time {
	return time.Unix(0, int64(t.Timestamp*float64(time.Second))).UTC()
}

// Validate rejects ticks that would poison downstream arithmetic.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick has no symbol")
	}
	if !stats.IsFinite(t.Bid) || t.Bid <= 0 {
		return fmt.Errorf("tick %s has invalid bid %v", t.Symbol, t.Bid)
	}
	if !stats.IsFinite(t.Ask) || t.Ask <= 0 {
		return fmt.Errorf("tick %s has invalid ask %v", t.Symbol, t.Ask)
	}
	if !stats.IsFinite(t.Timestamp) || t.Timestamp < 0 {
		return fmt.Errorf("tick %s has invalid timestamp %v", t.Symbol, t.Timestamp)
	}
	return nil
}
