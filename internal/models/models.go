// Package models provides domain models for the trade admission core.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the side of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Timeframe represents a candle timeframe.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker represents a top-of-book market snapshot.
type Ticker struct {
	Symbol      string
	Bid         float64
	Ask         float64
	Last        float64
	QuoteVolume float64
	Timestamp   time.Time
}

// Spread returns the bid/ask spread as a fraction of the mid price.
// Returns 0 when the book is empty or crossed.
func (t Ticker) Spread() float64 {
	mid := (t.Bid + t.Ask) / 2
	if mid <= 0 || t.Ask < t.Bid {
		return 0
	}
	return (t.Ask - t.Bid) / mid
}

// BookLevel is a single price level in an order book.
type BookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook represents order book depth for a symbol.
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// DepthUSD returns total visible depth in quote currency on one side.
func (ob OrderBook) DepthUSD(side Side) float64 {
	levels := ob.Asks
	if side == SideSell {
		levels = ob.Bids
	}
	var total float64
	for _, l := range levels {
		total += l.Price * l.Quantity
	}
	return total
}

// TradeRequest is a candidate trade emitted by the scheduler each polling
// tick. It is ephemeral and only persisted once a decision is recorded.
type TradeRequest struct {
	Symbol         string
	Side           Side
	NotionalUSD    decimal.Decimal
	StrategyID     string
	ReferencePrice decimal.Decimal
	// Confidence is an optional external signal-confidence score in [0,100].
	// Negative means "not supplied".
	Confidence float64
}

// SizedOrder is the approved output of the risk policy engine, handed to the
// external order executor.
type SizedOrder struct {
	Symbol      string
	Side        Side
	NotionalUSD decimal.Decimal
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
	StrategyID  string
	RegimeTag   RegimeState
	CreatedAt   time.Time
}

// Fill reports an execution result back from the order executor.
type Fill struct {
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	FeeUSD     decimal.Decimal
	StrategyID string
	FilledAt   time.Time
}

// PortfolioSnapshot is one point of the equity time series used by the
// drawdown-velocity gate.
type PortfolioSnapshot struct {
	Timestamp   time.Time
	TotalEquity decimal.Decimal
	Cash        decimal.Decimal
	Exposure    decimal.Decimal
}
