package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is one open-or-closed lot. Cost basis and quantity are immutable
// after creation; only status, the close fields, and the live mark fields
// mutate. Positions are never deleted, only status-transitioned, so the
// ledger stays auditable.
type Position struct {
	ID         string
	Symbol     string
	StrategyID string
	Status     PositionStatus

	EntryTime  time.Time
	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal
	CostBasis  decimal.Decimal
	RegimeTag  RegimeState

	CloseTime   time.Time
	ClosePrice  decimal.Decimal
	RealizedPnL decimal.Decimal

	// Live mark-to-market fields, updated while open.
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// UnrealizedPnLPct returns the unrealized P&L as a percentage of cost basis,
// or zero when the cost basis is zero.
func (p *Position) UnrealizedPnLPct() decimal.Decimal {
	if p.CostBasis.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Div(p.CostBasis).Mul(decimal.NewFromInt(100))
}

// RealizedResult is the outcome of closing a position.
type RealizedResult struct {
	PositionID string
	PnL        decimal.Decimal
	PnLPct     decimal.Decimal
	ClosePrice decimal.Decimal
	ClosedAt   time.Time
}

// IsLoss reports whether the round trip realized a loss.
func (r RealizedResult) IsLoss() bool {
	return r.PnL.IsNegative()
}
