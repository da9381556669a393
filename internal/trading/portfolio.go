package trading

import (
	"sync"

	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/models"
)

// Portfolio tracks cash alongside the position book. Equity is cash plus the
// marked value of open positions, all in decimal arithmetic.
type Portfolio struct {
	mu   sync.RWMutex
	cash decimal.Decimal
	book *ledger.Ledger
}

// NewPortfolio creates a portfolio with the given starting cash.
func NewPortfolio(startingCash decimal.Decimal, book *ledger.Ledger) *Portfolio {
	return &Portfolio{cash: startingCash, book: book}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Equity returns cash plus open exposure plus unrealized P&L.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	cash := p.cash
	p.mu.RUnlock()

	return cash.
		Add(p.book.TotalExposureUSD(ledger.Filter{})).
		Add(p.book.UnrealizedPnL())
}

// ApplyBuy deducts the fill cost and fee from cash.
func (p *Portfolio) ApplyBuy(fill *models.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.cash.Sub(fill.Price.Mul(fill.Quantity)).Sub(fill.FeeUSD)
}

// ApplySell credits the fill proceeds net of fee to cash.
func (p *Portfolio) ApplySell(fill *models.Fill) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.cash.Add(fill.Price.Mul(fill.Quantity)).Sub(fill.FeeUSD)
}
