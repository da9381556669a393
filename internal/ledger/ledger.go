// Package ledger owns open and closed position records and realized and
// unrealized P&L. It is the single writer for position state; every other
// component reads snapshots.
package ledger

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/models"
)

// PositionStore persists position transitions. The ledger writes through on
// every open and close so a restart rebuilds the same state.
type PositionStore interface {
	SavePosition(ctx context.Context, p *models.Position) error
	MarkPositionClosed(ctx context.Context, p *models.Position) error
	LoadPositions(ctx context.Context) ([]models.Position, error)
}

// Ledger is the in-memory position book backed by a PositionStore.
type Ledger struct {
	mu    sync.RWMutex
	store PositionStore

	// All positions by id. Rows are never removed, matching the audit
	// invariant of the persisted table.
	positions map[string]*models.Position

	// Open position ids per (symbol, strategy), entry-time ascending.
	// FIFO order here is a hard invariant: close matching and exposure
	// checks both consume it.
	openQueue map[queueKey][]string

	now func() time.Time
}

type queueKey struct {
	symbol   string
	strategy string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger. Pass a nil store for a purely in-memory book.
func New(store PositionStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		positions: make(map[string]*models.Position),
		openQueue: make(map[queueKey][]string),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load rebuilds the in-memory book from the store.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	persisted, err := l.store.LoadPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "loading positions")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions = make(map[string]*models.Position, len(persisted))
	l.openQueue = make(map[queueKey][]string)

	// LoadPositions returns entry-time ascending, so appending preserves FIFO.
	for i := range persisted {
		p := persisted[i]
		l.positions[p.ID] = &p
		if p.IsOpen() {
			k := queueKey{p.Symbol, p.StrategyID}
			l.openQueue[k] = append(l.openQueue[k], p.ID)
		}
	}
	return nil
}

// Open creates a new open position and returns its id.
// Fails with ErrInvalidQuantity when quantity is not positive.
func (l *Ledger) Open(ctx context.Context, symbol, strategyID string, price, quantity decimal.Decimal, regime models.RegimeState) (string, error) {
	if !quantity.IsPositive() {
		return "", errors.ErrInvalidQuantity
	}

	now := l.now()
	p := &models.Position{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Symbol:     symbol,
		StrategyID: strategyID,
		Status:     models.PositionOpen,
		EntryTime:  now,
		EntryPrice: price,
		Quantity:   quantity,
		CostBasis:  price.Mul(quantity),
		RegimeTag:  regime,
		MarkPrice:  price,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SavePosition(ctx, p); err != nil {
			return "", errors.Wrap(err, "persisting position")
		}
	}

	l.positions[p.ID] = p
	k := queueKey{symbol, strategyID}
	l.openQueue[k] = append(l.openQueue[k], p.ID)

	return p.ID, nil
}

// Close closes the position with the given id at exitPrice.
// Returns ErrPositionNotFound when the position is absent or already closed;
// callers must treat that as "someone else already closed it" and move on.
func (l *Ledger) Close(ctx context.Context, positionID string, exitPrice decimal.Decimal) (models.RealizedResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(ctx, positionID, exitPrice)
}

// CloseOldest closes the oldest open position for (symbol, strategy): FIFO
// matching for an incoming SELL fill.
func (l *Ledger) CloseOldest(ctx context.Context, symbol, strategyID string, exitPrice decimal.Decimal) (models.RealizedResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := queueKey{symbol, strategyID}
	queue := l.openQueue[k]
	if len(queue) == 0 {
		return models.RealizedResult{}, errors.ErrPositionNotFound
	}
	return l.closeLocked(ctx, queue[0], exitPrice)
}

func (l *Ledger) closeLocked(ctx context.Context, positionID string, exitPrice decimal.Decimal) (models.RealizedResult, error) {
	p, ok := l.positions[positionID]
	if !ok || !p.IsOpen() {
		return models.RealizedResult{}, errors.ErrPositionNotFound
	}

	now := l.now()
	pnl := exitPrice.Sub(p.EntryPrice).Mul(p.Quantity)
	pnlPct := decimal.Zero
	if !p.CostBasis.IsZero() {
		pnlPct = pnl.Div(p.CostBasis).Mul(decimal.NewFromInt(100))
	}

	p.Status = models.PositionClosed
	p.CloseTime = now
	p.ClosePrice = exitPrice
	p.RealizedPnL = pnl
	p.MarkPrice = exitPrice
	p.UnrealizedPnL = decimal.Zero

	if l.store != nil {
		if err := l.store.MarkPositionClosed(ctx, p); err != nil {
			// Roll back the in-memory transition so state stays consistent
			// with the store.
			p.Status = models.PositionOpen
			p.CloseTime = time.Time{}
			p.ClosePrice = decimal.Zero
			p.RealizedPnL = decimal.Zero
			return models.RealizedResult{}, errors.Wrap(err, "persisting close")
		}
	}

	l.removeFromQueue(p)

	return models.RealizedResult{
		PositionID: p.ID,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ClosePrice: exitPrice,
		ClosedAt:   now,
	}, nil
}

func (l *Ledger) removeFromQueue(p *models.Position) {
	k := queueKey{p.Symbol, p.StrategyID}
	queue := l.openQueue[k]
	for i, id := range queue {
		if id == p.ID {
			l.openQueue[k] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(l.openQueue[k]) == 0 {
		delete(l.openQueue, k)
	}
}

// Filter selects open positions. Zero-value fields match everything.
type Filter struct {
	Symbol     string
	StrategyID string
}

func (f Filter) matches(p *models.Position) bool {
	if f.Symbol != "" && p.Symbol != f.Symbol {
		return false
	}
	if f.StrategyID != "" && p.StrategyID != f.StrategyID {
		return false
	}
	return true
}

// OpenPositions returns copies of open positions matching the filter, entry
// time ascending.
func (l *Ledger) OpenPositions(f Filter) []models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.Position
	for _, p := range l.positions {
		if p.IsOpen() && f.matches(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// OpenCount returns the number of open positions matching the filter.
func (l *Ledger) OpenCount(f Filter) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := 0
	for _, p := range l.positions {
		if p.IsOpen() && f.matches(p) {
			count++
		}
	}
	return count
}

// TotalExposureUSD sums the cost basis of open positions matching the filter.
func (l *Ledger) TotalExposureUSD(f Filter) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.positions {
		if p.IsOpen() && f.matches(p) {
			total = total.Add(p.CostBasis)
		}
	}
	return total
}

// MarkToMarket updates the live mark fields of open positions for symbol.
func (l *Ledger) MarkToMarket(symbol string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range l.positions {
		if p.IsOpen() && p.Symbol == symbol {
			p.MarkPrice = price
			p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Quantity)
		}
	}
}

// RealizedPnLSince sums realized P&L of positions closed at or after t.
func (l *Ledger) RealizedPnLSince(t time.Time) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.positions {
		if p.Status == models.PositionClosed && !p.CloseTime.Before(t) {
			total = total.Add(p.RealizedPnL)
		}
	}
	return total
}

// UnrealizedPnL sums unrealized P&L across all open positions.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, p := range l.positions {
		if p.IsOpen() {
			total = total.Add(p.UnrealizedPnL)
		}
	}
	return total
}

// Get returns a copy of the position with the given id.
func (l *Ledger) Get(positionID string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.positions[positionID]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// HeldSymbols returns the distinct symbols with at least one open position.
func (l *Ledger) HeldSymbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, p := range l.positions {
		if p.IsOpen() && !seen[p.Symbol] {
			seen[p.Symbol] = true
			out = append(out, p.Symbol)
		}
	}
	sort.Strings(out)
	return out
}
