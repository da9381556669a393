package marketdata

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/models"
)

// SimProvider is a deterministic random-walk venue for paper runs and tests.
// It implements both Provider and OrderExecutor: orders fill instantly at the
// current simulated price.
type SimProvider struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
	fee    float64 // fraction of notional
	now    func() time.Time
}

// NewSimProvider creates a simulated venue seeded for reproducibility.
func NewSimProvider(seed int64) *SimProvider {
	return &SimProvider{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
		fee:    0.001,
		now:    time.Now,
	}
}

// SetPrice pins the current price of a symbol.
func (s *SimProvider) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *SimProvider) priceLocked(symbol string) float64 {
	p, ok := s.prices[symbol]
	if !ok {
		p = 100 + s.rng.Float64()*900
		s.prices[symbol] = p
	}
	return p
}

// step advances the random walk for a symbol by one small move.
func (s *SimProvider) step(symbol string) float64 {
	p := s.priceLocked(symbol)
	p *= 1 + (s.rng.Float64()-0.5)*0.004
	s.prices[symbol] = p
	return p
}

// FetchOHLCV synthesizes a time-ordered candle series ending at the current
// simulated price.
func (s *SimProvider) FetchOHLCV(_ context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.priceLocked(symbol)
	period := timeframeDuration(timeframe)

	// Walk backwards from the current price so the series always lands on it.
	closes := make([]float64, limit)
	p := end
	for i := limit - 1; i >= 0; i-- {
		closes[i] = p
		p /= 1 + (s.rng.Float64()-0.5)*0.02
	}

	candles := make([]models.Candle, limit)
	start := s.now().Add(-time.Duration(limit) * period)
	for i := 0; i < limit; i++ {
		c := closes[i]
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		candles[i] = models.Candle{
			Timestamp: start.Add(time.Duration(i) * period),
			Open:      open,
			High:      math.Max(open, c) * 1.005,
			Low:       math.Min(open, c) * 0.995,
			Close:     c,
			Volume:    1000 + s.rng.Float64()*9000,
		}
	}
	return candles, nil
}

// FetchTicker returns a tight synthetic book around the walked price.
func (s *SimProvider) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.step(symbol)
	return &models.Ticker{
		Symbol:      symbol,
		Bid:         p * 0.9995,
		Ask:         p * 1.0005,
		Last:        p,
		QuoteVolume: 5_000_000,
		Timestamp:   s.now(),
	}, nil
}

// FetchOrderBook returns deep synthetic liquidity on both sides.
func (s *SimProvider) FetchOrderBook(_ context.Context, symbol string, depth int) (*models.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.priceLocked(symbol)
	book := &models.OrderBook{Symbol: symbol, Timestamp: s.now()}
	for i := 1; i <= depth; i++ {
		offset := float64(i) * 0.0005
		qty := 50_000 / p
		book.Bids = append(book.Bids, models.BookLevel{Price: p * (1 - offset), Quantity: qty})
		book.Asks = append(book.Asks, models.BookLevel{Price: p * (1 + offset), Quantity: qty})
	}
	return book, nil
}

// Ping always succeeds.
func (s *SimProvider) Ping(_ context.Context) error {
	return nil
}

// Submit fills the order instantly at the current simulated price.
func (s *SimProvider) Submit(_ context.Context, order *models.SizedOrder) (*models.Fill, error) {
	s.mu.Lock()
	price := s.priceLocked(order.Symbol)
	s.mu.Unlock()

	fillPrice := decimal.NewFromFloat(price)
	qty := order.Quantity
	if qty.IsZero() && fillPrice.IsPositive() {
		qty = order.NotionalUSD.Div(fillPrice)
	}

	return &models.Fill{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      fillPrice,
		Quantity:   qty,
		FeeUSD:     order.NotionalUSD.Mul(decimal.NewFromFloat(s.fee)),
		StrategyID: order.StrategyID,
		FilledAt:   s.now(),
	}, nil
}

func timeframeDuration(tf models.Timeframe) time.Duration {
	switch tf {
	case models.Timeframe1m:
		return time.Minute
	case models.Timeframe1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

var (
	_ Provider      = (*SimProvider)(nil)
	_ OrderExecutor = (*SimProvider)(nil)
)
