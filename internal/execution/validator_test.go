package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
)

// fakeVenue serves canned books and tickers.
type fakeVenue struct {
	book      *models.OrderBook
	ticker    *models.Ticker
	bookErr   error
	tickerErr error
	pingErr   error
}

func (f *fakeVenue) FetchOHLCV(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return nil, marketdata.ErrUnavailable
}

func (f *fakeVenue) FetchTicker(context.Context, string) (*models.Ticker, error) {
	return f.ticker, f.tickerErr
}

func (f *fakeVenue) FetchOrderBook(context.Context, string, int) (*models.OrderBook, error) {
	return f.book, f.bookErr
}

func (f *fakeVenue) Ping(context.Context) error {
	return f.pingErr
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxAPILatency:    5 * time.Second,
		HealthCacheTTL:   time.Minute,
		MinDepthUSD:      50000,
		MaxDepthFraction: 0.30,
		MaxSpreadPct:     0.5,
		MaxSlippagePct:   0.5,
		FailOpen:         false,
	}
}

// goodVenue returns a venue with $100k depth per side and a 0.1% spread.
func goodVenue() *fakeVenue {
	return &fakeVenue{
		book: &models.OrderBook{
			Symbol: "BTC/USD",
			Bids:   []models.BookLevel{{Price: 100, Quantity: 1000}},
			Asks:   []models.BookLevel{{Price: 100, Quantity: 1000}},
		},
		ticker: &models.Ticker{Symbol: "BTC/USD", Bid: 99.95, Ask: 100.05, Last: 100},
	}
}

func TestValidateApprovesLiquidOrder(t *testing.T) {
	v := NewValidator(testExecConfig(), goodVenue())

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.True(t, res.OK)
	assert.Equal(t, 0.1, res.EstimatedSlippage, "1% of depth is the smallest slippage bucket")
}

func TestValidateRejectsThinDepth(t *testing.T) {
	venue := goodVenue()
	venue.book.Asks = []models.BookLevel{{Price: 100, Quantity: 100}} // $10k
	v := NewValidator(testExecConfig(), venue)

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ReasonExecutionBlocked, res.Code)
	assert.Contains(t, res.Reason, "depth")
}

func TestValidateRejectsOversizedOrder(t *testing.T) {
	v := NewValidator(testExecConfig(), goodVenue())

	// 40% of $100k visible depth, over the 30% ceiling.
	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(40000))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "visible depth")
}

func TestValidateRejectsWideSpread(t *testing.T) {
	venue := goodVenue()
	venue.ticker = &models.Ticker{Symbol: "BTC/USD", Bid: 99, Ask: 101, Last: 100} // 2% spread
	v := NewValidator(testExecConfig(), venue)

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "spread")
}

func TestValidateFailsClosedOnProviderError(t *testing.T) {
	venue := goodVenue()
	venue.bookErr = marketdata.ErrUnavailable
	v := NewValidator(testExecConfig(), venue)

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ReasonDataUnavailable, res.Code)
}

func TestValidateFailsOpenWhenConfigured(t *testing.T) {
	venue := goodVenue()
	venue.bookErr = marketdata.ErrUnavailable
	cfg := testExecConfig()
	cfg.FailOpen = true
	v := NewValidator(cfg, venue)

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.True(t, res.OK)
}

func TestValidateRejectsUnhealthyVenue(t *testing.T) {
	venue := goodVenue()
	venue.pingErr = marketdata.ErrUnavailable
	v := NewValidator(testExecConfig(), venue)

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ReasonVenueUnhealthy, res.Code)
}

func TestHealthVerdictIsCached(t *testing.T) {
	venue := goodVenue()
	v := NewValidator(testExecConfig(), venue)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.SetClock(func() time.Time { return base })

	res := v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.True(t, res.OK)

	// Venue goes down, but the cached healthy verdict holds inside the TTL.
	venue.pingErr = marketdata.ErrUnavailable
	res = v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.True(t, res.OK)

	// Past the TTL the ping runs again and fails.
	v.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	res = v.Validate(context.Background(), "BTC/USD", models.SideBuy, decimal.NewFromInt(1000))
	assert.False(t, res.OK)
	assert.Equal(t, errors.ReasonVenueUnhealthy, res.Code)
}

func TestEstimateSlippageStepFunction(t *testing.T) {
	tests := []struct {
		ratio float64
		want  float64
	}{
		{0.01, 0.1},
		{0.049, 0.1},
		{0.05, 0.3},
		{0.149, 0.3},
		{0.15, 0.5},
		{0.299, 0.5},
		{0.30, 1.0},
		{0.9, 1.0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateSlippage(tt.ratio), "ratio %.3f", tt.ratio)
	}
}
