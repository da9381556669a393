// Package marketdata defines the contract the admission core consumes for
// market data. Exchange connectivity itself lives outside this module.
package marketdata

import (
	"context"

	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/models"
)

// ErrUnavailable is returned when a provider cannot serve fresh data.
// Providers must return it rather than stale or zeroed values; every consumer
// in the core treats it as fail-closed.
var ErrUnavailable = errors.ErrUnavailable

// Provider supplies candles, tickers and order books for the core.
// Implementations must carry their own timeouts under the passed context and
// fail with ErrUnavailable (wrapped is fine) instead of degrading silently.
type Provider interface {
	FetchOHLCV(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error)
	FetchTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)

	// Ping measures venue round-trip latency for health checks.
	Ping(ctx context.Context) error
}

// OrderExecutor receives approved orders. Fill reporting flows back into the
// position ledger through the evaluation loop, not through this interface.
type OrderExecutor interface {
	Submit(ctx context.Context, order *models.SizedOrder) (*models.Fill, error)
}
