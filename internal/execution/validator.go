// Package execution estimates fill feasibility for a candidate order from
// live order-book and ticker data.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
)

// Result is the outcome of an execution feasibility check.
type Result struct {
	OK                bool
	Code              errors.ReasonCode
	Reason            string
	EstimatedSlippage float64 // percent
	DepthUSD          float64
	SpreadPct         float64
}

// Validator checks venue health, depth, order-size-to-depth ratio and spread
// in order, short-circuiting on the first failure. Provider errors fail
// closed unless fail_open is configured.
type Validator struct {
	cfg      config.ExecutionConfig
	provider marketdata.Provider

	mu            sync.Mutex
	healthOK      bool
	healthChecked time.Time

	now func() time.Time
}

// NewValidator creates a validator.
func NewValidator(cfg config.ExecutionConfig, provider marketdata.Provider) *Validator {
	return &Validator{
		cfg:      cfg,
		provider: provider,
		now:      time.Now,
	}
}

// SetClock overrides the validator clock, for tests.
func (v *Validator) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// Validate runs the ordered feasibility checks for a proposed notional.
func (v *Validator) Validate(ctx context.Context, symbol string, side models.Side, notionalUSD decimal.Decimal) Result {
	// 1. Venue API health, cached.
	if ok, latency := v.checkHealth(ctx); !ok {
		return v.failClosed(errors.ReasonVenueUnhealthy,
			fmt.Sprintf("venue API unhealthy (latency %s, ceiling %s)", latency, v.cfg.MaxAPILatency))
	}

	book, err := v.provider.FetchOrderBook(ctx, symbol, 50)
	if err != nil {
		return v.failClosed(errors.ReasonDataUnavailable, fmt.Sprintf("order book unavailable for %s: %v", symbol, err))
	}

	// 2. Minimum visible depth on the relevant side.
	depth := book.DepthUSD(side)
	if depth < v.cfg.MinDepthUSD {
		return Result{
			Code:     errors.ReasonExecutionBlocked,
			Reason:   fmt.Sprintf("depth $%.0f below minimum $%.0f", depth, v.cfg.MinDepthUSD),
			DepthUSD: depth,
		}
	}

	// 3. Order size as a fraction of visible depth.
	notional, _ := notionalUSD.Float64()
	ratio := notional / depth
	if ratio > v.cfg.MaxDepthFraction {
		return Result{
			Code:     errors.ReasonExecutionBlocked,
			Reason:   fmt.Sprintf("order is %.1f%% of visible depth (max %.0f%%)", ratio*100, v.cfg.MaxDepthFraction*100),
			DepthUSD: depth,
		}
	}

	// 4. Bid/ask spread.
	ticker, err := v.provider.FetchTicker(ctx, symbol)
	if err != nil {
		return v.failClosed(errors.ReasonDataUnavailable, fmt.Sprintf("ticker unavailable for %s: %v", symbol, err))
	}
	spreadPct := ticker.Spread() * 100
	if spreadPct > v.cfg.MaxSpreadPct {
		return Result{
			Code:      errors.ReasonExecutionBlocked,
			Reason:    fmt.Sprintf("spread %.3f%% above ceiling %.3f%%", spreadPct, v.cfg.MaxSpreadPct),
			DepthUSD:  depth,
			SpreadPct: spreadPct,
		}
	}

	slippage := EstimateSlippage(ratio)
	if slippage > v.cfg.MaxSlippagePct {
		return Result{
			Code:              errors.ReasonExecutionBlocked,
			Reason:            fmt.Sprintf("estimated slippage %.2f%% above ceiling %.2f%%", slippage, v.cfg.MaxSlippagePct),
			EstimatedSlippage: slippage,
			DepthUSD:          depth,
			SpreadPct:         spreadPct,
		}
	}

	return Result{
		OK:                true,
		EstimatedSlippage: slippage,
		DepthUSD:          depth,
		SpreadPct:         spreadPct,
	}
}

// checkHealth pings the venue with the configured latency ceiling, caching
// the verdict for the configured TTL.
func (v *Validator) checkHealth(ctx context.Context) (bool, time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.healthChecked.IsZero() && v.now().Sub(v.healthChecked) < v.cfg.HealthCacheTTL {
		return v.healthOK, 0
	}

	pingCtx, cancel := context.WithTimeout(ctx, v.cfg.MaxAPILatency)
	defer cancel()

	start := v.now()
	err := v.provider.Ping(pingCtx)
	latency := v.now().Sub(start)

	v.healthChecked = v.now()
	v.healthOK = err == nil && latency <= v.cfg.MaxAPILatency
	return v.healthOK, latency
}

func (v *Validator) failClosed(code errors.ReasonCode, reason string) Result {
	if v.cfg.FailOpen {
		return Result{OK: true}
	}
	return Result{Code: code, Reason: reason}
}

// EstimateSlippage returns estimated slippage percent as a step function of
// the order-size-to-depth ratio.
func EstimateSlippage(ratio float64) float64 {
	switch {
	case ratio < 0.05:
		return 0.1
	case ratio < 0.15:
		return 0.3
	case ratio < 0.30:
		return 0.5
	default:
		return 1.0
	}
}
