// Package correlation maintains a rolling correlation matrix across held and
// candidate instruments and blocks over-concentrated entries.
package correlation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/pkg/utils"
)

// Matrix is a symmetric (symbol, symbol) -> Pearson correlation mapping.
type Matrix struct {
	values      map[pairKey]float64
	symbols     map[string]bool
	lastUpdated time.Time
}

type pairKey struct {
	a, b string
}

func orderedKey(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Correlation returns the correlation between two symbols and whether it is
// known.
func (m *Matrix) Correlation(a, b string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	if a == b {
		return 1, m.symbols[a]
	}
	v, ok := m.values[orderedKey(a, b)]
	return v, ok
}

// Has reports whether the matrix holds any data for the symbol.
func (m *Matrix) Has(symbol string) bool {
	return m != nil && m.symbols[symbol]
}

// Guard owns the TTL-cached matrix. The evaluation path reads an immutable
// matrix pointer; rebuilds swap the pointer under a short-held lock.
type Guard struct {
	cfg      config.CorrelationConfig
	provider marketdata.Provider
	logger   zerolog.Logger

	mu     sync.RWMutex
	matrix *Matrix

	// rebuildCh carries out-of-band rebuild requests from the hot path,
	// dropped when one is already pending.
	rebuildCh chan struct{}

	now func() time.Time
}

// NewGuard creates a guard with an empty matrix.
func NewGuard(cfg config.CorrelationConfig, provider marketdata.Provider, logger zerolog.Logger) *Guard {
	return &Guard{
		cfg:       cfg,
		provider:  provider,
		logger:    logger.With().Str("component", "correlation").Logger(),
		rebuildCh: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// SetClock overrides the guard clock, for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// SetMatrix swaps in a prebuilt matrix, for tests.
func (g *Guard) SetMatrix(values map[string]map[string]float64, at time.Time) {
	m := &Matrix{
		values:      make(map[pairKey]float64),
		symbols:     make(map[string]bool),
		lastUpdated: at,
	}
	for a, row := range values {
		m.symbols[a] = true
		for b, v := range row {
			m.symbols[b] = true
			m.values[orderedKey(a, b)] = v
		}
	}
	g.mu.Lock()
	g.matrix = m
	g.mu.Unlock()
}

// LastUpdated returns the matrix build time, zero when never built.
func (g *Guard) LastUpdated() time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.matrix == nil {
		return time.Time{}
	}
	return g.matrix.lastUpdated
}

// ShouldBlock counts held symbols whose |correlation| with the candidate
// exceeds the threshold and blocks when that count reaches maxAllowed.
//
// Missing candidate data must never be treated as infinite risk: with
// fail_open set the guard allows the trade and requests an out-of-band
// rebuild instead of blocking indefinitely.
func (g *Guard) ShouldBlock(candidate string, held []string, maxAllowed int) (bool, string) {
	g.mu.RLock()
	matrix := g.matrix
	g.mu.RUnlock()

	if !matrix.Has(candidate) {
		g.RequestRebuild()
		if g.cfg.FailOpen {
			return false, ""
		}
		return true, fmt.Sprintf("no correlation data for %s", candidate)
	}

	correlated := 0
	for _, h := range held {
		if h == candidate {
			continue
		}
		if corr, ok := matrix.Correlation(candidate, h); ok && math.Abs(corr) > g.cfg.Threshold {
			correlated++
		}
	}

	// maxAllowed is the tolerated count of correlated holdings; zero means
	// any correlated overlap blocks.
	if correlated > 0 && correlated >= maxAllowed {
		return true, fmt.Sprintf("%s correlated above %.2f with %d held positions (max %d)",
			candidate, g.cfg.Threshold, correlated, maxAllowed)
	}
	return false, ""
}

// RequestRebuild queues an out-of-band matrix rebuild. Non-blocking.
func (g *Guard) RequestRebuild() {
	select {
	case g.rebuildCh <- struct{}{}:
	default:
	}
}

// NeedsRefresh reports whether the TTL has expired.
func (g *Guard) NeedsRefresh() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.matrix == nil {
		return true
	}
	return g.now().Sub(g.matrix.lastUpdated) >= g.cfg.TTL
}

// Rebuild recomputes the matrix from daily returns for the given symbols.
// Symbols whose history cannot be fetched are skipped rather than failing
// the whole build.
func (g *Guard) Rebuild(ctx context.Context, symbols []string) error {
	retryCfg := utils.DefaultRetryConfig()
	returns := make(map[string][]float64, len(symbols))
	for _, sym := range symbols {
		candles, err := utils.RetryWithResult(ctx, retryCfg, func() ([]models.Candle, error) {
			return g.provider.FetchOHLCV(ctx, sym, models.Timeframe1d, g.cfg.WindowDays+1)
		})
		if err != nil {
			g.logger.Warn().Err(err).Str("symbol", sym).Msg("Skipping symbol in correlation rebuild")
			continue
		}
		r := dailyReturns(candles)
		if len(r) >= 2 {
			returns[sym] = r
		}
	}

	if len(returns) == 0 {
		return fmt.Errorf("correlation rebuild: no usable history for %d symbols", len(symbols))
	}

	m := &Matrix{
		values:      make(map[pairKey]float64),
		symbols:     make(map[string]bool, len(returns)),
		lastUpdated: g.now(),
	}
	for sym := range returns {
		m.symbols[sym] = true
	}
	for a, ra := range returns {
		for b, rb := range returns {
			if a >= b {
				continue
			}
			m.values[orderedKey(a, b)] = Pearson(ra, rb)
		}
	}

	g.mu.Lock()
	g.matrix = m
	g.mu.Unlock()

	g.logger.Info().Int("symbols", len(returns)).Msg("Correlation matrix rebuilt")
	return nil
}

// Run refreshes the matrix on TTL expiry and on explicit rebuild requests.
// Off the hot path; exits when ctx is cancelled.
func (g *Guard) Run(ctx context.Context, symbols func() []string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.rebuildCh:
		case <-ticker.C:
			if !g.NeedsRefresh() {
				continue
			}
		}

		buildCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := g.Rebuild(buildCtx, symbols()); err != nil {
			g.logger.Warn().Err(err).Msg("Correlation rebuild failed")
		}
		cancel()
	}
}

// dailyReturns converts a candle series into simple close-to-close returns.
func dailyReturns(candles []models.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev > 0 {
			out = append(out, (candles[i].Close-prev)/prev)
		}
	}
	return out
}

// Pearson computes the Pearson correlation coefficient of two equal-length
// series. Trailing elements of the longer series are ignored.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	if n < 2 {
		return 0
	}
	x, y = x[len(x)-n:], y[len(y)-n:]

	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
