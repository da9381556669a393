// Package regime classifies the market state of a reference instrument and
// applies hysteresis before committing transitions.
package regime

import (
	"math"
	"sort"
	"sync"
	"time"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/models"
)

// MinCandles is the minimum history the classifier needs. Below this it
// reports RegimeUnknown with a zero risk multiplier, which blocks trading
// until enough history accumulates.
const MinCandles = 200

const (
	maShort       = 50
	maLong        = 200
	volWindow     = 90
	structWindow  = 30
	drawdownPeak  = 30
	undefinedBand = 0.02 // price within 2% of MA200
)

// Classifier derives a discrete market state from price history. It owns its
// cache; consumers read immutable snapshots via Current.
type Classifier struct {
	mu  sync.RWMutex
	cfg config.RegimeConfig

	committed   models.RegimeState
	rawStreak   models.RegimeState
	streakCount int
	snapshot    models.RegimeSnapshot
}

// NewClassifier creates a classifier with no committed state.
func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{
		cfg:       cfg,
		committed: models.RegimeUnknown,
		snapshot: models.RegimeSnapshot{
			State:    models.RegimeUnknown,
			RawState: models.RegimeUnknown,
		},
	}
}

// Current returns the latest committed snapshot.
func (c *Classifier) Current() models.RegimeSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Refresh recomputes the classification from candles and applies hysteresis.
// It returns the new snapshot and whether the committed state changed.
// Candles must be time-ordered ascending.
func (c *Classifier) Refresh(now time.Time, candles []models.Candle) (models.RegimeSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(candles) < MinCandles {
		c.snapshot = models.RegimeSnapshot{
			State:       models.RegimeUnknown,
			RawState:    models.RegimeUnknown,
			LastUpdated: now,
		}
		return c.snapshot, false
	}

	metrics := computeMetrics(candles)
	raw, confidence := classify(metrics)

	// Crisis bypasses hysteresis on the way in. Exiting crisis still
	// requires the full streak: a false all-clear is worse than resuming
	// trading late.
	crisis := c.isCrisis(metrics)
	if crisis {
		raw = models.RegimeCrisis
		confidence = 1.0
	}

	changed := false
	if raw == c.rawStreak {
		c.streakCount++
	} else {
		c.rawStreak = raw
		c.streakCount = 1
	}

	switch {
	case crisis && c.committed != models.RegimeCrisis:
		c.committed = models.RegimeCrisis
		c.streakCount = 1
		changed = true
	case raw != c.committed && c.streakCount >= c.cfg.HysteresisCycles:
		c.committed = raw
		changed = true
	}

	c.snapshot = models.RegimeSnapshot{
		State:          c.committed,
		RawState:       raw,
		Confidence:     confidence,
		RiskMultiplier: c.multiplierFor(c.committed),
		Metrics:        metrics,
		StreakCount:    c.streakCount,
		LastUpdated:    now,
	}
	return c.snapshot, changed
}

func (c *Classifier) isCrisis(m models.RegimeMetrics) bool {
	if m.CrisisDrawdownPct < c.cfg.CrisisDrawdownPct {
		return true
	}
	if m.VolPercentile > c.cfg.CrisisVolPercentile {
		return true
	}
	if math.Abs(m.GapOpenPct) > c.cfg.CrisisGapPct {
		return true
	}
	return false
}

func (c *Classifier) multiplierFor(state models.RegimeState) float64 {
	if m, ok := c.cfg.Multipliers[string(state)]; ok {
		return m
	}
	return 0
}

// classify applies the ordered non-crisis rules.
func classify(m models.RegimeMetrics) (models.RegimeState, float64) {
	aboveMA200 := m.Price > m.MA200
	maBullish := m.MA50 > m.MA200

	switch {
	case aboveMA200 && maBullish && m.HigherHighs && m.VolPercentile < 70:
		return models.RegimeBullConfirmed, 0.9
	case !aboveMA200 && !maBullish && m.LowerLows:
		return models.RegimeBearConfirmed, 0.9
	// Deterioration outranks recovery: above the long average with a bearish
	// MA cross and no new highs is a stalling market, not a recovering one.
	case aboveMA200 && !maBullish && !m.HigherHighs:
		return models.RegimeTransitionBearish, 0.6
	case aboveMA200 && (!maBullish || m.VolPercentile > 80):
		return models.RegimeTransitionBullish, 0.6
	case m.MA200 > 0 && math.Abs(m.Price-m.MA200)/m.MA200 <= undefinedBand:
		return models.RegimeUndefined, 0.7
	default:
		return models.RegimeUndefined, 0.3
	}
}

func computeMetrics(candles []models.Candle) models.RegimeMetrics {
	n := len(candles)
	last := candles[n-1]

	m := models.RegimeMetrics{
		Price: last.Close,
		MA50:  sma(candles, maShort),
		MA200: sma(candles, maLong),
	}

	m.VolPercentile = volatilityPercentile(candles, volWindow)
	m.HigherHighs, m.LowerLows = structureBreaks(candles, structWindow)
	m.VolumeTrend = volumeTrend(candles, structWindow)
	m.DrawdownFromPeak = drawdownFrom(candles, drawdownPeak)
	m.CrisisDrawdownPct = drawdownFrom(candles, 2)

	if n >= 2 {
		prevClose := candles[n-2].Close
		if prevClose > 0 {
			m.GapOpenPct = (last.Open - prevClose) / prevClose * 100
		}
	}

	return m
}

// sma returns the simple moving average of close over the last window candles.
func sma(candles []models.Candle, window int) float64 {
	n := len(candles)
	if n < window || window == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles[n-window:] {
		sum += c.Close
	}
	return sum / float64(window)
}

// volatilityPercentile ranks the most recent absolute return against the
// rolling window of absolute returns, in [0, 100].
func volatilityPercentile(candles []models.Candle, window int) float64 {
	n := len(candles)
	if n < window+1 {
		return 0
	}

	returns := make([]float64, 0, window)
	for i := n - window; i < n; i++ {
		prev := candles[i-1].Close
		if prev > 0 {
			returns = append(returns, math.Abs((candles[i].Close-prev)/prev))
		}
	}
	if len(returns) == 0 {
		return 0
	}

	current := returns[len(returns)-1]
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	rank := sort.SearchFloat64s(sorted, current)
	return float64(rank) / float64(len(sorted)) * 100
}

// structureBreaks compares the last window candles against the window before:
// higher highs means the recent high exceeds the prior high, lower lows the
// inverse on lows.
func structureBreaks(candles []models.Candle, window int) (higherHighs, lowerLows bool) {
	n := len(candles)
	if n < 2*window {
		return false, false
	}

	prevHigh, prevLow := extremes(candles[n-2*window : n-window])
	curHigh, curLow := extremes(candles[n-window:])

	return curHigh > prevHigh, curLow < prevLow
}

func extremes(candles []models.Candle) (high, low float64) {
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low
}

// volumeTrend returns the ratio of recent to prior average volume minus 1.
func volumeTrend(candles []models.Candle, window int) float64 {
	n := len(candles)
	if n < 2*window {
		return 0
	}

	var recent, prior float64
	for _, c := range candles[n-window:] {
		recent += c.Volume
	}
	for _, c := range candles[n-2*window : n-window] {
		prior += c.Volume
	}
	if prior == 0 {
		return 0
	}
	return recent/prior - 1
}

// drawdownFrom returns the percentage drop of the latest close from the peak
// high over the last window candles. Zero or negative values; -15 means a
// 15% drop.
func drawdownFrom(candles []models.Candle, window int) float64 {
	n := len(candles)
	if n < window || window == 0 {
		return 0
	}

	peak := math.Inf(-1)
	for _, c := range candles[n-window:] {
		if c.High > peak {
			peak = c.High
		}
	}
	if peak <= 0 {
		return 0
	}

	dd := (candles[n-1].Close - peak) / peak * 100
	if dd > 0 {
		return 0
	}
	return dd
}
