package models

import "time"

// RegimeState represents the committed market regime.
type RegimeState string

const (
	RegimeBullConfirmed      RegimeState = "BULL_CONFIRMED"
	RegimeTransitionBullish  RegimeState = "TRANSITION_BULLISH"
	RegimeUndefined          RegimeState = "UNDEFINED"
	RegimeTransitionBearish  RegimeState = "TRANSITION_BEARISH"
	RegimeBearConfirmed      RegimeState = "BEAR_CONFIRMED"
	RegimeCrisis             RegimeState = "CRISIS"
	RegimeUnknown            RegimeState = "UNKNOWN"
)

// RegimeMetrics holds the supporting indicator values behind a classification.
type RegimeMetrics struct {
	Price             float64
	MA50              float64
	MA200             float64
	VolPercentile     float64
	HigherHighs       bool
	LowerLows         bool
	VolumeTrend       float64
	DrawdownFromPeak  float64
	GapOpenPct        float64
	CrisisDrawdownPct float64
}

// RegimeSnapshot is an immutable view of the classifier state handed to the
// evaluation path. Superseded snapshots are only retained long enough to
// satisfy hysteresis.
type RegimeSnapshot struct {
	State          RegimeState
	RawState       RegimeState
	Confidence     float64
	RiskMultiplier float64
	Metrics        RegimeMetrics
	StreakCount    int
	LastUpdated    time.Time
}

// Blocked reports whether the committed state fully blocks new entries.
func (s RegimeSnapshot) Blocked() bool {
	return s.RiskMultiplier == 0
}
