package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/models"
)

// ExitAction is what the exit policy asks the caller to do with a position.
type ExitAction string

const (
	// ExitForce instructs the caller to close the position now.
	ExitForce ExitAction = "FORCE_EXIT"
	// ExitAlert raises an alert but leaves the position open. Stop losses
	// alert rather than auto-sell so an operator stays in the loop.
	ExitAlert ExitAction = "ALERT"
)

// ExitDecision is one exit-policy verdict for an open position.
type ExitDecision struct {
	PositionID string
	Symbol     string
	Action     ExitAction
	Reason     string
}

// ExitPolicy evaluates open positions each cycle, separately from entry
// admission.
type ExitPolicy struct {
	cfg config.EngineConfig
}

// NewExitPolicy creates an exit policy from engine configuration.
func NewExitPolicy(cfg config.EngineConfig) *ExitPolicy {
	return &ExitPolicy{cfg: cfg}
}

// Check returns the verdicts for the given open positions. Rules in order per
// position, first match wins: take-profit force-exit, bullish-entry-to-crisis
// force-exit, stagnation force-exit, regime-scaled stop-loss alert.
func (x *ExitPolicy) Check(positions []models.Position, regime models.RegimeSnapshot, now time.Time) []ExitDecision {
	var out []ExitDecision
	for i := range positions {
		p := &positions[i]
		if !p.IsOpen() {
			continue
		}
		if d, ok := x.checkOne(p, regime, now); ok {
			out = append(out, d)
		}
	}
	return out
}

func (x *ExitPolicy) checkOne(p *models.Position, regime models.RegimeSnapshot, now time.Time) (ExitDecision, bool) {
	pnlPct := p.UnrealizedPnLPct()

	if pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(x.cfg.TakeProfitPct)) {
		return ExitDecision{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Action:     ExitForce,
			Reason:     fmt.Sprintf("take profit: up %s%% (target %.1f%%)", pnlPct.StringFixed(2), x.cfg.TakeProfitPct),
		}, true
	}

	if bullishEntry(p.RegimeTag) && regime.State == models.RegimeCrisis {
		return ExitDecision{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Action:     ExitForce,
			Reason:     fmt.Sprintf("opened in %s, regime now CRISIS", p.RegimeTag),
		}, true
	}

	held := now.Sub(p.EntryTime)
	stagnationAfter := time.Duration(x.cfg.StagnationHours * float64(time.Hour))
	if stagnationAfter > 0 && held > stagnationAfter &&
		pnlPct.LessThan(decimal.NewFromFloat(x.cfg.StagnationMinProfit)) {
		return ExitDecision{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Action:     ExitForce,
			Reason: fmt.Sprintf("stagnant: open %.0fh with %s%% profit (min %.1f%%)",
				held.Hours(), pnlPct.StringFixed(2), x.cfg.StagnationMinProfit),
		}, true
	}

	stop := x.stopThreshold(regime)
	if pnlPct.LessThanOrEqual(stop.Neg()) {
		return ExitDecision{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Action:     ExitAlert,
			Reason:     fmt.Sprintf("stop loss: down %s%% (threshold %s%%)", pnlPct.Neg().StringFixed(2), stop.StringFixed(2)),
		}, true
	}

	return ExitDecision{}, false
}

// stopThreshold tightens the configured stop loss in degraded regimes. The
// multiplier is clamped so a zero-multiplier regime still leaves a usable
// threshold instead of alerting on every tick.
func (x *ExitPolicy) stopThreshold(regime models.RegimeSnapshot) decimal.Decimal {
	scale := regime.RiskMultiplier
	if scale > 1 {
		scale = 1
	}
	if scale < 0.5 {
		scale = 0.5
	}
	return decimal.NewFromFloat(x.cfg.StopLossPct * scale)
}

func bullishEntry(tag models.RegimeState) bool {
	return tag == models.RegimeBullConfirmed || tag == models.RegimeTransitionBullish
}
