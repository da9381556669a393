// Package policy implements the master admission gate. Every candidate trade
// passes through an ordered sequence of risk checks; the first failing check
// rejects with a typed reason, and survivors are sized before approval.
package policy

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/correlation"
	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/execution"
	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/internal/resilience"
	"crypto-sentinel/internal/store"
)

// Decision is the outcome of one evaluation. Rejections are expected,
// non-exceptional results; callers log them and move to the next candidate.
type Decision struct {
	Approved bool
	Order    *models.SizedOrder
	Code     errors.ReasonCode
	Reason   string
}

// EquitySource reports current total portfolio value.
type EquitySource interface {
	Equity() decimal.Decimal
}

// AuditStore persists decisions and serves the equity time series for the
// drawdown-velocity gate.
type AuditStore interface {
	SaveDecision(ctx context.Context, d store.DecisionRecord) error
	SnapshotAtOrBefore(ctx context.Context, t time.Time) (*models.PortfolioSnapshot, error)
}

const (
	drawdownLookback         = 7 * 24 * time.Hour
	drawdownFallbackLookback = 24 * time.Hour
	drawdownHaltPct          = -10.0
)

// Engine composes the breaker, correlation guard, execution validator and
// position ledger into a single sequential gate.
type Engine struct {
	cfg       *config.Config
	tier      config.TierConfig
	breaker   *resilience.CircuitBreaker
	guard     *correlation.Guard
	validator *execution.Validator
	book      *ledger.Ledger
	portfolio EquitySource
	audit     AuditStore
	logger    zerolog.Logger

	mu             sync.Mutex
	dayStart       time.Time
	dayStartEquity decimal.Decimal
	lossStreak     int
	cooldownUntil  time.Time

	now func() time.Time
}

// NewEngine creates an engine for the configured active tier.
func NewEngine(
	cfg *config.Config,
	breaker *resilience.CircuitBreaker,
	guard *correlation.Guard,
	validator *execution.Validator,
	book *ledger.Ledger,
	portfolio EquitySource,
	audit AuditStore,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		tier:      cfg.ActiveTier(),
		breaker:   breaker,
		guard:     guard,
		validator: validator,
		book:      book,
		portfolio: portfolio,
		audit:     audit,
		logger:    logger.With().Str("component", "policy").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the engine clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Evaluate runs the full gate sequence for one candidate trade, returning the
// first failing reason or an approved, sized order. Evaluation is synchronous
// and reads only snapshots; given unchanged state, the same request yields the
// same decision.
func (e *Engine) Evaluate(ctx context.Context, req models.TradeRequest, regime models.RegimeSnapshot) Decision {
	d := e.evaluate(ctx, req, regime)
	e.record(ctx, req, d)

	if d.Approved {
		e.logger.Info().Str("symbol", req.Symbol).Str("strategy", req.StrategyID).
			Str("approved_usd", d.Order.NotionalUSD.String()).Msg("Trade approved")
	} else {
		e.logger.Info().Str("symbol", req.Symbol).Str("strategy", req.StrategyID).
			Str("code", string(d.Code)).Str("reason", d.Reason).Msg("Trade rejected")
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, req models.TradeRequest, regime models.RegimeSnapshot) Decision {
	e.mu.Lock()
	now := e.now()
	e.rollDayLocked(now)
	dayStartEquity := e.dayStartEquity
	cooldownUntil := e.cooldownUntil
	e.mu.Unlock()

	equity := e.portfolio.Equity()

	// 1. Circuit breaker.
	if !e.breaker.CanTrade(ctx) {
		return reject(errors.ReasonCircuitOpen, "circuit breaker open")
	}

	// 2. Loss-streak cooldown.
	if now.Before(cooldownUntil) {
		return reject(errors.ReasonLossCooldown,
			fmt.Sprintf("loss-streak cooldown active until %s", cooldownUntil.Format(time.RFC3339)))
	}

	// 3. Daily realized loss versus day-start portfolio value.
	if dayStartEquity.IsPositive() {
		realized := e.book.RealizedPnLSince(e.dayStartTime(now))
		if realized.IsNegative() {
			lossPct := realized.Neg().Div(dayStartEquity).Mul(decimal.NewFromInt(100))
			limit := decimal.NewFromFloat(e.tier.MaxDailyLossPct)
			if lossPct.GreaterThan(limit) {
				return reject(errors.ReasonDailyLossLimitHit,
					fmt.Sprintf("daily realized loss %s%% exceeds limit %.1f%%",
						lossPct.StringFixed(2), e.tier.MaxDailyLossPct))
			}
		}
	}

	// 4. Position size ceiling.
	if equity.IsPositive() {
		sizePct := req.NotionalUSD.Div(equity).Mul(decimal.NewFromInt(100))
		if sizePct.GreaterThan(decimal.NewFromFloat(e.tier.MaxPositionPct)) {
			return reject(errors.ReasonPositionTooLarge,
				fmt.Sprintf("proposed size %s%% of portfolio exceeds max %.1f%%",
					sizePct.StringFixed(2), e.tier.MaxPositionPct))
		}
	}

	// 5. Concurrent position count.
	if open := e.book.OpenCount(ledger.Filter{}); open >= e.tier.MaxConcurrentPositions {
		return reject(errors.ReasonTooManyPositions,
			fmt.Sprintf("%d open positions at tier limit %d", open, e.tier.MaxConcurrentPositions))
	}

	// 6. Correlation concentration.
	if blocked, reason := e.guard.ShouldBlock(req.Symbol, e.book.HeldSymbols(), e.tier.MaxCorrelatedPositions); blocked {
		return reject(errors.ReasonCorrelationBlocked, reason)
	}

	// 7. Portfolio heat including the proposed notional.
	if equity.IsPositive() {
		heat := e.book.TotalExposureUSD(ledger.Filter{}).Add(req.NotionalUSD).
			Div(equity).Mul(decimal.NewFromInt(100))
		if heat.GreaterThan(decimal.NewFromFloat(e.tier.PortfolioHeatPct)) {
			return reject(errors.ReasonPortfolioHeat,
				fmt.Sprintf("portfolio heat %s%% would exceed ceiling %.1f%%",
					heat.StringFixed(2), e.tier.PortfolioHeatPct))
		}
	}

	// 8. Sector concentration.
	if equity.IsPositive() {
		sector := e.cfg.SectorFor(req.Symbol)
		sectorExposure := e.sectorExposure(sector).Add(req.NotionalUSD).
			Div(equity).Mul(decimal.NewFromInt(100))
		if sectorExposure.GreaterThan(decimal.NewFromFloat(e.tier.SectorCeilingPct)) {
			return reject(errors.ReasonSectorCeiling,
				fmt.Sprintf("sector %s exposure %s%% would exceed ceiling %.1f%%",
					sector, sectorExposure.StringFixed(2), e.tier.SectorCeilingPct))
		}
	}

	// 9. Drawdown velocity over the lookback window.
	if code, reason, hit := e.drawdownVelocity(ctx, now, equity); hit {
		return reject(code, reason)
	}

	// 10. Execution feasibility.
	if res := e.validator.Validate(ctx, req.Symbol, req.Side, req.NotionalUSD); !res.OK {
		return reject(res.Code, res.Reason)
	}

	return e.size(req, regime, equity, now)
}

// size computes the final order size from the tier base size and the three
// scalars, capped at the requested notional.
func (e *Engine) size(req models.TradeRequest, regime models.RegimeSnapshot, equity decimal.Decimal, now time.Time) Decision {
	base := equity.Mul(decimal.NewFromFloat(e.tier.BaseSizePct)).Div(decimal.NewFromInt(100))

	confScalar := 1.0
	if req.Confidence >= 0 {
		switch {
		case req.Confidence >= e.cfg.Engine.HighConfidenceScore:
			confScalar = 1.0
		case req.Confidence >= e.cfg.Engine.MidConfidenceScore:
			confScalar = 0.75
		default:
			confScalar = 0.5
		}
	}

	volScalar := 1.0
	if regime.Metrics.VolPercentile > e.cfg.Engine.VolScalarPercentile {
		volScalar = 0.5
	}

	notional := base.
		Mul(decimal.NewFromFloat(confScalar)).
		Mul(decimal.NewFromFloat(volScalar)).
		Mul(decimal.NewFromFloat(regime.RiskMultiplier))

	if notional.GreaterThan(req.NotionalUSD) {
		notional = req.NotionalUSD
	}
	notional = notional.Round(2)

	if !notional.IsPositive() {
		return reject(errors.ReasonSizeRoundedToZero,
			fmt.Sprintf("size rounded to zero (regime %s, multiplier %.2f)", regime.State, regime.RiskMultiplier))
	}

	order := &models.SizedOrder{
		Symbol:      req.Symbol,
		Side:        req.Side,
		NotionalUSD: notional,
		StrategyID:  req.StrategyID,
		LimitPrice:  req.ReferencePrice,
		RegimeTag:   regime.State,
		CreatedAt:   now,
	}
	if req.ReferencePrice.IsPositive() {
		order.Quantity = notional.Div(req.ReferencePrice)
	}
	return Decision{Approved: true, Order: order}
}

// drawdownVelocity compares current equity against a snapshot roughly a week
// old, falling back to a day-old snapshot when the series is younger than
// that. No snapshot at all means no history to judge, so the gate passes.
func (e *Engine) drawdownVelocity(ctx context.Context, now time.Time, equity decimal.Decimal) (errors.ReasonCode, string, bool) {
	if e.audit == nil || !equity.IsPositive() {
		return "", "", false
	}

	snap, err := e.audit.SnapshotAtOrBefore(ctx, now.Add(-drawdownLookback))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Snapshot lookup failed, skipping drawdown-velocity gate")
		return "", "", false
	}
	if snap == nil {
		snap, err = e.audit.SnapshotAtOrBefore(ctx, now.Add(-drawdownFallbackLookback))
		if err != nil || snap == nil {
			return "", "", false
		}
	}
	if !snap.TotalEquity.IsPositive() {
		return "", "", false
	}

	changePct := equity.Sub(snap.TotalEquity).Div(snap.TotalEquity).Mul(decimal.NewFromInt(100))
	if changePct.LessThanOrEqual(decimal.NewFromFloat(drawdownHaltPct)) {
		return errors.ReasonDrawdownVelocity,
			fmt.Sprintf("portfolio down %s%% since %s", changePct.Neg().StringFixed(2),
				snap.Timestamp.Format(time.RFC3339)), true
	}
	return "", "", false
}

func (e *Engine) sectorExposure(sector string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range e.book.OpenPositions(ledger.Filter{}) {
		if e.cfg.SectorFor(p.Symbol) == sector {
			total = total.Add(p.CostBasis)
		}
	}
	return total
}

// RecordResult feeds a realized close back into the loss-streak tracker. A
// streak at the tier threshold starts the cooldown; any win resets it.
func (e *Engine) RecordResult(res models.RealizedResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !res.IsLoss() {
		e.lossStreak = 0
		return
	}

	e.lossStreak++
	if e.lossStreak >= e.tier.LossStreakThreshold {
		e.cooldownUntil = e.now().Add(time.Duration(e.tier.CooldownMinutes) * time.Minute)
		e.logger.Warn().Int("streak", e.lossStreak).Time("until", e.cooldownUntil).
			Msg("Loss streak cooldown started")
	}
}

// LossStreak returns the current consecutive-loss count.
func (e *Engine) LossStreak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lossStreak
}

// CooldownUntil returns the end of the active cooldown, zero when none.
func (e *Engine) CooldownUntil() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldownUntil
}

// rollDayLocked captures the day-start portfolio value on the first
// evaluation of each UTC day.
func (e *Engine) rollDayLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Equal(e.dayStart) {
		return
	}
	e.dayStart = day
	e.dayStartEquity = e.portfolio.Equity()
}

func (e *Engine) dayStartTime(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// record writes the decision to the audit trail. Audit failures are logged
// and do not change the decision.
func (e *Engine) record(ctx context.Context, req models.TradeRequest, d Decision) {
	if e.audit == nil {
		return
	}

	now := e.now()
	rec := store.DecisionRecord{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Timestamp:    now,
		Symbol:       req.Symbol,
		StrategyID:   req.StrategyID,
		Side:         req.Side,
		RequestedUSD: req.NotionalUSD,
		Approved:     d.Approved,
		ReasonCode:   string(d.Code),
		Reason:       d.Reason,
	}
	if d.Approved {
		rec.ApprovedUSD = d.Order.NotionalUSD
	} else {
		rec.ApprovedUSD = decimal.Zero
	}

	if err := e.audit.SaveDecision(ctx, rec); err != nil {
		e.logger.Warn().Err(err).Str("symbol", req.Symbol).Msg("Failed to persist decision")
	}
}

func reject(code errors.ReasonCode, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}
