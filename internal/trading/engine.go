// Package trading runs the evaluation loop: one logical pass per polling
// tick that marks positions, refreshes the regime, applies exit policy and
// admits candidate trades through the risk gates.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/correlation"
	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/logging"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/internal/notify"
	"crypto-sentinel/internal/policy"
	"crypto-sentinel/internal/regime"
	"crypto-sentinel/internal/resilience"
	"crypto-sentinel/internal/store"
)

// RequestSource supplies the candidate trades for one polling tick. The
// strategy layer producing signals lives outside this core.
type RequestSource interface {
	Pending(ctx context.Context) ([]models.TradeRequest, error)
}

// SnapshotStore persists the equity time series.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap models.PortfolioSnapshot) error
}

// largeLossAlertPct is the realized single-trade loss that raises an alert.
const largeLossAlertPct = 5.0

// shutdownJoinTimeout bounds how long Stop waits for background tasks.
const shutdownJoinTimeout = 10 * time.Second

// Engine wires the admission pipeline together and drives it on the poll
// interval. All evaluation runs on one goroutine, which serializes ledger
// writes per (symbol, strategy) by construction; the heartbeat and
// correlation refresher run as independent background tasks that only touch
// their own snapshot-guarded state.
type Engine struct {
	cfg       *config.Config
	provider  marketdata.Provider
	executor  marketdata.OrderExecutor
	source    RequestSource
	book      *ledger.Ledger
	breaker   *resilience.CircuitBreaker
	health    *resilience.HealthMonitor
	regimes   *regime.Classifier
	guard     *correlation.Guard
	gate      *policy.Engine
	exits     *policy.ExitPolicy
	snapshots SnapshotStore
	sink      notify.Sink
	logger    zerolog.Logger

	portfolio *Portfolio

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// Deps carries everything the engine composes.
type Deps struct {
	Config    *config.Config
	Provider  marketdata.Provider
	Executor  marketdata.OrderExecutor
	Source    RequestSource
	Ledger    *ledger.Ledger
	Breaker   *resilience.CircuitBreaker
	Health    *resilience.HealthMonitor
	Regimes   *regime.Classifier
	Guard     *correlation.Guard
	Gate      *policy.Engine
	Exits     *policy.ExitPolicy
	Portfolio *Portfolio
	Snapshots SnapshotStore
	Sink      notify.Sink
	Logger    zerolog.Logger
}

// NewEngine creates an engine from its dependencies.
func NewEngine(d Deps) *Engine {
	return &Engine{
		cfg:       d.Config,
		provider:  d.Provider,
		executor:  d.Executor,
		source:    d.Source,
		book:      d.Ledger,
		breaker:   d.Breaker,
		health:    d.Health,
		regimes:   d.Regimes,
		guard:     d.Guard,
		gate:      d.Gate,
		exits:     d.Exits,
		portfolio: d.Portfolio,
		snapshots: d.Snapshots,
		sink:      d.Sink,
		logger:    d.Logger.With().Str("component", "engine").Logger(),
		now:       time.Now,
	}
}

// Run starts the background tasks and drives the evaluation loop until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.health.Heartbeat(ctx, e.provider)
	}()
	go func() {
		defer e.wg.Done()
		e.guard.Run(ctx, e.watchedSymbols)
	}()

	interval := e.cfg.Engine.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Str("tier", e.cfg.Engine.Tier).Msg("Evaluation loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop cancels the loop and joins background tasks with a bounded timeout.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		e.logger.Warn().Msg("Background tasks did not stop within join timeout")
	}
}

// tick is one full evaluation pass.
func (e *Engine) tick(ctx context.Context) {
	now := e.now()

	e.markPositions(ctx)
	snap := e.refreshRegime(ctx, now)
	e.applyExits(ctx, snap, now)
	e.evaluateCandidates(ctx, snap)
	e.saveSnapshot(ctx, now)
}

// markPositions refreshes the mark price of every held symbol. A fetch
// failure leaves the previous mark in place and feeds the health monitor.
func (e *Engine) markPositions(ctx context.Context) {
	for _, symbol := range e.book.HeldSymbols() {
		ticker, err := e.provider.FetchTicker(ctx, symbol)
		if err != nil {
			e.health.RecordFailure()
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Mark-to-market fetch failed")
			continue
		}
		e.health.RecordPriceUpdate()
		e.book.MarkToMarket(symbol, decimal.NewFromFloat(ticker.Last))
	}
}

// refreshRegime recomputes the classification from the reference instrument.
// A failed fetch keeps the previous committed snapshot.
func (e *Engine) refreshRegime(ctx context.Context, now time.Time) models.RegimeSnapshot {
	candles, err := e.provider.FetchOHLCV(ctx, e.cfg.Engine.ReferenceSymbol, models.Timeframe1d, regime.MinCandles+50)
	if err != nil {
		e.health.RecordFailure()
		e.logger.Warn().Err(err).Msg("Regime history fetch failed, keeping committed state")
		return e.regimes.Current()
	}
	e.health.RecordPriceUpdate()

	prev := e.regimes.Current().State
	snap, changed := e.regimes.Refresh(now, candles)
	if changed {
		logging.LogRegimeChange(e.logger, string(prev), string(snap.State), snap.Confidence)
		e.sink.Publish(notify.Event{
			Type:    notify.EventRegimeChange,
			Message: "Market regime changed",
			Data: map[string]interface{}{
				"from":       string(prev),
				"to":         string(snap.State),
				"multiplier": snap.RiskMultiplier,
			},
		})
	}
	return snap
}

// applyExits runs the exit policy over open positions. Force exits submit a
// closing order; stop-loss verdicts only alert.
func (e *Engine) applyExits(ctx context.Context, snap models.RegimeSnapshot, now time.Time) {
	for _, d := range e.exits.Check(e.book.OpenPositions(ledger.Filter{}), snap, now) {
		if d.Action == policy.ExitAlert {
			e.sink.Publish(notify.Event{
				Type:    notify.EventStopLossAlert,
				Symbol:  d.Symbol,
				Message: d.Reason,
			})
			continue
		}
		e.forceExit(ctx, d)
	}
}

func (e *Engine) forceExit(ctx context.Context, d policy.ExitDecision) {
	pos, ok := e.book.Get(d.PositionID)
	if !ok || !pos.IsOpen() {
		// Expected under races with external closure; not an error.
		return
	}

	order := &models.SizedOrder{
		Symbol:      pos.Symbol,
		Side:        models.SideSell,
		NotionalUSD: pos.MarkPrice.Mul(pos.Quantity),
		Quantity:    pos.Quantity,
		StrategyID:  pos.StrategyID,
		CreatedAt:   e.now(),
	}

	fill, err := e.executor.Submit(ctx, order)
	if err != nil {
		e.breaker.RecordFailure(ctx)
		e.logger.Error().Err(err).Str("position", d.PositionID).Msg("Forced exit submit failed")
		return
	}
	e.breaker.RecordSuccess(ctx)

	res, err := e.book.Close(ctx, d.PositionID, fill.Price)
	if err != nil {
		if errors.Is(err, errors.ErrPositionNotFound) {
			return
		}
		e.logger.Error().Err(err).Str("position", d.PositionID).Msg("Forced exit close failed")
		return
	}
	e.settleClose(fill, res)

	e.sink.Publish(notify.Event{
		Type:    notify.EventForcedExit,
		Symbol:  d.Symbol,
		Message: d.Reason,
		Data:    map[string]interface{}{"pnl": res.PnL.String(), "pnl_pct": res.PnLPct.String()},
	})
}

// evaluateCandidates pulls pending requests and runs each through the
// admission pipeline: venue health, then the policy gates, then execution.
func (e *Engine) evaluateCandidates(ctx context.Context, snap models.RegimeSnapshot) {
	if e.source == nil {
		return
	}

	requests, err := e.source.Pending(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Request source failed")
		return
	}

	drawdownWarned := false
	for _, req := range requests {
		if ok, reason := e.health.CanTrade(); !ok {
			e.logger.Info().Str("symbol", req.Symbol).Str("reason", reason).Msg("Candidate skipped, venue unhealthy")
			e.sink.Publish(notify.Event{Type: notify.EventVenueUnhealthy, Symbol: req.Symbol, Message: reason})
			continue
		} else if reason != "" {
			e.logger.Warn().Str("reason", reason).Msg("Venue degraded")
		}

		decision := e.gate.Evaluate(ctx, req, snap)
		logging.LogDecision(e.logger, req.Symbol, string(req.Side), decision.Approved,
			string(decision.Code), decision.Reason)
		if !decision.Approved {
			// The drawdown-velocity gate speaks for the whole portfolio, so
			// one warning per tick is enough however many candidates it stops.
			if decision.Code == errors.ReasonDrawdownVelocity && !drawdownWarned {
				drawdownWarned = true
				e.sink.Publish(notify.Event{Type: notify.EventDrawdownWarning, Message: decision.Reason})
			}
			continue
		}

		e.submit(ctx, req, decision.Order)
	}
}

// submit sends an approved order and writes the fill back into the ledger.
func (e *Engine) submit(ctx context.Context, req models.TradeRequest, order *models.SizedOrder) {
	fill, err := e.executor.Submit(ctx, order)
	if err != nil {
		e.breaker.RecordFailure(ctx)
		e.logger.Error().Err(err).Str("symbol", order.Symbol).Msg("Order submit failed")
		return
	}
	e.breaker.RecordSuccess(ctx)

	switch fill.Side {
	case models.SideBuy:
		_, err = e.book.Open(ctx, fill.Symbol, fill.StrategyID, fill.Price, fill.Quantity, order.RegimeTag)
		if err != nil {
			e.logger.Error().Err(err).Str("symbol", fill.Symbol).Msg("Opening position failed")
			return
		}
		e.portfolio.ApplyBuy(fill)

	case models.SideSell:
		res, err := e.book.CloseOldest(ctx, fill.Symbol, fill.StrategyID, fill.Price)
		if err != nil {
			if errors.Is(err, errors.ErrPositionNotFound) {
				e.logger.Warn().Str("symbol", fill.Symbol).Msg("Sell fill with no open position, ignoring")
				return
			}
			e.logger.Error().Err(err).Str("symbol", fill.Symbol).Msg("Closing position failed")
			return
		}
		e.settleClose(fill, res)
	}
}

// settleClose updates cash, the loss-streak tracker and large-loss alerts
// after any realized close.
func (e *Engine) settleClose(fill *models.Fill, res models.RealizedResult) {
	e.portfolio.ApplySell(fill)
	e.gate.RecordResult(res)

	if res.IsLoss() && res.PnLPct.Neg().GreaterThanOrEqual(decimal.NewFromFloat(largeLossAlertPct)) {
		e.sink.Publish(notify.Event{
			Type:    notify.EventLargeLoss,
			Symbol:  fill.Symbol,
			Message: "Large realized loss",
			Data:    map[string]interface{}{"pnl": res.PnL.String(), "pnl_pct": res.PnLPct.String()},
		})
	}
}

func (e *Engine) saveSnapshot(ctx context.Context, now time.Time) {
	if e.snapshots == nil {
		return
	}
	snap := models.PortfolioSnapshot{
		Timestamp:   now,
		TotalEquity: e.portfolio.Equity(),
		Cash:        e.portfolio.Cash(),
		Exposure:    e.book.TotalExposureUSD(ledger.Filter{}),
	}
	if err := e.snapshots.SaveSnapshot(ctx, snap); err != nil {
		e.logger.Warn().Err(err).Msg("Snapshot persist failed")
	}
}

// watchedSymbols feeds the correlation refresher: everything held plus the
// reference instrument.
func (e *Engine) watchedSymbols() []string {
	symbols := e.book.HeldSymbols()
	ref := e.cfg.Engine.ReferenceSymbol
	for _, s := range symbols {
		if s == ref {
			return symbols
		}
	}
	return append(symbols, ref)
}

// Status is a point-in-time operational summary for the CLI.
type Status struct {
	Breaker       resilience.CircuitBreakerStats
	Health        resilience.HealthSnapshot
	Regime        models.RegimeSnapshot
	OpenPositions int
	Exposure      decimal.Decimal
	Equity        decimal.Decimal
	LossStreak    int
	CooldownUntil time.Time
}

// Status reports the current state of every gate.
func (e *Engine) Status() Status {
	return Status{
		Breaker:       e.breaker.Stats(),
		Health:        e.health.Snapshot(),
		Regime:        e.regimes.Current(),
		OpenPositions: e.book.OpenCount(ledger.Filter{}),
		Exposure:      e.book.TotalExposureUSD(ledger.Filter{}),
		Equity:        e.portfolio.Equity(),
		LossStreak:    e.gate.LossStreak(),
		CooldownUntil: e.gate.CooldownUntil(),
	}
}

var _ SnapshotStore = (*store.SQLiteStore)(nil)
