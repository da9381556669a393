package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/correlation"
	"crypto-sentinel/internal/errors"
	"crypto-sentinel/internal/execution"
	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/internal/resilience"
	"crypto-sentinel/internal/store"
)

// fakeEquity is a settable portfolio value.
type fakeEquity struct {
	value decimal.Decimal
}

func (f *fakeEquity) Equity() decimal.Decimal { return f.value }

// fakeAudit captures decisions and serves canned snapshots.
type fakeAudit struct {
	decisions []store.DecisionRecord
	snapshots func(t time.Time) *models.PortfolioSnapshot
}

func (f *fakeAudit) SaveDecision(_ context.Context, d store.DecisionRecord) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func (f *fakeAudit) SnapshotAtOrBefore(_ context.Context, t time.Time) (*models.PortfolioSnapshot, error) {
	if f.snapshots == nil {
		return nil, nil
	}
	return f.snapshots(t), nil
}

// liquidVenue serves deep books and tight spreads so the execution gate
// always passes.
type liquidVenue struct{}

func (liquidVenue) FetchOHLCV(context.Context, string, models.Timeframe, int) ([]models.Candle, error) {
	return nil, marketdata.ErrUnavailable
}

func (liquidVenue) FetchTicker(_ context.Context, symbol string) (*models.Ticker, error) {
	return &models.Ticker{Symbol: symbol, Bid: 99.95, Ask: 100.05, Last: 100}, nil
}

func (liquidVenue) FetchOrderBook(_ context.Context, symbol string, _ int) (*models.OrderBook, error) {
	return &models.OrderBook{
		Symbol: symbol,
		Bids:   []models.BookLevel{{Price: 100, Quantity: 10000}},
		Asks:   []models.BookLevel{{Price: 100, Quantity: 10000}},
	}, nil
}

func (liquidVenue) Ping(context.Context) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			Tier:                "balanced",
			ReferenceSymbol:     "BTC/USD",
			HighConfidenceScore: 80,
			MidConfidenceScore:  60,
			VolScalarPercentile: 85,
			TakeProfitPct:       5,
			StopLossPct:         3,
			StagnationHours:     72,
			StagnationMinProfit: 0.5,
			Sectors: map[string]string{
				"BTC/USD": "L1",
				"ETH/USD": "L1",
			},
		},
		Tiers: map[string]config.TierConfig{
			"balanced": {
				MaxPositionPct:         10,
				MaxDailyLossPct:        10,
				MaxConcurrentPositions: 8,
				MaxCorrelatedPositions: 2,
				CooldownMinutes:        60,
				PortfolioHeatPct:       60,
				SectorCeilingPct:       30,
				LossStreakThreshold:    3,
				BaseSizePct:            5,
			},
		},
		Correlation: config.CorrelationConfig{
			WindowDays: 30,
			TTL:        24 * time.Hour,
			Threshold:  0.70,
			FailOpen:   true,
		},
		Execution: config.ExecutionConfig{
			MaxAPILatency:    5 * time.Second,
			HealthCacheTTL:   time.Minute,
			MinDepthUSD:      50000,
			MaxDepthFraction: 0.30,
			MaxSpreadPct:     0.5,
			MaxSlippagePct:   0.5,
		},
	}
}

type fixture struct {
	engine  *Engine
	breaker *resilience.CircuitBreaker
	book    *ledger.Ledger
	equity  *fakeEquity
	audit   *fakeAudit
	guard   *correlation.Guard
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		FailureThreshold: 10,
		Cooldown:         30 * time.Minute,
	}, nil)

	guard := correlation.NewGuard(cfg.Correlation, nil, zerolog.Nop())
	guard.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": 0.2},
		"SOL/USD": {},
	}, now)

	validator := execution.NewValidator(cfg.Execution, liquidVenue{})
	book := ledger.New(nil)
	equity := &fakeEquity{value: decimal.NewFromInt(10000)}
	audit := &fakeAudit{}

	engine := NewEngine(cfg, breaker, guard, validator, book, equity, audit, zerolog.Nop())
	engine.SetClock(func() time.Time { return now })

	return &fixture{
		engine:  engine,
		breaker: breaker,
		book:    book,
		equity:  equity,
		audit:   audit,
		guard:   guard,
		now:     now,
	}
}

func buyRequest(symbol string, notional int64) models.TradeRequest {
	return models.TradeRequest{
		Symbol:         symbol,
		Side:           models.SideBuy,
		NotionalUSD:    decimal.NewFromInt(notional),
		StrategyID:     "s1",
		ReferencePrice: decimal.NewFromInt(100),
		Confidence:     -1,
	}
}

func bullSnapshot() models.RegimeSnapshot {
	return models.RegimeSnapshot{
		State:          models.RegimeBullConfirmed,
		RiskMultiplier: 1.25,
		Metrics:        models.RegimeMetrics{VolPercentile: 40},
	}
}

func TestApprovedOrderIsSizedFromTierBase(t *testing.T) {
	f := newFixture(t)

	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 500), bullSnapshot())
	require.True(t, d.Approved, "reason: %s", d.Reason)

	// Base 5% of 10000 = 500, scaled by 1.25 but capped at the requested 500.
	assert.True(t, d.Order.NotionalUSD.Equal(decimal.NewFromInt(500)), "got %s", d.Order.NotionalUSD)
	assert.Equal(t, models.RegimeBullConfirmed, d.Order.RegimeTag)
}

func TestConfidenceAndVolScalarsShrinkSize(t *testing.T) {
	f := newFixture(t)

	req := buyRequest("BTC/USD", 900)
	req.Confidence = 65 // mid band: 0.75x
	snap := bullSnapshot()
	snap.Metrics.VolPercentile = 90 // above threshold: 0.5x

	d := f.engine.Evaluate(context.Background(), req, snap)
	require.True(t, d.Approved, "reason: %s", d.Reason)

	// 500 * 0.75 * 0.5 * 1.25 = 234.375, rounded to cents.
	want, _ := decimal.NewFromString("234.38")
	assert.True(t, d.Order.NotionalUSD.Equal(want), "got %s", d.Order.NotionalUSD)
}

func TestCircuitOpenRejectsBeforeEverythingElse(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.breaker.RecordFailure(context.Background())
	}

	// Even an otherwise-invalid oversized request reports the breaker first.
	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 5000), bullSnapshot())
	assert.False(t, d.Approved)
	assert.Equal(t, errors.ReasonCircuitOpen, d.Code)
}

func TestLossStreakTriggersCooldown(t *testing.T) {
	f := newFixture(t)

	loss := models.RealizedResult{PnL: decimal.NewFromInt(-10)}
	f.engine.RecordResult(loss)
	f.engine.RecordResult(loss)
	assert.True(t, f.engine.CooldownUntil().IsZero(), "below the streak threshold")

	f.engine.RecordResult(loss)
	require.False(t, f.engine.CooldownUntil().IsZero())

	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonLossCooldown, d.Code)

	// A win resets the streak counter.
	f.engine.RecordResult(models.RealizedResult{PnL: decimal.NewFromInt(5)})
	assert.Equal(t, 0, f.engine.LossStreak())
}

func TestDailyLossLimitRejectsAfterTwelvePercentLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// First evaluation of the day pins the day-start value at 10000.
	d := f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	require.True(t, d.Approved, "reason: %s", d.Reason)

	// Three losing round trips drop the book 1200 (12%).
	for i := 0; i < 3; i++ {
		id, err := f.book.Open(ctx, "ETH/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(10), models.RegimeBullConfirmed)
		require.NoError(t, err)
		_, err = f.book.Close(ctx, id, decimal.NewFromInt(60))
		require.NoError(t, err)
	}
	f.equity.value = decimal.NewFromInt(8800)

	d = f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	assert.False(t, d.Approved)
	assert.Equal(t, errors.ReasonDailyLossLimitHit, d.Code)
}

func TestCrisisRegimeRoundsSizeToZero(t *testing.T) {
	f := newFixture(t)

	snap := models.RegimeSnapshot{State: models.RegimeCrisis, RiskMultiplier: 0}
	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 500), snap)
	assert.False(t, d.Approved)
	assert.Equal(t, errors.ReasonSizeRoundedToZero, d.Code)
}

func TestPositionTooLargeRejected(t *testing.T) {
	f := newFixture(t)

	// 15% of a 10000 portfolio against a 10% ceiling.
	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 1500), bullSnapshot())
	assert.Equal(t, errors.ReasonPositionTooLarge, d.Code)
}

func TestTooManyPositionsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := f.book.Open(ctx, "ETH/USD", "s1", decimal.NewFromInt(1), decimal.NewFromInt(1), models.RegimeBullConfirmed)
		require.NoError(t, err)
	}

	d := f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonTooManyPositions, d.Code)
}

func TestCorrelationBlockRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.guard.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": 0.95, "SOL/USD": 0.92},
	}, f.now)

	_, err := f.book.Open(ctx, "ETH/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(1), models.RegimeBullConfirmed)
	require.NoError(t, err)
	_, err = f.book.Open(ctx, "SOL/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(1), models.RegimeBullConfirmed)
	require.NoError(t, err)

	d := f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonCorrelationBlocked, d.Code)
}

func TestPortfolioHeatRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 5900 already committed; 500 more pushes heat to 64% against a 60% cap.
	_, err := f.book.Open(ctx, "SOL/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(59), models.RegimeBullConfirmed)
	require.NoError(t, err)

	d := f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonPortfolioHeat, d.Code)
}

func TestSectorCeilingRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// ETH shares the L1 bucket with the BTC candidate: 2800 + 500 = 33%.
	_, err := f.book.Open(ctx, "ETH/USD", "s1", decimal.NewFromInt(100), decimal.NewFromInt(28), models.RegimeBullConfirmed)
	require.NoError(t, err)

	d := f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonSectorCeiling, d.Code)
}

func TestDrawdownVelocityHalts(t *testing.T) {
	f := newFixture(t)

	weekAgo := f.now.Add(-8 * 24 * time.Hour)
	f.audit.snapshots = func(time.Time) *models.PortfolioSnapshot {
		return &models.PortfolioSnapshot{Timestamp: weekAgo, TotalEquity: decimal.NewFromInt(11500)}
	}
	// 10000 versus 11500 a week ago is a 13% slide.
	d := f.engine.Evaluate(context.Background(), buyRequest("BTC/USD", 500), bullSnapshot())
	assert.Equal(t, errors.ReasonDrawdownVelocity, d.Code)
}

func TestEvaluateIsIdempotentWithoutStateChange(t *testing.T) {
	f := newFixture(t)
	req := buyRequest("BTC/USD", 500)
	snap := bullSnapshot()

	first := f.engine.Evaluate(context.Background(), req, snap)
	second := f.engine.Evaluate(context.Background(), req, snap)

	assert.Equal(t, first.Approved, second.Approved)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Reason, second.Reason)
	if first.Approved {
		assert.True(t, first.Order.NotionalUSD.Equal(second.Order.NotionalUSD))
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.Evaluate(ctx, buyRequest("BTC/USD", 500), bullSnapshot())
	f.engine.Evaluate(ctx, buyRequest("BTC/USD", 5000), bullSnapshot())

	require.Len(t, f.audit.decisions, 2)
	assert.True(t, f.audit.decisions[0].Approved)
	assert.False(t, f.audit.decisions[1].Approved)
	assert.Equal(t, string(errors.ReasonPositionTooLarge), f.audit.decisions[1].ReasonCode)
}
