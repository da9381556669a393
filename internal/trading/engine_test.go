package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/correlation"
	"crypto-sentinel/internal/execution"
	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/internal/notify"
	"crypto-sentinel/internal/policy"
	"crypto-sentinel/internal/resilience"
	"crypto-sentinel/internal/store"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Publish(ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) Close() {}

func (s *captureSink) byType(t notify.EventType) []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type staticAudit struct {
	snapshot *models.PortfolioSnapshot
}

func (a *staticAudit) SaveDecision(context.Context, store.DecisionRecord) error { return nil }

func (a *staticAudit) SnapshotAtOrBefore(context.Context, time.Time) (*models.PortfolioSnapshot, error) {
	return a.snapshot, nil
}

type staticSource struct {
	requests []models.TradeRequest
}

func (s *staticSource) Pending(context.Context) ([]models.TradeRequest, error) {
	return s.requests, nil
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			Tier:                "balanced",
			ReferenceSymbol:     "BTC/USD",
			HighConfidenceScore: 80,
			MidConfidenceScore:  60,
			VolScalarPercentile: 85,
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
		Health: config.HealthConfig{
			LatencyWindow:      20,
			DegradedLatency:    2 * time.Second,
			StaleAfter:         10 * time.Second,
			DisconnectFailures: 3,
			BackoffSeconds:     []int{5},
		},
		Correlation: config.CorrelationConfig{
			WindowDays: 30,
			TTL:        24 * time.Hour,
			Threshold:  0.70,
			FailOpen:   true,
		},
	}
}

func TestDrawdownVelocityRejectionRaisesWarning(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig()

	book := ledger.New(nil)
	portfolio := NewPortfolio(decimal.NewFromInt(8500), book)

	// Equity a week ago was 10000; at 8500 the portfolio is down 15%, past
	// the drawdown-velocity halt.
	audit := &staticAudit{snapshot: &models.PortfolioSnapshot{
		Timestamp:   time.Now().Add(-8 * 24 * time.Hour),
		TotalEquity: decimal.NewFromInt(10000),
	}}

	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(), nil)
	guard := correlation.NewGuard(cfg.Correlation, nil, zerolog.Nop())
	validator := execution.NewValidator(cfg.Execution, nil)
	gate := policy.NewEngine(cfg, breaker, guard, validator, book, portfolio, audit, zerolog.Nop())

	health := resilience.NewHealthMonitor("primary", cfg.Health)
	health.RecordPriceUpdate()

	sink := &captureSink{}
	engine := NewEngine(Deps{
		Config: cfg,
		Source: &staticSource{requests: []models.TradeRequest{
			{Symbol: "BTC/USD", Side: models.SideBuy, NotionalUSD: decimal.NewFromInt(500),
				StrategyID: "s1", ReferencePrice: decimal.NewFromInt(100), Confidence: -1},
			{Symbol: "ETH/USD", Side: models.SideBuy, NotionalUSD: decimal.NewFromInt(400),
				StrategyID: "s1", ReferencePrice: decimal.NewFromInt(100), Confidence: -1},
		}},
		Ledger:    book,
		Breaker:   breaker,
		Health:    health,
		Guard:     guard,
		Gate:      gate,
		Portfolio: portfolio,
		Sink:      sink,
		Logger:    zerolog.Nop(),
	})

	snap := models.RegimeSnapshot{State: models.RegimeBullConfirmed, RiskMultiplier: 1.0}
	engine.evaluateCandidates(ctx, snap)

	// Both candidates stop at the drawdown-velocity gate; the portfolio-wide
	// warning fires exactly once per tick.
	warnings := sink.byType(notify.EventDrawdownWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "portfolio down")
	assert.Equal(t, 0, book.OpenCount(ledger.Filter{}))
}
