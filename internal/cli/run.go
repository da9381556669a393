package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"crypto-sentinel/internal/correlation"
	"crypto-sentinel/internal/execution"
	"crypto-sentinel/internal/ledger"
	"crypto-sentinel/internal/marketdata"
	"crypto-sentinel/internal/models"
	"crypto-sentinel/internal/notify"
	"crypto-sentinel/internal/policy"
	"crypto-sentinel/internal/regime"
	"crypto-sentinel/internal/resilience"
	"crypto-sentinel/internal/trading"
)

// paperSource emits one BUY candidate per configured symbol each tick, so a
// paper run continuously exercises the full gate sequence.
type paperSource struct {
	mu       sync.Mutex
	symbols  []string
	notional decimal.Decimal
	next     int
}

func (s *paperSource) Pending(_ context.Context) ([]models.TradeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.symbols) == 0 {
		return nil, nil
	}

	symbol := s.symbols[s.next%len(s.symbols)]
	s.next++

	return []models.TradeRequest{{
		Symbol:      symbol,
		Side:        models.SideBuy,
		NotionalUSD: s.notional,
		StrategyID:  "paper",
		Confidence:  -1,
	}}, nil
}

func newRunCmd(app *App) *cobra.Command {
	var (
		symbolsFlag string
		cashFlag    float64
		seedFlag    int64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the evaluation loop against a simulated venue",
		Long: `Starts the admission pipeline with a simulated random-walk venue.
Candidate trades are generated for the given symbols and flow through every
risk gate; approved orders fill instantly at the simulated price.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable, cannot run")
			}

			symbols := splitSymbols(symbolsFlag)
			if len(symbols) == 0 {
				symbols = []string{"BTC/USD", "ETH/USD"}
			}

			provider := marketdata.NewSimProvider(seedFlag)

			book := ledger.New(app.Store)
			if err := book.Load(cmd.Context()); err != nil {
				return fmt.Errorf("loading position ledger: %w", err)
			}

			breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
				FailureThreshold: app.Config.Breaker.FailureThreshold,
				Cooldown:         app.Config.Breaker.Cooldown,
			}, app.Store)
			if err := breaker.Load(cmd.Context()); err != nil {
				return fmt.Errorf("loading breaker state: %w", err)
			}

			sink := notify.NewSink(app.Config.Notifications, app.Logger)
			defer sink.Close()

			breaker.SetTripCallback(func(errs, trips int) {
				sink.Publish(notify.Event{
					Type:    notify.EventCircuitOpen,
					Message: "Circuit breaker opened",
					Data:    map[string]interface{}{"consecutive_errors": errs, "total_trips": trips},
				})
			})

			health := resilience.NewHealthMonitor(app.Config.Engine.Venue, app.Config.Health)
			classifier := regime.NewClassifier(app.Config.Regime)
			guard := correlation.NewGuard(app.Config.Correlation, provider, app.Logger)
			validator := execution.NewValidator(app.Config.Execution, provider)

			portfolio := trading.NewPortfolio(decimal.NewFromFloat(cashFlag), book)
			gate := policy.NewEngine(app.Config, breaker, guard, validator, book, portfolio, app.Store, app.Logger)
			exits := policy.NewExitPolicy(app.Config.Engine)

			notionalPerTrade := decimal.NewFromFloat(cashFlag).
				Mul(decimal.NewFromFloat(app.Config.ActiveTier().BaseSizePct)).
				Div(decimal.NewFromInt(100))

			engine := trading.NewEngine(trading.Deps{
				Config:    app.Config,
				Provider:  provider,
				Executor:  provider,
				Source:    &paperSource{symbols: symbols, notional: notionalPerTrade},
				Ledger:    book,
				Breaker:   breaker,
				Health:    health,
				Regimes:   classifier,
				Guard:     guard,
				Gate:      gate,
				Exits:     exits,
				Portfolio: portfolio,
				Snapshots: app.Store,
				Sink:      sink,
				Logger:    app.Logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.Logger.Info().Strs("symbols", symbols).Float64("cash", cashFlag).Msg("Starting paper run")

			err := engine.Run(ctx)
			engine.Stop()
			if err != nil && err != context.Canceled {
				return err
			}

			output := NewOutput(cmd)
			status := engine.Status()
			output.Println()
			output.Success("Run stopped")
			output.Printf("Equity:          %s\n", status.Equity.StringFixed(2))
			output.Printf("Open positions:  %d\n", status.OpenPositions)
			output.Printf("Breaker:         %s (%d trips)\n", status.Breaker.State, status.Breaker.TotalTrips)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbolsFlag, "symbols", "", "comma-separated symbols to trade (default: BTC/USD,ETH/USD)")
	cmd.Flags().Float64Var(&cashFlag, "cash", 10000, "starting cash in USD")
	cmd.Flags().Int64Var(&seedFlag, "seed", time.Now().UnixNano(), "random seed for the simulated venue")

	return cmd
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
