package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crypto-sentinel/internal/ledger"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show persisted risk state",
		Long:  "Shows the circuit breaker state and position summary from the local database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			breaker, err := app.Store.LoadBreakerState(cmd.Context())
			if err != nil {
				return err
			}

			book := ledger.New(app.Store)
			if err := book.Load(cmd.Context()); err != nil {
				return err
			}
			open := book.OpenCount(ledger.Filter{})
			exposure := book.TotalExposureUSD(ledger.Filter{})

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"breaker_open":       breaker.IsOpen,
					"consecutive_errors": breaker.ConsecutiveErrors,
					"total_trips":        breaker.TotalTrips,
					"last_error_time":    breaker.LastErrorTime,
					"open_positions":     open,
					"exposure_usd":       exposure.String(),
				})
			}

			if breaker.IsOpen {
				output.Error("Circuit breaker: OPEN")
			} else {
				output.Success("Circuit breaker: CLOSED")
			}
			output.Printf("Consecutive errors: %d\n", breaker.ConsecutiveErrors)
			output.Printf("Total trips:        %d\n", breaker.TotalTrips)
			if !breaker.LastErrorTime.IsZero() {
				output.Printf("Last error:         %s\n", breaker.LastErrorTime.Format(time.RFC3339))
			}
			output.Printf("Open positions:     %d\n", open)
			output.Printf("Open exposure:      $%s\n", exposure.StringFixed(2))
			return nil
		},
	}
}
