package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPositionsCmd(app *App) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List positions",
		Long:  "Lists open positions from the local database, oldest first. Use --all to include closed positions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			positions, err := app.Store.LoadPositions(cmd.Context())
			if err != nil {
				return err
			}
			if !allFlag {
				open := positions[:0]
				for _, p := range positions {
					if p.IsOpen() {
						open = append(open, p)
					}
				}
				positions = open
			}

			if output.IsJSON() {
				return output.JSON(positions)
			}
			if len(positions) == 0 {
				output.Dim("No positions")
				return nil
			}

			w := output.Table()
			fmt.Fprintln(w, "SYMBOL\tSTRATEGY\tSTATUS\tENTRY\tPRICE\tQTY\tCOST\tP&L")
			for _, p := range positions {
				pnl := p.UnrealizedPnL
				if !p.IsOpen() {
					pnl = p.RealizedPnL
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.Symbol, p.StrategyID, p.Status,
					p.EntryTime.Format("2006-01-02 15:04"),
					p.EntryPrice.StringFixed(2), p.Quantity.String(),
					p.CostBasis.StringFixed(2), pnl.StringFixed(2))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "include closed positions")
	return cmd
}

func newDecisionsCmd(app *App) *cobra.Command {
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent admission decisions",
		Long:  "Shows the most recent entries of the decision audit trail, newest first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return fmt.Errorf("store unavailable")
			}
			output := NewOutput(cmd)

			decisions, err := app.Store.RecentDecisions(cmd.Context(), limitFlag)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(decisions)
			}
			if len(decisions) == 0 {
				output.Dim("No decisions recorded")
				return nil
			}

			w := output.Table()
			fmt.Fprintln(w, "TIME\tSYMBOL\tSIDE\tREQUESTED\tVERDICT\tREASON")
			for _, d := range decisions {
				verdict := string(d.ReasonCode)
				if d.Approved {
					verdict = fmt.Sprintf("APPROVED $%s", d.ApprovedUSD.StringFixed(2))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t$%s\t%s\t%s\n",
					d.Timestamp.Format(time.RFC3339), d.Symbol, d.Side,
					d.RequestedUSD.StringFixed(2), verdict, d.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limitFlag, "limit", 20, "number of decisions to show")
	return cmd
}
