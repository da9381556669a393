package cli

import (
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/logging"
	"crypto-sentinel/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-08-30"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  *store.SQLiteStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// The database lives next to config.toml, including under --config.
	dir := cfg.Dir
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	dataStore, err := store.NewSQLiteStore(filepath.Join(dir, "sentinel.db"))
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize store, some features may be unavailable")
	} else {
		app.Store = dataStore
		logger.Debug().Msg("SQLite store initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Crypto Sentinel - trade admission and risk control core",
		Long: `Crypto Sentinel is a risk-control core for crypto trading systems.

Every candidate trade passes through a circuit breaker, venue health checks,
a market-regime classifier, correlation and concentration guards and an
execution feasibility validator before it is sized and approved.

Use 'sentinel help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/crypto-sentinel)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newPositionsCmd(app))
	rootCmd.AddCommand(newDecisionsCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Crypto Sentinel v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and manage application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			tier := app.Config.ActiveTier()
			output.Printf("Active tier:        %s\n", app.Config.Engine.Tier)
			output.Printf("Poll interval:      %s\n", app.Config.Engine.PollInterval)
			output.Printf("Reference symbol:   %s\n", app.Config.Engine.ReferenceSymbol)
			output.Printf("Max position:       %.1f%%\n", tier.MaxPositionPct)
			output.Printf("Max daily loss:     %.1f%%\n", tier.MaxDailyLossPct)
			output.Printf("Max concurrent:     %d\n", tier.MaxConcurrentPositions)
			output.Printf("Portfolio heat:     %.1f%%\n", tier.PortfolioHeatPct)
			output.Printf("Sector ceiling:     %.1f%%\n", tier.SectorCeilingPct)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir := app.Config.Dir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	return cmd
}
