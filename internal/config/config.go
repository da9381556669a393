// Package config provides configuration management for the admission core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine        EngineConfig         `mapstructure:"engine"`
	Tiers         map[string]TierConfig `mapstructure:"tiers"`
	Regime        RegimeConfig         `mapstructure:"regime"`
	Breaker       BreakerConfig        `mapstructure:"breaker"`
	Health        HealthConfig         `mapstructure:"health"`
	Correlation   CorrelationConfig    `mapstructure:"correlation"`
	Execution     ExecutionConfig      `mapstructure:"execution"`
	Notifications NotificationConfig   `mapstructure:"notifications"`
	Logging       LoggingConfig        `mapstructure:"logging"`

	// Dir is the directory the config was loaded from. The SQLite database
	// lives alongside config.toml.
	Dir string `mapstructure:"-"`
}

// EngineConfig holds evaluation-loop configuration.
type EngineConfig struct {
	PollInterval    time.Duration     `mapstructure:"poll_interval"`
	ReferenceSymbol string            `mapstructure:"reference_symbol"`
	Venue           string            `mapstructure:"venue"`
	Tier            string            `mapstructure:"tier"`
	Sectors         map[string]string `mapstructure:"sectors"` // symbol -> sector bucket

	// Sizing scalars.
	HighConfidenceScore  float64 `mapstructure:"high_confidence_score"`  // >= -> 1.0
	MidConfidenceScore   float64 `mapstructure:"mid_confidence_score"`   // >= -> 0.75, else 0.5
	VolScalarPercentile  float64 `mapstructure:"vol_scalar_percentile"`  // above -> 0.5x
	StagnationHours      float64 `mapstructure:"stagnation_hours"`
	StagnationMinProfit  float64 `mapstructure:"stagnation_min_profit_pct"`
	TakeProfitPct        float64 `mapstructure:"take_profit_pct"`
	StopLossPct          float64 `mapstructure:"stop_loss_pct"`
}

// TierConfig holds the per-risk-tier limits consumed by the policy engine.
type TierConfig struct {
	MaxPositionPct         float64 `mapstructure:"max_position_pct"`
	MaxDailyLossPct        float64 `mapstructure:"max_daily_loss_pct"`
	MaxConcurrentPositions int     `mapstructure:"max_concurrent_positions"`
	MaxCorrelatedPositions int     `mapstructure:"max_correlated_positions"` // 0 allows no correlated overlap at all
	CooldownMinutes        int     `mapstructure:"cooldown_minutes"`
	PortfolioHeatPct       float64 `mapstructure:"portfolio_heat_pct"`
	SectorCeilingPct       float64 `mapstructure:"sector_ceiling_pct"`
	LossStreakThreshold    int     `mapstructure:"loss_streak_threshold"`
	BaseSizePct            float64 `mapstructure:"base_size_pct"`
}

// RegimeConfig holds regime classifier configuration.
type RegimeConfig struct {
	HysteresisCycles    int     `mapstructure:"hysteresis_cycles"`
	CrisisDrawdownPct   float64 `mapstructure:"crisis_drawdown_pct"`   // 2-period peak-to-now
	CrisisVolPercentile float64 `mapstructure:"crisis_vol_percentile"`
	CrisisGapPct        float64 `mapstructure:"crisis_gap_pct"`

	// Risk multipliers per committed state.
	Multipliers map[string]float64 `mapstructure:"multipliers"`
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// HealthConfig holds exchange health monitor configuration.
type HealthConfig struct {
	LatencyWindow      int           `mapstructure:"latency_window"`
	DegradedLatency    time.Duration `mapstructure:"degraded_latency"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	DisconnectFailures int           `mapstructure:"disconnect_failures"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`

	// Reconnect backoff schedule in seconds, capped at the last entry.
	BackoffSeconds []int `mapstructure:"backoff_seconds"`
}

// CorrelationConfig holds correlation guard configuration.
type CorrelationConfig struct {
	WindowDays int           `mapstructure:"window_days"`
	TTL        time.Duration `mapstructure:"ttl"`
	Threshold  float64       `mapstructure:"threshold"`
	FailOpen   bool          `mapstructure:"fail_open"`
}

// ExecutionConfig holds execution validator configuration.
type ExecutionConfig struct {
	MaxAPILatency    time.Duration `mapstructure:"max_api_latency"`
	HealthCacheTTL   time.Duration `mapstructure:"health_cache_ttl"`
	MinDepthUSD      float64       `mapstructure:"min_depth_usd"`
	MaxDepthFraction float64       `mapstructure:"max_depth_fraction"`
	MaxSpreadPct     float64       `mapstructure:"max_spread_pct"`
	MaxSlippagePct   float64       `mapstructure:"max_slippage_pct"`
	FailOpen         bool          `mapstructure:"fail_open"`
}

// NotificationConfig holds alert sink configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration read from file.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/crypto-sentinel"
	}
	return filepath.Join(home, ".config", "crypto-sentinel")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if werr := writeTemplate(configDir); werr != nil {
				return nil, fmt.Errorf("writing config template: %w", werr)
			}
		} else {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Dir = configDir

	applyEnvOverrides(cfg)

	// Malformed risk config aborts startup, not individual evaluations.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.poll_interval", "30s")
	v.SetDefault("engine.reference_symbol", "BTC/USD")
	v.SetDefault("engine.venue", "primary")
	v.SetDefault("engine.tier", "balanced")
	v.SetDefault("engine.high_confidence_score", 80.0)
	v.SetDefault("engine.mid_confidence_score", 60.0)
	v.SetDefault("engine.vol_scalar_percentile", 85.0)
	v.SetDefault("engine.stagnation_hours", 72.0)
	v.SetDefault("engine.stagnation_min_profit_pct", 0.5)
	v.SetDefault("engine.take_profit_pct", 5.0)
	v.SetDefault("engine.stop_loss_pct", 3.0)

	v.SetDefault("tiers.balanced.max_position_pct", 10.0)
	v.SetDefault("tiers.balanced.max_daily_loss_pct", 10.0)
	v.SetDefault("tiers.balanced.max_concurrent_positions", 8)
	v.SetDefault("tiers.balanced.max_correlated_positions", 2)
	v.SetDefault("tiers.balanced.cooldown_minutes", 60)
	v.SetDefault("tiers.balanced.portfolio_heat_pct", 60.0)
	v.SetDefault("tiers.balanced.sector_ceiling_pct", 30.0)
	v.SetDefault("tiers.balanced.loss_streak_threshold", 3)
	v.SetDefault("tiers.balanced.base_size_pct", 5.0)

	v.SetDefault("regime.hysteresis_cycles", 4)
	v.SetDefault("regime.crisis_drawdown_pct", -15.0)
	v.SetDefault("regime.crisis_vol_percentile", 95.0)
	v.SetDefault("regime.crisis_gap_pct", 10.0)
	v.SetDefault("regime.multipliers", map[string]float64{
		"BULL_CONFIRMED":     1.25,
		"TRANSITION_BULLISH": 0.75,
		"UNDEFINED":          0.20,
		"TRANSITION_BEARISH": 0.25,
		"BEAR_CONFIRMED":     0.0,
		"CRISIS":             0.0,
	})

	v.SetDefault("breaker.failure_threshold", 10)
	v.SetDefault("breaker.cooldown", "30m")

	v.SetDefault("health.latency_window", 20)
	v.SetDefault("health.degraded_latency", "2s")
	v.SetDefault("health.stale_after", "10s")
	v.SetDefault("health.disconnect_failures", 3)
	v.SetDefault("health.heartbeat_interval", "5s")
	v.SetDefault("health.backoff_seconds", []int{5, 10, 30, 60, 300})

	v.SetDefault("correlation.window_days", 30)
	v.SetDefault("correlation.ttl", "24h")
	v.SetDefault("correlation.threshold", 0.70)
	v.SetDefault("correlation.fail_open", true)

	v.SetDefault("execution.max_api_latency", "5s")
	v.SetDefault("execution.health_cache_ttl", "60s")
	v.SetDefault("execution.min_depth_usd", 50000.0)
	v.SetDefault("execution.max_depth_fraction", 0.30)
	v.SetDefault("execution.max_spread_pct", 0.5)
	v.SetDefault("execution.max_slippage_pct", 0.5)
	v.SetDefault("execution.fail_open", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_TIER"); v != "" {
		cfg.Engine.Tier = v
	}
	if v := os.Getenv("SENTINEL_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
		cfg.Notifications.Webhook.Enabled = true
	}
}

// Validate validates the configuration. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("no risk tiers configured")
	}
	if _, ok := c.Tiers[c.Engine.Tier]; !ok {
		return fmt.Errorf("active tier %q not present in [tiers]", c.Engine.Tier)
	}
	for name, t := range c.Tiers {
		if t.MaxPositionPct <= 0 || t.MaxPositionPct > 100 {
			return fmt.Errorf("tier %s: max_position_pct must be in (0, 100]", name)
		}
		if t.MaxDailyLossPct <= 0 || t.MaxDailyLossPct > 100 {
			return fmt.Errorf("tier %s: max_daily_loss_pct must be in (0, 100]", name)
		}
		if t.MaxConcurrentPositions <= 0 {
			return fmt.Errorf("tier %s: max_concurrent_positions must be positive", name)
		}
		if t.MaxCorrelatedPositions < 0 {
			return fmt.Errorf("tier %s: max_correlated_positions must be non-negative", name)
		}
		if t.PortfolioHeatPct <= 0 || t.PortfolioHeatPct > 100 {
			return fmt.Errorf("tier %s: portfolio_heat_pct must be in (0, 100]", name)
		}
		if t.SectorCeilingPct <= 0 || t.SectorCeilingPct > 100 {
			return fmt.Errorf("tier %s: sector_ceiling_pct must be in (0, 100]", name)
		}
		if t.LossStreakThreshold <= 0 {
			return fmt.Errorf("tier %s: loss_streak_threshold must be positive", name)
		}
		if t.BaseSizePct <= 0 || t.BaseSizePct > t.MaxPositionPct {
			return fmt.Errorf("tier %s: base_size_pct must be in (0, max_position_pct]", name)
		}
	}

	if c.Regime.HysteresisCycles < 1 {
		return fmt.Errorf("regime.hysteresis_cycles must be at least 1")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("breaker.cooldown must be positive")
	}
	if c.Correlation.Threshold <= 0 || c.Correlation.Threshold > 1 {
		return fmt.Errorf("correlation.threshold must be in (0, 1]")
	}
	if c.Execution.MaxDepthFraction <= 0 || c.Execution.MaxDepthFraction > 1 {
		return fmt.Errorf("execution.max_depth_fraction must be in (0, 1]")
	}
	if len(c.Health.BackoffSeconds) == 0 {
		return fmt.Errorf("health.backoff_seconds must not be empty")
	}
	return nil
}

// ActiveTier returns the configured tier for the engine.
func (c *Config) ActiveTier() TierConfig {
	return c.Tiers[c.Engine.Tier]
}

// SectorFor maps a symbol to its coarse sector bucket.
// Unmapped symbols fall into "OTHER".
func (c *Config) SectorFor(symbol string) string {
	if s, ok := c.Engine.Sectors[symbol]; ok {
		return s
	}
	return "OTHER"
}
