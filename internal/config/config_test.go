package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Engine: EngineConfig{Tier: "balanced"},
		Tiers: map[string]TierConfig{
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
		Regime:      RegimeConfig{HysteresisCycles: 4},
		Breaker:     BreakerConfig{FailureThreshold: 10, Cooldown: 30 * time.Minute},
		Health:      HealthConfig{BackoffSeconds: []int{5, 10, 30}},
		Correlation: CorrelationConfig{Threshold: 0.7},
		Execution:   ExecutionConfig{MaxDepthFraction: 0.3},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no tiers", func(c *Config) { c.Tiers = nil }},
		{"unknown active tier", func(c *Config) { c.Engine.Tier = "yolo" }},
		{"position pct over 100", func(c *Config) {
			tier := c.Tiers["balanced"]
			tier.MaxPositionPct = 150
			c.Tiers["balanced"] = tier
		}},
		{"zero daily loss", func(c *Config) {
			tier := c.Tiers["balanced"]
			tier.MaxDailyLossPct = 0
			c.Tiers["balanced"] = tier
		}},
		{"zero concurrent positions", func(c *Config) {
			tier := c.Tiers["balanced"]
			tier.MaxConcurrentPositions = 0
			c.Tiers["balanced"] = tier
		}},
		{"base size over position cap", func(c *Config) {
			tier := c.Tiers["balanced"]
			tier.BaseSizePct = 20
			c.Tiers["balanced"] = tier
		}},
		{"zero hysteresis", func(c *Config) { c.Regime.HysteresisCycles = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero breaker cooldown", func(c *Config) { c.Breaker.Cooldown = 0 }},
		{"correlation threshold over 1", func(c *Config) { c.Correlation.Threshold = 1.5 }},
		{"depth fraction over 1", func(c *Config) { c.Execution.MaxDepthFraction = 2 }},
		{"empty backoff schedule", func(c *Config) { c.Health.BackoffSeconds = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWritesTemplateOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	// The template lands on disk and the defaults must themselves validate.
	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	assert.NoError(t, err)
	assert.Equal(t, "balanced", cfg.Engine.Tier)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRecordsConfigDir(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	// Consumers place the database alongside config.toml, so a custom
	// directory must stick to the loaded config.
	assert.Equal(t, dir, cfg.Dir)
}

func TestLoadParsesTemplate(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir) // writes the template
	require.NoError(t, err)
	cfg, err := Load(dir) // parses it back
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Regime.HysteresisCycles)
	assert.Equal(t, 10, cfg.Breaker.FailureThreshold)
	assert.Contains(t, cfg.Tiers, "conservative")
	assert.Contains(t, cfg.Tiers, "aggressive")
	assert.Equal(t, 1.25, cfg.Regime.Multipliers["BULL_CONFIRMED"])
}

func TestEnvOverridesTier(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir) // writes the template
	require.NoError(t, err)

	t.Setenv("SENTINEL_TIER", "conservative")
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "conservative", cfg.Engine.Tier)
}

func TestSectorForFallsBackToOther(t *testing.T) {
	cfg := validConfig()
	cfg.Engine.Sectors = map[string]string{"BTC/USD": "L1"}

	assert.Equal(t, "L1", cfg.SectorFor("BTC/USD"))
	assert.Equal(t, "OTHER", cfg.SectorFor("DOGE/USD"))
}
