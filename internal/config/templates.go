package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# crypto-sentinel configuration

[engine]
poll_interval = "30s"
reference_symbol = "BTC/USD"
venue = "primary"
tier = "balanced"
high_confidence_score = 80.0
mid_confidence_score = 60.0
vol_scalar_percentile = 85.0
stagnation_hours = 72.0
stagnation_min_profit_pct = 0.5
take_profit_pct = 5.0
stop_loss_pct = 3.0

[engine.sectors]
"BTC/USD" = "L1"
"ETH/USD" = "L1"
"SOL/USD" = "L1"
"UNI/USD" = "DEFI"
"AAVE/USD" = "DEFI"

[tiers.conservative]
max_position_pct = 5.0
max_daily_loss_pct = 5.0
max_concurrent_positions = 4
max_correlated_positions = 1
cooldown_minutes = 120
portfolio_heat_pct = 40.0
sector_ceiling_pct = 20.0
loss_streak_threshold = 2
base_size_pct = 2.5

[tiers.balanced]
max_position_pct = 10.0
max_daily_loss_pct = 10.0
max_concurrent_positions = 8
max_correlated_positions = 2
cooldown_minutes = 60
portfolio_heat_pct = 60.0
sector_ceiling_pct = 30.0
loss_streak_threshold = 3
base_size_pct = 5.0

[tiers.aggressive]
max_position_pct = 20.0
max_daily_loss_pct = 15.0
max_concurrent_positions = 12
max_correlated_positions = 3
cooldown_minutes = 30
portfolio_heat_pct = 80.0
sector_ceiling_pct = 40.0
loss_streak_threshold = 4
base_size_pct = 8.0

[regime]
hysteresis_cycles = 4
crisis_drawdown_pct = -15.0
crisis_vol_percentile = 95.0
crisis_gap_pct = 10.0

[regime.multipliers]
BULL_CONFIRMED = 1.25
TRANSITION_BULLISH = 0.75
UNDEFINED = 0.20
TRANSITION_BEARISH = 0.25
BEAR_CONFIRMED = 0.0
CRISIS = 0.0

[breaker]
failure_threshold = 10
cooldown = "30m"

[health]
latency_window = 20
degraded_latency = "2s"
stale_after = "10s"
disconnect_failures = 3
heartbeat_interval = "5s"
backoff_seconds = [5, 10, 30, 60, 300]

[correlation]
window_days = 30
ttl = "24h"
threshold = 0.70
fail_open = true

[execution]
max_api_latency = "5s"
health_cache_ttl = "60s"
min_depth_usd = 50000.0
max_depth_fraction = 0.30
max_spread_pct = 0.5
max_slippage_pct = 0.5
fail_open = false

[notifications]
enabled = true

[notifications.webhook]
enabled = false
url = ""

[logging]
level = "info"
console = true
file = true
`

// writeTemplate writes a commented template config on first run so the
// operator has something to edit.
func writeTemplate(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.WriteFile(path, []byte(configTemplate), 0644)
}
