package correlation

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"crypto-sentinel/internal/config"
)

func testGuard(failOpen bool) *Guard {
	return NewGuard(config.CorrelationConfig{
		WindowDays: 30,
		TTL:        24 * time.Hour,
		Threshold:  0.70,
		FailOpen:   failOpen,
	}, nil, zerolog.Nop())
}

func TestBlockDependsOnMaxAllowed(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	g := testGuard(true)
	g.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": 0.95},
	}, now)

	// One held symbol above the threshold: blocked at maxAllowed=1.
	blocked, reason := g.ShouldBlock("BTC/USD", []string{"ETH/USD"}, 1)
	assert.True(t, blocked)
	assert.NotEmpty(t, reason)

	// With room for two correlated holdings the same candidate passes.
	blocked, _ = g.ShouldBlock("BTC/USD", []string{"ETH/USD"}, 2)
	assert.False(t, blocked)
}

func TestZeroMaxAllowedBlocksAnyCorrelatedOverlap(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	g := testGuard(true)
	g.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": 0.95, "SOL/USD": 0.10},
	}, now)

	// maxAllowed=0 tolerates no correlated holdings at all.
	blocked, _ := g.ShouldBlock("BTC/USD", []string{"ETH/USD"}, 0)
	assert.True(t, blocked)

	// An uncorrelated holding still passes.
	blocked, _ = g.ShouldBlock("BTC/USD", []string{"SOL/USD"}, 0)
	assert.False(t, blocked)
}

func TestNegativeCorrelationCountsByMagnitude(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	g := testGuard(true)
	g.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": -0.90},
	}, now)

	blocked, _ := g.ShouldBlock("BTC/USD", []string{"ETH/USD"}, 1)
	assert.True(t, blocked, "|corr| over threshold blocks regardless of sign")
}

func TestMissingCandidateFailsOpenAndRequestsRebuild(t *testing.T) {
	g := testGuard(true)
	g.SetMatrix(map[string]map[string]float64{
		"BTC/USD": {"ETH/USD": 0.95},
	}, time.Now())

	blocked, _ := g.ShouldBlock("SOL/USD", []string{"BTC/USD"}, 1)
	assert.False(t, blocked, "unknown candidate must not be treated as infinite risk")

	select {
	case <-g.rebuildCh:
	default:
		t.Fatal("expected a queued rebuild request")
	}
}

func TestMissingCandidateFailsClosedWhenConfigured(t *testing.T) {
	g := testGuard(false)
	g.SetMatrix(map[string]map[string]float64{}, time.Now())

	blocked, reason := g.ShouldBlock("SOL/USD", []string{"BTC/USD"}, 1)
	assert.True(t, blocked)
	assert.Contains(t, reason, "no correlation data")
}

func TestNeedsRefreshFollowsTTL(t *testing.T) {
	g := testGuard(true)
	assert.True(t, g.NeedsRefresh(), "empty matrix always needs a build")

	built := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g.SetMatrix(map[string]map[string]float64{"BTC/USD": {}}, built)

	g.SetClock(func() time.Time { return built.Add(23 * time.Hour) })
	assert.False(t, g.NeedsRefresh())

	g.SetClock(func() time.Time { return built.Add(25 * time.Hour) })
	assert.True(t, g.NeedsRefresh())
}

func TestPearsonKnownValues(t *testing.T) {
	tests := []struct {
		name string
		x, y []float64
		want float64
	}{
		{"perfect positive", []float64{1, 2, 3, 4}, []float64{2, 4, 6, 8}, 1},
		{"perfect negative", []float64{1, 2, 3, 4}, []float64{8, 6, 4, 2}, -1},
		{"constant series", []float64{1, 1, 1}, []float64{1, 2, 3}, 0},
		{"too short", []float64{1}, []float64{2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pearson(tt.x, tt.y)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

// Property: Pearson is symmetric and always lands in [-1, 1].
func TestProperty_PearsonBoundedAndSymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	seriesGen := gen.SliceOfN(20, gen.Float64Range(-10, 10))

	properties.Property("Pearson in [-1,1] and symmetric", prop.ForAll(
		func(x, y []float64) bool {
			a := Pearson(x, y)
			b := Pearson(y, x)
			if math.Abs(a-b) > 1e-12 {
				return false
			}
			return a >= -1-1e-12 && a <= 1+1e-12
		},
		seriesGen,
		seriesGen,
	))

	properties.TestingRun(t)
}
