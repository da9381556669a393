package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crypto-sentinel/internal/config"
	"crypto-sentinel/internal/marketdata"
)

// VenueStatus represents the health status of a venue.
type VenueStatus string

const (
	VenueHealthy      VenueStatus = "HEALTHY"
	VenueDegraded     VenueStatus = "DEGRADED"     // latency over threshold; warns only
	VenueStale        VenueStatus = "STALE"        // price age over threshold; blocks
	VenueDisconnected VenueStatus = "DISCONNECTED" // failure count over threshold; blocks
)

// HealthSnapshot is an immutable view of venue health.
type HealthSnapshot struct {
	Venue               string
	Status              VenueStatus
	AvgLatency          time.Duration
	LastPriceUpdate     time.Time
	ConsecutiveFailures int
	SampledAt           time.Time
}

// HealthMonitor tracks heartbeat latency and data freshness per venue. A
// background heartbeat loop feeds it; the evaluation path only reads
// snapshots.
type HealthMonitor struct {
	cfg   config.HealthConfig
	venue string

	mu                  sync.RWMutex
	latencies           []time.Duration // bounded ring, newest last
	lastPriceUpdate     time.Time
	consecutiveFailures int

	now func() time.Time
}

// NewHealthMonitor creates a monitor for one venue.
func NewHealthMonitor(venue string, cfg config.HealthConfig) *HealthMonitor {
	return &HealthMonitor{
		cfg:   cfg,
		venue: venue,
		now:   time.Now,
	}
}

// SetClock overrides the monitor clock, for tests.
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RecordHeartbeat registers a successful venue ping with its round trip.
func (m *HealthMonitor) RecordHeartbeat(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > m.cfg.LatencyWindow {
		m.latencies = m.latencies[1:]
	}
	m.consecutiveFailures = 0
}

// RecordPriceUpdate registers a successful price update.
func (m *HealthMonitor) RecordPriceUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPriceUpdate = m.now()
}

// RecordFailure registers a failed ping or fetch.
func (m *HealthMonitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
}

// Snapshot returns the current health view.
func (m *HealthMonitor) Snapshot() HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return HealthSnapshot{
		Venue:               m.venue,
		Status:              m.statusLocked(),
		AvgLatency:          m.avgLatencyLocked(),
		LastPriceUpdate:     m.lastPriceUpdate,
		ConsecutiveFailures: m.consecutiveFailures,
		SampledAt:           m.now(),
	}
}

// CanTrade is the single gate consumed upstream. DISCONNECTED and STALE
// block; DEGRADED passes with a reason the caller can log.
func (m *HealthMonitor) CanTrade() (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.statusLocked() {
	case VenueDisconnected:
		return false, fmt.Sprintf("venue %s disconnected: %d consecutive failures", m.venue, m.consecutiveFailures)
	case VenueStale:
		return false, fmt.Sprintf("venue %s stale: no price update since %s", m.venue, m.lastPriceUpdate.Format(time.RFC3339))
	case VenueDegraded:
		return true, fmt.Sprintf("venue %s degraded: avg latency %s", m.venue, m.avgLatencyLocked())
	default:
		return true, ""
	}
}

func (m *HealthMonitor) statusLocked() VenueStatus {
	if m.consecutiveFailures >= m.cfg.DisconnectFailures {
		return VenueDisconnected
	}
	if m.lastPriceUpdate.IsZero() || m.now().Sub(m.lastPriceUpdate) > m.cfg.StaleAfter {
		return VenueStale
	}
	if avg := m.avgLatencyLocked(); avg > m.cfg.DegradedLatency {
		return VenueDegraded
	}
	return VenueHealthy
}

func (m *HealthMonitor) avgLatencyLocked() time.Duration {
	if len(m.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range m.latencies {
		total += l
	}
	return total / time.Duration(len(m.latencies))
}

// Backoff returns the reconnect delay for the given attempt, following the
// fixed schedule capped at its last entry.
func (m *HealthMonitor) Backoff(attempt int) time.Duration {
	schedule := m.cfg.BackoffSeconds
	if len(schedule) == 0 {
		return time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(schedule) {
		attempt = len(schedule) - 1
	}
	return time.Duration(schedule[attempt]) * time.Second
}

// Heartbeat pings the venue on the configured interval and feeds the monitor.
// It never blocks the evaluation path; failures only update shared health
// state. Run it as a goroutine; it exits when ctx is cancelled.
func (m *HealthMonitor) Heartbeat(ctx context.Context, provider marketdata.Provider) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	failedAttempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, interval)
		start := m.now()
		err := provider.Ping(pingCtx)
		cancel()

		if err != nil {
			m.RecordFailure()
			failedAttempts++
			timer.Reset(m.Backoff(failedAttempts - 1))
			continue
		}

		m.RecordHeartbeat(m.now().Sub(start))
		failedAttempts = 0
		timer.Reset(interval)
	}
}
