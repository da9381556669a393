// Package resilience provides failure-containment patterns: a persisted
// circuit breaker and a venue health monitor.
package resilience

import (
	"context"
	"sync"
	"time"

	"crypto-sentinel/internal/store"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState string

const (
	CircuitClosed CircuitState = "CLOSED" // Normal operation
	CircuitOpen   CircuitState = "OPEN"   // Paused, rejecting requests
)

// BreakerStore persists breaker state so a process restart does not erase a
// trip.
type BreakerStore interface {
	SaveBreakerState(ctx context.Context, st store.BreakerState) error
	LoadBreakerState(ctx context.Context) (store.BreakerState, error)
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before auto-recovery.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 10,
		Cooldown:         30 * time.Minute,
	}
}

// CircuitBreaker pauses trading after repeated downstream failures. It is a
// fail-safe, not a retry mechanism: it never retries the failing operation,
// it only stops new attempts until the cooldown elapses or a success is
// reported.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	store  BreakerStore

	mu                sync.Mutex
	isOpen            bool
	consecutiveErrors int
	lastErrorTime     time.Time
	totalTrips        int

	onTrip func(consecutiveErrors, totalTrips int)
	now    func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker. Pass a nil store for a
// purely in-memory breaker.
func NewCircuitBreaker(config CircuitBreakerConfig, st BreakerStore) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		store:  st,
		now:    time.Now,
	}
}

// SetClock overrides the breaker clock, for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// SetTripCallback sets the callback invoked when the breaker opens.
func (cb *CircuitBreaker) SetTripCallback(fn func(consecutiveErrors, totalTrips int)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

// Load restores persisted breaker state.
func (cb *CircuitBreaker) Load(ctx context.Context) error {
	if cb.store == nil {
		return nil
	}
	st, err := cb.store.LoadBreakerState(ctx)
	if err != nil {
		return err
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.isOpen = st.IsOpen
	cb.consecutiveErrors = st.ConsecutiveErrors
	cb.lastErrorTime = st.LastErrorTime
	cb.totalTrips = st.TotalTrips
	return nil
}

// RecordFailure registers a trade-execution or data-fetch failure reported by
// a collaborator. At the threshold the breaker opens.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()

	cb.consecutiveErrors++
	cb.lastErrorTime = cb.now()

	tripped := false
	if !cb.isOpen && cb.consecutiveErrors >= cb.config.FailureThreshold {
		cb.isOpen = true
		cb.totalTrips++
		tripped = true
	}

	onTrip := cb.onTrip
	errs, trips := cb.consecutiveErrors, cb.totalTrips
	cb.persistLocked(ctx)
	cb.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip(errs, trips)
	}
}

// RecordSuccess registers an externally reported successful trade: a manual
// reset that closes the breaker immediately.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveErrors = 0
	cb.isOpen = false
	cb.persistLocked(ctx)
}

// CanTrade reports whether requests may proceed. The breaker auto-recovers
// once the cooldown has elapsed since the last error; recovery itself does
// not increment anything.
func (cb *CircuitBreaker) CanTrade(ctx context.Context) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.isOpen {
		return true
	}

	if cb.now().Sub(cb.lastErrorTime) >= cb.config.Cooldown {
		cb.isOpen = false
		cb.consecutiveErrors = 0
		cb.persistLocked(ctx)
		return true
	}
	return false
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.isOpen {
		return CircuitOpen
	}
	return CircuitClosed
}

// Stats returns a copy of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := CircuitClosed
	if cb.isOpen {
		state = CircuitOpen
	}
	return CircuitBreakerStats{
		State:             state,
		ConsecutiveErrors: cb.consecutiveErrors,
		LastErrorTime:     cb.lastErrorTime,
		TotalTrips:        cb.totalTrips,
	}
}

func (cb *CircuitBreaker) persistLocked(ctx context.Context) {
	if cb.store == nil {
		return
	}
	// Persistence failures must not take down the evaluation path; the
	// in-memory state remains authoritative until the next write succeeds.
	_ = cb.store.SaveBreakerState(ctx, store.BreakerState{
		IsOpen:            cb.isOpen,
		ConsecutiveErrors: cb.consecutiveErrors,
		LastErrorTime:     cb.lastErrorTime,
		TotalTrips:        cb.totalTrips,
	})
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	State             CircuitState
	ConsecutiveErrors int
	LastErrorTime     time.Time
	TotalTrips        int
}
