package risk

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Halts new entries after consecutive broker failures
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scoped to one run. A tripped breaker blocks new entries only; open
// positions keep being managed and protected.
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	maxConsecutiveFailures int

	consecutiveFailures int
	tripped             bool
	reason              string
}

// NewCircuitBreaker creates a new circuit breaker. Zero disables it.
func NewCircuitBreaker(maxFailures int) *CircuitBreaker {
	return &CircuitBreaker{maxConsecutiveFailures: maxFailures}
}

// Allow reports whether new entries may be placed
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return !cb.tripped
}

// RecordFailure records a failed broker call
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.maxConsecutiveFailures > 0 && !cb.tripped && cb.consecutiveFailures >= cb.maxConsecutiveFailures {
		cb.tripped = true
		cb.reason = err.Error()
		log.Warn().
			Err(err).
			Int("consecutive_failures", cb.consecutiveFailures).
			Msg("🚨 CIRCUIT BREAKER TRIPPED - new entries halted for this run")
	}
}

// RecordSuccess resets the failure streak
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
}

// IsTripped returns current trip state and reason
func (cb *CircuitBreaker) IsTripped() (bool, string) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped, cb.reason
}
