package engine

import (
	"sync"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// CircuitState represents the state of a channel's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // sending
	CircuitOpen                         // rejecting sends
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed sends that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe sends allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per messaging channel. Only
// retriable send failures count; a fatal error says nothing about the
// channel's health.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	clock    Clock
}

// NewCircuitBreakerRegistry creates a registry. A nil clock uses SystemClock.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, clock Clock) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		clock:    clock,
	}
}

// AllowRequest returns nil when a send on channel may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(channel string) error {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.clock.Now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for channel %q after %d consecutive failures", channel, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"channel":              channel,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for channel %q: probe in flight", channel).
				WithDetails(map[string]any{"channel": channel})
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the channel's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(channel string) {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a retriable failure and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(channel string) CircuitState {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.clock.Now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the channel's current state, moving open to half-open once
// the cooldown has elapsed.
func (r *CircuitBreakerRegistry) State(channel string) CircuitState {
	cb := r.getOrCreate(channel)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.clock.Now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *CircuitBreakerRegistry) getOrCreate(channel string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[channel]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[channel] = cb
	}
	return cb
}
