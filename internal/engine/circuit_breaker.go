package engine

import (
	"sync"
	"time"

	"github.com/rendis/baton/pkg/schema"
)

// CircuitState is the state of a single command circuit.
type CircuitState int

const (
	// CircuitClosed allows dispatch; failures are counted.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects dispatch until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of probe dispatches through.
	CircuitHalfOpen
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

// BreakerConfig tunes the per-command circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects dispatches before probing again.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe dispatches allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker tuning used when none is supplied.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type commandBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
	config      BreakerConfig
}

// allow reports whether a dispatch may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits up to HalfOpenMax
// probes, the caller's request counting as the first.
func (b *commandBreaker) allow(command string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for command %q after %d consecutive failures", command, b.failures).
			WithDetails(map[string]any{
				"command":            command,
				"failures":           b.failures,
				"cooldown_remaining": (b.config.Cooldown - time.Since(b.lastFailure)).String(),
			})

	case CircuitHalfOpen:
		if b.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for command %q, probe limit reached", command)
		}
		b.probes++
		return nil
	}

	return nil
}

func (b *commandBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
}

func (b *commandBreaker) recordFailure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	// A failed probe reopens immediately; the threshold only applies while closed.
	if b.state == CircuitHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		b.probes = 0
	}
	return b.state
}

func (b *commandBreaker) currentState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
		b.probes = 0
	}
	return b.state
}

// BreakerRegistry keeps one circuit breaker per task command. Repeated
// dispatch failures for a command open its circuit, so workflows fail fast
// instead of queueing more work the fleet cannot complete.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*commandBreaker
	config   BreakerConfig
}

// NewBreakerRegistry creates a registry with the given tuning.
// Non-positive fields fall back to DefaultBreakerConfig values.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerRegistry{
		breakers: make(map[string]*commandBreaker),
		config:   config,
	}
}

// Allow checks whether a dispatch for command may proceed.
// It returns a CIRCUIT_OPEN error when the circuit rejects the request.
func (r *BreakerRegistry) Allow(command string) error {
	return r.breakerFor(command).allow(command)
}

// RecordSuccess closes the circuit for command and resets its failure count.
func (r *BreakerRegistry) RecordSuccess(command string) {
	r.breakerFor(command).recordSuccess()
}

// RecordFailure counts a dispatch failure for command and returns the
// resulting circuit state.
func (r *BreakerRegistry) RecordFailure(command string) CircuitState {
	return r.breakerFor(command).recordFailure()
}

// State returns the effective circuit state for command. An open circuit
// past its cooldown reads as half-open.
func (r *BreakerRegistry) State(command string) CircuitState {
	r.mu.Lock()
	b, ok := r.breakers[command]
	r.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	return b.currentState()
}

// Stats reports the tracked commands and their circuit states.
func (r *BreakerRegistry) Stats() map[string]string {
	r.mu.Lock()
	tracked := make(map[string]*commandBreaker, len(r.breakers))
	for command, b := range r.breakers {
		tracked[command] = b
	}
	r.mu.Unlock()

	stats := make(map[string]string, len(tracked))
	for command, b := range tracked {
		stats[command] = b.currentState().String()
	}
	return stats
}

func (r *BreakerRegistry) breakerFor(command string) *commandBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[command]
	if !ok {
		b = &commandBreaker{state: CircuitClosed, config: r.config}
		r.breakers[command] = b
	}
	return b
}
