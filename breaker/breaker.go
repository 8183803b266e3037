package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped operation. It is a self-protective hint, not a
// failure of the dependency itself, and callers should distinguish it from
// the operation's own errors.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's current mode.
type State string

// Breaker states
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Settings parameterizes a breaker. Zero values fall back to defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures in CLOSED that
	// opens the circuit. Default 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes in HALF_OPEN
	// that closes the circuit. Default 2.
	SuccessThreshold int

	// OpenTimeout is how long an OPEN breaker rejects calls before probing
	// the dependency again. Default 60s.
	OpenTimeout time.Duration

	// OnStateChange, when set, is invoked on every transition with the new
	// state. Called outside the breaker's lock.
	OnStateChange func(name string, state State)
}

// Stats is a point-in-time view of a breaker for external inspection.
type Stats struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	NextAttempt  time.Time `json:"next_attempt,omitempty"`
}

// CircuitBreaker guards a single downstream call site. State is process
// local and rebuilt empty on restart; replicas learn about a failing
// dependency independently.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	nextAttempt  time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 2
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		name:     name,
		settings: settings,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Guard runs op through the breaker. In OPEN it rejects immediately with
// ErrCircuitOpen until the open timeout has elapsed; the call that arrives
// at or after that deadline moves the breaker to HALF_OPEN and is actually
// attempted. Guard blocks for the duration of op; cancellation of the
// wrapped call is the caller's concern, the breaker only observes the
// returned error.
func (cb *CircuitBreaker) Guard(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(err)
	return err
}

// GetStats returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := Stats{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
		SuccessCount: cb.successCount,
	}
	if cb.state == StateOpen {
		stats.NextAttempt = cb.nextAttempt
	}
	return stats
}

// Reset forces the breaker to CLOSED with counters zeroed. Intended for
// operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.state != StateClosed
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.nextAttempt = time.Time{}
	cb.mu.Unlock()

	if changed {
		cb.notify(StateClosed)
	}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttempt) {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		// Probe the dependency with this call.
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.mu.Unlock()
		cb.notify(StateHalfOpen)
		return nil
	}

	cb.mu.Unlock()
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
		cb.mu.Unlock()

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.nextAttempt = time.Time{}
			cb.mu.Unlock()
			cb.notify(StateClosed)
			return
		}
		cb.mu.Unlock()

	default:
		cb.mu.Unlock()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.trip()
			return
		}
		cb.mu.Unlock()

	case StateHalfOpen:
		// Single strike while probing.
		cb.trip()

	default:
		cb.mu.Unlock()
	}
}

// trip moves to OPEN. Called with the lock held; releases it.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.successCount = 0
	cb.nextAttempt = cb.now().Add(cb.settings.OpenTimeout)
	cb.mu.Unlock()
	cb.notify(StateOpen)
}

func (cb *CircuitBreaker) notify(state State) {
	log.Warn().
		Str("breaker", cb.name).
		Str("state", string(state)).
		Msg("Circuit breaker state changed")

	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, state)
	}
}
