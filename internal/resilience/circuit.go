// Package resilience provides the circuit breaker and retry policy guarding
// the external claim-submission endpoint.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all calls until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen allows a bounded number of probe calls to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is the sentinel all open-circuit rejections wrap.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected by the breaker. It
// carries how long to wait before the breaker will allow a probe; zero means
// the half-open probe budget is exhausted.
type CircuitOpenError struct {
	RemainingWait time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RemainingWait > 0 {
		return fmt.Sprintf("circuit breaker is open, retry in %s", e.RemainingWait.Round(time.Millisecond))
	}
	return "circuit breaker is open, probe budget exhausted"
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures
	// before opening the circuit. Default: 5.
	FailureThreshold int

	// OpenTimeout is how long the circuit stays open before allowing
	// half-open probes. Default: 60s.
	OpenTimeout time.Duration

	// HalfOpenMaxCalls is the number of probe calls allowed while
	// half-open. Default: 3.
	HalfOpenMaxCalls int

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns the default breaker parameters.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is the process-wide fault tracker consulted before every outbound
// submission attempt. All state is guarded by a single mutex; one instance
// is shared across whatever worker concurrency exists.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenCalls       int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBreaker creates a circuit breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	return &Breaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// CallAllowed reports whether an outbound call may proceed right now. While
// open it rejects with the remaining cooldown, transitioning to half-open
// once the cooldown has elapsed; while half-open it admits calls until the
// probe budget is spent.
func (b *Breaker) CallAllowed() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		elapsed := b.nowFunc().Sub(b.lastFailureTime)
		if elapsed > b.cfg.OpenTimeout {
			b.transition(CircuitHalfOpen)
			b.halfOpenCalls = 1 // this call is the first probe
			return nil
		}
		return &CircuitOpenError{RemainingWait: b.cfg.OpenTimeout - elapsed}
	case CircuitHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return nil
		}
		return &CircuitOpenError{}
	default:
		return nil
	}
}

// RecordSuccess notes a successful call. A half-open success closes the
// circuit and zeroes the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.transition(CircuitClosed)
		b.consecutiveFailures = 0
		b.halfOpenCalls = 0
	case CircuitClosed:
		b.consecutiveFailures = 0
	}
}

// RecordFailure notes a failed call. Non-retryable failures (validation,
// auth) never affect the breaker. A retryable failure while half-open
// immediately reopens the circuit; while closed, reaching the threshold
// opens it.
func (b *Breaker) RecordFailure(retryable bool) {
	if !retryable {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = b.nowFunc()

	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
		b.halfOpenCalls = 0
	}
}

// State returns the current circuit state. An open circuit whose cooldown
// has elapsed reports half-open, matching what the next CallAllowed will do.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailureTime) > b.cfg.OpenTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Counters returns the consecutive failure count and state for observability.
func (b *Breaker) Counters() (consecutiveFailures int, state CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures, b.state
}

// Reset forces the circuit back to closed. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = CircuitClosed
	b.consecutiveFailures = 0
	b.halfOpenCalls = 0
	if old != CircuitClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, CircuitClosed)
	}
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
