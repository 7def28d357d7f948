package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the breaker's time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock) {
	b := NewBreaker(cfg)
	clock := newFakeClock()
	b.nowFunc = clock.Now
	return b, clock
}

func TestBreaker_Closed_AllowsCalls(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	if err := b.CallAllowed(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Minute})

	for i := 0; i < 4; i++ {
		b.RecordFailure(true)
	}
	if b.State() != CircuitClosed {
		t.Fatalf("expected closed after 4 failures, got %s", b.State())
	}

	b.RecordFailure(true)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open after 5 failures, got %s", b.State())
	}

	err := b.CallAllowed()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}

	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %T", err)
	}
	if openErr.RemainingWait <= 0 || openErr.RemainingWait > time.Minute {
		t.Errorf("remaining wait out of range: %s", openErr.RemainingWait)
	}
}

func TestBreaker_NonRetryableFailureDoesNotTrip(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute})

	for i := 0; i < 10; i++ {
		b.RecordFailure(false)
	}

	if b.State() != CircuitClosed {
		t.Errorf("expected closed after non-retryable failures, got %s", b.State())
	}
	failures, _ := b.Counters()
	if failures != 0 {
		t.Errorf("expected 0 consecutive failures, got %d", failures)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure(true)
	b.RecordFailure(true)
	b.RecordSuccess()
	b.RecordFailure(true)
	b.RecordFailure(true)

	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 3,
	})

	b.RecordFailure(true)
	b.RecordFailure(true)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Exactly at the timeout boundary the circuit stays closed to probes.
	clock.Advance(time.Minute)
	if err := b.CallAllowed(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection at exact timeout, got %v", err)
	}

	clock.Advance(time.Second)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", b.State())
	}

	// Probe budget: exactly 3 calls.
	for i := 0; i < 3; i++ {
		if err := b.CallAllowed(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	err := b.CallAllowed()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection after probe budget spent, got %v", err)
	}
	var openErr *CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected CircuitOpenError, got %T", err)
	}
	if openErr.RemainingWait != 0 {
		t.Errorf("exhausted probe budget should report zero wait, got %s", openErr.RemainingWait)
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 3,
	})

	b.RecordFailure(true)
	b.RecordFailure(true)
	clock.Advance(time.Minute + time.Second)

	if err := b.CallAllowed(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordSuccess()

	if b.State() != CircuitClosed {
		t.Fatalf("expected closed after half-open success, got %s", b.State())
	}
	failures, _ := b.Counters()
	if failures != 0 {
		t.Errorf("expected failure count zeroed, got %d", failures)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 3,
	})

	b.RecordFailure(true)
	b.RecordFailure(true)
	clock.Advance(time.Minute + time.Second)

	if err := b.CallAllowed(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordFailure(true)

	if b.State() != CircuitOpen {
		t.Fatalf("expected reopened circuit, got %s", b.State())
	}

	// The new open period starts from the probe failure.
	if err := b.CallAllowed(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected rejection after reopen, got %v", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	var transitions []string
	b, _ := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure(true)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	b.Reset()
	if b.State() != CircuitClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
	if err := b.CallAllowed(); err != nil {
		t.Errorf("call after reset rejected: %v", err)
	}

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 50, OpenTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.CallAllowed()
				b.RecordFailure(true)
				b.RecordSuccess()
				_ = b.State()
			}
		}()
	}
	wg.Wait()
}
