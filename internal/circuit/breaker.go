// Package circuit isolates failing providers with a Closed/Open/HalfOpen breaker.
package circuit

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen fails every call fast until the reset timeout elapses
	StateOpen
	// StateHalfOpen admits a limited number of trial calls
	StateHalfOpen
)

// String returns the state name used in logs, metrics and the health API
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a closed circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that closes the circuit
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before admitting trial calls
	ResetTimeout time.Duration
	// TestRequestLimit bounds the trial calls admitted while half-open
	TestRequestLimit int
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		ResetTimeout:     60 * time.Second,
		TestRequestLimit: 3,
	}
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	HalfOpenTrials      int
	HalfOpenSuccesses   int
	OpenedAt            time.Time
}

// StateChangeFunc observes transitions
type StateChangeFunc func(from, to State)

// Breaker is one provider's circuit breaker. It is safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	state     State
	failures  int
	trials    int
	successes int
	openedAt  time.Time

	onChange StateChangeFunc
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition observer. It runs under the breaker
// lock and must not call back into the breaker.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker. Non-positive thresholds fall back to the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.TestRequestLimit <= 0 {
		cfg.TestRequestLimit = def.TestRequestLimit
	}
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open circuit whose reset timeout
// has elapsed moves to half-open and admits this call as the first trial. Once
// the trial budget is spent without closing, the circuit re-opens.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.trials = 1
		b.successes = 0
		return true
	case StateHalfOpen:
		if b.trials < b.cfg.TestRequestLimit {
			b.trials++
			return true
		}
		b.open()
		return false
	}
	return false
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.trials = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed call
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// Abandon returns the trial slot taken by Allow for a call whose outcome is
// never recorded. Outside half-open it does nothing.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.trials > 0 {
		b.trials--
	}
}

// Reset forces the circuit closed and clears every counter
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.trials = 0
	b.successes = 0
	b.openedAt = time.Time{}
}

// State returns the current state without advancing it
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the state and counters
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenTrials:      b.trials,
		HalfOpenSuccesses:   b.successes,
		OpenedAt:            b.openedAt,
	}
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.trials = 0
	b.successes = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
