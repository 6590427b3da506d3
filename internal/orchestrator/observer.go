package orchestrator

import (
	"time"

	"aiorch/internal/circuit"
)

// OutcomeSuccess is the attempt outcome reported for a successful call. Failed
// attempts report their core.ErrorType.
const OutcomeSuccess = "success"

// Observer receives orchestration events, typically to export metrics.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	// AttemptFinished is called once per provider attempt, including circuit-open skips
	AttemptFinished(provider, outcome string, latency time.Duration)
	// CacheLookup is called once per Complete call
	CacheLookup(hit bool)
	// CircuitStateChanged is called on every breaker transition
	CircuitStateChanged(provider string, from, to circuit.State)
}

type noopObserver struct{}

func (noopObserver) AttemptFinished(string, string, time.Duration)            {}
func (noopObserver) CacheLookup(bool)                                         {}
func (noopObserver) CircuitStateChanged(string, circuit.State, circuit.State) {}
