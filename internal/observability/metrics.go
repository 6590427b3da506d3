// Package observability exports orchestration events as Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aiorch/internal/circuit"
	"aiorch/internal/orchestrator"
)

const namespace = "aiorch"

// Metrics implements orchestrator.Observer on a private registry, so several
// instances (one per test, for example) never collide.
type Metrics struct {
	registry *prometheus.Registry

	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
}

var _ orchestrator.Observer = (*Metrics)(nil)

// NewMetrics registers every collector, plus the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome (success or error type, circuit_open for skips)",
		}, []string{"provider", "outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Latency of provider calls that reached the provider",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result",
		}, []string{"result"}),
		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit state per provider (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker transitions",
		}, []string{"provider", "from", "to"}),
	}
}

// InitProvider publishes a closed circuit for name before its first call.
func (m *Metrics) InitProvider(name string) {
	m.circuitState.WithLabelValues(name).Set(float64(circuit.StateClosed))
}

// AttemptFinished implements orchestrator.Observer
func (m *Metrics) AttemptFinished(provider, outcome string, latency time.Duration) {
	m.attempts.WithLabelValues(provider, outcome).Inc()
	if latency > 0 {
		m.latency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// CacheLookup implements orchestrator.Observer
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// CircuitStateChanged implements orchestrator.Observer
func (m *Metrics) CircuitStateChanged(provider string, from, to circuit.State) {
	m.circuitState.WithLabelValues(provider).Set(float64(to))
	m.transitions.WithLabelValues(provider, from.String(), to.String()).Inc()
}

// Gatherer exposes the registry, for tests
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
