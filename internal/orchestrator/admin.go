package orchestrator

import (
	"context"
	"sync"
	"time"

	"aiorch/internal/cache"
	"aiorch/internal/core"
	"aiorch/internal/providers"
)

// ProviderInfo is the static description of a configured provider
type ProviderInfo struct {
	Name                string            `json:"name"`
	Capabilities        core.Capabilities `json:"capabilities"`
	RateLimitConcurrent int               `json:"rate_limit_concurrency"`
	RateLimitIntervalMs int64             `json:"rate_limit_interval_ms"`
	TimeoutMs           int64             `json:"timeout_ms"`
}

// ProviderHealth is the live status of a configured provider
type ProviderHealth struct {
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	ResponseTimeMs int64      `json:"responseTimeMs"`
	LastChecked    *time.Time `json:"lastChecked"`
	SuccessRate    float64    `json:"successRate"`
	SampleSize     int        `json:"sampleSize"`
	CircuitState   string     `json:"circuitState"`
}

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Providers lists providers in fallback order with their static capabilities.
func (o *Orchestrator) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(o.backends))
	for _, b := range o.backends {
		out = append(out, ProviderInfo{
			Name:                b.name,
			Capabilities:        b.provider.Capabilities(),
			RateLimitConcurrent: b.limiter.Concurrency(),
			RateLimitIntervalMs: b.limiter.Interval().Milliseconds(),
			TimeoutMs:           b.timeout.Milliseconds(),
		})
	}
	return out
}

// Health returns every provider's rolling-window status and circuit state in fallback order.
func (o *Orchestrator) Health() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(o.backends))
	for _, ns := range o.monitor.Snapshot() {
		b := o.byName[ns.Name]
		status := StatusHealthy
		if !ns.Healthy {
			status = StatusUnhealthy
		}
		ph := ProviderHealth{
			Name:           ns.Name,
			Status:         status,
			ResponseTimeMs: ns.AverageLatency.Milliseconds(),
			SuccessRate:    ns.SuccessRate,
			SampleSize:     ns.SampleSize,
			CircuitState:   b.breaker.State().String(),
		}
		if !ns.LastChecked.IsZero() {
			lc := ns.LastChecked
			ph.LastChecked = &lc
		}
		out = append(out, ph)
	}
	return out
}

// CheckHealth validates every provider's credential concurrently and records
// each outcome in its health window and breaker.
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(o.backends))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, b := range o.backends {
		wg.Add(1)
		go func(b *backend) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, b.timeout)
			defer cancel()

			start := time.Now()
			var err error
			if v, ok := b.provider.(core.CredentialValidator); ok {
				err = v.ValidateCredentials(checkCtx)
			} else {
				err = providers.ValidateWithProbe(checkCtx, b.provider)
			}
			latency := time.Since(start)

			if core.IsCallerCancelled(ctx) {
				return
			}
			if err != nil {
				o.recordFailure(ctx, b, err, latency, "health-check", 0)
			} else {
				b.health.Observe(true, latency)
				b.breaker.RecordSuccess()
				o.observer.AttemptFinished(b.name, OutcomeSuccess, latency)
			}

			mu.Lock()
			results[b.name] = err == nil
			mu.Unlock()
		}(b)
	}
	wg.Wait()
	return results
}

// Reset closes the named provider's circuit and empties its health window.
func (o *Orchestrator) Reset(name string) error {
	b, ok := o.byName[name]
	if !ok {
		return core.NewNotFoundError("unknown provider: " + name)
	}
	b.breaker.Reset()
	b.health.Reset()
	o.logger.Info("provider state reset", "provider", name)
	return nil
}

// CacheStats returns the response cache counters. A disabled cache reports zeros.
func (o *Orchestrator) CacheStats(ctx context.Context) (cache.Stats, error) {
	if o.cache == nil {
		return cache.Stats{}, nil
	}
	return o.cache.Stats(ctx)
}

// ClearCache removes every cached response and returns how many were removed.
func (o *Orchestrator) ClearCache(ctx context.Context) (int64, error) {
	if o.cache == nil {
		return 0, nil
	}
	n, err := o.cache.Clear(ctx)
	if err != nil {
		return n, err
	}
	o.logger.Info("response cache cleared", "removed", n)
	return n, nil
}
