// Package orchestrator routes completion requests across providers in a fixed
// fallback order, consulting the response cache first and isolating failing
// providers behind per-provider rate limiters and circuit breakers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aiorch/internal/cache"
	"aiorch/internal/circuit"
	"aiorch/internal/core"
	"aiorch/internal/health"
	"aiorch/internal/logging"
	"aiorch/internal/ratelimit"
)

// Strategy selects how providers are attempted.
type Strategy string

const (
	// StrategySequential tries providers one at a time in fallback order
	StrategySequential Strategy = "sequential"
	// StrategyParallel races every admissible provider; the first success wins
	StrategyParallel Strategy = "parallel"
)

const defaultAttemptTimeout = 30 * time.Second

// Target is one configured provider and its limits.
type Target struct {
	Provider core.Provider
	// Concurrency bounds in-flight calls (0 = unbounded)
	Concurrency int
	// Interval is the minimum spacing between call starts (0 = none)
	Interval time.Duration
	// Timeout overrides Options.AttemptTimeout for this provider
	Timeout time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Strategy       Strategy
	AttemptTimeout time.Duration
	// CacheTTL is applied to every stored response; 0 disables caching
	CacheTTL time.Duration
	Circuit  circuit.Config
	Health   health.Config
	Observer Observer
	Logger   *slog.Logger
	// Clock drives the breakers and health windows; nil means time.Now
	Clock func() time.Time
}

// backend is the per-provider state owned by one orchestrator.
type backend struct {
	name     string
	provider core.Provider
	limiter  *ratelimit.Limiter
	breaker  *circuit.Breaker
	health   *health.Record
	timeout  time.Duration
}

// Orchestrator is safe for concurrent use. Every piece of mutable state is
// per provider or per cache key; there is no lock across providers.
type Orchestrator struct {
	backends []*backend
	byName   map[string]*backend
	cache    cache.ResponseCache
	monitor  *health.Monitor
	strategy Strategy
	cacheTTL time.Duration
	observer Observer
	logger   *slog.Logger
}

// New builds an orchestrator over targets, which are attempted in slice order.
// responses may be nil to disable caching.
func New(targets []Target, responses cache.ResponseCache, opts Options) (*Orchestrator, error) {
	if len(targets) == 0 {
		return nil, errors.New("orchestrator: at least one provider is required")
	}
	strategy := opts.Strategy
	switch strategy {
	case "":
		strategy = StrategySequential
	case StrategySequential, StrategyParallel:
	default:
		return nil, fmt.Errorf("orchestrator: unknown strategy %q", strategy)
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.Provider == nil {
			return nil, errors.New("orchestrator: nil provider")
		}
		names = append(names, t.Provider.Name())
	}
	monitor := health.NewMonitor(opts.Health, names, now)

	o := &Orchestrator{
		byName:   make(map[string]*backend, len(targets)),
		cache:    responses,
		monitor:  monitor,
		strategy: strategy,
		cacheTTL: opts.CacheTTL,
		observer: observer,
		logger:   logger,
	}
	for _, t := range targets {
		name := t.Provider.Name()
		if _, dup := o.byName[name]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate provider %q", name)
		}
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = attemptTimeout
		}
		b := &backend{
			name:     name,
			provider: t.Provider,
			limiter:  ratelimit.New(t.Concurrency, t.Interval),
			health:   monitor.Record(name),
			timeout:  timeout,
		}
		b.breaker = circuit.New(opts.Circuit,
			circuit.WithClock(now),
			circuit.WithStateChange(func(from, to circuit.State) {
				observer.CircuitStateChanged(name, from, to)
				logger.Info("circuit state changed", "provider", name, "from", from.String(), "to", to.String())
			}),
		)
		o.backends = append(o.backends, b)
		o.byName[name] = b
	}
	return o, nil
}

// Strategy returns the configured strategy.
func (o *Orchestrator) Strategy() Strategy {
	return o.strategy
}

// Complete returns a cached response when one exists, otherwise the first
// successful provider response. When every provider fails the error is a
// *core.AllProvidersFailedError whose cause is the last provider's failure.
func (o *Orchestrator) Complete(ctx context.Context, req *core.CompletionRequest) (*core.CompletionResponse, error) {
	if req == nil {
		return nil, core.NewInvalidRequestError("request body is required", nil)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := core.Fingerprint(req)
	if resp, ok := o.lookup(ctx, key); ok {
		return resp, nil
	}

	if last := lastUserMessage(req); last != "" {
		o.logger.Debug("dispatching completion",
			"request_id", core.GetRequestID(ctx),
			"fingerprint", shortKey(key),
			"messages", len(req.Messages),
			"preview", logging.Truncate(last),
		)
	}

	var resp *core.CompletionResponse
	var err error
	if o.strategy == StrategyParallel {
		resp, err = o.race(ctx, req, key)
	} else {
		resp, err = o.sequential(ctx, req, key)
	}
	if err != nil {
		return nil, err
	}

	o.store(ctx, key, resp)
	return resp, nil
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*core.CompletionResponse, bool) {
	if o.cache == nil || o.cacheTTL <= 0 {
		return nil, false
	}
	resp, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("response cache read failed", "fingerprint", shortKey(key), "error", err)
		ok = false
	}
	o.observer.CacheLookup(ok)
	if !ok {
		return nil, false
	}
	resp.Cached = true
	return resp, true
}

func (o *Orchestrator) store(ctx context.Context, key string, resp *core.CompletionResponse) {
	if o.cache == nil || o.cacheTTL <= 0 {
		return
	}
	// The caller may already be gone; the answer is still worth keeping.
	if err := o.cache.Set(context.WithoutCancel(ctx), key, resp, o.cacheTTL); err != nil {
		o.logger.Warn("response cache write failed", "fingerprint", shortKey(key), "error", err)
	}
}

func (o *Orchestrator) sequential(ctx context.Context, req *core.CompletionRequest, key string) (*core.CompletionResponse, error) {
	attempts := make([]core.Attempt, 0, len(o.backends))
	var last error
	for i, b := range o.backends {
		resp, err := o.attempt(ctx, b, req, key, i+1)
		if err == nil {
			return resp, nil
		}
		if core.IsCallerCancelled(ctx) {
			return nil, fmt.Errorf("completion abandoned by caller: %w", ctx.Err())
		}
		if !core.IsRetryable(err) {
			return nil, err
		}
		attempts = append(attempts, newAttempt(b.name, err))
		last = err
	}
	return nil, &core.AllProvidersFailedError{Attempts: attempts, Last: last}
}

type raceResult struct {
	idx  int
	resp *core.CompletionResponse
	err  error
}

// race starts every provider at once under a cancellable scope. The first
// success cancels its siblings; their late results are discarded and, being
// cancellations, never charged to those providers.
func (o *Orchestrator) race(ctx context.Context, req *core.CompletionRequest, key string) (*core.CompletionResponse, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(o.backends))
	for i, b := range o.backends {
		go func(i int, b *backend) {
			resp, err := o.attempt(raceCtx, b, req, key, i+1)
			results <- raceResult{idx: i, resp: resp, err: err}
		}(i, b)
	}

	errs := make([]error, len(o.backends))
	for range o.backends {
		r := <-results
		if r.err == nil {
			return r.resp, nil
		}
		errs[r.idx] = r.err
	}

	if core.IsCallerCancelled(ctx) {
		return nil, fmt.Errorf("completion abandoned by caller: %w", ctx.Err())
	}
	attempts := make([]core.Attempt, 0, len(o.backends))
	for i, err := range errs {
		attempts = append(attempts, newAttempt(o.backends[i].name, err))
	}
	return nil, &core.AllProvidersFailedError{Attempts: attempts, Last: errs[len(errs)-1]}
}

// attempt runs one provider call through its breaker and limiter and records
// the outcome. One deadline bounds both the limiter wait and the call. A
// limiter wait that expires is a timeout for fallback purposes but is not
// charged to health or the breaker, and neither are open-circuit skips or
// caller cancellations.
func (o *Orchestrator) attempt(ctx context.Context, b *backend, req *core.CompletionRequest, key string, n int) (*core.CompletionResponse, error) {
	if !b.breaker.Allow() {
		o.observer.AttemptFinished(b.name, string(core.ErrorTypeCircuitOpen), 0)
		o.logger.Debug("provider skipped, circuit open", "provider", b.name, "attempt", n,
			"request_id", core.GetRequestID(ctx))
		return nil, core.NewCircuitOpenError(b.name)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	release, err := b.limiter.Acquire(callCtx)
	if err != nil {
		b.breaker.Abandon()
		if core.IsCallerCancelled(ctx) {
			return nil, err
		}
		o.observer.AttemptFinished(b.name, string(core.ErrorTypeTimeout), 0)
		o.logger.Debug("provider skipped, rate limit wait timed out", "provider", b.name, "attempt", n,
			"request_id", core.GetRequestID(ctx))
		return nil, core.NewTimeoutError(b.name, err)
	}

	start := time.Now()
	resp, err := b.provider.Complete(callCtx, req)
	latency := time.Since(start)
	deadlineHit := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	release()

	if err == nil && resp == nil {
		err = core.NewMalformedResponseError(b.name, "provider returned no response", nil)
	}
	if err != nil {
		if core.IsCallerCancelled(ctx) {
			b.breaker.Abandon()
			return nil, err
		}
		if deadlineHit && core.ErrorTypeOf(err) != core.ErrorTypeTimeout {
			err = core.NewTimeoutError(b.name, err)
		}
		o.recordFailure(ctx, b, err, latency, key, n)
		return nil, err
	}

	b.health.Observe(true, latency)
	b.breaker.RecordSuccess()
	o.observer.AttemptFinished(b.name, OutcomeSuccess, latency)

	resp.Provider = b.name
	resp.Cached = false
	return resp, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, b *backend, err error, latency time.Duration, key string, n int) {
	b.health.Observe(false, latency)
	b.breaker.RecordFailure()

	errType := core.ErrorTypeOf(err)
	if errType == "" {
		errType = core.ErrorTypeProviderUnavailable
	}
	o.observer.AttemptFinished(b.name, string(errType), latency)
	o.logger.Warn("provider attempt failed",
		"provider", b.name,
		"error_type", string(errType),
		"attempt", n,
		"latency_ms", latency.Milliseconds(),
		"request_id", core.GetRequestID(ctx),
		"fingerprint", shortKey(key),
		"error", logging.Truncate(err.Error()),
	)
}

func newAttempt(provider string, err error) core.Attempt {
	errType := core.ErrorTypeOf(err)
	if errType == "" {
		errType = core.ErrorTypeProviderUnavailable
	}
	var msg string
	if err != nil {
		msg = logging.Truncate(err.Error())
	}
	return core.Attempt{Provider: provider, ErrorType: errType, Message: msg}
}

func lastUserMessage(req *core.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// shortKey is the fingerprint prefix used in logs
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
