package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"aiorch/internal/core"
)

// Stream is an open completion stream from one provider.
type Stream struct {
	// Provider is the name of the provider serving the stream
	Provider string
	// Body yields OpenAI-style SSE chunks; the caller must close it
	Body io.ReadCloser
}

// Stream opens a streaming completion, trying providers sequentially in
// fallback order regardless of strategy. A provider counts as successful once
// it has answered with a stream. Streams are never cached.
func (o *Orchestrator) Stream(ctx context.Context, req *core.CompletionRequest) (*Stream, error) {
	if req == nil {
		return nil, core.NewInvalidRequestError("request body is required", nil)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := core.Fingerprint(req)

	attempts := make([]core.Attempt, 0, len(o.backends))
	var last error
	for i, b := range o.backends {
		body, err := o.openStream(ctx, b, req, key, i+1)
		if err == nil {
			return &Stream{Provider: b.name, Body: body}, nil
		}
		if core.IsCallerCancelled(ctx) {
			return nil, fmt.Errorf("stream abandoned by caller: %w", ctx.Err())
		}
		attempts = append(attempts, newAttempt(b.name, err))
		last = err
	}
	return nil, &core.AllProvidersFailedError{Attempts: attempts, Last: last}
}

// openStream bounds only the time to the first response, limiter wait
// included. Once the stream is open it lives until the caller closes it or
// ctx ends.
func (o *Orchestrator) openStream(ctx context.Context, b *backend, req *core.CompletionRequest, key string, n int) (io.ReadCloser, error) {
	if !b.breaker.Allow() {
		o.observer.AttemptFinished(b.name, string(core.ErrorTypeCircuitOpen), 0)
		return nil, core.NewCircuitOpenError(b.name)
	}

	deadline := time.Now().Add(b.timeout)
	waitCtx, waitCancel := context.WithDeadline(ctx, deadline)
	release, err := b.limiter.Acquire(waitCtx)
	waitCancel()
	if err != nil {
		b.breaker.Abandon()
		if core.IsCallerCancelled(ctx) {
			return nil, err
		}
		o.observer.AttemptFinished(b.name, string(core.ErrorTypeTimeout), 0)
		return nil, core.NewTimeoutError(b.name, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	timedOut := make(chan struct{})
	timer := time.AfterFunc(time.Until(deadline), func() {
		close(timedOut)
		cancel()
	})

	start := time.Now()
	body, err := b.provider.StreamComplete(streamCtx, req)
	latency := time.Since(start)
	stopped := timer.Stop()

	if err == nil && body == nil {
		err = core.NewMalformedResponseError(b.name, "provider returned no stream", nil)
	}
	if err == nil && !stopped {
		// The deadline fired just as the stream opened; the body is unusable.
		_ = body.Close()
		err = core.NewTimeoutError(b.name, nil)
	}
	if err != nil {
		cancel()
		release()
		if core.IsCallerCancelled(ctx) {
			b.breaker.Abandon()
			return nil, err
		}
		select {
		case <-timedOut:
			if core.ErrorTypeOf(err) != core.ErrorTypeTimeout {
				err = core.NewTimeoutError(b.name, err)
			}
		default:
		}
		o.recordFailure(ctx, b, err, latency, key, n)
		return nil, err
	}

	b.health.Observe(true, latency)
	b.breaker.RecordSuccess()
	o.observer.AttemptFinished(b.name, OutcomeSuccess, latency)

	return &streamBody{ReadCloser: body, done: func() {
		cancel()
		release()
	}}, nil
}

// streamBody releases the limiter slot and the stream context on Close
type streamBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (s *streamBody) Close() error {
	err := s.ReadCloser.Close()
	s.once.Do(s.done)
	return err
}
