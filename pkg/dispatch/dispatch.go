// Package dispatch implements the fallback dispatcher (C5): it builds a
// candidate list from the provider registry (C4) and invokes the retry
// executor (C3) against each candidate in turn until one succeeds or the
// list is exhausted.
package dispatch

import (
	"context"
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/retry"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// defaultAttemptTimeout is the per-attempt deadline used when a request
// carries no explicit deadline.
const defaultAttemptTimeout = 30 * time.Second

// EventSink receives dispatch-level lifecycle events.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// Registry is the subset of *provider.Registry the dispatcher needs.
type Registry interface {
	CandidateOrder(excluded map[string]struct{}, preferred string) []string
	RecordSuccess(provider string, responseTime time.Duration)
	RecordFailure(provider string)
}

// Executor is the subset of *retry.Executor the dispatcher needs.
type Executor interface {
	Execute(ctx context.Context, provider string, fingerprint string, maxRetries int, action retry.Action) (interface{}, error)
}

// ExhaustedError is returned when every candidate provider failed. It
// wraps the last underlying error encountered.
type ExhaustedError struct {
	AllProvidersExhausted bool
	LastProvider          string
	cause                 error
}

func (e *ExhaustedError) Error() string {
	if e.cause == nil {
		return "all candidate providers exhausted"
	}
	return "all candidate providers exhausted: " + e.cause.Error()
}

// Unwrap exposes the last underlying error for errors.Is/As.
func (e *ExhaustedError) Unwrap() error {
	return e.cause
}

// Dispatcher is the C5 fallback dispatcher.
type Dispatcher struct {
	registry Registry
	executor Executor
	events   EventSink
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// New creates a Dispatcher.
func New(registry Registry, executor Executor, events EventSink, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Dispatcher{registry: registry, executor: executor, events: events, logger: logger, metrics: metrics}
}

// Dispatch builds the candidate list via C4 and invokes action through
// C3 against each candidate in turn, per spec.md §4.5.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.Request, action types.ProviderAction) (interface{}, string, error) {
	candidates := d.registry.CandidateOrder(req.ExcludedProviders, req.PreferredProvider)
	if len(candidates) == 0 {
		return nil, "", &ExhaustedError{AllProvidersExhausted: true}
	}

	var lastErr error
	var lastProvider string

	for _, provider := range candidates {
		attemptCtx, cancel := d.attemptContext(ctx, req)
		start := time.Now()

		provider := provider
		wrapped := func(c context.Context) (interface{}, error) {
			return action(c, provider)
		}

		result, err := d.executor.Execute(attemptCtx, provider, req.Fingerprint, req.MaxRetries, wrapped)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			d.registry.RecordSuccess(provider, elapsed)
			d.metrics.RecordHistogram("dispatch_attempt_duration", elapsed.Seconds(), map[string]string{"provider": provider, "result": "success"})
			return result, provider, nil
		}

		d.registry.RecordFailure(provider)
		d.metrics.RecordHistogram("dispatch_attempt_duration", elapsed.Seconds(), map[string]string{"provider": provider, "result": "failure"})
		lastErr = err
		lastProvider = provider
		d.emit("fallback", map[string]interface{}{"provider": provider, "error": err.Error()})
	}

	return nil, lastProvider, &ExhaustedError{AllProvidersExhausted: true, LastProvider: lastProvider, cause: lastErr}
}

// attemptContext derives the per-attempt deadline: the request's own
// deadline if set, else defaultAttemptTimeout. Exceeding it cancels the
// in-flight action, which C1 classifies as a Timeout failure.
func (d *Dispatcher) attemptContext(ctx context.Context, req *types.Request) (context.Context, context.CancelFunc) {
	if req.HasDeadline() {
		return context.WithDeadline(ctx, req.Deadline)
	}
	return context.WithTimeout(ctx, defaultAttemptTimeout)
}

func (d *Dispatcher) emit(event string, payload map[string]interface{}) {
	if d.events != nil {
		d.events.Emit(event, payload)
	}
}
