// Package orchestrator implements the orchestrator facade (C10): it
// wires the error classifier, circuit breaker, retry executor, provider
// registry, fallback dispatcher, response cache, degradation layer,
// priority queue, and self-healing controller together behind the two
// public operations spec.md §4.10 names, Execute and Enqueue, plus the
// Metrics/Health/Start/Stop lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/cache"
	"github.com/S-Corkum/orchestrator-core/pkg/circuitbreaker"
	"github.com/S-Corkum/orchestrator-core/pkg/config"
	"github.com/S-Corkum/orchestrator-core/pkg/degradation"
	"github.com/S-Corkum/orchestrator-core/pkg/dispatch"
	coreerrors "github.com/S-Corkum/orchestrator-core/pkg/errors"
	"github.com/S-Corkum/orchestrator-core/pkg/events"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/provider"
	"github.com/S-Corkum/orchestrator-core/pkg/queue"
	"github.com/S-Corkum/orchestrator-core/pkg/retry"
	"github.com/S-Corkum/orchestrator-core/pkg/selfheal"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// queueDepthDegraded is the queue-depth threshold past which Health()
// reports "degraded" even when every provider looks fine (spec.md
// §4.10's aggregation rule).
const queueDepthDegraded = 100

// Deps bundles the optional collaborators New needs beyond Config. Every
// field may be left nil: persistence falls back to in-memory-only C6/C8,
// and the C9 collaborators fall back to their no-op stand-ins.
type Deps struct {
	CachePersister cache.Persister
	QueuePersister queue.Persister
	Browser        selfheal.BrowserManager
	Selectors      selfheal.SelectorDiscovery
	Configs        selfheal.ConfigManager
	Events         *events.Bus
	Logger         observability.Logger
	Metrics        observability.MetricsClient
}

// HealthReport is Health()'s return shape per spec.md §4.10.
type HealthReport struct {
	Status     types.HealthStatus
	Providers  map[string]types.ProviderHealth
	QueueDepth int
	CacheSize  int
}

// Orchestrator is the C10 facade. It owns C1-C9 exclusively; callers
// reach them only through Execute/Enqueue/Metrics/Health.
type Orchestrator struct {
	cfg        config.Config
	action     types.ProviderAction
	classifier *coreerrors.Classifier
	breakers   *circuitbreaker.Manager
	retryExec  *retry.Executor
	registry   *provider.Registry
	dispatcher *dispatch.Dispatcher
	cacheStore *cache.Store
	degrader   *degradation.Layer
	queue      *queue.Queue
	healer     *selfheal.Controller
	events     *events.Bus
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// New wires every component from cfg and action, the single
// provider-supplied action (spec.md §6) this orchestrator dispatches
// every request through.
func New(cfg config.Config, action types.ProviderAction, deps Deps) (*Orchestrator, error) {
	if action == nil {
		return nil, errors.New("orchestrator: action must not be nil")
	}

	bus := deps.Events
	if bus == nil {
		bus = events.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	classifier := coreerrors.NewClassifier()

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		Window:            config.Millis(cfg.Breaker.WindowMs),
		OpenTimeout:       config.Millis(cfg.Breaker.OpenTimeoutMs),
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenTrials,
	}, bus, logger, metrics)

	retryExec := retry.New(retry.Config{
		BaseDelay:  config.Millis(cfg.Retry.BaseDelayMs),
		MaxDelay:   config.Millis(cfg.Retry.MaxDelayMs),
		MaxRetries: cfg.Retry.MaxRetries,
		Jitter:     cfg.Retry.Jitter,
		Policy:     retry.Policy(cfg.Retry.Policy),
		DedupTTL:   config.Millis(cfg.Retry.DedupTTLMs),
	}, breakers, classifier, logger, metrics)

	registry := provider.New(provider.Config{
		HealthTick: config.Millis(cfg.Health.CheckIntervalMs),
	}, breakers, bus, logger, metrics)

	dispatcher := dispatch.New(registry, retryExec, bus, logger, metrics)

	cacheStore, err := cache.New(cache.Config{
		Capacity:       cfg.Cache.Capacity,
		DefaultTTL:     config.Millis(cfg.Cache.DefaultTTLMs),
		StaleWindow:    config.Millis(cfg.Cache.StaleTTLMs),
		PersistEnabled: cfg.Cache.PersistEnabled,
	}, deps.CachePersister, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cache init: %w", err)
	}

	degrader := degradation.New(degradation.DefaultConfig(), cacheStore, dispatcher, bus, logger, metrics)

	healer := selfheal.New(selfheal.Config{
		Enabled:     cfg.SelfHeal.Enabled,
		AutoRecover: cfg.SelfHeal.AutoRecover,
		HistoryCap:  cfg.SelfHeal.HistoryCap,
	}, breakers, classifier, deps.Browser, deps.Selectors, deps.Configs, bus, logger, metrics)

	o := &Orchestrator{
		cfg:        cfg,
		action:     action,
		classifier: classifier,
		breakers:   breakers,
		retryExec:  retryExec,
		registry:   registry,
		dispatcher: dispatcher,
		cacheStore: cacheStore,
		degrader:   degrader,
		healer:     healer,
		events:     bus,
		logger:     logger,
		metrics:    metrics,
	}

	q, err := queue.New(queue.Config{
		Concurrency:     cfg.Queue.Concurrency,
		PollInterval:    config.Millis(cfg.Queue.PollIntervalMs),
		PersistInterval: config.Millis(cfg.Queue.PersistIntervalMs),
		MaxSize:         cfg.Queue.MaxSize,
		RetryBaseDelay:  config.Millis(cfg.Retry.BaseDelayMs),
	}, deps.QueuePersister, o.Execute, bus, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: queue init: %w", err)
	}
	o.queue = q

	return o, nil
}

// RegisterProvider adds p to the provider registry.
func (o *Orchestrator) RegisterProvider(p types.Provider) {
	o.registry.Register(p)
}

// Execute runs the synchronous path C7 → C5 → C3 → action for req,
// per spec.md §4.10. Errors surface only once every degradation
// strategy (cache, partial, generic) has also failed.
func (o *Orchestrator) Execute(ctx context.Context, req *types.Request) (*types.Result, error) {
	start := time.Now()
	result, err := o.degrader.Execute(ctx, req, o.action, true)
	if err != nil {
		o.handleFailure(ctx, req, err)
		o.emit(events.RequestFailed, map[string]interface{}{"request_id": req.RequestID, "error": err.Error()})
		return nil, err
	}

	if result.ResponseTimeMs == 0 {
		result.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	if result.Source == types.SourceLive {
		o.healer.OnSuccess(result.Provider)
	}
	o.emit(events.RequestSuccess, map[string]interface{}{
		"request_id": req.RequestID,
		"source":     string(result.Source),
		"provider":   result.Provider,
	})
	return result, nil
}

// handleFailure extracts the failing provider and its classified error
// from a degradation-exhausted failure and reports it to C9. A failure
// with no identifiable provider (e.g. no candidates at all) cannot be
// attributed to any provider's health and is not reported.
func (o *Orchestrator) handleFailure(ctx context.Context, req *types.Request, err error) {
	var exhausted *dispatch.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.LastProvider == "" {
		return
	}

	var cause error = exhausted
	if unwrapped := exhausted.Unwrap(); unwrapped != nil {
		cause = unwrapped
	}

	ce, ok := cause.(*coreerrors.ClassifiedError)
	if !ok {
		ce = o.classifier.Classify(coreerrors.Failure{Err: cause, Provider: exhausted.LastProvider})
	}
	o.healer.OnFailure(ctx, exhausted.LastProvider, ce)
}

// Enqueue hands req to the priority queue, returning its queue item ID
// immediately. The queue's worker pool eventually calls Execute for it.
func (o *Orchestrator) Enqueue(req *types.Request) (string, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	return o.queue.Enqueue(req)
}

// Metrics aggregates every component's counters.
func (o *Orchestrator) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"circuit_breakers":   o.breakers.AllMetrics(),
		"providers":          o.registry.AllHealth(),
		"queue_depth":        o.queue.Depth(),
		"queue_dead_letters": len(o.queue.DeadLetters()),
		"cache_size":         o.cacheStore.Len(),
		"recovery_history":   len(o.healer.History()),
	}
}

// Health reports the orchestrator's overall status per spec.md §4.10's
// aggregation rule: critical if every provider is Unhealthy/Down;
// degraded if any provider is Unhealthy/Down or queue depth exceeds 100;
// healthy otherwise.
func (o *Orchestrator) Health() HealthReport {
	providers := o.registry.AllHealth()
	depth := o.queue.Depth()

	status := types.StatusHealthy
	anyUnhealthy := false
	allUnhealthy := len(providers) > 0
	for _, h := range providers {
		unhealthy := h.HealthLevel == types.HealthUnhealthy || h.HealthLevel == types.HealthDown
		if unhealthy {
			anyUnhealthy = true
		} else {
			allUnhealthy = false
		}
	}

	switch {
	case allUnhealthy:
		status = types.StatusCritical
	case anyUnhealthy || depth > queueDepthDegraded:
		status = types.StatusDegraded
	}

	return HealthReport{
		Status:     status,
		Providers:  providers,
		QueueDepth: depth,
		CacheSize:  o.cacheStore.Len(),
	}
}

// Start launches the queue's worker pool and persistence loop. The
// provider registry's health tick and the retry executor's dedup
// cleanup loop start in New, so Start only needs to bring the queue up.
func (o *Orchestrator) Start() {
	o.queue.Start()
}

// Stop tears down every background goroutine (the queue's workers and
// persistence loop, the registry's health tick, the retry executor's dedup
// cleanup, the cache's flush loop), then waits for any in-flight
// self-healing recovery.
func (o *Orchestrator) Stop() {
	o.queue.Stop()
	o.registry.Stop()
	o.retryExec.Stop()
	o.cacheStore.Stop()
	o.healer.Wait()
}

func (o *Orchestrator) emit(event string, payload map[string]interface{}) {
	if o.events != nil {
		o.events.Emit(event, payload)
	}
}
