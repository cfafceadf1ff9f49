// Package retry implements the exponential-backoff-with-jitter retry
// executor (C3) wrapped around a per-provider circuit breaker (C2), plus
// in-flight request deduplication by fingerprint.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/S-Corkum/orchestrator-core/pkg/circuitbreaker"
	coreerrors "github.com/S-Corkum/orchestrator-core/pkg/errors"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
)

// Policy selects the delay schedule. Linear and fixed are direct formula
// variants of exponential; adaptive additionally consults a rate limiter
// fed by RateLimit-classified failures (spec.md §9 open question: the
// source declares "adaptive" but implements it identically to
// exponential — this is the one concrete, narrow behavior difference we
// give it instead of inventing unspecified ML).
type Policy string

const (
	PolicyExponential Policy = "exponential"
	PolicyLinear      Policy = "linear"
	PolicyFixed       Policy = "fixed"
	PolicyAdaptive    Policy = "adaptive"
)

// Config mirrors spec.md §6's retry.* fields.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Jitter     float64
	Policy     Policy
	DedupTTL   time.Duration
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		MaxRetries: 5,
		Jitter:     0.3,
		Policy:     PolicyExponential,
		DedupTTL:   60 * time.Second,
	}
}

// Action is the provider-supplied unit of work an attempt invokes.
type Action func(ctx context.Context) (interface{}, error)

// Classifier is the subset of *errors.Classifier the executor needs.
type Classifier interface {
	Classify(f coreerrors.Failure) *coreerrors.ClassifiedError
}

// specBackOff implements backoff.BackOff with the exact delay schedule
// from spec.md §4.3: base*2^attempt capped at max_delay, then scaled by
// (1 + U(-jitter,+jitter)). lastCategory lets the adaptive policy consult
// the rate limiter for RateLimit-classified failures without widening
// the backoff.BackOff interface.
type specBackOff struct {
	config       Config
	limiter      *rate.Limiter
	attempt      int
	lastCategory coreerrors.Category
}

func (b *specBackOff) Reset() {
	b.attempt = 0
}

func (b *specBackOff) NextBackOff() time.Duration {
	delay := b.baseDelay()
	if b.config.Policy == PolicyAdaptive && b.lastCategory == coreerrors.CategoryRateLimit {
		if limiterDelay := b.limiter.Reserve().Delay(); limiterDelay > delay {
			delay = limiterDelay
		}
	}
	b.attempt++
	return delay
}

func (b *specBackOff) baseDelay() time.Duration {
	var delay time.Duration
	switch b.config.Policy {
	case PolicyLinear:
		delay = b.config.BaseDelay * time.Duration(b.attempt+1)
	case PolicyFixed:
		delay = b.config.BaseDelay
	default: // exponential and adaptive share the exponential base
		delay = time.Duration(float64(b.config.BaseDelay) * math.Pow(2, float64(b.attempt)))
	}
	if delay > b.config.MaxDelay {
		delay = b.config.MaxDelay
	}

	jitterFactor := 1 + (rand.Float64()*2-1)*b.config.Jitter
	jittered := time.Duration(float64(delay) * jitterFactor)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// inFlight tracks one outstanding (or recently completed) attempt for a
// fingerprint so concurrent callers with the same fingerprint attach to
// the same completion instead of dispatching a parallel attempt.
type inFlight struct {
	done      chan struct{}
	result    interface{}
	err       error
	expiresAt time.Time
}

// Executor is the C3 retry executor.
type Executor struct {
	config     Config
	breakers   *circuitbreaker.Manager
	classifier Classifier
	logger     observability.Logger
	metrics    observability.MetricsClient

	limiter *rate.Limiter

	mu        sync.Mutex
	inflight  map[string]*inFlight
	stopClean chan struct{}
}

// New creates an Executor.
func New(config Config, breakers *circuitbreaker.Manager, classifier Classifier, logger observability.Logger, metrics observability.MetricsClient) *Executor {
	if config.MaxRetries < 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	e := &Executor{
		config:     config,
		breakers:   breakers,
		classifier: classifier,
		logger:     logger,
		metrics:    metrics,
		limiter:    rate.NewLimiter(rate.Limit(1), 1),
		inflight:   make(map[string]*inFlight),
		stopClean:  make(chan struct{}),
	}
	go e.cleanupLoop()
	return e
}

// Stop terminates the dedup-table cleanup goroutine.
func (e *Executor) Stop() {
	close(e.stopClean)
}

func (e *Executor) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopClean:
			return
		case <-ticker.C:
			now := time.Now()
			e.mu.Lock()
			for fp, entry := range e.inflight {
				select {
				case <-entry.done:
					if now.After(entry.expiresAt) {
						delete(e.inflight, fp)
					}
				default:
				}
			}
			e.mu.Unlock()
		}
	}
}

// Execute runs action against provider, retrying per the configured
// policy and gated by the provider's circuit breaker. Concurrent callers
// sharing the same fingerprint and provider attach to one in-flight
// attempt; a different provider for the same fingerprint runs its own.
func (e *Executor) Execute(ctx context.Context, provider string, fingerprint string, maxRetries int, action Action) (interface{}, error) {
	key := provider + "\x00" + fingerprint
	if fingerprint != "" {
		if result, err, attached := e.attach(key); attached {
			return result, err
		}
	}

	result, err := e.run(ctx, provider, maxRetries, action)

	if fingerprint != "" {
		e.complete(key, result, err)
	}
	return result, err
}

// attach returns (result, err, true) if an in-flight attempt for
// fingerprint already exists and the caller should wait on it instead of
// dispatching a new one.
func (e *Executor) attach(fingerprint string) (interface{}, error, bool) {
	e.mu.Lock()
	entry, exists := e.inflight[fingerprint]
	if !exists {
		e.inflight[fingerprint] = &inFlight{done: make(chan struct{})}
		e.mu.Unlock()
		return nil, nil, false
	}
	e.mu.Unlock()

	<-entry.done
	return entry.result, entry.err, true
}

func (e *Executor) complete(fingerprint string, result interface{}, err error) {
	e.mu.Lock()
	entry, exists := e.inflight[fingerprint]
	if !exists {
		entry = &inFlight{done: make(chan struct{})}
		e.inflight[fingerprint] = entry
	}
	entry.result = result
	entry.err = err
	entry.expiresAt = time.Now().Add(e.config.DedupTTL)
	e.mu.Unlock()
	close(entry.done)
}

// run drives the retry loop through github.com/cenkalti/backoff/v4:
// each iteration invokes action through the provider's circuit breaker;
// a non-retryable or circuit-open failure is wrapped in backoff.Permanent
// so the library stops immediately instead of sleeping first.
func (e *Executor) run(ctx context.Context, provider string, maxRetries int, action Action) (interface{}, error) {
	if maxRetries <= 0 {
		maxRetries = e.config.MaxRetries
	}

	breaker := e.breakers.Get(provider)
	bo := &specBackOff{config: e.config, limiter: e.limiter}
	withRetries := backoff.WithMaxRetries(bo, uint64(maxRetries))

	var out interface{}
	operation := func() error {
		result, err := breaker.Execute(ctx, action)
		if err == nil {
			out = result
			return nil
		}

		ce := e.classify(provider, err)
		bo.lastCategory = ce.Category
		if ce.CircuitOpen || !ce.IsRetryable() {
			return backoff.Permanent(ce)
		}
		e.metrics.IncrementCounterWithLabels("retry_attempts_total", 1, map[string]string{"provider": provider})
		return ce
	}

	if err := backoff.Retry(operation, backoff.WithContext(withRetries, ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Executor) classify(provider string, err error) *coreerrors.ClassifiedError {
	if ce, ok := err.(*coreerrors.ClassifiedError); ok {
		return ce
	}
	return e.classifier.Classify(coreerrors.Failure{Err: err, Provider: provider})
}
