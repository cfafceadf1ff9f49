// Package circuitbreaker implements the per-provider circuit breaker
// (C2): a Closed/Open/HalfOpen gate built on top of github.com/sony/gobreaker.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	coreerrors "github.com/S-Corkum/orchestrator-core/pkg/errors"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// Config mirrors spec.md §6's breaker.* fields.
type Config struct {
	FailureThreshold  int           // N, default 5
	Window            time.Duration // W, default 10s
	OpenTimeout       time.Duration // T, default 60s
	HalfOpenMaxTrials int           // K, default 3
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            10 * time.Second,
		OpenTimeout:       60 * time.Second,
		HalfOpenMaxTrials: 3,
	}
}

// EventSink receives circuit breaker lifecycle events. Implemented by the
// core's event bus; nil is a valid no-op sink.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// Breaker is the per-provider gate. The sliding failure window spec.md
// §4.2 describes is approximated by gobreaker's cyclic Counts bucket: we
// set Interval to the configured window so Closed-state failure counts
// reset every W, which behaves like "prune outside W" for a continuously
// loaded provider and is the standard way to express this spec's window
// semantics on top of gobreaker's generation-based counters (see
// DESIGN.md).
type Breaker struct {
	name   string
	config Config
	inner  *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	openUntil time.Time

	events  EventSink
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a Breaker for one provider.
func New(name string, config Config, events EventSink, logger observability.Logger, metrics observability.MetricsClient) *Breaker {
	if config.FailureThreshold <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	b := &Breaker{name: name, config: config, events: events, logger: logger, metrics: metrics}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.HalfOpenMaxTrials),
		Interval:    config.Window,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(config.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(from, to)
		},
	}
	b.inner = gobreaker.NewCircuitBreaker(settings)
	return b
}

func (b *Breaker) onStateChange(from, to gobreaker.State) {
	now := time.Now()
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openUntil = now.Add(b.config.OpenTimeout)
	} else {
		b.openUntil = time.Time{}
	}
	b.mu.Unlock()

	b.logger.Info("circuit breaker state changed", map[string]interface{}{
		"provider": b.name,
		"from":     from.String(),
		"to":       to.String(),
	})
	b.metrics.RecordGauge("circuit_breaker_state", float64(to), map[string]string{"provider": b.name})

	switch to {
	case gobreaker.StateOpen:
		b.emit("circuit_opened", map[string]interface{}{"provider": b.name, "open_until": b.OpenUntil()})
	case gobreaker.StateClosed:
		if from == gobreaker.StateHalfOpen {
			b.emit("circuit_reset", map[string]interface{}{"provider": b.name})
		}
	}
}

func (b *Breaker) emit(event string, payload map[string]interface{}) {
	if b.events != nil {
		b.events.Emit(event, payload)
	}
}

// OpenUntil returns the timestamp the breaker will next allow a trial, or
// the zero value if it is not Open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openUntil
}

// State returns the breaker's current state.
func (b *Breaker) State() types.CircuitState {
	switch b.inner.State() {
	case gobreaker.StateOpen:
		return types.CircuitOpen
	case gobreaker.StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// Execute runs fn through the breaker. A rejection (Open, or the Kth+1
// concurrent HalfOpen trial) returns a *coreerrors.ClassifiedError with
// CircuitOpen set and never invokes fn — matching spec.md §9's resolution
// of the HalfOpen race as "reject, never queue".
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	result, err := b.inner.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, coreerrors.CircuitOpenError(b.name, b.OpenUntil())
		}
		return nil, err
	}
	return result, nil
}

// Metrics returns a snapshot of the breaker's current counters, for the
// orchestrator's aggregate Metrics() surface.
func (b *Breaker) Metrics() map[string]interface{} {
	counts := b.inner.Counts()
	return map[string]interface{}{
		"provider":              b.name,
		"state":                 b.State().String(),
		"requests":              counts.Requests,
		"total_successes":       counts.TotalSuccesses,
		"total_failures":        counts.TotalFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"open_until":            b.OpenUntil(),
	}
}

// Manager owns one Breaker per provider, created on first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	events   EventSink
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewManager creates a Manager that lazily constructs breakers using
// config for every provider name it has not seen before.
func NewManager(config Config, events EventSink, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   config,
		events:   events,
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the Breaker for provider, creating it if necessary.
func (m *Manager) Get(provider string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}
	b = New(provider, m.config, m.events, m.logger, m.metrics)
	m.breakers[provider] = b
	return b
}

// AllMetrics returns every known provider's breaker metrics.
func (m *Manager) AllMetrics() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Metrics()
	}
	return out
}

// Reset forces the named provider's breaker back to Closed, used by C9
// after sustained recovery.
func (m *Manager) Reset(provider string) {
	b := m.Get(provider)
	// gobreaker has no public reset; rebuild the breaker in place, which
	// starts fresh in StateClosed with zeroed counts.
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[provider] = New(provider, m.config, m.events, m.logger, m.metrics)
	b.emit("circuit_reset", map[string]interface{}{"provider": provider})
}
