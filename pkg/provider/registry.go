// Package provider implements the provider registry and health tracker
// (C4): candidate ordering, health-score recomputation, and a background
// health tick that emits degrade/fail/recover events without mutating
// state.
package provider

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/circuitbreaker"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

const responseTimeRingCap = 100

// EventSink receives registry-level lifecycle events.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// Config mirrors spec.md §6's provider.* fields.
type Config struct {
	HealthTick      time.Duration // default 30s
	WeightedRouting bool
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{HealthTick: 30 * time.Second, WeightedRouting: false}
}

type entry struct {
	provider types.Provider
	health   types.ProviderHealth
}

// Registry owns the set of Providers and their ProviderHealth, and
// exposes candidate ordering over the circuit breaker manager's state.
type Registry struct {
	config   Config
	breakers *circuitbreaker.Manager
	events   EventSink
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // registration order, for deterministic iteration

	lastLevel map[string]types.HealthLevel

	stopTick chan struct{}
}

// New creates a Registry. breakers supplies each provider's circuit
// state for health scoring; events may be nil.
func New(config Config, breakers *circuitbreaker.Manager, events EventSink, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	if config.HealthTick <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	r := &Registry{
		config:    config,
		breakers:  breakers,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		entries:   make(map[string]*entry),
		lastLevel: make(map[string]types.HealthLevel),
		stopTick:  make(chan struct{}),
	}
	go r.tickLoop()
	return r
}

// Stop terminates the background health tick.
func (r *Registry) Stop() {
	close(r.stopTick)
}

// Register adds or replaces a provider definition. Its health starts
// fresh (HealthHealthy, score 1.0) unless already registered, in which
// case the provider fields update but health state is preserved.
func (r *Registry) Register(p types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[p.Name]; ok {
		e.provider = p
		return
	}
	r.entries[p.Name] = &entry{
		provider: p,
		health:   types.ProviderHealth{HealthScore: 1.0, HealthLevel: types.HealthHealthy},
	}
	r.order = append(r.order, p.Name)
}

// Health returns a copy of provider's current ProviderHealth.
func (r *Registry) Health(provider string) (types.ProviderHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[provider]
	if !ok {
		return types.ProviderHealth{}, false
	}
	return e.health, true
}

// AllHealth returns every registered provider's health, keyed by name.
func (r *Registry) AllHealth() map[string]types.ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.ProviderHealth, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.health
	}
	return out
}

// CandidateOrder builds the ordered candidate list per spec.md §4.4:
// drop disabled/Down, drop excluded, float preferred to the front, sort
// the remainder by priority ascending tie-broken by health_score
// descending, then optionally reorder the leading equal-priority tier by
// a weighted random draw.
func (r *Registry) CandidateOrder(excluded map[string]struct{}, preferred string) []string {
	r.mu.RLock()
	candidates := make([]entry, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if !e.provider.Enabled || e.health.HealthLevel == types.HealthDown {
			continue
		}
		if _, ok := excluded[name]; ok {
			continue
		}
		candidates = append(candidates, *e)
	}
	r.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].provider.Priority != candidates[j].provider.Priority {
			return candidates[i].provider.Priority < candidates[j].provider.Priority
		}
		return candidates[i].health.HealthScore > candidates[j].health.HealthScore
	})

	if r.config.WeightedRouting && len(candidates) > 1 {
		reorderEqualPriorityTier(candidates)
	}

	names := make([]string, 0, len(candidates)+1)
	if preferred != "" {
		for i, c := range candidates {
			if c.provider.Name == preferred {
				names = append(names, preferred)
				candidates = append(candidates[:i], candidates[i+1:]...)
				break
			}
		}
	}
	for _, c := range candidates {
		names = append(names, c.provider.Name)
	}
	return names
}

// reorderEqualPriorityTier shuffles the leading run of equal-priority
// candidates via a weighted random draw with weights weight*health_score.
func reorderEqualPriorityTier(candidates []entry) {
	if len(candidates) == 0 {
		return
	}
	tierEnd := 1
	for tierEnd < len(candidates) && candidates[tierEnd].provider.Priority == candidates[0].provider.Priority {
		tierEnd++
	}
	if tierEnd < 2 {
		return
	}

	tier := candidates[:tierEnd]
	weights := make([]float64, len(tier))
	total := 0.0
	for i, c := range tier {
		w := c.provider.Weight * c.health.HealthScore
		if w <= 0 {
			w = 0.0001
		}
		weights[i] = w
		total += w
	}

	drawn := make([]entry, 0, len(tier))
	remaining := append([]entry(nil), tier...)
	remainingWeights := append([]float64(nil), weights...)
	for len(remaining) > 0 {
		target := rand.Float64() * total
		idx := 0
		running := 0.0
		for i, w := range remainingWeights {
			running += w
			if target <= running {
				idx = i
				break
			}
			idx = i
		}
		drawn = append(drawn, remaining[idx])
		total -= remainingWeights[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingWeights = append(remainingWeights[:idx], remainingWeights[idx+1:]...)
	}
	copy(candidates[:tierEnd], drawn)
}

// RecordSuccess updates provider's health counters after a successful
// attempt and recomputes health_score.
func (r *Registry) RecordSuccess(provider string, responseTime time.Duration) {
	r.mu.Lock()
	e, ok := r.entries[provider]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.health.SuccessCount++
	e.health.ConsecutiveSuccesses++
	e.health.ConsecutiveFailures = 0
	e.health.LastSuccessAt = time.Now()
	e.health.RecentResponseTimes = pushRing(e.health.RecentResponseTimes, responseTime)
	r.recomputeScore(provider, e)
	r.mu.Unlock()

	r.metrics.IncrementCounterWithLabels("provider_requests_total", 1, map[string]string{"provider": provider, "result": "success"})
}

// RecordFailure updates provider's health counters after a failed attempt
// and recomputes health_score.
func (r *Registry) RecordFailure(provider string) {
	r.mu.Lock()
	e, ok := r.entries[provider]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.health.FailureCount++
	e.health.ConsecutiveFailures++
	e.health.ConsecutiveSuccesses = 0
	e.health.LastFailureAt = time.Now()
	r.recomputeScore(provider, e)
	r.mu.Unlock()

	r.metrics.IncrementCounterWithLabels("provider_requests_total", 1, map[string]string{"provider": provider, "result": "failure"})
}

// recomputeScore applies spec.md §4.4's health_score formula. Caller must
// hold r.mu.
func (r *Registry) recomputeScore(provider string, e *entry) {
	total := e.health.SuccessCount + e.health.FailureCount
	var score float64
	if total > 0 {
		score = float64(e.health.SuccessCount) / float64(total)
	}

	score *= math.Max(0, 1-0.1*float64(e.health.ConsecutiveFailures))

	if e.health.ConsecutiveSuccesses > 5 {
		score = math.Min(1.0, score*1.1)
	}

	if mean := meanResponseTime(e.health.RecentResponseTimes); mean > 10*time.Second {
		score *= 0.8
	}

	if r.breakers != nil && r.breakers.Get(provider).State() == types.CircuitOpen {
		score = 0
	}

	e.health.HealthScore = score
	e.health.HealthLevel = types.LevelForScore(score)
}

func meanResponseTime(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

func pushRing(ring []time.Duration, sample time.Duration) []time.Duration {
	ring = append(ring, sample)
	if len(ring) > responseTimeRingCap {
		ring = ring[len(ring)-responseTimeRingCap:]
	}
	return ring
}

// tickLoop periodically reevaluates every provider's health_level and
// emits transition events without mutating state itself (scores are only
// ever updated by RecordSuccess/RecordFailure).
func (r *Registry) tickLoop() {
	ticker := time.NewTicker(r.config.HealthTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopTick:
			return
		case <-ticker.C:
			r.emitHealthTransitions()
		}
	}
}

func (r *Registry) emitHealthTransitions() {
	r.mu.RLock()
	snapshot := make(map[string]types.HealthLevel, len(r.entries))
	for name, e := range r.entries {
		snapshot[name] = e.health.HealthLevel
	}
	r.mu.RUnlock()

	for name, level := range snapshot {
		prev, seen := r.lastLevel[name]
		r.lastLevel[name] = level
		if !seen || prev == level {
			continue
		}
		switch {
		case level == types.HealthDegraded:
			r.emit("platform_degraded", name)
		case level == types.HealthUnhealthy || level == types.HealthDown:
			r.emit("platform_failing", name)
		case level > prev:
			r.emit("platform_recovering", name)
		}
	}
}

func (r *Registry) emit(event, provider string) {
	if r.events == nil {
		return
	}
	r.events.Emit(event, map[string]interface{}{"provider": provider})
}
