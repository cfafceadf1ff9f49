// Package degradation implements the degradation layer (C7): a
// cache-first/cache-fallback wrapper around the fallback dispatcher (C5)
// that computes a quality score for live results and, on dispatch
// failure, degrades through cache, partial-similarity, and generic
// fallback tiers in order.
package degradation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// Config mirrors spec.md §6's degradation.* fields.
type Config struct {
	MinQuality float64 // default 0.3

	// GenericFallbackEnabled gates the last-resort constant-sentinel
	// strategy. Spec.md §4.7 treats it as always available, but leaving
	// it disableable lets an operator (or C8's queue) observe a genuine
	// C5 failure instead of a degraded placeholder when every other
	// fallback tier is empty.
	GenericFallbackEnabled bool
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{MinQuality: 0.3, GenericFallbackEnabled: true}
}

// Gradable is an optional interface an action's result value may
// implement to participate in the incompleteness and error-marker
// quality factors; a result that doesn't implement it is graded purely
// on response time and content length (see DESIGN.md / SPEC_FULL.md §4
// decision 5).
type Gradable interface {
	Incomplete() bool
	HasErrorMarker() bool
}

// CacheStore is the subset of *cache.Store the degradation layer needs.
type CacheStore interface {
	Get(fingerprint string, allowStale bool) (entry *types.CacheEntry, stale bool, hit bool)
	Set(fingerprint string, value interface{}, quality float64, originPrompt string)
	SimilarTo(prompt string, threshold float64) []*types.CacheEntry
}

// Dispatcher is the subset of *dispatch.Dispatcher the degradation layer
// needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *types.Request, action types.ProviderAction) (interface{}, string, error)
}

// EventSink receives degradation-level lifecycle events.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// genericSentinel is the constant "service unavailable" payload returned
// when every other fallback tier yields nothing.
const genericSentinel = "service unavailable"

const similarityThreshold = 0.5

// Layer is the C7 degradation layer.
type Layer struct {
	config     Config
	cache      CacheStore
	dispatcher Dispatcher
	events     EventSink
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// New creates a Layer.
func New(config Config, cache CacheStore, dispatcher Dispatcher, events EventSink, logger observability.Logger, metrics observability.MetricsClient) *Layer {
	if config.MinQuality <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &Layer{config: config, cache: cache, dispatcher: dispatcher, events: events, logger: logger, metrics: metrics}
}

// Execute runs action for request per spec.md §4.7. precheckCache opts
// into the pre-check-cache step 1; by default (false) the cache is only
// consulted after a C5 failure.
func (l *Layer) Execute(ctx context.Context, req *types.Request, action types.ProviderAction, precheckCache bool) (*types.Result, error) {
	originPrompt := promptOf(req)

	if precheckCache {
		if entry, stale, hit := l.cache.Get(req.Fingerprint, false); hit && !stale {
			effective := clamp(entry.Quality * ageFactor(entry.CreatedAt))
			if effective >= l.config.MinQuality {
				l.emit("cache_hit", req.Fingerprint)
				return &types.Result{Value: entry.Value, Source: types.SourceCache, Quality: effective}, nil
			}
		}
	}

	start := time.Now()
	result, provider, err := l.dispatcher.Dispatch(ctx, req, action)
	if err == nil {
		elapsed := time.Since(start)
		quality := clamp(computeLiveQuality(result, elapsed))
		if quality >= l.config.MinQuality {
			l.cache.Set(req.Fingerprint, result, quality, originPrompt)
		}
		return &types.Result{
			Value:          result,
			Source:         types.SourceLive,
			Quality:        quality,
			Provider:       provider,
			ResponseTimeMs: elapsed.Milliseconds(),
		}, nil
	}

	if res := l.fallbackCache(req); res != nil {
		return res, nil
	}
	if res := l.fallbackPartial(originPrompt); res != nil {
		return res, nil
	}
	if res := l.fallbackGeneric(); res != nil {
		return res, nil
	}
	return nil, err
}

func (l *Layer) fallbackCache(req *types.Request) *types.Result {
	entry, stale, hit := l.cache.Get(req.Fingerprint, req.AllowStale)
	if !hit {
		l.emit("cache_miss", req.Fingerprint)
		return nil
	}
	effective := clamp(entry.Quality * ageFactor(entry.CreatedAt))
	source := types.SourceCache
	if stale {
		source = types.SourceCacheStale
		l.emit("cache_stale", req.Fingerprint)
	} else {
		l.emit("cache_hit", req.Fingerprint)
	}
	return &types.Result{Value: entry.Value, Source: source, Quality: effective, Stale: stale}
}

func (l *Layer) fallbackPartial(originPrompt string) *types.Result {
	if originPrompt == "" {
		return nil
	}
	matches := l.cache.SimilarTo(originPrompt, similarityThreshold)
	if len(matches) == 0 {
		return nil
	}

	best := matches[0]
	for _, m := range matches[1:] {
		if m.Quality > best.Quality {
			best = m
		}
	}

	quality := clamp(best.Quality * ageFactor(best.CreatedAt) * 0.7)
	return &types.Result{Value: best.Value, Source: types.SourcePartial, Quality: quality, Partial: true}
}

func (l *Layer) fallbackGeneric() *types.Result {
	if !l.config.GenericFallbackEnabled {
		return nil
	}
	return &types.Result{Value: genericSentinel, Source: types.SourceGeneric, Quality: 0.1}
}

func (l *Layer) emit(event, fingerprint string) {
	if l.events != nil {
		l.events.Emit(event, map[string]interface{}{"fingerprint": fingerprint})
	}
}

// computeLiveQuality applies spec.md §4.7's multiplicative quality
// formula to a freshly-produced live result (the cache-age factor is not
// applied here: a live result has zero age, for which the factor is 1.0).
func computeLiveQuality(result interface{}, elapsed time.Duration) float64 {
	score := 1.0

	if g, ok := result.(Gradable); ok {
		if g.Incomplete() {
			score *= 0.5
		}
		if g.HasErrorMarker() {
			score *= 0.3
		}
	}

	switch {
	case elapsed > 30*time.Second:
		score *= 0.7
	case elapsed > 10*time.Second:
		score *= 0.9
	}

	content := contentOf(result)
	switch {
	case len(content) < 50:
		score *= 0.6
	case len(content) < 200:
		score *= 0.8
	}

	return score
}

// ageFactor applies spec.md §4.7's cache-age multiplicative factor.
func ageFactor(createdAt time.Time) float64 {
	age := time.Since(createdAt)
	switch {
	case age > 24*time.Hour:
		return 0.6
	case age > time.Hour:
		return 0.8
	default:
		return 1.0
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func contentOf(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func promptOf(req *types.Request) string {
	if s, ok := req.Payload.(string); ok {
		return strings.TrimSpace(s)
	}
	if req.Payload == nil {
		return ""
	}
	return fmt.Sprintf("%v", req.Payload)
}
