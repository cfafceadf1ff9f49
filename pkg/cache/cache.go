// Package cache implements the response cache (C6): a bounded,
// fingerprint-keyed store with TTL + stale-while-revalidate semantics,
// LRU eviction, and a Jaccard-similarity lookup used by the degradation
// layer's partial-response fallback.
package cache

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// Config mirrors spec.md §6's cache.* fields.
type Config struct {
	Capacity        int           // M, default 1000
	DefaultTTL      time.Duration // default 1h
	StaleWindow     time.Duration // default 5m
	PersistEnabled  bool
	PersistInterval time.Duration // not named in spec.md §6; a reasonable default
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        1000,
		DefaultTTL:      1 * time.Hour,
		StaleWindow:     5 * time.Minute,
		PersistEnabled:  true,
		PersistInterval: 30 * time.Second,
	}
}

// Persister durably saves and restores cache entries. The core tolerates
// a nil Persister (persistence disabled).
type Persister interface {
	Save(entries []*types.CacheEntry) error
	Load() ([]*types.CacheEntry, error)
}

// Store is the C6 response cache.
type Store struct {
	config    Config
	lru       *lru.Cache[string, *types.CacheEntry]
	persister Persister
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu        sync.RWMutex // guards in-place mutation of entries the lru.Cache hands back by pointer
	stopFlush chan struct{}
}

// New creates a Store, restoring from persister if non-nil (dropping any
// already-expired entries per spec.md §4.6).
func New(config Config, persister Persister, logger observability.Logger, metrics observability.MetricsClient) (*Store, error) {
	if config.Capacity <= 0 {
		config = DefaultConfig()
	}
	if config.PersistInterval <= 0 {
		config.PersistInterval = DefaultConfig().PersistInterval
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	inner, err := lru.New[string, *types.CacheEntry](config.Capacity)
	if err != nil {
		return nil, err
	}

	s := &Store{
		config:    config,
		lru:       inner,
		persister: persister,
		logger:    logger,
		metrics:   metrics,
		stopFlush: make(chan struct{}),
	}

	if persister != nil {
		if entries, loadErr := persister.Load(); loadErr == nil {
			now := time.Now()
			for _, e := range entries {
				if now.Before(e.ExpiresAt) {
					s.lru.Add(e.Fingerprint, e)
				}
			}
		} else {
			s.logger.Warn("cache persistence load failed", map[string]interface{}{"error": loadErr.Error()})
		}
	}

	if config.PersistEnabled && persister != nil {
		go s.flushLoop()
	}
	return s, nil
}

// Stop terminates the background persistence loop, flushing once more on
// the way out.
func (s *Store) Stop() {
	close(s.stopFlush)
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.config.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopFlush:
			s.flush()
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	if s.persister == nil {
		return
	}
	s.mu.RLock()
	entries := make([]*types.CacheEntry, 0, s.lru.Len())
	for _, key := range s.lru.Keys() {
		if e, ok := s.lru.Peek(key); ok {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()
	if err := s.persister.Save(entries); err != nil {
		s.logger.Warn("cache persistence save failed", map[string]interface{}{"error": err.Error()})
	}
}

// Set stores value under fingerprint with the default TTL. When the
// store is full, golang-lru evicts the entry with the oldest recency,
// which is the LRU policy spec.md §4.6 asks for.
func (s *Store) Set(fingerprint string, value interface{}, quality float64, originPrompt string) {
	s.SetWithTTL(fingerprint, value, quality, originPrompt, s.config.DefaultTTL)
}

// SetWithTTL is Set with an explicit TTL.
func (s *Store) SetWithTTL(fingerprint string, value interface{}, quality float64, originPrompt string, ttl time.Duration) {
	now := time.Now()
	entry := &types.CacheEntry{
		Fingerprint:  fingerprint,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		Quality:      quality,
		AccessCount:  0,
		LastAccessAt: now,
		OriginPrompt: originPrompt,
	}
	s.lru.Add(fingerprint, entry)
}

// Get looks up fingerprint per spec.md §4.6's four-way outcome: absent is
// a miss; expired with allowStale=false is removed and a miss; expired
// with allowStale=true or within the stale window returns stale=true;
// otherwise stale=false. Every non-miss access updates last_access_at
// and access_count.
func (s *Store) Get(fingerprint string, allowStale bool) (entry *types.CacheEntry, stale bool, hit bool) {
	e, ok := s.lru.Get(fingerprint)
	if !ok {
		return nil, false, false
	}

	now := time.Now()
	switch {
	case now.Before(e.ExpiresAt.Add(-s.config.StaleWindow)):
		stale = false
	case now.Before(e.ExpiresAt):
		stale = true
	default: // expired
		if !allowStale {
			s.lru.Remove(fingerprint)
			return nil, false, false
		}
		stale = true
	}

	s.mu.Lock()
	e.LastAccessAt = now
	e.AccessCount++
	s.mu.Unlock()
	return e, stale, true
}

// SimilarTo returns cached entries whose origin_prompt has Jaccard
// similarity >= threshold against prompt, sorted descending by
// similarity. Used only by the degradation layer's partial fallback;
// does not affect LRU recency.
func (s *Store) SimilarTo(prompt string, threshold float64) []*types.CacheEntry {
	target := types.TokenSet(prompt)

	type scored struct {
		entry      *types.CacheEntry
		similarity float64
	}
	var matches []scored

	now := time.Now()
	for _, key := range s.lru.Keys() {
		e, ok := s.lru.Peek(key)
		if !ok || e.OriginPrompt == "" || !now.Before(e.ExpiresAt) {
			continue
		}
		sim := types.JaccardSimilarity(target, types.TokenSet(e.OriginPrompt))
		if sim >= threshold {
			matches = append(matches, scored{entry: e, similarity: sim})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].similarity > matches[j].similarity })
	out := make([]*types.CacheEntry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// Len returns the current number of cached entries.
func (s *Store) Len() int {
	return s.lru.Len()
}
