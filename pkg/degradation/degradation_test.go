package degradation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

type fakeCache struct {
	entries map[string]*types.CacheEntry
	stale   map[string]bool
	similar []*types.CacheEntry
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*types.CacheEntry{}, stale: map[string]bool{}}
}

func (f *fakeCache) Get(fingerprint string, allowStale bool) (*types.CacheEntry, bool, bool) {
	e, ok := f.entries[fingerprint]
	if !ok {
		return nil, false, false
	}
	stale := f.stale[fingerprint]
	if stale && !allowStale {
		return nil, false, false
	}
	return e, stale, true
}

func (f *fakeCache) Set(fingerprint string, value interface{}, quality float64, originPrompt string) {
	f.sets++
	f.entries[fingerprint] = &types.CacheEntry{
		Fingerprint:  fingerprint,
		Value:        value,
		Quality:      quality,
		CreatedAt:    time.Now(),
		OriginPrompt: originPrompt,
	}
}

func (f *fakeCache) SimilarTo(prompt string, threshold float64) []*types.CacheEntry {
	return f.similar
}

type fakeDispatcher struct {
	result   interface{}
	provider string
	err      error
	delay    time.Duration
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req *types.Request, action types.ProviderAction) (interface{}, string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, "", f.err
	}
	return f.result, f.provider, nil
}

func noopAction(ctx context.Context, provider string) (interface{}, error) { return "ignored", nil }

func req(fingerprint string) *types.Request {
	return &types.Request{Fingerprint: fingerprint, Payload: "how do I reset my password"}
}

func TestExecute_LiveSuccessStoresInCacheAndTagsSourceLive(t *testing.T) {
	cache := newFakeCache()
	dispatcher := &fakeDispatcher{result: "a reasonably long and complete response body here", provider: "openai"}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	res, err := layer.Execute(context.Background(), req("fp1"), noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceLive, res.Source)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 1, cache.sets)
}

func TestExecute_LowQualityLiveResultIsNotCached(t *testing.T) {
	cache := newFakeCache()
	// short content (<50 chars) drops quality to 0.6*... still above 0.3,
	// so force below threshold via an error marker.
	dispatcher := &fakeDispatcher{result: errMarked{text: "x"}, provider: "openai"}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	_, err := layer.Execute(context.Background(), req("fp1"), noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.sets)
}

func TestExecute_PrecheckCacheHitShortCircuitsDispatch(t *testing.T) {
	cache := newFakeCache()
	cache.entries["fp1"] = &types.CacheEntry{Fingerprint: "fp1", Value: "cached value", Quality: 0.9, CreatedAt: time.Now()}
	dispatcher := &fakeDispatcher{err: errors.New("should not be called")}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	res, err := layer.Execute(context.Background(), req("fp1"), noopAction, true)
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.Equal(t, "cached value", res.Value)
}

func TestExecute_DispatchFailureFallsBackToFreshCache(t *testing.T) {
	cache := newFakeCache()
	cache.entries["fp1"] = &types.CacheEntry{Fingerprint: "fp1", Value: "cached value", Quality: 0.9, CreatedAt: time.Now()}
	dispatcher := &fakeDispatcher{err: errors.New("all providers down")}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	res, err := layer.Execute(context.Background(), req("fp1"), noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceCache, res.Source)
	assert.False(t, res.Stale)
}

func TestExecute_DispatchFailureFallsBackToStaleCacheWhenAllowed(t *testing.T) {
	cache := newFakeCache()
	cache.entries["fp1"] = &types.CacheEntry{Fingerprint: "fp1", Value: "stale value", Quality: 0.9, CreatedAt: time.Now()}
	cache.stale["fp1"] = true
	dispatcher := &fakeDispatcher{err: errors.New("all providers down")}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	r := req("fp1")
	r.AllowStale = true
	res, err := layer.Execute(context.Background(), r, noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceCacheStale, res.Source)
	assert.True(t, res.Stale)
}

func TestExecute_DispatchFailureFallsBackToPartialSimilarEntry(t *testing.T) {
	cache := newFakeCache()
	cache.similar = []*types.CacheEntry{
		{Fingerprint: "fp2", Value: "similar low", Quality: 0.4, CreatedAt: time.Now()},
		{Fingerprint: "fp3", Value: "similar high", Quality: 0.8, CreatedAt: time.Now()},
	}
	dispatcher := &fakeDispatcher{err: errors.New("all providers down")}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	res, err := layer.Execute(context.Background(), req("fp1"), noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourcePartial, res.Source)
	assert.True(t, res.Partial)
	assert.Equal(t, "similar high", res.Value)
	assert.InDelta(t, 0.8*0.7, res.Quality, 0.001)
}

func TestExecute_DispatchFailureFallsBackToGenericSentinelWhenNothingElseAvailable(t *testing.T) {
	cache := newFakeCache()
	dispatcher := &fakeDispatcher{err: errors.New("all providers down")}
	layer := New(DefaultConfig(), cache, dispatcher, nil, nil, nil)

	res, err := layer.Execute(context.Background(), &types.Request{Fingerprint: "fp1"}, noopAction, false)
	require.NoError(t, err)
	assert.Equal(t, types.SourceGeneric, res.Source)
	assert.Equal(t, genericSentinel, res.Value)
	assert.Equal(t, 0.1, res.Quality)
}

func TestExecute_PropagatesFailureWhenGenericFallbackDisabled(t *testing.T) {
	cache := newFakeCache()
	dispatchErr := errors.New("all providers down")
	dispatcher := &fakeDispatcher{err: dispatchErr}
	cfg := DefaultConfig()
	cfg.GenericFallbackEnabled = false
	layer := New(cfg, cache, dispatcher, nil, nil, nil)

	_, err := layer.Execute(context.Background(), &types.Request{Fingerprint: "fp1"}, noopAction, false)
	assert.ErrorIs(t, err, dispatchErr)
}

func TestComputeLiveQuality_PenalizesSlowResponses(t *testing.T) {
	long := "a sufficiently long response body that exceeds two hundred characters so the content-length factor never interferes with this test's assertions about response time penalties no matter how verbose it needs to be to clear that bar reliably"
	fast := computeLiveQuality(long, 1*time.Second)
	medium := computeLiveQuality(long, 15*time.Second)
	slow := computeLiveQuality(long, 45*time.Second)

	assert.Equal(t, 1.0, fast)
	assert.InDelta(t, 0.9, medium, 0.001)
	assert.InDelta(t, 0.7, slow, 0.001)
}

func TestComputeLiveQuality_PenalizesShortContent(t *testing.T) {
	assert.InDelta(t, 0.6, computeLiveQuality("tiny", time.Second), 0.001)
	assert.InDelta(t, 0.8, computeLiveQuality(stringOfLen(100), time.Second), 0.001)
	assert.Equal(t, 1.0, computeLiveQuality(stringOfLen(250), time.Second))
}

func TestComputeLiveQuality_UsesGradableInterfaceWhenImplemented(t *testing.T) {
	assert.InDelta(t, 0.5, computeLiveQuality(incompleteResult{text: stringOfLen(250)}, time.Second), 0.001)
	assert.InDelta(t, 0.3, computeLiveQuality(errMarked{text: stringOfLen(250)}, time.Second), 0.001)
}

func TestAgeFactor_DegradesOlderEntries(t *testing.T) {
	assert.Equal(t, 1.0, ageFactor(time.Now()))
	assert.Equal(t, 0.8, ageFactor(time.Now().Add(-2*time.Hour)))
	assert.Equal(t, 0.6, ageFactor(time.Now().Add(-48*time.Hour)))
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

type incompleteResult struct{ text string }

func (incompleteResult) Incomplete() bool      { return true }
func (incompleteResult) HasErrorMarker() bool  { return false }
func (r incompleteResult) String() string      { return r.text }

type errMarked struct{ text string }

func (errMarked) Incomplete() bool     { return false }
func (errMarked) HasErrorMarker() bool { return true }
func (r errMarked) String() string     { return r.text }
