package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/orchestrator-core/pkg/circuitbreaker"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

func failingAction(ctx context.Context) (interface{}, error) {
	return nil, errors.New("boom")
}

func newRegistry(t *testing.T, cfg Config) (*Registry, *circuitbreaker.Manager) {
	t.Helper()
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), nil, nil, nil)
	cfg.HealthTick = time.Hour // keep the background tick from firing mid-test
	r := New(cfg, breakers, nil, nil, nil)
	t.Cleanup(r.Stop)
	return r, breakers
}

func TestCandidateOrder_DropsDisabledAndDown(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "enabled", Priority: 1, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "disabled", Priority: 0, Weight: 1, Enabled: false})

	order := r.CandidateOrder(nil, "")
	assert.Equal(t, []string{"enabled"}, order)
}

func TestCandidateOrder_DropsExcluded(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "a", Priority: 1, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "b", Priority: 1, Weight: 1, Enabled: true})

	order := r.CandidateOrder(map[string]struct{}{"a": {}}, "")
	assert.Equal(t, []string{"b"}, order)
}

func TestCandidateOrder_PreferredGoesFirst(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "b", Priority: 1, Weight: 1, Enabled: true})

	order := r.CandidateOrder(nil, "b")
	require.Len(t, order, 2)
	assert.Equal(t, "b", order[0])
}

func TestCandidateOrder_SortsByPriorityThenHealthDescending(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "low-priority", Priority: 5, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "healthier", Priority: 1, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "less-healthy", Priority: 1, Weight: 1, Enabled: true})

	for i := 0; i < 10; i++ {
		r.RecordSuccess("healthier", 10*time.Millisecond)
	}
	r.RecordSuccess("less-healthy", 10*time.Millisecond)
	r.RecordFailure("less-healthy")

	order := r.CandidateOrder(nil, "")
	require.Equal(t, []string{"healthier", "less-healthy", "low-priority"}, order)
}

func TestRecordSuccess_RaisesHealthScore(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})

	for i := 0; i < 6; i++ {
		r.RecordSuccess("a", 5*time.Millisecond)
	}

	h, ok := r.Health("a")
	require.True(t, ok)
	assert.Equal(t, int64(6), h.SuccessCount)
	assert.Equal(t, 6, h.ConsecutiveSuccesses)
	assert.Equal(t, types.HealthHealthy, h.HealthLevel)
}

func TestRecordFailure_LowersHealthScoreAndLevel(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})

	r.RecordSuccess("a", time.Millisecond)
	for i := 0; i < 4; i++ {
		r.RecordFailure("a")
	}

	h, ok := r.Health("a")
	require.True(t, ok)
	assert.Equal(t, 4, h.ConsecutiveFailures)
	assert.Less(t, h.HealthScore, 0.5)
}

func TestRecordSuccess_SlowResponseTimeAppliesPenalty(t *testing.T) {
	r, _ := newRegistry(t, DefaultConfig())
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})

	r.RecordSuccess("a", 15*time.Second)
	h, ok := r.Health("a")
	require.True(t, ok)
	assert.InDelta(t, 0.8, h.HealthScore, 0.001)
}

func TestHealthScore_ZeroWhileCircuitOpen(t *testing.T) {
	bcfg := circuitbreaker.DefaultConfig()
	bcfg.FailureThreshold = 1
	breakers := circuitbreaker.NewManager(bcfg, nil, nil, nil)
	r := New(Config{HealthTick: time.Hour}, breakers, nil, nil, nil)
	t.Cleanup(r.Stop)
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})

	r.RecordSuccess("a", time.Millisecond)
	_, _ = breakers.Get("a").Execute(context.Background(), failingAction)
	r.RecordFailure("a")

	h, ok := r.Health("a")
	require.True(t, ok)
	assert.Equal(t, 0.0, h.HealthScore)
	assert.Equal(t, types.HealthDown, h.HealthLevel)
}

func TestCandidateOrder_DownProviderExcludedFromCandidates(t *testing.T) {
	bcfg := circuitbreaker.DefaultConfig()
	bcfg.FailureThreshold = 1
	breakers := circuitbreaker.NewManager(bcfg, nil, nil, nil)
	r := New(Config{HealthTick: time.Hour}, breakers, nil, nil, nil)
	t.Cleanup(r.Stop)
	r.Register(types.Provider{Name: "a", Priority: 0, Weight: 1, Enabled: true})
	r.Register(types.Provider{Name: "b", Priority: 1, Weight: 1, Enabled: true})

	_, _ = breakers.Get("a").Execute(context.Background(), failingAction)
	r.RecordFailure("a")

	order := r.CandidateOrder(nil, "")
	assert.Equal(t, []string{"b"}, order)
}
