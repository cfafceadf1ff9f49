package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/orchestrator-core/pkg/retry"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

type fakeRegistry struct {
	mu        sync.Mutex
	order     []string
	successes []string
	failures  []string
}

func (f *fakeRegistry) CandidateOrder(excluded map[string]struct{}, preferred string) []string {
	return f.order
}

func (f *fakeRegistry) RecordSuccess(provider string, responseTime time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, provider)
}

func (f *fakeRegistry) RecordFailure(provider string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, provider)
}

type fakeExecutor struct {
	results map[string]error
}

func (f *fakeExecutor) Execute(ctx context.Context, provider string, fingerprint string, maxRetries int, action retry.Action) (interface{}, error) {
	if err := f.results[provider]; err != nil {
		return nil, err
	}
	return action(ctx)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(event string, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func TestDispatch_ReturnsFirstSuccessAndRecordsIt(t *testing.T) {
	registry := &fakeRegistry{order: []string{"a", "b"}}
	executor := &fakeExecutor{results: map[string]error{}}
	sink := &recordingSink{}
	d := New(registry, executor, sink, nil, nil)

	action := func(ctx context.Context, provider string) (interface{}, error) { return "ok", nil }
	result, provider, err := d.Dispatch(context.Background(), &types.Request{}, action)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "a", provider)
	assert.Equal(t, []string{"a"}, registry.successes)
	assert.Empty(t, registry.failures)
}

func TestDispatch_AdvancesOnFailureAndEmitsFallback(t *testing.T) {
	registry := &fakeRegistry{order: []string{"a", "b"}}
	executor := &fakeExecutor{results: map[string]error{"a": errors.New("boom")}}
	sink := &recordingSink{}
	d := New(registry, executor, sink, nil, nil)

	action := func(ctx context.Context, provider string) (interface{}, error) { return "ok", nil }
	result, provider, err := d.Dispatch(context.Background(), &types.Request{}, action)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "b", provider)
	assert.Equal(t, []string{"a"}, registry.failures)
	assert.Equal(t, []string{"b"}, registry.successes)
	assert.Equal(t, 1, sink.count("fallback"))
}

func TestDispatch_ExhaustionReturnsAggregateFailure(t *testing.T) {
	registry := &fakeRegistry{order: []string{"a", "b"}}
	executor := &fakeExecutor{results: map[string]error{
		"a": errors.New("boom-a"),
		"b": errors.New("boom-b"),
	}}
	d := New(registry, executor, nil, nil, nil)

	action := func(ctx context.Context, provider string) (interface{}, error) { return "ok", nil }
	_, _, err := d.Dispatch(context.Background(), &types.Request{}, action)

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.AllProvidersExhausted)
	assert.Equal(t, "b", exhausted.LastProvider)
	assert.Equal(t, []string{"a", "b"}, registry.failures)
}

func TestDispatch_NoCandidatesReturnsExhaustedImmediately(t *testing.T) {
	registry := &fakeRegistry{order: nil}
	executor := &fakeExecutor{results: map[string]error{}}
	d := New(registry, executor, nil, nil, nil)

	action := func(ctx context.Context, provider string) (interface{}, error) { return "ok", nil }
	_, _, err := d.Dispatch(context.Background(), &types.Request{}, action)

	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.True(t, exhausted.AllProvidersExhausted)
}

func TestDispatch_UsesRequestDeadlineWhenSet(t *testing.T) {
	registry := &fakeRegistry{order: []string{"a"}}
	executor := &fakeExecutor{results: map[string]error{}}
	d := New(registry, executor, nil, nil, nil)

	var observedDeadline time.Time
	action := func(ctx context.Context, provider string) (interface{}, error) {
		observedDeadline, _ = ctx.Deadline()
		return "ok", nil
	}

	deadline := time.Now().Add(5 * time.Second)
	_, _, err := d.Dispatch(context.Background(), &types.Request{Deadline: deadline}, action)

	require.NoError(t, err)
	assert.WithinDuration(t, deadline, observedDeadline, time.Millisecond)
}
