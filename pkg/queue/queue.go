// Package queue implements the priority queue (C8): a persistent
// multi-priority queue with scheduled retry and dead-letter handling,
// drained by a fixed-size worker pool that invokes the orchestrator's
// execute pipeline for each dequeued item.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/S-Corkum/orchestrator-core/pkg/errors"
	"github.com/S-Corkum/orchestrator-core/pkg/observability"
	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at max_queue_size.
var ErrQueueFull = errors.New("queue_full")

// Config mirrors spec.md §6's queue.* fields.
type Config struct {
	Concurrency     int           // default 3
	PollInterval    time.Duration // default 100ms
	PersistInterval time.Duration // default 5s
	MaxSize         int           // default 10000
	RetryBaseDelay  time.Duration // base for base*2^retry_count scheduling, default 1s
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     3,
		PollInterval:    100 * time.Millisecond,
		PersistInterval: 5 * time.Second,
		MaxSize:         10000,
		RetryBaseDelay:  1 * time.Second,
	}
}

// Persister durably saves and restores the queue's pending and
// dead-letter lists. The core tolerates a nil Persister (persistence
// disabled).
type Persister interface {
	Save(pending []*types.QueueItem, deadLetter []*types.QueueItem) error
	Load() (pending []*types.QueueItem, deadLetter []*types.QueueItem, err error)
}

// Executor runs a queued request through the orchestrator's execute
// pipeline (C7→C5→C3→action).
type Executor func(ctx context.Context, req *types.Request) (*types.Result, error)

// EventSink receives queue lifecycle events.
type EventSink interface {
	Emit(event string, payload map[string]interface{})
}

// Queue is the C8 persistent priority queue.
type Queue struct {
	config    Config
	persister Persister
	executor  Executor
	events    EventSink
	logger    observability.Logger
	metrics   observability.MetricsClient

	mu         sync.Mutex
	ready      itemHeap
	deadLetter []*types.QueueItem

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue, reloading pending/dead-letter items from
// persister if non-nil. Any item found Processing is reset to Pending
// (crash recovery) per spec.md §4.8.
func New(config Config, persister Persister, executor Executor, events EventSink, logger observability.Logger, metrics observability.MetricsClient) (*Queue, error) {
	if config.Concurrency <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	q := &Queue{
		config:    config,
		persister: persister,
		executor:  executor,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
	}
	heap.Init(&q.ready)

	if persister != nil {
		pending, dead, err := persister.Load()
		if err != nil {
			logger.Warn("queue persistence load failed", map[string]interface{}{"error": err.Error()})
		} else {
			for _, item := range pending {
				if item.State == types.QueueProcessing {
					item.State = types.QueuePending
				}
				heap.Push(&q.ready, item)
			}
			q.deadLetter = dead
		}
	}

	return q, nil
}

// Start launches the worker pool and the persistence timer.
func (q *Queue) Start() {
	for i := 0; i < q.config.Concurrency; i++ {
		q.wg.Add(1)
		go q.runWorker()
	}
	q.wg.Add(1)
	go q.persistLoop()
}

// Stop terminates all workers and the persistence timer, flushing once
// more on the way out.
func (q *Queue) Stop() {
	close(q.stopCh)
	q.wg.Wait()
	q.flush()
}

// Enqueue adds req to the queue at its priority, returning the new
// item's ID. Fails with ErrQueueFull at max_queue_size. A HIGH-priority
// enqueue triggers an immediate persistence flush.
func (q *Queue) Enqueue(req *types.Request) (string, error) {
	q.mu.Lock()
	if q.ready.Len() >= q.config.MaxSize {
		q.mu.Unlock()
		return "", ErrQueueFull
	}

	item := &types.QueueItem{
		ID:           uuid.NewString(),
		Request:      req,
		State:        types.QueuePending,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	heap.Push(&q.ready, item)
	q.mu.Unlock()

	q.emit("queue_enqueued", map[string]interface{}{"id": item.ID, "priority": req.Priority.String()})
	if req.Priority == types.PriorityHigh {
		q.flush()
	}
	return item.ID, nil
}

// Depth returns the number of ready+scheduled items currently queued
// (excludes the dead-letter list).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

// DeadLetters returns a snapshot of the dead-letter list.
func (q *Queue) DeadLetters() []*types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.QueueItem, len(q.deadLetter))
	copy(out, q.deadLetter)
	return out
}

// RetryDeadLetter moves the dead-letter item with the given ID back to
// Pending with retry_count reset to 0.
func (q *Queue) RetryDeadLetter(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.deadLetter {
		if item.ID == id {
			item.RetryCount = 0
			item.State = types.QueuePending
			item.ScheduledFor = time.Time{}
			item.UpdatedAt = time.Now()
			q.deadLetter = append(q.deadLetter[:i], q.deadLetter[i+1:]...)
			heap.Push(&q.ready, item)
			return true
		}
	}
	return false
}

// PurgeDeadLetters discards every dead-letter item.
func (q *Queue) PurgeDeadLetters() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = nil
}

func (q *Queue) dequeue() *types.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() == 0 {
		return nil
	}
	top := q.ready[0]
	if top.ScheduledFor.After(time.Now()) {
		return nil
	}
	item := heap.Pop(&q.ready).(*types.QueueItem)
	item.State = types.QueueProcessing
	item.UpdatedAt = time.Now()
	return item
}

func (q *Queue) runWorker() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			item := q.dequeue()
			if item == nil {
				continue
			}
			q.process(item)
		}
	}
}

func (q *Queue) process(item *types.QueueItem) {
	ctx := context.Background()
	_, err := q.executor(ctx, item.Request)
	if err == nil {
		q.emit("queue_completed", map[string]interface{}{"id": item.ID})
		return
	}

	if item.RetryCount < item.Request.MaxRetries && isRetryable(err) {
		item.RetryCount++
		delay := q.config.RetryBaseDelay * time.Duration(1<<uint(item.RetryCount))
		item.ScheduledFor = time.Now().Add(delay)
		item.State = types.QueuePending
		item.LastError = err.Error()
		item.UpdatedAt = time.Now()

		q.mu.Lock()
		heap.Push(&q.ready, item)
		q.mu.Unlock()
		return
	}

	item.State = types.QueueDeadLetter
	item.LastError = err.Error()
	item.UpdatedAt = time.Now()
	q.mu.Lock()
	q.deadLetter = append(q.deadLetter, item)
	q.mu.Unlock()
	q.emit("queue_dead_lettered", map[string]interface{}{"id": item.ID, "error": err.Error()})
}

func (q *Queue) persistLoop() {
	defer q.wg.Done()
	if q.persister == nil {
		return
	}
	ticker := time.NewTicker(q.config.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.flush()
		}
	}
}

func (q *Queue) flush() {
	if q.persister == nil {
		return
	}
	q.mu.Lock()
	pending := make([]*types.QueueItem, len(q.ready))
	copy(pending, q.ready)
	dead := make([]*types.QueueItem, len(q.deadLetter))
	copy(dead, q.deadLetter)
	q.mu.Unlock()

	if err := q.persister.Save(pending, dead); err != nil {
		q.logger.Warn("queue persistence save failed", map[string]interface{}{"error": err.Error()})
	}
}

func (q *Queue) emit(event string, payload map[string]interface{}) {
	if q.events != nil {
		q.events.Emit(event, payload)
	}
}

// isRetryable reports whether err (typically a *dispatch.ExhaustedError
// wrapping a *coreerrors.ClassifiedError) should be retried. Errors that
// don't carry a classification default to retryable, since the
// max_retries bound already prevents unbounded looping.
func isRetryable(err error) bool {
	var ce *coreerrors.ClassifiedError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}
