package queue

import (
	"time"

	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// itemHeap orders queue items per spec.md §4.8: items scheduled in the
// future sort last; among ready items, HIGH > NORMAL > LOW priority,
// ties broken by created_at ascending.
type itemHeap []*types.QueueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	now := time.Now()
	aReady := !a.ScheduledFor.After(now)
	bReady := !b.ScheduledFor.After(now)
	if aReady != bReady {
		return aReady
	}
	if !aReady {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if a.Request.Priority != b.Request.Priority {
		return a.Request.Priority > b.Request.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*types.QueueItem))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
