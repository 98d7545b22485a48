package worker

import (
	"time"

	"github.com/game-data-manager/internal/job"
)

// Trigger priorities. Higher values are dispatched first.
const (
	PriorityCron   = 1
	PriorityEvent  = 5
	PriorityManual = 10
)

// PriorityFor returns the dispatch priority of a trigger source.
func PriorityFor(source job.TriggerSource) int {
	switch source {
	case job.SourceManual:
		return PriorityManual
	case job.SourceEvent:
		return PriorityEvent
	default:
		return PriorityCron
	}
}

// QueueItem is a trigger waiting for a worker.
type QueueItem struct {
	Name     string            `json:"name"`
	Source   job.TriggerSource `json:"source"`
	Priority int               `json:"priority"`
	Queued   time.Time         `json:"queued"`
	seq      uint64
	index    int
}

// PriorityQueue implements heap.Interface for triggers.
// Higher priority first, then first come first served.
type PriorityQueue []*QueueItem

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if pq[i].Priority != pq[j].Priority {
		return pq[i].Priority > pq[j].Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	item := x.(*QueueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
