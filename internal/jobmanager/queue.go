package jobmanager

import (
	"container/heap"
	"math"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// sentinelPriority sorts before every user priority.
const sentinelPriority = math.MinInt

// job is the manager-owned record of one submission.
type job struct {
	id        types.JobID
	priority  int
	cancel    atomic.Bool
	payload   any
	submitted time.Time
	sentinel  bool
}

// jobHeap orders jobs by priority (lower first), then by id (FIFO).
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].id < h[j].id
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func (h *jobHeap) push(j *job) { heap.Push(h, j) }

func (h *jobHeap) pop() *job { return heap.Pop(h).(*job) }
