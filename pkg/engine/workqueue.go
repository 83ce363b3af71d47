package engine

import (
	"container/heap"
	"sync"
	"time"
)

// WorkQueue schedules per-source wakeups. A source appears at most once; a
// second Enqueue for the same source only moves its ready time earlier, so
// a resume can never be delayed by a pending backoff entry.
type WorkQueue interface {
	// Enqueue schedules a source to be worked on after the delay
	Enqueue(sourceID string, delay time.Duration)

	// Dequeue removes and returns the next ready source.
	// Returns ("", false) when nothing is ready.
	Dequeue() (string, bool)

	// Len returns the number of queued sources
	Len() int

	// Wait returns the channel signaled when queue contents change
	Wait() <-chan struct{}
}

// workQueue implements WorkQueue with a ready-time min-heap.
type workQueue struct {
	mu       sync.Mutex
	items    *workItemHeap
	notifyCh chan struct{}
}

type workItem struct {
	sourceID string
	readyAt  time.Time
	index    int
}

type workItemHeap []*workItem

func (h workItemHeap) Len() int { return len(h) }

func (h workItemHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h workItemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *workItemHeap) Push(x interface{}) {
	item := x.(*workItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *workItemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// NewWorkQueue creates an empty work queue.
func NewWorkQueue() WorkQueue {
	items := &workItemHeap{}
	heap.Init(items)

	return &workQueue{
		items:    items,
		notifyCh: make(chan struct{}, 1),
	}
}

func (wq *workQueue) Enqueue(sourceID string, delay time.Duration) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	readyAt := time.Now().Add(delay)

	// Already queued: only an earlier ready time wins
	for _, item := range *wq.items {
		if item.sourceID == sourceID {
			if readyAt.Before(item.readyAt) {
				item.readyAt = readyAt
				heap.Fix(wq.items, item.index)
			}
			wq.notify()
			return
		}
	}

	heap.Push(wq.items, &workItem{
		sourceID: sourceID,
		readyAt:  readyAt,
	})
	wq.notify()
}

func (wq *workQueue) Dequeue() (string, bool) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.items.Len() == 0 {
		return "", false
	}

	item := (*wq.items)[0]
	if time.Now().Before(item.readyAt) {
		return "", false
	}

	heap.Pop(wq.items)
	return item.sourceID, true
}

func (wq *workQueue) Len() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.items.Len()
}

func (wq *workQueue) Wait() <-chan struct{} {
	return wq.notifyCh
}

// notify signals queue consumers without blocking
func (wq *workQueue) notify() {
	select {
	case wq.notifyCh <- struct{}{}:
	default:
	}
}
