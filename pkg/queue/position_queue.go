package queue

import (
	"container/heap"
	"sync"
)

// queuedItem wraps an Item with its ordering keys.
type queuedItem struct {
	item *Item
	// rank is 0 for normal items; priority inserts get decreasing negative
	// ranks so the newest one always sorts first.
	rank int64
	seq  int64
	// index is used by heap.Interface methods.
	index int
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	ai, aj := h[i].item.ExpectedArrivalTime, h[j].item.ExpectedArrivalTime
	if !ai.Equal(aj) {
		return ai.Before(aj)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	qi.index = -1
	*h = old[0 : n-1]
	return qi
}

// positionQueue is the pending work of one diverter position.
type positionQueue struct {
	position int
	mu       sync.Mutex
	heap     itemHeap
	seq      int64
	front    int64

	enqueued uint64
	dequeued uint64
}

func newPositionQueue(position int) *positionQueue {
	return &positionQueue{position: position, heap: make(itemHeap, 0)}
}

func (q *positionQueue) push(it *Item) {
	heap.Push(&q.heap, &queuedItem{item: it, seq: q.seq})
	q.seq++
	q.enqueued++
}

// pushFront places it ahead of everything currently queued and rebuilds
// the heap.
func (q *positionQueue) pushFront(it *Item) {
	q.front--
	q.heap = append(q.heap, &queuedItem{item: it, rank: q.front, seq: q.seq})
	q.seq++
	q.enqueued++
	for i, qi := range q.heap {
		qi.index = i
	}
	heap.Init(&q.heap)
}

func (q *positionQueue) pop() *Item {
	if len(q.heap) == 0 {
		return nil
	}
	q.dequeued++
	return heap.Pop(&q.heap).(*queuedItem).item
}

func (q *positionQueue) peek() *Item {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].item
}

// removeWhere drops every item matching fn and returns them.
func (q *positionQueue) removeWhere(fn func(*Item) bool) []*Item {
	var removed []*Item
	kept := q.heap[:0]
	for _, qi := range q.heap {
		if fn(qi.item) {
			removed = append(removed, qi.item)
			continue
		}
		kept = append(kept, qi)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	if len(removed) > 0 {
		for i, qi := range q.heap {
			qi.index = i
		}
		heap.Init(&q.heap)
	}
	return removed
}

func (q *positionQueue) clear() int {
	n := len(q.heap)
	q.heap = make(itemHeap, 0)
	return n
}
