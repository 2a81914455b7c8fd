// Package queue implements the bounded per-session priority queues at the
// heart of Switchboard.
//
// Core design principle:
//   - Scan for highest-priority message → O(N) — gets slower as queues grow.
//   - Max-Heap peek                     → O(1) — constant regardless of size.
//   - Max-Heap insert                   → O(log N) — fast.
//
// Ties within a priority tier break by insertion sequence, so equal-priority
// messages always drain in the order they arrived. Eviction under capacity
// pressure removes the minimum-weight entry instead — an O(N) scan, but it
// only runs on an already-full queue.
package queue

import (
	"container/heap"

	"github.com/internexio/switchboard/internal/types"
)

// entry is one element in the priority heap.
type entry struct {
	msg    *types.Message
	weight int    // priority tier index — primary sort key, higher drains first
	seq    uint64 // insertion order — FIFO tie-break within a tier

	// heapIdx is the entry's current position in the heap slice.
	// Maintained by prioHeap.Swap so eviction can do O(log N) heap.Remove.
	heapIdx int
}

// prioHeap is a slice of *entry that satisfies heap.Interface.
// The highest weight sits at index 0; among equal weights the earliest seq.
type prioHeap []*entry

func (h prioHeap) Len() int { return len(h) }

func (h prioHeap) Less(i, j int) bool {
	if h[i].weight != h[j].weight {
		return h[i].weight > h[j].weight
	}
	return h[i].seq < h[j].seq
}

func (h prioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *prioHeap) Push(x any) {
	n := len(*h)
	e := x.(*entry)
	e.heapIdx = n
	*h = append(*h, e)
}

func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // allow GC
	e.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return e
}

// PriorityQueue orders messages by descending priority weight with FIFO ties.
// It does no internal locking — the owning SessionQueue synchronizes access.
type PriorityQueue struct {
	h   prioHeap
	seq uint64
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	h := make(prioHeap, 0, 16)
	heap.Init(&h)
	return &PriorityQueue{h: h}
}

// Enqueue inserts msg with the given priority weight.
func (p *PriorityQueue) Enqueue(msg *types.Message, weight int) {
	p.seq++
	heap.Push(&p.h, &entry{msg: msg, weight: weight, seq: p.seq})
}

// Dequeue removes and returns the highest-weight, earliest-inserted message,
// or nil when the queue is empty.
func (p *PriorityQueue) Dequeue() *types.Message {
	e := p.pop()
	if e == nil {
		return nil
	}
	return e.msg
}

// pop removes and returns the root entry (message + weight), or nil when empty.
// The drain loop uses it so a failed delivery can be re-queued at its
// original weight.
func (p *PriorityQueue) pop() *entry {
	if p.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&p.h).(*entry)
}

// restore re-inserts a previously popped entry with its original weight and
// sequence, so it regains its exact place in line.
func (p *PriorityQueue) restore(e *entry) {
	heap.Push(&p.h, e)
}

// Peek returns the message Dequeue would return next without removing it,
// or nil when the queue is empty.
func (p *PriorityQueue) Peek() *types.Message {
	if p.h.Len() == 0 {
		return nil
	}
	return p.h[0].msg
}

// EvictLowest removes and returns the minimum-weight message. Among entries of
// equal lowest weight the most recently enqueued is chosen, so earlier arrivals
// keep their place in line. Returns nil when the queue is empty.
func (p *PriorityQueue) EvictLowest() *types.Message {
	victim := p.lowest()
	if victim < 0 {
		return nil
	}
	e := heap.Remove(&p.h, victim).(*entry)
	return e.msg
}

// MinWeight returns the weight of the entry EvictLowest would shed, or false
// when the queue is empty. Callers use it to rank an incoming message against
// the queued ones before deciding what to evict.
func (p *PriorityQueue) MinWeight() (int, bool) {
	victim := p.lowest()
	if victim < 0 {
		return 0, false
	}
	return p.h[victim].weight, true
}

// lowest returns the index of the eviction candidate: the minimum-weight
// entry, preferring the most recently enqueued among equals. -1 when empty.
func (p *PriorityQueue) lowest() int {
	if p.h.Len() == 0 {
		return -1
	}
	victim := 0
	for i := 1; i < p.h.Len(); i++ {
		e, v := p.h[i], p.h[victim]
		if e.weight < v.weight || (e.weight == v.weight && e.seq > v.seq) {
			victim = i
		}
	}
	return victim
}

// Len returns the number of queued messages.
func (p *PriorityQueue) Len() int { return p.h.Len() }

// Empty reports whether the queue holds no messages.
func (p *PriorityQueue) Empty() bool { return p.h.Len() == 0 }
