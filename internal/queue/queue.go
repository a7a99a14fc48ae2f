// ============================================================================
// Falcon-Sched Priority Queue - Ready Job Ordering
// ============================================================================
//
// Package: internal/queue
// File: queue.go
// Purpose: Ordered multiset of Ready jobs keyed by priority score.
//
// Ordering:
//   - Lower score dispatches earlier.
//   - Ties break strictly by enqueue order (a monotonic sequence number
//     assigned at Push time — the in-process form of "enqueue timestamp
//     ascending", immune to clock collisions).
//   - Scores are computed at enqueue time and never mutated while the
//     item sits in the queue; Reprioritize is Remove+Push.
//
// Determinism:
//   Given an identical input history (same scores, same push order),
//   Pop returns the identical sequence. Covered by tests.
//
// Complexity:
//   Push/Pop/Remove/Reprioritize O(log N); Len/PeekTop O(1).
//
// Concurrency:
//   A single mutex guards the heap and the position index. All critical
//   sections are non-blocking and bounded.
//
// ============================================================================

package queue

import (
	"container/heap"
	"sync"

	"github.com/ChuLiYu/falcon-sched/pkg/types"
)

// Item is one queued job.
type Item struct {
	JobID       types.JobID
	Score       int64
	ScheduledAt int64 // Unix ms; 0 means runnable immediately
	EnqueuedAt  int64 // Unix ms, informational

	seq   uint64 // tie-break: assigned at Push, strictly increasing
	index int    // heap position, maintained by heap.Interface
}

// Queue is the priority-ordered ready queue.
type Queue struct {
	mu    sync.Mutex
	items ordered
	pos   map[types.JobID]*Item
	seq   uint64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{pos: make(map[types.JobID]*Item)}
}

// Push inserts a job. A job already present is an error for the caller
// to avoid (invariant: a job is queued iff Ready); Push on a present id
// replaces nothing and returns false.
func (q *Queue) Push(it Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pos[it.JobID]; exists {
		return false
	}
	q.seq++
	it.seq = q.seq
	entry := it
	q.pos[it.JobID] = &entry
	heap.Push(&q.items, &entry)
	return true
}

// Pop removes and returns the lowest-score item. ok is false on empty.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	it := heap.Pop(&q.items).(*Item)
	delete(q.pos, it.JobID)
	return *it, true
}

// PeekTop returns the lowest-score item without removing it.
func (q *Queue) PeekTop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	return *q.items[0], true
}

// Remove deletes a job from the queue. Returns false if absent.
func (q *Queue) Remove(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, exists := q.pos[id]
	if !exists {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.pos, id)
	return true
}

// Reprioritize re-scores a queued job, implemented as Remove+Push so
// the heap never holds a mutated score. Returns false if absent.
func (q *Queue) Reprioritize(id types.JobID, newScore int64, scheduledAt int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, exists := q.pos[id]
	if !exists {
		return false
	}
	heap.Remove(&q.items, it.index)

	q.seq++
	entry := Item{
		JobID:       id,
		Score:       newScore,
		ScheduledAt: scheduledAt,
		EnqueuedAt:  it.EnqueuedAt,
		seq:         q.seq,
	}
	q.pos[id] = &entry
	heap.Push(&q.items, &entry)
	return true
}

// Contains reports whether the job is queued.
func (q *Queue) Contains(id types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.pos[id]
	return exists
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns up to limit items in dispatch order without
// disturbing the queue. limit <= 0 means all. O(N log N); intended for
// API views, not the dispatch path.
func (q *Queue) Snapshot(limit int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	// copy the heap and pop from the copy to get sorted order
	tmp := make(ordered, len(q.items))
	for i, it := range q.items {
		cp := *it
		tmp[i] = &cp
	}
	heap.Init(&tmp)

	n := len(tmp)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, *heap.Pop(&tmp).(*Item))
	}
	return out
}

// ============================================================================
// heap.Interface
// ============================================================================

type ordered []*Item

func (h ordered) Len() int { return len(h) }

func (h ordered) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].seq < h[j].seq
}

func (h ordered) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ordered) Push(x any) {
	it := x.(*Item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *ordered) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
