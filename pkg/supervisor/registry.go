package supervisor

import (
	"container/heap"
	"sort"
	"sync/atomic"
	"time"
)

// registry maps pid → child record and keeps a start-time min-heap on the
// side so age queries can bail out in O(1) when the oldest child is still
// within its allowance. Mutation happens only on the supervisor thread; the
// size counter is atomic so CountKids stays callable from callbacks.
type registry struct {
	entries map[int]*regEntry
	h       entryHeap
	size    atomic.Int64
}

// regEntry carries the heap bookkeeping for one child.
// index is required for heap.Fix + O(log n) removals.
type regEntry struct {
	child *Child
	index int
}

func newRegistry() *registry {
	r := &registry{entries: make(map[int]*regEntry)}
	heap.Init(&r.h)
	return r
}

// insert records a freshly spawned child, keyed by pid.
func (r *registry) insert(c *Child) {
	e := &regEntry{child: c}
	r.entries[c.PID] = e
	heap.Push(&r.h, e)
	r.size.Store(int64(len(r.entries)))
}

// remove deletes the record for pid, returning it. Nil when unknown.
func (r *registry) remove(pid int) *Child {
	e, ok := r.entries[pid]
	if !ok {
		return nil
	}
	heap.Remove(&r.h, e.index)
	delete(r.entries, pid)
	r.size.Store(int64(len(r.entries)))
	return e.child
}

// get looks a child up by pid.
func (r *registry) get(pid int) (*Child, bool) {
	e, ok := r.entries[pid]
	if !ok {
		return nil, false
	}
	return e.child, true
}

// count is safe to call without holding the supervisor lock.
func (r *registry) count() int { return int(r.size.Load()) }

// list returns a snapshot of all records. Iteration order is unspecified.
func (r *registry) list() []*Child {
	out := make([]*Child, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.child)
	}
	return out
}

// oldest peeks the earliest-started child.
func (r *registry) oldest() (*Child, bool) {
	if len(r.h) == 0 {
		return nil, false
	}
	return r.h[0].child, true
}

// olderThan returns every child whose age exceeds max, oldest first.
// The heap top gives the cheap common-case answer: nobody is over.
func (r *registry) olderThan(now time.Time, max time.Duration) []*Child {
	top, ok := r.oldest()
	if !ok || now.Sub(top.StartedAt) <= max {
		return nil
	}
	var out []*Child
	for _, e := range r.h {
		if now.Sub(e.child.StartedAt) > max {
			out = append(out, e.child)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// --- heap internals ----------------------------------------------------------

// entryHeap is a min-heap ordered by child start time.
type entryHeap []*regEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].child.StartedAt.Before(h[j].child.StartedAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*regEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	e.index = -1 // mark as removed
	*h = old[:n-1]
	return e
}
