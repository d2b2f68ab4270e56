// pkg/spool/queue.go

package spool

import (
	"container/list"
	"math"

	"AveGrid/pkg/chunk"
)

type kind uint8

const (
	loadRequest kind = iota
	unloadRequest
)

func (k kind) String() string {
	if k == loadRequest {
		return "load"
	}
	return "unload"
}

// request is the control block of one pending chunk id.
type request struct {
	id       chunk.ID
	kind     kind
	priority int
	seq      int64
	index    int           // position in loadQueue
	elem     *list.Element // position in the unload queue
	chunk    *chunk.Chunk  // unloads only
	handle   *Handle       // loads only
}

// loadQueue is a min-heap of pending loads (container/heap).
type loadQueue struct {
	step  int64
	items []*request
}

// key folds priority and age into one number. The priority is clamped so the
// product cannot overflow; a quarter of the int64 range is left for seq.
func (q *loadQueue) key(r *request) int64 {
	limit := int64(math.MaxInt64/4) / q.step
	p := int64(r.priority)
	if p > limit {
		p = limit
	} else if p < -limit {
		p = -limit
	}
	return p*q.step + r.seq
}

func (q *loadQueue) Len() int { return len(q.items) }

func (q *loadQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if q.step > 0 {
		return q.key(a) < q.key(b)
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (q *loadQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *loadQueue) Push(x interface{}) {
	r := x.(*request)
	r.index = len(q.items)
	q.items = append(q.items, r)
}

func (q *loadQueue) Pop() interface{} {
	n := len(q.items)
	r := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	r.index = -1
	return r
}

func (q *loadQueue) best() *request {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// effective returns the priority of `r` after aging, given the current
// enqueue sequence.
func (q *loadQueue) effective(r *request, now int64) int {
	if q.step <= 0 {
		return r.priority
	}
	age := int((now - r.seq) / q.step)
	if r.priority < math.MinInt+age {
		return math.MinInt
	}
	return r.priority - age
}
