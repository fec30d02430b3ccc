// Package sched runs deferred continuations on the tick thread. Continuations
// never run concurrently with the engine; they fire from RunDue at the start
// of a tick, in due-time order and FIFO for equal times.
package sched

import "container/heap"

// Func is a continuation. now is the clock value at which it actually runs.
type Func func(now uint64)

type item struct {
	at  uint64
	seq uint64
	fn  Func
}

type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(*item)) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

type Scheduler struct {
	q   queue
	seq uint64
}

func New() *Scheduler { return &Scheduler{} }

// At schedules fn to run once the clock reaches at.
func (s *Scheduler) At(at uint64, fn Func) {
	s.seq++
	heap.Push(&s.q, &item{at: at, seq: s.seq, fn: fn})
}

// RunDue runs every continuation due at or before now, including ones
// scheduled by continuations that are themselves already due.
func (s *Scheduler) RunDue(now uint64) int {
	n := 0
	for s.q.Len() > 0 && s.q[0].at <= now {
		it := heap.Pop(&s.q).(*item)
		it.fn(now)
		n++
	}
	return n
}

func (s *Scheduler) Len() int { return s.q.Len() }

// Clear drops all pending continuations.
func (s *Scheduler) Clear() {
	s.q = nil
}
