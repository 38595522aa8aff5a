// Package task implements the two-priority deferred-function queue
// feeding the reactor's worker thread pool. Each priority is a linked
// list of fixed-capacity ring blocks sized so a block plus header is
// about one page, chaining blocks instead of growing a single
// unbounded slice.
package task

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/fio-reactor/fio/internal/conc"
)

const blockCapacity = 101 // (4096-byte page - 32-byte block header) / 40-byte {func, arg1, arg2} record

// Func is a deferred unit of work. arg1/arg2 are opaque payloads the
// caller threads through without the queue ever inspecting them,
// mirroring the C source's {function, arg1, arg2} task record.
type Func func(arg1, arg2 any)

type task struct {
	fn         Func
	arg1, arg2 any
}

type block struct {
	tasks      [blockCapacity]task
	read       int
	write      int
	next       *block
	wrapped    bool // true once write has looped past blockCapacity once
}

func (b *block) empty() bool { return b.read == b.write && !b.wrapped }
func (b *block) full() bool  { return b.read == b.write && b.wrapped }

// Priority selects which of the two queues a task is enqueued onto.
type Priority int

const (
	// Normal is the default priority: on-data callbacks, timer fires,
	// pub/sub dispatch.
	Normal Priority = iota
	// Urgent is drained before Normal at every PerformAll step:
	// write-ready flush tasks and close notifications.
	Urgent
)

type ring struct {
	mu          sync.Mutex
	first       block // static first block, never freed
	head, tail  *block
	depth       atomic.Int64
}

func newRing() *ring {
	r := &ring{}
	r.head, r.tail = &r.first, &r.first
	return r
}

func (r *ring) push(fn Func, a1, a2 any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tail.full() {
		nb := &block{}
		r.tail.next = nb
		r.tail = nb
	}
	t := &r.tail.tasks[r.tail.write]
	t.fn, t.arg1, t.arg2 = fn, a1, a2
	r.tail.write++
	if r.tail.write == blockCapacity {
		r.tail.write = 0
		r.tail.wrapped = true
	}
	r.depth.Inc()
}

// len reports the number of tasks currently queued, for metrics only.
func (r *ring) len() int64 { return r.depth.Load() }

// popAll drains every currently queued task, oldest first, collapsing
// drained non-first blocks back to the heap (the static first block is
// kept and reset in place to amortize allocation,).
func (r *ring) popAll(out []task) []task {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(out)
	for b := r.head; ; {
		for !b.empty() {
			out = append(out, b.tasks[b.read])
			b.tasks[b.read] = task{}
			b.read++
			if b.read == blockCapacity {
				b.read = 0
				b.wrapped = false
			}
		}
		if b.next == nil {
			break
		}
		drained := b
		b = b.next
		if drained != &r.first {
			drained.next = nil
		}
		r.head = b
	}
	if r.head == r.tail && r.head.read == r.head.write {
		r.head.read, r.head.write, r.head.wrapped = 0, 0, false
	}
	r.depth.Sub(int64(len(out) - start))
	return out
}

func (r *ring) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.first = block{}
	r.head, r.tail = &r.first, &r.first
	r.depth.Store(0)
}

// Queue is the two-priority task queue. The zero value is not usable;
// construct with New.
type Queue struct {
	urgent  *ring
	normal  *ring
	running atomic.Bool
	wake    chan struct{}
	backoff *conc.Backoff
}

// New creates an empty, running Queue.
func New() *Queue {
	q := &Queue{
		urgent:  newRing(),
		normal:  newRing(),
		wake:    make(chan struct{}, 1),
		backoff: conc.NewBackoff(),
	}
	q.running.Store(true)
	return q
}

// Enqueue schedules fn to run with the given priority. Safe for
// concurrent use by any number of producers.
func (q *Queue) Enqueue(p Priority, fn Func, arg1, arg2 any) {
	switch p {
	case Urgent:
		q.urgent.push(fn, arg1, arg2)
	default:
		q.normal.push(fn, arg1, arg2)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// PerformAll drains urgent-then-normal repeatedly until both queues are
// empty, running each task inline. It returns the number of tasks run.
// Each pass pops every normal task queued at that moment and runs the
// whole batch; urgent work those tasks enqueue (e.g. a write-flush
// triggered by an on-data callback) runs right after that batch,
// before the next normal batch is popped.
func (q *Queue) PerformAll() int {
	ran := 0
	buf := make([]task, 0, 64)
	for {
		buf = q.urgent.popAll(buf[:0])
		for _, t := range buf {
			t.fn(t.arg1, t.arg2)
			ran++
		}
		if len(buf) > 0 {
			continue // urgent always fully drains before a normal task runs
		}

		buf = q.normal.popAll(buf[:0])
		if len(buf) == 0 {
			return ran
		}
		for _, t := range buf {
			t.fn(t.arg1, t.arg2)
			ran++
		}
	}
}

// UrgentDepth reports the number of tasks currently queued at urgent
// priority, for metrics sampling only.
func (q *Queue) UrgentDepth() int { return int(q.urgent.len()) }

// NormalDepth reports the number of tasks currently queued at normal
// priority, for metrics sampling only.
func (q *Queue) NormalDepth() int { return int(q.normal.len()) }

// IsRunning reports whether the queue's owning worker pool should keep
// looping; workers exit their Run loop once it flips false.
func (q *Queue) IsRunning() bool { return q.running.Load() }

// Stop flips IsRunning false and wakes any parked worker so it can
// observe the change.
func (q *Queue) Stop() {
	q.running.Store(false)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Clear destroys all pending tasks without running them — used by
// forked children to drop work inherited from the parent.
func (q *Queue) Clear() {
	q.urgent.clear()
	q.normal.clear()
}

// Run is a worker-thread body: PerformAll, then park until woken or
// stopped, using a progressive nanosleep back-off collapsed to ~1ns
// whenever the wake channel fires.
func (q *Queue) Run() {
	for q.IsRunning() {
		if q.PerformAll() > 0 {
			q.backoff.Reset()
			continue
		}
		select {
		case <-q.wake:
			q.backoff.Reset()
		default:
			q.backoff.Sleep()
		}
	}
}
