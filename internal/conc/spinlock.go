// Package conc holds the low-level concurrency primitives the rest of
// fio is built from: a spinlock, nanosleep-based thread parking, and an
// intrusive doubly linked list. These are the same small primitives a
// C reactor would hand-roll (atomic counters, spinlocks, nanosleep
// backoff, embedded linked lists) expressed as small Go types.
package conc

import (
	"runtime"
	"time"

	"go.uber.org/atomic"
)

// Spinlock is a single-word mutual exclusion lock biased for very short
// critical sections (packet-list mutation, protocol-pointer swaps).
// It must never be held across a blocking call.
type Spinlock struct {
	held atomic.Bool
}

// TryLock attempts to acquire the lock without blocking, reporting
// whether it succeeded.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Lock spins until the lock is acquired, yielding the OS thread via a
// 1ns nanosleep on contention so the scheduler can run other
// goroutines instead of burning a core.
func (s *Spinlock) Lock() {
	for !s.TryLock() {
		runtime.Gosched()
		time.Sleep(time.Nanosecond)
	}
}

// Unlock releases the lock. Unlocking a free lock is a programmer
// error and panics, matching the contract that callers never double
// unlock.
func (s *Spinlock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		panic("conc: unlock of unlocked spinlock")
	}
}
