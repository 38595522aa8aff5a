package fio

import (
	"reflect"
	"sync"
)

// Hook identifies one of the thirteen lifecycle callback points.
type Hook int

const (
	OnInitialize Hook = iota
	PreStart
	BeforeFork
	AfterFork
	InChild
	InMaster
	OnStart
	OnIdle
	OnShutdownHook
	OnFinish
	OnParentCrush
	OnChildCrush
	AtExit
	hookCount
)

// startupFamily is the set of hooks fired LIFO (most-recently-added
// first); every other hook fires in insertion order.
var startupFamily = map[Hook]bool{
	OnInitialize: true,
	PreStart:     true,
	BeforeFork:   true,
	AfterFork:    true,
	InChild:      true,
	InMaster:     true,
	OnStart:      true,
}

type callbackEntry struct {
	fn  func()
	arg any
}

// callbackRegistry holds one independently locked slice per hook,
// copied before firing so callbacks may re-entrantly add/remove during
// invocation.
type callbackRegistry struct {
	mu    [hookCount]sync.Mutex
	slots [hookCount][]callbackEntry
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{}
}

// Add registers fn for hook. arg is stored with the registration but is
// not passed to fn, which Force calls with no arguments.
func (r *callbackRegistry) Add(hook Hook, fn func(), arg any) {
	r.mu[hook].Lock()
	r.slots[hook] = append(r.slots[hook], callbackEntry{fn: fn, arg: arg})
	r.mu[hook].Unlock()
}

// Remove drops every registration for hook whose fn matches, compared
// by underlying code pointer since func values aren't comparable with
// ==. Callers that need precise removal should keep the same func
// value around to pass back here rather than passing a fresh literal.
func (r *callbackRegistry) Remove(hook Hook, fn func()) {
	target := reflect.ValueOf(fn).Pointer()
	r.mu[hook].Lock()
	kept := r.slots[hook][:0]
	for _, e := range r.slots[hook] {
		if reflect.ValueOf(e.fn).Pointer() != target {
			kept = append(kept, e)
		}
	}
	r.slots[hook] = kept
	r.mu[hook].Unlock()
}

// Clear drops every registration for hook.
func (r *callbackRegistry) Clear(hook Hook) {
	r.mu[hook].Lock()
	r.slots[hook] = nil
	r.mu[hook].Unlock()
}

// Force fires every registered callback for hook immediately, in the
// hook's defined order, against a copy of the slice (re-entrant safe).
func (r *callbackRegistry) Force(hook Hook) {
	r.mu[hook].Lock()
	cp := append([]callbackEntry(nil), r.slots[hook]...)
	r.mu[hook].Unlock()

	if startupFamily[hook] {
		for i := len(cp) - 1; i >= 0; i-- {
			cp[i].fn()
		}
		return
	}
	for _, e := range cp {
		e.fn()
	}
}
