// Package concurrency implements the mega-lock critical section and the
// per-goroutine record / freeze protocol, grounded on
// original_source/threadsupport.c. Go has no thread-local storage, so the
// per-thread record the original keeps via a pthread key is instead carried
// explicitly through a context.Context, attached once per goroutine by
// WithRecord.
package concurrency

import (
	"context"
	"sync"
)

type recordKey struct{}

// Record is the Go analogue of THREAD_INFO: one entry per goroutine that
// has ever entered library code.
type Record struct {
	ID            int64 // stable identity for logging, assigned by the Registry
	mu            sync.Mutex
	blocked       bool
	internalDepth int
	cancelHandler int
	internal      bool // true for goroutines the library itself spawned (intercept.Go)
	freed         bool // permanently excluded, e.g. after the goroutine exited
}

// Blocked reports whether the owning goroutine is currently inside a
// library call, analogous to THREAD_INFO.blocked.
func (r *Record) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

func (r *Record) setBlocked(v bool) {
	r.mu.Lock()
	r.blocked = v
	r.mu.Unlock()
}

// InternalDepth returns the current critical-section reentrancy depth.
func (r *Record) InternalDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.internalDepth
}

// Internal reports whether this record belongs to a library-spawned
// goroutine, mirroring THREAD_INFO.internal: internal goroutines are never
// frozen or signaled by Freeze.
func (r *Record) Internal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.internal
}

// MarkFreed permanently excludes this record from future freezes, the Go
// analogue of thread_destructor setting blocked to ~0 on thread exit.
func (r *Record) MarkFreed() {
	r.mu.Lock()
	r.freed = true
	r.blocked = true
	r.mu.Unlock()
}

// Registry tracks every live Record, mutated only under the mega-lock.
type Registry struct {
	lock Lock
	mu   sync.Mutex
	next int64
	all  []*Record
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Lock returns the mega-lock guarding this registry's records, shared with
// the fault handler so both use the same reentrant critical section.
func (reg *Registry) Lock() *Lock { return &reg.lock }

// NewRecord allocates and registers a Record for the calling goroutine.
// internal marks records for library-spawned goroutines (see intercept.Go).
func (reg *Registry) NewRecord(internal bool) *Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.next++
	r := &Record{ID: reg.next, internal: internal}
	reg.all = append(reg.all, r)
	return r
}

// Each calls fn for every record not yet permanently freed.
func (reg *Registry) Each(fn func(*Record)) {
	reg.mu.Lock()
	snapshot := make([]*Record, len(reg.all))
	copy(snapshot, reg.all)
	reg.mu.Unlock()
	for _, r := range snapshot {
		r.mu.Lock()
		freed := r.freed
		r.mu.Unlock()
		if !freed {
			fn(r)
		}
	}
}

// WithRecord attaches r to ctx, the Go analogue of the pthread-key lookup
// every original entry point performs implicitly.
func WithRecord(ctx context.Context, r *Record) context.Context {
	return context.WithValue(ctx, recordKey{}, r)
}

// RecordFrom retrieves the Record attached by WithRecord, or nil if none.
func RecordFrom(ctx context.Context) *Record {
	r, _ := ctx.Value(recordKey{}).(*Record)
	return r
}

// Lock is the mega-lock: a single real mutex plus a reentrancy counter kept
// in the caller's Record, exactly as jm_enter_critical_section /
// jm_exit_critical_section implement it over THREAD_INFO.internal_depth.
type Lock struct {
	mu sync.Mutex
}

// Enter acquires the critical section. Calling Enter again from the same
// goroutine (same Record) before Exit is free reentrancy, matching the
// original's 0->1 transition semantics: only the outermost Enter takes the
// real lock.
func (l *Lock) Enter(r *Record) {
	r.mu.Lock()
	depth := r.internalDepth
	r.internalDepth++
	r.mu.Unlock()

	if depth == 0 {
		r.setBlocked(true)
		l.mu.Lock()
	}
}

// Exit releases one level of reentrancy, releasing the real lock only when
// depth returns to zero.
func (l *Lock) Exit(r *Record) {
	r.mu.Lock()
	r.internalDepth--
	depth := r.internalDepth
	r.mu.Unlock()

	if depth == 0 {
		l.mu.Unlock()
		r.setBlocked(false)
	}
}

// MustExitNow reports whether a one-shot cancellation has been posted for r
// by Freeze's cleanup phase, consuming it if so — the Go analogue of
// jm_must_exit_signal_handler_now decrementing cancel_handler.
func MustExitNow(r *Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelHandler > 0 {
		r.cancelHandler--
		return true
	}
	return false
}
