package concurrency

import (
	"context"
	"time"
)

// DefaultFreezeTimeout is the default bail-out for Freeze, matching
// threadsupport.c's JM_FREEZE_TIMEOUT. Waiting past this is a calculated
// risk: a goroutine that hasn't settled is assumed safe to proceed around
// rather than block the whole process indefinitely.
const DefaultFreezeTimeout = time.Second

// Settler reports whether a non-internal goroutine has settled enough for
// Freeze to consider it safely paused: blocked inside library code, or
// (for the sigfault backend, where an OS thread can be genuinely
// uninterruptible) in an unschedulable OS state. The uffd backend never
// needs this because the kernel itself blocks faulting accessors.
type Settler interface {
	Settled(r *Record) bool
}

// blockedSettler is the trivial Settler used when goroutines can only be
// "settled" by observing Record.Blocked — sufficient for the sigfault
// backend, where every access the library cares about goes through
// Region.Load/Store and therefore through Enter/Exit.
type blockedSettler struct{}

func (blockedSettler) Settled(r *Record) bool { return r.Blocked() }

// DefaultSettler is used when no OS-thread-state probe is configured.
var DefaultSettler Settler = blockedSettler{}

// Freeze implements the three-phase protocol from jm_freeze_other_threads:
// wait for every other non-internal, non-freed record to settle (up to
// timeout, a calculated risk matching the original's documented trade-off),
// then post a one-shot cancellation to each of them so that if one does
// wake up mid-fault-service it bails out via MustExitNow instead of racing
// the goroutine that is servicing the fault.
func Freeze(ctx context.Context, reg *Registry, self *Record, settler Settler, timeout time.Duration) {
	if settler == nil {
		settler = DefaultSettler
	}
	if timeout <= 0 {
		timeout = DefaultFreezeTimeout
	}

	deadline := time.Now().Add(timeout)
waitLoop:
	for {
		allSettled := true
		reg.Each(func(r *Record) {
			if r == self || r.Internal() {
				return
			}
			if !settler.Settled(r) {
				allSettled = false
			}
		})
		if allSettled || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			break waitLoop
		case <-time.After(time.Millisecond):
		}
	}

	reg.Each(func(r *Record) {
		if r == self || r.Internal() {
			return
		}
		r.mu.Lock()
		r.cancelHandler++
		r.mu.Unlock()
	})
}
