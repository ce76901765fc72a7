package concurrency

import (
	"context"
	"testing"
	"time"
)

func TestLockReentrancy(t *testing.T) {
	reg := NewRegistry()
	r := reg.NewRecord(false)
	lock := reg.Lock()

	lock.Enter(r)
	if r.InternalDepth() != 1 {
		t.Fatalf("expected depth 1, got %d", r.InternalDepth())
	}
	lock.Enter(r) // reentrant, must not deadlock
	if r.InternalDepth() != 2 {
		t.Fatalf("expected depth 2, got %d", r.InternalDepth())
	}
	lock.Exit(r)
	if !r.Blocked() {
		t.Fatal("expected still blocked at depth 1")
	}
	lock.Exit(r)
	if r.Blocked() {
		t.Fatal("expected unblocked at depth 0")
	}
}

func TestMustExitNowConsumesOneShot(t *testing.T) {
	reg := NewRegistry()
	r := reg.NewRecord(false)
	if MustExitNow(r) {
		t.Fatal("expected no pending cancellation")
	}
	r.cancelHandler = 1
	if !MustExitNow(r) {
		t.Fatal("expected pending cancellation to fire once")
	}
	if MustExitNow(r) {
		t.Fatal("expected cancellation to be consumed")
	}
}

func TestFreezeSkipsInternalAndSelf(t *testing.T) {
	reg := NewRegistry()
	self := reg.NewRecord(false)
	internal := reg.NewRecord(true)
	other := reg.NewRecord(false)
	other.setBlocked(true) // settled immediately

	Freeze(context.Background(), reg, self, nil, 50*time.Millisecond)

	if internal.cancelHandler != 0 {
		t.Fatal("expected internal goroutine to be excluded from freeze")
	}
	if other.cancelHandler != 1 {
		t.Fatalf("expected other goroutine to receive one-shot cancellation, got %d", other.cancelHandler)
	}
}

func TestFreezeTimesOutAsCalculatedRisk(t *testing.T) {
	reg := NewRegistry()
	self := reg.NewRecord(false)
	stuck := reg.NewRecord(false) // never settles

	start := time.Now()
	Freeze(context.Background(), reg, self, nil, 20*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("freeze should have bailed out near the timeout, took %v", elapsed)
	}
	if stuck.cancelHandler != 1 {
		t.Fatal("expected cancellation still posted after timeout")
	}
}

func TestWithRecordRoundTrip(t *testing.T) {
	reg := NewRegistry()
	r := reg.NewRecord(false)
	ctx := WithRecord(context.Background(), r)
	if got := RecordFrom(ctx); got != r {
		t.Fatal("expected RecordFrom to return the attached record")
	}
	if got := RecordFrom(context.Background()); got != nil {
		t.Fatal("expected nil record from a bare context")
	}
}
