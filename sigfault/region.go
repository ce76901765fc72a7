//go:build !windows

// Package sigfault is the fallback fault-delivery backend, used when
// userfaultfd is unavailable (old kernel, missing CAP_SYS_PTRACE, or a
// non-Linux OS). Go cannot resume execution at a faulting instruction the
// way the original's sigaction-based trampoline does, so this backend does
// not intercept raw pointer dereferences at all: it exposes an explicit
// accessor API (Region.Load/Store, plus SafeDeref for a raw pointer) that
// services each access through the shared fault.Handler before touching
// the mapping, while the handler keeps the mapping's protection in step
// (PROT_NONE for non-resident pages) through Populate/Promote/Revoke -- the
// idiomatic Go analogue of "catch the fault, fix the page, resume" for code
// that goes through the library instead of dereferencing memory directly.
// runtime/debug.SetPanicOnFault is used only by SafeDeref. This is
// the degraded mode spec.md's design notes anticipate for interception
// without a preload.
package sigfault

import (
	"context"
	"fmt"
	"runtime/debug"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jumbomem/jumbomem-go/concurrency"
	"github.com/jumbomem/jumbomem-go/fault"
)

// Region is a managed memory range backed by a real mmap'd mapping, whose
// protection bits are flipped to PROT_NONE for pages the fault.Handler
// considers non-resident and PROT_READ|PROT_WRITE (or PROT_READ alone for a
// clean, not-yet-written page) for resident ones via Populate/Promote/
// Revoke, which Handler calls directly. The accessor methods never rely on
// this protection to deliver a fault to Go code -- Go cannot resume from a
// real SIGSEGV -- they always go through Handler.Miss explicitly first; the
// protection exists so that SafeDeref's raw pointer is genuinely backed by
// live, correctly-populated memory instead of a permanently PROT_NONE hole.
type Region struct {
	mem      []byte
	base     uint64
	pageSize uint64
	handler  *fault.Handler
}

// NewRegion mmaps length bytes of anonymous memory and wraps it for
// accessor-mediated access.
func NewRegion(length uint64, h *fault.Handler) (*Region, error) {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("sigfault: mmap: %w", err)
	}
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	return &Region{mem: mem, base: base, pageSize: h.LogicalPageSize, handler: h}, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	return unix.Munmap(r.mem)
}

// Base returns the region's start address, matching fault.Handler.Base for
// callers that need to translate their own offsets.
func (r *Region) Base() uint64 { return r.base }

// Load reads length bytes at offset, servicing any faults first via the
// shared fault handler. This is the degraded-mode replacement for "just
// dereference the pointer": correct, but requires the caller to go through
// the library rather than hold a raw *byte into the region.
func (r *Region) Load(ctx context.Context, rec *concurrency.Record, offset uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	if err := r.handler.Read(ctx, rec, r.base+offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Store writes p at offset, servicing any faults first. The bytes are also
// mirrored into the real mapping -- Handler.Write updates only its own
// local cache, and Populate/Promote alone would leave the mapping holding
// stale (pre-write) content for a page that was already resident.
func (r *Region) Store(ctx context.Context, rec *concurrency.Record, offset uint64, p []byte) error {
	if err := r.handler.Write(ctx, rec, r.base+offset, p); err != nil {
		return err
	}
	copy(r.mem[offset:offset+uint64(len(p))], p)
	return nil
}

// Populate implements fault.RegionBackend: it mprotects the page containing
// pageAddr readable (and writable, if writable) and copies data into the
// real mapping, so a SafeDeref pointer into this page sees the same bytes
// the handler's own cache does.
func (r *Region) Populate(pageAddr uint64, data []byte, writable bool) error {
	off := pageAddr - r.base
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(r.mem[off:off+r.pageSize], prot); err != nil {
		return fmt.Errorf("sigfault: mprotect resident page at %#x: %w", pageAddr, err)
	}
	copy(r.mem[off:off+uint64(len(data))], data)
	return nil
}

// Promote implements fault.RegionBackend by adding PROT_WRITE to an
// already-resident page, called on its first write.
func (r *Region) Promote(pageAddr uint64) error {
	off := pageAddr - r.base
	if err := unix.Mprotect(r.mem[off:off+r.pageSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("sigfault: mprotect promote page at %#x: %w", pageAddr, err)
	}
	return nil
}

// Revoke implements fault.RegionBackend by dropping all access to an
// evicted page, the mprotect analogue of uffd.Backend.Revoke's
// madvise(MADV_DONTNEED): the next access must go through Handler.Miss
// again rather than silently reading stale memory.
func (r *Region) Revoke(pageAddr uint64) error {
	off := pageAddr - r.base
	if err := unix.Mprotect(r.mem[off:off+r.pageSize], unix.PROT_NONE); err != nil {
		return fmt.Errorf("sigfault: mprotect revoke page at %#x: %w", pageAddr, err)
	}
	return nil
}

// Sync implements fault.RegionBackend. Store already mirrors every write
// into r.mem, so the real mapping is never actually ahead of the handler's
// cache here; this just reads it back for the handler to stage, the same
// interface uffd.Backend.Sync satisfies by pulling bytes a raw store wrote
// directly into its mapping without going through Handler.Write at all.
func (r *Region) Sync(pageAddr uint64, dst []byte) error {
	off := pageAddr - r.base
	copy(dst, r.mem[off:off+uint64(len(dst))])
	return nil
}

// SafeDeref is a narrow concession for callers that genuinely need a raw
// pointer into the region (e.g. to hand to a C-calling-convention API):
// it services the fault for the single page containing offset and then
// returns an unsafe.Pointer into the now-resident page, guarded by
// runtime/debug.SetPanicOnFault so that a concurrent eviction racing the
// caller's own access is at least converted into a recoverable panic
// instead of crashing the process -- not into a resumable fault, which Go
// cannot do. Callers that need true resume-after-fault semantics should use
// the uffd backend instead.
func SafeDeref(ctx context.Context, rec *concurrency.Record, r *Region, offset uint64) (ptr unsafe.Pointer, done func(), err error) {
	if _, err := r.Load(ctx, rec, offset, 1); err != nil {
		return nil, nil, err
	}
	old := debug.SetPanicOnFault(true)
	return unsafe.Pointer(&r.mem[offset]), func() { debug.SetPanicOnFault(old) }, nil
}
