// Package intercept adapts the original's process-wide libc interposition
// (mmap/ioctl/open/read/write/pthread_create) into library-level guards a
// caller uses deliberately instead of the raw call, since Go has no
// preload-style symbol interposition. Grounded on
// original_source/funcoverrides.c and allocate.c.
package intercept

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fatal marks an invariant violation that the original would jm_abort on.
type Fatal struct{ Err error }

func (f *Fatal) Error() string { return fmt.Sprintf("intercept: fatal: %v", f.Err) }
func (f *Fatal) Unwrap() error { return f.Err }

// SafeMmap requests anonymous memory from the kernel and guarantees the
// result does not land inside [managedBase, managedBase+managedExtent),
// mirroring jm_mmap's collision check: it makes one mmap call at a
// kernel-chosen address and, if the mapping overlaps the managed region,
// unmaps it and returns an *intercept.Fatal error. It does not retry, and
// it does not steer the mapping below or above the managed region.
func SafeMmap(length uint64, prot, flags int, managedBase, managedExtent uint64) ([]byte, error) {
	// Let the kernel choose the address; it does not place a new mapping
	// over the managed region while that region is itself mapped.
	mem, err := unix.Mmap(-1, 0, int(length), prot, flags|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("intercept: mmap: %w", err)
	}
	addr := addrOf(mem)
	if addr >= managedBase && addr < managedBase+managedExtent {
		unix.Munmap(mem)
		return nil, &Fatal{Err: fmt.Errorf("kernel placed a mapping at %#x inside the managed region [%#x, %#x)", addr, managedBase, managedBase+managedExtent)}
	}
	end := addr + uint64(length)
	if end > managedBase && addr < managedBase+managedExtent {
		unix.Munmap(mem)
		return nil, &Fatal{Err: fmt.Errorf("mapping at %#x..%#x overlaps the managed region [%#x, %#x)", addr, end, managedBase, managedBase+managedExtent)}
	}
	return mem, nil
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
