//go:build linux

package jumbomem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAnon reserves a PROT_NONE anonymous mapping for the uffd backend to
// register, mirroring the reservation sigfault.NewRegion performs for its
// own backend.
func mmapAnon(length uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func addrOfSlice(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
