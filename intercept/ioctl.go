//go:build !windows

package intercept

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl prefaults the page(s) an ioctl argument pointer touches before
// issuing the raw syscall, mirroring funcoverrides.c's ioctl() wrapper: an
// argument pointer that lands on a managed-region page the kernel is about
// to write into must already be resident, or the kernel write would fault
// in a context (inside a syscall) the library cannot safely recover from.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer, argLen int, touch Toucher) error {
	touch(uint64(uintptr(arg)), argLen)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return fmt.Errorf("intercept: ioctl %#x: %w", req, errno)
	}
	return nil
}
