//go:build !linux

package sysinfo

import (
	"fmt"
	"os"
)

// LinuxProbe degrades to a fixed-default adapter off Linux: userfaultfd
// doesn't exist here either, so callers are already on the sigfault
// fallback backend and only need plausible numbers to size the local
// cache, not exact ones.
type LinuxProbe struct{}

// NewLinuxProbe returns a non-Linux stand-in; present so callers can build
// against the same constructor name on every platform.
func NewLinuxProbe() *LinuxProbe { return &LinuxProbe{} }

func (p *LinuxProbe) AvailablePhysicalMemory() (uint64, error) {
	return 0, fmt.Errorf("sysinfo: physical memory probing not implemented on %s", osName())
}

func (p *LinuxProbe) MaxMapCount() (uint64, error) {
	// No equivalent ceiling is exposed outside Linux; a generously large
	// value disables the mapping-count-driven page size floor rather than
	// failing bootstrap outright.
	return 1 << 20, nil
}

func (p *LinuxProbe) OSPageSize() uint64 {
	return uint64(os.Getpagesize())
}

func osName() string { return "this platform" }
