//go:build linux

package sysinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LinuxProbe implements Probe by reading /proc/meminfo and
// /proc/sys/vm/max_map_count, mirroring jm_parse_meminfo_file and
// jm_get_maximum_map_count.
type LinuxProbe struct {
	MemInfoPath     string // defaults to /proc/meminfo
	MaxMapCountPath string // defaults to /proc/sys/vm/max_map_count
}

// NewLinuxProbe returns a LinuxProbe configured for the standard procfs
// paths.
func NewLinuxProbe() *LinuxProbe {
	return &LinuxProbe{
		MemInfoPath:     "/proc/meminfo",
		MaxMapCountPath: "/proc/sys/vm/max_map_count",
	}
}

// AvailablePhysicalMemory parses /proc/meminfo's MemAvailable line (falling
// back to MemFree if the kernel is too old to report MemAvailable, matching
// jm_parse_meminfo_file's fallback order).
func (p *LinuxProbe) AvailablePhysicalMemory() (uint64, error) {
	f, err := os.Open(p.MemInfoPath)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: opening %s: %w", p.MemInfoPath, err)
	}
	defer f.Close()

	var memAvailable, memFree uint64
	var haveAvailable, haveFree bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemAvailable:"):
			if v, ok := parseMeminfoKB(line); ok {
				memAvailable, haveAvailable = v, true
			}
		case strings.HasPrefix(line, "MemFree:"):
			if v, ok := parseMeminfoKB(line); ok {
				memFree, haveFree = v, true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("sysinfo: scanning %s: %w", p.MemInfoPath, err)
	}
	if haveAvailable {
		return memAvailable, nil
	}
	if haveFree {
		return memFree, nil
	}
	return 0, fmt.Errorf("sysinfo: neither MemAvailable nor MemFree found in %s", p.MemInfoPath)
}

func parseMeminfoKB(line string) (uint64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return kb * 1024, true
}

// MaxMapCount reads /proc/sys/vm/max_map_count.
func (p *LinuxProbe) MaxMapCount() (uint64, error) {
	data, err := os.ReadFile(p.MaxMapCountPath)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: reading %s: %w", p.MaxMapCountPath, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sysinfo: parsing %s: %w", p.MaxMapCountPath, err)
	}
	return n, nil
}

// OSPageSize returns the host's native page size via getpagesize(2).
func (p *LinuxProbe) OSPageSize() uint64 {
	return uint64(unix.Getpagesize())
}
