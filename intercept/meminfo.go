package intercept

import (
	"fmt"
	"strings"
)

// MemInfo synthesizes a /proc/meminfo-shaped view of the managed region for
// callers that explicitly route their memory probing through it, mirroring
// funcoverrides.c's open()-interposition of /proc/meminfo. A process that
// calls the real os.Open("/proc/meminfo") directly is not rewritten --
// exactly the degraded-mode caveat spec.md's interception-without-a-preload
// note anticipates.
type MemInfo struct {
	TotalBytes     uint64 // the managed region's extent
	ResidentBytes  uint64 // bytes currently held in the local cache
}

// Render formats MemInfo the way /proc/meminfo reports MemTotal/MemFree, in
// kB, matching the kernel's own units.
func (m MemInfo) Render() string {
	var b strings.Builder
	totalKB := m.TotalBytes / 1024
	freeKB := (m.TotalBytes - m.ResidentBytes) / 1024
	fmt.Fprintf(&b, "MemTotal:       %8d kB\n", totalKB)
	fmt.Fprintf(&b, "MemFree:        %8d kB\n", freeKB)
	fmt.Fprintf(&b, "MemAvailable:   %8d kB\n", freeKB)
	return b.String()
}
