package sysinfo

import "testing"

func TestMinimumPageSizeRoundsUpToOSPageSize(t *testing.T) {
	got := MinimumPageSize(1<<30, 65530, 4096)
	if got%4096 != 0 {
		t.Fatalf("expected multiple of OS page size, got %d", got)
	}
	if got < 4096 {
		t.Fatalf("expected at least the OS page size, got %d", got)
	}
}

func TestMinimumPageSizeNeverBelowOSPageSize(t *testing.T) {
	got := MinimumPageSize(1<<20, 1<<30, 4096)
	if got != 4096 {
		t.Fatalf("expected floor of OS page size when extent is small, got %d", got)
	}
}
