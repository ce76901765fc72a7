//go:build !linux

package jumbomem

import "errors"

// mmapAnon is never actually exercised outside linux since uffd.Probe
// always fails there first, but installBackend still needs something to
// call.
func mmapAnon(length uint64) ([]byte, error) {
	return nil, errors.New("jumbomem: anonymous mmap reservation is only supported on linux")
}

func addrOfSlice(b []byte) uint64 { return 0 }
