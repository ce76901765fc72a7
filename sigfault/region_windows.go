//go:build windows

package sigfault

import (
	"context"
	"errors"
	"unsafe"

	"github.com/jumbomem/jumbomem-go/concurrency"
	"github.com/jumbomem/jumbomem-go/fault"
)

// ErrUnsupported is returned by every Region operation on windows; this
// backend targets the POSIX mmap/mprotect model the original assumes.
var ErrUnsupported = errors.New("sigfault: not supported on windows")

type Region struct{}

func NewRegion(length uint64, h *fault.Handler) (*Region, error) { return nil, ErrUnsupported }
func (r *Region) Close() error                                  { return ErrUnsupported }
func (r *Region) Base() uint64                                  { return 0 }
func (r *Region) Load(ctx context.Context, rec *concurrency.Record, offset uint64, length int) ([]byte, error) {
	return nil, ErrUnsupported
}
func (r *Region) Store(ctx context.Context, rec *concurrency.Record, offset uint64, p []byte) error {
	return ErrUnsupported
}

func SafeDeref(ctx context.Context, rec *concurrency.Record, r *Region, offset uint64) (unsafe.Pointer, func(), error) {
	return nil, nil, ErrUnsupported
}
