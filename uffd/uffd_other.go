//go:build !linux

package uffd

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by every Backend operation off Linux, where
// userfaultfd does not exist; callers fall back to the sigfault backend.
var ErrUnsupported = errors.New("uffd: userfaultfd is only available on linux")

// Miss matches the Linux package's callback signature.
type Miss func(ctx context.Context, addr uint64, write bool)

// Probe always fails off Linux.
func Probe() error { return ErrUnsupported }

// Backend is a non-functional stand-in so callers can reference the type
// uniformly across platforms; every method returns ErrUnsupported.
type Backend struct{}

func Open(mem []byte, pageSize uint64, onMiss Miss) (*Backend, error) {
	return nil, ErrUnsupported
}

func (b *Backend) Close() error                                     { return ErrUnsupported }
func (b *Backend) Copy(faultAddr uint64, src []byte, wp bool) error  { return ErrUnsupported }
func (b *Backend) Zero(faultAddr uint64) error                      { return ErrUnsupported }
func (b *Backend) Serve(ctx context.Context) error                  { return ErrUnsupported }
func (b *Backend) Populate(pageAddr uint64, data []byte, w bool) error { return ErrUnsupported }
func (b *Backend) Promote(pageAddr uint64) error                    { return ErrUnsupported }
func (b *Backend) Revoke(pageAddr uint64) error                     { return ErrUnsupported }
func (b *Backend) Sync(pageAddr uint64, dst []byte) error           { return ErrUnsupported }
