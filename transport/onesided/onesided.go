// Package onesided is the one-sided put/get transport, grounded on
// original_source/slaves_shmem.c: each peer exposes a byte-addressable
// segment the master can put into and get from directly, with completion
// signaled asynchronously rather than by a request/response round trip.
// Here the segment is reached through an io.ReaderAt/io.WriterAt (in
// production, a peer-side memory-mapped file reached via a control
// connection for the address handshake; in tests, a plain in-memory
// buffer), and "non-blocking put/get plus wait" is modeled with a buffered
// completion channel per operation.
package onesided

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"github.com/jumbomem/jumbomem-go/transport"
)

const maxOutstandingPerKind = 2

// Segment is one peer's addressable memory, reached by offset.
type Segment interface {
	io.ReaderAt
	io.WriterAt
}

type pendingOp struct {
	done chan error
}

// Transport implements transport.Transport over a fixed set of Segments,
// one per peer, each with its own put/get completion queue.
type Transport struct {
	segments []Segment

	mu      sync.Mutex
	pending map[transport.Kind]int
	ops     map[ulid.ULID]*pendingOp
	entropy *ulid.MonotonicEntropy
}

// New constructs a one-sided transport over pre-dialed peer segments. Dial
// is a no-op here because segment connection setup is assumed to have
// already happened (e.g. during peer handshake); New returns ErrNoPeers
// immediately from Dial if segments is empty.
func New(segments []Segment) *Transport {
	return &Transport{
		segments: segments,
		pending:  make(map[transport.Kind]int),
		ops:      make(map[ulid.ULID]*pendingOp),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (t *Transport) Dial(ctx context.Context) error {
	if len(t.segments) == 0 {
		return transport.ErrNoPeers
	}
	return nil
}

func (t *Transport) NumPeers() int { return len(t.segments) }

func (t *Transport) Outstanding(kind transport.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[kind]
}

func (t *Transport) beginOp(kind transport.Kind) (transport.Handle, *pendingOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[kind] >= maxOutstandingPerKind {
		return transport.Handle{}, nil, fmt.Errorf("onesided: too many outstanding operations of kind %v (max %d)", kind, maxOutstandingPerKind)
	}
	t.pending[kind]++
	h := transport.Handle{ID: ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy)}
	op := &pendingOp{done: make(chan error, 1)}
	t.ops[h.ID] = op
	return h, op, nil
}

// FetchBegin issues a non-blocking get from (peer, offset) into buf,
// mirroring shmem_getmem_nb. The read happens on a background goroutine;
// FetchEnd blocks (via shmem_wait_nb's analogue) until it finishes.
func (t *Transport) FetchBegin(ctx context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	h, op, err := t.beginOp(transport.KindFetch)
	if err != nil {
		return transport.Handle{}, err
	}
	seg, err := t.segmentFor(peer)
	if err != nil {
		op.done <- err
		return h, err
	}
	go func() {
		_, err := seg.ReadAt(buf, offset)
		if err == io.EOF {
			err = nil // short final segment is not an error for a fixed-size buf read
		}
		op.done <- err
	}()
	return h, nil
}

func (t *Transport) FetchEnd(ctx context.Context, h transport.Handle) error {
	return t.waitOp(ctx, transport.KindFetch, h)
}

// EvictBegin issues a non-blocking put of buf to (peer, offset), mirroring
// shmem_putmem_nb.
func (t *Transport) EvictBegin(ctx context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	h, op, err := t.beginOp(transport.KindEvict)
	if err != nil {
		return transport.Handle{}, err
	}
	seg, err := t.segmentFor(peer)
	if err != nil {
		op.done <- err
		return h, err
	}
	go func() {
		_, err := seg.WriteAt(buf, offset)
		op.done <- err
	}()
	return h, nil
}

func (t *Transport) EvictEnd(ctx context.Context, h transport.Handle) error {
	return t.waitOp(ctx, transport.KindEvict, h)
}

func (t *Transport) waitOp(ctx context.Context, kind transport.Kind, h transport.Handle) error {
	t.mu.Lock()
	op, ok := t.ops[h.ID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("onesided: unknown or already-completed handle")
	}
	select {
	case err := <-op.done:
		t.mu.Lock()
		delete(t.ops, h.ID)
		if t.pending[kind] > 0 {
			t.pending[kind]--
		}
		t.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) segmentFor(peer int) (Segment, error) {
	if peer < 0 || peer >= len(t.segments) {
		return nil, fmt.Errorf("onesided: no segment for peer %d", peer)
	}
	return t.segments[peer], nil
}

func (t *Transport) Close() error { return nil }
