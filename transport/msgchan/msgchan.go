// Package msgchan is the message-passing transport, grounded on
// original_source/slaves_mpi.c's request/response protocol: the master
// issues a small request frame (operation, offset, length) over a
// connection and either streams data to the peer (evict) or reads data back
// from it (fetch). Each Begin call performs its whole transfer on the
// calling goroutine; the handle it returns stands in for MPI's Isend/Irecv
// request, and the matching End call only releases the outstanding count.
package msgchan

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid"
	"github.com/sirupsen/logrus"

	"github.com/jumbomem/jumbomem-go/transport"
)

const (
	opFetch byte = 1
	opEvict byte = 2

	maxOutstandingPerKind = 2
)

// Dialer connects to one peer address. Production callers pass net.Dial;
// tests substitute an in-process pipe dialer.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Transport implements transport.Transport over a set of TCP (or
// Dialer-supplied) connections, one per peer.
type Transport struct {
	addrs  []string
	dial   Dialer
	log    *logrus.Entry
	mu     sync.Mutex
	conns   []net.Conn
	pending map[transport.Kind]int
	entropy *ulid.MonotonicEntropy
}

// New constructs a msgchan transport for the given peer addresses.
func New(addrs []string, dial Dialer, log *logrus.Entry) *Transport {
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		addrs:   addrs,
		dial:    dial,
		log:     log.WithField("transport", "msgchan"),
		pending: make(map[transport.Kind]int),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (t *Transport) Dial(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result *multierror.Error
	for _, addr := range t.addrs {
		conn, err := t.dial(ctx, addr)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("dial %s: %w", addr, err))
			continue
		}
		t.conns = append(t.conns, conn)
	}
	if len(t.conns) == 0 {
		t.log.WithError(result.ErrorOrNil()).Warn("no peers reachable, collapsing to local-only")
		return transport.ErrNoPeers
	}
	if result != nil {
		t.log.WithError(result).Warn("some peers unreachable, continuing with the rest")
	}
	return nil
}

func (t *Transport) NumPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Transport) Outstanding(kind transport.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[kind]
}

func (t *Transport) newHandle() transport.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return transport.Handle{ID: ulid.MustNew(ulid.Timestamp(time.Now()), t.entropy)}
}

func (t *Transport) beginOp(kind transport.Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[kind] >= maxOutstandingPerKind {
		return fmt.Errorf("msgchan: too many outstanding operations of kind %v (max %d)", kind, maxOutstandingPerKind)
	}
	t.pending[kind]++
	return nil
}

func (t *Transport) endOp(kind transport.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[kind] > 0 {
		t.pending[kind]--
	}
}

// FetchBegin sends a fetch request and blocks until the response header and
// payload have been read into buf. The split-phase interface is preserved
// for symmetry with onesided and with async backends; here FetchEnd is a
// formality that clears the outstanding-op count.
func (t *Transport) FetchBegin(ctx context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	if err := t.beginOp(transport.KindFetch); err != nil {
		return transport.Handle{}, err
	}
	conn, err := t.connFor(peer)
	if err != nil {
		t.endOp(transport.KindFetch)
		return transport.Handle{}, err
	}
	if err := writeRequest(conn, opFetch, offset, int64(len(buf))); err != nil {
		t.endOp(transport.KindFetch)
		return transport.Handle{}, fmt.Errorf("msgchan: fetch request to peer %d: %w", peer, err)
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.endOp(transport.KindFetch)
		return transport.Handle{}, fmt.Errorf("msgchan: fetch payload from peer %d: %w", peer, err)
	}
	return t.newHandle(), nil
}

func (t *Transport) FetchEnd(_ context.Context, _ transport.Handle) error {
	t.endOp(transport.KindFetch)
	return nil
}

// EvictBegin sends an evict request followed immediately by buf's contents.
func (t *Transport) EvictBegin(ctx context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	if err := t.beginOp(transport.KindEvict); err != nil {
		return transport.Handle{}, err
	}
	conn, err := t.connFor(peer)
	if err != nil {
		t.endOp(transport.KindEvict)
		return transport.Handle{}, err
	}
	if err := writeRequest(conn, opEvict, offset, int64(len(buf))); err != nil {
		t.endOp(transport.KindEvict)
		return transport.Handle{}, fmt.Errorf("msgchan: evict request to peer %d: %w", peer, err)
	}
	if _, err := conn.Write(buf); err != nil {
		t.endOp(transport.KindEvict)
		return transport.Handle{}, fmt.Errorf("msgchan: evict payload to peer %d: %w", peer, err)
	}
	return t.newHandle(), nil
}

func (t *Transport) EvictEnd(_ context.Context, _ transport.Handle) error {
	t.endOp(transport.KindEvict)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result *multierror.Error
	for _, c := range t.conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.conns = nil
	return result.ErrorOrNil()
}

func (t *Transport) connFor(peer int) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer < 0 || peer >= len(t.conns) {
		return nil, fmt.Errorf("msgchan: no connection for peer %d", peer)
	}
	return t.conns[peer], nil
}

// writeRequest writes a fixed 17-byte request frame: 1-byte op, 8-byte
// offset, 8-byte length, all big-endian.
func writeRequest(w io.Writer, op byte, offset, length int64) error {
	var frame [17]byte
	frame[0] = op
	binary.BigEndian.PutUint64(frame[1:9], uint64(offset))
	binary.BigEndian.PutUint64(frame[9:17], uint64(length))
	_, err := w.Write(frame[:])
	return err
}

// ReadRequest parses a request frame written by writeRequest. Peer-side
// servers (the reference implementation's counterpart to a jumbomem slave
// process) use this to decode incoming fetch/evict requests.
func ReadRequest(r io.Reader) (op byte, offset, length int64, err error) {
	var frame [17]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return 0, 0, 0, err
	}
	op = frame[0]
	offset = int64(binary.BigEndian.Uint64(frame[1:9]))
	length = int64(binary.BigEndian.Uint64(frame[9:17]))
	return op, offset, length, nil
}
