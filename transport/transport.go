// Package transport defines the split-phase peer interface the fault
// handler drives, and the address-distribution math shared by every
// implementation. Two reference implementations live in the msgchan and
// onesided subpackages; per spec, the wire protocol and peer discovery are
// an external contract — this package only fixes the shape every backend
// must present.
package transport

import (
	"context"
	"errors"

	"github.com/oklog/ulid"
)

// ErrNoPeers is returned by Dial when zero peers can be reached. The
// bootstrap collapses the managed extent to local-only storage and never
// installs a fault backend when it sees this error, exactly as
// jm_initialize_all does when numslaves < 1.
var ErrNoPeers = errors.New("transport: no peers available")

// Distribution selects how logical pages are spread across peers.
type Distribution int

const (
	// RoundRobin assigns consecutive pages to consecutive peers.
	RoundRobin Distribution = iota
	// Block assigns contiguous runs of pages to each peer in turn.
	Block
)

// AddressOf maps a page number to a (peer, offset) pair. offset is in units
// of logical pages within the peer's slice of the managed region. This is
// shared by every transport so the replacement/fault-handling logic stays
// correct regardless of which backend is dialed.
func AddressOf(page uint64, numPeers int, dist Distribution) (peer int, offset int64) {
	if numPeers <= 0 {
		return 0, int64(page)
	}
	switch dist {
	case Block:
		// Block distribution needs the total page count to size each
		// peer's contiguous run; use BlockAddressOf instead.
		panic("transport: AddressOf does not support Block distribution; use BlockAddressOf")
	default: // RoundRobin
		return int(page % uint64(numPeers)), int64(page / uint64(numPeers))
	}
}

// BlockAddressOf maps a page number to a (peer, offset) pair under Block
// distribution, given pagesPerPeer (the contiguous run size assigned to
// each peer).
func BlockAddressOf(page uint64, numPeers int, pagesPerPeer int64) (peer int, offset int64) {
	if numPeers <= 0 || pagesPerPeer <= 0 {
		return 0, int64(page)
	}
	peer = int(int64(page) / pagesPerPeer)
	if peer >= numPeers {
		peer = numPeers - 1
	}
	offset = int64(page) - int64(peer)*pagesPerPeer
	return peer, offset
}

// Handle identifies one outstanding split-phase operation.
type Handle struct {
	ID ulid.ULID
}

// Kind names the split-phase operation families reported by Outstanding.
// Both reference transports count KindFetch and KindEvict separately, each
// capped at 2; a prefetch is issued through FetchBegin and counts as
// KindFetch, so no transport counts KindPrefetch.
type Kind int

const (
	KindFetch Kind = iota
	KindEvict
	KindPrefetch
)

// Transport is the split-phase interface to the connected peers, each
// holding a slice of the managed region.
type Transport interface {
	// Dial connects to the configured peer set. It returns ErrNoPeers if
	// zero peers answer within the configured timeout.
	Dial(ctx context.Context) error

	// NumPeers returns how many peers are connected.
	NumPeers() int

	// FetchBegin starts fetching the page at (peer, offset) into buf.
	// FetchEnd must be called with the returned handle to complete it.
	FetchBegin(ctx context.Context, peer int, offset int64, buf []byte) (Handle, error)
	FetchEnd(ctx context.Context, h Handle) error

	// EvictBegin starts writing buf to (peer, offset). EvictEnd must be
	// called with the returned handle to complete it.
	EvictBegin(ctx context.Context, peer int, offset int64, buf []byte) (Handle, error)
	EvictEnd(ctx context.Context, h Handle) error

	// Outstanding reports the number of in-flight operations of the given
	// kind, for outstanding-operation-cap enforcement.
	Outstanding(kind Kind) int

	// Close tears down every peer connection.
	Close() error
}
