package fault

import (
	"context"
	"fmt"

	"github.com/jumbomem/jumbomem-go/replace"
	"github.com/jumbomem/jumbomem-go/transport"
)

// PrefetchNone, PrefetchNext, PrefetchDelta mirror config.Prefetch without
// importing the config package (which would create an import cycle), so
// callers pass the already-resolved int.
const (
	PrefetchNone = iota
	PrefetchNext
	PrefetchDelta
)

// Prefetcher implements start_prefetch/complete_prefetch from
// faulthandler.c: after servicing a fault, optimistically begin fetching
// one more page the access pattern suggests comes next, and either consume
// it (good prefetch, if the very next fault matches) or discard it (bad
// prefetch, otherwise) before falling back to a synchronous fetch.
type Prefetcher struct {
	h    *Handler
	mode int

	active  bool
	page    uint64
	slot    int
	handle  transport.Handle
}

// NewPrefetcher constructs a Prefetcher in the given mode (PrefetchNone/
// Next/Delta).
func NewPrefetcher(h *Handler, mode int) *Prefetcher {
	return &Prefetcher{h: h, mode: mode}
}

// Enabled reports whether prefetching is configured at all. Per
// pagereplace_fifo.c's documented behavior, callers must also check that
// the installed replacement policy actually tracks residency
// (Policy.IsResident != ResidentUnknown) before trusting Start's
// already-resident cancellation check; Start does this itself.
func (p *Prefetcher) Enabled() bool { return p.mode != PrefetchNone }

// predict computes the candidate next page for the configured mode, mirroring
// start_prefetch: PREFETCH_NEXT is simply faulted+1; PREFETCH_DELTA
// extrapolates the same delta that produced faulted from prevPage.
func (p *Prefetcher) predict(faulted, prevPage uint64) (uint64, bool) {
	switch p.mode {
	case PrefetchNext:
		return faulted + 1, true
	case PrefetchDelta:
		delta := int64(faulted) - int64(prevPage)
		if delta == 0 {
			return 0, false
		}
		candidate := int64(faulted) + delta
		if candidate < 0 {
			return 0, false
		}
		return uint64(candidate), true
	default:
		return 0, false
	}
}

// Start begins prefetching the predicted next page after servicing
// faultedPage. It cancels silently (per spec.md's cancellation rules) if
// the candidate is out of range, already resident, or a fetch cannot be
// started right now (e.g. the cache is momentarily full and eviction would
// be needed just to stage a guess).
func (p *Prefetcher) Start(ctx context.Context, faultedPage uint64) {
	if p.active {
		return // a prefetch is already outstanding; never stack a second one
	}
	candidate, ok := p.predict(faultedPage, p.h.prevPage)
	if !ok {
		return
	}
	candidateAddr := p.h.addrOf(candidate)
	if !p.h.inRange(candidateAddr) {
		return
	}
	if _, resident := p.h.Table.Find(candidate); resident {
		return
	}
	if p.h.Policy.IsResident(candidate) == replace.ResidentYes {
		return
	}

	if len(p.h.freeSlots) == 0 {
		return // cancel rather than evict just to speculate
	}
	slot := p.h.freeSlots[len(p.h.freeSlots)-1]
	p.h.freeSlots = p.h.freeSlots[:len(p.h.freeSlots)-1]

	peer, offset := p.h.peerAndOffset(candidate)
	hdl, err := p.h.Transport.FetchBegin(ctx, peer, offset, p.h.localCache[slot])
	if err != nil {
		p.h.freeSlots = append(p.h.freeSlots, slot)
		p.h.Log.WithError(err).Debug("prefetch fetch begin failed, cancelling")
		return
	}
	p.active = true
	p.page = candidate
	p.slot = slot
	p.handle = hdl
}

// Complete checks whether an outstanding prefetch matches requestedPage. A
// match (good prefetch) waits for the fetch to finish and hands back its
// slot. A mismatch (bad prefetch) discards the speculative fetch and frees
// its slot so the caller's own synchronous fetch can proceed, per
// complete_prefetch's fetch_begin+evict_begin+fetch_end discard path --
// simplified here because the Go cache never needs an eviction of unwritten
// speculative data, only the free-slot return.
func (p *Prefetcher) Complete(ctx context.Context, requestedPage uint64) (slot int, ok bool, err error) {
	if !p.active {
		return 0, false, nil
	}
	page, slot, hdl := p.page, p.slot, p.handle
	p.active = false

	if page != requestedPage {
		// Bad prefetch: there is nothing to wait for correctness-wise, but
		// the in-flight fetch must still be drained before the slot is
		// reused, or its eventual completion would clobber whatever the
		// slot is used for next.
		if err := p.h.Transport.FetchEnd(ctx, hdl); err != nil {
			p.h.Log.WithError(err).Debug("draining discarded prefetch")
		}
		p.h.Stats.RecordPrefetch(false)
		p.h.freeSlots = append(p.h.freeSlots, slot)
		return 0, false, nil
	}

	if err := p.h.Transport.FetchEnd(ctx, hdl); err != nil {
		p.h.freeSlots = append(p.h.freeSlots, slot)
		return 0, false, fmt.Errorf("fault: completing prefetch of page %d: %w", page, err)
	}
	p.h.Stats.RecordPrefetch(true)
	return slot, true, nil
}
