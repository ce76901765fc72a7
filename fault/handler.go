package fault

import (
	"context"
	"fmt"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/jumbomem/jumbomem-go/arena"
	"github.com/jumbomem/jumbomem-go/concurrency"
	"github.com/jumbomem/jumbomem-go/pagetable"
	"github.com/jumbomem/jumbomem-go/replace"
	"github.com/jumbomem/jumbomem-go/transport"
)

// RegionBackend is implemented by whichever fault-delivery mechanism
// installed the real managed address range (uffd.Backend or
// sigfault.Region). Handler calls it at the exact points where that real
// mapping's view of a page must change, so the local cache below is never
// the only place a page's content lives: Populate is what actually resolves
// a kernel-level page fault (uffd) or makes a mapping dereferenceable
// (sigfault); without it nothing would ever touch the managed region at
// all. A Handler with a nil Region is only valid in tests that never
// exercise a real mapping.
type RegionBackend interface {
	// Populate makes pageAddr present with data as its content. writable
	// leaves it immediately writable; otherwise it stays write-protected
	// until Promote is called, matching a clean (not-yet-written) page.
	Populate(pageAddr uint64, data []byte, writable bool) error
	// Promote removes write-protection from an already-resident page,
	// called on its first write since being loaded.
	Promote(pageAddr uint64) error
	// Revoke makes pageAddr absent again right after its page has been
	// evicted, so the next access is serviced from scratch rather than
	// silently reading stale resident memory.
	Revoke(pageAddr uint64) error
	// Sync copies pageAddr's current real bytes into dst (len(dst) bytes).
	// A resident page's real access path (the uffd backend's whole point
	// is that ordinary pointer loads/stores reach the real mapping
	// directly, never through Handler) can diverge from the local cache's
	// copy of it; Sync pulls the real content back before that cache copy
	// is read for eviction, so a dirty page's write-back reflects what was
	// actually written rather than its stale pre-write snapshot.
	Sync(pageAddr uint64, dst []byte) error
}

// ErrOutOfRange is returned by Miss when the faulting address falls outside
// the managed region, the Go analogue of jm_signal_handler chaining to the
// previously-installed SIGSEGV handler.
var ErrOutOfRange = fmt.Errorf("fault: address outside managed region")

// Fatal marks an internal invariant violation -- per spec.md's error
// taxonomy these are always fatal, never recovered from.
type Fatal struct{ Err error }

func (f *Fatal) Error() string { return fmt.Sprintf("fault: fatal invariant violation: %v", f.Err) }
func (f *Fatal) Unwrap() error { return f.Err }

// Handler runs the shared 12-step fault-service algorithm from
// faulthandler.c. Both the uffd and sigfault backends call Miss; only the
// delivery mechanism differs between them.
type Handler struct {
	Base            uint64
	Extent          uint64
	LogicalPageSize uint64

	Table    *pagetable.Table[int] // page number -> local cache slot
	Policy   replace.Policy
	Transport transport.Transport

	NumPeers     int
	Distribution transport.Distribution
	PagesPerPeer int64 // only used for Block distribution

	Lock     *concurrency.Lock
	Registry *concurrency.Registry

	Stats *Stats
	Log   *logrus.Entry
	Tracer opentracing.Tracer

	AsyncEvict    bool
	ExtraMemcpy   bool
	FreezeTimeout time.Duration

	// Region bridges to the installed fault-delivery backend; set by the
	// bootstrap layer once that backend exists (Handler is constructed
	// before it, so this can't be part of Config). Nil only in tests that
	// never touch a real mapping.
	Region RegionBackend

	localCache   [][]byte // one slice per local cache slot, each LogicalPageSize bytes
	freeSlots    []int
	dirty        map[int]bool // slot -> has been written since fetched
	prevPage     uint64
	stageScratch []byte // reused ExtraMemcpy staging buffer, carved from Router

	prefetcher *Prefetcher
}

// Config bundles the construction-time parameters for NewHandler.
type Config struct {
	Base, Extent, LogicalPageSize uint64
	LocalPages                    int
	Table                         *pagetable.Table[int]
	Policy                        replace.Policy
	Transport                     transport.Transport
	NumPeers                      int
	Distribution                  transport.Distribution
	PagesPerPeer                  int64
	Registry                      *concurrency.Registry
	Stats                         *Stats
	Log                           *logrus.Entry
	Tracer                        opentracing.Tracer
	AsyncEvict, ExtraMemcpy       bool
	FreezeTimeout                 time.Duration
	PrefetchMode                  int // 0=none,1=next,2=delta, mirrors config.Prefetch

	// Router, if non-nil, supplies the internal arena that the local cache
	// slots and the ExtraMemcpy staging buffer are carved from, keeping
	// this library-internal memory out of the user's own allocations (the
	// allocator arena split, component H). A nil Router falls back to
	// make(), which is all the tests need.
	Router *arena.Router
}

// allocCacheSlot carves size bytes from router's internal arena when one is
// configured, falling back to a plain make() otherwise or if the arena is
// exhausted -- a Handler must always get its cache slots one way or another.
func allocCacheSlot(router *arena.Router, size int) []byte {
	if router != nil {
		if buf, err := router.AllocInternal(size); err == nil {
			return buf
		}
	}
	return make([]byte, size)
}

// NewHandler constructs a Handler with a pre-sized local cache of
// cfg.LocalPages slots.
func NewHandler(cfg Config) *Handler {
	cache := make([][]byte, cfg.LocalPages)
	free := make([]int, cfg.LocalPages)
	for i := range cache {
		cache[i] = allocCacheSlot(cfg.Router, int(cfg.LogicalPageSize))
		free[i] = cfg.LocalPages - 1 - i // pop from the end, fill low indices first
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		Base:            cfg.Base,
		Extent:          cfg.Extent,
		LogicalPageSize: cfg.LogicalPageSize,
		Table:           cfg.Table,
		Policy:          cfg.Policy,
		Transport:       cfg.Transport,
		NumPeers:        cfg.NumPeers,
		Distribution:    cfg.Distribution,
		PagesPerPeer:    cfg.PagesPerPeer,
		Lock:            cfg.Registry.Lock(),
		Registry:        cfg.Registry,
		Stats:           cfg.Stats,
		Log:             log.WithField("component", "fault"),
		Tracer:          cfg.Tracer,
		AsyncEvict:      cfg.AsyncEvict,
		ExtraMemcpy:     cfg.ExtraMemcpy,
		FreezeTimeout:   cfg.FreezeTimeout,
		localCache:      cache,
		freeSlots:       free,
		dirty:           make(map[int]bool),
		stageScratch:    allocCacheSlot(cfg.Router, int(cfg.LogicalPageSize)),
	}
	h.prefetcher = NewPrefetcher(h, cfg.PrefetchMode)
	return h
}

func (h *Handler) pageOf(addr uint64) uint64 {
	return (addr - h.Base) / h.LogicalPageSize
}

func (h *Handler) addrOf(page uint64) uint64 {
	return h.Base + page*h.LogicalPageSize
}

func (h *Handler) inRange(addr uint64) bool {
	return addr >= h.Base && addr < h.Base+h.Extent
}

// peerAndOffset returns page's peer and its byte offset within that peer;
// AddressOf/BlockAddressOf count the offset in logical pages.
func (h *Handler) peerAndOffset(page uint64) (int, int64) {
	var peer int
	var pageOffset int64
	if h.Distribution == transport.Block {
		peer, pageOffset = transport.BlockAddressOf(page, h.NumPeers, h.PagesPerPeer)
	} else {
		peer, pageOffset = transport.AddressOf(page, h.NumPeers, transport.RoundRobin)
	}
	return peer, pageOffset * int64(h.LogicalPageSize)
}

// Miss runs the full fault-service algorithm for a fault at addr. write
// indicates the access that faulted was a write. It returns ErrOutOfRange
// for addresses outside the managed region (the caller chains to whatever
// it would otherwise have done with the fault) and *Fatal for invariant
// violations.
func (h *Handler) Miss(ctx context.Context, rec *concurrency.Record, addr uint64, write bool) error {
	start := time.Now()
	var span opentracing.Span
	if h.Tracer != nil {
		span, ctx = opentracing.StartSpanFromContextWithTracer(ctx, h.Tracer, "fault.Miss")
		defer span.Finish()
	}

	if concurrency.MustExitNow(rec) {
		return &Fatal{Err: fmt.Errorf("goroutine bailed out mid-freeze")}
	}

	if !h.inRange(addr) {
		return ErrOutOfRange
	}

	h.Lock.Enter(rec)
	defer h.Lock.Exit(rec)

	concurrency.Freeze(ctx, h.Registry, rec, nil, h.FreezeTimeout)

	page := h.pageOf(addr)

	// Fast path: already resident, just a protection fixup (the original's
	// page_is_resident short-circuit).
	if slot, ok := h.Table.Find(page); ok {
		h.Policy.Accessed(page, write)
		if write {
			wasDirty := h.dirty[slot]
			h.dirty[slot] = true
			if !wasDirty && h.Region != nil {
				if err := h.Region.Promote(h.addrOf(page)); err != nil {
					h.Log.WithError(err).Error("promoting resident page to writable failed")
				}
			}
		}
		h.prevPage = page
		h.Stats.RecordFault(false, time.Since(start))
		return nil
	}

	h.recordDelta(page)

	// Prefetch-aware path: a previously-started prefetch may already cover
	// this page.
	if h.prefetcher.Enabled() {
		if slot, ok, err := h.prefetcher.Complete(ctx, page); err != nil {
			return err
		} else if ok {
			h.finishLoad(page, slot, write)
			h.Stats.RecordFault(true, time.Since(start))
			h.prefetcher.Start(ctx, page)
			h.prevPage = page
			return nil
		}
	}

	slot, err := h.assignSlot(ctx, page)
	if err != nil {
		return err
	}

	peer, offset := h.peerAndOffset(page)
	if _, err := h.fetchSync(ctx, peer, offset, slot); err != nil {
		return fmt.Errorf("fault: fetching page %d: %w", page, err)
	}

	h.finishLoad(page, slot, write)
	h.Stats.RecordFault(true, time.Since(start))

	if h.prefetcher.Enabled() {
		h.prefetcher.Start(ctx, page)
	}
	// prevPage is updated only after Start, so delta prediction sees the
	// previous fault rather than this one.
	h.prevPage = page
	return nil
}

func (h *Handler) finishLoad(page uint64, slot int, write bool) {
	if err := h.Table.Insert(page, slot); err != nil {
		h.Log.WithError(err).Error("page table invariant violated on insert")
	}
	h.Policy.Loaded(page, write)
	if write {
		h.dirty[slot] = true
	}
	if h.Region != nil {
		if err := h.Region.Populate(h.addrOf(page), h.localCache[slot], write); err != nil {
			h.Log.WithError(err).Error("populating newly resident page failed")
		}
	}
}

// assignSlot finds a free local cache slot, evicting a resident page via
// the replacement policy if the cache is full.
func (h *Handler) assignSlot(ctx context.Context, incomingPage uint64) (int, error) {
	if len(h.freeSlots) > 0 {
		slot := h.freeSlots[len(h.freeSlots)-1]
		h.freeSlots = h.freeSlots[:len(h.freeSlots)-1]
		return slot, nil
	}

	resident := make([]uint64, 0, h.Table.Len())
	h.Table.Each(func(p uint64, _ int) { resident = append(resident, p) })

	victim, err := h.Policy.Select(resident, h.prevPage)
	if err != nil {
		return 0, &Fatal{Err: fmt.Errorf("selecting eviction victim: %w", err)}
	}
	slot, ok := h.Table.Find(victim)
	if !ok {
		return 0, &Fatal{Err: fmt.Errorf("replacement policy selected non-resident page %d", victim)}
	}

	if err := h.evictSync(ctx, victim, slot); err != nil {
		return 0, fmt.Errorf("fault: evicting page %d: %w", victim, err)
	}
	if err := h.Table.Delete(victim); err != nil {
		return 0, &Fatal{Err: err}
	}
	h.Policy.Evicted(victim)
	if h.Region != nil {
		if err := h.Region.Revoke(h.addrOf(victim)); err != nil {
			h.Log.WithError(err).Error("revoking evicted page failed")
		}
	}
	return slot, nil
}

// evictSync performs a synchronous (or async-staged) eviction of the page in
// slot, writing it back to its peer unless it is clean (never written since
// loaded), matching evict_begin/evict_end's clean-skip optimization.
func (h *Handler) evictSync(ctx context.Context, page uint64, slot int) error {
	clean := !h.dirty[slot]
	delete(h.dirty, slot)
	if clean {
		h.Stats.RecordEviction(true, 0)
		return nil
	}

	if h.Region != nil {
		if err := h.Region.Sync(h.addrOf(page), h.localCache[slot]); err != nil {
			h.Log.WithError(err).Error("syncing dirty page before write-back failed")
		}
	}
	buf := h.stageBuffer(slot)
	peer, offset := h.peerAndOffset(page)

	hdl, err := h.Transport.EvictBegin(ctx, peer, offset, buf)
	if err != nil {
		return err
	}
	if h.AsyncEvict {
		// AsyncEvict does not change this path: the eviction is still
		// awaited right here, before the slot is reused, and no write
		// protection is applied to the page before the transfer.
	}
	if err := h.Transport.EvictEnd(ctx, hdl); err != nil {
		return err
	}
	h.Stats.RecordEviction(false, int64(len(buf)))
	return nil
}

func (h *Handler) fetchSync(ctx context.Context, peer int, offset int64, slot int) (int, error) {
	buf := h.localCache[slot]
	hdl, err := h.Transport.FetchBegin(ctx, peer, offset, buf)
	if err != nil {
		return 0, err
	}
	if err := h.Transport.FetchEnd(ctx, hdl); err != nil {
		return 0, err
	}
	h.Stats.RecordFetch(int64(len(buf)))
	return len(buf), nil
}

// stageBuffer returns the bytes to transfer for slot, copying into a
// scratch buffer first when ExtraMemcpy is configured (the original's
// extra-memcpy staging, which trades a copy for not holding the transport
// call inside the critical section any longer than necessary).
func (h *Handler) stageBuffer(slot int) []byte {
	if !h.ExtraMemcpy {
		return h.localCache[slot]
	}
	copy(h.stageScratch, h.localCache[slot])
	return h.stageScratch
}

func (h *Handler) recordDelta(page uint64) {
	if h.prevPage == 0 && page == 0 {
		return
	}
	h.Stats.RecordDelta(int64(page) - int64(h.prevPage))
}

// Read copies Len(p) bytes starting at addr out of the managed region,
// servicing any faults first; used by the sigfault backend's accessor API.
func (h *Handler) Read(ctx context.Context, rec *concurrency.Record, addr uint64, p []byte) error {
	for i := 0; i < len(p); {
		pageAddr := addr + uint64(i)
		page := h.pageOf(pageAddr)
		if err := h.Miss(ctx, rec, pageAddr, false); err != nil && err != ErrOutOfRange {
			return err
		}
		slot, ok := h.Table.Find(page)
		if !ok {
			return &Fatal{Err: fmt.Errorf("page %d not resident immediately after a successful fault service", page)}
		}
		pageOff := (pageAddr - h.Base) % h.LogicalPageSize
		n := copy(p[i:], h.localCache[slot][pageOff:])
		i += n
	}
	return nil
}

// Write copies p into the managed region starting at addr, servicing any
// faults first.
func (h *Handler) Write(ctx context.Context, rec *concurrency.Record, addr uint64, p []byte) error {
	for i := 0; i < len(p); {
		pageAddr := addr + uint64(i)
		page := h.pageOf(pageAddr)
		if err := h.Miss(ctx, rec, pageAddr, true); err != nil && err != ErrOutOfRange {
			return err
		}
		slot, ok := h.Table.Find(page)
		if !ok {
			return &Fatal{Err: fmt.Errorf("page %d not resident immediately after a successful fault service", page)}
		}
		pageOff := (pageAddr - h.Base) % h.LogicalPageSize
		n := copy(h.localCache[slot][pageOff:], p[i:])
		h.dirty[slot] = true
		i += n
	}
	return nil
}
