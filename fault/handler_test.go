package fault

import (
	"context"
	"testing"
	"time"

	"github.com/jumbomem/jumbomem-go/concurrency"
	"github.com/jumbomem/jumbomem-go/pagetable"
	"github.com/jumbomem/jumbomem-go/replace"
	"github.com/jumbomem/jumbomem-go/transport"
)

// fakeTransport is an in-memory transport.Transport backing every peer with
// one big byte slice, enough to exercise the fault handler without a real
// network.
type fakeTransport struct {
	store map[int][]byte
}

func newFakeTransport(numPeers int, perPeer int) *fakeTransport {
	store := make(map[int][]byte, numPeers)
	for i := 0; i < numPeers; i++ {
		store[i] = make([]byte, perPeer)
	}
	return &fakeTransport{store: store}
}

func (f *fakeTransport) Dial(context.Context) error { return nil }
func (f *fakeTransport) NumPeers() int               { return len(f.store) }
func (f *fakeTransport) Outstanding(transport.Kind) int { return 0 }

func (f *fakeTransport) FetchBegin(_ context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	copy(buf, f.store[peer][offset:int(offset)+len(buf)])
	return transport.Handle{}, nil
}
func (f *fakeTransport) FetchEnd(context.Context, transport.Handle) error { return nil }

func (f *fakeTransport) EvictBegin(_ context.Context, peer int, offset int64, buf []byte) (transport.Handle, error) {
	copy(f.store[peer][offset:int(offset)+len(buf)], buf)
	return transport.Handle{}, nil
}
func (f *fakeTransport) EvictEnd(context.Context, transport.Handle) error { return nil }
func (f *fakeTransport) Close() error                                    { return nil }

func newTestHandler(t *testing.T, localPages int, prefetchMode int) (*Handler, *concurrency.Registry, *concurrency.Record) {
	t.Helper()
	const pageSize = 64
	const numPages = 16
	tr := newFakeTransport(1, numPages*pageSize)
	reg := concurrency.NewRegistry()
	rec := reg.NewRecord(false)

	h := NewHandler(Config{
		Base:            0x1000,
		Extent:          numPages * pageSize,
		LogicalPageSize: pageSize,
		LocalPages:      localPages,
		Table:           pagetable.New[int](localPages),
		Policy:          replace.NewFIFO(localPages),
		Transport:       tr,
		NumPeers:        1,
		Distribution:    transport.RoundRobin,
		Registry:        reg,
		Stats:           NewStats(),
		FreezeTimeout:   10 * time.Millisecond,
		PrefetchMode:    prefetchMode,
	})
	return h, reg, rec
}

func TestMissOutOfRange(t *testing.T) {
	h, _, rec := newTestHandler(t, 2, PrefetchNone)
	err := h.Miss(context.Background(), rec, 0xFFFFFFFF, false)
	if err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMissServicesFaultAndRepeatAccessIsFast(t *testing.T) {
	h, _, rec := newTestHandler(t, 2, PrefetchNone)
	addr := h.addrOf(3)
	if err := h.Miss(context.Background(), rec, addr, false); err != nil {
		t.Fatalf("miss: %v", err)
	}
	if _, ok := h.Table.Find(3); !ok {
		t.Fatal("expected page 3 resident after fault service")
	}
	if err := h.Miss(context.Background(), rec, addr, false); err != nil {
		t.Fatalf("repeat access should be a fast path, got error: %v", err)
	}
	snap := h.Stats.Snapshot()
	if snap.MajorFaults != 1 || snap.MinorFaults != 1 {
		t.Fatalf("expected 1 major + 1 minor fault, got %+v", snap)
	}
}

func TestEvictionMakesRoomWhenCacheFull(t *testing.T) {
	h, _, rec := newTestHandler(t, 2, PrefetchNone)
	ctx := context.Background()
	if err := h.Miss(ctx, rec, h.addrOf(0), false); err != nil {
		t.Fatal(err)
	}
	if err := h.Miss(ctx, rec, h.addrOf(1), false); err != nil {
		t.Fatal(err)
	}
	if err := h.Miss(ctx, rec, h.addrOf(2), false); err != nil {
		t.Fatal(err)
	}
	if h.Table.Len() != 2 {
		t.Fatalf("expected cache to stay at capacity 2, got %d resident", h.Table.Len())
	}
	if _, ok := h.Table.Find(0); ok {
		t.Fatal("expected FIFO to have evicted the oldest page (0)")
	}
}

func TestWriteThenEvictPersistsData(t *testing.T) {
	h, _, rec := newTestHandler(t, 1, PrefetchNone)
	ctx := context.Background()
	payload := []byte("hello!!")
	if err := h.Write(ctx, rec, h.addrOf(0), payload); err != nil {
		t.Fatal(err)
	}
	// Force eviction of page 0 by touching another page with only 1 slot
	// available.
	if err := h.Miss(ctx, rec, h.addrOf(5), false); err != nil {
		t.Fatal(err)
	}
	// Bring page 0 back and confirm the write survived the round trip.
	if err := h.Miss(ctx, rec, h.addrOf(0), false); err != nil {
		t.Fatal(err)
	}
	slot, ok := h.Table.Find(0)
	if !ok {
		t.Fatal("expected page 0 resident again")
	}
	got := h.localCache[slot][:len(payload)]
	if string(got) != string(payload) {
		t.Fatalf("expected write to round-trip through eviction, got %q", got)
	}
}

func TestPrefetchNextGoodPrefetch(t *testing.T) {
	h, _, rec := newTestHandler(t, 3, PrefetchNext)
	ctx := context.Background()
	if err := h.Miss(ctx, rec, h.addrOf(0), false); err != nil {
		t.Fatal(err)
	}
	// The prefetcher should have speculatively started fetching page 1.
	if !h.prefetcher.active || h.prefetcher.page != 1 {
		t.Fatalf("expected an active prefetch of page 1, got active=%v page=%d", h.prefetcher.active, h.prefetcher.page)
	}
	if err := h.Miss(ctx, rec, h.addrOf(1), false); err != nil {
		t.Fatal(err)
	}
	snap := h.Stats.Snapshot()
	if snap.GoodPrefetches != 1 {
		t.Fatalf("expected 1 good prefetch, got %d", snap.GoodPrefetches)
	}
}

// fakeRegion is a fault.RegionBackend that just records calls, standing in
// for uffd.Backend/sigfault.Region so Handler's backend-bridging can be
// exercised without a real mapping or userfaultfd(2).
type fakeRegion struct {
	populated []uint64
	promoted  []uint64
	revoked   []uint64
	data      map[uint64][]byte
}

func newFakeRegion() *fakeRegion {
	return &fakeRegion{data: make(map[uint64][]byte)}
}

func (f *fakeRegion) Populate(pageAddr uint64, data []byte, writable bool) error {
	f.populated = append(f.populated, pageAddr)
	cp := make([]byte, len(data))
	copy(cp, data)
	f.data[pageAddr] = cp
	return nil
}

func (f *fakeRegion) Promote(pageAddr uint64) error {
	f.promoted = append(f.promoted, pageAddr)
	return nil
}

func (f *fakeRegion) Revoke(pageAddr uint64) error {
	f.revoked = append(f.revoked, pageAddr)
	delete(f.data, pageAddr)
	return nil
}

func (f *fakeRegion) Sync(pageAddr uint64, dst []byte) error {
	copy(dst, f.data[pageAddr])
	return nil
}

func TestMissPopulatesRegionBackendOnFetch(t *testing.T) {
	h, _, rec := newTestHandler(t, 2, PrefetchNone)
	region := newFakeRegion()
	h.Region = region

	addr := h.addrOf(3)
	if err := h.Miss(context.Background(), rec, addr, false); err != nil {
		t.Fatal(err)
	}
	if len(region.populated) != 1 || region.populated[0] != addr {
		t.Fatalf("expected Populate(%#x) exactly once, got %v", addr, region.populated)
	}
	if _, ok := region.data[addr]; !ok {
		t.Fatal("expected the fetched page's bytes to reach the region backend")
	}

	// A repeat read is the fast path and must not populate again.
	if err := h.Miss(context.Background(), rec, addr, false); err != nil {
		t.Fatal(err)
	}
	if len(region.populated) != 1 {
		t.Fatalf("expected no extra Populate on a resident-page fast path, got %v", region.populated)
	}
}

func TestMissPromotesRegionBackendOnFirstWrite(t *testing.T) {
	h, _, rec := newTestHandler(t, 2, PrefetchNone)
	region := newFakeRegion()
	h.Region = region
	ctx := context.Background()

	addr := h.addrOf(4)
	if err := h.Miss(ctx, rec, addr, false); err != nil {
		t.Fatal(err)
	}
	if len(region.promoted) != 0 {
		t.Fatalf("expected no Promote on a read fault, got %v", region.promoted)
	}
	if err := h.Miss(ctx, rec, addr, true); err != nil {
		t.Fatal(err)
	}
	if len(region.promoted) != 1 || region.promoted[0] != addr {
		t.Fatalf("expected Promote(%#x) on the first write, got %v", addr, region.promoted)
	}
	// A second write to the same already-dirty page must not promote again.
	if err := h.Miss(ctx, rec, addr, true); err != nil {
		t.Fatal(err)
	}
	if len(region.promoted) != 1 {
		t.Fatalf("expected no extra Promote once already writable, got %v", region.promoted)
	}
}

func TestEvictionRevokesRegionBackend(t *testing.T) {
	h, _, rec := newTestHandler(t, 1, PrefetchNone)
	region := newFakeRegion()
	h.Region = region
	ctx := context.Background()

	addr0 := h.addrOf(0)
	if err := h.Miss(ctx, rec, addr0, false); err != nil {
		t.Fatal(err)
	}
	// Force eviction of page 0 with only 1 slot available.
	if err := h.Miss(ctx, rec, h.addrOf(5), false); err != nil {
		t.Fatal(err)
	}
	if len(region.revoked) != 1 || region.revoked[0] != addr0 {
		t.Fatalf("expected Revoke(%#x) on eviction, got %v", addr0, region.revoked)
	}
}

func TestEvictionSyncsRegionBackendBeforeWriteBack(t *testing.T) {
	h, _, rec := newTestHandler(t, 1, PrefetchNone)
	region := newFakeRegion()
	h.Region = region
	ctx := context.Background()

	addr0 := h.addrOf(0)
	payload := []byte("hello!!")
	if err := h.Write(ctx, rec, addr0, payload); err != nil {
		t.Fatal(err)
	}
	// Simulate a real write that reached the region backend's mapping
	// directly (the uffd case) without ever going through Handler.Write,
	// so the local cache still holds the earlier bytes.
	diverged := make([]byte, h.LogicalPageSize)
	copy(diverged, payload)
	copy(diverged, []byte("bypass!"))
	region.data[addr0] = diverged

	// Force eviction of page 0 with only 1 slot available; evictSync runs
	// (and must call Sync) before the slot is reused for page 5's fetch.
	if err := h.Miss(ctx, rec, h.addrOf(5), false); err != nil {
		t.Fatal(err)
	}

	tr := h.Transport.(*fakeTransport)
	got := tr.store[0][:len("bypass!")]
	if string(got) != "bypass!" {
		t.Fatalf("expected the write-back to reflect Sync's real bytes, got %q", got)
	}
}

func TestPrefetchBadPrefetchDiscarded(t *testing.T) {
	h, _, rec := newTestHandler(t, 3, PrefetchNext)
	ctx := context.Background()
	if err := h.Miss(ctx, rec, h.addrOf(0), false); err != nil {
		t.Fatal(err)
	}
	// Jump somewhere the prefetcher did not predict.
	if err := h.Miss(ctx, rec, h.addrOf(10), false); err != nil {
		t.Fatal(err)
	}
	snap := h.Stats.Snapshot()
	if snap.BadPrefetches != 1 {
		t.Fatalf("expected 1 bad prefetch, got %d", snap.BadPrefetches)
	}
	if _, ok := h.Table.Find(10); !ok {
		t.Fatal("expected the actually-requested page to be resident")
	}
}
