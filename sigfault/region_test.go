//go:build !windows

package sigfault

import (
	"context"
	"testing"
	"time"

	"github.com/jumbomem/jumbomem-go/concurrency"
	"github.com/jumbomem/jumbomem-go/fault"
	"github.com/jumbomem/jumbomem-go/pagetable"
	"github.com/jumbomem/jumbomem-go/replace"
	"github.com/jumbomem/jumbomem-go/transport"
)

// fakeTransport is an in-memory transport.Transport backing every peer with
// one big byte slice, enough to exercise the fault handler without a real
// network. Mirrors fault/handler_test.go's fake of the same name.
type fakeTransport struct {
	store map[int][]byte
}

func newFakeTransport(numPeers, perPeer int) *fakeTransport {
	store := make(map[int][]byte, numPeers)
	for i := 0; i < numPeers; i++ {
		store[i] = make([]byte, perPeer)
	}
	return &fakeTransport{store: store}
}

func (f *fakeTransport) Dial(context.Context) error     { return nil }
func (f *fakeTransport) NumPeers() int                  { return len(f.store) }
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

// newTestRegion wires a real mmap'd sigfault.Region to a fault.Handler the
// same way jumbomem.installBackend does, so Populate/Promote/Revoke are
// exercised against actual mprotect'd memory rather than a fake.
func newTestRegion(t *testing.T, localPages int) (*Region, *concurrency.Record) {
	t.Helper()
	const pageSize = 4096
	const numPages = 16
	tr := newFakeTransport(1, numPages*pageSize)
	reg := concurrency.NewRegistry()
	rec := reg.NewRecord(false)

	h := fault.NewHandler(fault.Config{
		Extent:          numPages * pageSize,
		LogicalPageSize: pageSize,
		LocalPages:      localPages,
		Table:           pagetable.New[int](localPages),
		Policy:          replace.NewFIFO(localPages),
		Transport:       tr,
		NumPeers:        1,
		Distribution:    transport.RoundRobin,
		Registry:        reg,
		Stats:           fault.NewStats(),
		FreezeTimeout:   10 * time.Millisecond,
	})

	region, err := NewRegion(uint64(numPages*pageSize), h)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	h.Base = region.Base()
	h.Region = region
	t.Cleanup(func() { region.Close() })
	return region, rec
}

func TestStoreThenLoadRoundTrips(t *testing.T) {
	region, rec := newTestRegion(t, 2)
	ctx := context.Background()
	payload := []byte("hello, region")
	if err := region.Store(ctx, rec, 0, payload); err != nil {
		t.Fatal(err)
	}
	got, err := region.Load(ctx, rec, 0, len(payload))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestSafeDerefSeesStoredBytes(t *testing.T) {
	region, rec := newTestRegion(t, 2)
	ctx := context.Background()
	payload := []byte{0x42}
	if err := region.Store(ctx, rec, 4096, payload); err != nil {
		t.Fatal(err)
	}
	ptr, done, err := SafeDeref(ctx, rec, region, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer done()
	if got := *(*byte)(ptr); got != payload[0] {
		t.Fatalf("SafeDeref saw %#x, want %#x", got, payload[0])
	}
}

func TestEvictionRevokesProtectionAndReFaultsCleanly(t *testing.T) {
	region, rec := newTestRegion(t, 1)
	ctx := context.Background()
	if _, err := region.Load(ctx, rec, 0, 1); err != nil {
		t.Fatal(err)
	}
	// Force eviction of page 0 by touching a second page with only 1 slot
	// available; Revoke must mprotect it back to PROT_NONE.
	if _, err := region.Load(ctx, rec, 4096, 1); err != nil {
		t.Fatal(err)
	}
	// A later access to the evicted page must go through Handler.Miss again
	// rather than dereferencing stale, already-revoked memory.
	if _, err := region.Load(ctx, rec, 0, 1); err != nil {
		t.Fatal(err)
	}
}
