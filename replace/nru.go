package replace

import (
	"fmt"
	"math/rand"
	"time"
)

// DefaultNRUInterval is the default period between reference-bit clears,
// matching pagereplace_nru.c's DEFAULT_NRU_INTERVAL (milliseconds).
const DefaultNRUInterval = 5000 * time.Millisecond

type nruBits struct {
	referenced bool
	modified   bool
}

// class returns referenced*2+modified, exactly as NRU_CLASS(PTE) in the
// original: class 0 is the best eviction candidate (untouched since the last
// clear), class 3 the worst (referenced and modified).
func (b nruBits) class() int {
	c := 0
	if b.referenced {
		c += 2
	}
	if b.modified {
		c++
	}
	return c
}

// NRU (not-recently-used) buckets resident pages into four classes by
// referenced/modified bit and evicts uniformly within the lowest nonempty
// class, periodically clearing every page's referenced bit. Grounded on
// pagereplace_nru.c.
type NRU struct {
	capacity int
	interval time.Duration
	// readWrite, when true, grants PROT_READ|PROT_WRITE on first load
	// (pages start dirty); when false new pages start read-only and are
	// promoted to the modified class only on the first write fault,
	// matching the JM_NRU_RW toggle.
	readWrite bool
	clock     Clock
	rng       *rand.Rand

	bits        map[uint64]*nruBits
	lastCleared time.Time
}

// NewNRU constructs an NRU policy. interval defaults to DefaultNRUInterval
// when zero. clock defaults to SystemClock when nil.
func NewNRU(capacity int, interval time.Duration, readWrite bool, clock Clock, rng *rand.Rand) *NRU {
	if capacity <= 0 {
		panic("replace: NRU capacity must be positive")
	}
	if interval <= 0 {
		interval = DefaultNRUInterval
	}
	if clock == nil {
		clock = SystemClock
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &NRU{
		capacity:    capacity,
		interval:    interval,
		readWrite:   readWrite,
		clock:       clock,
		rng:         rng,
		bits:        make(map[uint64]*nruBits),
		lastCleared: clock.Now(),
	}
}

func (n *NRU) Name() string  { return "nru" }
func (n *NRU) Capacity() int { return n.capacity }

// Loaded initializes the reference bits for a newly resident page. A write
// fault always sets both bits; a read fault sets referenced (and, when
// readWrite is configured, also modified — new pages start writable).
// It first runs MaybeClearReferenceBits, so the time-gated sweep happens on
// the fault path.
func (n *NRU) Loaded(page uint64, write bool) {
	n.MaybeClearReferenceBits()
	n.bits[page] =&nruBits{referenced: true, modified: write || n.readWrite}
}

func (n *NRU) Evicted(page uint64) {
	delete(n.bits, page)
}

// Accessed records a repeat access to a resident page, promoting it to the
// modified class on a write fault under the read-only-then-promote scheme.
func (n *NRU) Accessed(page uint64, write bool) {
	b, ok := n.bits[page]
	if !ok {
		b = &nruBits{}
		n.bits[page] = b
	}
	b.referenced = true
	if write {
		b.modified = true
	}
}

// IsResident reports the current class-derived residency answer: NRU always
// knows (ResidentYes/ResidentNo), unlike FIFO/Random, because every resident
// page has reference-bit state.
func (n *NRU) IsResident(page uint64) Resident {
	if _, ok := n.bits[page]; ok {
		return ResidentYes
	}
	return ResidentNo
}

// MaybeClearReferenceBits clears the referenced bit on every tracked page if
// at least interval has elapsed since the last clear, matching
// maybe_clear_reference_bits's time-gated sweep. Loaded calls it before
// recording each newly loaded page.
func (n *NRU) MaybeClearReferenceBits() {
	now := n.clock.Now()
	if now.Sub(n.lastCleared) < n.interval {
		return
	}
	for _, b := range n.bits {
		b.referenced = false
	}
	n.lastCleared = now
}

// Select finds the smallest nonempty class among the resident pages and
// returns a uniformly random page within it. If the caller's resident view
// and our own bucket state have drifted (a resident page for which we have
// no bits, or vice versa), Select re-derives classes strictly from the
// supplied resident slice so it never panics or loops forever.
func (n *NRU) Select(resident []uint64, _ uint64) (uint64, error) {
	if len(resident) == 0 {
		return 0, fmt.Errorf("replace: nru has no resident pages to evict")
	}
	buckets := [4][]uint64{}
	for _, page := range resident {
		b, ok := n.bits[page]
		class := 0
		if ok {
			class = b.class()
		}
		buckets[class] = append(buckets[class], page)
	}
	for class := 0; class < 4; class++ {
		if len(buckets[class]) == 0 {
			continue
		}
		return buckets[class][n.rng.Intn(len(buckets[class]))], nil
	}
	return resident[0], nil
}
