package replace

import (
	"fmt"
	"math/rand"
)

// Default NRE tuning, matching pagereplace_nre.c's DEFAULT_EVICT_COUNT and
// DEFAULT_RETRY_COUNT, overridable via JM_NRE_ENTRIES / JM_NRE_RETRIES.
const (
	DefaultNREQueueLength = 32
	DefaultNRERetries     = 5
)

// NRE (not-recently-evicted) avoids re-evicting a page that was evicted
// recently, tracked as a bounded circular queue of the last QueueLength
// evicted page numbers. Select retries up to Retries times to find a
// candidate outside that queue before giving up and accepting whatever it
// last drew, exactly per pagereplace_nre.c.
type NRE struct {
	capacity    int
	queueLength int
	retries     int
	rng         *rand.Rand

	evicted    []uint64
	evictedSet map[uint64]int // page -> count currently in the queue
	head, tail int
	filled     int
}

// NewNRE constructs an NRE policy. queueLength and retries default to
// DefaultNREQueueLength / DefaultNRERetries when zero.
func NewNRE(capacity, queueLength, retries int, rng *rand.Rand) *NRE {
	if capacity <= 0 {
		panic("replace: NRE capacity must be positive")
	}
	if queueLength <= 0 {
		queueLength = DefaultNREQueueLength
	}
	if retries <= 0 {
		retries = DefaultNRERetries
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &NRE{
		capacity:    capacity,
		queueLength: queueLength,
		retries:     retries,
		rng:         rng,
		evicted:     make([]uint64, queueLength),
		evictedSet:  make(map[uint64]int, queueLength),
	}
}

func (n *NRE) Name() string             { return "nre" }
func (n *NRE) Capacity() int            { return n.capacity }
func (n *NRE) Loaded(uint64, bool)      {}
func (n *NRE) Accessed(uint64, bool)    {}
func (n *NRE) IsResident(uint64) Resident { return ResidentUnknown }

// Evicted pushes page onto the recent-eviction queue, evicting the oldest
// tracked entry from the queue (not from residency) once full.
func (n *NRE) Evicted(page uint64) {
	if n.filled == n.queueLength {
		old := n.evicted[n.tail]
		n.evictedSet[old]--
		if n.evictedSet[old] <= 0 {
			delete(n.evictedSet, old)
		}
		n.tail = (n.tail + 1) % n.queueLength
		n.filled--
	}
	n.evicted[n.head] = page
	n.evictedSet[page]++
	n.head = (n.head + 1) % n.queueLength
	n.filled++
}

// Select draws a uniformly random resident page, retrying up to Retries
// times to avoid one that is in the recent-eviction queue, but always
// accepting the final draw rather than failing outright.
func (n *NRE) Select(resident []uint64, _ uint64) (uint64, error) {
	if len(resident) == 0 {
		return 0, fmt.Errorf("replace: nre has no resident pages to evict")
	}
	var candidate uint64
	for attempt := 0; attempt <= n.retries; attempt++ {
		candidate = resident[n.rng.Intn(len(resident))]
		if n.evictedSet[candidate] == 0 {
			return candidate, nil
		}
	}
	return candidate, nil
}
