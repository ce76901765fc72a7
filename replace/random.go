package replace

import (
	"fmt"
	"math/rand"
)

// Random evicts a uniformly-chosen resident page, excluding the
// most-recently-loaded page so a policy never immediately re-evicts the page
// that just caused the fault, mirroring pagereplace_random.c's do/while
// rejection loop. Like FIFO it has no residency tracking of its own.
type Random struct {
	capacity int
	rng      *rand.Rand
}

// NewRandom constructs a Random policy sized for capacity resident pages.
// Pass a seeded rng for deterministic tests; nil uses a private source
// seeded with 1.
func NewRandom(capacity int, rng *rand.Rand) *Random {
	if capacity <= 0 {
		panic("replace: Random capacity must be positive")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Random{capacity: capacity, rng: rng}
}

func (r *Random) Name() string             { return "random" }
func (r *Random) Capacity() int            { return r.capacity }
func (r *Random) Loaded(uint64, bool)      {}
func (r *Random) Evicted(uint64)           {}
func (r *Random) Accessed(uint64, bool)    {}
func (r *Random) IsResident(uint64) Resident { return ResidentUnknown }

// Select picks a uniformly random resident page other than prevPage. If
// only prevPage is resident, it is returned anyway (nothing else to pick).
func (r *Random) Select(resident []uint64, prevPage uint64) (uint64, error) {
	if len(resident) == 0 {
		return 0, fmt.Errorf("replace: random has no resident pages to evict")
	}
	if len(resident) == 1 {
		return resident[0], nil
	}
	for attempt := 0; attempt < 64; attempt++ {
		candidate := resident[r.rng.Intn(len(resident))]
		if candidate != prevPage {
			return candidate, nil
		}
	}
	// Every draw hit prevPage by chance; fall back to the first non-match.
	for _, p := range resident {
		if p != prevPage {
			return p, nil
		}
	}
	return resident[0], nil
}
