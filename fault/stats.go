// Package fault implements the shared fault-handling algorithm driven by
// either backend (uffd or sigfault), grounded on
// original_source/faulthandler.c.
package fault

import (
	"sync"
	"time"
)

// Stats accumulates the same counters jm_finalize_signal_handler reports at
// debug level 2: fault counts and timing, prefetch accuracy, eviction
// cleanliness, and bytes moved. Exposed live via the jumbomemctl status TUI
// and logged at shutdown.
type Stats struct {
	mu sync.Mutex

	MinorFaults int64
	MajorFaults int64

	faultTimeTotal time.Duration
	faultTimeMin   time.Duration
	faultTimeMax   time.Duration
	faultCount     int64

	GoodPrefetches int64
	BadPrefetches  int64

	CleanEvictions int64
	DirtyEvictions int64

	PagesSent     int64
	PagesReceived int64

	// DeltaHistogram counts, keyed by the exact page-number delta from the
	// previous fault, how often each delta occurs -- the input to
	// "trivially predictable" reporting (Snapshot counts deltas of +-1).
	DeltaHistogram map[int64]int64

	LastHeartbeat time.Time
}

// NewStats returns a zeroed Stats ready for use.
func NewStats() *Stats {
	return &Stats{DeltaHistogram: make(map[int64]int64)}
}

// RecordFault updates fault counts and timing. major distinguishes a fetch
// requiring transport I/O (major) from one served from the already-resident
// fast path (minor fault -- a residency re-check that turned out to be a
// hit, or a protection-only fixup).
func (s *Stats) RecordFault(major bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if major {
		s.MajorFaults++
	} else {
		s.MinorFaults++
	}
	s.faultTimeTotal += elapsed
	s.faultCount++
	if s.faultTimeMin == 0 || elapsed < s.faultTimeMin {
		s.faultTimeMin = elapsed
	}
	if elapsed > s.faultTimeMax {
		s.faultTimeMax = elapsed
	}
}

// RecordDelta records the page-number delta between this fault and the
// previous one, for the predictability histogram.
func (s *Stats) RecordDelta(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeltaHistogram[delta]++
}

// RecordPrefetch records whether a completed prefetch was used before being
// evicted (good) or evicted unused (bad).
func (s *Stats) RecordPrefetch(good bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if good {
		s.GoodPrefetches++
	} else {
		s.BadPrefetches++
	}
}

// RecordEviction records whether an eviction found the page clean (no
// transfer needed) or dirty (had to be sent to its peer).
func (s *Stats) RecordEviction(clean bool, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clean {
		s.CleanEvictions++
	} else {
		s.DirtyEvictions++
		s.PagesSent++
	}
}

// RecordFetch counts one page pulled in from a peer; bytes is not recorded.
func (s *Stats) RecordFetch(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PagesReceived++
}

// Snapshot is an immutable copy of Stats for reporting/the TUI.
type Snapshot struct {
	MinorFaults, MajorFaults               int64
	FaultTimeMin, FaultTimeMean, FaultTimeMax time.Duration
	GoodPrefetches, BadPrefetches           int64
	CleanEvictions, DirtyEvictions          int64
	PagesSent, PagesReceived                int64
	PredictablePercent                      float64
}

// Snapshot returns a point-in-time copy safe to read without the lock.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mean time.Duration
	if s.faultCount > 0 {
		mean = s.faultTimeTotal / time.Duration(s.faultCount)
	}
	var predictable, total int64
	for delta, count := range s.DeltaHistogram {
		total += count
		if delta == 1 || delta == -1 {
			predictable += count
		}
	}
	var pct float64
	if total > 0 {
		pct = 100 * float64(predictable) / float64(total)
	}
	return Snapshot{
		MinorFaults:        s.MinorFaults,
		MajorFaults:        s.MajorFaults,
		FaultTimeMin:       s.faultTimeMin,
		FaultTimeMean:      mean,
		FaultTimeMax:       s.faultTimeMax,
		GoodPrefetches:     s.GoodPrefetches,
		BadPrefetches:      s.BadPrefetches,
		CleanEvictions:     s.CleanEvictions,
		DirtyEvictions:     s.DirtyEvictions,
		PagesSent:          s.PagesSent,
		PagesReceived:      s.PagesReceived,
		PredictablePercent: pct,
	}
}
