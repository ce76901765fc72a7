// Package jumbomem is the bootstrap and lifecycle layer (component G): it
// resolves configuration, probes system limits, dials a transport,
// constructs the page table and replacement policy, and installs whichever
// fault-delivery backend is available, mirroring jm_initialize_all /
// jm_finalize_all's sequencing from original_source/initialize.c.
package jumbomem

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	opentracing "github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"

	"github.com/jumbomem/jumbomem-go/arena"
	"github.com/jumbomem/jumbomem-go/concurrency"
	jmconfig "github.com/jumbomem/jumbomem-go/config"
	"github.com/jumbomem/jumbomem-go/fault"
	"github.com/jumbomem/jumbomem-go/pagetable"
	"github.com/jumbomem/jumbomem-go/replace"
	"github.com/jumbomem/jumbomem-go/sigfault"
	"github.com/jumbomem/jumbomem-go/sysinfo"
	"github.com/jumbomem/jumbomem-go/transport"
	"github.com/jumbomem/jumbomem-go/uffd"
)

// Backend identifies which fault-delivery mechanism a Region ended up
// using, reported so operators can see whether the degraded mode kicked in.
type Backend int

const (
	BackendNone Backend = iota
	BackendUFFD
	BackendSigfault
)

func (b Backend) String() string {
	switch b {
	case BackendUFFD:
		return "uffd"
	case BackendSigfault:
		return "sigfault"
	default:
		return "none"
	}
}

// Region is one managed shared-memory region: the bootstrapped, running
// instance of everything components A-H wire together.
type Region struct {
	cfg jmconfig.Config

	handler  *fault.Handler
	registry *concurrency.Registry
	router   *arena.Router
	stats    *fault.Stats
	log      *logrus.Entry

	transport    transport.Transport
	localOnly    bool
	backend      Backend
	uffdBackend  *uffd.Backend
	sigRegion    *sigfault.Region

	heartbeatStop chan struct{}
}

// Options lets callers override the pieces that would otherwise be probed
// or dialed for real -- primarily so tests and the CLI's "doctor" command
// can substitute fakes without touching the environment.
type Options struct {
	Config    *jmconfig.Config // nil means resolve from env + TOML
	TOMLPath  string
	SysProbe  sysinfo.Probe
	Transport transport.Transport // nil means Open starts a local-only region with no fault backend
	Log       *logrus.Entry
	Tracer    opentracing.Tracer
}

// Open runs the full bootstrap sequence and returns a running Region.
// Per spec.md's "no peers" collapse condition, a Transport that reports
// ErrNoPeers from Dial causes Open to fall back to a fully local region
// (every page served from local memory, no fault backend installed) rather
// than failing outright.
func Open(ctx context.Context, opts Options) (*Region, error) {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "bootstrap")

	cfg := jmconfig.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := jmconfig.Load(opts.TOMLPath)
		if err != nil {
			return nil, fmt.Errorf("jumbomem: loading configuration: %w", err)
		}
		cfg = loaded
	}

	probe := opts.SysProbe
	if probe == nil {
		probe = sysinfo.NewLinuxProbe()
	}
	osPageSize := probe.OSPageSize()
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = int64(osPageSize)
	}
	if maxMaps, err := probe.MaxMapCount(); err == nil {
		minPage := sysinfo.MinimumPageSize(uint64(cfg.SlaveMem), maxMaps, osPageSize)
		if uint64(pageSize) < minPage {
			log.WithFields(logrus.Fields{"configured": pageSize, "minimum": minPage}).
				Warn("raising logical page size to satisfy the kernel's mapping-count ceiling")
			pageSize = int64(minPage)
		}
	}

	registry := concurrency.NewRegistry()
	stats := fault.NewStats()

	region := &Region{
		cfg:      cfg,
		registry: registry,
		stats:    stats,
		log:      log,
	}

	tr := opts.Transport
	if tr == nil {
		log.Warn("no transport configured; starting in local-only mode")
		region.localOnly = true
		return region, nil
	}

	if err := tr.Dial(ctx); err != nil {
		if err == transport.ErrNoPeers {
			log.Warn("no peers reachable, collapsing to local-only storage")
			region.localOnly = true
			return region, nil
		}
		return nil, fmt.Errorf("jumbomem: dialing transport: %w", err)
	}
	region.transport = tr

	if cfg.MasterMem == 0 {
		if avail, err := probe.AvailablePhysicalMemory(); err == nil {
			cfg.MasterMem = int64(avail)
		}
	}

	numPeers := tr.NumPeers()
	localPages := computeLocalPageCount(cfg, pageSize, numPeers)

	policy, err := buildPolicy(cfg, localPages)
	if err != nil {
		return nil, err
	}

	extent := uint64(localPages) * uint64(numPeers) * uint64(pageSize)

	// Internal arena sized for the local cache slots plus one ExtraMemcpy
	// staging buffer (the allocator arena split, component H); any
	// library-internal allocation routes through here rather than
	// competing with the user's own allocations.
	router := arena.NewRouter((localPages + 1) * int(pageSize))
	region.router = router

	// Only NRU answers residency queries, so every other policy runs with
	// prefetching forced off.
	prefetchMode := int(cfg.Prefetch)
	if cfg.Policy != jmconfig.PolicyNRU {
		prefetchMode = fault.PrefetchNone
	}

	handler := fault.NewHandler(fault.Config{
		Base:            0, // assigned by the chosen backend once it reserves address space
		Extent:          extent,
		LogicalPageSize: uint64(pageSize),
		LocalPages:      localPages,
		Table:           pagetable.New[int](localPages),
		Policy:          policy,
		Transport:       tr,
		NumPeers:        numPeers,
		Distribution:    transport.RoundRobin,
		Registry:        registry,
		Stats:           stats,
		Log:             log,
		Tracer:          opts.Tracer,
		AsyncEvict:      cfg.AsyncEvict,
		ExtraMemcpy:     cfg.ExtraMemcpy,
		FreezeTimeout:   time.Duration(cfg.FreezeTimeoutMS) * time.Millisecond,
		PrefetchMode:    prefetchMode,
		Router:          router,
	})
	region.handler = handler

	if err := region.installBackend(ctx, extent, uint64(pageSize)); err != nil {
		return nil, err
	}

	if cfg.HeartbeatMS > 0 {
		region.startHeartbeat(time.Duration(cfg.HeartbeatMS) * time.Millisecond)
	}

	return region, nil
}

// uffdRecordPoolSize bounds how many concurrent uffd fault events can be in
// service at once and, just as importantly, how many concurrency.Record
// values ever get registered for uffd servicing: each is checked out of a
// fixed pool and returned when done, rather than minted fresh per fault, so
// Registry.all never grows with sustained paging. Matches
// uffd.Backend.Serve's own internal errgroup.SetLimit, so a worker never
// blocks waiting on a Record that the uffd side wouldn't have dispatched
// concurrently anyway.
const uffdRecordPoolSize = 256

// installBackend tries userfaultfd first and falls back to the sigfault
// backend, logging which one actually ended up installed -- the runtime
// counterpart of the Open-Question resolution documented in SPEC_FULL.md.
func (r *Region) installBackend(ctx context.Context, extent, pageSize uint64) error {
	if err := uffd.Probe(); err == nil {
		mem, mmapErr := mmapAnon(extent)
		if mmapErr == nil {
			records := make(chan *concurrency.Record, uffdRecordPoolSize)
			for i := 0; i < uffdRecordPoolSize; i++ {
				records <- r.registry.NewRecord(true)
			}
			onMiss := func(ctx context.Context, addr uint64, write bool) {
				rec := <-records
				defer func() { records <- rec }()
				if err := r.handler.Miss(ctx, rec, addr, write); err != nil {
					r.log.WithError(err).Error("fault service failed")
				}
			}
			b, openErr := uffd.Open(mem, pageSize, onMiss)
			if openErr == nil {
				r.handler.Base = addrOfSlice(mem)
				r.handler.Region = b
				r.uffdBackend = b
				r.backend = BackendUFFD
				go b.Serve(ctx)
				r.log.Info("installed userfaultfd fault backend")
				return nil
			}
			r.log.WithError(openErr).Warn("userfaultfd probe succeeded but registration failed, falling back")
		} else {
			r.log.WithError(mmapErr).Warn("userfaultfd available but mmap failed, falling back")
		}
	} else {
		r.log.WithError(err).Info("userfaultfd unavailable, using the sigfault fallback backend")
	}

	region, err := sigfault.NewRegion(extent, r.handler)
	if err != nil {
		return fmt.Errorf("jumbomem: installing sigfault fallback backend: %w", err)
	}
	r.handler.Base = region.Base()
	r.handler.Region = region
	r.sigRegion = region
	r.backend = BackendSigfault
	return nil
}

func (r *Region) startHeartbeat(interval time.Duration) {
	r.heartbeatStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snap := r.stats.Snapshot()
				r.log.WithFields(logrus.Fields{
					"major_faults": snap.MajorFaults,
					"minor_faults": snap.MinorFaults,
					"backend":      r.backend.String(),
				}).Info("heartbeat")
			case <-r.heartbeatStop:
				return
			}
		}
	}()
}

// Backend reports which fault-delivery mechanism is active.
func (r *Region) Backend() Backend { return r.backend }

// LocalOnly reports whether this region collapsed to local-only storage
// because no peers were reachable.
func (r *Region) LocalOnly() bool { return r.localOnly }

// Stats exposes the live fault/eviction/prefetch statistics.
func (r *Region) Stats() fault.Snapshot { return r.stats.Snapshot() }

// Close tears down the fault backend, transport, and heartbeat, mirroring
// jm_finalize_all's cascade.
func (r *Region) Close() error {
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
	}
	var firstErr error
	if r.uffdBackend != nil {
		if err := r.uffdBackend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.sigRegion != nil {
		if err := r.sigRegion.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.transport != nil {
		if err := r.transport.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	snap := r.stats.Snapshot()
	r.log.WithFields(logrus.Fields{
		"major_faults":    snap.MajorFaults,
		"minor_faults":    snap.MinorFaults,
		"good_prefetches": snap.GoodPrefetches,
		"bad_prefetches":  snap.BadPrefetches,
	}).Info("region finalized")
	return firstErr
}

func buildPolicy(cfg jmconfig.Config, localPages int) (replace.Policy, error) {
	switch cfg.Policy {
	case jmconfig.PolicyFIFO:
		return replace.NewFIFO(localPages), nil
	case jmconfig.PolicyRandom:
		return replace.NewRandom(localPages, rand.New(rand.NewSource(1))), nil
	case jmconfig.PolicyNRE:
		return replace.NewNRE(localPages, cfg.NREEntries, cfg.NRERetries, nil), nil
	case jmconfig.PolicyNRU:
		return replace.NewNRU(localPages, time.Duration(cfg.NRUIntervalMS)*time.Millisecond, cfg.NRURW, nil, nil), nil
	default:
		return nil, fmt.Errorf("jumbomem: unknown replacement policy %q", cfg.Policy)
	}
}

// computeLocalPageCount mirrors initialize.c's compute_local_page_count:
// JM_LOCAL_PAGES, if set, is honored as an absolute count or a percentage
// of the total slave memory across all peers (SlaveMem*numPeers, in pages);
// otherwise it is derived from JM_MASTERMEM
// (or a probed default) divided by the page size.
func computeLocalPageCount(cfg jmconfig.Config, pageSize int64, numPeers int) int {
	if cfg.LocalPages != "" {
		if n, pct, ok := parseLocalPages(cfg.LocalPages); ok {
			if pct {
				total := cfg.SlaveMem * int64(numPeers) / pageSize
				return int(total * n / 100)
			}
			return int(n)
		}
	}
	master := cfg.MasterMem
	if master == 0 {
		master = 256 << 20
	}
	pages := master / pageSize
	if pages < 1 {
		pages = 1
	}
	return int(pages)
}

func parseLocalPages(s string) (value int64, percent bool, ok bool) {
	if len(s) == 0 {
		return 0, false, false
	}
	if s[len(s)-1] == '%' {
		var n int64
		if _, err := fmt.Sscanf(s[:len(s)-1], "%d", &n); err != nil {
			return 0, false, false
		}
		return n, true, true
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false, false
	}
	return n, false, true
}
