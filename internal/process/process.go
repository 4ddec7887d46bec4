// Package process is the lazy, thread-safe orchestrator that ties the
// paging walkers, the VAD spider, the enricher, and the prototype-PTE
// cache together into the two maps a client actually wants for one
// process. Each map builds once behind a per-process lock and is
// published as a reference-counted object through an atomic pointer;
// the process holds the strong reference, readers traverse lock-free,
// and the VAD map's text arena is freed by the reference's close
// callback on final release. Enrichment holds a separate lock so
// translation clients never wait on a name fetch.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tinyrange/vmmcore/internal/enrich"
	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/obj"
	"github.com/tinyrange/vmmcore/internal/pagetable"
	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/protopte"
	"github.com/tinyrange/vmmcore/internal/vad"
	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// Config is the fixed, immutable identity of one process: everything
// the facade needs to know once to build both maps.
type Config struct {
	PID        uint32
	DTB        uint64 // CR3, physical
	EProcessPA uint64 // physical address of the EPROCESS structure
	Bits       vadspider.Bits
	PAE        bool   // x86 with PAE paging (three-level, 8-byte entries)
	Build      uint32 // Windows build number
	UserOnly   bool   // restrict translations/walks to user-mode pages
}

// Process is the map facade for one process. Build on demand, publish
// once, serve lock-free afterward.
type Process struct {
	Config

	cache    *phys.TlbCache
	vt       vadspider.VersionTable
	protoPte *protopte.Cache

	version   vadspider.Version
	spider    *vadspider.Spider
	enricher  *enrich.Enricher
	walker86  *pagetable.X86
	walkerPAE *pagetable.X86PAE
	walker64  *pagetable.X64

	vadRootOff  int
	haveVadRoot bool

	structMu sync.Mutex // guards building the core VadMap/PteMap
	textMu   sync.Mutex // guards extended-text enrichment, separate so
	// translation/PTE clients never block behind a slow name-fetch pass
	vadSF singleflight.Group
	pteSF singleflight.Group

	vadRef      atomic.Pointer[obj.Ref]
	vadExtended atomic.Bool
	priorAll    atomic.Pointer[[]uint64]

	pteRef      atomic.Pointer[obj.Ref]
	spideredTlb atomic.Bool
	released    atomic.Bool
}

// New constructs a facade for cfg, reading node data through cache.
// protoPte is the engine-wide cache for cfg's bits/build pairing; the
// prototype-PTE cache is shared across processes, not per-process.
func New(cache *phys.TlbCache, vt vadspider.VersionTable, protoPte *protopte.Cache, cfg Config) *Process {
	version := vadspider.DetectVersion(cfg.Build, cfg.Bits)
	p := &Process{
		Config:   cfg,
		cache:    cache,
		vt:       vt,
		protoPte: protoPte,
		version:  version,
		spider:   vadspider.New(cache, version, cfg.Build),
		enricher: enrich.New(cache, cfg.Bits, cfg.Build),
	}
	p.spider.PID = cfg.PID
	switch {
	case cfg.Bits == vadspider.Bits64:
		p.walker64 = pagetable.NewX64(cache)
	case cfg.PAE:
		p.walkerPAE = pagetable.NewX86PAE(cache)
	default:
		p.walker86 = pagetable.NewX86(cache)
	}
	return p
}

// ProtoPte returns the shared prototype-PTE cache this facade was
// constructed with, for callers resolving prototype PTEs against the
// facade's own VAD map.
func (p *Process) ProtoPte() *protopte.Cache { return p.protoPte }

// EnsureVadMap returns the cached map if it (and, if extended was
// requested, the text/flags pass) is already built; otherwise it
// builds, publishes, and returns it. heaps/threads feed phase 5 of
// enrichment and are only consulted when extended is true and
// enrichment hasn't already run.
func (p *Process) EnsureVadMap(ctx context.Context, extended bool, heaps []enrich.HeapSegment, threads []enrich.ThreadInfo) (*vad.Map, error) {
	m := p.loadVadMap()
	if m == nil {
		v, err, _ := p.vadSF.Do("vad", func() (any, error) {
			return p.buildVad(ctx)
		})
		m = v.(*vad.Map)
		if err != nil {
			return m, err
		}
	}
	if !extended || p.vadExtended.Load() {
		return m, nil
	}
	_, err, _ := p.vadSF.Do("vad-ext", func() (any, error) {
		return nil, p.extendVad(ctx, m, heaps, threads)
	})
	return m, err
}

// buildVad runs under the structural lock so concurrent callers that
// lost the singleflight race still observe a fully published map rather
// than a half-built one.
func (p *Process) buildVad(ctx context.Context) (*vad.Map, error) {
	p.structMu.Lock()
	defer p.structMu.Unlock()
	if m := p.loadVadMap(); m != nil {
		return m, nil
	}

	roots, err := p.initialRoots()
	if err != nil {
		return p.publishVad(vad.NewMap()), err
	}

	count := p.expectedCount()
	if count == 0 {
		// A process that legitimately has no VADs (terminated, System
		// idle) publishes an empty map so later calls don't re-attempt.
		slog.Debug("no vads for process", "pid", p.PID)
		return p.publishVad(vad.NewMap()), nil
	}

	var prior []uint64
	if pp := p.priorAll.Load(); pp != nil {
		prior = *pp
	}
	result, err := p.spider.Build(ctx, roots, int(count), prior)
	if err != nil {
		return p.publishVad(vad.NewMap()), err
	}
	all := result.All
	p.priorAll.Store(&all)
	return p.publishVad(result.Map), nil
}

// publishVad wraps m in a reference whose close callback frees the text
// arena, stores it as the process's strong reference, and returns m.
func (p *Process) publishVad(m *vad.Map) *vad.Map {
	p.vadRef.Store(obj.Alloc("VadM", m, m.FreeText))
	return m
}

func (p *Process) loadVadMap() *vad.Map {
	if r := p.vadRef.Load(); r != nil {
		return r.Value.(*vad.Map)
	}
	return nil
}

// extendVad runs VadEnricher under the text mutex, double-checking under
// lock since multiple EnsureVadMap(extended=true) callers may have lost
// the singleflight race against each other before the flag was set.
func (p *Process) extendVad(ctx context.Context, m *vad.Map, heaps []enrich.HeapSegment, threads []enrich.ThreadInfo) error {
	p.textMu.Lock()
	defer p.textMu.Unlock()
	if p.vadExtended.Load() {
		return nil
	}
	if err := p.enricher.Run(ctx, m, heaps, threads); err != nil {
		return err
	}
	p.vadExtended.Store(true)
	return nil
}

// initialRoots reads EPROCESS.VadRoot (and the two/three trailing
// pointer-sized fields some OS families overlay there) and derives the
// version-appropriate set of candidate root node addresses.
func (p *Process) initialRoots() ([]uint64, error) {
	off, err := p.vt.VadRootOffset(p.Build, p.Bits)
	if err != nil {
		return nil, err
	}
	p.vadRootOff = int(off)
	p.haveVadRoot = true

	buf := make([]byte, 32)
	if err := p.cache.ReadThrough(p.EProcessPA+uint64(off), buf, false); err != nil {
		return nil, fmt.Errorf("process: read EPROCESS.VadRoot: %w", err)
	}
	roots := p.spider.InitialRoots(buf)
	if len(roots) == 0 {
		return nil, vadspider.ErrNoRoot
	}
	return roots, nil
}

// expectedCount reads the EPROCESS VAD-count hint used only as Build's
// pre-allocation size and safety cap: Win8.1+ keep the RtlBalancedNode
// count right after VadRoot, Vista through Win8.0 keep an AvlTree node
// count (shifted up by 8 bits) at an offset that moved at build 9200,
// and XP keeps a plain DWORD at EPROCESS+0x240.
func (p *Process) expectedCount() uint32 {
	is64 := p.Bits == vadspider.Bits64
	readPtr := func(off int) (uint64, bool) {
		n := 4
		if is64 {
			n = 8
		}
		buf := make([]byte, n)
		if err := p.cache.ReadThrough(p.EProcessPA+uint64(off), buf, false); err != nil {
			return 0, false
		}
		if is64 {
			return kaddr.ReadUint64LE(buf, 0), true
		}
		return uint64(kaddr.ReadUint32LE(buf, 0)), true
	}

	var n uint32
	switch {
	case p.Build >= 9600:
		if !p.haveVadRoot {
			return vadspider.MaxVadCount
		}
		off := p.vadRootOff + 8
		if is64 {
			off = p.vadRootOff + 16
		}
		v, ok := readPtr(off)
		if !ok {
			return vadspider.MaxVadCount
		}
		n = uint32(v)
	case p.Build >= 6000:
		if !p.haveVadRoot {
			return vadspider.MaxVadCount
		}
		var rel int
		if p.Build < 9200 {
			rel = 0x14
			if is64 {
				rel = 0x28
			}
		} else {
			rel = 0x1c
			if is64 {
				rel = 0x18
			}
		}
		v, ok := readPtr(p.vadRootOff + rel)
		if !ok {
			return vadspider.MaxVadCount
		}
		n = uint32(v) >> 8
	default:
		buf := make([]byte, 4)
		if err := p.cache.ReadThrough(p.EProcessPA+0x240, buf, false); err != nil {
			return vadspider.MaxVadCount
		}
		n = kaddr.ReadUint32LE(buf, 0)
	}
	if n > vadspider.MaxVadCount {
		slog.Debug("bad vad count hint, clamping", "pid", p.PID, "count", n)
		n = vadspider.MaxVadCount
	}
	return n
}

// PriorNodes returns the node-address set recorded by the most recent
// spider run, nil if none ran yet.
func (p *Process) PriorNodes() []uint64 {
	if pp := p.priorAll.Load(); pp != nil {
		return *pp
	}
	return nil
}

// SeedPriorNodes installs a node-address set saved by an earlier
// session, warming the next build's first prefetch round. A set
// recorded by this session's own run is never overwritten.
func (p *Process) SeedPriorNodes(nodes []uint64) {
	if len(nodes) == 0 {
		return
	}
	p.priorAll.CompareAndSwap(nil, &nodes)
}

// EnsurePteMap builds the coalesced PTE map once, publishing it for
// lock-free reuse.
func (p *Process) EnsurePteMap(ctx context.Context) (*pagetable.Map, error) {
	if m := p.loadPteMap(); m != nil {
		return m, nil
	}
	v, err, _ := p.pteSF.Do("pte", func() (any, error) {
		return p.buildPte(ctx)
	})
	return v.(*pagetable.Map), err
}

func (p *Process) buildPte(ctx context.Context) (*pagetable.Map, error) {
	p.structMu.Lock()
	defer p.structMu.Unlock()
	if m := p.loadPteMap(); m != nil {
		return m, nil
	}

	if !p.spideredTlb.Swap(true) {
		switch {
		case p.walker64 != nil:
			_ = p.walker64.TlbSpider(ctx, p.DTB, p.UserOnly)
		case p.walkerPAE != nil:
			_ = p.walkerPAE.TlbSpider(ctx, p.DTB, p.UserOnly)
		default:
			_ = p.walker86.TlbSpider(ctx, uint32(p.DTB), p.UserOnly)
		}
	}

	var m *pagetable.Map
	var err error
	switch {
	case p.walker64 != nil:
		m, err = p.walker64.BuildPteMap(ctx, p.DTB, p.UserOnly)
	case p.walkerPAE != nil:
		m, err = p.walkerPAE.BuildPteMap(ctx, p.DTB, p.UserOnly)
	default:
		m, err = p.walker86.BuildPteMap(ctx, uint32(p.DTB), p.UserOnly)
	}
	if err != nil {
		empty := pagetable.NewMap()
		p.pteRef.Store(obj.Alloc("PteM", empty, nil))
		return empty, err
	}
	p.pteRef.Store(obj.Alloc("PteM", m, nil))
	return m, nil
}

func (p *Process) loadPteMap() *pagetable.Map {
	if r := p.pteRef.Load(); r != nil {
		return r.Value.(*pagetable.Map)
	}
	return nil
}

// VadRef returns the reference holding the published VAD map, nil if
// none is published yet. A caller that needs the map to outlive this
// process IncRefs it and DecRefs when done.
func (p *Process) VadRef() *obj.Ref { return p.vadRef.Load() }

// PteRef is VadRef's counterpart for the PTE map.
func (p *Process) PteRef() *obj.Ref { return p.pteRef.Load() }

// Release drops the process's strong references to its published maps;
// the VAD text arena is freed once no other holder remains. Idempotent.
// Called when the facade is dropped from the engine registry.
func (p *Process) Release() {
	if p.released.Swap(true) {
		return
	}
	if r := p.vadRef.Load(); r != nil {
		r.DecRef()
	}
	if r := p.pteRef.Load(); r != nil {
		r.DecRef()
	}
}

// VirtToPhys translates a single VA, dispatching to the walker
// matching the process's paging mode.
func (p *Process) VirtToPhys(va uint64) (uint64, error) {
	switch {
	case p.walker64 != nil:
		return p.walker64.Virt2Phys(p.DTB, va, p.UserOnly)
	case p.walkerPAE != nil:
		return p.walkerPAE.Virt2Phys(p.DTB, uint32(va), p.UserOnly)
	default:
		return p.walker86.Virt2Phys(uint32(p.DTB), uint32(va), p.UserOnly)
	}
}

// PhysToVirt reverse-scans the process's page tables for up to k
// virtual addresses mapping pa.
func (p *Process) PhysToVirt(pa uint64, k int) (pagetable.Phys2VirtInfo, error) {
	switch {
	case p.walker64 != nil:
		return p.walker64.Phys2VirtGetInformation(p.DTB, p.UserOnly, pa, k)
	case p.walkerPAE != nil:
		return p.walkerPAE.Phys2VirtGetInformation(p.DTB, p.UserOnly, pa, k)
	default:
		return p.walker86.Phys2VirtGetInformation(uint32(p.DTB), p.UserOnly, pa, k)
	}
}

// ProtoPteOf resolves va against the process's VAD map (building it if
// necessary) through the shared prototype-PTE cache.
func (p *Process) ProtoPteOf(ctx context.Context, va uint64) (value uint64, inRange bool, err error) {
	m, err := p.EnsureVadMap(ctx, false, nil, nil)
	if err != nil {
		return 0, false, err
	}
	v, in := protopte.ProtoPteOf(p.protoPte, m, va)
	return v, in, nil
}
