// Package engine bundles the singletons the rest of the module would
// otherwise keep as free globals (the physical-memory TLB cache, the
// per-build offset table, the prototype-PTE caches, and the live
// process registry) behind one Initialize/Close handle per target
// memory image.
package engine

import (
	"io"
	"sync"

	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/process"
	"github.com/tinyrange/vmmcore/internal/protopte"
	"github.com/tinyrange/vmmcore/internal/vad"
	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// Context is the engine-wide handle: one physical source, one TLB
// cache over it, one VersionTable, a small family of prototype-PTE
// caches (one per distinct bitness/build pairing actually seen, since a
// 64-bit kernel can still host 32-bit WOW64 processes), and the live
// registry of per-process facades.
type Context struct {
	src   phys.Source
	cache *phys.TlbCache
	vt    vadspider.VersionTable

	protoMu  sync.Mutex
	protoPte map[protoKey]*protopte.Cache

	procMu    sync.Mutex
	procs     map[uint32]*process.Process
	nodeCache vad.NodeCache
}

type protoKey struct {
	bits  vadspider.Bits
	build uint32
}

// Initialize constructs a Context reading through src. versionTablePath
// optionally overrides the compiled-in EPROCESS offset table (see
// vadspider.LoadVersionTable; a missing or unparsable override degrades
// to VersionUnsupported at lookup time rather than failing Initialize
// itself; recovery stays local to the operation that needed it).
func Initialize(src phys.Source, versionTablePath string) *Context {
	vt := vadspider.DefaultVersionTable()
	if versionTablePath != "" {
		vt = vadspider.LoadVersionTable(versionTablePath)
	}
	return &Context{
		src:      src,
		cache:    phys.NewTlbCache(src),
		vt:       vt,
		protoPte: make(map[protoKey]*protopte.Cache),
		procs:    make(map[uint32]*process.Process),
	}
}

// Close releases every live process facade and drops the TLB cache.
// Map objects outlive Close only for callers that took their own
// reference (see process.VadRef); otherwise the final release here
// frees their arenas.
func (c *Context) Close() {
	c.procMu.Lock()
	for _, p := range c.procs {
		p.Release()
	}
	c.procs = make(map[uint32]*process.Process)
	c.procMu.Unlock()

	c.protoMu.Lock()
	c.protoPte = make(map[protoKey]*protopte.Cache)
	c.protoMu.Unlock()

	c.cache.Invalidate()
}

// Cache exposes the shared TLB cache, e.g. for a caller building a
// PagingWalker directly against the engine rather than through Process.
func (c *Context) Cache() *phys.TlbCache { return c.cache }

// VersionTable exposes the loaded EPROCESS offset table.
func (c *Context) VersionTable() vadspider.VersionTable { return c.vt }

// protoPteCache returns (creating on first use) the prototype-PTE
// cache for the given process bitness/build. Arrays are keyed by kernel
// VA, so the cache is shared across all processes with the same
// bits/build pairing, which is the overwhelmingly common case.
func (c *Context) protoPteCache(bits vadspider.Bits, build uint32) *protopte.Cache {
	key := protoKey{bits, build}
	c.protoMu.Lock()
	defer c.protoMu.Unlock()
	if p, ok := c.protoPte[key]; ok {
		return p
	}
	p := protopte.New(c.cache, bits, build)
	c.protoPte[key] = p
	return p
}

// Process returns the facade for pid, constructing and registering one
// on first reference. cfg is only consulted the first time pid is seen;
// later calls with a different cfg for the same pid are ignored, since a
// process's DTB/bitness/build are fixed for its lifetime.
func (c *Context) Process(cfg process.Config) *process.Process {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if p, ok := c.procs[cfg.PID]; ok {
		return p
	}
	p := process.New(c.cache, c.vt, c.protoPteCache(cfg.Bits, cfg.Build), cfg)
	if nodes, ok := c.nodeCache[cfg.PID]; ok {
		p.SeedPriorNodes(nodes)
	}
	c.procs[cfg.PID] = p
	return p
}

// Forget drops pid from the registry, releasing the facade's strong
// map references; maps survive only for callers holding their own
// reference. A subsequent Process call with the same pid starts over
// from an empty facade.
func (c *Context) Forget(pid uint32) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	if p, ok := c.procs[pid]; ok {
		p.Release()
		delete(c.procs, pid)
	}
}

// SaveNodeCache persists every registered process's VAD node-address
// set to w, so a later session against the same image can seed its
// spiders and start warm.
func (c *Context) SaveNodeCache(w io.Writer) error {
	nc := vad.NodeCache{}
	c.procMu.Lock()
	for pid, p := range c.procs {
		if nodes := p.PriorNodes(); len(nodes) > 0 {
			nc[pid] = nodes
		}
	}
	c.procMu.Unlock()
	return vad.WriteNodeCache(w, nc)
}

// LoadNodeCache seeds already-registered process facades from a cache
// written by SaveNodeCache; entries for unknown PIDs are kept and
// applied when the PID is first registered.
func (c *Context) LoadNodeCache(r io.Reader) error {
	nc, err := vad.ReadNodeCache(r)
	if err != nil {
		return err
	}
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.nodeCache = nc
	for pid, p := range c.procs {
		if nodes, ok := nc[pid]; ok {
			p.SeedPriorNodes(nodes)
		}
	}
	return nil
}
