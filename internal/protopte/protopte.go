// Package protopte fetches and caches a VAD's prototype PTE array and
// resolves a single process VA to its prototype PTE value. Shared
// (file-backed) pages whose hardware PTE says "not present" are
// described by these arrays in the kernel heap, so the cache is what
// makes shared pages resolvable at all.
package protopte

import (
	"context"
	"sync"

	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/vad"
	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// MaxArraySize is the sanity clamp on a prototype PTE array's byte
// size: larger claims are recomputed from the region size, and if still
// larger the fetch is abandoned.
const MaxArraySize = 0x10000

// bulkModeThreshold is the per-array size below which Cache opportunistically
// prefetches every array in a process's VadMap on first use.
const bulkModeThreshold = 0x1000

var mmStTag = kaddr.Tag("MmSt")

// Cache holds fetched prototype PTE arrays keyed by their kernel VA.
// It is process-global; insertions are idempotent since two writers
// racing on the same source memory produce identical content.
type Cache struct {
	src   *phys.TlbCache
	bits  vadspider.Bits
	build uint32

	mu     sync.RWMutex
	arrays map[uint64][]byte
	warmed map[*vad.Map]bool
}

// New constructs a Cache reading through src for a process of the given
// bitness, on the given Windows build (which selects the XP-7 pool-header
// offset heuristic).
func New(src *phys.TlbCache, bits vadspider.Bits, build uint32) *Cache {
	return &Cache{
		src:    src,
		bits:   bits,
		build:  build,
		arrays: make(map[uint64][]byte),
		warmed: make(map[*vad.Map]bool),
	}
}

func (c *Cache) pteSize() uint64 { return vadspider.PteSize(c.bits) }

// poolHeaderSize returns the pool-header byte count that precedes the
// array when it isn't page-aligned: 4 bytes (Win8+, 32-bit), 12 bytes
// (Win8+, 64-bit), or a 0x34/0x5c legacy pair on XP-7 only usable when
// the array's in-page offset leaves room for it.
func (c *Cache) poolHeaderSize(vaProtoPte uint64) int {
	pageOff := int(vaProtoPte & 0xfff)
	if pageOff == 0 {
		return 0
	}
	if c.build >= 9200 {
		if c.bits == vadspider.Bits64 {
			return 0xc
		}
		return 4
	}
	legacy := 0x34
	if c.bits == vadspider.Bits64 {
		legacy = 0x5c
	}
	if pageOff < legacy {
		return 0
	}
	return legacy
}

// fetch reads one array from the physical source, verifying the MmSt pool
// tag within the header region. Returns the array with its pool header
// already stripped.
func (c *Cache) fetch(vaProtoPte uint64, cbProtoPte uint64) ([]byte, bool) {
	hdr := c.poolHeaderSize(vaProtoPte)
	cbData := cbProtoPte + uint64(hdr)
	if cbData > MaxArraySize {
		return nil, false
	}
	buf := make([]byte, cbData)
	if err := c.src.ReadThrough(vaProtoPte-uint64(hdr), buf, false); err != nil {
		return nil, false
	}
	if !poolHdrVerify(buf, hdr) {
		return nil, false
	}
	return buf[hdr:], true
}

// poolHdrVerify accepts a header under 16 bytes only if it doesn't
// exist (hdr==0) or starts with the MmSt tag; a 16-byte-or-larger
// header is scanned in 4-byte strides, since the tag's exact position
// there can vary.
func poolHdrVerify(buf []byte, hdr int) bool {
	if hdr < 0x10 {
		return hdr == 0 || kaddr.MatchesAt(buf, 0, mmStTag)
	}
	return kaddr.ScanForTag(buf, hdr, mmStTag)
}

// clampSize applies the size sanity check ahead of a fetch, returning
// the adjusted byte count and whether it's still usable.
func clampSize(cbProtoPte uint64, pageCount uint64, pteSize uint64) (uint64, bool) {
	if cbProtoPte <= MaxArraySize {
		return cbProtoPte, true
	}
	recomputed := pteSize * pageCount
	return recomputed, recomputed <= MaxArraySize
}

// Get returns the prototype PTE array for e, fetching and caching it
// on first use. The address itself was already validated by the VAD
// parser that stored it; only presence is checked here.
func (c *Cache) Get(e *vad.Entry) ([]byte, bool) {
	if e.VaProtoPte == 0 || e.CbProtoPte == 0 {
		return nil, false
	}
	c.mu.RLock()
	if arr, ok := c.arrays[e.VaProtoPte]; ok {
		c.mu.RUnlock()
		return arr, true
	}
	c.mu.RUnlock()

	cb, ok := clampSize(e.CbProtoPte, e.PageCount(), c.pteSize())
	if !ok {
		return nil, false
	}
	arr, ok := c.fetch(e.VaProtoPte, cb)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	c.arrays[e.VaProtoPte] = arr
	c.mu.Unlock()
	return arr, true
}

// WarmMap opportunistically prefetches and caches every prototype PTE
// array under bulkModeThreshold bytes in m, once per map. Safe to call
// repeatedly; only the first call does work.
func (c *Cache) WarmMap(ctx context.Context, m *vad.Map) {
	c.mu.Lock()
	if c.warmed[m] {
		c.mu.Unlock()
		return
	}
	c.warmed[m] = true
	c.mu.Unlock()

	var addrs []uint64
	for _, e := range m.Entries {
		if e.VaProtoPte == 0 || e.CbProtoPte == 0 || e.CbProtoPte >= bulkModeThreshold {
			continue
		}
		addrs = append(addrs, e.VaProtoPte-uint64(c.poolHeaderSize(e.VaProtoPte)))
	}
	c.src.TlbPrefetch(ctx, addrs)

	for _, e := range m.Entries {
		if e.VaProtoPte == 0 || e.CbProtoPte == 0 || e.CbProtoPte >= bulkModeThreshold {
			continue
		}
		c.Get(e)
	}
}

// ProtoPteOf locates the VAD containing va, then indexes its prototype
// PTE array by page offset.
func ProtoPteOf(c *Cache, m *vad.Map, va uint64) (value uint64, inRange bool) {
	e := m.Find(va)
	if e == nil {
		return 0, false
	}
	arr, ok := c.Get(e)
	if !ok {
		return 0, false
	}
	idx := (va - e.VaStart) >> 12
	pteSize := c.pteSize()
	off := idx * pteSize
	if off+pteSize > uint64(len(arr)) {
		return 0, true
	}
	if pteSize == 8 {
		return kaddr.ReadUint64LE(arr, int(off)), true
	}
	return uint64(kaddr.ReadUint32LE(arr, int(off))), true
}
