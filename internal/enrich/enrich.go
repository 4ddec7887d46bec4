// Package enrich cross-references a built VAD map against control
// areas, file objects, and the heap/thread maps, labelling each entry
// with a filename or a synthesized HEAP-/TEB-/STACK- name. The walk
// runs in five phases (subsection -> control area -> file object ->
// UNICODE_STRING -> heap/thread tagging), bulk-prefetching each
// phase's addresses before touching any of them.
package enrich

import (
	"context"
	"unicode/utf16"

	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/vad"
	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// HeapSegment is one entry from the external heap-map collaborator: a
// heap segment's base VA and the heap it belongs to.
type HeapSegment struct {
	VaHeapSegment uint64
	HeapID        uint32
}

// ThreadInfo is one entry from the external thread-map collaborator: a
// thread's TEB and user-mode stack-limit VAs.
type ThreadInfo struct {
	TID              uint32
	VaTeb            uint64
	VaStackLimitUser uint64
}

const (
	poolTagSizeFixed = 0x10 // pool-header bytes read ahead of a control area
	controlAreaRead  = 0x60
	fileObjectRead   = 0x68
)

// spanPages queues both end pages of a [va, va+size) read so the
// following cache-only pass never misses on a straddling object.
func spanPages(addrs []uint64, va, size uint64) []uint64 {
	return append(addrs, va, va+size-1)
}

var (
	mmCaTag = kaddr.Tag("MmCa")
	mmCiTag = kaddr.Tag("MmCi")
)

// Enricher runs VadEnricher phases 1-5 against one process's VadMap.
type Enricher struct {
	Cache *phys.TlbCache
	Bits  vadspider.Bits
	Build uint32 // Windows build number, for the version-dependent offsets
}

// New constructs an Enricher for the given process bitness and Windows
// build, used to select the _CONTROL_AREA.FilePointer offset.
func New(cache *phys.TlbCache, bits vadspider.Bits, build uint32) *Enricher {
	return &Enricher{Cache: cache, Bits: bits, Build: build}
}

func (e *Enricher) ptrSize() uint64 {
	if e.Bits == vadspider.Bits64 {
		return 8
	}
	return 4
}

// validKAddr is the loose predicate used to harvest subsection
// pointers (4/8-byte alignment); validKAddrStrict (8/16-byte) guards
// every pointer dereferenced after that.
func (e *Enricher) validKAddr(va uint64) bool {
	if e.Bits == vadspider.Bits64 {
		return kaddr.Valid64_8(va)
	}
	return kaddr.Valid32_4(uint32(va))
}

func (e *Enricher) validKAddrStrict(va uint64) bool {
	if e.Bits == vadspider.Bits64 {
		return kaddr.Valid64_16(va)
	}
	return kaddr.Valid32_8(uint32(va))
}

// filePointerOffset returns the version-dependent offset of
// _CONTROL_AREA.FilePointer.
func (e *Enricher) filePointerOffset() int {
	if e.Bits == vadspider.Bits64 {
		if e.Build <= 6000 {
			return 0x30
		}
		return 0x40
	}
	if e.Build <= 7601 {
		return 0x24
	}
	return 0x20
}

// maskFastRef clears the EX_FAST_REF reference-count bits packed into
// the pointer's low bits: 3 bits on 32-bit, 4 bits on 64-bit.
func (e *Enricher) maskFastRef(v uint64) uint64 {
	if e.Bits == vadspider.Bits64 {
		return v &^ 0xf
	}
	return v &^ 0x7
}

// Run executes all five phases against m, fetching names into m's text
// arena. heaps and threads are the external heap-map/thread-map
// producers' output; either may be nil.
func (e *Enricher) Run(ctx context.Context, m *vad.Map, heaps []HeapSegment, threads []ThreadInfo) error {
	fileObjectVAs := e.phase1and2(ctx, m)
	names := e.phase3(ctx, fileObjectVAs)
	e.phase4(ctx, m, fileObjectVAs, names)
	tagHeapsAndThreads(m, heaps, threads)
	return nil
}

// phase1and2 harvests subsection pointers, resolves each to a control
// area, and classifies file/image/page-file status, returning the
// per-entry resolved _FILE_OBJECT VA (0 if none).
func (e *Enricher) phase1and2(ctx context.Context, m *vad.Map) map[*vad.Entry]uint64 {
	// Phase 1: subsection -> control area. On XP the VAD itself holds
	// the control area pointer in the subsection slot, so the extra
	// dereference is skipped and the address is used as-is.
	subsectionVAs := make(map[*vad.Entry]uint64)
	var prefetch []uint64
	for _, ent := range m.Entries {
		if e.validKAddr(ent.VaSubsection) {
			subsectionVAs[ent] = ent.VaSubsection
			prefetch = spanPages(prefetch, ent.VaSubsection, e.ptrSize())
		}
	}

	controlAreas := make(map[*vad.Entry]uint64)
	var caPrefetch []uint64
	if e.Build < 6000 {
		controlAreas = subsectionVAs
		caPrefetch = prefetch
	} else {
		e.Cache.TlbPrefetch(ctx, prefetch)
		for ent, va := range subsectionVAs {
			buf := make([]byte, e.ptrSize())
			if err := e.Cache.ReadThrough(va, buf, true); err != nil {
				continue
			}
			var ptr uint64
			if e.Bits == vadspider.Bits64 {
				ptr = kaddr.ReadUint64LE(buf, 0)
			} else {
				ptr = uint64(kaddr.ReadUint32LE(buf, 0))
			}
			if !e.validKAddrStrict(ptr) {
				continue
			}
			ca := ptr - poolTagSizeFixed
			controlAreas[ent] = ca
			caPrefetch = spanPages(caPrefetch, ca, controlAreaRead)
		}
	}

	// Phase 2: control area inspection. The read covers the 0x10-byte
	// pool-header region ahead of the control area; the tag DWORD sits
	// 4 (32-bit) or 12 (64-bit) bytes before the payload.
	e.Cache.TlbPrefetch(ctx, caPrefetch)
	fpOff := e.filePointerOffset()
	is64 := e.Bits == vadspider.Bits64
	fileObjectVAs := make(map[*vad.Entry]uint64)
	for ent, ca := range controlAreas {
		buf := make([]byte, controlAreaRead)
		if err := e.Cache.ReadThrough(ca, buf, true); err != nil {
			continue
		}
		isCa := kaddr.PrependedAt(buf, poolTagSizeFixed, is64, mmCaTag)
		isCi := kaddr.PrependedAt(buf, poolTagSizeFixed, is64, mmCiTag)
		if !isCa && !isCi {
			continue
		}
		ent.VaControlArea = ca + poolTagSizeFixed

		var raw uint64
		off := poolTagSizeFixed + fpOff
		if off+int(e.ptrSize()) > len(buf) {
			continue
		}
		if is64 {
			raw = kaddr.ReadUint64LE(buf, off)
		} else {
			raw = uint64(kaddr.ReadUint32LE(buf, off))
		}
		fo := e.maskFastRef(raw)
		valid := fo != 0 && e.validKAddrStrict(fo)

		switch {
		case isCa && !valid:
			ent.PageFile = true
		case isCa && valid:
			ent.File = true
			ent.VaFileObject = fo
			fileObjectVAs[ent] = fo
		case isCi && valid:
			ent.Image = true
			ent.VaFileObject = fo
			fileObjectVAs[ent] = fo
		}
	}
	return fileObjectVAs
}

// fileName is the decoded result of phase 3's UNICODE_STRING parse.
type fileName struct {
	bufferVA uint64
	wchars   int
}

// phase3 reads each candidate file object's FileName UNICODE_STRING
// header and validates it, without yet fetching the backing characters.
func (e *Enricher) phase3(ctx context.Context, fileObjectVAs map[*vad.Entry]uint64) map[*vad.Entry]fileName {
	var prefetch []uint64
	for _, fo := range fileObjectVAs {
		prefetch = spanPages(prefetch, fo, fileObjectRead)
	}
	e.Cache.TlbPrefetch(ctx, prefetch)

	nameOff := 0x30
	if e.Bits == vadspider.Bits64 {
		nameOff = 0x58
	}

	names := make(map[*vad.Entry]fileName)
	for ent, fo := range fileObjectVAs {
		buf := make([]byte, fileObjectRead)
		if err := e.Cache.ReadThrough(fo, buf, true); err != nil {
			continue
		}
		if nameOff+int(4+e.ptrSize()) > len(buf) {
			continue
		}
		length := kaddr.ReadUint16LE(buf, nameOff)
		maxLength := kaddr.ReadUint16LE(buf, nameOff+2)
		if length == 0 || length > maxLength {
			continue
		}
		var bufferVA uint64
		if e.Bits == vadspider.Bits64 {
			bufferVA = kaddr.ReadUint64LE(buf, nameOff+8)
		} else {
			bufferVA = uint64(kaddr.ReadUint32LE(buf, nameOff+4))
		}
		if !e.validKAddrStrict(bufferVA) {
			continue
		}
		wchars := int(length) / 2
		if wchars > 0xff {
			wchars = 0xff
		}
		names[ent] = fileName{bufferVA: bufferVA, wchars: wchars}
	}
	return names
}

// phase4 fetches each validated name's characters into m's shared text
// arena. Entries with no resolved name are left with an empty text.
func (e *Enricher) phase4(ctx context.Context, m *vad.Map, fileObjectVAs map[*vad.Entry]uint64, names map[*vad.Entry]fileName) {
	var prefetch []uint64
	for _, n := range names {
		prefetch = spanPages(prefetch, n.bufferVA, uint64(n.wchars*2))
	}
	e.Cache.TlbPrefetch(ctx, prefetch)

	for ent := range fileObjectVAs {
		n, ok := names[ent]
		if !ok || n.wchars == 0 {
			continue
		}
		buf := make([]byte, n.wchars*2)
		if err := e.Cache.ReadThrough(n.bufferVA, buf, true); err != nil {
			continue
		}
		units := make([]uint16, n.wchars)
		for i := range units {
			units[i] = kaddr.ReadUint16LE(buf, i*2)
		}
		m.SetText(ent, string(utf16.Decode(units)))
	}
}

func formatHex02(v uint32) string { return padHex(v, 2) }
func formatHex04(v uint32) string { return padHex(v, 4) }

func padHex(v uint32, width int) string {
	const digits = "0123456789ABCDEF"
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = digits[v&0xf]
		v >>= 4
	}
	return string(out)
}

// tagHeapsAndThreads implements phase 5: labelling heap segments, TEBs,
// and thread stacks, never overwriting a name a prior phase already set.
func tagHeapsAndThreads(m *vad.Map, heaps []HeapSegment, threads []ThreadInfo) {
	for _, h := range heaps {
		ent := m.Find(h.VaHeapSegment)
		if ent == nil {
			continue
		}
		ent.Heap = true
		ent.HeapID = h.HeapID
		if m.Text(ent) == "" {
			m.SetText(ent, "HEAP-"+formatHex02(h.HeapID))
		}
	}
	for _, th := range threads {
		tid := th.TID & 0xffff // labels carry the TID's low 16 bits
		if ent := m.Find(th.VaTeb); ent != nil {
			ent.Teb = true
			if m.Text(ent) == "" {
				m.SetText(ent, "TEB-"+formatHex04(tid))
			}
		}
		if ent := m.Find(th.VaStackLimitUser); ent != nil {
			ent.Stack = true
			if m.Text(ent) == "" {
				m.SetText(ent, "STACK-"+formatHex04(tid))
			}
		}
	}
}
