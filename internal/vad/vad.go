// Package vad holds the flattened VAD (Virtual Address Descriptor)
// data model: Entry, Map, and the single text arena every entry's name
// points into.
//
// Field names (VaStart, VaEnd, CommitCharge, VadType, ...) track the
// vocabulary the Windows kernel and existing forensic tooling use for
// these structures rather than reworded Go-isms.
package vad

import (
	"fmt"

	"github.com/tinyrange/vmmcore/internal/kaddr"
)

// Type is the VAD's VadType classification.
type Type uint8

const (
	TypeNone Type = iota
	TypeDevicePhysicalMemory
	TypeImageMap
	TypeAwe
	TypeWriteWatch
	TypeLargePages
	TypeRotatePhysical
	TypeLargePageSection
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeDevicePhysicalMemory:
		return "DevicePhysicalMemory"
	case TypeImageMap:
		return "ImageMap"
	case TypeAwe:
		return "Awe"
	case TypeWriteWatch:
		return "WriteWatch"
	case TypeLargePages:
		return "LargePages"
	case TypeRotatePhysical:
		return "RotatePhysical"
	case TypeLargePageSection:
		return "LargePageSection"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Entry is one leaf of the flattened VAD tree.
type Entry struct {
	VaStart uint64 // page-aligned
	VaEnd   uint64 // inclusive, va_end | 0xfff
	VaNode  uint64 // guest VA of the node header; identity of this VAD

	CommitCharge uint64 // pages
	MemCommit    bool

	VadType    Type
	Protection uint8 // 5-bit Windows protection code

	PrivateMemory bool
	PageFile      bool
	File          bool
	Image         bool
	Heap          bool
	Stack         bool
	Teb           bool

	VaSubsection  uint64
	VaControlArea uint64
	VaFileObject  uint64

	VaProtoPte uint64
	CbProtoPte uint64 // size in bytes of the prototype PTE array

	HeapID uint32

	textOff int // offset into the owning Map's arena
	textLen int // 0 while no name has been set
}

// RangeStart/RangeEnd implement kaddr.Range so VadMap can use the shared
// sorted-lookup primitive.
func (e *Entry) RangeStart() uint64 { return e.VaStart }
func (e *Entry) RangeEnd() uint64   { return e.VaEnd }

// PageCount returns the number of 4 KiB pages spanned by the region.
func (e *Entry) PageCount() uint64 { return (e.VaEnd + 1 - e.VaStart) / 4096 }

// clampInvariants sanity-clamps a single entry once its fields are
// fully populated: CommitCharge and CbProtoPte are bounded by the
// region size rather than rejecting the node, since a suspicious but
// plausible VAD is still worth keeping.
func (e *Entry) clampInvariants(pteSize uint64) {
	pages := e.PageCount()
	if e.CommitCharge > pages {
		e.CommitCharge = 0
	}
	maxProtoPte := pteSize * pages
	if e.CbProtoPte > maxProtoPte {
		e.CbProtoPte = maxProtoPte
	}
}

// Map is the ordered, non-overlapping sequence of VAD entries for one
// process, plus the single text arena every entry's name is stored in.
type Map struct {
	Entries []*Entry
	arena   *TextArena
}

// NewMap constructs an empty map backed by a fresh arena.
func NewMap() *Map {
	return &Map{arena: newTextArena()}
}

// Arena returns the map's text arena, so enrich can append names while
// building it.
func (m *Map) Arena() *TextArena { return m.arena }

// Text returns entry's decoded name, or "" if it has none.
func (m *Map) Text(e *Entry) string {
	if e.textLen == 0 {
		return ""
	}
	return m.arena.slice(e.textOff, e.textLen)
}

// SetText stores name in the map's arena and points e at it.
func (m *Map) SetText(e *Entry, name string) {
	e.textOff, e.textLen = m.arena.append(name)
}

// FreeText releases the map's text arena in one operation; every
// entry's name reads as empty afterward. Intended as the close
// callback of the reference holding a published map.
func (m *Map) FreeText() {
	m.arena.free()
}

// Insert adds e in sorted order by VaStart. Windows VADs never
// legitimately overlap; if a corrupt or duplicate node produces an
// overlap with an already-inserted entry, the one being inserted is
// dropped and the earlier insertion wins.
func (m *Map) Insert(e *Entry, pteSize uint64) bool {
	e.clampInvariants(pteSize)
	i := searchInsertionPoint(m.Entries, e.VaStart)
	if i > 0 && m.Entries[i-1].VaEnd >= e.VaStart {
		return false // overlaps the previous entry
	}
	if i < len(m.Entries) && m.Entries[i].VaStart <= e.VaEnd {
		return false // overlaps the next entry
	}
	m.Entries = append(m.Entries, nil)
	copy(m.Entries[i+1:], m.Entries[i:])
	m.Entries[i] = e
	return true
}

func searchInsertionPoint(entries []*Entry, vaStart uint64) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].VaStart < vaStart {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Find returns the entry containing va, or nil.
func (m *Map) Find(va uint64) *Entry {
	idx := kaddr.FindContaining(m.Entries, va)
	if idx < 0 {
		return nil
	}
	return m.Entries[idx]
}
