package pagetable

// MaxPteMapEntries caps PTE-map construction; the walk stops cleanly
// once this many coalesced runs have been produced.
const MaxPteMapEntries = 0x10000

// Entry is one coalesced run of the PTE map: a contiguous VA range
// carrying one set of PTE flags. Software-filled pages (transition or
// guess) may join a run whose flags differ from their own; see addRun.
type Entry struct {
	VaBase            uint64
	PageCount         uint64
	Flags             uint32 // hardware PTE bits, bottom 12 preserved bitwise
	SoftwarePageCount uint64 // pages in this run that were guess/transition-filled
}

func (e *Entry) RangeStart() uint64 { return e.VaBase }
func (e *Entry) RangeEnd() uint64   { return e.VaBase + e.PageCount*4096 - 1 }

// Map is the ordered, coalesced PTE run list for one process.
type Map struct {
	Entries []*Entry
	capped  bool
}

// NewMap constructs an empty PTE map.
func NewMap() *Map { return &Map{} }

// Capped reports whether construction stopped early at MaxPteMapEntries.
func (m *Map) Capped() bool { return m.capped }

// addRun appends pageCount pages starting at vaBase, coalescing into
// the previous entry when flags match and the run is contiguous. A new
// entry is started iff (a) the map is empty, or (b) flags differ and
// the page is not a software guess, or (c) the VA is not contiguous
// with the previous entry's end.
//
// A software-guess run therefore always attaches to whatever precedes
// it rather than splitting the flags boundary: a paged-out run joins
// its neighbor, which is the view a human reading the map wants.
func (m *Map) addRun(vaBase uint64, pageCount uint64, flags uint32, isGuess bool) bool {
	if m.capped {
		return false
	}
	if len(m.Entries) > 0 {
		last := m.Entries[len(m.Entries)-1]
		contiguous := last.VaBase+last.PageCount*4096 == vaBase
		sameFlags := last.Flags == flags
		if contiguous && (sameFlags || isGuess) {
			last.PageCount += pageCount
			if isGuess {
				last.SoftwarePageCount += pageCount
			}
			return true
		}
	}
	if len(m.Entries) >= MaxPteMapEntries {
		m.capped = true
		return false
	}
	e := &Entry{VaBase: vaBase, PageCount: pageCount, Flags: flags}
	if isGuess {
		e.SoftwarePageCount = pageCount
	}
	m.Entries = append(m.Entries, e)
	return true
}

// TotalPages sums PageCount across every entry.
func (m *Map) TotalPages() uint64 {
	var total uint64
	for _, e := range m.Entries {
		total += e.PageCount
	}
	return total
}
