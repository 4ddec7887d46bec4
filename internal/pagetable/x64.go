package pagetable

import (
	"context"

	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/phys"
)

// X64 implements 4-level long-mode paging: PML4 -> PDPT -> PD -> PT,
// each indexed by 9 bits of the VA, 8-byte entries, 64-bit canonical
// addresses, and 2 MiB/1 GiB large pages.
type X64 struct {
	Cache *phys.TlbCache
}

// NewX64 builds a walker reading page-table pages through cache.
func NewX64(cache *phys.TlbCache) *X64 { return &X64{Cache: cache} }

const (
	x64PresentBit = 1 << 0
	x64UserBit    = 1 << 2
	x64LargeBit   = 1 << 7
)

func x64Index(va uint64, level int) int {
	return int((va >> uint(12+9*level)) & 0x1FF)
}

// Virt2Phys translates a canonical 64-bit VA given a DTB (CR3) physical
// address.
func (w *X64) Virt2Phys(dtb uint64, va uint64, userOnly bool) (uint64, error) {
	info, err := w.Virt2PhysGetInformation(dtb, va, userOnly)
	if err != nil {
		return 0, err
	}
	return info.PA, nil
}

// Virt2PhysInfoX64 is the per-level diagnostic trail for a single x64
// translation: one slot per paging level actually consulted.
type Virt2PhysInfoX64 struct {
	LevelPA    [4]uint64
	LevelIndex [4]int
	LevelEntry [4]uint64
	PA         uint64
}

// Virt2PhysGetInformation is Virt2Phys's diagnostic entry point. Walks
// PML4(3) → PDPT(2) → PD(1) → PT(0), stopping early at a PDPT/PD large
// page.
func (w *X64) Virt2PhysGetInformation(dtb uint64, va uint64, userOnly bool) (Virt2PhysInfoX64, error) {
	var info Virt2PhysInfoX64
	tablePA := dtb &^ 0xFFF

	for level := 3; level >= 0; level-- {
		idx := x64Index(va, level)
		page, err := w.Cache.TlbGetPageTable(tablePA, 0)
		if err != nil {
			return info, ErrNoPageTable
		}
		entry := kaddr.ReadUint64LE(page.Data[:], idx*8)
		info.LevelPA[level] = tablePA
		info.LevelIndex[level] = idx
		info.LevelEntry[level] = entry

		if entry&x64PresentBit == 0 {
			return info, ErrNotPresent
		}
		if userOnly && entry&x64UserBit == 0 {
			return info, ErrNotUser
		}
		if level > 0 && entry&x64LargeBit != 0 {
			regionBits := uint(12 + 9*level)
			pageMask := ^(uint64(1)<<regionBits - 1)
			base := (entry & 0x000FFFFFFFFFF000) & pageMask
			info.PA = base | (va & (1<<regionBits - 1))
			return info, nil
		}
		if level == 0 {
			info.PA = (entry & 0x000FFFFFFFFFF000) | (va & 0xFFF)
			return info, nil
		}
		tablePA = entry & 0x000FFFFFFFFFF000
	}
	return info, ErrNotPresent
}

// TlbSpider prefetches every referenced PDPT reachable from the PML4
// in a single batch, used once per process.
func (w *X64) TlbSpider(ctx context.Context, dtb uint64, userOnly bool) error {
	pml4PA := dtb &^ 0xFFF
	pml4, err := w.Cache.TlbGetPageTable(pml4PA, 0)
	if err != nil {
		return ErrNoPageTable
	}
	var addrs []uint64
	for i := 0; i < 512; i++ {
		e := kaddr.ReadUint64LE(pml4.Data[:], i*8)
		if e&x64PresentBit == 0 {
			continue
		}
		if userOnly && e&x64UserBit == 0 {
			continue
		}
		addrs = append(addrs, e&0x000FFFFFFFFFF000)
	}
	w.Cache.TlbPrefetch(ctx, addrs)
	return nil
}

// BuildPteMap walks all four levels from dtb, producing a Map coalesced
// by the same rule as X86.BuildPteMap. Only hardware-valid entries are
// mapped: invalid leaves get no transition or software-guess
// classification here.
func (w *X64) BuildPteMap(ctx context.Context, dtb uint64, userOnly bool) (*Map, error) {
	m := NewMap()
	err := w.walkLevel(m, dtb&^0xFFF, 0, 3, userOnly)
	return m, err
}

func (w *X64) walkLevel(m *Map, tablePA uint64, vaBase uint64, level int, userOnly bool) error {
	page, err := w.Cache.TlbGetPageTable(tablePA, 0)
	if err != nil {
		return ErrNoPageTable
	}
	regionBits := uint(12 + 9*level)
	regionSize := uint64(1) << regionBits

	for i := 0; i < 512; i++ {
		if m.Capped() {
			return nil
		}
		e := kaddr.ReadUint64LE(page.Data[:], i*8)
		va := vaBase + uint64(i)*regionSize
		if level == 3 && va&(uint64(1)<<47) != 0 {
			va |= 0xFFFF000000000000 // canonical kernel half
		}
		if e&x64PresentBit == 0 {
			continue
		}
		if userOnly && e&x64UserBit == 0 {
			continue
		}
		if level == 0 {
			if !m.addRun(va, 1, uint32(e&0xFFF), false) {
				return nil
			}
			continue
		}
		if e&x64LargeBit != 0 {
			pages := regionSize / 4096
			if !m.addRun(va, pages, uint32(e&0xFFF), false) {
				return nil
			}
			continue
		}
		if err := w.walkLevel(m, e&0x000FFFFFFFFFF000, va, level-1, userOnly); err != nil {
			continue
		}
	}
	return nil
}
