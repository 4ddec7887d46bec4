package pagetable

import (
	"context"

	"github.com/tinyrange/vmmcore/internal/kaddr"
	"github.com/tinyrange/vmmcore/internal/phys"
)

// X86PAE implements three-level PAE paging: a 4-entry PDPT selected by
// the top two VA bits, then PD/PT with 8-byte entries and 2 MiB large
// pages. Windows x86 with PAE enabled uses exactly this layout, so the
// transition/guess leaf classification applies here the same as in the
// non-PAE walker.
type X86PAE struct {
	Cache *phys.TlbCache
}

// NewX86PAE builds a walker reading page-table pages through cache.
func NewX86PAE(cache *phys.TlbCache) *X86PAE { return &X86PAE{Cache: cache} }

const paePAMask = 0x0000FFFFFFFFF000

// isTransitionPTE64 is the 8-byte-entry form of the Windows transition
// pattern used by the PAE leaf classification.
func isTransitionPTE64(pte uint64) bool {
	return pte&0x0C01 == 0x0800
}

func classifyLeafPTE64(pte uint64) (eff uint64, isSoftware bool) {
	if pte&0x1 != 0 {
		return pte, false
	}
	if pte == 0 {
		return 0, false
	}
	if isTransitionPTE64(pte) {
		return (pte & paePAMask) | 0x005, true
	}
	return softwareGuessPTE, true
}

// Virt2Phys translates a 32-bit VA given a PAE DTB (CR3, 32-byte
// aligned) physical address.
func (w *X86PAE) Virt2Phys(dtb uint64, va uint32, userOnly bool) (uint64, error) {
	pdpte, err := w.pdpte(dtb, va)
	if err != nil {
		return 0, err
	}

	pdPage, err := w.Cache.TlbGetPageTable(pdpte&paePAMask, 0)
	if err != nil {
		return 0, ErrNoPageTable
	}
	pde := kaddr.ReadUint64LE(pdPage.Data[:], int((va>>21)&0x1FF)*8)
	if pde&0x1 == 0 {
		return 0, ErrNotPresent
	}
	if userOnly && pde&0x4 == 0 {
		return 0, ErrNotUser
	}
	if pde&0x80 != 0 { // 2 MiB large page
		return (pde & paePAMask &^ 0x1FF000) | uint64(va&0x1FFFFF), nil
	}

	ptPage, err := w.Cache.TlbGetPageTable(pde&paePAMask, 0)
	if err != nil {
		return 0, ErrNoPageTable
	}
	pte := kaddr.ReadUint64LE(ptPage.Data[:], int((va>>12)&0x1FF)*8)
	if pte&0x1 == 0 {
		return 0, ErrNotPresent
	}
	if userOnly && pte&0x4 == 0 {
		return 0, ErrNotUser
	}
	return (pte & paePAMask) | uint64(va&0xFFF), nil
}

// pdpte reads the PDPT entry for va. PAE PDPT entries carry no user
// bit, so only presence is checked at this level.
func (w *X86PAE) pdpte(dtb uint64, va uint32) (uint64, error) {
	pdptPA := dtb &^ 0x1F
	page, err := w.Cache.TlbGetPageTable(pdptPA, 0)
	if err != nil {
		return 0, ErrNoPageTable
	}
	off := int(pdptPA&0xFFF) + int(va>>30)*8
	if off+8 > len(page.Data) {
		return 0, ErrNoPageTable
	}
	pdpte := kaddr.ReadUint64LE(page.Data[:], off)
	if pdpte&0x1 == 0 {
		return 0, ErrNotPresent
	}
	return pdpte, nil
}

// TlbSpider prefetches every PD reachable from the PDPT in one batch,
// then every PT those PDs reference in a second batch, the PAE analogue
// of X86.TlbSpider.
func (w *X86PAE) TlbSpider(ctx context.Context, dtb uint64, userOnly bool) error {
	var pds []uint64
	for i := uint32(0); i < 4; i++ {
		pdpte, err := w.pdpte(dtb, i<<30)
		if err != nil {
			continue
		}
		pds = append(pds, pdpte&paePAMask)
	}
	if len(pds) == 0 {
		return ErrNoPageTable
	}
	w.Cache.TlbPrefetch(ctx, pds)

	var pts []uint64
	for _, pdPA := range pds {
		pdPage, err := w.Cache.TlbGetPageTable(pdPA, 0)
		if err != nil {
			continue
		}
		for i := 0; i < 512; i++ {
			pde := kaddr.ReadUint64LE(pdPage.Data[:], i*8)
			if pde&0x1 == 0 || pde&0x80 != 0 {
				continue
			}
			if userOnly && pde&0x4 == 0 {
				continue
			}
			pts = append(pts, pde&paePAMask)
		}
	}
	w.Cache.TlbPrefetch(ctx, pts)
	return nil
}

// Phys2VirtGetInformation reverse-scans the three-level PAE tree for
// leaf and large-page translations landing on pa.
func (w *X86PAE) Phys2VirtGetInformation(dtb uint64, userOnly bool, pa uint64, k int) (Phys2VirtInfo, error) {
	if k <= 0 {
		k = DefaultPhys2VirtK
	}
	info := Phys2VirtInfo{PA: pa}
	sawPdpt := false
	for i := uint32(0); i < 4 && len(info.VAs) < k; i++ {
		pdpte, err := w.pdpte(dtb, i<<30)
		if err != nil {
			continue
		}
		sawPdpt = true
		pdPage, err := w.Cache.TlbGetPageTable(pdpte&paePAMask, 0)
		if err != nil {
			continue
		}
		vaBase := uint64(i) << 30
		for pdIdx := 0; pdIdx < 512 && len(info.VAs) < k; pdIdx++ {
			pde := kaddr.ReadUint64LE(pdPage.Data[:], pdIdx*8)
			va := vaBase + uint64(pdIdx)<<21
			if pde&0x1 == 0 {
				continue
			}
			if userOnly && pde&0x4 == 0 {
				continue
			}
			if pde&0x80 != 0 {
				base := pde & paePAMask &^ 0x1FF000
				if pa >= base && pa < base+0x200000 {
					if appendMatch(&info, va|(pa-base), k) {
						break
					}
				}
				continue
			}
			ptPage, err := w.Cache.TlbGetPageTable(pde&paePAMask, 0)
			if err != nil {
				continue
			}
			for ptIdx := 0; ptIdx < 512 && len(info.VAs) < k; ptIdx++ {
				pte := kaddr.ReadUint64LE(ptPage.Data[:], ptIdx*8)
				if pte&0x1 == 0 {
					continue
				}
				if userOnly && pte&0x4 == 0 {
					continue
				}
				if pte&paePAMask == pa&^0xFFF {
					if appendMatch(&info, va|uint64(ptIdx)<<12|(pa&0xFFF), k) {
						break
					}
				}
			}
		}
	}
	if !sawPdpt {
		return info, ErrNoPageTable
	}
	return info, nil
}

// BuildPteMap walks all three levels from dtb, producing a coalesced
// Map with the same leaf classification and coalescing rule as the
// non-PAE walker.
func (w *X86PAE) BuildPteMap(ctx context.Context, dtb uint64, userOnly bool) (*Map, error) {
	m := NewMap()
	sawPdpt := false
	for i := uint32(0); i < 4; i++ {
		pdpte, err := w.pdpte(dtb, i<<30)
		if err != nil {
			continue
		}
		sawPdpt = true
		w.buildPD(m, pdpte&paePAMask, uint64(i)<<30, userOnly)
		if m.Capped() {
			break
		}
	}
	if !sawPdpt {
		return nil, ErrNoPageTable
	}
	return m, nil
}

func (w *X86PAE) buildPD(m *Map, pdPA, vaBase uint64, userOnly bool) {
	pdPage, err := w.Cache.TlbGetPageTable(pdPA, 0)
	if err != nil {
		return
	}
	for pdIdx := 0; pdIdx < 512 && !m.Capped(); pdIdx++ {
		pde := kaddr.ReadUint64LE(pdPage.Data[:], pdIdx*8)
		va := vaBase + uint64(pdIdx)<<21
		if pde&0x1 == 0 {
			continue
		}
		if userOnly && pde&0x4 == 0 {
			continue
		}
		if pde&0x80 != 0 { // 2 MiB large page
			if !m.addRun(va, 512, uint32(pde&0xFFF), false) {
				return
			}
			continue
		}
		ptPage, err := w.Cache.TlbGetPageTable(pde&paePAMask, 0)
		if err != nil {
			continue
		}
		supervisorPT := pde&0x4 == 0
		for ptIdx := 0; ptIdx < 512; ptIdx++ {
			pte := kaddr.ReadUint64LE(ptPage.Data[:], ptIdx*8)
			effPte, isGuess := classifyLeafPTE64(pte)
			if effPte == 0 && !isGuess {
				continue
			}
			if supervisorPT {
				effPte &^= 0x4
			}
			if userOnly && effPte&0x4 == 0 {
				continue
			}
			if !m.addRun(va|uint64(ptIdx)<<12, 1, uint32(effPte&0xFFF), isGuess) {
				return
			}
		}
	}
}
