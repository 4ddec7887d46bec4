// Package pagetable walks guest paging structures: VA-to-PA and
// PA-to-VA translation over the x86, PAE, and x64 formats, coalesced
// PTE-map construction, and the TLB spider that warms the page-table
// cache before a bulk walk. All reads go through an internal/phys
// source, so a corrupt or unreadable table degrades to a failed
// translation instead of a crash.
package pagetable

import (
	"context"

	"github.com/tinyrange/vmmcore/internal/phys"
)

// X86 implements two-level (non-PAE) x86 paging: PD indexed by VA>>22,
// PT indexed by (VA>>12)&0x3FF, 4 KiB pages and 4 MiB PSE-36 large pages.
type X86 struct {
	Cache *phys.TlbCache
}

// NewX86 builds a walker reading page-table pages through cache.
func NewX86(cache *phys.TlbCache) *X86 { return &X86{Cache: cache} }

// Virt2Phys translates a 32-bit VA given a DTB (CR3) physical address.
// userOnly, when set, fails the translation if the leaf PTE's user bit
// (bit 2) is clear.
func (w *X86) Virt2Phys(dtb uint32, va uint32, userOnly bool) (uint64, error) {
	info, err := w.Virt2PhysGetInformation(dtb, va, userOnly)
	if err != nil {
		return 0, err
	}
	return info.PA, nil
}

// Virt2PhysInfo is the diagnostic record of one translation: the
// physical address of each level's page-table page, the index used at
// each level, the raw PTE/PDE read, and the final PA if resolved.
type Virt2PhysInfo struct {
	PdPA, PtPA uint64
	PdIndex    uint32
	PtIndex    uint32
	PDE, PTE   uint32
	LargePage  bool
	PA         uint64
}

// Virt2PhysGetInformation is Virt2Phys's diagnostic entry point.
func (w *X86) Virt2PhysGetInformation(dtb uint32, va uint32, userOnly bool) (Virt2PhysInfo, error) {
	var info Virt2PhysInfo
	info.PdPA = uint64(dtb) & 0xFFFFF000
	info.PdIndex = va >> 22

	pdPage, err := w.Cache.TlbGetPageTable(info.PdPA, 0)
	if err != nil {
		return info, ErrNoPageTable
	}
	info.PDE = leUint32(pdPage.Data[:], int(info.PdIndex)*4)
	pde := info.PDE

	if pde&0x1 == 0 {
		return info, ErrNotPresent
	}
	if userOnly && pde&0x4 == 0 {
		return info, ErrNotUser
	}

	if pde&0x80 != 0 { // PS bit: 4 MiB large page
		if pde&0x003E0000 != 0 {
			return info, ErrReservedBitsSet
		}
		info.LargePage = true
		info.PA = (uint64(pde) & 0xFFC00000) |
			((uint64(pde) & 0x001E000) << (32 - 13)) |
			uint64(va&0x3FFFFF)
		return info, nil
	}

	info.PtPA = uint64(pde) & 0xFFFFF000
	info.PtIndex = (va >> 12) & 0x3FF
	ptPage, err := w.Cache.TlbGetPageTable(info.PtPA, 0)
	if err != nil {
		return info, ErrNoPageTable
	}
	info.PTE = leUint32(ptPage.Data[:], int(info.PtIndex)*4)
	pte := info.PTE

	if pte&0x1 == 0 {
		return info, ErrNotPresent
	}
	if userOnly && pte&0x4 == 0 {
		return info, ErrNotUser
	}
	info.PA = (uint64(pte) & 0xFFFFF000) | uint64(va&0xFFF)
	return info, nil
}

// isTransitionPTE matches a Windows x86 transition PTE: present bit
// clear, but the 0x0C01 pattern marks a page moved to the
// standby/modified list rather than truly freed.
func isTransitionPTE(pte uint32) bool {
	return pte&0x0C01 == 0x0800
}

// transitionAsPresent converts a transition PTE into the synthetic
// "present" form used for map-building only, never for translation.
func transitionAsPresent(pte uint32) uint32 {
	return (pte & 0xFFFFF000) | 0x005
}

// softwareGuessPTE is used for a non-zero, non-transition invalid leaf
// PTE encountered while building the PTE map: the page is paged out but
// was allocated, so guess present, user, read-only.
const softwareGuessPTE = 0x00000005

// TlbSpider walks the page directory at dtb and prefetches every
// referenced (valid, non-large, and non-supervisor-if-userOnly) page
// table in a single batch. Intended to run at most once per process;
// callers track that with their own flag.
func (w *X86) TlbSpider(ctx context.Context, dtb uint32, userOnly bool) error {
	pdPA := uint64(dtb) & 0xFFFFF000
	pdPage, err := w.Cache.TlbGetPageTable(pdPA, 0)
	if err != nil {
		return ErrNoPageTable
	}
	var addrs []uint64
	for i := 0; i < 1024; i++ {
		pde := leUint32(pdPage.Data[:], i*4)
		if pde&0x1 == 0 || pde&0x80 != 0 {
			continue
		}
		if userOnly && pde&0x4 == 0 {
			continue
		}
		addrs = append(addrs, uint64(pde)&0xFFFFF000)
	}
	w.Cache.TlbPrefetch(ctx, addrs)
	return nil
}

// BuildPteMap walks the full page directory at dtb and produces a
// coalesced Map. Non-leaf missing PD entries are skipped entirely (no
// 4 MiB of address space is represented); non-zero invalid leaf PTEs
// are either treated as transition (present-for-mapping) or synthesized
// as a 0x5 software guess; all-zero leaf slots are skipped.
func (w *X86) BuildPteMap(ctx context.Context, dtb uint32, userOnly bool) (*Map, error) {
	m := NewMap()
	pdPA := uint64(dtb) & 0xFFFFF000
	pdPage, err := w.Cache.TlbGetPageTable(pdPA, 0)
	if err != nil {
		return nil, ErrNoPageTable
	}

	for pdIdx := 0; pdIdx < 1024; pdIdx++ {
		pde := leUint32(pdPage.Data[:], pdIdx*4)
		vaBase := uint64(uint32(pdIdx) << 22)

		if pde&0x1 == 0 {
			continue // non-leaf missing entry: skipped, not guessed
		}
		if userOnly && pde&0x4 == 0 {
			continue
		}

		if pde&0x80 != 0 { // 4 MiB large page
			if pde&0x003E0000 != 0 {
				continue // reserved PSE-36 bits set
			}
			if !m.addRun(vaBase, 1024, pde&0xFFF, false) {
				return m, nil
			}
			continue
		}

		ptPA := uint64(pde) & 0xFFFFF000
		supervisorPT := pde&0x4 == 0
		ptPage, err := w.Cache.TlbGetPageTable(ptPA, 0)
		if err != nil {
			continue // unreadable PT: treat as absent, matching ReadFail local recovery
		}
		for ptIdx := 0; ptIdx < 1024; ptIdx++ {
			pte := leUint32(ptPage.Data[:], ptIdx*4)
			va := vaBase | uint64(ptIdx<<12)

			effPte, isGuess := classifyLeafPTE(pte)
			if effPte == 0 && !isGuess {
				continue // genuinely missing leaf
			}
			if supervisorPT {
				effPte &^= 0x4 // user bit is meaningless under a supervisor PT
			}
			if userOnly && effPte&0x4 == 0 {
				continue
			}
			if !m.addRun(va, 1, effPte&0xFFF, isGuess) {
				return m, nil
			}
		}
	}
	return m, nil
}

// classifyLeafPTE applies the leaf-PTE classification used only for map
// building, never for translation: a hardware-valid PTE is returned
// as-is; an all-zero PTE is skipped outright (no allocation ever
// touched the slot); a transition PTE is reinterpreted as present; any
// other non-zero invalid PTE is a paged-out page whose frame is
// unknown, synthesized as a present/user/read-only guess. Transition
// and guess pages are both "software" for software_page_count and
// coalescing purposes: neither was hardware-valid, so neither should
// split an otherwise-contiguous run.
func classifyLeafPTE(pte uint32) (eff uint32, isSoftware bool) {
	if pte&0x1 != 0 {
		return pte, false
	}
	if pte == 0 {
		return 0, false
	}
	if isTransitionPTE(pte) {
		return transitionAsPresent(pte), true
	}
	return softwareGuessPTE, true
}

func leUint32(buf []byte, off int) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}
