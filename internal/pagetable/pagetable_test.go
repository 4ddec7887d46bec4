package pagetable

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vmmcore/internal/phys"
)

func le32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }

// TestLargePageTranslation: DTB at PA 0x1000, PDE at index 0x100 =
// 0x00400083 (present, PS, user). Query VA 0x40001234 => PA 0x00401234.
func TestLargePageTranslation(t *testing.T) {
	img := make([]byte, 0x3000)
	le32(img, 0x1000+0x100*4, 0x00400083)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	pa, err := w.Virt2Phys(0x1000, 0x40001234, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x00401234 {
		t.Fatalf("pa = 0x%x, want 0x00401234", pa)
	}
}

func TestLargePageReservedBitsRejected(t *testing.T) {
	img := make([]byte, 0x3000)
	le32(img, 0x1000+0x100*4, 0x00400083|0x00020000) // set a reserved bit
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	_, err := w.Virt2Phys(0x1000, 0x40001234, false)
	if err != ErrReservedBitsSet {
		t.Fatalf("err = %v, want ErrReservedBitsSet", err)
	}
}

func Test4KPageTranslation(t *testing.T) {
	img := make([]byte, 0x4000)
	le32(img, 0x1000+0x10*4, 0x00002001) // PDE -> PT at PA 0x2000, present
	le32(img, 0x2000+0x20*4, 0x00005007) // PTE -> PA 0x5000, present/rw/user
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	va := uint32(0x10<<22) | uint32(0x20<<12) | 0x345
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x00005345 {
		t.Fatalf("pa = 0x%x, want 0x00005345", pa)
	}
}

func TestUserOnlyRejectsSupervisorPage(t *testing.T) {
	img := make([]byte, 0x4000)
	le32(img, 0x1000+0x10*4, 0x00002001) // PDE supervisor (bit2 clear)
	le32(img, 0x2000+0x20*4, 0x00005001) // PTE supervisor
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	va := uint32(0x10<<22) | uint32(0x20<<12)
	if _, err := w.Virt2Phys(0x1000, va, true); err != ErrNotUser {
		t.Fatalf("err = %v, want ErrNotUser", err)
	}
}

// TestTransitionPTEClassification: x86 PTE 0x12345800 at leaf => map
// receives the page with flags derived from 0x12345005, counted as a
// software page.
func TestTransitionPTEClassification(t *testing.T) {
	eff, isSoftware := classifyLeafPTE(0x12345800)
	if !isSoftware {
		t.Fatalf("transition PTE should count as a software-filled page")
	}
	if eff != 0x12345005 {
		t.Fatalf("eff = 0x%x, want 0x12345005", eff)
	}
}

func TestZeroPTEIsSkipped(t *testing.T) {
	eff, isGuess := classifyLeafPTE(0)
	if isGuess || eff != 0 {
		t.Fatalf("classifyLeafPTE(0) = (0x%x, %v), want skipped", eff, isGuess)
	}
}

func TestPagedOutPTEIsSoftwareGuess(t *testing.T) {
	// Non-zero, invalid, not transition (0x0C01 pattern absent): a
	// paged-out page whose frame is unknown.
	eff, isGuess := classifyLeafPTE(0x00010400)
	if !isGuess {
		t.Fatalf("paged-out PTE should be a software guess")
	}
	if eff != softwareGuessPTE {
		t.Fatalf("eff = 0x%x, want 0x%x", eff, softwareGuessPTE)
	}
}

func TestBuildPteMapCoalescesTransitionRun(t *testing.T) {
	img := make([]byte, 0x4000)
	le32(img, 0x1000, 0x00002001) // PDE 0 -> PT at 0x2000
	le32(img, 0x2000+0*4, 0x00005007)
	le32(img, 0x2000+1*4, 0x12345800) // transition PTE, joins prior run
	le32(img, 0x2000+2*4, 0x00005007)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	m, err := w.BuildPteMap(context.Background(), 0x1000, false)
	if err != nil {
		t.Fatalf("BuildPteMap: %v", err)
	}
	if len(m.Entries) != 1 {
		t.Fatalf("got %d entries, want 1 coalesced run", len(m.Entries))
	}
	if m.Entries[0].PageCount != 3 {
		t.Fatalf("page count = %d, want 3", m.Entries[0].PageCount)
	}
}

func TestPhys2VirtFindsMatch(t *testing.T) {
	img := make([]byte, 0x4000)
	le32(img, 0x1000+0x10*4, 0x00002001)
	le32(img, 0x2000+0x20*4, 0x00005007)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	info, err := w.Phys2VirtGetInformation(0x1000, false, 0x5123, 16)
	if err != nil {
		t.Fatalf("Phys2VirtGetInformation: %v", err)
	}
	want := uint64(uint32(0x10<<22) | uint32(0x20<<12) | 0x123)
	if len(info.VAs) != 1 || info.VAs[0] != want {
		t.Fatalf("VAs = %v, want [0x%x]", info.VAs, want)
	}
}

func TestPAETranslation4K(t *testing.T) {
	img := make([]byte, 0x5000)
	// PDPT at 0x1000 (entry 0 -> PD at 0x2000), PD[3] -> PT at 0x3000,
	// PT[4] -> PA 0x4000.
	binary.LittleEndian.PutUint64(img[0x1000:], 0x2001)
	binary.LittleEndian.PutUint64(img[0x2000+8*3:], 0x3007)
	binary.LittleEndian.PutUint64(img[0x3000+8*4:], 0x4007)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86PAE(cache)

	va := uint32(3)<<21 | uint32(4)<<12 | 0x67
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x4067 {
		t.Fatalf("pa = 0x%x, want 0x4067", pa)
	}
}

func TestPAELargePage2MiB(t *testing.T) {
	img := make([]byte, 0x3000)
	binary.LittleEndian.PutUint64(img[0x1000:], 0x2001)
	binary.LittleEndian.PutUint64(img[0x2000+8*5:], 0x00C00000|0x87)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86PAE(cache)

	va := uint32(5)<<21 | 0x1234
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x00C01234 {
		t.Fatalf("pa = 0x%x, want 0x00C01234", pa)
	}
}

// TestTranslationRoundTrips: the diagnostic walk recovers the same PA
// and leaf PTE as the plain translation, and the reverse scan finds the
// original VA.
func TestTranslationRoundTrips(t *testing.T) {
	img := make([]byte, 0x4000)
	le32(img, 0x1000+0x10*4, 0x00002001)
	le32(img, 0x2000+0x20*4, 0x00005007)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX86(cache)

	va := uint32(0x10<<22) | uint32(0x20<<12) | 0x345
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	info, err := w.Virt2PhysGetInformation(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2PhysGetInformation: %v", err)
	}
	if info.PA != pa {
		t.Fatalf("diagnostic PA = 0x%x, translation PA = 0x%x", info.PA, pa)
	}
	if info.PTE != 0x00005007 {
		t.Fatalf("leaf PTE = 0x%x, want 0x00005007", info.PTE)
	}

	rev, err := w.Phys2VirtGetInformation(0x1000, false, pa, 16)
	if err != nil {
		t.Fatalf("Phys2VirtGetInformation: %v", err)
	}
	found := false
	for _, got := range rev.VAs {
		if got == uint64(va) {
			found = true
		}
	}
	if !found {
		t.Fatalf("reverse scan %v does not contain the original VA 0x%x", rev.VAs, va)
	}
}

// TestX64BuildPteMapKernelHalfCanonical: entries reached through PML4
// index >= 256 must carry canonical (sign-extended) virtual addresses,
// matching what the reverse scan reports for the same pages.
func TestX64BuildPteMapKernelHalfCanonical(t *testing.T) {
	img := make([]byte, 0x6000)
	binary.LittleEndian.PutUint64(img[0x1000+8*256:], 0x2007) // PML4[256] -> PDPT
	binary.LittleEndian.PutUint64(img[0x2000:], 0x3007)       // PDPT[0] -> PD
	binary.LittleEndian.PutUint64(img[0x3000:], 0x4007)       // PD[0]   -> PT
	binary.LittleEndian.PutUint64(img[0x4000:], 0x5007)       // PT[0]   -> PA 0x5000
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX64(cache)

	m, err := w.BuildPteMap(context.Background(), 0x1000, false)
	if err != nil {
		t.Fatalf("BuildPteMap: %v", err)
	}
	if len(m.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(m.Entries))
	}
	if want := uint64(0xFFFF800000000000); m.Entries[0].VaBase != want {
		t.Fatalf("VaBase = 0x%x, want 0x%x", m.Entries[0].VaBase, want)
	}

	rev, err := w.Phys2VirtGetInformation(0x1000, false, 0x5000, 16)
	if err != nil {
		t.Fatalf("Phys2VirtGetInformation: %v", err)
	}
	if len(rev.VAs) != 1 || rev.VAs[0] != m.Entries[0].VaBase {
		t.Fatalf("reverse scan %v disagrees with the map base 0x%x", rev.VAs, m.Entries[0].VaBase)
	}
}

func TestX64Phys2VirtFindsMatch(t *testing.T) {
	img := make([]byte, 0x6000)
	binary.LittleEndian.PutUint64(img[0x1000+8*1:], 0x2007)
	binary.LittleEndian.PutUint64(img[0x2000+8*2:], 0x3007)
	binary.LittleEndian.PutUint64(img[0x3000+8*3:], 0x4007)
	binary.LittleEndian.PutUint64(img[0x4000+8*4:], 0x5007)
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX64(cache)

	info, err := w.Phys2VirtGetInformation(0x1000, false, 0x5123, 16)
	if err != nil {
		t.Fatalf("Phys2VirtGetInformation: %v", err)
	}
	want := uint64(1)<<39 | uint64(2)<<30 | uint64(3)<<21 | uint64(4)<<12 | 0x123
	if len(info.VAs) != 1 || info.VAs[0] != want {
		t.Fatalf("VAs = %v, want [0x%x]", info.VAs, want)
	}
}

func TestX64FourLevelTranslation(t *testing.T) {
	img := make([]byte, 0x6000)
	binary.LittleEndian.PutUint64(img[0x1000+8*1:], 0x2007)  // PML4[1] -> PDPT at 0x2000
	binary.LittleEndian.PutUint64(img[0x2000+8*2:], 0x3007)  // PDPT[2] -> PD at 0x3000
	binary.LittleEndian.PutUint64(img[0x3000+8*3:], 0x4007)  // PD[3]   -> PT at 0x4000
	binary.LittleEndian.PutUint64(img[0x4000+8*4:], 0x5007)  // PT[4]   -> PA 0x5000
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX64(cache)

	va := uint64(1)<<39 | uint64(2)<<30 | uint64(3)<<21 | uint64(4)<<12 | 0x77
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x5077 {
		t.Fatalf("pa = 0x%x, want 0x5077", pa)
	}
}

func TestX64LargePage2MiB(t *testing.T) {
	img := make([]byte, 0x4000)
	binary.LittleEndian.PutUint64(img[0x1000+8*1:], 0x2007)
	binary.LittleEndian.PutUint64(img[0x2000+8*2:], 0x3007)
	binary.LittleEndian.PutUint64(img[0x3000+8*3:], 0x00600000|0x87) // PS bit set, 2 MiB page
	cache := phys.NewTlbCache(phys.NewBytesSource(img))
	w := NewX64(cache)

	va := uint64(1)<<39 | uint64(2)<<30 | uint64(3)<<21 | 0x1234
	pa, err := w.Virt2Phys(0x1000, va, false)
	if err != nil {
		t.Fatalf("Virt2Phys: %v", err)
	}
	if pa != 0x00601234 {
		t.Fatalf("pa = 0x%x, want 0x00601234", pa)
	}
}
