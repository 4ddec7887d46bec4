package protopte

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/vmmcore/internal/phys"
	"github.com/tinyrange/vmmcore/internal/vad"
	"github.com/tinyrange/vmmcore/internal/vadspider"
)

// sparsePageSource mirrors vadspider's test double: individually
// allocated 4 KiB pages so kernel-VA-range addresses don't require a
// multi-gigabyte contiguous image.
type sparsePageSource struct {
	pages map[uint64]*[phys.PageSize]byte
}

func newSparsePageSource() *sparsePageSource {
	return &sparsePageSource{pages: make(map[uint64]*[phys.PageSize]byte)}
}

func (s *sparsePageSource) pageFor(base uint64) *[phys.PageSize]byte {
	p, ok := s.pages[base]
	if !ok {
		p = &[phys.PageSize]byte{}
		s.pages[base] = p
	}
	return p
}

func (s *sparsePageSource) put(addr uint64, data []byte) {
	for len(data) > 0 {
		base := addr &^ uint64(phys.PageSize-1)
		n := copy(s.pageFor(base)[addr-base:], data)
		data = data[n:]
		addr += uint64(n)
	}
}

func (s *sparsePageSource) ReadAt(p []byte, off int64) (int, error) {
	base := uint64(off) &^ uint64(phys.PageSize-1)
	page := s.pageFor(base)
	n := copy(p, page[uint64(off)-base:])
	return n, nil
}

func (s *sparsePageSource) Size() uint64 { return 0 }

// TestPoolHeaderSniff64: 64-bit Win10, an array VA ending in 0x00C;
// the preceding 12 bytes hold 'MmSt' at offset 0. The cache must be
// populated with the bytes starting at the array VA, header stripped.
func TestPoolHeaderSniff64(t *testing.T) {
	const protoPte = uint64(0xFFFF80001000100C)
	src := newSparsePageSource()

	hdrAndData := make([]byte, 12+16)
	copy(hdrAndData, "MmSt")
	for i := 0; i < 16; i++ {
		hdrAndData[12+i] = byte(0xA0 + i)
	}
	src.put(protoPte-12, hdrAndData)

	c := New(phys.NewTlbCache(src), vadspider.Bits64, 19041)
	e := &vad.Entry{VaStart: 0x400000, VaEnd: 0x401FFF, VaProtoPte: protoPte, CbProtoPte: 16}

	arr, ok := c.Get(e)
	if !ok {
		t.Fatalf("Get failed, want populated cache")
	}
	if len(arr) != 16 {
		t.Fatalf("len(arr) = %d, want 16 (header stripped)", len(arr))
	}
	for i, b := range arr {
		if b != byte(0xA0+i) {
			t.Fatalf("arr[%d] = 0x%x, want 0x%x", i, b, 0xA0+i)
		}
	}
}

func TestPoolHeaderSniffRejectsWrongTag(t *testing.T) {
	const protoPte = uint64(0xFFFF80001000100C)
	src := newSparsePageSource()
	hdr := make([]byte, 12+16)
	copy(hdr, "XxXx")
	src.put(protoPte-12, hdr)

	c := New(phys.NewTlbCache(src), vadspider.Bits64, 19041)
	e := &vad.Entry{VaStart: 0x400000, VaEnd: 0x401FFF, VaProtoPte: protoPte, CbProtoPte: 16}
	if _, ok := c.Get(e); ok {
		t.Fatalf("Get accepted an array with a bad pool tag")
	}
}

func TestPageAlignedArrayHasNoHeader(t *testing.T) {
	const protoPte = uint64(0xFFFF800010002000)
	src := newSparsePageSource()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x1234567890ABCDEF)
	src.put(protoPte, data)

	c := New(phys.NewTlbCache(src), vadspider.Bits64, 19041)
	e := &vad.Entry{VaStart: 0x500000, VaEnd: 0x500FFF, VaProtoPte: protoPte, CbProtoPte: 8}
	arr, ok := c.Get(e)
	if !ok {
		t.Fatalf("Get failed for a page-aligned array")
	}
	if got := binary.LittleEndian.Uint64(arr); got != 0x1234567890ABCDEF {
		t.Fatalf("arr = 0x%x", got)
	}
}

func TestProtoPteOfIndexesByPage(t *testing.T) {
	const protoPte = uint64(0xFFFF800010003000)
	src := newSparsePageSource()
	arr := make([]byte, 4*8)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(arr[i*8:], uint64(0x1000*(i+1))|1)
	}
	src.put(protoPte, arr)

	c := New(phys.NewTlbCache(src), vadspider.Bits64, 19041)
	m := vad.NewMap()
	e := &vad.Entry{VaStart: 0x600000, VaEnd: 0x603FFF, VaProtoPte: protoPte, CbProtoPte: 4 * 8}
	m.Insert(e, 8)

	v, in := ProtoPteOf(c, m, 0x602123)
	if !in {
		t.Fatalf("in_range = false, want true")
	}
	if want := uint64(0x3000 | 1); v != want {
		t.Fatalf("proto pte = 0x%x, want 0x%x", v, want)
	}

	// A VA outside any VAD is not in range.
	if _, in := ProtoPteOf(c, m, 0x900000); in {
		t.Fatalf("expected in_range=false outside the map")
	}

	// Inside the VAD but past the array: zero value, still in range.
	e2 := &vad.Entry{VaStart: 0x700000, VaEnd: 0x707FFF, VaProtoPte: protoPte, CbProtoPte: 8}
	m.Insert(e2, 8)
	v, in = ProtoPteOf(c, m, 0x705000)
	if !in || v != 0 {
		t.Fatalf("out-of-array lookup = (0x%x, %v), want (0, true)", v, in)
	}
}

func TestClampSizeRecomputes(t *testing.T) {
	cb, ok := clampSize(MaxArraySize+1, 16, 8)
	if !ok || cb != 16*8 {
		t.Fatalf("clampSize = (%d, %v), want (128, true)", cb, ok)
	}
	if _, ok := clampSize(MaxArraySize+1, 0x10000, 8); ok {
		t.Fatalf("expected give-up when the recomputed size still exceeds the cap")
	}
}

func TestWarmMapRunsOnce(t *testing.T) {
	const protoPte = uint64(0xFFFF800010004000)
	src := newSparsePageSource()
	src.put(protoPte, make([]byte, 8))

	c := New(phys.NewTlbCache(src), vadspider.Bits64, 19041)
	m := vad.NewMap()
	e := &vad.Entry{VaStart: 0x800000, VaEnd: 0x800FFF, VaProtoPte: protoPte, CbProtoPte: 8}
	m.Insert(e, 8)

	c.WarmMap(context.Background(), m)
	c.mu.RLock()
	_, cached := c.arrays[protoPte]
	c.mu.RUnlock()
	if !cached {
		t.Fatalf("WarmMap did not cache the small array")
	}
	// Second call is a no-op rather than a re-fetch.
	c.WarmMap(context.Background(), m)
}
