package phys

import (
	"context"
	"errors"
	"testing"
)

func TestBytesSourceReadExact(t *testing.T) {
	img := make([]byte, 0x2000)
	for i := range img {
		img[i] = byte(i)
	}
	src := NewBytesSource(img)
	buf := make([]byte, 16)
	if err := Read(src, 0x1000, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range buf {
		if b != byte(0x1000+i) {
			t.Fatalf("buf[%d] = %d, want %d", i, b, byte(0x1000+i))
		}
	}
}

func TestReadOutOfRange(t *testing.T) {
	src := NewBytesSource(make([]byte, 0x1000))
	buf := make([]byte, 16)
	if err := Read(src, 0x1ff8, buf); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Read = %v, want ErrOutOfRange", err)
	}
}

func TestReadShortReadIsFailure(t *testing.T) {
	src := NewBytesSource(make([]byte, 10))
	buf := make([]byte, 4)
	// src's known size would reject this read in the bounds pre-check;
	// src2 reports Size() == 0 (unknown), so the read reaches the source
	// and the short read itself must be reported as a failure.
	src2 := &byteSource{r: bytesReaderAt{make([]byte, 10)}, size: 0}
	if err := Read(src2, 8, buf); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("Read = %v, want ErrReadFailed", err)
	}
	_ = src
}

func TestTlbCacheReadThrough(t *testing.T) {
	img := make([]byte, 0x4000)
	img[PageSize] = 0x42
	c := NewTlbCache(NewBytesSource(img))
	p, err := c.TlbGetPageTable(PageSize, 0)
	if err != nil {
		t.Fatalf("TlbGetPageTable: %v", err)
	}
	if p.Data[0] != 0x42 {
		t.Fatalf("p.Data[0] = %d, want 0x42", p.Data[0])
	}
	if p.PA != PageSize {
		t.Errorf("p.PA = 0x%x, want 0x%x", p.PA, PageSize)
	}
}

func TestTlbCacheForceCacheMiss(t *testing.T) {
	c := NewTlbCache(NewBytesSource(make([]byte, 0x4000)))
	_, err := c.TlbGetPageTable(PageSize, FlagForceCache)
	if !errors.Is(err, ErrReadFailed) {
		t.Fatalf("TlbGetPageTable with FlagForceCache on a miss = %v, want ErrReadFailed", err)
	}
}

func TestTlbPrefetchPopulatesCache(t *testing.T) {
	img := make([]byte, 0x10000)
	c := NewTlbCache(NewBytesSource(img))
	addrs := []uint64{0x1000, 0x3000, 0x5000}
	c.TlbPrefetch(context.Background(), addrs)
	for _, pa := range addrs {
		if _, err := c.TlbGetPageTable(pa, FlagForceCache); err != nil {
			t.Errorf("page 0x%x not prefetched: %v", pa, err)
		}
	}
}

func TestTlbCacheReadThroughCrossesPageBoundary(t *testing.T) {
	img := make([]byte, 0x3000)
	for i := range img {
		img[i] = byte(i)
	}
	c := NewTlbCache(NewBytesSource(img))
	buf := make([]byte, 32)
	if err := c.ReadThrough(PageSize-16, buf, false); err != nil {
		t.Fatalf("ReadThrough: %v", err)
	}
	for i, b := range buf {
		want := byte(PageSize - 16 + i)
		if b != want {
			t.Fatalf("buf[%d] = %d, want %d", i, b, want)
		}
	}
}

func TestTlbCacheInvalidate(t *testing.T) {
	c := NewTlbCache(NewBytesSource(make([]byte, 0x4000)))
	if _, err := c.TlbGetPageTable(0, 0); err != nil {
		t.Fatalf("TlbGetPageTable: %v", err)
	}
	c.Invalidate()
	if _, err := c.TlbGetPageTable(0, FlagForceCache); !errors.Is(err, ErrReadFailed) {
		t.Fatalf("expected cache miss after Invalidate, got %v", err)
	}
}
