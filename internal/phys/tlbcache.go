package phys

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PageSize is the 4 KiB granularity every page-table cache line is read
// at, regardless of the walker's leaf page size.
const PageSize = 4096

// Page is a single cached page-table page. Multiple walker/spider
// goroutines may hold the same page concurrently; the cache itself
// keeps the entry resident until invalidated.
type Page struct {
	PA   uint64
	Data [PageSize]byte
}

// TlbCache is the page-table cache behind TlbGetPageTable/TlbPrefetch.
// It is process-global: page-table pages are addressed by physical
// address only and are equally valid cached for any process walking
// the same tables.
type TlbCache struct {
	src Source

	mu    sync.RWMutex
	pages map[uint64]*Page
}

// NewTlbCache constructs a cache reading 4 KiB lines from src.
func NewTlbCache(src Source) *TlbCache {
	return &TlbCache{src: src, pages: make(map[uint64]*Page)}
}

// get returns the cached page at the page-aligned address pa, if present.
func (c *TlbCache) get(pa uint64) (*Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pages[pa]
	return p, ok
}

func (c *TlbCache) put(pa uint64, p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[pa] = p
}

// TlbGetPageTable returns the cached 4 KiB page at pa (page-aligned),
// reading through to the physical source on a miss. With FlagForceCache
// a miss is ErrReadFailed instead; with FlagNoCache the cache is neither
// consulted nor filled and the page is always re-read.
func (c *TlbCache) TlbGetPageTable(pa uint64, flags ReadFlags) (*Page, error) {
	pa &^= uint64(PageSize - 1)
	noCache := flags.Has(FlagNoCache)
	if !noCache {
		if p, ok := c.get(pa); ok {
			return p, nil
		}
	}
	if flags.Has(FlagForceCache) {
		return nil, ErrReadFailed
	}
	p := &Page{PA: pa}
	if err := Read(c.src, pa, p.Data[:]); err != nil {
		return nil, err
	}
	if !noCache {
		c.put(pa, p)
	}
	return p, nil
}

// TlbPrefetch bulk-reads every page in addrs that is not already
// cached, concurrently, and populates the cache. One call here replaces
// up to len(addrs) serialized physical reads with a single batch of
// concurrent ones.
//
// TlbPrefetch does not retain or mutate addrs, so the caller's own
// address set can keep changing once the call returns.
func (c *TlbCache) TlbPrefetch(ctx context.Context, addrs []uint64) {
	if len(addrs) == 0 {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, pa := range addrs {
		pa := pa &^ uint64(PageSize-1)
		if _, ok := c.get(pa); ok {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			p := &Page{PA: pa}
			if err := Read(c.src, pa, p.Data[:]); err != nil {
				// Best-effort: a prefetch miss just means this address
				// isn't warmed; the caller's own read will retry and
				// may fail cleanly later. Never fail the whole batch.
				return nil
			}
			c.put(pa, p)
			return nil
		})
	}
	_ = g.Wait()
}

// ReadThrough fills buf from the cache, spanning however many 4 KiB
// pages buf's range crosses starting at pa. Used by callers whose reads
// aren't page-aligned or page-sized (VAD nodes, control areas, file
// objects), unlike TlbGetPageTable's fixed 4 KiB granularity. When
// forceCache is true a cache miss on any spanned page is ErrReadFailed
// rather than triggering a physical read, which is what the spider's
// second-chance pass relies on.
func (c *TlbCache) ReadThrough(pa uint64, buf []byte, forceCache bool) error {
	if len(buf) == 0 {
		return nil
	}
	var flags ReadFlags
	if forceCache {
		flags = FlagForceCache
	}
	remaining := buf
	cur := pa
	for len(remaining) > 0 {
		pageBase := cur &^ uint64(PageSize-1)
		page, err := c.TlbGetPageTable(pageBase, flags)
		if err != nil {
			return err
		}
		off := int(cur - pageBase)
		n := copy(remaining, page.Data[off:])
		remaining = remaining[n:]
		cur += uint64(n)
	}
	return nil
}

// Invalidate drops every cached page. engine.Context.Close calls it on
// shutdown; a caller that knows the image's page tables changed can
// call it too.
func (c *TlbCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make(map[uint64]*Page)
}
