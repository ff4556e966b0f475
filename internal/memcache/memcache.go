// Package memcache is an in-memory cache.PageCache, used for ephemeral
// trees and by most of this module's tests. It generalizes the teacher's
// ParentBufMgrDummy/ParentPageDummy (parent_buf_mgr_dummy.go,
// parent_page_dummy.go) — a single sync.Map of fixed 4 KiB pages with no
// file concept — into the richer multi-file, many-pages-per-file contract
// cache.PageCache requires. Page bytes live as plain Go slices rather than
// memfile-backed storage directly, since pages are pinned and mutated
// concurrently and memfile's single contiguous buffer would force a
// realloc-and-invalidate on every growth; memfile instead backs Snapshot,
// which serializes a file's current pages into one addressable in-memory
// file, e.g. for handing off to a component that wants an io.ReaderAt.
package memcache

import (
	"context"
	"sync"

	"github.com/dsnet/golib/memfile"

	"github.com/bonsaikv/bonsai/cache"
)

type page struct {
	latch    sync.RWMutex // held across AcquireSharedLatch/AcquireExclusiveLatch
	meta     sync.Mutex   // guards pinCount/dirty, independent of latch
	data     []byte
	pinCount int32
	dirty    bool
	changes  *changeSet
}

type changeSet struct {
	mu      sync.Mutex
	deltas  int
}

func (c *changeSet) RecordDelta(offset int, before, after []byte) {
	c.mu.Lock()
	c.deltas++
	c.mu.Unlock()
}

type file struct {
	mu    sync.Mutex
	name  string
	pages []*page
}

// Cache is an in-memory, multi-file page cache.
type Cache struct {
	mu       sync.Mutex
	pageSize int64
	byName   map[string]cache.FileID
	files    map[cache.FileID]*file
	nextID   cache.FileID
}

// New returns a ready-to-use in-memory cache with the given page size.
func New(pageSize int64) *Cache {
	return &Cache{
		pageSize: pageSize,
		byName:   make(map[string]cache.FileID),
		files:    make(map[cache.FileID]*file),
	}
}

func (c *Cache) AddFile(name string) (cache.FileID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; ok {
		return 0, &cacheError{"AddFile", "file already exists: " + name}
	}
	c.nextID++
	id := c.nextID
	c.byName[name] = id
	c.files[id] = &file{name: name}
	return id, nil
}

func (c *Cache) OpenFile(name string) (cache.FileID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byName[name]
	if !ok {
		return 0, &cacheError{"OpenFile", "no such file: " + name}
	}
	return id, nil
}

func (c *Cache) IsFileExists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byName[name]
	return ok
}

func (c *Cache) CloseFile(id cache.FileID, flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return &cacheError{"CloseFile", "unknown file id"}
	}
	delete(c.files, id)
	delete(c.byName, f.name)
	return nil
}

// FlushFile clears the dirty flag on every page of id. There is no
// backing store to write through to here, so nothing else happens; it
// exists so Tree.Flush can call the same method on any cache.
func (c *Cache) FlushFile(ctx context.Context, id cache.FileID) error {
	f, err := c.getFile(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pages {
		p.meta.Lock()
		p.dirty = false
		p.meta.Unlock()
	}
	return nil
}

func (c *Cache) getFile(id cache.FileID) (*file, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[id]
	if !ok {
		return nil, &cacheError{"getFile", "unknown file id"}
	}
	return f, nil
}

func (c *Cache) LoadPage(ctx context.Context, id cache.FileID, pageIndex int64, checkPin bool) (cache.PinnedPage, error) {
	f, err := c.getFile(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pageIndex < 0 || pageIndex >= int64(len(f.pages)) {
		return nil, &cacheError{"LoadPage", "page index out of range"}
	}
	p := f.pages[pageIndex]
	p.meta.Lock()
	p.pinCount++
	p.meta.Unlock()
	return &pinnedPage{fileID: id, index: pageIndex, page: p}, nil
}

func (c *Cache) AddPage(ctx context.Context, id cache.FileID) (cache.PinnedPage, error) {
	f, err := c.getFile(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &page{data: make([]byte, c.pageSize), changes: &changeSet{}}
	f.pages = append(f.pages, p)
	idx := int64(len(f.pages) - 1)
	p.meta.Lock()
	p.pinCount++
	p.meta.Unlock()
	return &pinnedPage{fileID: id, index: idx, page: p}, nil
}

func (c *Cache) ReleasePage(p cache.PinnedPage) error {
	pp, ok := p.(*pinnedPage)
	if !ok {
		return &cacheError{"ReleasePage", "not a memcache page"}
	}
	pp.page.meta.Lock()
	pp.page.pinCount--
	pp.page.meta.Unlock()
	return nil
}

func (c *Cache) FilledUpTo(id cache.FileID) (int64, error) {
	f, err := c.getFile(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.pages)), nil
}

// Snapshot serializes file name's current pages, in order, into one
// memfile-backed in-memory file and returns its bytes.
func (c *Cache) Snapshot(name string) ([]byte, error) {
	c.mu.Lock()
	id, ok := c.byName[name]
	c.mu.Unlock()
	if !ok {
		return nil, &cacheError{"Snapshot", "no such file: " + name}
	}
	f, err := c.getFile(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, int64(len(f.pages))*c.pageSize)
	mf := memfile.New(buf)
	for i, p := range f.pages {
		p.latch.RLock()
		mf.WriteAt(p.data, int64(i)*c.pageSize)
		p.latch.RUnlock()
	}
	return mf.Bytes(), nil
}

type pinnedPage struct {
	fileID cache.FileID
	index  int64
	page   *page
}

func (p *pinnedPage) FileID() cache.FileID  { return p.fileID }
func (p *pinnedPage) PageIndex() int64      { return p.index }
func (p *pinnedPage) Bytes() []byte         { return p.page.data }
func (p *pinnedPage) Changes() cache.ChangeSet { return p.page.changes }

func (p *pinnedPage) MarkDirty() {
	p.page.meta.Lock()
	p.page.dirty = true
	p.page.meta.Unlock()
}

func (p *pinnedPage) AcquireSharedLatch()    { p.page.latch.RLock() }
func (p *pinnedPage) ReleaseSharedLatch()    { p.page.latch.RUnlock() }
func (p *pinnedPage) AcquireExclusiveLatch() { p.page.latch.Lock() }
func (p *pinnedPage) ReleaseExclusiveLatch() { p.page.latch.Unlock() }

type cacheError struct {
	op  string
	msg string
}

func (e *cacheError) Error() string { return "memcache: " + e.op + ": " + e.msg }
