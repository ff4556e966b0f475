// Package diskcache is a real disk-backed cache.PageCache, using
// O_DIRECT-aligned I/O via github.com/ncw/directio so page reads/writes
// bypass the kernel's page cache — appropriate for a storage engine that
// already does its own buffering. The teacher's bufmgr.go pages an
// os.File in fixed BtId-width frames through a bounded in-memory pool with
// an LRU-ish eviction scheme (PageIn/PageOut); this package keeps the
// aligned-I/O half of that design but, for this module's scope, keeps
// every loaded page resident rather than evicting — a real deployment
// would want bufmgr.go's bounded pool back, but that is an orthogonal
// concern from the bucket layout and split logic this module is about.
package diskcache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ncw/directio"

	"github.com/bonsaikv/bonsai/cache"
)

type changeSet struct {
	mu     sync.Mutex
	deltas int
}

func (c *changeSet) RecordDelta(offset int, before, after []byte) {
	c.mu.Lock()
	c.deltas++
	c.mu.Unlock()
}

type page struct {
	latch    sync.RWMutex
	meta     sync.Mutex
	data     []byte
	pinCount int32
	dirty    bool
	changes  *changeSet
}

type file struct {
	mu       sync.Mutex
	name     string
	f        *os.File
	numPages int64
	pages    map[int64]*page
}

// Cache is a directio-backed, multi-file page cache rooted at one base
// directory on disk.
type Cache struct {
	mu       sync.Mutex
	baseDir  string
	pageSize int64
	byName   map[string]cache.FileID
	files    map[cache.FileID]*file
	nextID   cache.FileID
}

// New returns a disk-backed cache rooted at baseDir, using pageSize-byte
// pages. pageSize must be a multiple of directio.AlignSize.
func New(baseDir string, pageSize int64) *Cache {
	return &Cache{
		baseDir:  baseDir,
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
	path := filepath.Join(c.baseDir, name)
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, &cacheError{"AddFile", err.Error()}
	}
	c.nextID++
	id := c.nextID
	c.byName[name] = id
	c.files[id] = &file{name: name, f: f, pages: make(map[int64]*page)}
	return id, nil
}

func (c *Cache) OpenFile(name string) (cache.FileID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byName[name]; ok {
		return id, nil
	}
	path := filepath.Join(c.baseDir, name)
	f, err := directio.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return 0, &cacheError{"OpenFile", err.Error()}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, &cacheError{"OpenFile", err.Error()}
	}
	c.nextID++
	id := c.nextID
	c.byName[name] = id
	c.files[id] = &file{
		name:     name,
		f:        f,
		numPages: info.Size() / c.pageSize,
		pages:    make(map[int64]*page),
	}
	return id, nil
}

func (c *Cache) IsFileExists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[name]; ok {
		return true
	}
	_, err := os.Stat(filepath.Join(c.baseDir, name))
	return err == nil
}

func (c *Cache) CloseFile(id cache.FileID, flush bool) error {
	c.mu.Lock()
	f, ok := c.files[id]
	if !ok {
		c.mu.Unlock()
		return &cacheError{"CloseFile", "unknown file id"}
	}
	delete(c.files, id)
	delete(c.byName, f.name)
	c.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if flush {
		if err := c.flushFileLocked(f); err != nil {
			return err
		}
	}
	return f.f.Close()
}

// FlushFile writes back every dirty page of id and fsyncs the backing
// file, without closing it.
func (c *Cache) FlushFile(ctx context.Context, id cache.FileID) error {
	f, err := c.getFile(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return c.flushFileLocked(f)
}

func (c *Cache) flushFileLocked(f *file) error {
	for idx, p := range f.pages {
		if err := c.flushLocked(f, idx, p); err != nil {
			return err
		}
	}
	if err := f.f.Sync(); err != nil {
		return &cacheError{"FlushFile", err.Error()}
	}
	return nil
}

func (c *Cache) flushLocked(f *file, idx int64, p *page) error {
	p.meta.Lock()
	dirty := p.dirty
	p.meta.Unlock()
	if !dirty {
		return nil
	}
	if _, err := f.f.WriteAt(p.data, idx*c.pageSize); err != nil {
		return &cacheError{"flush", err.Error()}
	}
	p.meta.Lock()
	p.dirty = false
	p.meta.Unlock()
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
	if pageIndex < 0 || pageIndex >= f.numPages {
		return nil, &cacheError{"LoadPage", "page index out of range"}
	}
	if p, ok := f.pages[pageIndex]; ok {
		p.meta.Lock()
		p.pinCount++
		p.meta.Unlock()
		return &pinnedPage{fileID: id, index: pageIndex, page: p}, nil
	}

	block := directio.AlignedBlock(int(c.pageSize))
	if checkPin {
		if _, err := f.f.ReadAt(block, pageIndex*c.pageSize); err != nil && err != io.EOF {
			return nil, &cacheError{"LoadPage", err.Error()}
		}
	}
	p := &page{data: block, changes: &changeSet{}, pinCount: 1}
	f.pages[pageIndex] = p
	return &pinnedPage{fileID: id, index: pageIndex, page: p}, nil
}

func (c *Cache) AddPage(ctx context.Context, id cache.FileID) (cache.PinnedPage, error) {
	f, err := c.getFile(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.numPages
	block := directio.AlignedBlock(int(c.pageSize))
	if _, err := f.f.WriteAt(block, idx*c.pageSize); err != nil {
		return nil, &cacheError{"AddPage", err.Error()}
	}
	f.numPages++
	p := &page{data: block, changes: &changeSet{}, pinCount: 1}
	f.pages[idx] = p
	return &pinnedPage{fileID: id, index: idx, page: p}, nil
}

func (c *Cache) ReleasePage(pp cache.PinnedPage) error {
	p, ok := pp.(*pinnedPage)
	if !ok {
		return &cacheError{"ReleasePage", "not a diskcache page"}
	}
	f, err := c.getFile(p.fileID)
	if err != nil {
		return err
	}
	p.page.meta.Lock()
	p.page.pinCount--
	dirty := p.page.dirty
	p.page.meta.Unlock()
	if dirty {
		f.mu.Lock()
		err := c.flushLocked(f, p.index, p.page)
		f.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) FilledUpTo(id cache.FileID) (int64, error) {
	f, err := c.getFile(id)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages, nil
}

type pinnedPage struct {
	fileID cache.FileID
	index  int64
	page   *page
}

func (p *pinnedPage) FileID() cache.FileID     { return p.fileID }
func (p *pinnedPage) PageIndex() int64         { return p.index }
func (p *pinnedPage) Bytes() []byte            { return p.page.data }
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

func (e *cacheError) Error() string { return "diskcache: " + e.op + ": " + e.msg }
