// Package cache declares the page-cache and change-set interfaces the
// bonsai tree engine consumes but does not implement (spec.md §1, §6: the
// page cache is an external collaborator, specified only through the
// interface the core uses). It generalizes the teacher's
// interfaces.ParentBufMgr / interfaces.ParentPage split (a two-method pin/
// fetch surface over one fixed 4 KiB page) into the richer file-oriented
// contract the spec requires: multiple named files, page add/load/release,
// per-page shared/exclusive latches, and a change-tracker handle bound to
// each pinned page.
package cache

import "context"

// PageCache is the interface the engine's allocator and bucket codec
// consume for all durable storage. Two implementations ship with this
// module: internal/memcache (an in-memory pool, for ephemeral trees and
// most tests) and internal/diskcache (a real direct-I/O backed pager).
// Both are deliberately outside this package's import graph — callers
// wire a concrete cache at construction time, exactly as the teacher's
// BufMgr is handed a ParentBufMgr rather than owning one.
type PageCache interface {
	// AddFile registers a new named file and returns its id. Calling it
	// twice for the same name is an error — use OpenFile to attach to an
	// already-registered file.
	AddFile(name string) (FileID, error)
	// OpenFile attaches to a previously added file by name.
	OpenFile(name string) (FileID, error)
	// IsFileExists reports whether name has ever been added.
	IsFileExists(name string) bool
	// CloseFile releases a file id. If flush is true, dirty pages are
	// written back before the id becomes invalid.
	CloseFile(id FileID, flush bool) error
	// FlushFile writes back every dirty page belonging to file id without
	// closing it, for a caller that wants durability at a point in time
	// without giving up the file handle (spec.md §6's exposed `flush()`).
	FlushFile(ctx context.Context, id FileID) error

	// LoadPage pins and returns the page at (id, pageIndex). checkPin
	// mirrors the teacher's loadIt flag: when true the page's prior
	// contents are read through from the backing store; when false the
	// caller is about to overwrite it in full (e.g. a freshly allocated
	// page) and a read would be wasted work.
	LoadPage(ctx context.Context, id FileID, pageIndex int64, checkPin bool) (PinnedPage, error)
	// AddPage appends a brand-new page to file id and returns it pinned.
	// The very first AddPage call against a freshly added file must
	// return page index 0 (spec.md §6) — the system bucket's home.
	AddPage(ctx context.Context, id FileID) (PinnedPage, error)
	// ReleasePage unpins a page obtained from LoadPage or AddPage. It
	// does not release any latch still held on the page — callers must
	// release latches first.
	ReleasePage(p PinnedPage) error
	// FilledUpTo returns the number of pages currently allocated in file
	// id, used by the allocator to compute the free-list ratio and the
	// index of a page it appends.
	FilledUpTo(id FileID) (int64, error)
}

// FileID is an opaque per-file handle returned by AddFile/OpenFile.
type FileID int64

// PinnedPage is a page pinned in memory by the cache. The engine holds at
// most a handful of these at once (search path plus the at-most-three
// latches a split can hold concurrently, per spec.md §5).
type PinnedPage interface {
	// FileID reports which file this page belongs to.
	FileID() FileID
	// PageIndex reports the page's position within its file.
	PageIndex() int64
	// Bytes exposes the page's raw backing storage. Buckets are carved
	// out of fixed-offset slices of this buffer by the engine; the cache
	// never interprets its contents.
	Bytes() []byte

	// AcquireSharedLatch / AcquireExclusiveLatch take the page's latch in
	// the requested mode; the matching Release call must be made by the
	// same goroutine before the page is released back to the cache.
	AcquireSharedLatch()
	AcquireExclusiveLatch()
	ReleaseSharedLatch()
	ReleaseExclusiveLatch()

	// Changes returns the change-tracker handle bound to this page, used
	// by the bucket codec to journal every mutation as a delta (spec.md
	// §4.1). The cache (or its WAL integration) consumes these deltas on
	// commit and replays them on crash recovery; the engine never
	// inspects them once recorded.
	Changes() ChangeSet
	// MarkDirty flags the page as having unflushed mutations.
	MarkDirty()
}

// ChangeSet is the per-page delta journal a pinned page exposes. It is
// intentionally narrow: the engine only ever appends whole-page snapshots
// or byte-range deltas, never reads them back — recovery and replay belong
// to the WAL/atomic-operation manager this spec places out of scope
// (spec.md §1, §7).
type ChangeSet interface {
	// RecordDelta appends a byte-range mutation: offset/before/after let
	// a WAL implementation produce either a redo or an undo record.
	RecordDelta(offset int, before, after []byte)
}
