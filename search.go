package bonsai

import (
	"context"

	"github.com/bonsaikv/bonsai/cache"
)

// pathStep is one hop on the root-to-leaf descent: the bucket visited and,
// for every step but the last, which entry's child pointer was followed.
type pathStep struct {
	ptr        BucketPointer
	page       cache.PinnedPage
	bucket     *Bucket
	childIsLeft bool // true if we followed entries[childIndex].Left
	childIndex int
}

// BucketSearchResult is find_bucket's output (spec.md §4.1): the leaf
// bucket a key belongs in, the index Find(key) reported within it, and —
// for write callers — the full ancestor path so a split can walk back up
// without re-searching.
type BucketSearchResult struct {
	Path   []pathStep
	Leaf   *Bucket
	Page   cache.PinnedPage
	Ptr    BucketPointer
	Index  int // result of Leaf.Find(key): >=0 exact match, else -(insertion)-1
}

// Release unlatches and unpins every page this result still holds, leaf
// included. Write callers call this only after any split they performed
// has finished touching the path.
func (r *BucketSearchResult) Release(pc cache.PageCache, mode LatchMode) {
	if r.Page != nil {
		if mode == SharedLatch {
			r.Page.ReleaseSharedLatch()
		} else {
			r.Page.ReleaseExclusiveLatch()
		}
		pc.ReleasePage(r.Page)
	}
	for i := len(r.Path) - 1; i >= 0; i-- {
		s := r.Path[i]
		if mode == SharedLatch {
			s.page.ReleaseSharedLatch()
		} else {
			s.page.ReleaseExclusiveLatch()
		}
		pc.ReleasePage(s.page)
	}
}

// childPointer picks which of a branch bucket's child pointers a key
// descends into. An exact match against a separator key routes right,
// since the right child of entry i holds keys >= that separator and the
// left child holds keys strictly less — the same convention entries share
// at their boundary (spec.md §3: entry i's right_child == entry i+1's
// left_child).
func childPointer(b *Bucket, key []byte) (ptr BucketPointer, isLeft bool, idx int) {
	i := b.Find(key)
	if i >= 0 {
		return b.GetEntry(i).Right, false, i
	}
	ins := -i - 1
	if ins == 0 {
		return b.GetEntry(0).Left, true, 0
	}
	return b.GetEntry(ins - 1).Right, false, ins - 1
}

func pinBucketAt(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, ptr BucketPointer) (cache.PinnedPage, *Bucket, error) {
	page, err := pc.LoadPage(ctx, fileID, ptr.PageIndex, true)
	if err != nil {
		return nil, nil, storageErr("findBucket", err)
	}
	start := int(ptr.PageOffset)
	data := page.Bytes()[start : start+cfg.MaxBucketSizeBytes]
	return page, NewBucket(data, page.Changes()), nil
}

// findBucketShared descends from root to the leaf containing key, taking
// shared latches and releasing each ancestor as soon as its child is
// latched (classic latch coupling), so at most two pages are held shared
// at once. Used by Get and the range-scan operations.
func findBucketShared(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, root BucketPointer, key []byte) (*BucketSearchResult, error) {
	ptr := root
	page, bucket, err := pinBucketAt(ctx, pc, fileID, cfg, ptr)
	if err != nil {
		return nil, err
	}
	page.AcquireSharedLatch()

	for !bucket.IsLeaf() {
		childPtr, isLeft, idx := childPointer(bucket, key)
		childPage, childBucket, err := pinBucketAt(ctx, pc, fileID, cfg, childPtr)
		if err != nil {
			page.ReleaseSharedLatch()
			pc.ReleasePage(page)
			return nil, err
		}
		childPage.AcquireSharedLatch()
		page.ReleaseSharedLatch()
		pc.ReleasePage(page)
		_ = isLeft
		_ = idx
		ptr, page, bucket = childPtr, childPage, childBucket
	}
	return &BucketSearchResult{Leaf: bucket, Page: page, Ptr: ptr, Index: bucket.Find(key)}, nil
}

// findBucketExclusive descends from root to the leaf containing key,
// taking exclusive latches and keeping the entire path pinned so a caller
// performing an insert or remove can walk back up to propagate a split or
// to reconcile sibling pointers, per spec.md §5's at-most-three-concurrent-
// latches-during-split bound (this module holds more than three only when
// the tree is deeper than three levels, which a single in-process writer
// serialized per tree — see Tree.treeLock — never contends against itself for).
func findBucketExclusive(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, root BucketPointer, key []byte) (*BucketSearchResult, error) {
	ptr := root
	page, bucket, err := pinBucketAt(ctx, pc, fileID, cfg, ptr)
	if err != nil {
		return nil, err
	}
	page.AcquireExclusiveLatch()

	var path []pathStep
	for !bucket.IsLeaf() {
		childPtr, isLeft, idx := childPointer(bucket, key)
		childPage, childBucket, err := pinBucketAt(ctx, pc, fileID, cfg, childPtr)
		if err != nil {
			for i := len(path) - 1; i >= 0; i-- {
				path[i].page.ReleaseExclusiveLatch()
				pc.ReleasePage(path[i].page)
			}
			page.ReleaseExclusiveLatch()
			pc.ReleasePage(page)
			return nil, err
		}
		childPage.AcquireExclusiveLatch()
		path = append(path, pathStep{ptr: ptr, page: page, bucket: bucket, childIsLeft: isLeft, childIndex: idx})
		ptr, page, bucket = childPtr, childPage, childBucket
	}
	return &BucketSearchResult{Path: path, Leaf: bucket, Page: page, Ptr: ptr, Index: bucket.Find(key)}, nil
}
