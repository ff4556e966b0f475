package bonsai

import (
	"context"

	"github.com/bonsaikv/bonsai/cache"
)

// Allocator hands out and reclaims bucket slots within one file, following
// the reuse-vs-bump policy of spec.md §4.2: prefer popping a bucket off
// the free list once free_list_length / total_bucket_slots crosses
// Config.FreeSpaceReuseTrigger, otherwise bump-allocate the next never-used
// slot, extending the file with a fresh page when the current one is full.
// The teacher's bufmgr.go never recycles individual node-sized units — a
// BLTree page IS a buffer-pool page, and freed pages are queued for the
// deleter goroutine wholesale — so the reuse/bump split here is grounded in
// spec.md §4.2's own description, generalizing the teacher's single
// PageFree bump counter into two paths.
type Allocator struct {
	pc     cache.PageCache
	fileID cache.FileID
	cfg    Config
}

// NewAllocator returns an Allocator bound to one file.
func NewAllocator(pc cache.PageCache, fileID cache.FileID, cfg Config) *Allocator {
	return &Allocator{pc: pc, fileID: fileID, cfg: cfg}
}

func (a *Allocator) bucketSlice(p cache.PinnedPage, offset uint16) []byte {
	start := int(offset)
	return p.Bytes()[start : start+a.cfg.MaxBucketSizeBytes]
}

func (a *Allocator) pinBucket(ctx context.Context, ptr BucketPointer, checkPin bool) (cache.PinnedPage, *Bucket, error) {
	page, err := a.pc.LoadPage(ctx, a.fileID, ptr.PageIndex, checkPin)
	if err != nil {
		return nil, nil, storageErr("Allocator.pinBucket", err)
	}
	data := a.bucketSlice(page, ptr.PageOffset)
	return page, NewBucket(data, page.Changes()), nil
}

// totalSlots estimates how many bucket slots currently exist in the file,
// used only to compute the free-list-ratio trigger.
func (a *Allocator) totalSlots(ctx context.Context) (uint64, error) {
	pages, err := a.pc.FilledUpTo(a.fileID)
	if err != nil {
		return 0, storageErr("Allocator.totalSlots", err)
	}
	return uint64(pages) * uint64(a.cfg.BucketsPerPage()), nil
}

// Allocate returns a freshly claimed bucket pointer, pinned and latched
// exclusively, along with its (uninitialized) Bucket view. Callers must
// call Bucket.Init before releasing the latch.
func (a *Allocator) Allocate(ctx context.Context, sys *SystemBucket) (BucketPointer, cache.PinnedPage, *Bucket, error) {
	total, err := a.totalSlots(ctx)
	if err != nil {
		return BucketPointer{}, nil, nil, err
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(sys.FreeListLength()) / float64(total)
	}
	if ratio >= a.cfg.FreeSpaceReuseTrigger && sys.FreeListHead().IsValid() {
		return a.allocateFromFreeList(ctx, sys)
	}
	return a.allocateByBump(ctx, sys)
}

func (a *Allocator) allocateFromFreeList(ctx context.Context, sys *SystemBucket) (BucketPointer, cache.PinnedPage, *Bucket, error) {
	head := sys.FreeListHead()
	page, bucket, err := a.pinBucket(ctx, head, true)
	if err != nil {
		return BucketPointer{}, nil, nil, err
	}
	page.AcquireExclusiveLatch()
	next := bucket.FreeListPointer()
	sys.SetFreeListHead(next)
	sys.SetFreeListLength(sys.FreeListLength() - 1)
	page.MarkDirty()
	return head, page, bucket, nil
}

func (a *Allocator) allocateByBump(ctx context.Context, sys *SystemBucket) (BucketPointer, cache.PinnedPage, *Bucket, error) {
	ptr := sys.BumpPointer()
	page, bucket, err := a.pinBucket(ctx, ptr, true)
	if err != nil {
		return BucketPointer{}, nil, nil, err
	}
	page.AcquireExclusiveLatch()

	nextOff := int64(ptr.PageOffset) + int64(a.cfg.MaxBucketSizeBytes)
	next := BucketPointer{PageIndex: ptr.PageIndex, PageOffset: uint16(nextOff)}
	if nextOff+int64(a.cfg.MaxBucketSizeBytes) > a.cfg.PageSizeBytes {
		filled, err := a.pc.FilledUpTo(a.fileID)
		if err != nil {
			page.ReleaseExclusiveLatch()
			a.pc.ReleasePage(page)
			return BucketPointer{}, nil, nil, storageErr("Allocator.allocateByBump", err)
		}
		newPage, err := a.pc.AddPage(ctx, a.fileID)
		if err != nil {
			page.ReleaseExclusiveLatch()
			a.pc.ReleasePage(page)
			return BucketPointer{}, nil, nil, storageErr("Allocator.allocateByBump", err)
		}
		a.pc.ReleasePage(newPage)
		next = BucketPointer{PageIndex: filled, PageOffset: 0}
	}
	sys.SetBumpPointer(next)
	page.MarkDirty()
	return ptr, page, bucket, nil
}

// Free pushes ptr onto the file's free list. The caller must not hold a
// latch on ptr's page: Free pins that page itself and takes its exclusive
// latch for the duration of the update.
func (a *Allocator) Free(ctx context.Context, sys *SystemBucket, ptr BucketPointer) error {
	page, bucket, err := a.pinBucket(ctx, ptr, true)
	if err != nil {
		return err
	}
	defer a.pc.ReleasePage(page)
	page.AcquireExclusiveLatch()
	defer page.ReleaseExclusiveLatch()

	bucket.SetDeleted(true)
	bucket.SetFreeListPointer(sys.FreeListHead())
	sys.SetFreeListHead(ptr)
	sys.SetFreeListLength(sys.FreeListLength() + 1)
	page.MarkDirty()
	return nil
}

// RecycleSubtree frees every bucket reachable from root, post-order: a
// branch's distinct children (its leftmost Left plus every entry's Right —
// entries share edges, so only one pointer per boundary is visited, per
// spec.md §3) are recycled before the branch bucket itself, so a bucket
// never becomes reusable while something still holds a pointer into it.
// This resolves spec.md §9's open question on recycle_sub_trees' tail
// identity: the last bucket freed, and therefore the new free-list head
// after the call returns, is always the root of the subtree being removed.
func (a *Allocator) RecycleSubtree(ctx context.Context, sys *SystemBucket, root BucketPointer) error {
	if !root.IsValid() {
		return nil
	}
	page, bucket, err := a.pinBucket(ctx, root, true)
	if err != nil {
		return err
	}
	page.AcquireSharedLatch()
	isLeaf := bucket.IsLeaf()
	size := bucket.Size()
	children := make([]BucketPointer, 0, size+1)
	if !isLeaf {
		if size > 0 {
			children = append(children, bucket.GetEntry(0).Left)
			for i := 0; i < size; i++ {
				children = append(children, bucket.GetEntry(i).Right)
			}
		}
	}
	page.ReleaseSharedLatch()
	a.pc.ReleasePage(page)

	for _, child := range children {
		if err := a.RecycleSubtree(ctx, sys, child); err != nil {
			return err
		}
	}
	return a.Free(ctx, sys, root)
}
