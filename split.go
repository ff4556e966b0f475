package bonsai

import (
	"context"

	"github.com/bonsaikv/bonsai/cache"
)

// splitLeafEntries implements the leaf half of spec.md §4.1's split
// algorithm: a B+-style split where the first key of the right half is
// duplicated upward as the separator — that key still lives as real data
// in the right leaf, unlike a branch split's promoted key.
func splitLeafEntries(combined []Entry) (left, right []Entry, sepKey []byte) {
	mid := (len(combined) + 1) / 2
	left = combined[:mid]
	right = combined[mid:]
	sepKey = append([]byte(nil), right[0].Key...)
	return left, right, sepKey
}

// splitBranchEntries implements the branch half of spec.md §4.1's split
// algorithm: the classic promote-the-median split, where the promoted
// entry's key is removed from both halves and its Left/Right children
// become the boundary between them.
func splitBranchEntries(combined []Entry) (left, right []Entry, sepKey []byte, sepLeft, sepRight BucketPointer) {
	p := len(combined) / 2
	promoted := combined[p]
	left = combined[:p]
	right = combined[p+1:]
	return left, right, promoted.Key, promoted.Left, promoted.Right
}

func bucketEntries(b *Bucket) []Entry {
	n := b.Size()
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = b.GetEntry(i)
	}
	return out
}

func insertSorted(entries []Entry, e Entry, at int) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	out = append(out, entries[:at]...)
	out = append(out, e)
	out = append(out, entries[at:]...)
	return out
}

func releasePathExclusive(pc cache.PageCache, path []pathStep) {
	for i := len(path) - 1; i >= 0; i-- {
		path[i].page.ReleaseExclusiveLatch()
		pc.ReleasePage(path[i].page)
	}
}

// insertWithSplit inserts entry into the bucket result.Leaf (or, after one
// or more splits, into whichever ancestor absorbs the promoted separator),
// splitting and propagating up the path as needed. Root splits are
// asymmetric relative to every other level: a non-root split reuses the
// existing bucket as the left half and allocates only the right half,
// while a root split allocates two fresh buckets for both halves and
// re-initializes the root bucket in place as a new one-entry branch,
// because the root's physical bucket pointer must never change (spec.md
// §4.1, §9).
func insertWithSplit(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, alloc *Allocator, sys *SystemBucket, result *BucketSearchResult, entry Entry) error {
	path := result.Path
	ptr := result.Ptr
	page := result.Page
	bucket := result.Leaf

	for {
		leaf := bucket.IsLeaf()
		idx := bucket.Find(entry.Key)
		if idx >= 0 && leaf {
			releasePathExclusive(pc, path)
			page.ReleaseExclusiveLatch()
			pc.ReleasePage(page)
			return corruptionErr("insertWithSplit", "key already present at leaf level")
		}
		insAt := idx
		if insAt < 0 {
			insAt = -insAt - 1
		}

		if bucket.AddEntry(insAt, entry, true) {
			page.MarkDirty()
			releasePathExclusive(pc, path)
			page.ReleaseExclusiveLatch()
			pc.ReleasePage(page)
			return nil
		}

		combined := insertSorted(bucketEntries(bucket), entry, insAt)
		if !leaf && insAt+1 < len(combined) {
			combined[insAt+1].Left = entry.Right
		}

		rightPtr, rightPage, rightBucket, err := alloc.Allocate(ctx, sys)
		if err != nil {
			releasePathExclusive(pc, path)
			page.ReleaseExclusiveLatch()
			pc.ReleasePage(page)
			return err
		}

		var sepKey []byte
		var sepLeft, sepRight BucketPointer
		isRoot := len(path) == 0

		if leaf {
			var leftEntries, rightEntries []Entry
			leftEntries, rightEntries, sepKey = splitLeafEntries(combined)
			rightBucket.Init(true)
			if !rightBucket.AddAll(rightEntries) {
				releasePathExclusive(pc, path)
				page.ReleaseExclusiveLatch()
				pc.ReleasePage(page)
				rightPage.ReleaseExclusiveLatch()
				pc.ReleasePage(rightPage)
				return usageErr("insertWithSplit", "split half still exceeds MaxBucketSizeBytes")
			}

			if isRoot {
				leftPtr, leftPage, leftBucket, err := alloc.Allocate(ctx, sys)
				if err != nil {
					return err
				}
				leftBucket.Init(true)
				leftBucket.AddAll(leftEntries)
				leftBucket.SetRightSibling(rightPtr)
				rightBucket.SetLeftSibling(leftPtr)
				rightBucket.SetRightSibling(bucket.RightSibling())
				leftBucket.SetLeftSibling(bucket.LeftSibling())
				leftPage.MarkDirty()
				rightPage.MarkDirty()

				tSize, id := bucket.GetTreeSize(), bucket.GetIdentifier()
				ksID, vsID := bucket.KeySerializerID(), bucket.ValueSerializerID()
				bucket.Init(false)
				bucket.SetTreeSize(tSize)
				bucket.SetIdentifier(id)
				bucket.SetKeySerializerID(ksID)
				bucket.SetValueSerializerID(vsID)
				bucket.AddAll([]Entry{branchEntry(leftPtr, sepKey, rightPtr)})
				page.MarkDirty()

				leftPage.ReleaseExclusiveLatch()
				pc.ReleasePage(leftPage)
				rightPage.ReleaseExclusiveLatch()
				pc.ReleasePage(rightPage)
				page.ReleaseExclusiveLatch()
				pc.ReleasePage(page)
				return nil
			}

			oldRightSib := bucket.RightSibling()
			bucket.AddAll(leftEntries)
			rightBucket.SetLeftSibling(ptr)
			rightBucket.SetRightSibling(oldRightSib)
			bucket.SetRightSibling(rightPtr)
			page.MarkDirty()
			rightPage.MarkDirty()

			if oldRightSib.IsValid() {
				sibPage, sibBucket, err := pinBucketAt(ctx, pc, fileID, cfg, oldRightSib)
				if err != nil {
					return err
				}
				sibPage.AcquireExclusiveLatch()
				sibBucket.SetLeftSibling(rightPtr)
				sibPage.MarkDirty()
				sibPage.ReleaseExclusiveLatch()
				pc.ReleasePage(sibPage)
			}

			sepLeft, sepRight = ptr, rightPtr
		} else {
			var leftEntries, rightEntries []Entry
			leftEntries, rightEntries, sepKey, sepLeft, sepRight = splitBranchEntries(combined)
			rightBucket.Init(false)
			rightBucket.AddAll(rightEntries)
			rightPage.MarkDirty()

			if isRoot {
				leftPtr, leftPage, leftBucket, err := alloc.Allocate(ctx, sys)
				if err != nil {
					return err
				}
				leftBucket.Init(false)
				leftBucket.AddAll(leftEntries)
				leftPage.MarkDirty()

				tSize, id := bucket.GetTreeSize(), bucket.GetIdentifier()
				ksID, vsID := bucket.KeySerializerID(), bucket.ValueSerializerID()
				bucket.Init(false)
				bucket.SetTreeSize(tSize)
				bucket.SetIdentifier(id)
				bucket.SetKeySerializerID(ksID)
				bucket.SetValueSerializerID(vsID)
				bucket.AddAll([]Entry{branchEntry(leftPtr, sepKey, rightPtr)})
				page.MarkDirty()

				leftPage.ReleaseExclusiveLatch()
				pc.ReleasePage(leftPage)
				rightPage.ReleaseExclusiveLatch()
				pc.ReleasePage(rightPage)
				page.ReleaseExclusiveLatch()
				pc.ReleasePage(page)
				return nil
			}

			bucket.AddAll(leftEntries)
			page.MarkDirty()
			sepLeft, sepRight = ptr, rightPtr
		}

		rightPage.ReleaseExclusiveLatch()
		pc.ReleasePage(rightPage)
		page.ReleaseExclusiveLatch()
		pc.ReleasePage(page)

		parent := path[len(path)-1]
		path = path[:len(path)-1]
		entry = branchEntry(sepLeft, sepKey, sepRight)
		ptr, page, bucket = parent.ptr, parent.page, parent.bucket
	}
}
