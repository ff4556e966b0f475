package bonsai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bonsaikv/bonsai/internal/memcache"
)

func newAllocatorFixture(t *testing.T, cfg Config) (*Allocator, *SystemBucket, func()) {
	t.Helper()
	pc := memcache.New(cfg.PageSizeBytes)
	fileID, err := pc.AddFile(t.Name())
	require.NoError(t, err)
	firstPage, err := pc.AddPage(context.Background(), fileID)
	require.NoError(t, err)
	require.Equal(t, int64(0), firstPage.PageIndex())

	sys := NewSystemBucket(firstPage.Bytes()[0:cfg.MaxBucketSizeBytes], func(off int, before, after []byte) {
		firstPage.Changes().RecordDelta(off, before, after)
	})
	sys.Init(BucketPointer{PageIndex: 0, PageOffset: uint16(cfg.MaxBucketSizeBytes)})
	require.NoError(t, pc.ReleasePage(firstPage))

	alloc := NewAllocator(pc, fileID, cfg)
	return alloc, sys, func() {}
}

func TestAllocator_BumpAllocationAdvancesWithinPage(t *testing.T) {
	cfg := Config{PageSizeBytes: 4096, MaxBucketSizeBytes: MinBucketSizeBytes, FreeSpaceReuseTrigger: 0.5}
	alloc, sys, done := newAllocatorFixture(t, cfg)
	defer done()
	ctx := context.Background()

	first, page1, _, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	page1.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page1))

	second, page2, _, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	page2.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page2))

	require.Equal(t, first.PageIndex, second.PageIndex)
	require.Equal(t, first.PageOffset+uint16(cfg.MaxBucketSizeBytes), second.PageOffset)
}

func TestAllocator_BumpAllocationCrossesPageBoundary(t *testing.T) {
	cfg := Config{PageSizeBytes: int64(MinBucketSizeBytes) * 2, MaxBucketSizeBytes: MinBucketSizeBytes, FreeSpaceReuseTrigger: 0.5}
	alloc, sys, done := newAllocatorFixture(t, cfg)
	defer done()
	ctx := context.Background()

	// Page 0 holds the system bucket plus exactly one more slot, per
	// cfg's PageSizeBytes; the next allocation must land on a new page.
	first, page1, _, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	page1.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page1))
	require.Equal(t, int64(0), first.PageIndex)

	second, page2, _, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	page2.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page2))
	require.Equal(t, int64(1), second.PageIndex)
	require.Equal(t, uint16(0), second.PageOffset)
}

func TestAllocator_FreeAndReuseFromFreeList(t *testing.T) {
	cfg := Config{PageSizeBytes: 4096, MaxBucketSizeBytes: MinBucketSizeBytes, FreeSpaceReuseTrigger: 0}
	alloc, sys, done := newAllocatorFixture(t, cfg)
	defer done()
	ctx := context.Background()

	ptr, page, _, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	page.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page))

	require.NoError(t, alloc.Free(ctx, sys, ptr))
	require.Equal(t, uint64(1), sys.FreeListLength())
	require.True(t, sys.FreeListHead().Equal(ptr))

	reused, page2, bucket, err := alloc.Allocate(ctx, sys)
	require.NoError(t, err)
	require.True(t, reused.Equal(ptr), "with FreeSpaceReuseTrigger=0, the very next allocation must reuse the freed bucket")
	require.True(t, bucket.IsDeleted(), "allocateFromFreeList does not clear the deleted flag; callers must Init")
	page2.ReleaseExclusiveLatch()
	require.NoError(t, alloc.pc.ReleasePage(page2))
	require.Equal(t, uint64(0), sys.FreeListLength())
}
