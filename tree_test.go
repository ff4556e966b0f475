package bonsai_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bonsaikv/bonsai"
	"github.com/bonsaikv/bonsai/codec"
	"github.com/bonsaikv/bonsai/txn"
)

func scanKeys(t *testing.T, tree *bonsai.Tree) []uint64 {
	t.Helper()
	ctx := context.Background()
	first, ok, err := tree.FirstKey(ctx)
	require.NoError(t, err)
	if !ok {
		return nil
	}
	entries, err := tree.LoadEntriesMajor(ctx, first, true, true, 0)
	require.NoError(t, err)
	out := make([]uint64, len(entries))
	for i, kv := range entries {
		out[i] = kv.Key.(uint64)
	}
	return out
}

// Scenario 1 (spec.md §8): insert [5,1,3,7,2] into a tree whose leaf
// capacity admits exactly 4 entries; the root must split into a depth-1
// branch and a forward scan must yield the keys in ascending order.
func TestTree_InsertCausesRootSplit(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		require.NoError(t, tree.Put(ctx, k, k))
	}

	size, err := tree.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	assert.Equal(t, []uint64{1, 2, 3, 5, 7}, scanKeys(t, tree))

	first, ok, err := tree.FirstKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), first)

	last, ok, err := tree.LastKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(7), last)
}

// Scenario 2: put on an existing key overwrites its value without changing
// size.
func TestTree_PutOverwritesExistingKey(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		require.NoError(t, tree.Put(ctx, k, k))
	}
	require.NoError(t, tree.Put(ctx, uint64(5), uint64(500)))

	v, ok, err := tree.Get(ctx, uint64(5))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(500), v)

	size, err := tree.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)
}

// Scenario 3: remove leaves the emptied leaf in place (unrecycled) and
// later lookups skip straight past it.
func TestTree_RemoveDoesNotRebalance(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		require.NoError(t, tree.Put(ctx, k, k))
	}

	ok, err := tree.Remove(ctx, uint64(3))
	require.NoError(t, err)
	assert.True(t, ok)

	size, err := tree.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), size)
	assert.Equal(t, []uint64{1, 2, 5, 7}, scanKeys(t, tree))

	_, ok, err = tree.Get(ctx, uint64(3))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tree.Remove(ctx, uint64(3))
	require.NoError(t, err)
	assert.False(t, ok, "removing an absent key reports not-found")
}

// Scenario 4: clearing a tree recycles every non-root bucket onto the free
// list but keeps the root's identity, and a subsequent put can reuse a
// recycled bucket once the free-list ratio trigger is crossed.
func TestTree_ClearRecyclesAndPreservesRoot(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	root := tree.GetRootBucketPointer()
	for k := uint64(1); k <= 20; k++ {
		require.NoError(t, tree.Put(ctx, k, k))
	}

	require.NoError(t, tree.Clear(ctx))

	assert.Equal(t, root, tree.GetRootBucketPointer(), "Clear must preserve the root bucket's identity")
	size, err := tree.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
	assert.Nil(t, scanKeys(t, tree))

	// The free list now holds every bucket that existed besides the root;
	// a fresh put should be satisfiable without necessarily needing to
	// grow the file once the ratio trigger is in effect.
	require.NoError(t, tree.Put(ctx, uint64(42), uint64(42)))
	v, ok, err := tree.Get(ctx, uint64(42))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
}

// Scenario 5: deleting a tree recycles the root too, and a second tree
// created in the same file afterward observes the recycled buckets via the
// shared system bucket's free list.
func TestTree_DeleteRecyclesRootAndSharesFreeList(t *testing.T) {
	cfg := smallLeafConfig()
	pc, fileID := newTestFile(t, cfg)
	ctx := context.Background()
	txnMgr := txn.NewInProcessManager()

	treeA, err := bonsai.Create(ctx, pc, fileID, cfg, txnMgr, codec.Uint64Codec{}, codec.Uint64Codec{}, 1)
	require.NoError(t, err)
	for k := uint64(1); k <= 20; k++ {
		require.NoError(t, treeA.Put(ctx, k, k))
	}
	require.NoError(t, treeA.Delete(ctx))

	sysPage, err := pc.LoadPage(ctx, fileID, 0, true)
	require.NoError(t, err)
	sysPage.AcquireSharedLatch()
	sys := bonsai.NewSystemBucket(sysPage.Bytes()[0:cfg.MaxBucketSizeBytes], nil)
	freeListLength := sys.FreeListLength()
	sysPage.ReleaseSharedLatch()
	require.NoError(t, pc.ReleasePage(sysPage))
	// Every bucket the 20-key tree allocated (root included) comes back
	// onto the shared free list once Delete recycles it.
	assert.Greater(t, freeListLength, uint64(0))

	treeB, err := bonsai.Create(ctx, pc, fileID, cfg, txnMgr, codec.Uint64Codec{}, codec.Uint64Codec{}, 2)
	require.NoError(t, err)
	require.NoError(t, treeB.Put(ctx, uint64(1), uint64(1)))
	v, ok, err := treeB.Get(ctx, uint64(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
}

// Scenario 6: two trees in one file accept concurrent writers on different
// goroutines without interfering with each other's scan order or size.
func TestTree_ConcurrentTreesInOneFile(t *testing.T) {
	cfg := smallLeafConfig()
	pc, fileID := newTestFile(t, cfg)
	ctx := context.Background()
	txnMgr := txn.NewInProcessManager()

	treeA, err := bonsai.Create(ctx, pc, fileID, cfg, txnMgr, codec.Uint64Codec{}, codec.Uint64Codec{}, 1)
	require.NoError(t, err)
	treeB, err := bonsai.Create(ctx, pc, fileID, cfg, txnMgr, codec.Uint64Codec{}, codec.Uint64Codec{}, 2)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		for k := uint64(1); k <= 15; k++ {
			if err := treeA.Put(ctx, k, k); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for k := uint64(100); k <= 115; k++ {
			if err := treeB.Put(ctx, k, k); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	sizeA, err := treeA.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), sizeA)
	sizeB, err := treeB.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), sizeB)

	keysA := scanKeys(t, treeA)
	assert.True(t, sort.IsSorted(uint64Slice(keysA)))
	keysB := scanKeys(t, treeB)
	assert.True(t, sort.IsSorted(uint64Slice(keysB)))
}

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// GetRealBagSize sums the tree's stored values (not its entry count) with
// any pending, not-yet-committed deltas applied on top — including for
// keys that only exist in the pending map (spec.md §6).
func TestTree_GetRealBagSizeSumsValuesWithPendingChanges(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := ridBagTree(t, cfg)
	ctx := context.Background()

	for _, k := range []uint64{5, 1, 3, 7, 2} {
		require.NoError(t, tree.Put(ctx, k, int64(k)))
	}
	// stored sum is 5+1+3+7+2 = 18, not the entry count 5.
	real, err := tree.GetRealBagSize(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(18), real)

	pending := map[any]bonsai.Change{
		uint64(5):   {Delta: 10},  // key 5 goes from stored 5 to 15
		uint64(100): {Delta: -3},  // key 100 isn't in the tree: contributes -3
	}
	real, err = tree.GetRealBagSize(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, int64(18+10-3), real)
}

// GetRealBagSize on an empty tree short-circuits without descending, but
// still applies any pending changes for keys not present in the tree.
func TestTree_GetRealBagSizeEmptyTreeAppliesPendingOnly(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := ridBagTree(t, cfg)
	ctx := context.Background()

	real, err := tree.GetRealBagSize(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), real)

	real, err = tree.GetRealBagSize(ctx, map[any]bonsai.Change{uint64(9): {Delta: 4}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), real)
}

// GetIdentifier/SetIdentifier round-trip the root bucket's opaque tag
// (spec.md §4.4), and GetKeySerializer/GetValueSerializer expose the
// immutable codecs a tree was created with (spec.md §6).
func TestTree_IdentifierAndSerializerAccessors(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	id, err := tree.GetIdentifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	require.NoError(t, tree.SetIdentifier(ctx, 42))
	id, err = tree.GetIdentifier(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	assert.Equal(t, codec.IDUint64, tree.GetKeySerializer().ID())
	assert.Equal(t, codec.IDUint64, tree.GetValueSerializer().ID())
}

// Flush writes back a tree's dirty pages without closing its file, leaving
// it immediately usable for further operations.
func TestTree_FlushLeavesTreeUsable(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()

	require.NoError(t, tree.Put(ctx, uint64(1), uint64(1)))
	require.NoError(t, tree.Flush(ctx))

	v, ok, err := tree.Get(ctx, uint64(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
}

// Load rehydrates a tree's key/value codecs from the serializer ids
// recorded on its own root bucket (spec.md §4.3), and reports ok=false for
// a root bucket that has been recycled onto the free list (spec.md §6).
func TestTree_LoadRehydratesCodecsAndRejectsDeleted(t *testing.T) {
	cfg := smallLeafConfig()
	pc, fileID := newTestFile(t, cfg)
	ctx := context.Background()
	txnMgr := txn.NewInProcessManager()

	created, err := bonsai.Create(ctx, pc, fileID, cfg, txnMgr, codec.Uint64Codec{}, codec.Uint64Codec{}, 7)
	require.NoError(t, err)
	require.NoError(t, created.Put(ctx, uint64(1), uint64(100)))
	root := created.GetRootBucketPointer()

	reloaded, ok, err := bonsai.Load(ctx, pc, fileID, cfg, txnMgr, root, codec.NewRegistry())
	require.NoError(t, err)
	require.True(t, ok)

	v, found, err := reloaded.Get(ctx, uint64(1))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(100), v)

	require.NoError(t, created.Delete(ctx))
	_, ok, err = bonsai.Load(ctx, pc, fileID, cfg, txnMgr, root, codec.NewRegistry())
	require.NoError(t, err)
	assert.False(t, ok, "a recycled root bucket must not load as a tree")
}

// LoadEntriesBetween/Minor boundary behaviors.
func TestTree_RangeScansRespectInclusivity(t *testing.T) {
	cfg := smallLeafConfig()
	tree, _, _ := uint64Tree(t, cfg)
	ctx := context.Background()
	for k := uint64(1); k <= 10; k++ {
		require.NoError(t, tree.Put(ctx, k, k))
	}

	major, err := tree.LoadEntriesMajor(ctx, uint64(5), false, true, 0)
	require.NoError(t, err)
	require.Len(t, major, 5)
	assert.Equal(t, uint64(6), major[0].Key)

	major, err = tree.LoadEntriesMajor(ctx, uint64(5), true, true, 0)
	require.NoError(t, err)
	require.Len(t, major, 6)
	assert.Equal(t, uint64(5), major[0].Key)

	_, err = tree.LoadEntriesMajor(ctx, uint64(5), true, false, 0)
	require.Error(t, err, "descending scan request yields a usage error")
	assert.ErrorIs(t, err, bonsai.ErrUsage)

	minor, err := tree.LoadEntriesMinor(ctx, uint64(5), true, 0)
	require.NoError(t, err)
	require.Len(t, minor, 5)
	assert.Equal(t, uint64(5), minor[len(minor)-1].Key)

	between, err := tree.LoadEntriesBetween(ctx, uint64(3), true, uint64(7), false, 0)
	require.NoError(t, err)
	require.Len(t, between, 4)
	assert.Equal(t, uint64(3), between[0].Key)
	assert.Equal(t, uint64(6), between[len(between)-1].Key)
}
