package bonsai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScratchBucket(size int, isLeaf bool) *Bucket {
	b := NewBucket(make([]byte, size), nil)
	b.Init(isLeaf)
	return b
}

func TestBucket_AddFindGetRoundTrip(t *testing.T) {
	b := newScratchBucket(256, true)
	keys := [][]byte{[]byte("b"), []byte("a"), []byte("d"), []byte("c")}
	for _, k := range keys {
		idx := b.Find(k)
		require.Less(t, idx, 0, "key must be absent before insertion")
		ins := -idx - 1
		require.True(t, b.AddEntry(ins, leafEntry(k, append([]byte("v-"), k...)), false))
	}
	require.Equal(t, 4, b.Size())
	for i := 1; i < b.Size(); i++ {
		assert.Less(t, string(b.GetKey(i-1)), string(b.GetKey(i)), "slots must stay sorted by key")
	}

	idx := b.Find([]byte("c"))
	require.GreaterOrEqual(t, idx, 0)
	entry := b.GetEntry(idx)
	assert.Equal(t, []byte("v-c"), entry.Value)
}

func TestBucket_UpdateValueOutcomes(t *testing.T) {
	b := newScratchBucket(256, true)
	require.True(t, b.AddEntry(0, leafEntry([]byte("k"), []byte("abcd")), false))
	idx := b.Find([]byte("k"))
	require.GreaterOrEqual(t, idx, 0)

	assert.Equal(t, NoChange, b.UpdateValue(idx, []byte("abcd")))
	assert.Equal(t, Updated, b.UpdateValue(idx, []byte("ab")))
	assert.Equal(t, []byte("ab"), b.GetEntry(idx).Value)
	assert.Equal(t, Reinsert, b.UpdateValue(idx, []byte("abcdefgh")))
}

func TestBucket_RemoveCompactsSlotDirectory(t *testing.T) {
	b := newScratchBucket(256, true)
	for _, k := range []string{"a", "b", "c"} {
		idx := -b.Find([]byte(k)) - 1
		require.True(t, b.AddEntry(idx, leafEntry([]byte(k), []byte(k)), false))
	}
	midIdx := b.Find([]byte("b"))
	require.GreaterOrEqual(t, midIdx, 0)
	b.Remove(midIdx)
	require.Equal(t, 2, b.Size())
	assert.Equal(t, []byte("a"), b.GetKey(0))
	assert.Equal(t, []byte("c"), b.GetKey(1))
	assert.Less(t, b.Find([]byte("b")), 0)
}

func TestBucket_AddEntryFailsWhenFull(t *testing.T) {
	// Sized to admit exactly one small entry.
	b := newScratchBucket(HeaderSize+SlotWidth+ (2+1+2+1), true)
	require.True(t, b.AddEntry(0, leafEntry([]byte("a"), []byte("v")), false))
	assert.False(t, b.AddEntry(1, leafEntry([]byte("b"), []byte("v")), false), "a second entry must not fit")
}

func TestBucket_BranchAddEntryReconcilesNeighborPointers(t *testing.T) {
	b := newScratchBucket(256, false)
	left0 := BucketPointer{PageIndex: 1, PageOffset: 0}
	mid := BucketPointer{PageIndex: 2, PageOffset: 0}
	right0 := BucketPointer{PageIndex: 3, PageOffset: 0}

	require.True(t, b.AddEntry(0, branchEntry(left0, []byte("m"), right0), false))

	// Inserting a new separator between left0 and right0 must make the
	// existing entry's Right point at the new entry's Left, and vice
	// versa is handled by the split path directly — here we only exercise
	// the updateNeighbors reconciliation AddEntry itself performs.
	newRight := BucketPointer{PageIndex: 4, PageOffset: 0}
	require.True(t, b.AddEntry(1, branchEntry(mid, []byte("z"), newRight), true))

	first := b.GetEntry(0)
	second := b.GetEntry(1)
	assert.True(t, first.Right.Equal(mid), "existing entry's right child must now be the new entry's left child")
	assert.True(t, second.Left.Equal(mid))
}

func TestBucket_ShrinkTruncatesAndCompacts(t *testing.T) {
	b := newScratchBucket(256, true)
	for _, k := range []string{"a", "b", "c", "d"} {
		idx := -b.Find([]byte(k)) - 1
		require.True(t, b.AddEntry(idx, leafEntry([]byte(k), []byte(k)), false))
	}
	b.Shrink(2)
	require.Equal(t, 2, b.Size())
	assert.Equal(t, []byte("a"), b.GetKey(0))
	assert.Equal(t, []byte("b"), b.GetKey(1))
}
