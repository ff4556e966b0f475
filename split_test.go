package bonsai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitLeafEntries_SeparatorIsFirstKeyOfRightHalf(t *testing.T) {
	combined := []Entry{
		leafEntry([]byte("1"), []byte("a")),
		leafEntry([]byte("2"), []byte("b")),
		leafEntry([]byte("3"), []byte("c")),
		leafEntry([]byte("5"), []byte("d")),
		leafEntry([]byte("7"), []byte("e")),
	}
	left, right, sep := splitLeafEntries(combined)
	require.Len(t, left, 3)
	require.Len(t, right, 2)
	assert.Equal(t, []byte("5"), sep)
	assert.Equal(t, sep, right[0].Key, "separator must still be real data in the right half")
	assert.Equal(t, []byte("1"), left[0].Key)
	assert.Equal(t, []byte("7"), right[len(right)-1].Key)
}

func TestSplitBranchEntries_PromotesMedianWithoutDuplicating(t *testing.T) {
	p := func(i int64) BucketPointer { return BucketPointer{PageIndex: i, PageOffset: 0} }
	combined := []Entry{
		branchEntry(p(1), []byte("a"), p(2)),
		branchEntry(p(2), []byte("b"), p(3)),
		branchEntry(p(3), []byte("c"), p(4)),
	}
	left, right, sepKey, sepLeft, sepRight := splitBranchEntries(combined)
	require.Len(t, left, 1)
	require.Len(t, right, 1)
	assert.Equal(t, []byte("b"), sepKey)
	assert.True(t, sepLeft.Equal(p(2)))
	assert.True(t, sepRight.Equal(p(3)))
	assert.Equal(t, []byte("a"), left[0].Key)
	assert.Equal(t, []byte("c"), right[0].Key)
}

func TestInsertSorted_InsertsAtGivenPosition(t *testing.T) {
	entries := []Entry{
		leafEntry([]byte("1"), nil),
		leafEntry([]byte("3"), nil),
	}
	out := insertSorted(entries, leafEntry([]byte("2"), nil), 1)
	require.Len(t, out, 3)
	assert.Equal(t, []byte("1"), out[0].Key)
	assert.Equal(t, []byte("2"), out[1].Key)
	assert.Equal(t, []byte("3"), out[2].Key)
}
