package bonsai_test

import (
	"context"
	"testing"

	"github.com/bonsaikv/bonsai"
	"github.com/bonsaikv/bonsai/cache"
	"github.com/bonsaikv/bonsai/codec"
	"github.com/bonsaikv/bonsai/internal/memcache"
	"github.com/bonsaikv/bonsai/txn"
	"github.com/stretchr/testify/require"
)

// smallLeafConfig admits exactly four 8-byte-key/8-byte-value leaf entries
// per bucket: HeaderSize + 4*(SlotWidth + entry), entry = 2+8+2+8 = 20.
func smallLeafConfig() bonsai.Config {
	return bonsai.Config{
		PageSizeBytes:         4096,
		MaxBucketSizeBytes:    bonsai.HeaderSize + 4*(bonsai.SlotWidth+20),
		FreeSpaceReuseTrigger: 0.5,
	}
}

// newTestFile returns a fresh, still page-less in-memory file, ready for
// bonsai.Create (which adds page 0 itself).
func newTestFile(t *testing.T, cfg bonsai.Config) (*memcache.Cache, cache.FileID) {
	t.Helper()
	pc := memcache.New(cfg.PageSizeBytes)
	fileID, err := pc.AddFile(t.Name())
	require.NoError(t, err)
	return pc, fileID
}

func uint64Tree(t *testing.T, cfg bonsai.Config) (*bonsai.Tree, *memcache.Cache, cache.FileID) {
	t.Helper()
	pc, fileID := newTestFile(t, cfg)
	tree, err := bonsai.Create(context.Background(), pc, fileID, cfg, txn.NewInProcessManager(), codec.Uint64Codec{}, codec.Uint64Codec{}, 1)
	require.NoError(t, err)
	return tree, pc, fileID
}

// ridBagTree returns a tree keyed by uint64 (the rid) with int64 values
// (the per-rid edge count), the canonical client shape GetRealBagSize is
// defined for (spec.md §1, §6).
func ridBagTree(t *testing.T, cfg bonsai.Config) (*bonsai.Tree, *memcache.Cache, cache.FileID) {
	t.Helper()
	pc, fileID := newTestFile(t, cfg)
	tree, err := bonsai.Create(context.Background(), pc, fileID, cfg, txn.NewInProcessManager(), codec.Uint64Codec{}, codec.Int64Codec{}, 1)
	require.NoError(t, err)
	return tree, pc, fileID
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
