package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/bonsaikv/bonsai"
	"github.com/bonsaikv/bonsai/codec"
	"github.com/bonsaikv/bonsai/internal/diskcache"
	"github.com/bonsaikv/bonsai/txn"
)

func resolveConfig() bonsai.Config {
	cfg := bonsai.DefaultConfig()
	if ps := viper.GetInt64("page_size"); ps > 0 {
		cfg.PageSizeBytes = ps
	}
	if bs := viper.GetInt("bucket_size"); bs > 0 {
		cfg.MaxBucketSizeBytes = bs
	}
	return cfg
}

func openDataDir() (*diskcache.Cache, bonsai.Config, error) {
	dir := viper.GetString("file")
	if dir == "" {
		return nil, bonsai.Config{}, fmt.Errorf("bonsaictl: --file is required")
	}
	cfg := resolveConfig()
	if err := cfg.Validate(); err != nil {
		return nil, bonsai.Config{}, err
	}
	return diskcache.New(dir, cfg.PageSizeBytes), cfg, nil
}

// parseBucketPointer reads a "page:offset" encoded bucket pointer.
func parseBucketPointer(s string) (bonsai.BucketPointer, error) {
	var pageIdx int64
	var pageOff uint16
	if _, err := fmt.Sscanf(s, "%d:%d", &pageIdx, &pageOff); err != nil {
		return bonsai.BucketPointer{}, fmt.Errorf("bonsaictl: invalid bucket pointer %q: %w", s, err)
	}
	return bonsai.BucketPointer{PageIndex: pageIdx, PageOffset: pageOff}, nil
}

// builtinRegistry is shared by every bonsaictl inspection command, so a
// tree's codecs are always resolved from its own root bucket's recorded
// serializer ids (bonsai.Load) rather than the caller guessing at them.
func builtinRegistry() *codec.Registry {
	return codec.NewRegistry()
}

// noopTxnManager is the atomic-operation manager bonsaictl uses for its
// read-only inspection commands: there is nothing to roll back when the
// CLI never mutates a tree.
type noopTxnManager struct{}

type noopOperation struct{}

func (noopOperation) ID() uint64               { return 0 }
func (noopOperation) RollbackOnlyOnError() bool { return true }

func (noopTxnManager) StartAtomicOperation(rollbackOnlyOnError bool) (txn.Operation, error) {
	return noopOperation{}, nil
}
func (noopTxnManager) EndAtomicOperation(op txn.Operation, rollback bool, cause error) error {
	return nil
}
func (noopTxnManager) CurrentOperation() txn.Operation { return noopOperation{} }
func (noopTxnManager) AcquireReadLock(component string) {}
func (noopTxnManager) ReleaseReadLock(component string) {}
