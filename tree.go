package bonsai

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bonsaikv/bonsai/cache"
	"github.com/bonsaikv/bonsai/codec"
	"github.com/bonsaikv/bonsai/txn"
	"k8s.io/klog/v2"
)

// Tree is one bonsai tree: an ordered key/value index rooted at a fixed
// bucket pointer inside a file that may host many other, unrelated trees
// the same way (spec.md §1, §3). All of a file's trees share the one
// SystemBucket at (0,0); each Tree builds its own Allocator over the file
// and its own LockManager, so each Tree serializes its own writers
// independently — concurrent Put/Remove calls against two different trees
// in the same file never block each other past the page-latch level.
type Tree struct {
	pc         cache.PageCache
	fileID     cache.FileID
	cfg        Config
	txnMgr     txn.Manager
	alloc      *Allocator
	lockMgr    *LockManager
	treeLock   *PhaseFairLock
	rootPtr    BucketPointer
	keyCodec   codec.Codec
	valueCodec codec.Codec
}

// Create allocates a brand-new tree inside fileID, initializing the
// file's system bucket first if this is the first tree ever created in
// it. identifier is an opaque tag stored on the root bucket (spec.md §3)
// — for the rid-bag use case this is typically the owning vertex/field id.
func Create(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, txnMgr txn.Manager, keyCodec, valueCodec codec.Codec, identifier uint64) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tree{
		pc: pc, fileID: fileID, cfg: cfg, txnMgr: txnMgr,
		alloc:      NewAllocator(pc, fileID, cfg),
		lockMgr:    NewLockManager(16),
		treeLock:   NewPhaseFairLock(),
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
	}

	filled, err := pc.FilledUpTo(fileID)
	if err != nil {
		return nil, storageErr("Create", err)
	}
	if filled == 0 {
		firstPage, err := pc.AddPage(ctx, fileID)
		if err != nil {
			return nil, storageErr("Create", err)
		}
		if firstPage.PageIndex() != 0 {
			pc.ReleasePage(firstPage)
			return nil, corruptionErr("Create", "file's first AddPage did not return page index 0")
		}
		pc.ReleasePage(firstPage)
	}

	sysPage, sys, err := t.pinSystemBucket(ctx)
	if err != nil {
		return nil, err
	}
	if !sys.IsInitialized() {
		sys.Init(BucketPointer{PageIndex: 0, PageOffset: uint16(cfg.MaxBucketSizeBytes)})
		sysPage.MarkDirty()
		klog.V(2).Infof("bonsai: initialized system bucket for file %d", fileID)
	}

	ptr, page, bucket, err := t.alloc.Allocate(ctx, sys)
	if err != nil {
		sysPage.ReleaseExclusiveLatch()
		pc.ReleasePage(sysPage)
		return nil, err
	}
	bucket.Init(true)
	bucket.SetIdentifier(identifier)
	bucket.SetTreeSize(0)
	bucket.SetKeySerializerID(uint8(keyCodec.ID()))
	bucket.SetValueSerializerID(uint8(valueCodec.ID()))
	page.MarkDirty()
	page.ReleaseExclusiveLatch()
	pc.ReleasePage(page)

	sysPage.ReleaseExclusiveLatch()
	pc.ReleasePage(sysPage)

	t.rootPtr = ptr
	klog.V(3).Infof("bonsai: created tree %d at %s in file %d", identifier, ptr, fileID)
	return t, nil
}

// Load attaches to a tree whose root bucket already exists at rootPtr,
// rehydrating its key/value codecs from the serializer ids recorded on the
// root bucket itself (spec.md §4.3) by resolving them against registry. It
// returns ok=false, with no error and no usable Tree, iff the bucket at
// rootPtr has been recycled (Bucket.IsDeleted()) — per spec.md §6's
// `load(root_pointer) -> bool`. An id recorded on the root that registry
// cannot resolve surfaces KindUnsupported.
func Load(ctx context.Context, pc cache.PageCache, fileID cache.FileID, cfg Config, txnMgr txn.Manager, rootPtr BucketPointer, registry *codec.Registry) (tree *Tree, ok bool, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	page, bucket, err := pinBucketAt(ctx, pc, fileID, cfg, rootPtr)
	if err != nil {
		return nil, false, err
	}
	page.AcquireSharedLatch()
	defer func() {
		page.ReleaseSharedLatch()
		pc.ReleasePage(page)
	}()

	if bucket.IsDeleted() {
		return nil, false, nil
	}

	keyCodec, err := registry.Resolve(codec.ID(bucket.KeySerializerID()))
	if err != nil {
		return nil, false, unsupportedErr("Load", bucket.KeySerializerID())
	}
	valueCodec, err := registry.Resolve(codec.ID(bucket.ValueSerializerID()))
	if err != nil {
		return nil, false, unsupportedErr("Load", bucket.ValueSerializerID())
	}

	return &Tree{
		pc: pc, fileID: fileID, cfg: cfg, txnMgr: txnMgr,
		alloc:      NewAllocator(pc, fileID, cfg),
		lockMgr:    NewLockManager(16),
		treeLock:   NewPhaseFairLock(),
		rootPtr:    rootPtr,
		keyCodec:   keyCodec,
		valueCodec: valueCodec,
	}, true, nil
}

func (t *Tree) pinSystemBucket(ctx context.Context) (cache.PinnedPage, *SystemBucket, error) {
	page, err := t.pc.LoadPage(ctx, t.fileID, 0, true)
	if err != nil {
		return nil, nil, storageErr("Tree.pinSystemBucket", err)
	}
	page.AcquireExclusiveLatch()
	data := page.Bytes()[0:t.cfg.MaxBucketSizeBytes]
	sys := NewSystemBucket(data, func(off int, before, after []byte) {
		page.Changes().RecordDelta(off, before, after)
	})
	return page, sys, nil
}

// GetFileID returns the file this tree lives in.
func (t *Tree) GetFileID() cache.FileID { return t.fileID }

// GetRootBucketPointer returns the tree's root bucket pointer.
func (t *Tree) GetRootBucketPointer() BucketPointer { return t.rootPtr }

// GetCollectionPointer is an alias for GetRootBucketPointer using the
// terminology callers outside the engine (e.g. a rid-bag field value)
// persist as the tree's external handle.
func (t *Tree) GetCollectionPointer() BucketPointer { return t.rootPtr }

// GetKeySerializer returns the codec this tree encodes/decodes keys with.
// Per spec.md §5's shared-resource policy, it is immutable after
// Create/Load.
func (t *Tree) GetKeySerializer() codec.Codec { return t.keyCodec }

// GetValueSerializer returns the codec this tree encodes/decodes values
// with. Immutable after Create/Load, same as GetKeySerializer.
func (t *Tree) GetValueSerializer() codec.Codec { return t.valueCodec }

// GetIdentifier returns the opaque caller-supplied tag stored on the root
// bucket (spec.md §4.4), used to correlate the tree with an external
// logical id.
func (t *Tree) GetIdentifier(ctx context.Context) (uint64, error) {
	page, bucket, err := t.pinRoot(ctx, SharedLatch)
	if err != nil {
		return 0, err
	}
	defer func() { page.ReleaseSharedLatch(); t.pc.ReleasePage(page) }()
	return bucket.GetIdentifier(), nil
}

// SetIdentifier overwrites the tree's root-bucket identifier tag. Per
// spec.md §5, this is a writer op and takes the per-file partition lock
// in exclusive mode alongside the tree's own write lock.
func (t *Tree) SetIdentifier(ctx context.Context, identifier uint64) error {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()
	t.lockMgr.Lock(t.rootPtr, ExclusiveLatch)
	defer t.lockMgr.Unlock(t.rootPtr, ExclusiveLatch)

	op, err := t.txnMgr.StartAtomicOperation(false)
	if err != nil {
		return err
	}
	page, bucket, err := t.pinRoot(ctx, ExclusiveLatch)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	bucket.SetIdentifier(identifier)
	page.MarkDirty()
	page.ReleaseExclusiveLatch()
	t.pc.ReleasePage(page)
	t.txnMgr.EndAtomicOperation(op, false, nil)
	return nil
}

// Flush writes back every dirty page belonging to this tree's file without
// closing it, so a caller holding a tree open across a longer-lived scope
// can still force its mutations durable on demand (spec.md §6).
func (t *Tree) Flush(ctx context.Context) error {
	if err := t.pc.FlushFile(ctx, t.fileID); err != nil {
		return storageErr("Tree.Flush", err)
	}
	return nil
}

func (t *Tree) pinRoot(ctx context.Context, mode LatchMode) (cache.PinnedPage, *Bucket, error) {
	page, bucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, t.rootPtr)
	if err != nil {
		return nil, nil, err
	}
	if mode == SharedLatch {
		page.AcquireSharedLatch()
	} else {
		page.AcquireExclusiveLatch()
	}
	return page, bucket, nil
}

// Size returns the root bucket's cached tree_size attribute (spec.md §3),
// maintained incrementally by Put/Remove. It is an entry count;
// GetRealBagSize instead scans the tree and sums the stored int64 values.
func (t *Tree) Size(ctx context.Context) (uint64, error) {
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	page, bucket, err := t.pinRoot(ctx, SharedLatch)
	if err != nil {
		return 0, err
	}
	defer func() { page.ReleaseSharedLatch(); t.pc.ReleasePage(page) }()
	return bucket.GetTreeSize(), nil
}

func (t *Tree) bumpTreeSize(ctx context.Context, delta int64) error {
	page, bucket, err := t.pinRoot(ctx, ExclusiveLatch)
	if err != nil {
		return err
	}
	defer func() { page.ReleaseExclusiveLatch(); t.pc.ReleasePage(page) }()
	cur := int64(bucket.GetTreeSize()) + delta
	if cur < 0 {
		cur = 0
	}
	bucket.SetTreeSize(uint64(cur))
	page.MarkDirty()
	return nil
}

// Get looks up key, returning (value, true, nil) if present and
// (nil, false, nil) if absent.
func (t *Tree) Get(ctx context.Context, key any) (any, bool, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)

	kb, err := t.keyCodec.Encode(key)
	if err != nil {
		return nil, false, usageErr("Tree.Get", "encode key: "+err.Error())
	}
	result, err := findBucketShared(ctx, t.pc, t.fileID, t.cfg, t.rootPtr, kb)
	if err != nil {
		return nil, false, err
	}
	defer result.Release(t.pc, SharedLatch)

	if result.Index < 0 {
		return nil, false, nil
	}
	entry := result.Leaf.GetEntry(result.Index)
	v, err := t.valueCodec.Decode(entry.Value)
	if err != nil {
		return nil, false, usageErr("Tree.Get", "decode value: "+err.Error())
	}
	return v, true, nil
}

// Put inserts or overwrites key's value, per spec.md §4.1.
func (t *Tree) Put(ctx context.Context, key, value any) error {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()
	t.lockMgr.Lock(t.rootPtr, ExclusiveLatch)
	defer t.lockMgr.Unlock(t.rootPtr, ExclusiveLatch)

	kb, err := t.keyCodec.Encode(key)
	if err != nil {
		return usageErr("Tree.Put", "encode key: "+err.Error())
	}
	vb, err := t.valueCodec.Encode(value)
	if err != nil {
		return usageErr("Tree.Put", "encode value: "+err.Error())
	}

	op, err := t.txnMgr.StartAtomicOperation(false)
	if err != nil {
		return err
	}

	sysPage, sys, err := t.pinSystemBucket(ctx)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	releaseSys := func() {
		sysPage.ReleaseExclusiveLatch()
		t.pc.ReleasePage(sysPage)
	}

	result, err := findBucketExclusive(ctx, t.pc, t.fileID, t.cfg, t.rootPtr, kb)
	if err != nil {
		releaseSys()
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}

	isNewKey := result.Index < 0
	if !isNewKey {
		switch result.Leaf.UpdateValue(result.Index, vb) {
		case NoChange:
			result.Release(t.pc, ExclusiveLatch)
			releaseSys()
			t.txnMgr.EndAtomicOperation(op, false, nil)
			return nil
		case Updated:
			result.Page.MarkDirty()
			result.Release(t.pc, ExclusiveLatch)
			releaseSys()
			t.txnMgr.EndAtomicOperation(op, false, nil)
			return nil
		case Reinsert:
			result.Leaf.Remove(result.Index)
		}
	}

	if err := insertWithSplit(ctx, t.pc, t.fileID, t.cfg, t.alloc, sys, result, leafEntry(kb, vb)); err != nil {
		releaseSys()
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	releaseSys()

	if isNewKey {
		if err := t.bumpTreeSize(ctx, 1); err != nil {
			t.txnMgr.EndAtomicOperation(op, true, err)
			return err
		}
	}
	t.txnMgr.EndAtomicOperation(op, false, nil)
	return nil
}

// Remove deletes key if present, returning whether it was found. Per
// spec.md §4.1, remove never rebalances or merges buckets — an
// emptied-out leaf is left in place (and skipped over by range scans and
// first/last-key lookups) until a future Clear/Delete recycles it.
func (t *Tree) Remove(ctx context.Context, key any) (bool, error) {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()
	t.lockMgr.Lock(t.rootPtr, ExclusiveLatch)
	defer t.lockMgr.Unlock(t.rootPtr, ExclusiveLatch)

	kb, err := t.keyCodec.Encode(key)
	if err != nil {
		return false, usageErr("Tree.Remove", "encode key: "+err.Error())
	}

	op, err := t.txnMgr.StartAtomicOperation(false)
	if err != nil {
		return false, err
	}

	result, err := findBucketExclusive(ctx, t.pc, t.fileID, t.cfg, t.rootPtr, kb)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return false, err
	}
	if result.Index < 0 {
		result.Release(t.pc, ExclusiveLatch)
		t.txnMgr.EndAtomicOperation(op, false, nil)
		return false, nil
	}

	result.Leaf.Remove(result.Index)
	result.Page.MarkDirty()
	result.Release(t.pc, ExclusiveLatch)

	if err := t.bumpTreeSize(ctx, -1); err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return false, err
	}
	t.txnMgr.EndAtomicOperation(op, false, nil)
	return true, nil
}

// leafKeyAt walks to the leftmost (dir<0) or rightmost (dir>0) leaf,
// skipping over emptied-out leaves via the sibling chain — branches never
// go empty under this engine's no-merge remove policy, so only the
// sibling-chain fallback at the bottom is necessary (spec.md §9).
func (t *Tree) leafKeyAt(ctx context.Context, dir int) ([]byte, bool, error) {
	ptr := t.rootPtr
	page, bucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, ptr)
	if err != nil {
		return nil, false, err
	}
	page.AcquireSharedLatch()

	for !bucket.IsLeaf() {
		var childPtr BucketPointer
		if dir < 0 {
			childPtr = bucket.GetEntry(0).Left
		} else {
			childPtr = bucket.GetEntry(bucket.Size() - 1).Right
		}
		childPage, childBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, childPtr)
		if err != nil {
			page.ReleaseSharedLatch()
			t.pc.ReleasePage(page)
			return nil, false, err
		}
		childPage.AcquireSharedLatch()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		ptr, page, bucket = childPtr, childPage, childBucket
	}

	for bucket.IsEmpty() {
		var next BucketPointer
		if dir < 0 {
			next = bucket.RightSibling()
		} else {
			next = bucket.LeftSibling()
		}
		if !next.IsValid() {
			page.ReleaseSharedLatch()
			t.pc.ReleasePage(page)
			return nil, false, nil
		}
		nextPage, nextBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, next)
		if err != nil {
			page.ReleaseSharedLatch()
			t.pc.ReleasePage(page)
			return nil, false, err
		}
		nextPage.AcquireSharedLatch()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		ptr, page, bucket = next, nextPage, nextBucket
	}

	var key []byte
	if dir < 0 {
		key = bucket.GetKey(0)
	} else {
		key = bucket.GetKey(bucket.Size() - 1)
	}
	page.ReleaseSharedLatch()
	t.pc.ReleasePage(page)
	return key, true, nil
}

// FirstKey returns the smallest key in the tree, or ok=false if empty.
func (t *Tree) FirstKey(ctx context.Context) (any, bool, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	kb, ok, err := t.leafKeyAt(ctx, -1)
	if err != nil || !ok {
		return nil, ok, err
	}
	k, err := t.keyCodec.Decode(kb)
	return k, true, err
}

// LastKey returns the largest key in the tree, or ok=false if empty.
func (t *Tree) LastKey(ctx context.Context) (any, bool, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	kb, ok, err := t.leafKeyAt(ctx, 1)
	if err != nil || !ok {
		return nil, ok, err
	}
	k, err := t.keyCodec.Decode(kb)
	return k, true, err
}

// Change is a pending, not-yet-committed delta to one key's ridbag count,
// as seen by a caller that is still inside an open atomic operation when it
// asks for a size consistent with its own uncommitted writes (spec.md §6's
// `get_real_bag_size(pending_changes_map)`).
type Change struct {
	Delta int64
}

// ApplyTo adds the change's delta onto base. A key present in a pending
// map but absent from the tree contributes change.ApplyTo(0), per spec.md
// §6.
func (c Change) ApplyTo(base int64) int64 { return base + c.Delta }

// GetRealBagSize sums every entry's stored value (spec.md §6: the "rid
// bag" use case's value type is a signed integer edge count) across the
// whole tree, rather than trusting the cached tree_size attribute Size
// returns. pending carries still-uncommitted per-key deltas (keyed by the
// same decoded key type the tree's key codec produces): a key present in
// pending has its tree value — or 0, if the key is absent from the tree —
// run through Change.ApplyTo instead of counted as stored outright. The
// value codec must decode to int64; any other value type is a usage error.
// On an empty tree (root is an empty leaf) no descent past the root is
// attempted (spec.md §9's open question about findBucket(null, ...)).
func (t *Tree) GetRealBagSize(ctx context.Context, pending map[any]Change) (int64, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)

	applyAbsent := func() int64 {
		var total int64
		for _, change := range pending {
			total += change.ApplyTo(0)
		}
		return total
	}

	ptr := t.rootPtr
	page, bucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, ptr)
	if err != nil {
		return 0, err
	}
	page.AcquireSharedLatch()
	if bucket.IsLeaf() && bucket.IsEmpty() {
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		return applyAbsent(), nil
	}

	for !bucket.IsLeaf() {
		childPtr := bucket.GetEntry(0).Left
		childPage, childBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, childPtr)
		if err != nil {
			page.ReleaseSharedLatch()
			t.pc.ReleasePage(page)
			return 0, err
		}
		childPage.AcquireSharedLatch()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		ptr, page, bucket = childPtr, childPage, childBucket
	}

	seen := make(map[any]struct{}, len(pending))
	var total int64
	for {
		size := bucket.Size()
		for i := 0; i < size; i++ {
			e := bucket.GetEntry(i)
			k, err := t.keyCodec.Decode(e.Key)
			if err != nil {
				page.ReleaseSharedLatch()
				t.pc.ReleasePage(page)
				return 0, usageErr("Tree.GetRealBagSize", "decode key: "+err.Error())
			}
			v, err := t.valueCodec.Decode(e.Value)
			if err != nil {
				page.ReleaseSharedLatch()
				t.pc.ReleasePage(page)
				return 0, usageErr("Tree.GetRealBagSize", "decode value: "+err.Error())
			}
			base, ok := v.(int64)
			if !ok {
				page.ReleaseSharedLatch()
				t.pc.ReleasePage(page)
				return 0, usageErr("Tree.GetRealBagSize", fmt.Sprintf("value is %T, not int64", v))
			}
			if change, has := pending[k]; has {
				seen[k] = struct{}{}
				total += change.ApplyTo(base)
			} else {
				total += base
			}
		}
		next := bucket.RightSibling()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		if !next.IsValid() {
			break
		}
		nextPage, nextBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, next)
		if err != nil {
			return total, err
		}
		nextPage.AcquireSharedLatch()
		page, bucket = nextPage, nextBucket
	}

	for k, change := range pending {
		if _, ok := seen[k]; ok {
			continue
		}
		total += change.ApplyTo(0)
	}
	return total, nil
}

func (t *Tree) decodeEntry(e Entry) (any, any, error) {
	k, err := t.keyCodec.Decode(e.Key)
	if err != nil {
		return nil, nil, usageErr("Tree.decodeEntry", "decode key: "+err.Error())
	}
	v, err := t.valueCodec.Decode(e.Value)
	if err != nil {
		return nil, nil, usageErr("Tree.decodeEntry", "decode value: "+err.Error())
	}
	return k, v, nil
}

// scanForward walks leaves left to right starting at (page, bucket, idx),
// collecting entries until stopKey is reached (if hasStop) or maxEntries
// have been collected (if maxEntries > 0). It always releases every page
// it visits, including the starting one. This is the single engine under
// LoadEntriesMajor/Minor/Between — spec.md §4.1's range scans are
// forward-only, so Minor and Between both still start their walk from the
// left rather than scanning backward from a high key.
func (t *Tree) scanForward(ctx context.Context, page cache.PinnedPage, bucket *Bucket, idx int, hasStop bool, stopKey []byte, stopInclusive bool, maxEntries int) ([]Entry, error) {
	var out []Entry
	for {
		size := bucket.Size()
		for ; idx < size; idx++ {
			e := bucket.GetEntry(idx)
			if hasStop {
				cmp := keyCompare(e.Key, stopKey)
				if cmp > 0 || (cmp == 0 && !stopInclusive) {
					page.ReleaseSharedLatch()
					t.pc.ReleasePage(page)
					return out, nil
				}
			}
			out = append(out, e)
			if maxEntries > 0 && len(out) >= maxEntries {
				page.ReleaseSharedLatch()
				t.pc.ReleasePage(page)
				return out, nil
			}
		}
		next := bucket.RightSibling()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		if !next.IsValid() {
			return out, nil
		}
		nextPage, nextBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, next)
		if err != nil {
			return out, err
		}
		nextPage.AcquireSharedLatch()
		page, bucket, idx = nextPage, nextBucket, 0
	}
}

func keyCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// LoadEntriesMajor returns entries with keys greater than (or, if
// inclusive, greater-than-or-equal-to) fromKey, up to maxEntries (0 means
// unlimited). ascendingOnly must be true: this engine does not support
// descending range scans (spec.md §1 non-goals, §4.3); passing false is
// rejected at this API boundary with a usage error rather than silently
// scanning forward anyway.
func (t *Tree) LoadEntriesMajor(ctx context.Context, fromKey any, inclusive, ascendingOnly bool, maxEntries int) ([]KeyValue, error) {
	if !ascendingOnly {
		return nil, usageErr("Tree.LoadEntriesMajor", "descending range scans are not supported")
	}
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	kb, err := t.keyCodec.Encode(fromKey)
	if err != nil {
		return nil, usageErr("Tree.LoadEntriesMajor", "encode key: "+err.Error())
	}
	result, err := findBucketShared(ctx, t.pc, t.fileID, t.cfg, t.rootPtr, kb)
	if err != nil {
		return nil, err
	}
	start := result.Index
	if start < 0 {
		start = -start - 1
	} else if !inclusive {
		start++
	}
	entries, err := t.scanForward(ctx, result.Page, result.Leaf, start, false, nil, false, maxEntries)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(entries)
}

// LoadEntriesMinor returns entries with keys less than (or, if inclusive,
// less-than-or-equal-to) toKey, up to maxEntries (0 means unlimited). The
// scan still runs left to right, starting at the tree's first key.
func (t *Tree) LoadEntriesMinor(ctx context.Context, toKey any, inclusive bool, maxEntries int) ([]KeyValue, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	kb, err := t.keyCodec.Encode(toKey)
	if err != nil {
		return nil, usageErr("Tree.LoadEntriesMinor", "encode key: "+err.Error())
	}
	ptr := t.rootPtr
	page, bucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, ptr)
	if err != nil {
		return nil, err
	}
	page.AcquireSharedLatch()
	for !bucket.IsLeaf() {
		childPtr := bucket.GetEntry(0).Left
		childPage, childBucket, err := pinBucketAt(ctx, t.pc, t.fileID, t.cfg, childPtr)
		if err != nil {
			page.ReleaseSharedLatch()
			t.pc.ReleasePage(page)
			return nil, err
		}
		childPage.AcquireSharedLatch()
		page.ReleaseSharedLatch()
		t.pc.ReleasePage(page)
		page, bucket = childPage, childBucket
	}
	entries, err := t.scanForward(ctx, page, bucket, 0, true, kb, inclusive, maxEntries)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(entries)
}

// LoadEntriesBetween returns entries with keys in [fromKey, toKey]
// (boundary inclusivity controlled independently by fromInclusive and
// toInclusive), up to maxEntries (0 means unlimited).
func (t *Tree) LoadEntriesBetween(ctx context.Context, fromKey any, fromInclusive bool, toKey any, toInclusive bool, maxEntries int) ([]KeyValue, error) {
	t.treeLock.RLock()
	defer t.treeLock.RUnlock()
	t.lockMgr.Lock(t.rootPtr, SharedLatch)
	defer t.lockMgr.Unlock(t.rootPtr, SharedLatch)
	fromB, err := t.keyCodec.Encode(fromKey)
	if err != nil {
		return nil, usageErr("Tree.LoadEntriesBetween", "encode fromKey: "+err.Error())
	}
	toB, err := t.keyCodec.Encode(toKey)
	if err != nil {
		return nil, usageErr("Tree.LoadEntriesBetween", "encode toKey: "+err.Error())
	}
	result, err := findBucketShared(ctx, t.pc, t.fileID, t.cfg, t.rootPtr, fromB)
	if err != nil {
		return nil, err
	}
	start := result.Index
	if start < 0 {
		start = -start - 1
	} else if !fromInclusive {
		start++
	}
	entries, err := t.scanForward(ctx, result.Page, result.Leaf, start, true, toB, toInclusive, maxEntries)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(entries)
}

// KeyValue is one decoded entry returned by the range-scan operations.
type KeyValue struct {
	Key   any
	Value any
}

func (t *Tree) decodeAll(entries []Entry) ([]KeyValue, error) {
	out := make([]KeyValue, 0, len(entries))
	for _, e := range entries {
		k, v, err := t.decodeEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, KeyValue{Key: k, Value: v})
	}
	return out, nil
}

// collectChildren returns a branch bucket's distinct children: the
// leftmost entry's Left plus every entry's Right (spec.md §3's shared-edge
// convention means that is every distinct child exactly once).
func collectChildren(b *Bucket) []BucketPointer {
	size := b.Size()
	if size == 0 {
		return nil
	}
	out := make([]BucketPointer, 0, size+1)
	out = append(out, b.GetEntry(0).Left)
	for i := 0; i < size; i++ {
		out = append(out, b.GetEntry(i).Right)
	}
	return out
}

// Clear empties the tree but keeps its root bucket pointer (and therefore
// its identity, as referenced by external collection pointers) alive,
// recycling every other bucket in the tree.
func (t *Tree) Clear(ctx context.Context) error {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()
	t.lockMgr.Lock(t.rootPtr, ExclusiveLatch)
	defer t.lockMgr.Unlock(t.rootPtr, ExclusiveLatch)

	op, err := t.txnMgr.StartAtomicOperation(false)
	if err != nil {
		return err
	}
	sysPage, sys, err := t.pinSystemBucket(ctx)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	defer func() {
		sysPage.ReleaseExclusiveLatch()
		t.pc.ReleasePage(sysPage)
	}()

	page, bucket, err := t.pinRoot(ctx, ExclusiveLatch)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	defer func() {
		page.ReleaseExclusiveLatch()
		t.pc.ReleasePage(page)
	}()

	children := collectChildren(bucket)
	id, ksID, vsID := bucket.GetIdentifier(), bucket.KeySerializerID(), bucket.ValueSerializerID()
	bucket.Init(true)
	bucket.SetIdentifier(id)
	bucket.SetKeySerializerID(ksID)
	bucket.SetValueSerializerID(vsID)
	page.MarkDirty()

	for _, child := range children {
		if err := t.alloc.RecycleSubtree(ctx, sys, child); err != nil {
			t.txnMgr.EndAtomicOperation(op, true, err)
			return err
		}
	}
	t.txnMgr.EndAtomicOperation(op, false, nil)
	return nil
}

// Delete recycles the entire tree, root bucket included, returning it to
// the file's free list. The Tree must not be used again afterward.
func (t *Tree) Delete(ctx context.Context) error {
	t.treeLock.Lock()
	defer t.treeLock.Unlock()
	t.lockMgr.Lock(t.rootPtr, ExclusiveLatch)
	defer t.lockMgr.Unlock(t.rootPtr, ExclusiveLatch)

	op, err := t.txnMgr.StartAtomicOperation(false)
	if err != nil {
		return err
	}
	sysPage, sys, err := t.pinSystemBucket(ctx)
	if err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	defer func() {
		sysPage.ReleaseExclusiveLatch()
		t.pc.ReleasePage(sysPage)
	}()

	if err := t.alloc.RecycleSubtree(ctx, sys, t.rootPtr); err != nil {
		t.txnMgr.EndAtomicOperation(op, true, err)
		return err
	}
	t.rootPtr = NullBucketPointer
	t.txnMgr.EndAtomicOperation(op, false, nil)
	return nil
}

// Close releases this tree's underlying file. flush mirrors
// cache.PageCache.CloseFile's semantics: when true, dirty pages are
// written back first.
func (t *Tree) Close(flush bool) error {
	return t.pc.CloseFile(t.fileID, flush)
}
