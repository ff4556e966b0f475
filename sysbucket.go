package bonsai

import "encoding/binary"

// System-bucket field offsets. The system bucket always lives at
// BucketPointer{PageIndex: 0, PageOffset: 0} (spec.md §3) and is never
// subject to the ordinary bucket codec — it has its own fixed layout
// because it holds allocator state, not tree entries.
const (
	sysOffInitialized     = 0
	sysOffBumpPointer     = 2  // BucketPointer: next never-yet-used bucket slot
	sysOffFreeListHead    = 12 // BucketPointer: head of the recycled-bucket free list
	sysOffFreeListLength  = 22 // uint64: number of buckets currently on the free list
)

// SystemBucket wraps the allocator bookkeeping region at (0,0). The
// teacher has no equivalent — BufMgr tracks free pages via an in-memory
// slice (bufmgr.go's freePages) rebuilt from a page-id mapping page rather
// than a fixed well-known address — so this is grounded directly in
// spec.md §3's "System bucket" description.
type SystemBucket struct {
	data    []byte
	changes func(offset int, before, after []byte)
}

// NewSystemBucket wraps the system bucket's region at the start of page 0
// (callers pass its first Config.MaxBucketSizeBytes bytes). recordFn
// may be nil when no change tracking is desired (e.g. scratch use in
// tests).
func NewSystemBucket(data []byte, recordFn func(offset int, before, after []byte)) *SystemBucket {
	return &SystemBucket{data: data, changes: recordFn}
}

func (s *SystemBucket) record(off int, newBytes []byte) {
	if s.changes == nil {
		return
	}
	before := make([]byte, len(newBytes))
	copy(before, s.data[off:off+len(newBytes)])
	s.changes(off, before, newBytes)
}

// IsInitialized reports whether Init has ever been called on this file's
// system bucket.
func (s *SystemBucket) IsInitialized() bool { return s.data[sysOffInitialized] != 0 }

// Init sets up a brand-new file's system bucket: the bump pointer starts
// at the second bucket slot of page 0 (the first slot is the system
// bucket itself), and the free list starts empty.
func (s *SystemBucket) Init(firstBumpPointer BucketPointer) {
	nb := []byte{1}
	s.record(sysOffInitialized, nb)
	s.data[sysOffInitialized] = 1
	s.SetBumpPointer(firstBumpPointer)
	s.SetFreeListHead(NullBucketPointer)
	s.SetFreeListLength(0)
}

func (s *SystemBucket) BumpPointer() BucketPointer {
	return decodePointer(s.data[sysOffBumpPointer:])
}

func (s *SystemBucket) SetBumpPointer(p BucketPointer) {
	nb := encodePointer(p)
	s.record(sysOffBumpPointer, nb)
	copy(s.data[sysOffBumpPointer:sysOffBumpPointer+bucketPointerSize], nb)
}

func (s *SystemBucket) FreeListHead() BucketPointer {
	return decodePointer(s.data[sysOffFreeListHead:])
}

func (s *SystemBucket) SetFreeListHead(p BucketPointer) {
	nb := encodePointer(p)
	s.record(sysOffFreeListHead, nb)
	copy(s.data[sysOffFreeListHead:sysOffFreeListHead+bucketPointerSize], nb)
}

func (s *SystemBucket) FreeListLength() uint64 {
	return binary.LittleEndian.Uint64(s.data[sysOffFreeListLength:])
}

func (s *SystemBucket) SetFreeListLength(n uint64) {
	nb := make([]byte, 8)
	binary.LittleEndian.PutUint64(nb, n)
	s.record(sysOffFreeListLength, nb)
	copy(s.data[sysOffFreeListLength:sysOffFreeListLength+8], nb)
}

func encodePointer(p BucketPointer) []byte {
	b := make([]byte, bucketPointerSize)
	binary.LittleEndian.PutUint64(b, uint64(p.PageIndex))
	binary.LittleEndian.PutUint16(b[8:], p.PageOffset)
	return b
}

func decodePointer(b []byte) BucketPointer {
	idx := int64(binary.LittleEndian.Uint64(b))
	off := binary.LittleEndian.Uint16(b[8:])
	return BucketPointer{PageIndex: idx, PageOffset: off}
}
