package bonsai

import (
	"bytes"
	"encoding/binary"

	"github.com/bonsaikv/bonsai/cache"
)

// Byte offsets of the fixed bucket header, generalizing the teacher's
// page.go PageHeader (Cnt/Act/Min/Garbage/Bits/Free/Lvl/Kill/Right) from a
// single node-per-page model to the bonsai model where tree_size and
// identifier exist only on a root bucket, and a sibling-linked leaf chain
// replaces the teacher's single Right pointer.
const (
	offIsLeaf           = 0
	offDeleted          = 1
	offSize             = 2 // uint16
	offTreeSize         = 4 // uint64, root only
	offIdentifier       = 12 // uint64, root only
	offKeySerializerID  = 20
	offValueSerializerID = 21
	offLeftSibling      = 22 // bucketPointerSize bytes
	offRightSibling     = 32 // bucketPointerSize bytes
	offFreeListPointer  = 42 // bucketPointerSize bytes
	offFreeSpacePointer = 52 // uint16
	// bytes [54,HeaderSize) are reserved padding.
)

// UpdateResult is the outcome of Bucket.UpdateValue, per spec.md §4.1.
type UpdateResult int

const (
	// NoChange means the new value, byte for byte, equals the old one.
	NoChange UpdateResult = iota
	// Updated means the new value was written in place because it fit in
	// the old slot.
	Updated
	// Reinsert means the caller must Remove(i) and then AddEntry, because
	// the new value is longer than the old one and does not fit its slot.
	Reinsert
)

// Bucket is the in-memory view of one fixed-size subpage: header, sorted
// slot directory, and payload region, all backed directly by a pinned
// page's byte slice (cache.PinnedPage.Bytes()) so every mutation here is
// visible to the cache's change tracker immediately. This generalizes the
// teacher's Page type (page.go) from "whole page is one node" addressing
// to "bucket is a fixed-stride slice of a page".
type Bucket struct {
	data    []byte
	changes cache.ChangeSet
}

// NewBucket wraps the byte region backing one bucket. data must have
// exactly the tree's configured MaxBucketSizeBytes length. changes may be
// nil (used by in-memory scratch buckets such as split's temporary frame).
func NewBucket(data []byte, changes cache.ChangeSet) *Bucket {
	return &Bucket{data: data, changes: changes}
}

func (b *Bucket) record(offset int, newBytes []byte) {
	if b.changes == nil {
		return
	}
	before := make([]byte, len(newBytes))
	copy(before, b.data[offset:offset+len(newBytes)])
	b.changes.RecordDelta(offset, before, newBytes)
}

func (b *Bucket) putUint8(off int, v uint8) {
	nb := []byte{v}
	b.record(off, nb)
	b.data[off] = v
}

func (b *Bucket) getUint8(off int) uint8 { return b.data[off] }

func (b *Bucket) putUint16(off int, v uint16) {
	nb := make([]byte, 2)
	binary.LittleEndian.PutUint16(nb, v)
	b.record(off, nb)
	binary.LittleEndian.PutUint16(b.data[off:], v)
}

func (b *Bucket) getUint16(off int) uint16 {
	return binary.LittleEndian.Uint16(b.data[off:])
}

func (b *Bucket) putUint64(off int, v uint64) {
	nb := make([]byte, 8)
	binary.LittleEndian.PutUint64(nb, v)
	b.record(off, nb)
	binary.LittleEndian.PutUint64(b.data[off:], v)
}

func (b *Bucket) getUint64(off int) uint64 {
	return binary.LittleEndian.Uint64(b.data[off:])
}

func (b *Bucket) putPointer(off int, p BucketPointer) {
	nb := encodePointer(p)
	b.record(off, nb)
	copy(b.data[off:off+bucketPointerSize], nb)
}

func (b *Bucket) getPointer(off int) BucketPointer {
	return decodePointer(b.data[off:])
}

// Init resets the bucket to an empty bucket of the given leaf-ness,
// clearing header, slot directory, and payload. Used both for brand-new
// allocations and for Tree.Clear's "reset root to an empty leaf".
func (b *Bucket) Init(isLeaf bool) {
	for i := range b.data {
		b.data[i] = 0
	}
	if b.changes != nil {
		b.changes.RecordDelta(0, nil, b.data)
	}
	if isLeaf {
		b.putUint8(offIsLeaf, 1)
	}
	b.putPointer(offLeftSibling, NullBucketPointer)
	b.putPointer(offRightSibling, NullBucketPointer)
	b.putPointer(offFreeListPointer, NullBucketPointer)
	b.putUint16(offFreeSpacePointer, uint16(len(b.data)))
}

func (b *Bucket) IsLeaf() bool  { return b.getUint8(offIsLeaf) != 0 }
func (b *Bucket) SetLeaf(v bool) {
	if v {
		b.putUint8(offIsLeaf, 1)
	} else {
		b.putUint8(offIsLeaf, 0)
	}
}

func (b *Bucket) IsDeleted() bool   { return b.getUint8(offDeleted) != 0 }
func (b *Bucket) SetDeleted(v bool) {
	if v {
		b.putUint8(offDeleted, 1)
	} else {
		b.putUint8(offDeleted, 0)
	}
}

func (b *Bucket) Size() int    { return int(b.getUint16(offSize)) }
func (b *Bucket) IsEmpty() bool { return b.Size() == 0 }

func (b *Bucket) setSize(n int) { b.putUint16(offSize, uint16(n)) }

func (b *Bucket) GetTreeSize() uint64    { return b.getUint64(offTreeSize) }
func (b *Bucket) SetTreeSize(v uint64)   { b.putUint64(offTreeSize, v) }
func (b *Bucket) GetIdentifier() uint64  { return b.getUint64(offIdentifier) }
func (b *Bucket) SetIdentifier(v uint64) { b.putUint64(offIdentifier, v) }

func (b *Bucket) KeySerializerID() uint8    { return b.getUint8(offKeySerializerID) }
func (b *Bucket) SetKeySerializerID(id uint8) { b.putUint8(offKeySerializerID, id) }

func (b *Bucket) ValueSerializerID() uint8    { return b.getUint8(offValueSerializerID) }
func (b *Bucket) SetValueSerializerID(id uint8) { b.putUint8(offValueSerializerID, id) }

func (b *Bucket) LeftSibling() BucketPointer    { return b.getPointer(offLeftSibling) }
func (b *Bucket) SetLeftSibling(p BucketPointer) { b.putPointer(offLeftSibling, p) }
func (b *Bucket) RightSibling() BucketPointer    { return b.getPointer(offRightSibling) }
func (b *Bucket) SetRightSibling(p BucketPointer) { b.putPointer(offRightSibling, p) }

func (b *Bucket) FreeListPointer() BucketPointer    { return b.getPointer(offFreeListPointer) }
func (b *Bucket) SetFreeListPointer(p BucketPointer) { b.putPointer(offFreeListPointer, p) }

func (b *Bucket) freeSpacePointer() int    { return int(b.getUint16(offFreeSpacePointer)) }
func (b *Bucket) setFreeSpacePointer(v int) { b.putUint16(offFreeSpacePointer, uint16(v)) }

// slotOffset returns the byte offset, within the slot directory, of slot
// index i's stored payload-offset field (not the payload offset itself).
func (b *Bucket) slotOffset(i int) int { return HeaderSize + i*SlotWidth }

func (b *Bucket) payloadOffsetAt(i int) int {
	return int(binary.LittleEndian.Uint16(b.data[b.slotOffset(i):]))
}

func (b *Bucket) setPayloadOffsetAt(i, payloadOff int) {
	nb := make([]byte, SlotWidth)
	binary.LittleEndian.PutUint16(nb, uint16(payloadOff))
	b.record(b.slotOffset(i), nb)
	binary.LittleEndian.PutUint16(b.data[b.slotOffset(i):], uint16(payloadOff))
}

// GetKey returns slot i's key bytes.
func (b *Bucket) GetKey(i int) []byte {
	off := b.payloadOffsetAt(i)
	if b.IsLeaf() {
		return readLenPrefixed(b.data, off)
	}
	return readLenPrefixed(b.data, off+2*bucketPointerSize)
}

// GetEntry returns slot i's full entry, interpreted as a leaf or branch
// entry depending on the bucket's IsLeaf().
func (b *Bucket) GetEntry(i int) Entry {
	off := b.payloadOffsetAt(i)
	if b.IsLeaf() {
		key, next := readLenPrefixedAt(b.data, off)
		value, _ := readLenPrefixedAt(b.data, next)
		return leafEntry(key, value)
	}
	left := readPointerAt(b.data, off)
	right := readPointerAt(b.data, off+bucketPointerSize)
	key, _ := readLenPrefixedAt(b.data, off+2*bucketPointerSize)
	return branchEntry(left, key, right)
}

func readLenPrefixed(data []byte, off int) []byte {
	b, _ := readLenPrefixedAt(data, off)
	return b
}

func readLenPrefixedAt(data []byte, off int) ([]byte, int) {
	n := int(binary.LittleEndian.Uint16(data[off:]))
	start := off + 2
	out := make([]byte, n)
	copy(out, data[start:start+n])
	return out, start + n
}

func readPointerAt(data []byte, off int) BucketPointer {
	return decodePointer(data[off:])
}

// entryEncodedSize returns how many payload bytes Entry e would occupy.
func (b *Bucket) entryEncodedSize(e Entry) int {
	if b.IsLeaf() {
		return 2 + len(e.Key) + 2 + len(e.Value)
	}
	return 2*bucketPointerSize + 2 + len(e.Key)
}

func (b *Bucket) writeEntryAt(off int, e Entry) {
	buf := make([]byte, b.entryEncodedSize(e))
	if b.IsLeaf() {
		binary.LittleEndian.PutUint16(buf, uint16(len(e.Key)))
		copy(buf[2:], e.Key)
		vOff := 2 + len(e.Key)
		binary.LittleEndian.PutUint16(buf[vOff:], uint16(len(e.Value)))
		copy(buf[vOff+2:], e.Value)
	} else {
		binary.LittleEndian.PutUint64(buf, uint64(e.Left.PageIndex))
		binary.LittleEndian.PutUint16(buf[8:], e.Left.PageOffset)
		binary.LittleEndian.PutUint64(buf[bucketPointerSize:], uint64(e.Right.PageIndex))
		binary.LittleEndian.PutUint16(buf[bucketPointerSize+8:], e.Right.PageOffset)
		kOff := 2 * bucketPointerSize
		binary.LittleEndian.PutUint16(buf[kOff:], uint16(len(e.Key)))
		copy(buf[kOff+2:], e.Key)
	}
	b.record(off, buf)
	copy(b.data[off:off+len(buf)], buf)
}

// Find performs a binary search over the slot directory. It returns the
// matching slot index when key is present, or -(insertionPoint)-1
// otherwise (spec.md §4.1).
func (b *Bucket) Find(key []byte) int {
	lo, hi := 0, b.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(b.GetKey(mid), key)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return -lo - 1
}

// freeBytes reports how many bytes remain between the end of the slot
// directory and the start of the payload region.
func (b *Bucket) freeBytes() int {
	slotDirEnd := HeaderSize + b.Size()*SlotWidth
	return b.freeSpacePointer() - slotDirEnd
}

// AddEntry inserts e at slot index i, shifting slots [i, size) up by one.
// It returns false — without adding, removing or reordering any entry —
// when the bucket does not have room, even after a defragmenting compact()
// (which may already have rewritten the payload region); the caller must
// then split. When updateNeighbors is true and the bucket is a branch, the
// neighbor slots' shared child pointer is reconciled with e, per spec.md
// §4.1's shared-child invariant.
func (b *Bucket) AddEntry(i int, e Entry, updateNeighbors bool) bool {
	need := b.entryEncodedSize(e) + SlotWidth
	if b.freeBytes() < need {
		b.compact()
		if b.freeBytes() < need {
			return false
		}
	}

	// Shift the slot directory to open a hole at i.
	size := b.Size()
	for s := size; s > i; s-- {
		prevOff := b.payloadOffsetAt(s - 1)
		b.setPayloadOffsetAt(s, prevOff)
	}
	payloadOff := b.freeSpacePointer() - b.entryEncodedSize(e)
	b.writeEntryAt(payloadOff, e)
	b.setPayloadOffsetAt(i, payloadOff)
	b.setFreeSpacePointer(payloadOff)
	b.setSize(size + 1)

	if updateNeighbors && !b.IsLeaf() {
		if i > 0 {
			left := b.GetEntry(i - 1)
			left.Right = e.Left
			b.rewriteEntryInPlace(i-1, left)
		}
		if i+1 < b.Size() {
			right := b.GetEntry(i + 1)
			right.Left = e.Right
			b.rewriteEntryInPlace(i+1, right)
		}
	}
	return true
}

// rewriteEntryInPlace overwrites slot i's entry, reusing its existing
// payload slot when the new encoding is no larger, otherwise appending a
// fresh payload region (the old one becomes garbage, reclaimed by the next
// compact()).
func (b *Bucket) rewriteEntryInPlace(i int, e Entry) {
	off := b.payloadOffsetAt(i)
	oldSize := b.entrySizeAt(i)
	if b.entryEncodedSize(e) <= oldSize {
		b.writeEntryAt(off, e)
		return
	}
	if b.freeBytes() < b.entryEncodedSize(e) {
		b.compact()
	}
	newOff := b.freeSpacePointer() - b.entryEncodedSize(e)
	b.writeEntryAt(newOff, e)
	b.setPayloadOffsetAt(i, newOff)
	b.setFreeSpacePointer(newOff)
}

// entrySizeAt returns how many payload bytes are currently occupied by
// slot i's entry, by re-deriving it from the stored key/value lengths.
func (b *Bucket) entrySizeAt(i int) int {
	off := b.payloadOffsetAt(i)
	if b.IsLeaf() {
		kLen := int(binary.LittleEndian.Uint16(b.data[off:]))
		vOff := off + 2 + kLen
		vLen := int(binary.LittleEndian.Uint16(b.data[vOff:]))
		return 2 + kLen + 2 + vLen
	}
	kOff := off + 2*bucketPointerSize
	kLen := int(binary.LittleEndian.Uint16(b.data[kOff:]))
	return 2*bucketPointerSize + 2 + kLen
}

// UpdateValue overwrites slot i's value in place if it fits, per spec.md
// §4.1.
func (b *Bucket) UpdateValue(i int, value []byte) UpdateResult {
	e := b.GetEntry(i)
	if bytes.Equal(e.Value, value) {
		return NoChange
	}
	off := b.payloadOffsetAt(i)
	kLen := int(binary.LittleEndian.Uint16(b.data[off:]))
	vOff := off + 2 + kLen
	oldVLen := int(binary.LittleEndian.Uint16(b.data[vOff:]))
	if len(value) > oldVLen {
		return Reinsert
	}
	nb := make([]byte, 2+len(value))
	binary.LittleEndian.PutUint16(nb, uint16(len(value)))
	copy(nb[2:], value)
	b.record(vOff, nb)
	copy(b.data[vOff:vOff+len(nb)], nb)
	if len(value) < oldVLen {
		// zero the freed tail so a later GetEntry never reads stale bytes
		// beyond the new length field.
		tailOff := vOff + 2 + len(value)
		tailLen := oldVLen - len(value)
		zeros := make([]byte, tailLen)
		b.record(tailOff, zeros)
		copy(b.data[tailOff:tailOff+tailLen], zeros)
	}
	return Updated
}

// Remove deletes slot i and compacts the slot directory. On branches, the
// freed child pointer becomes implicitly owned by the surviving neighbor's
// shared pointer — callers are responsible for having already reconciled
// that. Within this module, Remove is only called on leaf buckets.
func (b *Bucket) Remove(i int) {
	size := b.Size()
	for s := i; s < size-1; s++ {
		b.setPayloadOffsetAt(s, b.payloadOffsetAt(s+1))
	}
	b.setSize(size - 1)
}

// AddAll bulk-replaces the bucket's contents, used by split to populate a
// freshly allocated half. The bucket must already have been Init'd (or
// otherwise emptied) with the correct leaf-ness.
func (b *Bucket) AddAll(entries []Entry) bool {
	b.setSize(0)
	b.setFreeSpacePointer(len(b.data))
	for i, e := range entries {
		if !b.AddEntry(i, e, false) {
			return false
		}
	}
	return true
}

// Shrink truncates the slot directory to the first newSize entries and
// reclaims payload bytes by compacting, per spec.md §4.1.
func (b *Bucket) Shrink(newSize int) {
	b.setSize(newSize)
	b.compact()
}

// compact rewrites the payload region contiguously from the top, in slot
// order, discarding any bytes orphaned by Remove/UpdateValue/Shrink. This
// generalizes the teacher's cleanPage/removeDeletedAndLibrarianSlots
// (bltree.go) from "rebuild around librarian placeholders" to "rebuild
// around whichever slots survived".
func (b *Bucket) compact() {
	size := b.Size()
	entries := make([]Entry, size)
	for i := 0; i < size; i++ {
		entries[i] = b.GetEntry(i)
	}
	next := len(b.data)
	for i := size - 1; i >= 0; i-- {
		sz := b.entryEncodedSize(entries[i])
		next -= sz
		b.writeEntryAt(next, entries[i])
		b.setPayloadOffsetAt(i, next)
	}
	b.setFreeSpacePointer(next)
}
