// Package codec provides the key/value serializers the bonsai tree engine
// stores bucket entries through. The spec places codecs outside the core
// engine ("key/value codecs" in spec.md §1 are an external collaborator);
// this package is that collaborator's concrete, swappable home, generalizing
// the teacher's inline fixed-width/length-prefixed byte handling in
// page.go (SetKey/Key/SetValue/Value) into reusable, identified codecs a
// root bucket can name by id.
package codec

import (
	"encoding/binary"
	"fmt"
)

// ID is the stable identifier recorded in a root bucket's header so a tree
// can be reloaded later and rehydrate the same codec (spec.md §4.3 "load").
// An id unknown to the running binary surfaces KindUnsupported.
type ID uint8

const (
	// IDBytes is the raw-bytes, length-prefixed codec.
	IDBytes ID = iota
	// IDString is UTF-8 text, length-prefixed like IDBytes but typed.
	IDString
	// IDUint64 is a fixed-width 8-byte unsigned integer, big-endian so
	// lexicographic byte order matches numeric order in the slot
	// directory's key comparator.
	IDUint64
	// IDInt64 is a fixed-width 8-byte signed integer, sign-flipped so
	// that its big-endian byte order matches numeric order. Used by the
	// canonical "rid bag" value type (spec.md §6, get_real_bag_size).
	IDInt64
)

// Codec serializes and deserializes one logical value. Implementations
// must be deterministic and, for keys, must produce byte encodings whose
// lexicographic order matches the comparator's intended order, since the
// bucket codec sorts slots by the raw encoded bytes.
type Codec interface {
	ID() ID
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// Registry resolves a codec id back to a Codec instance, used when a tree
// is loaded and must rehydrate its key/value codecs from the ids recorded
// in the root bucket (spec.md §4.3).
type Registry struct {
	codecs map[ID]Codec
}

// NewRegistry returns a registry pre-populated with the built-in codecs.
// Callers may register additional codecs before loading trees that use
// them.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[ID]Codec)}
	for _, c := range []Codec{BytesCodec{}, StringCodec{}, Uint64Codec{}, Int64Codec{}} {
		r.codecs[c.ID()] = c
	}
	return r
}

// Register adds or replaces the codec for its own ID().
func (r *Registry) Register(c Codec) {
	r.codecs[c.ID()] = c
}

// Resolve looks up a codec by id. The returned error, when non-nil, is a
// plain error — the engine package wraps it as KindUnsupported so callers
// outside this package never need to import it to check codec ids.
func (r *Registry) Resolve(id ID) (Codec, error) {
	c, ok := r.codecs[id]
	if !ok {
		return nil, fmt.Errorf("codec: unknown serializer id %d", id)
	}
	return c, nil
}

// BytesCodec stores []byte values verbatim, length-prefixing is handled by
// the bucket codec itself (it already tracks entry lengths), so Encode and
// Decode here are identity operations over the raw slice.
type BytesCodec struct{}

func (BytesCodec) ID() ID { return IDBytes }

func (BytesCodec) Encode(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: BytesCodec.Encode: want []byte, got %T", v)
	}
	return b, nil
}

func (BytesCodec) Decode(b []byte) (any, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// StringCodec stores strings as their UTF-8 bytes.
type StringCodec struct{}

func (StringCodec) ID() ID { return IDString }

func (StringCodec) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("codec: StringCodec.Encode: want string, got %T", v)
	}
	return []byte(s), nil
}

func (StringCodec) Decode(b []byte) (any, error) {
	return string(b), nil
}

// Uint64Codec stores a uint64 as 8 big-endian bytes, so slot-directory
// ordering (a byte comparator) matches numeric ordering.
type Uint64Codec struct{}

func (Uint64Codec) ID() ID { return IDUint64 }

func (Uint64Codec) Encode(v any) ([]byte, error) {
	n, ok := v.(uint64)
	if !ok {
		return nil, fmt.Errorf("codec: Uint64Codec.Encode: want uint64, got %T", v)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b, nil
}

func (Uint64Codec) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("codec: Uint64Codec.Decode: want 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Int64Codec stores a signed int64 with its sign bit flipped before
// big-endian encoding, so that negative numbers sort before non-negative
// ones under plain byte comparison. This is the value codec the "rid bag"
// canonical client (spec.md §1, §6 get_real_bag_size) uses for its
// signed edge-count values.
type Int64Codec struct{}

func (Int64Codec) ID() ID { return IDInt64 }

func (Int64Codec) Encode(v any) ([]byte, error) {
	n, ok := v.(int64)
	if !ok {
		return nil, fmt.Errorf("codec: Int64Codec.Encode: want int64, got %T", v)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n)^(1<<63))
	return b, nil
}

func (Int64Codec) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("codec: Int64Codec.Decode: want 8 bytes, got %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}
