// Package term defines the term-header layout and type-tag taxonomy shared
// by every arena-resident value: expressions, conditions, dependency-tree
// nodes, and the evaluation-cache structures themselves. It never
// allocates a WASM heap itself; it only describes how to read and write the
// bytes one has already located via termarena.Pointer.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package term

import (
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
	"github.com/cespare/xxhash/v2"
)

// Tag identifies a term's variant. Values below TagIteratorBase are plain
// expression/condition kinds; values from TagIteratorBase up enumerate the
// fifteen iterator sub-kinds as a contiguous block so callers can test
// `tag >= TagIteratorBase` instead of maintaining a second list.
type Tag uint32

const (
	TagNil Tag = iota
	TagBoolean
	TagInt
	TagFloat
	TagString
	TagSymbol
	TagList
	TagRecord
	TagHashmap
	TagHashset
	TagApplication
	TagLambda
	TagVariable
	TagLet
	TagEffect
	TagSignal
	TagCondition
	TagBuiltin
	TagCellPointer // a PointerTerm: a single-field indirection to another term
	TagCell        // a CellTerm: the generic fixed-size payload cell a PointerTerm addresses

	// Dependency-tree / cache bookkeeping kinds, never visible to user
	// expressions but laid out in the same arena.
	TagDependencyTree
	TagEvaluationCache

	TagIteratorBase
	TagIteratorEmpty = TagIteratorBase + iota - 1
	TagIteratorOnce
	TagIteratorRepeat
	TagIteratorRange
	TagIteratorMap
	TagIteratorFilter
	TagIteratorFlatten
	TagIteratorTake
	TagIteratorSkip
	TagIteratorZip
	TagIteratorChain
	TagIteratorIntersperse
	TagIteratorAccumulate
	TagIteratorEvaluate
	TagIteratorHashmapKeys
)

// headerSize is the on-the-wire byte size of a Header: a 4-byte type tag
// followed by an 8-byte content hash, 4-byte aligned so it lines up with the
// arena's own allocation alignment.
const headerSize = 12

// Header is the fixed prefix every arena term begins with.
type Header struct {
	Tag         Tag
	ContentHash uint64
}

// ReadHeader reads the header at ptr.
func ReadHeader(a *termarena.Arena, ptr termarena.Pointer) (Header, error) {
	tag, err := a.ReadUint32(ptr)
	if err != nil {
		return Header{}, err
	}
	hash, err := a.ReadUint64(ptr + 4)
	if err != nil {
		return Header{}, err
	}
	return Header{Tag: Tag(tag), ContentHash: hash}, nil
}

// WriteHeader writes the header at ptr.
func WriteHeader(a *termarena.Arena, ptr termarena.Pointer, h Header) error {
	if err := a.WriteUint32(ptr, uint32(h.Tag)); err != nil {
		return err
	}
	return a.WriteUint64(ptr+4, h.ContentHash)
}

// PayloadOffset is the byte offset of a term's variant-specific payload,
// immediately following the fixed header.
const PayloadOffset = headerSize

// Hasher accumulates a content hash the same way the paired compiler does:
// seed on the tag so that two structurally different kinds never collide by
// construction, then fold in each child's own content hash (never a raw
// pointer) so the hash survives arena relocation untouched.
type Hasher struct {
	d *xxhash.Digest
}

// NewHasher starts a hash seeded by tag.
func NewHasher(tag Tag) *Hasher {
	d := xxhash.New()
	var tagBytes [4]byte
	tagBytes[0] = byte(tag)
	tagBytes[1] = byte(tag >> 8)
	tagBytes[2] = byte(tag >> 16)
	tagBytes[3] = byte(tag >> 24)
	_, _ = d.Write(tagBytes[:])
	return &Hasher{d: d}
}

// WriteHash folds in a child's already-computed content hash.
func (h *Hasher) WriteHash(childHash uint64) {
	var b [8]byte
	for i := range b {
		b[i] = byte(childHash >> (8 * i))
	}
	_, _ = h.d.Write(b[:])
}

// WriteBytes folds in raw scalar payload bytes (e.g. an int or float's
// little-endian representation, or a string's UTF-8 bytes).
func (h *Hasher) WriteBytes(b []byte) { _, _ = h.d.Write(b) }

// Sum returns the accumulated content hash.
func (h *Hasher) Sum() uint64 { return h.d.Sum64() }

// HashScalarBytes is a convenience for single-shot hashing of a tag plus a
// flat byte payload (booleans, ints, floats, strings, symbols).
func HashScalarBytes(tag Tag, payload []byte) uint64 {
	h := NewHasher(tag)
	h.WriteBytes(payload)
	return h.Sum()
}

// HashChildren is a convenience for single-shot hashing of a tag plus an
// ordered list of child content hashes (lists, records, applications, ...).
func HashChildren(tag Tag, children []uint64) uint64 {
	h := NewHasher(tag)
	for _, c := range children {
		h.WriteHash(c)
	}
	return h.Sum()
}
