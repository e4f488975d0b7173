// Package termarena implements the bump-allocated byte-buffer arena that
// mirrors a WASM module's linear memory. Every term the worker touches
// lives at a uint32 byte offset into this buffer; the arena itself never
// interprets those bytes, it only allocates, reads, and writes them.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package termarena

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Voskan/reflex-wasm-worker/internal/unsafehelpers"
)

// Pointer is a byte offset into an Arena's backing buffer. The zero value,
// NullPointer, never addresses a valid term: every arena reserves its first
// word so that offset 0 can be used as a sentinel by compiled code.
type Pointer uint32

// NullPointer is the reserved zero offset, equivalent to a nil term reference.
const NullPointer Pointer = 0

// IsNull reports whether p is the null pointer.
func (p Pointer) IsNull() bool { return p == NullPointer }

// reservedPrefix is the number of bytes claimed at offset 0 so NullPointer
// never aliases real data. Matches the paired compiler's convention of
// beginning heap layout at a non-zero offset.
const reservedPrefix = 8

// Arena is a bump allocator over a byte buffer. Backing may be a live view
// into a wazero module's linear memory (Data()) or a plain Go slice used in
// tests and during GC compaction when building a fresh heap.
type Arena struct {
	buf []byte
	end Pointer
}

// ErrOutOfRange is returned when a read or write would cross the end of the
// arena's current allocation.
var ErrOutOfRange = errors.New("termarena: access out of range")

// New wraps an existing byte buffer as an arena whose live region is
// [0:end). The buffer's capacity bounds how far Allocate can grow before
// callers must reallocate the backing memory (e.g. a wazero memory.Grow).
func New(buf []byte, end Pointer) *Arena {
	return &Arena{buf: buf, end: end}
}

// NewEmpty creates a fresh arena of the given capacity with only the
// reserved prefix allocated, used when GC builds a new heap from an
// initial_heap_snapshot.
func NewEmpty(capacity int) *Arena {
	a := &Arena{buf: make([]byte, capacity), end: reservedPrefix}
	return a
}

// Rebind replaces the backing buffer without touching the end cursor. Used
// after a wazero memory.Grow call invalidates any previously read []byte
// view.
func (a *Arena) Rebind(buf []byte) { a.buf = buf }

// Bytes returns the live region of the backing buffer, [0:EndOffset()).
func (a *Arena) Bytes() []byte { return a.buf[:a.end] }

// Cap returns the capacity of the backing buffer.
func (a *Arena) Cap() int { return len(a.buf) }

// EndOffset returns the bump cursor: the offset of the first unallocated byte.
func (a *Arena) EndOffset() Pointer { return a.end }

// SetEndOffset forcibly rewinds or advances the bump cursor. Used by GC to
// truncate a heap to a snapshot point, and by tests constructing fixtures.
func (a *Arena) SetEndOffset(p Pointer) { a.end = p }

// Allocate bumps the cursor by size bytes, 4-byte aligned, and returns the
// offset of the new region. Returns ErrOutOfRange if the backing buffer is
// too small; callers are expected to grow the buffer (or the underlying
// WASM memory) before retrying.
func (a *Arena) Allocate(size uint32) (Pointer, error) {
	aligned := Pointer(unsafehelpers.AlignUp(uintptr(a.end), 4))
	next := aligned + Pointer(size)
	if int(next) > len(a.buf) {
		return NullPointer, fmt.Errorf("%w: need %d bytes, have %d", ErrOutOfRange, next, len(a.buf))
	}
	a.end = next
	return aligned, nil
}

// slice returns a[offset:offset+length], bounds-checked.
func (a *Arena) slice(offset Pointer, length int) ([]byte, error) {
	end := int(offset) + length
	if length < 0 || end > len(a.buf) || int(offset) < 0 {
		return nil, fmt.Errorf("%w: offset=%d length=%d cap=%d", ErrOutOfRange, offset, length, len(a.buf))
	}
	return a.buf[offset:end], nil
}

// ReadUint32 reads a little-endian u32 at offset.
func (a *Arena) ReadUint32(offset Pointer) (uint32, error) {
	b, err := a.slice(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint32 writes a little-endian u32 at offset.
func (a *Arena) WriteUint32(offset Pointer, v uint32) error {
	b, err := a.slice(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// ReadUint64 reads a little-endian u64 at offset.
func (a *Arena) ReadUint64(offset Pointer) (uint64, error) {
	b, err := a.slice(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 writes a little-endian u64 at offset.
func (a *Arena) WriteUint64(offset Pointer, v uint64) error {
	b, err := a.slice(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// ReadPointer reads a Pointer (u32) at offset.
func (a *Arena) ReadPointer(offset Pointer) (Pointer, error) {
	v, err := a.ReadUint32(offset)
	return Pointer(v), err
}

// WritePointer writes a Pointer (u32) at offset.
func (a *Arena) WritePointer(offset Pointer, v Pointer) error {
	return a.WriteUint32(offset, uint32(v))
}

// ReadBytes returns a copy of length bytes starting at offset. Always
// copies: the arena's backing buffer may be a wazero memory view invalidated
// by the next WASM call.
func (a *Arena) ReadBytes(offset Pointer, length int) ([]byte, error) {
	b, err := a.slice(offset, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

// WriteBytes copies data into the arena at offset.
func (a *Arena) WriteBytes(offset Pointer, data []byte) error {
	b, err := a.slice(offset, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Ref is a (arena, offset) pair supporting O(1) field-offset computation
// without copying, mirroring the inner_ref/inner_pointer pattern used to
// navigate term layouts.
type Ref struct {
	Arena *Arena
	Ptr   Pointer
}

// Field returns a Ref to a sub-field at a fixed byte offset from r's
// pointer, e.g. r.Field(8) for the field starting 8 bytes into a term.
func (r Ref) Field(byteOffset uint32) Ref {
	return Ref{Arena: r.Arena, Ptr: r.Ptr + Pointer(byteOffset)}
}

// IsNull reports whether the ref's pointer is null.
func (r Ref) IsNull() bool { return r.Ptr.IsNull() }
