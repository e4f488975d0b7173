package serializer

import (
	"testing"

	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

func writeInt(t *testing.T, a *termarena.Arena, v uint64) termarena.Pointer {
	t.Helper()
	ptr, err := a.Allocate(term.PayloadOffset + 8)
	if err != nil {
		t.Fatal(err)
	}
	h := term.Header{Tag: term.TagInt, ContentHash: term.HashScalarBytes(term.TagInt, uint64Bytes(v))}
	if err := term.WriteHeader(a, ptr, h); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteUint64(ptr+term.PayloadOffset, v); err != nil {
		t.Fatal(err)
	}
	return ptr
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func writeList(t *testing.T, a *termarena.Arena, children []termarena.Pointer) termarena.Pointer {
	t.Helper()
	hashes := make([]uint64, len(children))
	for i, c := range children {
		h, err := term.ReadHeader(a, c)
		if err != nil {
			t.Fatal(err)
		}
		hashes[i] = h.ContentHash
	}
	ptr, err := a.Allocate(uint32(term.PayloadOffset + 4 + 4*len(children)))
	if err != nil {
		t.Fatal(err)
	}
	h := term.Header{Tag: term.TagList, ContentHash: term.HashChildren(term.TagList, hashes)}
	if err := term.WriteHeader(a, ptr, h); err != nil {
		t.Fatal(err)
	}
	payload := ptr + term.PayloadOffset
	if err := a.WriteUint32(payload, uint32(len(children))); err != nil {
		t.Fatal(err)
	}
	for i, c := range children {
		if err := a.WritePointer(payload+4+termarena.Pointer(i*4), c); err != nil {
			t.Fatal(err)
		}
	}
	return ptr
}

func TestCopyNullPointer(t *testing.T) {
	src := termarena.NewEmpty(64)
	dst := termarena.NewEmpty(64)
	s := NewState()
	p, err := s.Copy(src, dst, termarena.NullPointer)
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsNull() {
		t.Fatalf("Copy(null) = %d, want null", p)
	}
}

func TestCopyScalarPreservesValue(t *testing.T) {
	src := termarena.NewEmpty(64)
	dst := termarena.NewEmpty(64)
	ip := writeInt(t, src, 42)

	s := NewState()
	dp, err := s.Copy(src, dst, ip)
	if err != nil {
		t.Fatal(err)
	}

	got, err := dst.ReadUint64(dp + term.PayloadOffset)
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("copied value = %d, want 42", got)
	}

	srcHeader, err := term.ReadHeader(src, ip)
	if err != nil {
		t.Fatal(err)
	}
	dstHeader, err := term.ReadHeader(dst, dp)
	if err != nil {
		t.Fatal(err)
	}
	if srcHeader.ContentHash != dstHeader.ContentHash {
		t.Fatal("content hash changed across migration")
	}
}

func TestCopyListRewritesChildPointers(t *testing.T) {
	src := termarena.NewEmpty(256)
	dst := termarena.NewEmpty(256)

	c0 := writeInt(t, src, 1)
	c1 := writeInt(t, src, 2)
	list := writeList(t, src, []termarena.Pointer{c0, c1})

	s := NewState()
	dp, err := s.Copy(src, dst, list)
	if err != nil {
		t.Fatal(err)
	}

	children, err := term.ChildrenOf(dst, dp)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("got %d children, want 2", len(children))
	}
	v0, err := dst.ReadUint64(children[0] + term.PayloadOffset)
	if err != nil {
		t.Fatal(err)
	}
	v1, err := dst.ReadUint64(children[1] + term.PayloadOffset)
	if err != nil {
		t.Fatal(err)
	}
	if v0 != 1 || v1 != 2 {
		t.Fatalf("copied children = (%d, %d), want (1, 2)", v0, v1)
	}
}

func TestCopyDeduplicatesSharedChild(t *testing.T) {
	src := termarena.NewEmpty(256)
	dst := termarena.NewEmpty(256)

	shared := writeInt(t, src, 99)
	listA := writeList(t, src, []termarena.Pointer{shared})
	listB := writeList(t, src, []termarena.Pointer{shared})
	root := writeList(t, src, []termarena.Pointer{listA, listB})

	s := NewState()
	dp, err := s.Copy(src, dst, root)
	if err != nil {
		t.Fatal(err)
	}

	children, err := term.ChildrenOf(dst, dp)
	if err != nil {
		t.Fatal(err)
	}
	aChildren, err := term.ChildrenOf(dst, children[0])
	if err != nil {
		t.Fatal(err)
	}
	bChildren, err := term.ChildrenOf(dst, children[1])
	if err != nil {
		t.Fatal(err)
	}
	if aChildren[0] != bChildren[0] {
		t.Fatalf("shared child was migrated twice: %d != %d", aChildren[0], bChildren[0])
	}
}

func TestCopySameStateAcrossMultipleCallsDedupes(t *testing.T) {
	src := termarena.NewEmpty(256)
	dst := termarena.NewEmpty(256)

	shared := writeInt(t, src, 7)

	s := NewState()
	d1, err := s.Copy(src, dst, shared)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Copy(src, dst, shared)
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("reusing State across Copy calls re-migrated the same term: %d != %d", d1, d2)
	}
}
