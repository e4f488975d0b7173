package term

import "github.com/Voskan/reflex-wasm-worker/internal/termarena"

// Layout describes how to walk one term kind's payload generically, so the
// serializer and the GC's live-term walk never need a type switch over every
// kind — they call Children and let the term's own layout describe its
// shape. ScalarLen is the fixed payload size in bytes for leaf kinds that
// hold no child pointers (0, Boolean, Int, Float — String/Symbol are
// variable-length and use ScalarLen == -1 with a length prefix instead).
type Layout struct {
	// Children returns every child term pointer a payload holds, in
	// traversal order. Returns nil for scalar kinds.
	Children func(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error)
	// ScalarLen is the payload's fixed byte length for leaf kinds, -1 for
	// variable-length payloads (String/Symbol, length-prefixed), or 0 for
	// compound kinds whose size is entirely described by Children.
	ScalarLen int
}

// listChildren reads a List/Record-key-list/args-list payload: a u32 count
// followed by that many child pointers.
func listChildren(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error) {
	count, err := a.ReadUint32(payloadPtr)
	if err != nil {
		return nil, err
	}
	out := make([]termarena.Pointer, count)
	for i := uint32(0); i < count; i++ {
		p, err := a.ReadPointer(payloadPtr + 4 + termarena.Pointer(i*4))
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// twoPointerChildren reads a payload consisting of exactly two child
// pointers back to back (Record{keys,values}, Application{target,args}).
func twoPointerChildren(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error) {
	p0, err := a.ReadPointer(payloadPtr)
	if err != nil {
		return nil, err
	}
	p1, err := a.ReadPointer(payloadPtr + 4)
	if err != nil {
		return nil, err
	}
	return []termarena.Pointer{p0, p1}, nil
}

// onePointerChildren reads a payload consisting of a single child pointer
// (PointerTerm, Signal{conditions list}).
func onePointerChildren(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error) {
	p, err := a.ReadPointer(payloadPtr)
	if err != nil {
		return nil, err
	}
	return []termarena.Pointer{p}, nil
}

// dependencyTreeChildren reads a DependencyTree node's two branch pointers,
// following the reserved 12-byte key prefix (kind:u32, id:u64).
func dependencyTreeChildren(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error) {
	return twoPointerChildren(a, payloadPtr+12)
}

// Layouts maps every Tag to its generic walking layout. Iterator sub-kinds
// share the list/one-pointer/two-pointer shapes of their closest
// non-iterator analogue (Empty and Range are scalar; Once, Repeat, Flatten,
// Take, Skip, Evaluate and HashmapKeys hold one pointer; Map, Filter, Zip,
// Chain, Intersperse and Accumulate hold two).
var Layouts = map[Tag]Layout{
	TagNil:     {ScalarLen: 0},
	TagBoolean: {ScalarLen: 1},
	TagInt:     {ScalarLen: 8},
	TagFloat:   {ScalarLen: 8},
	TagString:  {ScalarLen: -1},
	TagSymbol:  {ScalarLen: -1},

	TagList:        {Children: listChildren},
	TagRecord:      {Children: twoPointerChildren},
	TagHashmap:     {Children: twoPointerChildren},
	TagHashset:     {Children: listChildren},
	TagApplication: {Children: twoPointerChildren},
	TagLambda:      {Children: onePointerChildren},
	TagVariable:    {ScalarLen: 4},
	TagLet:         {Children: twoPointerChildren},
	TagEffect:      {Children: onePointerChildren},
	TagSignal:      {Children: onePointerChildren},
	TagCondition:   {Children: conditionChildren},
	TagBuiltin:     {ScalarLen: 4},

	TagCellPointer: {Children: onePointerChildren},
	TagCell:        {ScalarLen: 0}, // variable, caller-known size; the serializer copies only the header, and GC rebuilds the cache cell itself

	TagDependencyTree:  {Children: dependencyTreeChildren},
	TagEvaluationCache: {ScalarLen: 0},

	TagIteratorEmpty:       {ScalarLen: 0},
	TagIteratorOnce:        {Children: onePointerChildren},
	TagIteratorRepeat:      {Children: onePointerChildren},
	TagIteratorRange:       {ScalarLen: 16},
	TagIteratorMap:         {Children: twoPointerChildren},
	TagIteratorFilter:      {Children: twoPointerChildren},
	TagIteratorFlatten:     {Children: onePointerChildren},
	TagIteratorTake:        {Children: onePointerChildren},
	TagIteratorSkip:        {Children: onePointerChildren},
	TagIteratorZip:         {Children: twoPointerChildren},
	TagIteratorChain:       {Children: twoPointerChildren},
	TagIteratorIntersperse: {Children: twoPointerChildren},
	TagIteratorAccumulate:  {Children: twoPointerChildren},
	TagIteratorEvaluate:    {Children: onePointerChildren},
	TagIteratorHashmapKeys: {Children: onePointerChildren},
}

// ChildrenOf resolves ptr's tag and delegates to its layout's Children.
func ChildrenOf(a *termarena.Arena, ptr termarena.Pointer) ([]termarena.Pointer, error) {
	h, err := ReadHeader(a, ptr)
	if err != nil {
		return nil, err
	}
	l, ok := Layouts[h.Tag]
	if !ok || l.Children == nil {
		return nil, nil
	}
	return l.Children(a, ptr+PayloadOffset)
}
