package term

import "github.com/Voskan/reflex-wasm-worker/internal/termarena"

// PointerTerm is a single-field indirection: header followed by one
// termarena.Pointer to the term it addresses. The `__cache` WASM global
// itself points at one of these, which in turn points at the CellTerm
// holding the EvaluationCache payload.
type PointerTerm struct {
	Target termarena.Pointer
}

// ReadPointerTerm reads a PointerTerm's payload at ptr (header already
// consumed by the caller, payload starts at PayloadOffset).
func ReadPointerTerm(a *termarena.Arena, ptr termarena.Pointer) (PointerTerm, error) {
	target, err := a.ReadPointer(ptr + PayloadOffset)
	if err != nil {
		return PointerTerm{}, err
	}
	return PointerTerm{Target: target}, nil
}

// WritePointerTerm writes a PointerTerm's payload at ptr.
func WritePointerTerm(a *termarena.Arena, ptr termarena.Pointer, t PointerTerm) error {
	return a.WritePointer(ptr+PayloadOffset, t.Target)
}

// CellTerm is a generic fixed-size payload slot: header followed by
// `size` raw bytes whose interpretation is owned by whoever allocated it
// (the EvaluationCache in this module's case). CellTerm never embeds a
// size field of its own; the caller already knows the payload's static
// shape from its own type.
type CellTerm struct {
	Payload termarena.Pointer // offset of payload, i.e. ptr+PayloadOffset
}

// CellPayload returns the pointer to a CellTerm's payload region.
func CellPayload(ptr termarena.Pointer) termarena.Pointer { return ptr + PayloadOffset }
