package term

import "github.com/Voskan/reflex-wasm-worker/internal/termarena"

// ConditionKind discriminates a Condition term's payload shape: Pending
// carries no payload, Error carries an error value, Custom carries an
// effect-type name plus a payload. The well-known Custom effect type
// CacheEffectType marks a cache-dependency condition the evaluation cache
// itself appends to a memoised sub-computation's dependency tree; it is
// internal bookkeeping and never meant to reach a host-surfaced signal.
type ConditionKind uint32

const (
	ConditionKindPending ConditionKind = iota
	ConditionKindError
	ConditionKindCustom
)

// CacheEffectType is the Custom effect-type name identifying a cache
// dependency condition; its Payload is the CacheKey of the memoised
// sub-computation it stands in for.
const CacheEffectType = "reflex::cache"

// ConditionPayload is a Condition term's payload: a kind discriminant plus
// two child pointers (EffectType, a Symbol naming a Custom condition's
// effect — null for Pending/Error; and Payload, the Error value or Custom
// effect payload — null for Pending).
type ConditionPayload struct {
	Kind       ConditionKind
	EffectType termarena.Pointer
	Payload    termarena.Pointer
}

// conditionChildren reads a Condition term's two child pointers, following
// the 4-byte kind discriminant every Condition payload is prefixed with.
func conditionChildren(a *termarena.Arena, payloadPtr termarena.Pointer) ([]termarena.Pointer, error) {
	return twoPointerChildren(a, payloadPtr+4)
}

// ReadCondition reads a Condition term's full payload at ptr (header
// already consumed by the caller, ptr is the term's own address).
func ReadCondition(a *termarena.Arena, ptr termarena.Pointer) (ConditionPayload, error) {
	payload := ptr + PayloadOffset
	kind, err := a.ReadUint32(payload)
	if err != nil {
		return ConditionPayload{}, err
	}
	effectType, err := a.ReadPointer(payload + 4)
	if err != nil {
		return ConditionPayload{}, err
	}
	payloadPtr, err := a.ReadPointer(payload + 8)
	if err != nil {
		return ConditionPayload{}, err
	}
	return ConditionPayload{Kind: ConditionKind(kind), EffectType: effectType, Payload: payloadPtr}, nil
}

// WriteCondition writes a Condition term's payload at ptr. Callers must
// have already allocated ConditionPayloadSize bytes of payload space and
// written the header.
func WriteCondition(a *termarena.Arena, ptr termarena.Pointer, c ConditionPayload) error {
	payload := ptr + PayloadOffset
	if err := a.WriteUint32(payload, uint32(c.Kind)); err != nil {
		return err
	}
	if err := a.WritePointer(payload+4, c.EffectType); err != nil {
		return err
	}
	return a.WritePointer(payload+8, c.Payload)
}

// ConditionPayloadSize is the fixed byte size of a Condition term's
// payload: a 4-byte kind discriminant plus two 4-byte child pointers.
const ConditionPayloadSize = 12

// ReadVariableBytes reads a String/Symbol term's raw payload bytes (a u32
// length prefix followed by that many bytes).
func ReadVariableBytes(a *termarena.Arena, ptr termarena.Pointer) ([]byte, error) {
	payload := ptr + PayloadOffset
	length, err := a.ReadUint32(payload)
	if err != nil {
		return nil, err
	}
	return a.ReadBytes(payload+4, int(length))
}

// WriteSymbol allocates a Symbol term holding s, used for Condition
// effect-type names and other interned identifiers.
func WriteSymbol(a *termarena.Arena, s string) (termarena.Pointer, error) {
	data := []byte(s)
	ptr, err := a.Allocate(uint32(PayloadOffset + 4 + len(data)))
	if err != nil {
		return termarena.NullPointer, err
	}
	hash := HashScalarBytes(TagSymbol, data)
	if err := WriteHeader(a, ptr, Header{Tag: TagSymbol, ContentHash: hash}); err != nil {
		return termarena.NullPointer, err
	}
	payload := ptr + PayloadOffset
	if err := a.WriteUint32(payload, uint32(len(data))); err != nil {
		return termarena.NullPointer, err
	}
	if err := a.WriteBytes(payload+4, data); err != nil {
		return termarena.NullPointer, err
	}
	return ptr, nil
}
