package compiled

import (
	"fmt"
	"math"
)

// Value is an abstract operand of a debug frame or a monitor. The set of
// variants is closed; consumers switch over the concrete types.
type Value interface {
	isValue()
	LIRKind() LIRKind
}

// Illegal marks an unused slot, in particular the second slot of a
// double-width value.
type Illegal struct{}

// IllegalValue is the canonical Illegal value.
var IllegalValue Value = Illegal{}

// RegisterValue is a value held in the compiler-numbered register.
type RegisterValue struct {
	Register int
	Kind     LIRKind
}

// StackSlot is a value held in the frame at Offset bytes. When AddFrameSize
// is set the offset is relative to the caller's frame and the total frame
// size must be added.
type StackSlot struct {
	Offset       int
	AddFrameSize bool
	Kind         LIRKind
}

// PrimitiveConstant holds the raw bits of a primitive. Raw constants carry
// an untyped word.
type PrimitiveConstant struct {
	Kind Kind
	Bits int64
	Raw  bool
}

// NullConstant is the null reference, optionally in compressed form.
type NullConstant struct {
	Compressed bool
}

// ObjectConstant references a heap object.
type ObjectConstant struct {
	Object     Object
	Compressed bool
}

// MetaspaceConstant embeds a type or method pointer as data.
type MetaspaceConstant struct {
	Metadata   Metadata
	Primitive  int64
	Compressed bool
}

// VirtualObject describes an allocation the compiler removed that has to be
// materialized again on deoptimization. Values may refer back to the object
// itself or to its ancestors.
type VirtualObject struct {
	ID     int
	Type   *Type
	Values []Value
}

// MonitorValue is a lock held by the frame: the owner and the stack slot
// holding the displaced header.
type MonitorValue struct {
	Owner      Value
	Slot       Value
	Eliminated bool
}

func (Illegal) isValue()           {}
func (RegisterValue) isValue()     {}
func (StackSlot) isValue()         {}
func (PrimitiveConstant) isValue() {}
func (NullConstant) isValue()      {}
func (ObjectConstant) isValue()    {}
func (MetaspaceConstant) isValue() {}
func (*VirtualObject) isValue()    {}
func (MonitorValue) isValue()      {}

func (Illegal) LIRKind() LIRKind         { return ValueKind(KindIllegal) }
func (v RegisterValue) LIRKind() LIRKind { return v.Kind }
func (v StackSlot) LIRKind() LIRKind     { return v.Kind }
func (v PrimitiveConstant) LIRKind() LIRKind {
	return ValueKind(v.Kind)
}
func (v NullConstant) LIRKind() LIRKind {
	if v.Compressed {
		return ReferenceKind(KindInt)
	}
	return ReferenceKind(KindObject)
}
func (v ObjectConstant) LIRKind() LIRKind {
	if v.Compressed {
		return ReferenceKind(KindInt)
	}
	return ReferenceKind(KindObject)
}
func (v MetaspaceConstant) LIRKind() LIRKind {
	if v.Compressed {
		return ValueKind(KindInt)
	}
	return ValueKind(KindLong)
}
func (*VirtualObject) LIRKind() LIRKind { return ReferenceKind(KindObject) }
func (MonitorValue) LIRKind() LIRKind   { return ValueKind(KindIllegal) }

func IntConstant(v int32) PrimitiveConstant {
	return PrimitiveConstant{Kind: KindInt, Bits: int64(v)}
}

func LongConstant(v int64) PrimitiveConstant {
	return PrimitiveConstant{Kind: KindLong, Bits: v}
}

func FloatConstant(v float32) PrimitiveConstant {
	return PrimitiveConstant{Kind: KindFloat, Bits: int64(math.Float32bits(v))}
}

func DoubleConstant(v float64) PrimitiveConstant {
	return PrimitiveConstant{Kind: KindDouble, Bits: int64(math.Float64bits(v))}
}

func (v RegisterValue) String() string { return fmt.Sprintf("r%d|%s", v.Register, v.Kind) }
func (v StackSlot) String() string {
	if v.AddFrameSize {
		return fmt.Sprintf("stack:%d+fs|%s", v.Offset, v.Kind)
	}
	return fmt.Sprintf("stack:%d|%s", v.Offset, v.Kind)
}
func (v PrimitiveConstant) String() string { return fmt.Sprintf("%s[%d]", v.Kind, v.Bits) }
func (v *VirtualObject) String() string {
	return fmt.Sprintf("vobject:%s:%d", v.Type, v.ID)
}
