package debuginfo

import (
	"fmt"
	"math"

	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

type Where int

const (
	OnStack Where = iota
	InRegister
)

// LocationType tells the deoptimizer how to read a location.
type LocationType int

const (
	Invalid LocationType = iota
	Normal
	Oop
	NarrowOop
	IntInLong
	Lng
	FloatInDbl
	Dbl
	Addr
	numLocationTypes
)

var locationTypeNames = [...]string{
	Invalid:    "invalid",
	Normal:     "normal",
	Oop:        "oop",
	NarrowOop:  "narrowoop",
	IntInLong:  "int_in_long",
	Lng:        "lng",
	FloatInDbl: "float_in_dbl",
	Dbl:        "dbl",
	Addr:       "addr",
}

func (t LocationType) String() string {
	if t >= 0 && t < numLocationTypes {
		return locationTypeNames[t]
	}
	return fmt.Sprintf("loctype(%d)", int(t))
}

// Location is a register or a frame offset. Stack offsets are kept in
// 4-byte slots.
type Location struct {
	Where Where
	Type  LocationType
	// Offset is the stack slot index or the register number.
	Offset int
}

// IllegalLocation marks a dead or unused slot.
var IllegalLocation = Location{}

// StackLocation returns a location at byteOffset in the frame. The offset
// must be slot aligned.
func StackLocation(t LocationType, byteOffset int) Location {
	if byteOffset < 0 || byteOffset%vmreg.SlotSize != 0 {
		fault.Fatalf("debuginfo", "illegal stack offset %d for %s location", byteOffset, t)
	}
	return Location{Where: OnStack, Type: t, Offset: byteOffset / vmreg.SlotSize}
}

func RegisterLocation(t LocationType, r vmreg.VMReg) Location {
	if !r.IsReg() {
		fault.Fatalf("debuginfo", "%v is not a register", r)
	}
	return Location{Where: InRegister, Type: t, Offset: int(r)}
}

func (l Location) IsStack() bool    { return l.Where == OnStack && l.Type != Invalid }
func (l Location) IsRegister() bool { return l.Where == InRegister }
func (l Location) IsIllegal() bool  { return l.Type == Invalid }

// StackOffset is the byte offset of a stack location.
func (l Location) StackOffset() int { return l.Offset * vmreg.SlotSize }

func (l Location) Register() vmreg.VMReg { return vmreg.VMReg(l.Offset) }

func (l Location) String() string {
	switch {
	case l.IsIllegal():
		return "illegal"
	case l.Where == OnStack:
		return fmt.Sprintf("stack[%d],%s", l.StackOffset(), l.Type)
	default:
		return fmt.Sprintf("reg%d,%s", l.Offset, l.Type)
	}
}

// ScopeValue is the runtime form of one slot of an interpreter frame or of a
// field of a virtual object.
type ScopeValue interface {
	isScopeValue()
	String() string
}

type LocationValue struct {
	Location Location
}

type ConstantIntValue struct {
	Value int32
}

type ConstantLongValue struct {
	Value int64
}

type ConstantDoubleValue struct {
	Value float64
}

// ConstantOopValue is an embedded object reference. The zero value is null.
type ConstantOopValue struct {
	Object compiled.Object
}

// ObjectValue is an object to materialize on deoptimization. A value graph
// refers to each ObjectValue by pointer; cycles are allowed.
type ObjectValue struct {
	ID     int
	Klass  *compiled.Type
	Fields []ScopeValue

	visited bool
}

func (LocationValue) isScopeValue()       {}
func (ConstantIntValue) isScopeValue()    {}
func (ConstantLongValue) isScopeValue()   {}
func (ConstantDoubleValue) isScopeValue() {}
func (ConstantOopValue) isScopeValue()    {}
func (*ObjectValue) isScopeValue()        {}

func (v LocationValue) String() string    { return v.Location.String() }
func (v ConstantIntValue) String() string { return fmt.Sprintf("%d", v.Value) }
func (v ConstantLongValue) String() string {
	return fmt.Sprintf("%dL", v.Value)
}
func (v ConstantDoubleValue) String() string {
	return fmt.Sprintf("%gD", v.Value)
}
func (v ConstantOopValue) String() string {
	if v.IsNull() {
		return "null"
	}
	return v.Object.String()
}
func (v *ObjectValue) String() string {
	return fmt.Sprintf("obj[%d]", v.ID)
}

func (v ConstantOopValue) IsNull() bool { return v.Object.Handle == 0 }

// Shared constants used as the second half of two-slot values and as
// long-array filler.
var (
	Int0 ScopeValue = ConstantIntValue{Value: 0}
	Int1 ScopeValue = ConstantIntValue{Value: 1}

	// IllegalValue is the value of a dead slot.
	IllegalValue ScopeValue = LocationValue{Location: IllegalLocation}

	NullOop ScopeValue = ConstantOopValue{}
)

// DoubleFromLong reinterprets the bits of a long constant.
func DoubleFromLong(v ConstantLongValue) float64 {
	return math.Float64frombits(uint64(v.Value))
}

// MonitorValue is a lock held by a frame.
type MonitorValue struct {
	Owner      ScopeValue
	Basic      Location
	Eliminated bool
}

func (m *MonitorValue) String() string {
	s := fmt.Sprintf("monitor(%s, %s)", m.Owner, m.Basic)
	if m.Eliminated {
		s += " eliminated"
	}
	return s
}
