// Package vmreg numbers the concrete locations the runtime knows about:
// hardware register halves below StackBase and 4-byte frame slots above it.
package vmreg

import "fmt"

// VMReg is a concrete register slot or stack slot.
type VMReg int32

const (
	// Bad is the invalid location.
	Bad VMReg = -1

	// StackBase is the first stack slot. Every architecture numbers its
	// register slots below it.
	StackBase VMReg = 1024

	// SlotSize is the size of one stack slot in bytes.
	SlotSize = 4
)

// Stack2Reg returns the location of stack slot n (in SlotSize units).
func Stack2Reg(slot int) VMReg {
	if slot < 0 {
		panic(fmt.Sprintf("vmreg: negative stack slot %d", slot))
	}
	return StackBase + VMReg(slot)
}

func (r VMReg) IsValid() bool { return r != Bad }
func (r VMReg) IsStack() bool { return r >= StackBase }
func (r VMReg) IsReg() bool   { return r >= 0 && r < StackBase }

// Next returns the location n slots further, the upper halves of a
// multi-slot register or the following stack slots.
func (r VMReg) Next(n ...int) VMReg {
	step := 1
	if len(n) > 0 {
		step = n[0]
	}
	return r + VMReg(step)
}

// StackSlot returns the slot index of a stack location.
func (r VMReg) StackSlot() int {
	if !r.IsStack() {
		panic(fmt.Sprintf("vmreg: %v is not a stack slot", r))
	}
	return int(r - StackBase)
}

// StackOffset returns the byte offset of a stack location in the frame.
func (r VMReg) StackOffset() int {
	return r.StackSlot() * SlotSize
}

func (r VMReg) String() string {
	switch {
	case r == Bad:
		return "bad"
	case r.IsStack():
		return fmt.Sprintf("stack[%d]", r.StackOffset())
	default:
		return fmt.Sprintf("reg%d", int(r))
	}
}
