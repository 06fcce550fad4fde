// Package aarch64 is the 64-bit ARM installer target.
//
// Compiler register numbers 0-31 are r0..r31 and 32-63 are v0..v31.
package aarch64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

const (
	NumGPRs = 32
	NumFPRs = 32

	gprSlots = 2
	fprSlots = 4

	firstFPR = vmreg.VMReg(NumGPRs * gprSlots)
	lastSlot = firstFPR + NumFPRs*fprSlots

	refMapFPRWords = 2

	codeEntryAlignment = 64
)

type Target struct {
	refMapRegs []vmreg.VMReg
}

var _ arch.Target = (*Target)(nil)

func New() *Target {
	t := &Target{}
	for i := 0; i < NumGPRs; i++ {
		t.refMapRegs = append(t.refMapRegs, GPR(i))
	}
	for i := 0; i < NumFPRs; i++ {
		for j := 0; j < refMapFPRWords; j++ {
			t.refMapRegs = append(t.refMapRegs, FPR(i).Next(2*j))
		}
	}
	return t
}

func init() {
	arch.RegisterTarget(New())
}

func GPR(n int) vmreg.VMReg { return vmreg.VMReg(n * gprSlots) }
func FPR(n int) vmreg.VMReg { return firstFPR + vmreg.VMReg(n*fprSlots) }

func (*Target) Name() arch.Name             { return arch.AArch64 }
func (*Target) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (*Target) SlotsPerWord() int           { return 2 }
func (*Target) CodeEntryAlignment() int     { return codeEntryAlignment }

func (*Target) Register(n int) vmreg.VMReg {
	switch {
	case n >= 0 && n < NumGPRs:
		return GPR(n)
	case n >= NumGPRs && n < NumGPRs+NumFPRs:
		return FPR(n - NumGPRs)
	default:
		fault.Fatalf("aarch64", "invalid register number: %d", n)
		return vmreg.Bad
	}
}

func (*Target) IsGeneralPurpose(r vmreg.VMReg) bool {
	return r >= 0 && r < firstFPR
}

func (t *Target) ReferenceMapRegisters() []vmreg.VMReg {
	return t.refMapRegs
}

func (*Target) RegisterName(r vmreg.VMReg) string {
	switch {
	case r >= 0 && r < firstFPR:
		if r%gprSlots != 0 {
			return fmt.Sprintf("r%d.hi", r/gprSlots)
		}
		return fmt.Sprintf("r%d", r/gprSlots)
	case r >= firstFPR && r < lastSlot:
		n := (r - firstFPR) / fprSlots
		if half := (r - firstFPR) % fprSlots; half != 0 {
			return fmt.Sprintf("v%d.%d", n, half)
		}
		return fmt.Sprintf("v%d", n)
	default:
		return r.String()
	}
}
