// Package amd64 is the x86-64 installer target.
//
// Compiler register numbers 0-15 are rax..r15 and 16-31 are xmm0..xmm15.
// Every general purpose register takes two VM slots, every xmm register
// eight, so the reference map can describe narrow halves and the upper
// vector lanes.
package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

const (
	NumGPRs = 16
	NumXMMs = 16

	gprSlots = 2
	xmmSlots = 8

	firstXMM = vmreg.VMReg(NumGPRs * gprSlots)
	lastSlot = firstXMM + NumXMMs*xmmSlots

	// Words of an xmm register described by the reference map.
	refMapXMMWords = 4

	codeEntryAlignment = 32
)

var gprNames = [NumGPRs]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Target implements arch.Target.
type Target struct {
	refMapRegs []vmreg.VMReg
}

var _ arch.Target = (*Target)(nil)

func New() *Target {
	t := &Target{}
	for i := 0; i < NumGPRs; i++ {
		t.refMapRegs = append(t.refMapRegs, GPR(i))
	}
	for i := 0; i < NumXMMs; i++ {
		for j := 0; j < refMapXMMWords; j++ {
			t.refMapRegs = append(t.refMapRegs, XMM(i).Next(2*j))
		}
	}
	return t
}

func init() {
	arch.RegisterTarget(New())
}

// GPR is the location of general purpose register n.
func GPR(n int) vmreg.VMReg {
	return vmreg.VMReg(n * gprSlots)
}

// XMM is the location of xmm register n.
func XMM(n int) vmreg.VMReg {
	return firstXMM + vmreg.VMReg(n*xmmSlots)
}

func (*Target) Name() arch.Name             { return arch.AMD64 }
func (*Target) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (*Target) SlotsPerWord() int           { return 2 }
func (*Target) CodeEntryAlignment() int     { return codeEntryAlignment }

func (*Target) Register(n int) vmreg.VMReg {
	switch {
	case n >= 0 && n < NumGPRs:
		return GPR(n)
	case n >= NumGPRs && n < NumGPRs+NumXMMs:
		return XMM(n - NumGPRs)
	default:
		fault.Fatalf("amd64", "invalid register number: %d", n)
		return vmreg.Bad
	}
}

func (*Target) IsGeneralPurpose(r vmreg.VMReg) bool {
	return r >= 0 && r < firstXMM
}

func (t *Target) ReferenceMapRegisters() []vmreg.VMReg {
	return t.refMapRegs
}

func (*Target) RegisterName(r vmreg.VMReg) string {
	switch {
	case r >= 0 && r < firstXMM:
		name := gprNames[r/gprSlots]
		if r%gprSlots != 0 {
			name += ".hi"
		}
		return name
	case r >= firstXMM && r < lastSlot:
		n := (r - firstXMM) / xmmSlots
		if half := (r - firstXMM) % xmmSlots; half != 0 {
			return fmt.Sprintf("xmm%d.%d", n, half)
		}
		return fmt.Sprintf("xmm%d", n)
	default:
		return r.String()
	}
}
