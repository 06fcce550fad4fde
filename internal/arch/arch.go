// Package arch holds the per-architecture half of code installation: the
// mapping from compiler register numbers to runtime locations and the
// decoding and patching of call, data and poll instructions.
//
// Each architecture registers a Target from init; the installer looks the
// target up once and never branches on the architecture itself.
package arch

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

// Name identifies an architecture, using GOARCH spelling.
type Name string

const (
	Invalid Name = ""
	AMD64   Name = "amd64"
	AArch64 Name = "arm64"
)

// Target is the architecture strategy used by the installer.
type Target interface {
	Name() Name
	ByteOrder() binary.ByteOrder
	// SlotsPerWord is the number of 4-byte stack slots in a machine word.
	SlotsPerWord() int
	// CodeEntryAlignment is the alignment of the consts and insts sections.
	CodeEntryAlignment() int

	// Register maps a compiler register number to its location. Numbers
	// outside the supported range are fatal.
	Register(n int) vmreg.VMReg
	// IsGeneralPurpose reports integer registers; every other register
	// location is a floating point or vector register.
	IsGeneralPurpose(r vmreg.VMReg) bool
	// ReferenceMapRegisters lists, per bit of a register reference map,
	// the location the bit describes.
	ReferenceMapRegisters() []vmreg.VMReg
	RegisterName(r vmreg.VMReg) string

	// NextOffset decodes the call instruction at pc and returns the offset
	// of the following instruction.
	NextOffset(insts []byte, pc int) int

	PatchOopConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int)
	PatchMetaspaceConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int)
	PatchInlinedPrimitive(cb *codebuf.CodeBuffer, pc int, c compiled.PrimitiveConstant)
	// PatchDataSectionReference points the data operand of the
	// instruction at pc to the consts offset.
	PatchDataSectionReference(cb *codebuf.CodeBuffer, pc int, constsOffset int)

	RelocateForeignCall(cb *codebuf.CodeBuffer, pc int, dest uintptr)
	// RelocateJavaCall redirects the call at pc to dest and records r.
	RelocateJavaCall(cb *codebuf.CodeBuffer, pc int, dest uintptr, r codebuf.Relocation)
	RelocatePoll(cb *codebuf.CodeBuffer, pc int, mark compiled.MarkID, pollingPage uintptr)

	// EmitToInterpStub emits the stub a static or special call is routed
	// through when its callee runs interpreted.
	EmitToInterpStub(cb *codebuf.CodeBuffer, callOffset int)
	ToInterpStubSize() int
}

var (
	targetsMu sync.RWMutex
	targets   = make(map[Name]Target)
)

// RegisterTarget wires an architecture in. It panics when the same architecture is
// registered twice so mistakes are caught during init.
func RegisterTarget(t Target) {
	if t == nil {
		panic("arch: target must be non-nil")
	}
	if t.Name() == Invalid {
		panic("arch: cannot register target for invalid architecture")
	}

	targetsMu.Lock()
	defer targetsMu.Unlock()

	if _, exists := targets[t.Name()]; exists {
		panic(fmt.Sprintf("arch: target for %s already registered", t.Name()))
	}
	targets[t.Name()] = t
}

// Lookup returns the target registered for name.
func Lookup(name Name) (Target, error) {
	targetsMu.RLock()
	defer targetsMu.RUnlock()

	if t, ok := targets[name]; ok {
		return t, nil
	}
	if name == Invalid {
		return nil, fmt.Errorf("arch: architecture must be specified")
	}
	return nil, fmt.Errorf("arch: no target registered for %q", name)
}

// Registered lists the registered architectures.
func Registered() []Name {
	targetsMu.RLock()
	defer targetsMu.RUnlock()

	out := make([]Name, 0, len(targets))
	for name := range targets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
