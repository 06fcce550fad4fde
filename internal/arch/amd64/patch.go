package amd64

import (
	"encoding/binary"
	"math"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// toInterpStubSize is mov rbx, imm64 plus jmp rel32, padded so the next stub
// starts word aligned.
const (
	toInterpStubCode = movImm64Size + callRelSize
	toInterpStubSize = 16
)

func (*Target) NextOffset(code []byte, pc int) int {
	switch {
	case isCallAt(code, pc), isJumpAt(code, pc):
		return pc + callRelSize
	case isMovLiteral64At(code, pc):
		// mov + call r64 pair
		off := pc + movImm64Size
		if byteAt(code, off) == rexB {
			off++
		}
		fault.Guarantee(byteAt(code, off) == opGroup5, "amd64", "expected call r64 after mov at %#x", pc)
		return off + 2
	case callRegLength(code, pc) > 0:
		return pc + callRegLength(code, pc)
	case isCondJumpAt(code, pc):
		return pc + jccRelSize
	default:
		fault.Fatalf("amd64", "unsupported type of instruction for call site at %#x", pc)
		return 0
	}
}

func rel32(from, to uintptr, what string, pc int) int32 {
	d := int64(to) - int64(from)
	if d < math.MinInt32 || d > math.MaxInt32 {
		fault.Fatalf("amd64", "%s at %#x: displacement %#x does not fit in 32 bits", what, pc, d)
	}
	return int32(d)
}

func putImm(code []byte, off, size int, v uint64) {
	switch size {
	case 1:
		code[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(code[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(code[off:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(code[off:], v)
	default:
		fault.ShouldNotReachHere("amd64", size)
	}
}

func (t *Target) patchImmediate(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, r codebuf.Relocation) {
	code := cb.Insts().Bytes()
	off, size := immOperand(code, pc)
	want := 8
	r.Format = codebuf.FormatImm64
	if narrow {
		want = 4
		r.Format = codebuf.FormatNarrow
	}
	fault.Guarantee(size == want, "amd64", "%s at %#x: operand is %d bytes, want %d", r.Type, pc, size, want)
	putImm(code, off, size, value)
	cb.Insts().Relocate(pc, r)
}

func (t *Target) PatchOopConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int) {
	t.patchImmediate(cb, pc, value, narrow, codebuf.Relocation{Type: codebuf.RelocOop, Index: index})
}

func (t *Target) PatchMetaspaceConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int) {
	t.patchImmediate(cb, pc, value, narrow, codebuf.Relocation{Type: codebuf.RelocMetadata, Index: index})
}

// PatchInlinedPrimitive writes the constant into the immediate of the
// instruction. Primitives need no relocation.
func (*Target) PatchInlinedPrimitive(cb *codebuf.CodeBuffer, pc int, c compiled.PrimitiveConstant) {
	code := cb.Insts().Bytes()
	off, size := immOperand(code, pc)
	if c.Kind.NeedsTwoSlots() || c.Raw {
		fault.Guarantee(size == 8, "amd64", "%s constant at %#x needs a 64-bit immediate, found %d bytes", c.Kind, pc, size)
	} else {
		fault.Guarantee(size <= 4, "amd64", "%s constant at %#x in a %d byte immediate", c.Kind, pc, size)
	}
	putImm(code, off, size, uint64(c.Bits))
}

func (*Target) PatchDataSectionReference(cb *codebuf.CodeBuffer, pc int, constsOffset int) {
	insts := cb.Insts()
	code := insts.Bytes()
	disp, next := ripOperand(code, pc)
	dest := cb.Consts().Addr(constsOffset)
	d := rel32(insts.Addr(next), dest, "data section reference", pc)
	binary.LittleEndian.PutUint32(code[disp:], uint32(d))
	insts.Relocate(pc, codebuf.Relocation{
		Type:          codebuf.RelocSectionWord,
		Format:        codebuf.FormatDisp32,
		TargetSection: codebuf.SectConsts,
		TargetOffset:  constsOffset,
	})
}

func (*Target) RelocateForeignCall(cb *codebuf.CodeBuffer, pc int, dest uintptr) {
	insts := cb.Insts()
	code := insts.Bytes()
	r := codebuf.Relocation{Type: codebuf.RelocRuntimeCall, Format: codebuf.FormatCall32, Target: dest}
	switch {
	case isCallAt(code, pc), isJumpAt(code, pc):
		d := rel32(insts.Addr(pc+callRelSize), dest, "foreign call", pc)
		binary.LittleEndian.PutUint32(insts.Slice(pc+1, 4), uint32(d))
	case isMovLiteral64At(code, pc):
		binary.LittleEndian.PutUint64(insts.Slice(pc+2, 8), uint64(dest))
		r.Format = codebuf.FormatImm64
	case isCondJumpAt(code, pc):
		d := rel32(insts.Addr(pc+jccRelSize), dest, "foreign call", pc)
		binary.LittleEndian.PutUint32(insts.Slice(pc+2, 4), uint32(d))
	default:
		fault.Fatalf("amd64", "unsupported relocation for foreign call at %#x", pc)
	}
	insts.Relocate(pc, r)
}

func (*Target) RelocateJavaCall(cb *codebuf.CodeBuffer, pc int, dest uintptr, r codebuf.Relocation) {
	insts := cb.Insts()
	fault.Guarantee(isCallAt(insts.Bytes(), pc), "amd64", "expected call instruction at %#x", pc)
	d := rel32(insts.Addr(pc+callRelSize), dest, "java call", pc)
	binary.LittleEndian.PutUint32(insts.Slice(pc+1, 4), uint32(d))
	r.Format = codebuf.FormatCall32
	r.Target = dest
	insts.Relocate(pc, r)
}

// RelocatePoll handles the four poll marks. A near poll reads the polling
// page rip-relative: the compiler leaves the offset into the page in the
// displacement, which is rebased to the instruction address.
func (*Target) RelocatePoll(cb *codebuf.CodeBuffer, pc int, mark compiled.MarkID, pollingPage uintptr) {
	insts := cb.Insts()
	typ := codebuf.RelocPoll
	if mark == compiled.MarkPollReturnNear || mark == compiled.MarkPollReturnFar {
		typ = codebuf.RelocPollReturn
	}
	switch mark {
	case compiled.MarkPollNear, compiled.MarkPollReturnNear:
		code := insts.Bytes()
		disp, _ := ripOperand(code, pc)
		offset := int32(binary.LittleEndian.Uint32(code[disp:]))
		d := rel32(insts.Addr(pc), pollingPage+uintptr(int64(offset)), "near poll", pc)
		binary.LittleEndian.PutUint32(code[disp:], uint32(d))
		insts.Relocate(pc, codebuf.Relocation{Type: typ, Format: codebuf.FormatDisp32})
	case compiled.MarkPollFar, compiled.MarkPollReturnFar:
		insts.Relocate(pc, codebuf.Relocation{Type: typ})
	default:
		fault.Fatalf("amd64", "invalid mark value %d for poll", int(mark))
	}
}

// EmitToInterpStub emits
//
//	mov rbx, 0   ; method, patched when the call is resolved
//	jmp .        ; destination, patched likewise
func (*Target) EmitToInterpStub(cb *codebuf.CodeBuffer, callOffset int) {
	stubs := cb.Stubs()
	off := stubs.Allocate(toInterpStubCode, 8)
	code := stubs.Slice(off, toInterpStubCode)
	code[0] = rexW
	code[1] = opMovImm | 3 // rbx
	code[movImm64Size] = opJmp
	// rel32 of -callRelSize jumps back to the jmp itself
	binary.LittleEndian.PutUint32(code[movImm64Size+1:], ^uint32(callRelSize-1))
	stubs.Relocate(off, codebuf.Relocation{
		Type:   codebuf.RelocStaticStub,
		Mark:   callOffset,
		Target: cb.Insts().Addr(callOffset),
	})
}

func (*Target) ToInterpStubSize() int { return toInterpStubSize }
