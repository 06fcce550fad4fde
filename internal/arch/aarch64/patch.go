package aarch64

import (
	"encoding/binary"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

const (
	instSize = 4

	maskBranch  = 0xFC000000
	opBL        = 0x94000000
	opB         = 0x14000000
	maskBLR     = 0xFFFFFC1F
	opBLR       = 0xD63F0000
	maskADRx    = 0x9F000000
	opADR       = 0x10000000
	opADRP      = 0x90000000
	maskLDRLit  = 0x3B000000
	opLDRLit    = 0x18000000
	maskMovWide = 0x7F800000
	opMOVZ      = 0x52800000
	opMOVK      = 0x72800000

	// Instructions in the to-interpreter stub: movz, movk, movk, b.
	toInterpStubSize = 4 * instSize
	stubScratch      = 12
)

func word(code []byte, pc int) uint32 {
	if pc < 0 || pc+instSize > len(code) {
		fault.Fatalf("aarch64", "instruction at %#x runs past the end of the code (%d bytes)", pc, len(code))
	}
	return binary.LittleEndian.Uint32(code[pc:])
}

func putWord(code []byte, pc int, w uint32) {
	binary.LittleEndian.PutUint32(code[pc:], w)
}

func isBL(w uint32) bool   { return w&maskBranch == opBL }
func isB(w uint32) bool    { return w&maskBranch == opB }
func isBLR(w uint32) bool  { return w&maskBLR == opBLR }
func isADR(w uint32) bool  { return w&maskADRx == opADR }
func isADRP(w uint32) bool { return w&maskADRx == opADRP }
func isLDRLiteral(w uint32) bool {
	return w&maskLDRLit == opLDRLit
}

// isMovz and isMovk ignore the sf bit, so both the 32 and 64-bit forms
// match.
func isMovz(w uint32) bool { return w&maskMovWide == opMOVZ }
func isMovk(w uint32) bool { return w&maskMovWide == opMOVK }

func (*Target) NextOffset(code []byte, pc int) int {
	w := word(code, pc)
	switch {
	case isBL(w), isB(w), isBLR(w):
		return pc + instSize
	case isADRP(w):
		// adrp; add; blr
		return pc + 3*instSize
	case isMovz(w):
		// movz; movk; movk; blr
		fault.Guarantee(isBLR(word(code, pc+3*instSize)), "aarch64", "expected blr after mov sequence at %#x", pc)
		return pc + 4*instSize
	default:
		fault.Fatalf("aarch64", "unsupported type of instruction for call site at %#x", pc)
		return 0
	}
}

// patchBranch retargets a b or bl at pc.
func patchBranch(cb *codebuf.CodeBuffer, pc int, dest uintptr, what string) {
	insts := cb.Insts()
	code := insts.Bytes()
	w := word(code, pc)
	d := int64(dest) - int64(insts.Addr(pc))
	if d%instSize != 0 || d < -(1<<27) || d >= 1<<27 {
		fault.Fatalf("aarch64", "%s at %#x: branch offset %#x out of range", what, pc, d)
	}
	putWord(code, pc, w&maskBranch|uint32(d>>2)&^maskBranch)
}

// patchMovWide writes value 16 bits at a time into the movz/movk sequence
// of n instructions at pc.
func patchMovWide(code []byte, pc int, n int, value uint64) {
	if n < 4 && value>>(16*n) != 0 {
		fault.Fatalf("aarch64", "value %#x does not fit in %d-instruction mov sequence at %#x", value, n, pc)
	}
	for i := 0; i < n; i++ {
		off := pc + i*instSize
		w := word(code, off)
		if (i == 0 && !isMovz(w)) || (i > 0 && !isMovk(w)) {
			fault.Fatalf("aarch64", "expected mov sequence at %#x, found %#08x", off, w)
		}
		chunk := uint32(value>>(16*i)) & 0xFFFF
		putWord(code, off, w&^(0xFFFF<<5)|chunk<<5)
	}
}

func (*Target) PatchOopConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int) {
	patchMovConstant(cb, pc, value, narrow, codebuf.Relocation{Type: codebuf.RelocOop, Index: index})
}

func (*Target) PatchMetaspaceConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, index int) {
	patchMovConstant(cb, pc, value, narrow, codebuf.Relocation{Type: codebuf.RelocMetadata, Index: index})
}

// patchMovConstant handles pointers as 48-bit movz/movk/movk sequences and
// narrow values as movz/movk pairs.
func patchMovConstant(cb *codebuf.CodeBuffer, pc int, value uint64, narrow bool, r codebuf.Relocation) {
	insts := cb.Insts()
	if narrow {
		patchMovWide(insts.Bytes(), pc, 2, value)
		r.Format = codebuf.FormatNarrow
	} else {
		patchMovWide(insts.Bytes(), pc, 3, value)
		r.Format = codebuf.FormatImm64
	}
	insts.Relocate(pc, r)
}

func (*Target) PatchInlinedPrimitive(cb *codebuf.CodeBuffer, pc int, c compiled.PrimitiveConstant) {
	n := 2
	if c.Kind.NeedsTwoSlots() || c.Raw {
		n = 4
	}
	v := uint64(c.Bits)
	if n == 2 {
		v = uint64(uint32(c.Bits))
	}
	patchMovWide(cb.Insts().Bytes(), pc, n, v)
}

func (*Target) PatchDataSectionReference(cb *codebuf.CodeBuffer, pc int, constsOffset int) {
	insts := cb.Insts()
	code := insts.Bytes()
	w := word(code, pc)
	d := int64(cb.Consts().Addr(constsOffset)) - int64(insts.Addr(pc))
	switch {
	case isLDRLiteral(w):
		if d%instSize != 0 || d < -(1<<20) || d >= 1<<20 {
			fault.Fatalf("aarch64", "ldr literal at %#x: offset %#x out of range", pc, d)
		}
		imm19 := uint32(d>>2) & 0x7FFFF
		putWord(code, pc, w&^(0x7FFFF<<5)|imm19<<5)
	case isADR(w):
		if d < -(1<<20) || d >= 1<<20 {
			fault.Fatalf("aarch64", "adr at %#x: offset %#x out of range", pc, d)
		}
		imm := uint32(d) & 0x1FFFFF
		w = w&^(0x3<<29|0x7FFFF<<5) | (imm&0x3)<<29 | (imm>>2)<<5
		putWord(code, pc, w)
	default:
		fault.Fatalf("aarch64", "unsupported instruction for data section reference at %#x: %#08x", pc, w)
	}
	insts.Relocate(pc, codebuf.Relocation{
		Type:          codebuf.RelocSectionWord,
		TargetSection: codebuf.SectConsts,
		TargetOffset:  constsOffset,
	})
}

func (*Target) RelocateForeignCall(cb *codebuf.CodeBuffer, pc int, dest uintptr) {
	insts := cb.Insts()
	w := word(insts.Bytes(), pc)
	r := codebuf.Relocation{Type: codebuf.RelocRuntimeCall, Target: dest}
	switch {
	case isBL(w), isB(w):
		patchBranch(cb, pc, dest, "foreign call")
		r.Format = codebuf.FormatCall32
	case isMovz(w):
		patchMovWide(insts.Bytes(), pc, 3, uint64(dest))
		r.Format = codebuf.FormatImm64
	default:
		fault.Fatalf("aarch64", "unsupported relocation for foreign call at %#x", pc)
	}
	insts.Relocate(pc, r)
}

func (*Target) RelocateJavaCall(cb *codebuf.CodeBuffer, pc int, dest uintptr, r codebuf.Relocation) {
	insts := cb.Insts()
	fault.Guarantee(isBL(word(insts.Bytes(), pc)), "aarch64", "expected bl at %#x", pc)
	patchBranch(cb, pc, dest, "java call")
	r.Format = codebuf.FormatCall32
	r.Target = dest
	insts.Relocate(pc, r)
}

// RelocatePoll only supports far polls; the polling page is loaded from the
// thread and never addressed pc-relative.
func (*Target) RelocatePoll(cb *codebuf.CodeBuffer, pc int, mark compiled.MarkID, _ uintptr) {
	switch mark {
	case compiled.MarkPollNear, compiled.MarkPollReturnNear:
		fault.Fatalf("aarch64", "%s is not supported", mark)
	case compiled.MarkPollFar:
		cb.Insts().Relocate(pc, codebuf.Relocation{Type: codebuf.RelocPoll})
	case compiled.MarkPollReturnFar:
		cb.Insts().Relocate(pc, codebuf.Relocation{Type: codebuf.RelocPollReturn})
	default:
		fault.Fatalf("aarch64", "invalid mark value %d for poll", int(mark))
	}
}

// EmitToInterpStub emits
//
//	movz x12, #0
//	movk x12, #0, lsl #16
//	movk x12, #0, lsl #32   ; method, patched when the call is resolved
//	b    .                  ; destination, patched likewise
func (*Target) EmitToInterpStub(cb *codebuf.CodeBuffer, callOffset int) {
	stubs := cb.Stubs()
	off := stubs.Allocate(toInterpStubSize, instSize)
	code := stubs.Slice(off, toInterpStubSize)
	const sf = 1 << 31
	putWord(code, 0, sf|opMOVZ|stubScratch)
	putWord(code, 4, sf|opMOVK|1<<21|stubScratch)
	putWord(code, 8, sf|opMOVK|2<<21|stubScratch)
	putWord(code, 12, opB)
	stubs.Relocate(off, codebuf.Relocation{
		Type:   codebuf.RelocStaticStub,
		Mark:   callOffset,
		Target: cb.Insts().Addr(callOffset),
	})
}

func (*Target) ToInterpStubSize() int { return toInterpStubSize }
