package aarch64

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

const (
	blobBase = 0x40000

	movzX16 = 0xD2800010
	movkX16 = 0xF2800010 // lsl #0, shift set per test
	blrX16  = 0xD63F0200
	adrpX16 = 0x90000010
	nop     = 0xD503201F
)

func words(ws ...uint32) []byte {
	out := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func wordAt(b []byte, i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }

func newBuffer(t *testing.T, code []byte, consts, stubs int) *codebuf.CodeBuffer {
	t.Helper()
	h := codecache.NewHeap(4096, blobBase)
	blob, err := h.Acquire(512)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	cb := codebuf.New("test", blob, codebuf.Alignments{Consts: 64, Insts: 64, Stubs: 64})
	if err := cb.InitializeStubsSize(stubs); err != nil {
		t.Fatalf("InitializeStubsSize: %v", err)
	}
	if err := cb.InitializeConstsSize(consts); err != nil {
		t.Fatalf("InitializeConstsSize: %v", err)
	}
	if err := cb.Insts().CopyIn(code); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	return cb
}

func TestRegisterNames(t *testing.T) {
	tgt := New()
	if got := tgt.RegisterName(tgt.Register(5)); got != "r5" {
		t.Fatalf("RegisterName(5)=%q, want r5", got)
	}
	if got := tgt.RegisterName(tgt.Register(32)); got != "v0" {
		t.Fatalf("RegisterName(32)=%q, want v0", got)
	}
	if tgt.IsGeneralPurpose(tgt.Register(40)) {
		t.Fatalf("v8 reported as general purpose")
	}
	if f := fault.Catch(func() { tgt.Register(64) }); f == nil {
		t.Fatalf("Register(64) did not fault")
	}
}

func TestNextOffset(t *testing.T) {
	tgt := New()
	tests := []struct {
		name string
		code []byte
		want int
	}{
		{"bl", words(opBL), 4},
		{"blr", words(blrX16), 4},
		{"adrp add blr", words(adrpX16, 0x91000210, blrX16), 12},
		{"movz movk movk blr", words(movzX16, movkX16|1<<21, movkX16|2<<21, blrX16), 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tgt.NextOffset(tt.code, 0); got != tt.want {
				t.Fatalf("NextOffset=%d, want %d", got, tt.want)
			}
		})
	}
	if f := fault.Catch(func() { tgt.NextOffset(words(movzX16, movkX16, movkX16, nop), 0) }); f == nil {
		t.Fatalf("mov sequence without blr did not fault")
	}
	if f := fault.Catch(func() { tgt.NextOffset(words(nop), 0) }); f == nil {
		t.Fatalf("NextOffset(nop) did not fault")
	}
}

func TestPatchOopConstant(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(movzX16, movkX16|1<<21, movkX16|2<<21, movzX16, movkX16|1<<21), 0, 0)

	tgt.PatchOopConstant(cb, 0, 0x0000_1234_5678_9abc, false, 0)
	tgt.PatchOopConstant(cb, 12, 0xdead_beef, true, 1)

	code := cb.Insts().Bytes()
	imm := func(i int) uint32 { return wordAt(code, i) >> 5 & 0xFFFF }
	for i, want := range []uint32{0x9abc, 0x5678, 0x1234, 0xbeef, 0xdead} {
		if got := imm(i); got != want {
			t.Fatalf("imm16[%d]=%#x, want %#x", i, got, want)
		}
	}
	// register field untouched
	if wordAt(code, 0)&0x1F != 16 {
		t.Fatalf("destination register changed: %#08x", wordAt(code, 0))
	}
	relocs := cb.Insts().Relocations()
	if relocs[0].Format != codebuf.FormatImm64 || relocs[1].Format != codebuf.FormatNarrow {
		t.Fatalf("formats=%s,%s", relocs[0].Format, relocs[1].Format)
	}

	if f := fault.Catch(func() { tgt.PatchOopConstant(cb, 12, 1<<40, true, 2) }); f == nil {
		t.Fatalf("48-bit value in narrow sequence did not fault")
	}
}

func TestPatchInlinedPrimitive(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(0x52800000, 0x72A00000), 0, 0)
	tgt.PatchInlinedPrimitive(cb, 0, compiled.IntConstant(-1))
	code := cb.Insts().Bytes()
	if lo, hi := wordAt(code, 0)>>5&0xFFFF, wordAt(code, 1)>>5&0xFFFF; lo != 0xFFFF || hi != 0xFFFF {
		t.Fatalf("imm=(%#x,%#x), want (0xffff,0xffff)", lo, hi)
	}
}

func TestPatchDataSectionReference(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(0x58000000, 0x10000000), 64, 0)
	cb.Consts().Allocate(32, 8)

	tgt.PatchDataSectionReference(cb, 0, 16)
	tgt.PatchDataSectionReference(cb, 4, 24)

	insts := cb.Insts()
	code := insts.Bytes()

	// ldr literal: imm19 words
	imm19 := int32(wordAt(code, 0)<<8) >> 13
	if got := int64(insts.Addr(0)) + int64(imm19)*4; got != int64(cb.Consts().Addr(16)) {
		t.Fatalf("ldr target=%#x, want %#x", got, cb.Consts().Addr(16))
	}

	// adr: immhi:immlo bytes
	w := wordAt(code, 1)
	imm := int32((w>>5&0x7FFFF)<<2|w>>29&3) << 11 >> 11
	if got := int64(insts.Addr(4)) + int64(imm); got != int64(cb.Consts().Addr(24)) {
		t.Fatalf("adr target=%#x, want %#x", got, cb.Consts().Addr(24))
	}
}

func TestRelocateCalls(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(opBL, movzX16, movkX16|1<<21, movkX16|2<<21, blrX16, opBL), 0, 0)
	insts := cb.Insts()

	dest := insts.Addr(0) + 0x100
	tgt.RelocateForeignCall(cb, 0, dest)
	tgt.RelocateForeignCall(cb, 4, 0x7f00_1234_5678)
	tgt.RelocateJavaCall(cb, 20, insts.Addr(0), codebuf.Relocation{Type: codebuf.RelocOptVirtualCall})

	code := insts.Bytes()
	if got := wordAt(code, 0) &^ maskBranch; got != 0x100>>2 {
		t.Fatalf("bl imm26=%#x, want %#x", got, 0x100>>2)
	}
	// backwards branch of 20 bytes
	if got := int32(wordAt(code, 5)<<6) >> 6; got != -5 {
		t.Fatalf("bl imm26=%d, want -5", got)
	}
	if got := wordAt(code, 3) >> 5 & 0xFFFF; got != 0x7f00 {
		t.Fatalf("movk #32=%#x, want 0x7f00", got)
	}
	relocs := insts.Relocations()
	if len(relocs) != 3 || relocs[2].Type != codebuf.RelocOptVirtualCall {
		t.Fatalf("relocs=%v", relocs)
	}
	if f := fault.Catch(func() { tgt.RelocateJavaCall(cb, 4, dest, codebuf.Relocation{}) }); f == nil {
		t.Fatalf("java call on movz did not fault")
	}
}

func TestNearPollUnsupported(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(nop), 0, 0)
	if f := fault.Catch(func() { tgt.RelocatePoll(cb, 0, compiled.MarkPollNear, 0) }); f == nil {
		t.Fatalf("near poll did not fault")
	}
	tgt.RelocatePoll(cb, 0, compiled.MarkPollReturnFar, 0)
	if r := cb.Insts().Relocations()[0]; r.Type != codebuf.RelocPollReturn {
		t.Fatalf("reloc type=%s, want poll_return", r.Type)
	}
}

func TestEmitToInterpStub(t *testing.T) {
	tgt := New()
	cb := newBuffer(t, words(opBL), 0, tgt.ToInterpStubSize())
	tgt.EmitToInterpStub(cb, 0)

	code := cb.Stubs().Bytes()
	if len(code) != toInterpStubSize {
		t.Fatalf("stub size=%d, want %d", len(code), toInterpStubSize)
	}
	if !isMovz(wordAt(code, 0)) || !isMovk(wordAt(code, 1)) || !isMovk(wordAt(code, 2)) || !isB(wordAt(code, 3)) {
		t.Fatalf("stub code=%x", code)
	}
	if r := cb.Stubs().Relocations()[0]; r.Type != codebuf.RelocStaticStub || r.Target != cb.Insts().Addr(0) {
		t.Fatalf("reloc=%s", r)
	}
}
