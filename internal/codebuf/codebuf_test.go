package codebuf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/fault"
)

func newBuffer(t *testing.T, size int) *CodeBuffer {
	t.Helper()
	h := codecache.NewHeap(4096, 0x1000)
	blob, err := h.Acquire(size)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return New("test", blob, Alignments{Consts: 16, Insts: 16, Stubs: 16})
}

func TestSectionLayout(t *testing.T) {
	cb := newBuffer(t, 256)

	if err := cb.InitializeStubsSize(20); err != nil {
		t.Fatalf("InitializeStubsSize: %v", err)
	}
	if err := cb.InitializeConstsSize(24); err != nil {
		t.Fatalf("InitializeConstsSize: %v", err)
	}

	if got := cb.Consts().Start(); got != 0 {
		t.Fatalf("consts start=%d, want 0", got)
	}
	if got := cb.Insts().Start(); got != 32 {
		t.Fatalf("insts start=%d, want 32", got)
	}
	// 256-20 rounded down to 16
	if got := cb.Stubs().Start(); got != 224 {
		t.Fatalf("stubs start=%d, want 224", got)
	}
	if got := cb.Insts().Capacity(); got != 224-32 {
		t.Fatalf("insts capacity=%d, want %d", got, 224-32)
	}
	if got := cb.TotalSize(); got != 256 {
		t.Fatalf("TotalSize()=%d, want 256", got)
	}
}

func TestCopyInTooSmall(t *testing.T) {
	cb := newBuffer(t, 64)
	if err := cb.InitializeConstsSize(0); err != nil {
		t.Fatalf("InitializeConstsSize: %v", err)
	}
	err := cb.Insts().CopyIn(make([]byte, 65))
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("CopyIn err=%v, want ErrBufferTooSmall", err)
	}
	if cb.Insts().Size() != 0 {
		t.Fatalf("Size()=%d after failed copy, want 0", cb.Insts().Size())
	}
}

func TestStubsDoNotFit(t *testing.T) {
	cb := newBuffer(t, 64)
	if err := cb.Insts().CopyIn(make([]byte, 60)); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if err := cb.InitializeStubsSize(16); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("InitializeStubsSize err=%v, want ErrBufferTooSmall", err)
	}
}

func TestAllocateAligns(t *testing.T) {
	cb := newBuffer(t, 128)
	if err := cb.InitializeConstsSize(64); err != nil {
		t.Fatalf("InitializeConstsSize: %v", err)
	}
	consts := cb.Consts()
	consts.Emit([]byte{1, 2, 3})

	off := consts.Allocate(8, 8)
	if off != 8 {
		t.Fatalf("Allocate offset=%d, want 8", off)
	}
	if consts.Size() != 16 {
		t.Fatalf("Size()=%d, want 16", consts.Size())
	}
	want := []byte{1, 2, 3, 0, 0, 0, 0, 0}
	if got := consts.Bytes()[:8]; !bytes.Equal(got, want) {
		t.Fatalf("Bytes()=%x, want %x", got, want)
	}
}

func TestAllocateOverflowIsFatal(t *testing.T) {
	cb := newBuffer(t, 64)
	if err := cb.InitializeConstsSize(8); err != nil {
		t.Fatalf("InitializeConstsSize: %v", err)
	}
	f := fault.Catch(func() { cb.Consts().Allocate(16, 1) })
	if f == nil {
		t.Fatalf("Allocate past capacity did not fault")
	}
}

func TestSliceOutsideFilled(t *testing.T) {
	cb := newBuffer(t, 64)
	if err := cb.Insts().CopyIn([]byte{0x90, 0x90}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if f := fault.Catch(func() { cb.Insts().Slice(1, 4) }); f == nil {
		t.Fatalf("Slice past filled size did not fault")
	}
	s := cb.Insts().Slice(1, 1)
	s[0] = 0xcc
	if cb.Blob().Mem[1] != 0xcc {
		t.Fatalf("Slice does not alias the blob")
	}
}

func TestRelocationsOrdered(t *testing.T) {
	cb := newBuffer(t, 64)
	if err := cb.Insts().CopyIn(make([]byte, 32)); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	insts := cb.Insts()
	insts.Relocate(16, Relocation{Type: RelocOop, Format: FormatImm64})
	insts.Relocate(4, Relocation{Type: RelocRuntimeCall, Format: FormatCall32, Target: 0x1234})
	insts.Relocate(16, Relocation{Type: RelocMetadata, Format: FormatImm64})

	got := insts.Relocations()
	if len(got) != 3 {
		t.Fatalf("len(Relocations())=%d, want 3", len(got))
	}
	wantTypes := []RelocType{RelocRuntimeCall, RelocOop, RelocMetadata}
	for i, r := range got {
		if r.Type != wantTypes[i] {
			t.Fatalf("Relocations()[%d].Type=%s, want %s", i, r.Type, wantTypes[i])
		}
	}
	if at := insts.RelocationsAt(16); len(at) != 2 {
		t.Fatalf("len(RelocationsAt(16))=%d, want 2", len(at))
	}
	if !RelocRuntimeCall.IsCall() || RelocOop.IsCall() {
		t.Fatalf("IsCall mismatch")
	}
}

func TestBadAlignmentPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("New with alignment 3 did not panic")
		}
	}()
	h := codecache.NewHeap(64, 0)
	blob, _ := h.Acquire(64)
	New("bad", blob, Alignments{Consts: 3, Insts: 16, Stubs: 16})
}
