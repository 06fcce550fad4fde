package installer

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// constantSlotSize is reserved in the constants section for every site: a
// site appends at most one primitive of up to 8 bytes aligned to at most 8.
const constantSlotSize = 8

// maxConstantAlignment bounds the alignment of appended constants.
const maxConstantAlignment = 8

// sizes is the up front estimate the buffer is acquired with.
type sizes struct {
	constants int
	code      int
	stubs     int
}

func (s sizes) total() int { return s.constants + s.code + s.stubs }

func (x *installation) estimateSizes() sizes {
	align := x.target.CodeEntryAlignment()
	return sizes{
		constants: estimateConstantsSize(x.code, align),
		code:      codebuf.AlignUp(x.code.CodeSize, align),
		stubs:     codebuf.AlignUp(estimateStubsSize(x.code, x.target.ToInterpStubSize()), align),
	}
}

// estimateConstantsSize is the data section rounded to the section
// alignment plus room for one constant per site.
func estimateConstantsSize(code *compiled.CompiledCode, align int) int {
	size := codebuf.AlignUp(len(code.DataSection), align)
	size += len(code.Sites) * constantSlotSize
	return codebuf.AlignUp(size, align)
}

// estimateStubsSize reserves one to-interpreter stub per static or special
// invoke.
func estimateStubsSize(code *compiled.CompiledCode, stubSize int) int {
	n := 0
	for _, s := range code.Sites {
		if m, ok := s.(compiled.Mark); ok && (m.ID == compiled.MarkInvokeStatic || m.ID == compiled.MarkInvokeSpecial) {
			n++
		}
	}
	return n * stubSize
}

// validate checks the shape of the input before anything is allocated.
func (x *installation) validate() {
	c := x.code
	if c.CodeSize < 0 || c.CodeSize > len(c.Code) {
		fault.Fatalf("installer", "code size %d outside the %d instruction bytes", c.CodeSize, len(c.Code))
	}
	if c.TotalFrameSize < 0 {
		fault.Fatalf("installer", "negative total frame size %d", c.TotalFrameSize)
	}
	if c.IsStub() && c.StubName == "" {
		fault.Fatalf("installer", "stub without a name")
	}
	if len(c.DataSection) > 0 || c.DataSectionAlignment != 0 {
		a := c.DataSectionAlignment
		if a <= 0 || a&(a-1) != 0 {
			fault.Fatalf("installer", "data section alignment %d is not a power of two", a)
		}
		if a > x.target.CodeEntryAlignment() {
			fault.Fatalf("installer", "data section alignment %d exceeds the constants section alignment %d", a, x.target.CodeEntryAlignment())
		}
	}
}

// layOut divides the acquired blob into sections and copies the data
// section and the instructions in.
func (x *installation) layOut(est sizes) error {
	align := x.target.CodeEntryAlignment()
	cb := codebuf.New(x.code.Name, x.blob, codebuf.Alignments{Consts: align, Insts: align, Stubs: align})
	if err := cb.InitializeStubsSize(est.stubs); err != nil {
		return err
	}
	if err := cb.InitializeConstsSize(est.constants); err != nil {
		return err
	}

	consts := cb.Consts()
	if err := consts.CopyIn(x.code.DataSection); err != nil {
		return fmt.Errorf("data section: %w", err)
	}
	// Appended constants start behind the aligned data section.
	if pad := codebuf.AlignUp(consts.Size(), align) - consts.Size(); pad > 0 && consts.Fits(consts.Size()+pad) {
		consts.Allocate(pad, 1)
	}
	if err := cb.Insts().CopyIn(x.code.Code[:x.code.CodeSize]); err != nil {
		return fmt.Errorf("instructions: %w", err)
	}
	x.cb = cb
	return nil
}

// checkLayout is the post-condition of the whole installation: the insts
// section must start right behind the reserved constants.
func (x *installation) checkLayout() {
	if got := x.cb.Insts().Start() - x.cb.Consts().Start(); got != x.constantsSize {
		fault.Fatalf("installer", "constants size mismatch: insts start at %d, expected %d", got, x.constantsSize)
	}
}

// patchDataSection applies the patches inside the data section.
func (x *installation) patchDataSection() {
	consts := x.cb.Consts()
	order := x.target.ByteOrder()
	for _, p := range x.code.DataSectionPatches {
		ref, ok := p.Reference.(compiled.ConstantReference)
		if !ok {
			fault.Fatalf("installer", "invalid patch in data section at %d: %T", p.Offset, p.Reference)
		}
		switch c := ref.Constant.(type) {
		case compiled.MetaspaceConstant:
			idx := x.oops.FindOrAddMetadata(c.Metadata)
			if c.Compressed {
				order.PutUint32(consts.Slice(p.Offset, 4), x.rt.CompressedKlassPointers().Encode(c.Metadata.MetadataID()))
				consts.Relocate(p.Offset, codebuf.Relocation{Type: codebuf.RelocMetadata, Format: codebuf.FormatNarrow, Index: idx})
			} else {
				order.PutUint64(consts.Slice(p.Offset, 8), c.Metadata.MetadataID())
				consts.Relocate(p.Offset, codebuf.Relocation{Type: codebuf.RelocMetadata, Format: codebuf.FormatImm64, Index: idx})
			}
		case compiled.ObjectConstant:
			if c.Compressed {
				fault.Fatalf("installer", "unexpected compressed oop in data section at %d", p.Offset)
			}
			idx := x.oops.FindOrAddObject(c.Object)
			order.PutUint64(consts.Slice(p.Offset, 8), c.Object.Handle)
			consts.Relocate(p.Offset, codebuf.Relocation{Type: codebuf.RelocOop, Format: codebuf.FormatImm64, Index: idx})
		default:
			fault.Fatalf("installer", "invalid constant in data section at %d: %T", p.Offset, ref.Constant)
		}
	}
}

// appendConstant writes a primitive behind the data section and returns its
// consts offset.
func (x *installation) appendConstant(c compiled.PrimitiveConstant, align int) int {
	size := 4
	if c.Raw || c.Kind.NeedsTwoSlots() {
		size = 8
	}
	if align == 0 {
		align = size
	}
	if align > maxConstantAlignment {
		fault.Fatalf("installer", "constant alignment %d exceeds %d", align, maxConstantAlignment)
	}
	consts := x.cb.Consts()
	off := consts.Allocate(size, align)
	writeConstant(x.target.ByteOrder(), consts.Slice(off, size), c)
	return off
}

func writeConstant(order binary.ByteOrder, dst []byte, c compiled.PrimitiveConstant) {
	switch len(dst) {
	case 4:
		order.PutUint32(dst, uint32(c.Bits))
	case 8:
		order.PutUint64(dst, uint64(c.Bits))
	default:
		fault.ShouldNotReachHere("installer", len(dst))
	}
}
