package codebuf

import (
	"fmt"
)

// RelocType tags what a relocated operand refers to.
type RelocType int

const (
	RelocNone RelocType = iota
	RelocOop
	RelocMetadata
	RelocVirtualCall
	RelocOptVirtualCall
	RelocStaticCall
	RelocStaticStub
	RelocRuntimeCall
	RelocExternalWord
	RelocInternalWord
	RelocSectionWord
	RelocPoll
	RelocPollReturn
)

var relocNames = [...]string{
	RelocNone:           "none",
	RelocOop:            "oop",
	RelocMetadata:       "metadata",
	RelocVirtualCall:    "virtual_call",
	RelocOptVirtualCall: "opt_virtual_call",
	RelocStaticCall:     "static_call",
	RelocStaticStub:     "static_stub",
	RelocRuntimeCall:    "runtime_call",
	RelocExternalWord:   "external_word",
	RelocInternalWord:   "internal_word",
	RelocSectionWord:    "section_word",
	RelocPoll:           "poll",
	RelocPollReturn:     "poll_return",
}

func (t RelocType) String() string {
	if t >= 0 && int(t) < len(relocNames) {
		return relocNames[t]
	}
	return fmt.Sprintf("reloc(%d)", int(t))
}

// IsCall reports relocations attached to call instructions.
func (t RelocType) IsCall() bool {
	switch t {
	case RelocVirtualCall, RelocOptVirtualCall, RelocStaticCall, RelocRuntimeCall:
		return true
	}
	return false
}

// Format is the shape of the operand a relocation applies to.
type Format int

const (
	FormatNone Format = iota
	FormatImm64
	FormatNarrow
	FormatDisp32
	FormatCall32
)

var formatNames = [...]string{
	FormatNone:   "none",
	FormatImm64:  "imm64",
	FormatNarrow: "narrow",
	FormatDisp32: "disp32",
	FormatCall32: "call32",
}

func (f Format) String() string {
	if f >= 0 && int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Relocation is recorded against an offset of one section so the operand can
// be found and updated again later.
type Relocation struct {
	Offset int
	Type   RelocType
	Format Format

	// Index is the recorder index of oop and metadata relocations.
	Index int
	// Target is the absolute destination of call and external word
	// relocations.
	Target uintptr
	// Mark is the insts offset of the instruction a virtual call or static
	// stub relocation is tied to.
	Mark int
	// TargetSection and TargetOffset locate the destination of a section
	// word relocation.
	TargetSection SectionID
	TargetOffset  int

	seq int
}

func (r Relocation) String() string {
	switch r.Type {
	case RelocOop, RelocMetadata:
		return fmt.Sprintf("%#x %s[%d] %s", r.Offset, r.Type, r.Index, r.Format)
	case RelocVirtualCall, RelocStaticStub:
		return fmt.Sprintf("%#x %s mark=%#x -> %#x", r.Offset, r.Type, r.Mark, r.Target)
	case RelocSectionWord:
		return fmt.Sprintf("%#x %s %s+%#x %s", r.Offset, r.Type, r.TargetSection, r.TargetOffset, r.Format)
	default:
		if r.Target != 0 {
			return fmt.Sprintf("%#x %s -> %#x %s", r.Offset, r.Type, r.Target, r.Format)
		}
		return fmt.Sprintf("%#x %s %s", r.Offset, r.Type, r.Format)
	}
}

func relocLess(a, b Relocation) bool {
	if a.Offset != b.Offset {
		return a.Offset < b.Offset
	}
	return a.seq < b.seq
}
