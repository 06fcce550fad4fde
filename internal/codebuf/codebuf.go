// Package codebuf lays instructions, constants and stubs out in a code cache
// blob and keeps the relocations recorded against them.
//
// The blob is divided into three consecutive sections:
//
//	[ consts | insts | stubs ]
//
// Consts starts at the blob start, insts starts right after the reserved
// constants area and stubs are carved from the end of the blob.
package codebuf

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/fault"
)

// ErrBufferTooSmall is returned when a section cannot hold what is copied or
// reserved in it. The caller should retry with a larger buffer.
var ErrBufferTooSmall = errors.New("code buffer too small")

type SectionID int

const (
	SectConsts SectionID = iota
	SectInsts
	SectStubs
	numSections
)

func (s SectionID) String() string {
	switch s {
	case SectConsts:
		return "consts"
	case SectInsts:
		return "insts"
	case SectStubs:
		return "stubs"
	default:
		return fmt.Sprintf("section(%d)", int(s))
	}
}

// Alignments of the three section starts. All must be powers of two.
type Alignments struct {
	Consts int
	Insts  int
	Stubs  int
}

func (a Alignments) of(id SectionID) int {
	switch id {
	case SectConsts:
		return a.Consts
	case SectInsts:
		return a.Insts
	default:
		return a.Stubs
	}
}

func isPow2(v int) bool { return v > 0 && v&(v-1) == 0 }

func alignUp(v, a int) int   { return (v + a - 1) &^ (a - 1) }
func alignDown(v, a int) int { return v &^ (a - 1) }

// AlignUp rounds v up to a power of two alignment.
func AlignUp(v, a int) int {
	if !isPow2(a) {
		panic(fmt.Sprintf("codebuf: alignment %d is not a power of two", a))
	}
	return alignUp(v, a)
}

// Comment is a block comment attached to an insts offset.
type Comment struct {
	Offset int
	Text   string
}

// CodeBuffer is owned by a single installation.
type CodeBuffer struct {
	name     string
	blob     *codecache.Blob
	sects    [numSections]Section
	comments []Comment
}

// New creates a buffer over blob. Until the consts and stubs sizes are
// initialized the insts section spans the whole blob.
func New(name string, blob *codecache.Blob, align Alignments) *CodeBuffer {
	for id := SectConsts; id < numSections; id++ {
		if !isPow2(align.of(id)) {
			panic(fmt.Sprintf("codebuf: %s alignment %d is not a power of two", id, align.of(id)))
		}
	}
	cb := &CodeBuffer{name: name, blob: blob}
	for id := SectConsts; id < numSections; id++ {
		cb.sects[id] = Section{
			id:     id,
			cb:     cb,
			align:  align.of(id),
			relocs: btree.NewG(16, relocLess),
		}
	}
	cb.sects[SectInsts].limit = blob.Size()
	return cb
}

func (cb *CodeBuffer) Name() string          { return cb.name }
func (cb *CodeBuffer) Blob() *codecache.Blob { return cb.blob }
func (cb *CodeBuffer) Consts() *Section      { return &cb.sects[SectConsts] }
func (cb *CodeBuffer) Insts() *Section       { return &cb.sects[SectInsts] }
func (cb *CodeBuffer) Stubs() *Section       { return &cb.sects[SectStubs] }
func (cb *CodeBuffer) Section(id SectionID) *Section {
	if id < 0 || id >= numSections {
		fault.ShouldNotReachHere("codebuf", id)
	}
	return &cb.sects[id]
}

// InitializeConstsSize reserves size bytes at the blob start for constants
// and moves the insts start behind them.
func (cb *CodeBuffer) InitializeConstsSize(size int) error {
	insts := cb.Insts()
	consts := cb.Consts()
	fault.Guarantee(insts.Size() == 0 && consts.limit == 0, "codebuf", "consts size initialized twice or after code was emitted")
	fault.Guarantee(size >= 0, "codebuf", "negative constants size %d", size)

	start := alignUp(size, insts.align)
	if start > insts.limit {
		return fmt.Errorf("reserve %d constant bytes in %d byte buffer: %w", size, insts.limit, ErrBufferTooSmall)
	}
	consts.start, consts.end, consts.limit = 0, 0, size
	insts.start, insts.end = start, start
	return nil
}

// InitializeStubsSize carves size bytes for stubs from the end of the blob.
func (cb *CodeBuffer) InitializeStubsSize(size int) error {
	insts := cb.Insts()
	stubs := cb.Stubs()
	fault.Guarantee(stubs.limit == 0, "codebuf", "stubs size initialized twice")
	fault.Guarantee(size >= 0, "codebuf", "negative stubs size %d", size)

	if size == 0 {
		stubs.start, stubs.end, stubs.limit = insts.limit, insts.limit, insts.limit
		return nil
	}
	middle := alignDown(insts.limit-size, stubs.align)
	if middle < insts.end {
		return fmt.Errorf("reserve %d stub bytes: %w", size, ErrBufferTooSmall)
	}
	stubs.start, stubs.end, stubs.limit = middle, middle, insts.limit
	insts.limit = middle
	return nil
}

// BlockComment attaches text to an insts offset.
func (cb *CodeBuffer) BlockComment(offset int, text string) {
	cb.comments = append(cb.comments, Comment{Offset: offset, Text: text})
}

func (cb *CodeBuffer) Comments() []Comment {
	return append([]Comment(nil), cb.comments...)
}

// TotalSize is the number of blob bytes covered by the three sections.
func (cb *CodeBuffer) TotalSize() int {
	return cb.Stubs().limit
}

func (cb *CodeBuffer) String() string {
	return fmt.Sprintf("%s %s consts=%d insts=%d stubs=%d", cb.name, cb.blob, cb.Consts().Size(), cb.Insts().Size(), cb.Stubs().Size())
}

// Section is a contiguous range of the blob. Offsets passed to its methods
// are relative to the section start.
type Section struct {
	id    SectionID
	cb    *CodeBuffer
	align int

	// Blob offsets.
	start, end, limit int

	relocs *btree.BTreeG[Relocation]
	seq    int
}

func (s *Section) ID() SectionID  { return s.id }
func (s *Section) Alignment() int { return s.align }
func (s *Section) Start() int     { return s.start }
func (s *Section) Size() int      { return s.end - s.start }
func (s *Section) Capacity() int  { return s.limit - s.start }
func (s *Section) Remaining() int { return s.limit - s.end }

// Fits reports whether the section can hold size bytes from its start.
func (s *Section) Fits(size int) bool {
	return size >= 0 && s.start+size <= s.limit
}

// CopyIn replaces the section contents with data. Nothing is written when the
// data does not fit.
func (s *Section) CopyIn(data []byte) error {
	if !s.Fits(len(data)) {
		return fmt.Errorf("copy %d bytes into %s (capacity %d): %w", len(data), s.id, s.Capacity(), ErrBufferTooSmall)
	}
	n := copy(s.cb.blob.Mem[s.start:], data)
	s.end = s.start + n
	return nil
}

// SetSize moves the end of the filled part; the bytes must already be in
// place.
func (s *Section) SetSize(size int) {
	fault.Guarantee(s.Fits(size), "codebuf", "%s size %d exceeds capacity %d", s.id, size, s.Capacity())
	s.end = s.start + size
}

// Allocate appends size zero bytes aligned to align and returns their
// offset. Running past the reserved capacity is fatal: the space was sized
// up front.
func (s *Section) Allocate(size, align int) int {
	fault.Guarantee(isPow2(align), "codebuf", "alignment %d is not a power of two", align)
	fault.Guarantee(align <= s.align, "codebuf", "alignment %d inside %s exceeds the section alignment %d", align, s.id, s.align)

	off := alignUp(s.end, align) - s.start
	fault.Guarantee(s.Fits(off+size), "codebuf", "%s overflow: need %d bytes at %d, capacity %d", s.id, size, off, s.Capacity())
	clear(s.cb.blob.Mem[s.end : s.start+off+size])
	s.end = s.start + off + size
	return off
}

// Emit appends data and returns its offset.
func (s *Section) Emit(data []byte) int {
	off := s.Allocate(len(data), 1)
	copy(s.cb.blob.Mem[s.start+off:], data)
	return off
}

// Bytes is the filled part of the section.
func (s *Section) Bytes() []byte {
	return s.cb.blob.Mem[s.start:s.end:s.end]
}

// Slice returns n filled bytes at off for patching.
func (s *Section) Slice(off, n int) []byte {
	if off < 0 || n < 0 || s.start+off+n > s.end {
		fault.Fatalf("codebuf", "%s access [%d, %d) outside filled size %d", s.id, off, off+n, s.Size())
	}
	return s.cb.blob.Mem[s.start+off : s.start+off+n : s.start+off+n]
}

// Addr is the absolute address of off.
func (s *Section) Addr(off int) uintptr {
	return s.cb.blob.Addr(s.start + off)
}

// Contains reports whether the section offset is inside the filled part.
func (s *Section) Contains(off int) bool {
	return off >= 0 && s.start+off < s.end
}

// Relocate records r at off.
func (s *Section) Relocate(off int, r Relocation) {
	fault.Guarantee(off >= 0 && s.start+off <= s.limit, "codebuf", "%s relocation at %d outside capacity %d", s.id, off, s.Capacity())
	r.Offset = off
	r.seq = s.seq
	s.seq++
	s.relocs.ReplaceOrInsert(r)
}

// Relocations returns the relocations ordered by offset.
func (s *Section) Relocations() []Relocation {
	out := make([]Relocation, 0, s.relocs.Len())
	s.relocs.Ascend(func(r Relocation) bool {
		out = append(out, r)
		return true
	})
	return out
}

// RelocationsAt returns the relocations recorded at off.
func (s *Section) RelocationsAt(off int) []Relocation {
	var out []Relocation
	s.relocs.AscendGreaterOrEqual(Relocation{Offset: off}, func(r Relocation) bool {
		if r.Offset != off {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}
