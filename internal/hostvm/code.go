package hostvm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tinyrange/codeinstall/internal/codebuf"
	"github.com/tinyrange/codeinstall/internal/codecache"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/debuginfo"
	"github.com/tinyrange/codeinstall/internal/deps"
	"github.com/tinyrange/codeinstall/internal/installer"
	"github.com/tinyrange/codeinstall/internal/oopmap"
	"github.com/tinyrange/codeinstall/internal/oops"
)

// sectionLayout records where each section ended up in the blob.
type sectionLayout struct {
	start, size int
	relocs      []codebuf.Relocation
}

// codeBlob is what nmethods and runtime stubs share.
type codeBlob struct {
	id       uuid.UUID
	name     string
	blob     *codecache.Blob
	sections [3]sectionLayout
	comments []codebuf.Comment

	frameWords int
	oopMaps    *oopmap.Set
}

func newCodeBlob(r *installer.Registration) codeBlob {
	cb := r.Buffer
	b := codeBlob{
		id:         uuid.New(),
		name:       r.Name,
		blob:       cb.Blob(),
		comments:   cb.Comments(),
		frameWords: r.FrameWords,
		oopMaps:    r.OopMaps,
	}
	for _, id := range []codebuf.SectionID{codebuf.SectConsts, codebuf.SectInsts, codebuf.SectStubs} {
		s := cb.Section(id)
		b.sections[id] = sectionLayout{start: s.Start(), size: s.Size(), relocs: s.Relocations()}
	}
	return b
}

func (b *codeBlob) ID() uuid.UUID   { return b.id }
func (b *codeBlob) Name() string    { return b.name }
func (b *codeBlob) FrameWords() int { return b.frameWords }

// InstsAddr is the absolute address of insts offset off.
func (b *codeBlob) InstsAddr(off int) uintptr {
	return b.blob.Addr(b.sections[codebuf.SectInsts].start + off)
}

// Section returns the bytes of a section.
func (b *codeBlob) Section(id codebuf.SectionID) []byte {
	s := b.sections[id]
	return b.blob.Mem[s.start : s.start+s.size : s.start+s.size]
}

func (b *codeBlob) Relocations(id codebuf.SectionID) []codebuf.Relocation {
	return append([]codebuf.Relocation(nil), b.sections[id].relocs...)
}

func (b *codeBlob) Comments() []codebuf.Comment { return append([]codebuf.Comment(nil), b.comments...) }

// OopMapAt returns the oop map of the safepoint at insts offset pc.
func (b *codeBlob) OopMapAt(pc int) *oopmap.OopMap { return b.oopMaps.At(pc) }

// RuntimeStub is installed code that is not a method.
type RuntimeStub struct {
	codeBlob
}

func (s *RuntimeStub) IsStub() bool { return true }

func (s *RuntimeStub) EntryPoint() uintptr { return s.InstsAddr(0) }

func (s *RuntimeStub) String() string {
	return fmt.Sprintf("stub %s at %#x", s.name, s.EntryPoint())
}

// NMethod is an installed compiled method.
type NMethod struct {
	codeBlob

	method    *compiled.Method
	entryBCI  int
	compileID int
	offsets   installer.Offsets

	debug        *debuginfo.Reader
	oops         *oops.Recorder
	dependencies []deps.Dependency
	handlers     *installer.HandlerTable
	implicit     []int

	notEntrant atomic.Bool
}

func (nm *NMethod) IsStub() bool               { return false }
func (nm *NMethod) Method() *compiled.Method   { return nm.method }
func (nm *NMethod) EntryBCI() int              { return nm.entryBCI }
func (nm *NMethod) CompileID() int             { return nm.compileID }
func (nm *NMethod) Offsets() installer.Offsets { return nm.offsets }
func (nm *NMethod) IsOSR() bool                { return nm.entryBCI != compiled.InvocationEntryBCI }
func (nm *NMethod) Oops() *oops.Recorder       { return nm.oops }
func (nm *NMethod) Debug() *debuginfo.Reader   { return nm.debug }

// EntryPoint is the verified entry, or the OSR entry of OSR methods.
func (nm *NMethod) EntryPoint() uintptr {
	if nm.IsOSR() && nm.offsets.OSREntry >= 0 {
		return nm.InstsAddr(nm.offsets.OSREntry)
	}
	return nm.InstsAddr(nm.offsets.VerifiedEntry)
}

func (nm *NMethod) Dependencies() []deps.Dependency {
	return append([]deps.Dependency(nil), nm.dependencies...)
}

// ScopesAt decodes the scope chain recorded at insts offset pc.
func (nm *NMethod) ScopesAt(pc int) *debuginfo.ScopeDesc { return nm.debug.ScopesAt(pc) }

// HandlersAt returns the exception handler offsets for pc.
func (nm *NMethod) HandlersAt(pc int) []int { return nm.handlers.Handlers(pc) }

// IsImplicitException reports whether a fault at pc deoptimizes.
func (nm *NMethod) IsImplicitException(pc int) bool {
	for _, p := range nm.implicit {
		if p == pc {
			return true
		}
	}
	return false
}

// Alive reports whether new invocations may still enter the method.
func (nm *NMethod) Alive() bool { return !nm.notEntrant.Load() }

func (nm *NMethod) makeNotEntrant() bool { return nm.notEntrant.CompareAndSwap(false, true) }

func (nm *NMethod) String() string {
	kind := "nmethod"
	if nm.IsOSR() {
		kind = fmt.Sprintf("osr nmethod@%d", nm.entryBCI)
	}
	return fmt.Sprintf("%s %s at %#x", kind, nm.name, nm.EntryPoint())
}
