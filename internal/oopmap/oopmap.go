// Package oopmap builds the per-pc maps the GC consults to find references
// in registers and frame slots.
package oopmap

import (
	"fmt"
	"strings"

	"github.com/tinyrange/codeinstall/internal/arch"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

type ValueType int

const (
	// Value locations hold no reference.
	Value ValueType = iota
	Oop
	NarrowOop
	// CalleeSaved locations hold the spilled value of Content.
	CalleeSaved
)

func (t ValueType) String() string {
	switch t {
	case Value:
		return "value"
	case Oop:
		return "oop"
	case NarrowOop:
		return "narrowoop"
	case CalleeSaved:
		return "callee_saved"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Entry is one location of a map.
type Entry struct {
	Reg     vmreg.VMReg
	Type    ValueType
	Content vmreg.VMReg
}

// OopMap describes one program point.
type OopMap struct {
	FrameSize      int
	ParameterCount int
	entries        []Entry
}

func New(frameSize, parameterCount int) *OopMap {
	return &OopMap{FrameSize: frameSize, ParameterCount: parameterCount}
}

func (m *OopMap) set(r vmreg.VMReg, t ValueType, content vmreg.VMReg) {
	fault.Guarantee(r.IsValid(), "oopmap", "invalid location for %s", t)
	m.entries = append(m.entries, Entry{Reg: r, Type: t, Content: content})
}

func (m *OopMap) SetOop(r vmreg.VMReg)       { m.set(r, Oop, vmreg.Bad) }
func (m *OopMap) SetNarrowOop(r vmreg.VMReg) { m.set(r, NarrowOop, vmreg.Bad) }
func (m *OopMap) SetValue(r vmreg.VMReg)     { m.set(r, Value, vmreg.Bad) }

func (m *OopMap) SetCalleeSaved(r, reg vmreg.VMReg) {
	m.set(r, CalleeSaved, reg)
}

func (m *OopMap) Entries() []Entry { return append([]Entry(nil), m.entries...) }
func (m *OopMap) Len() int         { return len(m.entries) }

// Find returns the entries recorded for r.
func (m *OopMap) Find(r vmreg.VMReg) []Entry {
	var out []Entry
	for _, e := range m.entries {
		if e.Reg == r {
			out = append(out, e)
		}
	}
	return out
}

// Count returns the number of entries of type t.
func (m *OopMap) Count(t ValueType) int {
	n := 0
	for _, e := range m.entries {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (m *OopMap) String() string {
	var sb strings.Builder
	sb.WriteString("OopMap{")
	first := true
	for _, e := range m.entries {
		if e.Type == Value {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		if e.Type == CalleeSaved {
			fmt.Fprintf(&sb, "%v=%s(%v)", e.Reg, e.Type, e.Content)
		} else {
			fmt.Fprintf(&sb, "%v=%s", e.Reg, e.Type)
		}
	}
	fmt.Fprintf(&sb, " off=%d}", m.FrameSize)
	return sb.String()
}

// PCMap pairs a map with the insts offset it describes.
type PCMap struct {
	PC  int
	Map *OopMap
}

// Set is the collection of maps of one code object in insertion order.
type Set struct {
	maps []PCMap
}

func NewSet() *Set { return &Set{} }

func (s *Set) Add(pc int, m *OopMap) {
	s.maps = append(s.maps, PCMap{PC: pc, Map: m})
}

func (s *Set) Len() int      { return len(s.maps) }
func (s *Set) Maps() []PCMap { return append([]PCMap(nil), s.maps...) }

// At returns the map recorded at pc, or nil.
func (s *Set) At(pc int) *OopMap {
	for _, pm := range s.maps {
		if pm.PC == pc {
			return pm.Map
		}
	}
	return nil
}

// Build turns the reference map and callee-save layout of info into an
// OopMap. Malformed input is a compiler bug and fatal; there is no partial
// map.
func Build(t arch.Target, totalFrameSize, parameterCount int, info *compiled.DebugInfo) *OopMap {
	if info == nil || info.ReferenceMap == nil {
		fault.Fatalf("oopmap", "debug info without reference map")
	}
	refMap := info.ReferenceMap
	if refMap.FrameRefMap == nil {
		fault.Fatalf("oopmap", "reference map without frame reference map")
	}

	m := New(totalFrameSize, parameterCount)

	if refMap.RegisterRefMap != nil {
		regs := t.ReferenceMapRegisters()
		if refMap.RegisterRefMap.Len() < 3*len(regs) {
			fault.Fatalf("oopmap", "register reference map has %d bits, need %d", refMap.RegisterRefMap.Len(), 3*len(regs))
		}
		for i, reg := range regs {
			mark(m, refMap.RegisterRefMap, i, reg)
		}
	}

	slotsPerWord := t.SlotsPerWord()
	for i := 0; i < refMap.FrameRefMap.Len()/3; i++ {
		mark(m, refMap.FrameRefMap, i, vmreg.Stack2Reg(i*slotsPerWord))
	}

	if cs := info.CalleeSaveInfo; cs != nil {
		if len(cs.Registers) != len(cs.Slots) {
			fault.Fatalf("oopmap", "callee save layout has %d registers and %d slots", len(cs.Registers), len(cs.Slots))
		}
		for i, slot := range cs.Slots {
			reg := t.Register(cs.Registers[i])
			// frame slots are words, stack slots are 4 bytes
			stackSlot := slot * slotsPerWord
			m.SetCalleeSaved(vmreg.Stack2Reg(stackSlot), reg)
			if slotsPerWord > 1 {
				m.SetCalleeSaved(vmreg.Stack2Reg(stackSlot+1), reg.Next())
			}
		}
	}
	return m
}

// mark records location idx of bits at loc: three bits per location,
// is-reference followed by the two narrow halves.
func mark(m *OopMap, bits *compiled.BitSet, idx int, loc vmreg.VMReg) {
	if !bits.Get(3 * idx) {
		m.SetValue(loc)
		return
	}
	narrowLow := bits.Get(3*idx + 1)
	narrowHigh := bits.Get(3*idx + 2)
	if !narrowLow && !narrowHigh {
		m.SetOop(loc)
		return
	}
	if narrowLow {
		m.SetNarrowOop(loc)
	}
	if narrowHigh {
		m.SetNarrowOop(loc.Next())
	}
}
