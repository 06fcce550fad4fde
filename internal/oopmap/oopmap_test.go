package oopmap

import (
	"testing"

	"github.com/tinyrange/codeinstall/internal/arch/amd64"
	"github.com/tinyrange/codeinstall/internal/compiled"
	"github.com/tinyrange/codeinstall/internal/fault"
	"github.com/tinyrange/codeinstall/internal/vmreg"
)

func refMap(t *amd64.Target, frameWords int) *compiled.ReferenceMap {
	return &compiled.ReferenceMap{
		RegisterRefMap: compiled.NewBitSet(3 * len(t.ReferenceMapRegisters())),
		FrameRefMap:    compiled.NewBitSet(3 * frameWords),
	}
}

func TestBuild(t *testing.T) {
	tgt := amd64.New()
	rm := refMap(tgt, 4)
	rm.RegisterRefMap.SetReference(3)          // rbx
	rm.RegisterRefMap.SetNarrow(6, true, true) // rsi, both halves
	rm.FrameRefMap.SetReference(1)             // word 1
	rm.FrameRefMap.SetNarrow(2, false, true)   // word 2, high half

	m := Build(tgt, 32, 1, &compiled.DebugInfo{ReferenceMap: rm})

	if e := m.Find(amd64.GPR(3)); len(e) != 1 || e[0].Type != Oop {
		t.Fatalf("rbx entries=%v, want one oop", e)
	}
	if e := m.Find(amd64.GPR(6)); len(e) != 1 || e[0].Type != NarrowOop {
		t.Fatalf("rsi entries=%v, want narrow oop", e)
	}
	if e := m.Find(amd64.GPR(6).Next()); len(e) != 1 || e[0].Type != NarrowOop {
		t.Fatalf("rsi.hi entries=%v, want narrow oop", e)
	}
	// word 1 is stack slot 2
	if e := m.Find(vmreg.Stack2Reg(2)); len(e) != 1 || e[0].Type != Oop {
		t.Fatalf("slot 2 entries=%v, want oop", e)
	}
	// word 2 high half is stack slot 5
	if e := m.Find(vmreg.Stack2Reg(5)); len(e) != 1 || e[0].Type != NarrowOop {
		t.Fatalf("slot 5 entries=%v, want narrow oop", e)
	}
	if got := m.Count(Oop); got != 2 {
		t.Fatalf("Count(Oop)=%d, want 2", got)
	}
	if got := m.Count(NarrowOop); got != 3 {
		t.Fatalf("Count(NarrowOop)=%d, want 3", got)
	}
	if m.FrameSize != 32 || m.ParameterCount != 1 {
		t.Fatalf("FrameSize=%d ParameterCount=%d, want 32 1", m.FrameSize, m.ParameterCount)
	}
}

func TestBuildWithoutRegisters(t *testing.T) {
	tgt := amd64.New()
	rm := &compiled.ReferenceMap{FrameRefMap: compiled.NewBitSet(3)}
	rm.FrameRefMap.SetReference(0)

	m := Build(tgt, 8, 0, &compiled.DebugInfo{ReferenceMap: rm})
	if len(m.Find(amd64.GPR(0))) != 0 {
		t.Fatalf("register entries recorded without a register map")
	}
	if e := m.Find(vmreg.Stack2Reg(0)); len(e) != 1 || e[0].Type != Oop {
		t.Fatalf("slot 0 entries=%v, want oop", e)
	}
}

func TestBuildCalleeSaved(t *testing.T) {
	tgt := amd64.New()
	rm := refMap(tgt, 4)
	info := &compiled.DebugInfo{
		ReferenceMap:   rm,
		CalleeSaveInfo: &compiled.RegisterSaveLayout{Registers: []int{3}, Slots: []int{2}},
	}
	m := Build(tgt, 32, 0, info)

	e := m.Find(vmreg.Stack2Reg(4))
	var saved *Entry
	for i := range e {
		if e[i].Type == CalleeSaved {
			saved = &e[i]
		}
	}
	if saved == nil || saved.Content != amd64.GPR(3) {
		t.Fatalf("slot 4 entries=%v, want callee saved rbx", e)
	}
	if got := m.Count(CalleeSaved); got != 2 {
		t.Fatalf("Count(CalleeSaved)=%d, want 2", got)
	}
}

func TestBuildMalformed(t *testing.T) {
	tgt := amd64.New()
	tests := []struct {
		name string
		info *compiled.DebugInfo
	}{
		{"no reference map", &compiled.DebugInfo{}},
		{"no frame map", &compiled.DebugInfo{ReferenceMap: &compiled.ReferenceMap{}}},
		{"short register map", &compiled.DebugInfo{ReferenceMap: &compiled.ReferenceMap{
			RegisterRefMap: compiled.NewBitSet(3),
			FrameRefMap:    compiled.NewBitSet(3),
		}}},
		{"callee save mismatch", &compiled.DebugInfo{
			ReferenceMap:   &compiled.ReferenceMap{FrameRefMap: compiled.NewBitSet(3)},
			CalleeSaveInfo: &compiled.RegisterSaveLayout{Registers: []int{1, 2}, Slots: []int{0}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if f := fault.Catch(func() { Build(tgt, 16, 0, tt.info) }); f == nil {
				t.Fatalf("Build did not fault")
			}
		})
	}
}

func TestSetAt(t *testing.T) {
	s := NewSet()
	a, b := New(16, 0), New(16, 0)
	s.Add(4, a)
	s.Add(12, b)
	if s.At(12) != b || s.At(4) != a || s.At(8) != nil {
		t.Fatalf("At returned the wrong maps")
	}
	if s.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", s.Len())
	}
}
